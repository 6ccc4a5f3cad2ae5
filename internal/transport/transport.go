// Package transport defines the contract with the external message
// transport that delivers inbound conversation turns and accepts
// outbound replies. The core is agnostic to transport identity beyond
// the session key string.
package transport

import (
	"context"
	"time"
)

// Inbound is a normalized message delivered by a transport.
type Inbound struct {
	Session   string    `json:"session"`
	Text      string    `json:"text"`
	MediaPath string    `json:"media_path,omitempty"`
	MediaType string    `json:"media_type,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Outbound is a reply handed back to a transport for delivery.
type Outbound struct {
	Session   string   `json:"session"`
	Text      string   `json:"text"`
	MediaRefs []string `json:"media_refs,omitempty"`
}

// Handler processes inbound messages from any transport.
type Handler func(msg *Inbound)

// Transport is a platform adapter owned by the hosting process.
type Transport interface {
	Name() string
	Connect(ctx context.Context) error
	Send(ctx context.Context, msg *Outbound) error
	OnMessage(handler Handler)
	Close() error
}
