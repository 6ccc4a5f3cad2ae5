// Package relay bridges message transports to the session registry:
// inbound turns become registry prompts, replies go back out on the
// transport they arrived on.
package relay

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/nidhogg/memory-den/internal/session"
	"github.com/nidhogg/memory-den/internal/transport"
)

// Sent to the conversation when a turn exceeds its deadline, so the
// other side is not left waiting silently.
const timeoutReply = "Sorry, that took too long to process. Please try again."

// Dispatcher routes inbound messages from any number of transports into
// the session registry.
type Dispatcher struct {
	registry *session.Registry
	logger   *zap.Logger
}

// NewDispatcher creates a dispatcher over a session registry.
func NewDispatcher(registry *session.Registry, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{registry: registry, logger: logger}
}

// Attach registers the dispatcher as the transport's message handler
// and connects it. Each inbound message is handled on its own
// goroutine; per-session ordering is enforced by the registry, so a
// slow session never blocks the transport or other sessions.
func (d *Dispatcher) Attach(ctx context.Context, t transport.Transport) error {
	t.OnMessage(func(msg *transport.Inbound) {
		go d.handle(ctx, t, msg)
	})
	if err := t.Connect(ctx); err != nil {
		return fmt.Errorf("relay: connect %s: %w", t.Name(), err)
	}
	d.logger.Info("transport attached", zap.String("transport", t.Name()))
	return nil
}

func (d *Dispatcher) handle(ctx context.Context, t transport.Transport, msg *transport.Inbound) {
	reply, err := d.registry.Prompt(ctx, msg.Session, msg.Text, session.PromptOptions{
		MediaPath: msg.MediaPath,
		MediaType: msg.MediaType,
	})
	if err != nil {
		d.logger.Error("turn failed",
			zap.String("transport", t.Name()),
			zap.String("session", msg.Session),
			zap.Error(err))
		if errors.Is(err, session.ErrPromptTimeout) {
			d.send(ctx, t, &transport.Outbound{Session: msg.Session, Text: timeoutReply})
		}
		return
	}
	if reply.Text == "" {
		d.logger.Debug("empty reply, nothing to deliver",
			zap.String("session", msg.Session))
		return
	}
	d.send(ctx, t, &transport.Outbound{Session: msg.Session, Text: reply.Text})
}

func (d *Dispatcher) send(ctx context.Context, t transport.Transport, msg *transport.Outbound) {
	if err := t.Send(ctx, msg); err != nil {
		d.logger.Error("failed to deliver reply",
			zap.String("transport", t.Name()),
			zap.String("session", msg.Session),
			zap.Error(err))
	}
}
