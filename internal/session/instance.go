package session

import (
	"time"

	"github.com/nidhogg/memory-den/internal/runtime"
)

// State is the lifecycle phase of a live agent instance.
type State int

const (
	// StateActive is a live agent serving turns.
	StateActive State = iota
	// StateSummarizing is an agent whose transcript is being extracted;
	// it still serves turns until eviction.
	StateSummarizing
	// StateEvicted is a terminal marker kept briefly for diagnostics.
	StateEvicted
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateSummarizing:
		return "summarizing"
	case StateEvicted:
		return "evicted"
	}
	return "unknown"
}

// instance is the registry's bookkeeping for one live agent. All fields
// are guarded by the registry mutex.
type instance struct {
	agent        runtime.Agent
	lastActivity time.Time
	messageCount int
	state        State
	retryCount   int
}
