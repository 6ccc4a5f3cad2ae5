// Package handoff maintains the condensed cross-session snapshot a
// session publishes for others that share its memory.
package handoff

import (
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/memory-den/internal/memory"
)

// Broker regenerates and serves session handoffs. Refresh is called
// after every extraction run so the snapshot tracks the freshest
// memory.
type Broker struct {
	store  *memory.Store
	query  *memory.Query
	logger *zap.Logger
}

// NewBroker creates a handoff broker.
func NewBroker(store *memory.Store, query *memory.Query, logger *zap.Logger) *Broker {
	return &Broker{store: store, query: query, logger: logger}
}

// Refresh rebuilds a session's handoff from its current memory: a
// synthesized one-line summary, the last 10 decisions, and every open
// task. Handoff failure is non-fatal for callers; they log and move on.
func (b *Broker) Refresh(session string) error {
	summary, err := b.query.Summarize(session, 0)
	if err != nil {
		return err
	}

	var parts []string
	if len(summary.Decisions) > 0 {
		recent := summary.Decisions
		if len(recent) > 3 {
			recent = recent[len(recent)-3:]
		}
		parts = append(parts, "Decisions: "+joinContents(knowledgeContents(recent)))
	}
	open := openTasks(summary.Tasks)
	if len(open) > 0 {
		recent := open
		if len(recent) > 3 {
			recent = recent[len(recent)-3:]
		}
		parts = append(parts, "Working on: "+joinContents(recent))
	}
	summaryLine := strings.Join(parts, ". ")
	if summaryLine == "" {
		summaryLine = "No recent activity."
	}

	decisions := knowledgeContents(summary.Decisions)
	if len(decisions) > 10 {
		decisions = decisions[len(decisions)-10:]
	}

	h := &memory.SessionHandoff{
		Version:      memory.SchemaVersion,
		Summary:      summaryLine,
		Decisions:    decisions,
		CurrentTasks: open,
		HandoffNotes: []string{},
		LastUpdated:  time.Now().Format(time.RFC3339),
	}
	if err := b.store.SaveHandoff(session, h); err != nil {
		return err
	}
	b.logger.Debug("refreshed handoff", zap.String("session", session))
	return nil
}

// Snapshot returns the stored handoff for a session, nil if none
// exists.
func (b *Broker) Snapshot(session string) (*memory.SessionHandoff, error) {
	return b.store.LoadHandoff(session)
}

func knowledgeContents(items []memory.KnowledgeItem) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, item.Content)
	}
	return out
}

func openTasks(tasks []memory.TaskItem) []string {
	var out []string
	for _, t := range tasks {
		if t.Open() {
			out = append(out, t.Content)
		}
	}
	return out
}

func joinContents(items []string) string {
	return strings.Join(items, "; ")
}
