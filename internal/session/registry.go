// Package session coordinates the lifecycle of per-session agents:
// creation with memory-infused system prompts, serialized prompting,
// idle and size based eviction with extraction, and explicit resets.
package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/memory-den/internal/config"
	"github.com/nidhogg/memory-den/internal/extract"
	"github.com/nidhogg/memory-den/internal/handoff"
	"github.com/nidhogg/memory-den/internal/memory"
	"github.com/nidhogg/memory-den/internal/runtime"
)

// Registry owns all live agents, one per session key. It is safe for
// concurrent use; per-session turn ordering is enforced by the task
// queues, lifecycle bookkeeping by the mutex.
type Registry struct {
	store       *memory.Store
	query       *memory.Query
	migrator    *memory.Migrator
	engine      *extract.Engine
	broker      *handoff.Broker
	factory     runtime.Factory
	cfg         *config.Config
	sessionCfgs *config.SessionConfigs
	logger      *zap.Logger

	mu     sync.Mutex
	agents map[string]*instance
	queues map[string]*taskQueue
	resets map[string]chan struct{}
}

// NewRegistry creates a session registry wired to its collaborators.
func NewRegistry(
	store *memory.Store,
	query *memory.Query,
	migrator *memory.Migrator,
	engine *extract.Engine,
	broker *handoff.Broker,
	factory runtime.Factory,
	cfg *config.Config,
	logger *zap.Logger,
) *Registry {
	return &Registry{
		store:       store,
		query:       query,
		migrator:    migrator,
		engine:      engine,
		broker:      broker,
		factory:     factory,
		cfg:         cfg,
		sessionCfgs: config.NewSessionConfigs(cfg.BasePath),
		logger:      logger,
		agents:      make(map[string]*instance),
		queues:      make(map[string]*taskQueue),
		resets:      make(map[string]chan struct{}),
	}
}

func (r *Registry) queue(session string) *taskQueue {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[session]
	if !ok {
		q = newTaskQueue()
		r.queues[session] = q
	}
	return q
}

// GetOrCreateAgent returns the live agent for a session, creating one
// if absent. A session past its idle or message threshold keeps serving
// with the current agent while extraction and eviction run in the
// background; the replacement is created on a later call. Blocks while
// an explicit reset is in flight.
func (r *Registry) GetOrCreateAgent(ctx context.Context, session string) (runtime.Agent, bool, error) {
	// Reset barrier: never hand out an agent mid-reset.
	for {
		r.mu.Lock()
		reset, pending := r.resets[session]
		if !pending {
			break
		}
		r.mu.Unlock()
		r.logger.Debug("waiting for pending reset", zap.String("session", session))
		select {
		case <-reset:
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
	// mu held here.
	now := time.Now()
	if existing, ok := r.agents[session]; ok {
		idle := now.Sub(existing.lastActivity)
		overThreshold := idle >= r.cfg.IdleTimeout || existing.messageCount >= r.cfg.MaxMessages
		if overThreshold && existing.state == StateActive {
			r.logger.Info("session over threshold, extracting in background",
				zap.String("session", session),
				zap.Duration("idle", idle),
				zap.Int("messages", existing.messageCount))
			go r.summarizeAndEvict(session, existing)
		} else if !overThreshold {
			existing.lastActivity = now
		}
		agent := existing.agent
		r.mu.Unlock()
		return agent, false, nil
	}
	r.mu.Unlock()

	agent, err := r.createAgent(ctx, session)
	if err != nil {
		return nil, false, err
	}

	r.mu.Lock()
	// A concurrent creator may have won; prefer the registered one.
	if existing, ok := r.agents[session]; ok {
		r.mu.Unlock()
		agent.Abort()
		return existing.agent, false, nil
	}
	r.agents[session] = &instance{
		agent:        agent,
		lastActivity: now,
		state:        StateActive,
	}
	r.mu.Unlock()
	r.logger.Info("created agent", zap.String("session", session))
	return agent, true, nil
}

// summarizeAndEvict extracts the instance's transcript and evicts the
// agent. First failure extends the idle clock so the sweep retries
// later; a second consecutive failure evicts without saving rather than
// pinning memory forever.
func (r *Registry) summarizeAndEvict(session string, inst *instance) {
	r.mu.Lock()
	if inst.state != StateActive {
		r.mu.Unlock()
		return
	}
	inst.state = StateSummarizing
	messages := inst.agent.Messages()
	r.mu.Unlock()

	err := r.extractAndSave(context.Background(), session, messages)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		inst.state = StateEvicted
		inst.agent.Abort()
		r.evictIfCurrent(session, inst)
		r.logger.Info("extracted and evicted session", zap.String("session", session))
		return
	}
	inst.retryCount++
	if inst.retryCount < 2 {
		inst.state = StateActive
		inst.lastActivity = time.Now()
		r.logger.Warn("extraction failed, will retry",
			zap.String("session", session),
			zap.Error(err))
		return
	}
	inst.state = StateEvicted
	inst.agent.Abort()
	r.evictIfCurrent(session, inst)
	r.logger.Warn("extraction failed twice, evicting without save",
		zap.String("session", session),
		zap.Error(err))
}

// evictIfCurrent removes the session's map entry only when it still
// points at inst. An explicit reset may have evicted this instance and
// a new prompt registered a replacement while extraction ran; the
// replacement must survive. Caller holds mu.
func (r *Registry) evictIfCurrent(session string, inst *instance) {
	if cur, ok := r.agents[session]; ok && cur == inst {
		delete(r.agents, session)
	}
}

// extractAndSave persists a transcript: entity extraction plus handoff
// refresh, or the legacy digest rewrite when entity memory is disabled.
func (r *Registry) extractAndSave(ctx context.Context, session string, messages []runtime.Message) error {
	if !r.cfg.UseEntityMemory {
		return r.engine.Summarize(ctx, session, messages)
	}
	needs, err := r.migrator.NeedsMigration(session)
	if err != nil {
		return err
	}
	if needs {
		if err := r.migrator.Migrate(session); err != nil {
			return err
		}
	}
	if _, err := r.engine.Extract(ctx, session, messages); err != nil {
		return err
	}
	// Handoff is best effort; stale snapshots are acceptable.
	if err := r.broker.Refresh(session); err != nil {
		r.logger.Warn("handoff refresh failed",
			zap.String("session", session),
			zap.Error(err))
	}
	return nil
}

// ResetSession extracts the session's transcript and evicts its agent.
// The first caller does the work synchronously; concurrent callers
// observe the reset in progress and return immediately. Returns false
// when no agent exists.
func (r *Registry) ResetSession(ctx context.Context, session string) bool {
	r.mu.Lock()
	inst, ok := r.agents[session]
	if !ok {
		r.mu.Unlock()
		return false
	}
	if _, pending := r.resets[session]; pending {
		r.mu.Unlock()
		r.logger.Debug("reset already in progress", zap.String("session", session))
		return true
	}
	done := make(chan struct{})
	r.resets[session] = done

	skipSave := inst.state == StateSummarizing
	inst.state = StateSummarizing
	messages := inst.agent.Messages()
	r.mu.Unlock()

	if !skipSave {
		if err := r.extractAndSave(ctx, session, messages); err != nil {
			r.logger.Warn("extraction failed during reset, evicting anyway",
				zap.String("session", session),
				zap.Error(err))
		}
	}

	r.mu.Lock()
	inst.state = StateEvicted
	inst.agent.Abort()
	delete(r.agents, session)
	delete(r.resets, session)
	close(done)
	r.mu.Unlock()
	r.logger.Info("reset complete, agent evicted", zap.String("session", session))
	return true
}

// Cleanup sweeps for agents past the idle timeout and kicks off
// background extraction for each. It also prunes queues left behind by
// evicted sessions so the map does not grow with every session key ever
// seen. Meant to run on a ticker.
func (r *Registry) Cleanup() {
	now := time.Now()
	r.mu.Lock()
	var stale []string
	var insts []*instance
	for session, inst := range r.agents {
		if inst.state == StateActive && now.Sub(inst.lastActivity) >= r.cfg.IdleTimeout {
			stale = append(stale, session)
			insts = append(insts, inst)
		}
	}
	for session, q := range r.queues {
		if _, live := r.agents[session]; live {
			continue
		}
		// Only an idle queue closes; one with work in flight stays.
		if q.tryClose() {
			delete(r.queues, session)
		}
	}
	r.mu.Unlock()
	for i, session := range stale {
		r.logger.Info("sweeping idle session", zap.String("session", session))
		go r.summarizeAndEvict(session, insts[i])
	}
}

// Info describes one live session.
type Info struct {
	MessageCount int
	Idle         time.Duration
	State        State
}

// SessionInfo returns the live state of a session, or nil when no
// agent exists.
func (r *Registry) SessionInfo(session string) *Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.agents[session]
	if !ok {
		return nil
	}
	return &Info{
		MessageCount: inst.messageCount,
		Idle:         time.Since(inst.lastActivity),
		State:        inst.state,
	}
}

// ActiveAgentCount returns the number of live agents.
func (r *Registry) ActiveAgentCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.agents)
}

// Close drains and stops all per-session queues.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for session, q := range r.queues {
		if q.tryClose() {
			delete(r.queues, session)
		}
	}
}
