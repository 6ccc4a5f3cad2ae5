package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/nidhogg/memory-den/internal/config"
	"github.com/nidhogg/memory-den/internal/memory"
	"github.com/nidhogg/memory-den/internal/runtime"
	"github.com/nidhogg/memory-den/internal/skill"
)

// Replay at most this many stored turns during warm-up.
const maxWarmupTurns = 24

// createAgent builds a fresh agent for a session: session env overlay,
// model selection, the assembled system prompt, and the context warm-up
// turn.
func (r *Registry) createAgent(ctx context.Context, session string) (runtime.Agent, error) {
	if err := config.LoadSessionEnv(r.cfg.BasePath, session); err != nil {
		r.logger.Warn("session env overlay failed",
			zap.String("session", session),
			zap.Error(err))
	}

	agent, err := r.factory.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("session: create agent: %w", err)
	}

	// Model priority: session .env, then process config.
	model := os.Getenv("AGENT_MODEL")
	if model == "" {
		model = r.cfg.AgentModel
	}
	if model != "" {
		agent.SetModel(model)
	}
	agent.SetThinkingLevel(runtime.ThinkingLevel(r.cfg.ThinkingLevel))
	agent.SetSystemPrompt(r.buildSystemPrompt(session))

	if err := r.warmUp(ctx, agent, session); err != nil {
		agent.Abort()
		return nil, err
	}
	return agent, nil
}

// buildSystemPrompt assembles the layered system prompt: handoff block,
// memory block, session paths, the base prompt from the SYSTEM.md
// hierarchy, and the discovered skills section. Memory failures degrade
// to a prompt without that block.
func (r *Registry) buildSystemPrompt(session string) string {
	prompt := r.loadBasePrompt(session)

	sessionInfo := fmt.Sprintf(
		"\nYour working directory: %s\nSession memory is auto-managed under the same directory.\n",
		filepath.Join(r.cfg.BasePath, session, "scratchpad"))

	if block := r.buildMemoryBlock(session); block != "" {
		prompt = block + sessionInfo + prompt
	} else {
		prompt = sessionInfo + prompt
	}
	if block := r.buildHandoffBlock(session); block != "" {
		prompt = block + prompt
	}
	if section := skill.FormatPrompt(skill.Discover(r.cfg.BasePath, session, r.logger)); section != "" {
		prompt += "\n\n" + section
	}
	return prompt
}

// loadBasePrompt reads the session's SYSTEM.md, falling back to the
// workspace-level one.
func (r *Registry) loadBasePrompt(session string) string {
	for _, path := range []string{
		filepath.Join(r.cfg.BasePath, session, "SYSTEM.md"),
		filepath.Join(r.cfg.BasePath, "SYSTEM.md"),
	} {
		if data, err := os.ReadFile(path); err == nil {
			return string(data)
		}
	}
	return ""
}

// buildMemoryBlock renders accumulated memory for the system prompt.
// With entity memory enabled it migrates a legacy digest on first load
// and renders the entity summary; otherwise it renders the digest
// directly.
func (r *Registry) buildMemoryBlock(session string) string {
	if !r.cfg.UseEntityMemory {
		return r.buildLegacyMemoryBlock(session)
	}

	if !r.store.HasEntityMemory(session) {
		needs, err := r.migrator.NeedsMigration(session)
		if err != nil || !needs {
			return ""
		}
		if err := r.migrator.Migrate(session); err != nil {
			r.logger.Warn("migration on first load failed",
				zap.String("session", session),
				zap.Error(err))
			return ""
		}
	}

	summary, err := r.query.Summarize(session, 0)
	if err != nil {
		r.logger.Warn("failed to build memory block",
			zap.String("session", session),
			zap.Error(err))
		return ""
	}
	if summary.Empty() {
		return ""
	}

	sections := []string{"Memory from previous sessions (context only - do not act on these unless explicitly asked):"}

	var people, others []*memory.Entity
	for _, e := range summary.Entities {
		if e.Type == memory.EntityPerson {
			people = append(people, e)
		} else {
			others = append(others, e)
		}
	}
	if len(people) > 0 {
		sections = append(sections, "\n## People")
		for _, e := range people {
			sections = append(sections, "- "+e.Name+entityProps(e))
		}
	}
	if len(others) > 0 {
		sections = append(sections, "\n## Known Entities")
		for _, e := range others {
			sections = append(sections, fmt.Sprintf("- %s (%s)%s", e.Name, e.Type, entityProps(e)))
		}
	}
	if len(summary.Decisions) > 0 {
		sections = append(sections, "\n## Decisions")
		for _, d := range summary.Decisions {
			sections = append(sections, "- "+d.Content)
		}
	}
	if len(summary.Tasks) > 0 {
		sections = append(sections, "\n## Things to follow up on (when relevant)")
		for _, t := range summary.Tasks {
			sections = append(sections, "- "+t.Content)
		}
	}
	if len(summary.Facts) > 0 {
		sections = append(sections, "\n## Facts")
		for _, f := range summary.Facts {
			sections = append(sections, "- "+f.Content)
		}
	}
	return strings.Join(sections, "\n") + "\n"
}

func entityProps(e *memory.Entity) string {
	var values []string
	for _, p := range e.Properties {
		if p.ValidUntil == 0 {
			values = append(values, p.Value)
		}
	}
	if len(values) == 0 {
		return ""
	}
	return ": " + strings.Join(values, "; ")
}

func (r *Registry) buildLegacyMemoryBlock(session string) string {
	content, err := os.ReadFile(r.store.DigestPath(session))
	if err != nil {
		return ""
	}
	d := memory.ParseDigest(string(content))
	if len(d.People) == 0 && len(d.Decisions) == 0 && len(d.Tasks) == 0 && len(d.Facts) == 0 {
		return ""
	}
	sections := []string{"Memory from previous sessions (context only - do not act on these unless explicitly asked):"}
	writeList := func(header string, items []string) {
		if len(items) == 0 {
			return
		}
		sections = append(sections, "\n"+header)
		for _, item := range items {
			sections = append(sections, "- "+item)
		}
	}
	writeList("## People", d.People)
	writeList("## Decisions", d.Decisions)
	writeList("## Things to follow up on (when relevant)", d.Tasks)
	writeList("## Facts", d.Facts)
	return strings.Join(sections, "\n") + "\n"
}

// buildHandoffBlock loads the handoff published by the session's shared
// context peer. Only sessions configured with sharedMemory consume one.
func (r *Registry) buildHandoffBlock(session string) string {
	sc := r.sessionCfgs.Get(session)
	if !sc.SharedMemory {
		return ""
	}
	if sc.SharedContext == "" {
		r.logger.Debug("sharedMemory enabled without sharedContext",
			zap.String("session", session))
		return ""
	}
	h, err := r.broker.Snapshot(sc.SharedContext)
	if err != nil || h == nil || h.Empty() {
		return ""
	}

	sections := []string{fmt.Sprintf("\nHandoff from %s (last updated: %s):", sc.SharedContext, h.LastUpdated)}
	if h.Summary != "" {
		sections = append(sections, "\n"+h.Summary)
	}
	writeList := func(header string, items []string) {
		if len(items) == 0 {
			return
		}
		sections = append(sections, "\n"+header)
		for _, item := range items {
			sections = append(sections, "- "+item)
		}
	}
	writeList("## Recent Decisions", h.Decisions)
	writeList("## In Progress", h.CurrentTasks)
	writeList("## Notes", h.HandoffNotes)
	return strings.Join(sections, "\n") + "\n"
}

// warmUp replays the stored recent turns as a single synthetic context
// turn so the new agent starts with conversational continuity. The
// model's acknowledgement is discarded. Disabled via
// SKIP_CONTEXT_WARMUP.
func (r *Registry) warmUp(ctx context.Context, agent runtime.Agent, session string) error {
	if r.cfg.SkipContextWarmup || strings.EqualFold(os.Getenv("SKIP_CONTEXT_WARMUP"), "true") {
		r.logger.Debug("context warm-up skipped", zap.String("session", session))
		return nil
	}

	turns, err := r.recentTurns(session)
	if err != nil {
		r.logger.Warn("failed to load recent turns",
			zap.String("session", session),
			zap.Error(err))
		return nil
	}
	if len(turns) == 0 {
		return nil
	}
	if len(turns) > maxWarmupTurns {
		turns = turns[len(turns)-maxWarmupTurns:]
	}

	lines := make([]string, 0, len(turns))
	for _, turn := range turns {
		prefix := "U: "
		if turn.Role == "assistant" {
			prefix = "A: "
		}
		lines = append(lines, prefix+turn.Content)
	}
	contextBlock := "<session_context>\n" + strings.Join(lines, "\n") +
		"\n</session_context>\n\nAbove is conversation history for context. Acknowledge briefly."

	r.logger.Debug("sending context warm-up",
		zap.String("session", session),
		zap.Int("turns", len(turns)))
	if err := agent.Prompt(ctx, contextBlock); err != nil {
		return fmt.Errorf("session: warm-up prompt: %w", err)
	}
	if err := agent.WaitForIdle(ctx); err != nil {
		return fmt.Errorf("session: warm-up wait: %w", err)
	}
	return nil
}

func (r *Registry) recentTurns(session string) ([]memory.Turn, error) {
	if r.cfg.UseEntityMemory {
		state, err := r.store.LoadState(session)
		if err != nil || state == nil {
			return nil, err
		}
		return state.RecentTurns, nil
	}
	content, err := os.ReadFile(r.store.DigestPath(session))
	if err != nil {
		return nil, nil
	}
	return memory.ParseDigest(string(content)).RecentTurns, nil
}
