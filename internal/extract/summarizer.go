package extract

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/nidhogg/memory-den/internal/memory"
	"github.com/nidhogg/memory-den/internal/runtime"
)

const summarizerSystemPrompt = "You are a helpful assistant that summarizes conversations. Output only the requested format, no preamble."

// Summarize rewrites the legacy flat digest for a session running with
// entity memory disabled. The model is fed the existing digest and the
// capped transcript and outputs a complete replacement; an empty
// replacement against a non-empty digest preserves the old one.
func (e *Engine) Summarize(ctx context.Context, session string, messages []runtime.Message) error {
	recentTurns := RecentTurns(messages)

	var existing *memory.Digest
	if content, err := os.ReadFile(e.store.DigestPath(session)); err == nil {
		existing = memory.ParseDigest(string(content))
	} else {
		existing = &memory.Digest{}
	}

	if len(messages) < minMessagesForExtraction {
		e.logger.Debug("too few messages to summarize, keeping digest",
			zap.String("session", session))
		existing.RecentTurns = recentTurns
		return e.writeDigest(session, existing)
	}

	prompt := buildSummarizerPrompt(messages, existing)
	response, err := e.callSummarizer(ctx, prompt)
	if err != nil {
		return fmt.Errorf("extract: summarizer call: %w", err)
	}

	updated := memory.ParseDigest(response)
	if updated.Empty() && !existing.Empty() {
		e.logger.Warn("summarization returned empty digest, preserving existing",
			zap.String("session", session))
		existing.RecentTurns = recentTurns
		return e.writeDigest(session, existing)
	}

	updated.RecentTurns = recentTurns
	return e.writeDigest(session, updated)
}

func (e *Engine) writeDigest(session string, digest *memory.Digest) error {
	path := e.store.DigestPath(session)
	if err := os.MkdirAll(e.store.SessionDir(session), 0o750); err != nil {
		return fmt.Errorf("extract: init session dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(digest.Render()), 0o600); err != nil {
		return fmt.Errorf("extract: write digest: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("extract: replace digest: %w", err)
	}
	return nil
}

func (e *Engine) callSummarizer(ctx context.Context, prompt string) (string, error) {
	agent, err := e.factory.New(ctx)
	if err != nil {
		return "", err
	}
	defer agent.Abort()

	agent.SetModel(e.model)
	agent.SetSystemPrompt(summarizerSystemPrompt)
	agent.SetThinkingLevel(runtime.ThinkingOff)

	if err := agent.Prompt(ctx, prompt); err != nil {
		return "", err
	}
	if err := agent.WaitForIdle(ctx); err != nil {
		return "", err
	}
	msgs := agent.Messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == runtime.RoleAssistant {
			return msgs[i].Text, nil
		}
	}
	return "", fmt.Errorf("extract: no summarizer response")
}

func buildSummarizerPrompt(messages []runtime.Message, existing *memory.Digest) string {
	truncated := len(messages) > maxMessagesForExtraction
	if truncated {
		messages = messages[len(messages)-maxMessagesForExtraction:]
	}

	var b strings.Builder
	b.WriteString("You are summarizing a conversation session for future reference.\n\n")
	b.WriteString("## Existing memory (preserve and merge):\n")
	b.WriteString(formatExistingMemory(existing))
	b.WriteString("\n\n## Recent conversation")
	if truncated {
		b.WriteString(" (truncated - older messages omitted)")
	}
	b.WriteString(":\n")
	b.WriteString(formatTranscript(messages))
	b.WriteString(`

## Output format (Markdown):
## summary
- <key topic or decision>
- ...

## memory

### people
- <person's name/identifier>: <who they are, their preferences, relationship>
- ...

### decisions
- <decision or commitment made>
- ...

### tasks
- <pending action item or todo>
- ...

### facts
- <important context, general knowledge, user preferences>
- ...

## Rules:
- summary: Main topics discussed, decisions made, problems solved (max 10 items)
- memory.people: Names and info about people mentioned (max 15 items)
- memory.decisions: Things agreed upon, commitments, explicit rules (max 10 items)
- memory.tasks: Pending action items, todos, things to do later (max 10 items)
- memory.facts: Important context, preferences, explicit "remember this" requests (max 15 items)
- MERGE existing memory items - preserve prior memories, deduplicate similar items
- Mark completed tasks as done or remove them
- If conversation was truncated, still capture ALL high-signal information
- Keep each bullet concise (1 line)
- Output ONLY the markdown sections, no preamble`)
	return b.String()
}

func formatExistingMemory(d *memory.Digest) string {
	if d == nil || d.Empty() {
		return "(none)"
	}
	var sections []string
	section := func(header string, items []string) {
		if len(items) == 0 {
			return
		}
		lines := make([]string, 0, len(items)+1)
		lines = append(lines, header)
		for _, item := range items {
			lines = append(lines, "- "+item)
		}
		sections = append(sections, strings.Join(lines, "\n"))
	}
	section("### people", d.People)
	section("### decisions", d.Decisions)
	section("### tasks", d.Tasks)
	section("### facts", d.Facts)
	if len(sections) == 0 {
		return "(none)"
	}
	return strings.Join(sections, "\n\n")
}
