package extract

import (
	"strings"

	"github.com/nidhogg/memory-den/internal/memory"
	"github.com/nidhogg/memory-den/internal/runtime"
)

const maxRecentPairs = 25

// RecentTurns selects the verbatim turns worth carrying across an
// eviction: warm-up noise is dropped, remaining turns are paired
// user/assistant, and only the last 25 complete pairs survive. Fully
// deterministic; it runs even when the model call is skipped.
func RecentTurns(messages []runtime.Message) []memory.Turn {
	var turns []memory.Turn
	for i := len(messages) - 1; i >= 0 && len(turns) < maxRecentPairs*2; i-- {
		msg := messages[i]
		content := strings.TrimSpace(msg.Text)
		if content == "" {
			continue
		}
		switch msg.Role {
		case runtime.RoleUser:
			if isWarmUpUser(content) {
				continue
			}
			turns = append([]memory.Turn{{Role: "user", Content: content}}, turns...)
		case runtime.RoleAssistant:
			if isWarmUpAck(content) {
				continue
			}
			turns = append([]memory.Turn{{Role: "assistant", Content: content}}, turns...)
		}
	}

	type pair struct{ user, assistant string }
	var pairs []pair
	for i := 0; i < len(turns)-1; i++ {
		if turns[i].Role == "user" && turns[i+1].Role == "assistant" {
			pairs = append(pairs, pair{user: turns[i].Content, assistant: turns[i+1].Content})
			i++
		}
	}
	if len(pairs) > maxRecentPairs {
		pairs = pairs[len(pairs)-maxRecentPairs:]
	}

	result := make([]memory.Turn, 0, len(pairs)*2)
	for _, p := range pairs {
		result = append(result,
			memory.Turn{Role: "user", Content: p.user},
			memory.Turn{Role: "assistant", Content: p.assistant})
	}
	return result
}

// isWarmUpUser matches the synthetic context-replay turn injected on
// agent creation.
func isWarmUpUser(content string) bool {
	return strings.Contains(content, "<session_context>") ||
		strings.Contains(content, "Above is conversation history for context")
}

// isWarmUpAck matches the acknowledgement the model produces for the
// warm-up turn.
func isWarmUpAck(content string) bool {
	lower := strings.ToLower(content)
	return strings.HasPrefix(lower, "context received") ||
		strings.HasPrefix(lower, "context acknowledged")
}
