package extract

import (
	"fmt"
	"testing"

	"github.com/nidhogg/memory-den/internal/runtime"
)

func TestRecentTurnsPairsAndOrder(t *testing.T) {
	messages := []runtime.Message{
		{Role: runtime.RoleUser, Text: "hello"},
		{Role: runtime.RoleAssistant, Text: "hi there"},
		{Role: runtime.RoleUser, Text: "how are you"},
		{Role: runtime.RoleAssistant, Text: "fine"},
	}
	turns := RecentTurns(messages)
	if len(turns) != 4 {
		t.Fatalf("got %d turns, want 4", len(turns))
	}
	if turns[0].Content != "hello" || turns[3].Content != "fine" {
		t.Fatalf("order wrong: %+v", turns)
	}
}

func TestRecentTurnsDropsWarmup(t *testing.T) {
	messages := []runtime.Message{
		{Role: runtime.RoleUser, Text: "<session_context>\nU: old\n</session_context>\n\nAbove is conversation history for context. Acknowledge briefly."},
		{Role: runtime.RoleAssistant, Text: "Context received, ready for new messages."},
		{Role: runtime.RoleUser, Text: "real question"},
		{Role: runtime.RoleAssistant, Text: "real answer"},
	}
	turns := RecentTurns(messages)
	if len(turns) != 2 {
		t.Fatalf("got %d turns, want 2 after warm-up filtering: %+v", len(turns), turns)
	}
	if turns[0].Content != "real question" || turns[1].Content != "real answer" {
		t.Fatalf("wrong turns kept: %+v", turns)
	}
}

func TestRecentTurnsSkipsToolAndEmpty(t *testing.T) {
	messages := []runtime.Message{
		{Role: runtime.RoleUser, Text: "question"},
		{Role: runtime.RoleTool, Text: "tool output"},
		{Role: runtime.RoleAssistant, Text: "   "},
		{Role: runtime.RoleAssistant, Text: "answer"},
	}
	turns := RecentTurns(messages)
	if len(turns) != 2 {
		t.Fatalf("got %d turns, want 2: %+v", len(turns), turns)
	}
}

func TestRecentTurnsCapsAtTwentyFivePairs(t *testing.T) {
	var messages []runtime.Message
	for i := 0; i < 40; i++ {
		messages = append(messages,
			runtime.Message{Role: runtime.RoleUser, Text: fmt.Sprintf("q%d", i)},
			runtime.Message{Role: runtime.RoleAssistant, Text: fmt.Sprintf("a%d", i)})
	}
	turns := RecentTurns(messages)
	if len(turns) != 50 {
		t.Fatalf("got %d turns, want 50 (25 pairs)", len(turns))
	}
	if turns[len(turns)-1].Content != "a39" {
		t.Fatalf("last pair should be the most recent, got %q", turns[len(turns)-1].Content)
	}
}

func TestRecentTurnsUnpairedUserDropped(t *testing.T) {
	messages := []runtime.Message{
		{Role: runtime.RoleUser, Text: "q1"},
		{Role: runtime.RoleAssistant, Text: "a1"},
		{Role: runtime.RoleUser, Text: "dangling"},
	}
	turns := RecentTurns(messages)
	if len(turns) != 2 {
		t.Fatalf("got %d turns, want 2 (dangling user dropped): %+v", len(turns), turns)
	}
}
