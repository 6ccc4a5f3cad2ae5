package extract

import (
	"context"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/nidhogg/memory-den/internal/memory"
	"github.com/nidhogg/memory-den/internal/runtime"
)

// fakeAgent replays a canned response as the final assistant message.
type fakeAgent struct {
	response string
	prompts  []string
	aborted  bool
}

func (f *fakeAgent) SetModel(string)                        {}
func (f *fakeAgent) SetSystemPrompt(string)                 {}
func (f *fakeAgent) SetThinkingLevel(runtime.ThinkingLevel) {}
func (f *fakeAgent) SetTools([]runtime.ToolSpec)            {}
func (f *fakeAgent) Prompt(_ context.Context, text string, _ ...runtime.Attachment) error {
	f.prompts = append(f.prompts, text)
	return nil
}
func (f *fakeAgent) WaitForIdle(context.Context) error { return nil }
func (f *fakeAgent) Abort()                            { f.aborted = true }
func (f *fakeAgent) Messages() []runtime.Message {
	msgs := make([]runtime.Message, 0, len(f.prompts)*2)
	for _, p := range f.prompts {
		msgs = append(msgs,
			runtime.Message{Role: runtime.RoleUser, Text: p},
			runtime.Message{Role: runtime.RoleAssistant, Text: f.response})
	}
	return msgs
}
func (f *fakeAgent) Subscribe(func(runtime.Event)) func() { return func() {} }

type fakeFactory struct {
	response string
	created  int
	last     *fakeAgent
}

func (f *fakeFactory) New(context.Context) (runtime.Agent, error) {
	f.created++
	f.last = &fakeAgent{response: f.response}
	return f.last, nil
}

func transcript(n int) []runtime.Message {
	var msgs []runtime.Message
	for i := 0; i < n; i++ {
		role := runtime.RoleUser
		if i%2 == 1 {
			role = runtime.RoleAssistant
		}
		msgs = append(msgs, runtime.Message{Role: role, Text: "message"})
	}
	return msgs
}

func newTestEngine(t *testing.T, response string) (*Engine, *memory.Store, *fakeFactory) {
	t.Helper()
	store := memory.NewStore(t.TempDir(), zap.NewNop())
	factory := &fakeFactory{response: response}
	return NewEngine(store, factory, "test-model", zap.NewNop()), store, factory
}

func TestExtractSkipsModelBelowFloor(t *testing.T) {
	engine, store, factory := newTestEngine(t, validResponse)

	result, err := engine.Extract(context.Background(), "s1", transcript(2))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if factory.created != 0 {
		t.Fatalf("model called for a %d-message transcript", 2)
	}
	if !result.Empty() {
		t.Fatalf("got non-empty result without a model call")
	}
	if len(result.RecentTurns) != 2 {
		t.Fatalf("got %d recent turns, want 2", len(result.RecentTurns))
	}
	// No merge happened, so the store stays untouched.
	if store.HasEntityMemory("s1") {
		t.Fatalf("state persisted despite skipped extraction")
	}
}

func TestExtractMergesValidResponse(t *testing.T) {
	engine, store, factory := newTestEngine(t, validResponse)

	// Bob must exist for the update path.
	if err := store.SaveEntity("s1", &memory.Entity{
		ID: "person_bob", Type: memory.EntityPerson, Name: "Bob",
		Properties: []memory.TemporalProperty{
			{Key: "city", Value: "Berlin", ValidFrom: 1, Confidence: 1.0, Source: "t"},
		},
	}); err != nil {
		t.Fatalf("SaveEntity: %v", err)
	}

	result, err := engine.Extract(context.Background(), "s1", transcript(10))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if factory.created != 1 {
		t.Fatalf("got %d agent creations, want 1", factory.created)
	}
	if !factory.last.aborted {
		t.Fatalf("one-shot extractor agent not aborted")
	}
	if len(result.NewEntities) != 1 {
		t.Fatalf("got %d new entities", len(result.NewEntities))
	}

	alice, _ := store.LoadEntity("s1", "person_alice")
	if alice == nil {
		t.Fatalf("new entity not persisted")
	}

	bob, _ := store.LoadEntity("s1", "person_bob")
	if bob.MentionCount != 1 {
		t.Fatalf("got mention count %d, want 1 after update", bob.MentionCount)
	}
	// Old city invalidated, new one appended.
	var active []string
	for _, p := range bob.Properties {
		if p.Key == "city" && p.ValidUntil == 0 {
			active = append(active, p.Value)
		}
	}
	if len(active) != 1 || active[0] != "Vienna" {
		t.Fatalf("got active city values %v, want only Vienna", active)
	}

	decisions, _ := store.LoadKnowledge("s1", memory.KindDecisions)
	if len(decisions) != 1 {
		t.Fatalf("got %d decisions", len(decisions))
	}
	rels, _ := store.LoadRelationships("s1")
	if len(rels.Relationships) != 1 {
		t.Fatalf("got %d relationships in session store", len(rels.Relationships))
	}

	state, _ := store.LoadState("s1")
	if state == nil || state.LastExtractionMessageCount != 10 {
		t.Fatalf("state not updated: %+v", state)
	}
}

func TestExtractGarbageResponsePreservesMemory(t *testing.T) {
	engine, store, _ := newTestEngine(t, "I refuse to produce JSON today.")

	if err := store.AppendKnowledge("s1", memory.KindFacts, []memory.KnowledgeItem{
		{ID: "fact_1", Content: "precious", ValidFrom: 1, Confidence: 1.0, Source: "t"},
	}); err != nil {
		t.Fatalf("AppendKnowledge: %v", err)
	}

	result, err := engine.Extract(context.Background(), "s1", transcript(10))
	if err != nil {
		t.Fatalf("Extract should fail soft, got %v", err)
	}
	if !result.Empty() {
		t.Fatalf("garbage response produced content")
	}

	facts, _ := store.LoadKnowledge("s1", memory.KindFacts)
	if len(facts) != 1 || facts[0].Content != "precious" {
		t.Fatalf("prior memory lost: %+v", facts)
	}
	// Complete no-op: even the state file stays as it was.
	if store.HasEntityMemory("s1") {
		t.Fatalf("state written despite no-op merge")
	}
}

func TestMergeEmptyResultOnEmptySessionSavesState(t *testing.T) {
	engine, store, _ := newTestEngine(t, "")

	result := &Result{RecentTurns: []memory.Turn{{Role: "user", Content: "hi"}}}
	if err := engine.Merge("s1", result, 4); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	state, _ := store.LoadState("s1")
	if state == nil || len(state.RecentTurns) != 1 {
		t.Fatalf("state not saved for empty session: %+v", state)
	}
}

func TestMergePreservesLegacyMigratedFlag(t *testing.T) {
	engine, store, _ := newTestEngine(t, "")

	if err := store.SaveState("s1", &memory.MemoryState{
		Version: memory.SchemaVersion, LegacyMigrated: true,
	}); err != nil {
		t.Fatalf("SaveState: %v", err)
	}
	result := &Result{
		Facts: []memory.KnowledgeItem{{ID: "fact_1", Content: "x", ValidFrom: 1}},
	}
	if err := engine.Merge("s1", result, 5); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	state, _ := store.LoadState("s1")
	if !state.LegacyMigrated {
		t.Fatalf("merge dropped legacyMigrated flag")
	}
}

func TestExtractPromptContainsIndexAndTranscript(t *testing.T) {
	engine, store, factory := newTestEngine(t, validResponse)

	if err := store.SaveEntity("s1", &memory.Entity{
		ID: "person_bob", Type: memory.EntityPerson, Name: "Bob",
	}); err != nil {
		t.Fatalf("SaveEntity: %v", err)
	}
	if _, err := engine.Extract(context.Background(), "s1", []runtime.Message{
		{Role: runtime.RoleUser, Text: "Bob moved to Vienna"},
		{Role: runtime.RoleAssistant, Text: "Noted"},
		{Role: runtime.RoleUser, Text: "thanks"},
	}); err != nil {
		t.Fatalf("Extract: %v", err)
	}
	prompt := factory.last.prompts[0]
	for _, want := range []string{"person_bob", "U: Bob moved to Vienna", "A: Noted", "isNew"} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt missing %q", want)
		}
	}
}
