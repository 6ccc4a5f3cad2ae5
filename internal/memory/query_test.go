package memory

import (
	"testing"
)

func TestValidAtBoundaries(t *testing.T) {
	cases := []struct {
		name                  string
		validFrom, validUntil int64
		t                     int64
		want                  bool
	}{
		{"before window", 100, 200, 99, false},
		{"at validFrom", 100, 200, 100, true},
		{"inside window", 100, 200, 150, true},
		{"at validUntil", 100, 200, 200, false},
		{"after window", 100, 200, 201, false},
		{"open ended at start", 100, 0, 100, true},
		{"open ended far future", 100, 0, 1 << 50, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ValidAt(tc.validFrom, tc.validUntil, tc.t); got != tc.want {
				t.Fatalf("ValidAt(%d, %d, %d) = %v, want %v", tc.validFrom, tc.validUntil, tc.t, got, tc.want)
			}
		})
	}
}

func TestEntityAtFiltersByTime(t *testing.T) {
	store := newTestStore(t)
	query := NewQuery(store)

	entity := &Entity{
		ID:   "person_bob",
		Type: EntityPerson,
		Name: "Bob",
		Properties: []TemporalProperty{
			{Key: "city", Value: "Berlin", ValidFrom: 100, ValidUntil: 200, Confidence: 1.0, Source: "t"},
			{Key: "city", Value: "Vienna", ValidFrom: 200, Confidence: 1.0, Source: "t"},
		},
		Relationships: []Relationship{
			{Type: "works_on", TargetEntityID: "project_x", ValidFrom: 100, ValidUntil: 150, Confidence: 0.9, Source: "t"},
		},
	}
	if err := store.SaveEntity("s1", entity); err != nil {
		t.Fatalf("SaveEntity: %v", err)
	}

	at150, err := query.EntityAt("s1", "person_bob", 150)
	if err != nil {
		t.Fatalf("EntityAt: %v", err)
	}
	if len(at150.Properties) != 1 || at150.Properties[0].Value != "Berlin" {
		t.Fatalf("at t=150 got %+v, want only Berlin", at150.Properties)
	}
	if len(at150.Relationships) != 0 {
		t.Fatalf("at t=150 relationship ending at 150 should be excluded")
	}

	at250, _ := query.EntityAt("s1", "person_bob", 250)
	if len(at250.Properties) != 1 || at250.Properties[0].Value != "Vienna" {
		t.Fatalf("at t=250 got %+v, want only Vienna", at250.Properties)
	}
}

func TestPropertyHistoryOrdered(t *testing.T) {
	store := newTestStore(t)
	query := NewQuery(store)

	entity := &Entity{
		ID:   "person_bob",
		Type: EntityPerson,
		Name: "Bob",
		Properties: []TemporalProperty{
			{Key: "city", Value: "Vienna", ValidFrom: 200},
			{Key: "city", Value: "Berlin", ValidFrom: 100, ValidUntil: 200},
			{Key: "job", Value: "engineer", ValidFrom: 50},
		},
	}
	if err := store.SaveEntity("s1", entity); err != nil {
		t.Fatalf("SaveEntity: %v", err)
	}

	history, err := query.PropertyHistory("s1", "person_bob", "city")
	if err != nil {
		t.Fatalf("PropertyHistory: %v", err)
	}
	if len(history) != 2 || history[0].Value != "Berlin" || history[1].Value != "Vienna" {
		t.Fatalf("got %+v, want Berlin then Vienna", history)
	}

	all, _ := query.PropertyHistory("s1", "person_bob", "")
	if len(all) != 3 {
		t.Fatalf("got %d entries for full history, want 3", len(all))
	}
}

func TestFindByAlias(t *testing.T) {
	store := newTestStore(t)
	query := NewQuery(store)

	if err := store.SaveEntity("s1", &Entity{
		ID: "person_alice", Type: EntityPerson, Name: "Alice Smith", Aliases: []string{"Al"},
	}); err != nil {
		t.Fatalf("SaveEntity: %v", err)
	}
	if err := store.SaveEntity("s1", &Entity{
		ID: "project_atlas", Type: EntityProject, Name: "Atlas",
	}); err != nil {
		t.Fatalf("SaveEntity: %v", err)
	}

	byName, err := query.FindByAlias("s1", "alice")
	if err != nil {
		t.Fatalf("FindByAlias: %v", err)
	}
	if len(byName) != 1 || byName[0].ID != "person_alice" {
		t.Fatalf("got %d matches by name, want person_alice", len(byName))
	}

	byAlias, _ := query.FindByAlias("s1", "AL")
	// "AL" matches both the alias "Al" and "Atlas" by substring.
	if len(byAlias) != 2 {
		t.Fatalf("got %d matches for AL, want 2", len(byAlias))
	}
}

func TestCurrentPropertiesLatestWins(t *testing.T) {
	store := newTestStore(t)
	query := NewQuery(store)

	now := Now()
	entity := &Entity{
		ID:   "person_bob",
		Type: EntityPerson,
		Name: "Bob",
		Properties: []TemporalProperty{
			{Key: "city", Value: "Berlin", ValidFrom: now - 100, ValidUntil: now - 50},
			{Key: "city", Value: "Vienna", ValidFrom: now - 50},
			{Key: "job", Value: "engineer", ValidFrom: now - 100},
		},
	}
	if err := store.SaveEntity("s1", entity); err != nil {
		t.Fatalf("SaveEntity: %v", err)
	}

	props, err := query.CurrentProperties("s1", "person_bob")
	if err != nil {
		t.Fatalf("CurrentProperties: %v", err)
	}
	if len(props) != 2 {
		t.Fatalf("got %d current properties, want 2", len(props))
	}
	if props["city"].Value != "Vienna" {
		t.Fatalf("got city %q, want Vienna", props["city"].Value)
	}
}

func TestFindByType(t *testing.T) {
	store := newTestStore(t)
	query := NewQuery(store)

	for _, e := range []*Entity{
		{ID: "person_alice", Type: EntityPerson, Name: "Alice"},
		{ID: "person_bob", Type: EntityPerson, Name: "Bob"},
		{ID: "project_atlas", Type: EntityProject, Name: "Atlas"},
	} {
		if err := store.SaveEntity("s1", e); err != nil {
			t.Fatalf("SaveEntity: %v", err)
		}
	}
	people, err := query.FindByType("s1", EntityPerson)
	if err != nil {
		t.Fatalf("FindByType: %v", err)
	}
	if len(people) != 2 {
		t.Fatalf("got %d people, want 2", len(people))
	}
}

func TestRelatedEntitiesFollowsActiveEdges(t *testing.T) {
	store := newTestStore(t)
	query := NewQuery(store)

	now := Now()
	if err := store.SaveEntity("s1", &Entity{
		ID: "person_alice", Type: EntityPerson, Name: "Alice",
		Relationships: []Relationship{
			{Type: "works_on", TargetEntityID: "project_atlas", ValidFrom: now - 100},
			{Type: "works_on", TargetEntityID: "project_old", ValidFrom: now - 100, ValidUntil: now - 50},
			{Type: "knows", TargetEntityID: "person_bob", ValidFrom: now - 100},
		},
	}); err != nil {
		t.Fatalf("SaveEntity: %v", err)
	}
	for _, e := range []*Entity{
		{ID: "project_atlas", Type: EntityProject, Name: "Atlas"},
		{ID: "project_old", Type: EntityProject, Name: "Old"},
		{ID: "person_bob", Type: EntityPerson, Name: "Bob"},
	} {
		if err := store.SaveEntity("s1", e); err != nil {
			t.Fatalf("SaveEntity: %v", err)
		}
	}

	projects, err := query.RelatedEntities("s1", "person_alice", "works_on")
	if err != nil {
		t.Fatalf("RelatedEntities: %v", err)
	}
	if len(projects) != 1 || projects[0].ID != "project_atlas" {
		t.Fatalf("got %+v, want only the active works_on edge", projects)
	}

	all, _ := query.RelatedEntities("s1", "person_alice", "")
	if len(all) != 2 {
		t.Fatalf("got %d related entities without type filter, want 2", len(all))
	}
}

func TestKnowledgeForEntity(t *testing.T) {
	store := newTestStore(t)
	query := NewQuery(store)

	if err := store.SaveKnowledge("s1", KindDecisions, []KnowledgeItem{
		{ID: "d1", Content: "about alice", EntityIDs: []string{"person_alice"}, ValidFrom: 1},
		{ID: "d2", Content: "about bob", EntityIDs: []string{"person_bob"}, ValidFrom: 1},
	}); err != nil {
		t.Fatalf("SaveKnowledge: %v", err)
	}
	if err := store.SaveKnowledge("s1", KindFacts, []KnowledgeItem{
		{ID: "f1", Content: "alice fact", EntityIDs: []string{"person_alice"}, ValidFrom: 1},
	}); err != nil {
		t.Fatalf("SaveKnowledge: %v", err)
	}

	matched, err := query.KnowledgeForEntity("s1", "person_alice")
	if err != nil {
		t.Fatalf("KnowledgeForEntity: %v", err)
	}
	if len(matched) != 2 {
		t.Fatalf("got %d items for person_alice, want 2", len(matched))
	}
}

func TestPendingTasksExcludesClosed(t *testing.T) {
	store := newTestStore(t)
	query := NewQuery(store)

	tasks := []TaskItem{
		{KnowledgeItem: KnowledgeItem{ID: "t1", Content: "open", ValidFrom: 1}, Status: TaskPending},
		{KnowledgeItem: KnowledgeItem{ID: "t2", Content: "running", ValidFrom: 1}, Status: TaskInProgress},
		{KnowledgeItem: KnowledgeItem{ID: "t3", Content: "done", ValidFrom: 1}, Status: TaskCompleted},
		{KnowledgeItem: KnowledgeItem{ID: "t4", Content: "dropped", ValidFrom: 1}, Status: TaskCancelled},
	}
	if err := store.SaveTasks("s1", tasks); err != nil {
		t.Fatalf("SaveTasks: %v", err)
	}
	open, err := query.PendingTasks("s1")
	if err != nil {
		t.Fatalf("PendingTasks: %v", err)
	}
	if len(open) != 2 {
		t.Fatalf("got %d open tasks, want 2", len(open))
	}
}

func TestSummarizeCaps(t *testing.T) {
	store := newTestStore(t)
	query := NewQuery(store)

	var decisions []KnowledgeItem
	for i := 0; i < 12; i++ {
		decisions = append(decisions, KnowledgeItem{
			ID: GenerateKnowledgeID("dec"), Content: "d", ValidFrom: int64(i + 1),
		})
	}
	if err := store.SaveKnowledge("s1", KindDecisions, decisions); err != nil {
		t.Fatalf("SaveKnowledge: %v", err)
	}
	var facts []KnowledgeItem
	for i := 0; i < 20; i++ {
		facts = append(facts, KnowledgeItem{
			ID: GenerateKnowledgeID("fact"), Content: "f", ValidFrom: int64(i + 1),
		})
	}
	if err := store.SaveKnowledge("s1", KindFacts, facts); err != nil {
		t.Fatalf("SaveKnowledge: %v", err)
	}

	summary, err := query.Summarize("s1", 0)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if len(summary.Decisions) != 10 {
		t.Fatalf("got %d decisions, want 10", len(summary.Decisions))
	}
	if len(summary.Facts) != 15 {
		t.Fatalf("got %d facts, want 15", len(summary.Facts))
	}
}

func TestSearchKnowledge(t *testing.T) {
	store := newTestStore(t)
	query := NewQuery(store)

	if err := store.SaveKnowledge("s1", KindFacts, []KnowledgeItem{
		{ID: "f1", Content: "The rate limit is 100 rpm", ValidFrom: 1},
		{ID: "f2", Content: "Deploy on Fridays is banned", ValidFrom: 1},
	}); err != nil {
		t.Fatalf("SaveKnowledge: %v", err)
	}
	if err := store.SaveTasks("s1", []TaskItem{
		{KnowledgeItem: KnowledgeItem{ID: "t1", Content: "raise the rate limit", ValidFrom: 1}, Status: TaskPending},
	}); err != nil {
		t.Fatalf("SaveTasks: %v", err)
	}

	matched, err := query.SearchKnowledge("s1", "rate limit")
	if err != nil {
		t.Fatalf("SearchKnowledge: %v", err)
	}
	if len(matched) != 2 {
		t.Fatalf("got %d matches, want 2", len(matched))
	}
}

func TestIncomingRelationships(t *testing.T) {
	store := newTestStore(t)
	query := NewQuery(store)

	if err := store.AppendRelationships("s1", []SourcedRelationship{
		{SourceEntityID: "a", Relationship: Relationship{Type: "knows", TargetEntityID: "b", ValidFrom: 1}},
		{SourceEntityID: "c", Relationship: Relationship{Type: "manages", TargetEntityID: "b", ValidFrom: 1, ValidUntil: 2}},
	}); err != nil {
		t.Fatalf("AppendRelationships: %v", err)
	}
	incoming, err := query.IncomingRelationships("s1", "b")
	if err != nil {
		t.Fatalf("IncomingRelationships: %v", err)
	}
	if len(incoming) != 1 || incoming[0].SourceEntityID != "a" {
		t.Fatalf("got %+v, want only the active edge from a", incoming)
	}
}
