package memory

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func writeDigestFile(t *testing.T, store *Store, session, content string) {
	t.Helper()
	if err := os.MkdirAll(store.SessionDir(session), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(store.SessionDir(session), "session.md"), []byte(content), 0o600); err != nil {
		t.Fatalf("write digest: %v", err)
	}
}

func TestMigrateConvertsDigest(t *testing.T) {
	store := newTestStore(t)
	migrator := NewMigrator(store, zap.NewNop())
	writeDigestFile(t, store, "s1", sampleDigest)

	before := Now()
	if err := migrator.Migrate("s1"); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	index, _ := store.LoadEntityIndex("s1")
	if len(index.Entities) != 2 {
		t.Fatalf("got %d entities, want 2 people", len(index.Entities))
	}
	var alice *Entity
	for id := range index.Entities {
		e, _ := store.LoadEntity("s1", id)
		if e.Name == "Alice" {
			alice = e
		}
	}
	if alice == nil {
		t.Fatalf("Alice not migrated")
	}
	if len(alice.Properties) != 1 || alice.Properties[0].Key != "description" {
		t.Fatalf("got properties %+v, want one description", alice.Properties)
	}
	prop := alice.Properties[0]
	if prop.Confidence != 0.7 || prop.Source != "legacy_migration" {
		t.Fatalf("got confidence %v source %q", prop.Confidence, prop.Source)
	}
	if prop.ValidFrom > before-migrationBackdateMs+int64(1000) || prop.ValidFrom < before-migrationBackdateMs-int64(1000) {
		t.Fatalf("validFrom %d not backdated ~24h from %d", prop.ValidFrom, before)
	}

	decisions, _ := store.LoadKnowledge("s1", KindDecisions)
	facts, _ := store.LoadKnowledge("s1", KindFacts)
	if len(decisions) != 1 || len(facts) != 1 {
		t.Fatalf("got %d decisions %d facts, want 1 each", len(decisions), len(facts))
	}

	tasks, _ := store.LoadTasks("s1")
	if len(tasks) != 2 {
		t.Fatalf("got %d tasks, want 2", len(tasks))
	}
	for _, task := range tasks {
		switch task.Content {
		case "Write release notes":
			if task.Status != TaskCompleted {
				t.Fatalf("[done] task got status %s", task.Status)
			}
		case "Review the PR":
			if task.Status != TaskPending {
				t.Fatalf("plain task got status %s", task.Status)
			}
		default:
			t.Fatalf("unexpected task content %q, marker not stripped?", task.Content)
		}
	}

	state, _ := store.LoadState("s1")
	if state == nil || !state.LegacyMigrated {
		t.Fatalf("state not marked migrated: %+v", state)
	}
	if len(state.RecentTurns) != 4 {
		t.Fatalf("got %d recent turns, want 4", len(state.RecentTurns))
	}
}

func TestMigrateIdempotent(t *testing.T) {
	store := newTestStore(t)
	migrator := NewMigrator(store, zap.NewNop())
	writeDigestFile(t, store, "s1", sampleDigest)

	if err := migrator.Migrate("s1"); err != nil {
		t.Fatalf("first Migrate: %v", err)
	}
	index, _ := store.LoadEntityIndex("s1")
	entitiesAfterFirst := len(index.Entities)
	decisionsAfterFirst, _ := store.LoadKnowledge("s1", KindDecisions)

	if err := migrator.Migrate("s1"); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	index, _ = store.LoadEntityIndex("s1")
	decisions, _ := store.LoadKnowledge("s1", KindDecisions)
	if len(index.Entities) != entitiesAfterFirst || len(decisions) != len(decisionsAfterFirst) {
		t.Fatalf("second migration duplicated data: %d entities, %d decisions",
			len(index.Entities), len(decisions))
	}

	needs, err := migrator.NeedsMigration("s1")
	if err != nil || needs {
		t.Fatalf("NeedsMigration after migrate got (%v, %v), want (false, nil)", needs, err)
	}
}

func TestMigrateWithoutDigestMarksMigrated(t *testing.T) {
	store := newTestStore(t)
	migrator := NewMigrator(store, zap.NewNop())

	if err := migrator.Migrate("s1"); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	state, _ := store.LoadState("s1")
	if state == nil || !state.LegacyMigrated {
		t.Fatalf("digestless session not marked migrated: %+v", state)
	}
	index, _ := store.LoadEntityIndex("s1")
	if len(index.Entities) != 0 {
		t.Fatalf("digestless migration created entities")
	}
}

func TestNeedsMigration(t *testing.T) {
	store := newTestStore(t)
	migrator := NewMigrator(store, zap.NewNop())

	needs, err := migrator.NeedsMigration("s1")
	if err != nil || needs {
		t.Fatalf("no digest: got (%v, %v), want (false, nil)", needs, err)
	}
	writeDigestFile(t, store, "s1", sampleDigest)
	needs, _ = migrator.NeedsMigration("s1")
	if !needs {
		t.Fatalf("digest present: NeedsMigration false")
	}
}
