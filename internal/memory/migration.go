package memory

import (
	"errors"
	"os"
	"strings"

	"go.uber.org/zap"
)

const (
	migrationSource = "legacy_migration"
	// Migrated data gets a reduced confidence and a validFrom one day in
	// the past: the digest records no timestamps, so we can only bound
	// when its contents were learned.
	migrationConfidence = 0.7
	migrationBackdateMs = 24 * 60 * 60 * 1000
)

// Migrator converts a legacy session.md digest into the entity memory
// layout. Migration runs at most once per session; the persisted
// legacyMigrated flag is the gate.
type Migrator struct {
	store  *Store
	logger *zap.Logger
}

// NewMigrator creates a migrator over a store.
func NewMigrator(store *Store, logger *zap.Logger) *Migrator {
	return &Migrator{store: store, logger: logger}
}

// NeedsMigration reports whether a session still has an unmigrated
// legacy digest.
func (m *Migrator) NeedsMigration(session string) (bool, error) {
	state, err := m.store.LoadState(session)
	if err != nil {
		return false, err
	}
	if state != nil && state.LegacyMigrated {
		return false, nil
	}
	return fileExists(m.store.DigestPath(session)), nil
}

// Migrate converts the legacy digest into entities, knowledge, tasks,
// and recent turns, then marks the session migrated. Running it again
// is a no-op. A session without a digest is marked migrated with empty
// state so the check never repeats.
func (m *Migrator) Migrate(session string) error {
	state, err := m.store.LoadState(session)
	if err != nil {
		return err
	}
	if state != nil && state.LegacyMigrated {
		return nil
	}
	now := Now()

	content, err := os.ReadFile(m.store.DigestPath(session))
	if errors.Is(err, os.ErrNotExist) {
		m.logger.Debug("no legacy digest, marking migrated", zap.String("session", session))
		return m.store.SaveState(session, &MemoryState{
			Version:            SchemaVersion,
			LastExtractionTime: now,
			LegacyMigrated:     true,
			RecentTurns:        []Turn{},
		})
	}
	if err != nil {
		return err
	}

	digest := ParseDigest(string(content))
	m.logger.Info("migrating legacy digest",
		zap.String("session", session),
		zap.Int("people", len(digest.People)),
		zap.Int("decisions", len(digest.Decisions)),
		zap.Int("tasks", len(digest.Tasks)),
		zap.Int("facts", len(digest.Facts)),
		zap.Int("recent_turns", len(digest.RecentTurns)))

	if err := m.store.EnsureStructure(session); err != nil {
		return err
	}
	for _, line := range digest.People {
		if err := m.store.SaveEntity(session, personFromLine(line, now)); err != nil {
			return err
		}
	}
	if len(digest.Decisions) > 0 {
		items := make([]KnowledgeItem, 0, len(digest.Decisions))
		for _, d := range digest.Decisions {
			items = append(items, migratedKnowledge(d, "dec", now))
		}
		if err := m.store.SaveKnowledge(session, KindDecisions, items); err != nil {
			return err
		}
	}
	if len(digest.Facts) > 0 {
		items := make([]KnowledgeItem, 0, len(digest.Facts))
		for _, f := range digest.Facts {
			items = append(items, migratedKnowledge(f, "fact", now))
		}
		if err := m.store.SaveKnowledge(session, KindFacts, items); err != nil {
			return err
		}
	}
	if len(digest.Tasks) > 0 {
		tasks := make([]TaskItem, 0, len(digest.Tasks))
		for _, t := range digest.Tasks {
			tasks = append(tasks, migratedTask(t, now))
		}
		if err := m.store.SaveTasks(session, tasks); err != nil {
			return err
		}
	}

	return m.store.SaveState(session, &MemoryState{
		Version:            SchemaVersion,
		LastExtractionTime: now,
		LegacyMigrated:     true,
		RecentTurns:        digest.RecentTurns,
	})
}

// personFromLine converts a "Name: description" people bullet into a
// person entity.
func personFromLine(line string, now int64) *Entity {
	name := strings.TrimSpace(line)
	description := ""
	if i := strings.Index(line, ":"); i > 0 {
		name = strings.TrimSpace(line[:i])
		description = strings.TrimSpace(line[i+1:])
	}
	entity := &Entity{
		ID:            GenerateEntityID(EntityPerson, name),
		Type:          EntityPerson,
		Name:          name,
		Aliases:       []string{},
		Properties:    []TemporalProperty{},
		Relationships: []Relationship{},
		FirstSeen:     now - migrationBackdateMs,
		LastMentioned: now - migrationBackdateMs,
		MentionCount:  1,
	}
	if description != "" {
		entity.Properties = append(entity.Properties, TemporalProperty{
			Key:        "description",
			Value:      description,
			ValidFrom:  now - migrationBackdateMs,
			Confidence: migrationConfidence,
			Source:     migrationSource,
		})
	}
	return entity
}

func migratedKnowledge(content, kind string, now int64) KnowledgeItem {
	return KnowledgeItem{
		ID:         GenerateKnowledgeID(kind),
		Content:    content,
		EntityIDs:  []string{},
		ValidFrom:  now - migrationBackdateMs,
		Confidence: migrationConfidence,
		Source:     migrationSource,
	}
}

var taskStatusMarkers = []struct {
	marker string
	status TaskStatus
}{
	{"[done]", TaskCompleted},
	{"[completed]", TaskCompleted},
	{"[cancelled]", TaskCancelled},
	{"[canceled]", TaskCancelled},
	{"[in progress]", TaskInProgress},
}

// migratedTask detects an inline status marker, strips it from the
// content, and defaults to pending.
func migratedTask(content string, now int64) TaskItem {
	status := TaskPending
	lower := strings.ToLower(content)
	for _, m := range taskStatusMarkers {
		if strings.Contains(lower, m.marker) {
			status = m.status
			break
		}
	}
	for _, m := range taskStatusMarkers {
		for {
			i := strings.Index(strings.ToLower(content), m.marker)
			if i < 0 {
				break
			}
			content = content[:i] + content[i+len(m.marker):]
		}
	}
	return TaskItem{
		KnowledgeItem: KnowledgeItem{
			ID:         GenerateKnowledgeID("task"),
			Content:    strings.TrimSpace(content),
			EntityIDs:  []string{},
			ValidFrom:  now - migrationBackdateMs,
			Confidence: migrationConfidence,
			Source:     migrationSource,
		},
		Status: status,
	}
}

// RenderDigest projects current entity memory back to the legacy digest
// shape, used for the memory block when no entity summary is wanted.
func RenderDigest(q *Query, store *Store, session string, maxEntities int) (*Digest, error) {
	summary, err := q.Summarize(session, maxEntities)
	if err != nil {
		return nil, err
	}
	state, err := store.LoadState(session)
	if err != nil {
		return nil, err
	}
	d := &Digest{}
	for _, e := range summary.Entities {
		if e.Type != EntityPerson {
			continue
		}
		line := e.Name
		for _, p := range e.Properties {
			if p.Key == "description" && p.ValidUntil == 0 {
				line = e.Name + ": " + p.Value
			}
		}
		d.People = append(d.People, line)
	}
	for _, item := range summary.Decisions {
		d.Decisions = append(d.Decisions, item.Content)
	}
	for _, item := range summary.Facts {
		d.Facts = append(d.Facts, item.Content)
	}
	for _, task := range summary.Tasks {
		tag := ""
		if task.Status == TaskInProgress {
			tag = "[in progress] "
		}
		d.Tasks = append(d.Tasks, tag+task.Content)
	}
	if state != nil {
		d.RecentTurns = state.RecentTurns
	}
	return d, nil
}
