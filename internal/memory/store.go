package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"
)

// KnowledgeKind selects one of the append-only knowledge files.
type KnowledgeKind string

const (
	KindDecisions KnowledgeKind = "decisions"
	KindFacts     KnowledgeKind = "facts"
)

// Store is the file-backed persistence layer for entities, knowledge,
// relationships, and session state. Every write goes to a temporary
// file and is renamed into place so an interrupted process never leaves
// a partially written store. The store owns no business logic.
type Store struct {
	baseDir string
	logger  *zap.Logger
}

// NewStore creates a store rooted at baseDir; one subdirectory per
// session.
func NewStore(baseDir string, logger *zap.Logger) *Store {
	return &Store{baseDir: baseDir, logger: logger}
}

// BaseDir returns the session root directory.
func (s *Store) BaseDir() string { return s.baseDir }

// SessionDir returns the directory holding all files of a session.
func (s *Store) SessionDir(session string) string {
	return filepath.Join(s.baseDir, session)
}

// MemoryDir returns the memory subdirectory of a session.
func (s *Store) MemoryDir(session string) string {
	return filepath.Join(s.baseDir, session, "memory")
}

// DigestPath returns the location of the legacy flat digest file.
func (s *Store) DigestPath(session string) string {
	return filepath.Join(s.SessionDir(session), "session.md")
}

// EnsureStructure creates the memory directory tree for a session.
func (s *Store) EnsureStructure(session string) error {
	for _, dir := range []string{
		filepath.Join(s.MemoryDir(session), "entities"),
		filepath.Join(s.MemoryDir(session), "knowledge"),
	} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("memory: init directory %s: %w", dir, err)
		}
	}
	return nil
}

// writeJSONAtomic writes v as indented JSON to path via a temp file and
// rename.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("memory: marshal %s: %w", path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("memory: write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("memory: atomic rename %s: %w", path, err)
	}
	return nil
}

// readJSON loads path into v. A missing file is not an error; found
// reports whether the file existed.
func readJSON(path string, v any) (found bool, err error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("memory: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("memory: parse %s: %w", path, err)
	}
	return true, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// ---- memory state ----

func (s *Store) statePath(session string) string {
	return filepath.Join(s.MemoryDir(session), "state.json")
}

// LoadState returns the session state, or nil if none exists yet.
func (s *Store) LoadState(session string) (*MemoryState, error) {
	var state MemoryState
	found, err := readJSON(s.statePath(session), &state)
	if err != nil || !found {
		return nil, err
	}
	return &state, nil
}

// SaveState persists the session state.
func (s *Store) SaveState(session string, state *MemoryState) error {
	if err := s.EnsureStructure(session); err != nil {
		return err
	}
	if err := writeJSONAtomic(s.statePath(session), state); err != nil {
		return err
	}
	s.logger.Debug("saved memory state",
		zap.String("session", session),
		zap.Int("recent_turns", len(state.RecentTurns)))
	return nil
}

// HasEntityMemory reports whether entity memory has been initialized
// for a session.
func (s *Store) HasEntityMemory(session string) bool {
	return fileExists(s.statePath(session))
}

// ---- entity index ----

func (s *Store) indexPath(session string) string {
	return filepath.Join(s.MemoryDir(session), "entities", "index.json")
}

// LoadEntityIndex returns the entity index, or a fresh empty index if
// none exists.
func (s *Store) LoadEntityIndex(session string) (*EntityIndex, error) {
	var index EntityIndex
	found, err := readJSON(s.indexPath(session), &index)
	if err != nil {
		return nil, err
	}
	if !found {
		return &EntityIndex{
			Version:     SchemaVersion,
			LastUpdated: Now(),
			Entities:    make(map[string]IndexEntry),
		}, nil
	}
	if index.Entities == nil {
		index.Entities = make(map[string]IndexEntry)
	}
	return &index, nil
}

func (s *Store) saveEntityIndex(session string, index *EntityIndex) error {
	if err := s.EnsureStructure(session); err != nil {
		return err
	}
	index.LastUpdated = Now()
	return writeJSONAtomic(s.indexPath(session), index)
}

// ---- entities ----

func (s *Store) entityPath(session, entityID string) string {
	return filepath.Join(s.MemoryDir(session), "entities", entityID+".json")
}

// LoadEntity returns an entity by ID, or nil if it does not exist.
func (s *Store) LoadEntity(session, entityID string) (*Entity, error) {
	var entity Entity
	found, err := readJSON(s.entityPath(session, entityID), &entity)
	if err != nil || !found {
		return nil, err
	}
	return &entity, nil
}

// LoadEntities returns the entities for the given IDs, silently
// skipping missing ones.
func (s *Store) LoadEntities(session string, entityIDs []string) ([]*Entity, error) {
	entities := make([]*Entity, 0, len(entityIDs))
	for _, id := range entityIDs {
		entity, err := s.LoadEntity(session, id)
		if err != nil {
			return nil, err
		}
		if entity != nil {
			entities = append(entities, entity)
		}
	}
	return entities, nil
}

// SaveEntity persists an entity and rebuilds its index entry. The index
// is a derived artifact: it is never written except through this path
// (and DeleteEntity).
func (s *Store) SaveEntity(session string, entity *Entity) error {
	if err := s.EnsureStructure(session); err != nil {
		return err
	}
	if err := writeJSONAtomic(s.entityPath(session, entity.ID), entity); err != nil {
		return err
	}
	index, err := s.LoadEntityIndex(session)
	if err != nil {
		return err
	}
	index.Entities[entity.ID] = IndexEntry{
		Type:          entity.Type,
		Name:          entity.Name,
		Aliases:       entity.Aliases,
		LastMentioned: entity.LastMentioned,
	}
	if err := s.saveEntityIndex(session, index); err != nil {
		return err
	}
	s.logger.Debug("saved entity",
		zap.String("session", session),
		zap.String("entity", entity.ID))
	return nil
}

// DeleteEntity removes an entity file and its index entry. Used only by
// explicit admin action; the merge path never deletes.
func (s *Store) DeleteEntity(session, entityID string) error {
	if err := os.Remove(s.entityPath(session, entityID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("memory: delete entity %s: %w", entityID, err)
	}
	index, err := s.LoadEntityIndex(session)
	if err != nil {
		return err
	}
	delete(index.Entities, entityID)
	return s.saveEntityIndex(session, index)
}

// EntityIDsByRecency returns all entity IDs, most recently mentioned
// first.
func (s *Store) EntityIDsByRecency(session string) ([]string, error) {
	index, err := s.LoadEntityIndex(session)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(index.Entities))
	for id := range index.Entities {
		ids = append(ids, id)
	}
	sort.SliceStable(ids, func(i, j int) bool {
		return index.Entities[ids[i]].LastMentioned > index.Entities[ids[j]].LastMentioned
	})
	return ids, nil
}

// ---- knowledge (decisions, facts) ----

func (s *Store) knowledgePath(session string, kind KnowledgeKind) string {
	return filepath.Join(s.MemoryDir(session), "knowledge", string(kind)+".json")
}

// LoadKnowledge returns the items of one knowledge kind; an absent file
// yields an empty slice.
func (s *Store) LoadKnowledge(session string, kind KnowledgeKind) ([]KnowledgeItem, error) {
	var store KnowledgeStore
	if _, err := readJSON(s.knowledgePath(session, kind), &store); err != nil {
		return nil, err
	}
	return store.Items, nil
}

// SaveKnowledge replaces the container for one knowledge kind.
func (s *Store) SaveKnowledge(session string, kind KnowledgeKind, items []KnowledgeItem) error {
	if err := s.EnsureStructure(session); err != nil {
		return err
	}
	store := KnowledgeStore{Version: SchemaVersion, LastUpdated: Now(), Items: items}
	if err := writeJSONAtomic(s.knowledgePath(session, kind), &store); err != nil {
		return err
	}
	s.logger.Debug("saved knowledge",
		zap.String("session", session),
		zap.String("kind", string(kind)),
		zap.Int("items", len(items)))
	return nil
}

// AppendKnowledge adds items, preserving everything already stored.
func (s *Store) AppendKnowledge(session string, kind KnowledgeKind, newItems []KnowledgeItem) error {
	existing, err := s.LoadKnowledge(session, kind)
	if err != nil {
		return err
	}
	return s.SaveKnowledge(session, kind, append(existing, newItems...))
}

// InvalidateKnowledge stamps ValidUntil on the still-active items with
// the given IDs and records the reason as a tag. Items are never
// physically removed.
func (s *Store) InvalidateKnowledge(session string, kind KnowledgeKind, itemIDs []string, reason string) error {
	items, err := s.LoadKnowledge(session, kind)
	if err != nil {
		return err
	}
	now := Now()
	for i := range items {
		if items[i].ValidUntil == 0 && containsString(itemIDs, items[i].ID) {
			items[i].ValidUntil = now
			items[i].Tags = append(items[i].Tags, "invalidated: "+reason)
		}
	}
	return s.SaveKnowledge(session, kind, items)
}

// ---- tasks ----

func (s *Store) tasksPath(session string) string {
	return filepath.Join(s.MemoryDir(session), "knowledge", "tasks.json")
}

// LoadTasks returns all task items; an absent file yields an empty
// slice.
func (s *Store) LoadTasks(session string) ([]TaskItem, error) {
	var store TaskStore
	if _, err := readJSON(s.tasksPath(session), &store); err != nil {
		return nil, err
	}
	return store.Items, nil
}

// SaveTasks replaces the task container.
func (s *Store) SaveTasks(session string, items []TaskItem) error {
	if err := s.EnsureStructure(session); err != nil {
		return err
	}
	store := TaskStore{Version: SchemaVersion, LastUpdated: Now(), Items: items}
	return writeJSONAtomic(s.tasksPath(session), &store)
}

// AppendTasks adds task items, preserving everything already stored.
func (s *Store) AppendTasks(session string, newItems []TaskItem) error {
	existing, err := s.LoadTasks(session)
	if err != nil {
		return err
	}
	return s.SaveTasks(session, append(existing, newItems...))
}

// InvalidateTasks stamps ValidUntil on the still-active tasks with the
// given IDs.
func (s *Store) InvalidateTasks(session string, itemIDs []string, reason string) error {
	items, err := s.LoadTasks(session)
	if err != nil {
		return err
	}
	now := Now()
	for i := range items {
		if items[i].ValidUntil == 0 && containsString(itemIDs, items[i].ID) {
			items[i].ValidUntil = now
			items[i].Tags = append(items[i].Tags, "invalidated: "+reason)
		}
	}
	return s.SaveTasks(session, items)
}

// ---- relationships ----

func (s *Store) relationshipsPath(session string) string {
	return filepath.Join(s.MemoryDir(session), "relationships.json")
}

// LoadRelationships returns the session-wide relationship store, empty
// if none exists.
func (s *Store) LoadRelationships(session string) (*RelationshipStore, error) {
	var store RelationshipStore
	found, err := readJSON(s.relationshipsPath(session), &store)
	if err != nil {
		return nil, err
	}
	if !found {
		return &RelationshipStore{Version: SchemaVersion, LastUpdated: Now()}, nil
	}
	return &store, nil
}

// SaveRelationships replaces the relationship store.
func (s *Store) SaveRelationships(session string, store *RelationshipStore) error {
	if err := s.EnsureStructure(session); err != nil {
		return err
	}
	store.LastUpdated = Now()
	return writeJSONAtomic(s.relationshipsPath(session), store)
}

// AppendRelationships adds sourced relationships to the store.
func (s *Store) AppendRelationships(session string, newRels []SourcedRelationship) error {
	store, err := s.LoadRelationships(session)
	if err != nil {
		return err
	}
	store.Relationships = append(store.Relationships, newRels...)
	return s.SaveRelationships(session, store)
}

// EntityRelationships returns the relationships originating from one
// entity.
func (s *Store) EntityRelationships(session, entityID string) ([]Relationship, error) {
	store, err := s.LoadRelationships(session)
	if err != nil {
		return nil, err
	}
	var rels []Relationship
	for _, sr := range store.Relationships {
		if sr.SourceEntityID == entityID {
			rels = append(rels, sr.Relationship)
		}
	}
	return rels, nil
}

// ---- handoff ----

func (s *Store) handoffPath(session string) string {
	return filepath.Join(s.SessionDir(session), "handoff.json")
}

// LoadHandoff returns the session handoff, or nil if none exists.
func (s *Store) LoadHandoff(session string) (*SessionHandoff, error) {
	var handoff SessionHandoff
	found, err := readJSON(s.handoffPath(session), &handoff)
	if err != nil || !found {
		return nil, err
	}
	return &handoff, nil
}

// SaveHandoff persists the session handoff at the session root.
func (s *Store) SaveHandoff(session string, handoff *SessionHandoff) error {
	if err := os.MkdirAll(s.SessionDir(session), 0o750); err != nil {
		return fmt.Errorf("memory: init session dir: %w", err)
	}
	if err := writeJSONAtomic(s.handoffPath(session), handoff); err != nil {
		return err
	}
	s.logger.Debug("saved handoff",
		zap.String("session", session),
		zap.Int("decisions", len(handoff.Decisions)),
		zap.Int("tasks", len(handoff.CurrentTasks)))
	return nil
}

// HasData reports whether the session holds any entities or knowledge.
// Used as the guard that keeps an empty extraction result from wiping
// non-empty memory.
func (s *Store) HasData(session string) (bool, error) {
	index, err := s.LoadEntityIndex(session)
	if err != nil {
		return false, err
	}
	if len(index.Entities) > 0 {
		return true, nil
	}
	for _, kind := range []KnowledgeKind{KindDecisions, KindFacts} {
		items, err := s.LoadKnowledge(session, kind)
		if err != nil {
			return false, err
		}
		if len(items) > 0 {
			return true, nil
		}
	}
	tasks, err := s.LoadTasks(session)
	if err != nil {
		return false, err
	}
	return len(tasks) > 0, nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
