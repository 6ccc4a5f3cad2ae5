// Package memory implements the temporal knowledge store: entities with
// time-bounded properties and relationships, append-only knowledge items,
// and per-session state, all persisted as JSON files under a session root.
package memory

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is stamped into every persisted container.
const SchemaVersion = "1.0.0"

// EntityType classifies a tracked entity.
type EntityType string

const (
	EntityPerson       EntityType = "person"
	EntityProject      EntityType = "project"
	EntityConcept      EntityType = "concept"
	EntityPlace        EntityType = "place"
	EntityOrganization EntityType = "organization"
)

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	switch t {
	case EntityPerson, EntityProject, EntityConcept, EntityPlace, EntityOrganization:
		return true
	}
	return false
}

// TaskStatus tracks the lifecycle of a task item.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskCancelled  TaskStatus = "cancelled"
)

// Valid reports whether s is a known task status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskInProgress, TaskCompleted, TaskCancelled:
		return true
	}
	return false
}

// TemporalProperty is a key/value pair on an entity with a validity
// window. A property with ValidUntil == 0 is still active.
type TemporalProperty struct {
	Key        string  `json:"key"`
	Value      string  `json:"value"`
	ValidFrom  int64   `json:"validFrom"`
	ValidUntil int64   `json:"validUntil,omitempty"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source"`
}

// Relationship is a directed, typed edge to another entity with the
// same temporal shape as a property.
type Relationship struct {
	Type           string            `json:"type"`
	TargetEntityID string            `json:"targetEntityId"`
	ValidFrom      int64             `json:"validFrom"`
	ValidUntil     int64             `json:"validUntil,omitempty"`
	Confidence     float64           `json:"confidence"`
	Source         string            `json:"source"`
	Properties     map[string]string `json:"properties,omitempty"`
}

// Entity is a tracked person/project/concept/place/organization with
// accumulated temporal properties and relationships. Entities are owned
// by their session and never deleted except by explicit admin action.
type Entity struct {
	ID            string             `json:"id"`
	Type          EntityType         `json:"type"`
	Name          string             `json:"name"`
	Aliases       []string           `json:"aliases"`
	Properties    []TemporalProperty `json:"properties"`
	Relationships []Relationship     `json:"relationships"`
	FirstSeen     int64              `json:"firstSeen"`
	LastMentioned int64              `json:"lastMentioned"`
	MentionCount  int                `json:"mentionCount"`
}

// IndexEntry is the per-entity summary kept in the index for fast
// lookup without loading entity files.
type IndexEntry struct {
	Type          EntityType `json:"type"`
	Name          string     `json:"name"`
	Aliases       []string   `json:"aliases"`
	LastMentioned int64      `json:"lastMentioned"`
}

// EntityIndex is the derived registry of all entities for a session.
// It is rebuilt on every entity write and never edited independently.
type EntityIndex struct {
	Version     string                `json:"version"`
	LastUpdated int64                 `json:"lastUpdated"`
	Entities    map[string]IndexEntry `json:"entities"`
}

// KnowledgeItem is an append-only decision or fact with temporal
// validity. Invalidation stamps ValidUntil; items are never removed.
type KnowledgeItem struct {
	ID         string   `json:"id"`
	Content    string   `json:"content"`
	EntityIDs  []string `json:"entityIds"`
	Tags       []string `json:"tags,omitempty"`
	ValidFrom  int64    `json:"validFrom"`
	ValidUntil int64    `json:"validUntil,omitempty"`
	Confidence float64  `json:"confidence"`
	Source     string   `json:"source"`
}

// TaskItem is a knowledge item with status tracking.
type TaskItem struct {
	KnowledgeItem
	Status      TaskStatus `json:"status"`
	CompletedAt int64      `json:"completedAt,omitempty"`
	AssigneeID  string     `json:"assigneeId,omitempty"`
}

// Open reports whether the task still needs attention.
func (t TaskItem) Open() bool {
	return t.Status == TaskPending || t.Status == TaskInProgress
}

// KnowledgeStore is the versioned on-disk container for decisions and
// facts.
type KnowledgeStore struct {
	Version     string          `json:"version"`
	LastUpdated int64           `json:"lastUpdated"`
	Items       []KnowledgeItem `json:"items"`
}

// TaskStore is the versioned on-disk container for tasks.
type TaskStore struct {
	Version     string     `json:"version"`
	LastUpdated int64      `json:"lastUpdated"`
	Items       []TaskItem `json:"items"`
}

// SourcedRelationship pairs a relationship with its source entity for
// the session-wide relationship store.
type SourcedRelationship struct {
	SourceEntityID string       `json:"sourceEntityId"`
	Relationship   Relationship `json:"relationship"`
}

// RelationshipStore holds every relationship of a session in one file,
// enabling incoming-edge queries without scanning entity files.
type RelationshipStore struct {
	Version       string                `json:"version"`
	LastUpdated   int64                 `json:"lastUpdated"`
	Relationships []SourcedRelationship `json:"relationships"`
}

// Turn is a single verbatim conversation turn kept for continuity.
type Turn struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// MemoryState is the per-session metadata in state.json.
type MemoryState struct {
	Version                    string `json:"version"`
	LastExtractionTime         int64  `json:"lastExtractionTime"`
	LastExtractionMessageCount int    `json:"lastExtractionMessageCount"`
	LegacyMigrated             bool   `json:"legacyMigrated"`
	RecentTurns                []Turn `json:"recentTurns"`
}

// SessionHandoff is the condensed cross-session snapshot written after
// every extraction run and consumed by sessions that share memory.
type SessionHandoff struct {
	Version      string   `json:"version"`
	Summary      string   `json:"summary"`
	Decisions    []string `json:"decisions"`
	CurrentTasks []string `json:"currentTasks"`
	HandoffNotes []string `json:"handoffNotes"`
	LastUpdated  string   `json:"lastUpdated"`
}

// Empty reports whether the handoff carries no usable content.
func (h *SessionHandoff) Empty() bool {
	return h.Summary == "" && len(h.Decisions) == 0 &&
		len(h.CurrentTasks) == 0 && len(h.HandoffNotes) == 0
}

// ValidAt reports whether a [validFrom, validUntil) window covers t.
// An unset (zero) validUntil means still active.
func ValidAt(validFrom, validUntil, t int64) bool {
	return validFrom <= t && (validUntil == 0 || validUntil > t)
}

// ClampConfidence forces a confidence score into [0, 1].
func ClampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// Now returns the current time in unix milliseconds, the clock unit
// used throughout the persisted model.
func Now() int64 {
	return time.Now().UnixMilli()
}

// GenerateEntityID builds a stable-looking entity ID such as
// "person_alice_smith_3f2a" from type, sanitized name, and a random
// suffix.
func GenerateEntityID(entityType EntityType, name string) string {
	safe := strings.ToLower(name)
	safe = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, safe)
	for strings.Contains(safe, "__") {
		safe = strings.ReplaceAll(safe, "__", "_")
	}
	safe = strings.Trim(safe, "_")
	if len(safe) > 30 {
		safe = safe[:30]
	}
	return fmt.Sprintf("%s_%s_%s", entityType, safe, uuid.NewString()[:4])
}

// GenerateKnowledgeID builds an ID like "dec_1714670000000_9b1c2d" for
// a knowledge item. kind is one of "dec", "fact", "task".
func GenerateKnowledgeID(kind string) string {
	return fmt.Sprintf("%s_%d_%s", kind, Now(), strings.ReplaceAll(uuid.NewString()[:8], "-", ""))
}
