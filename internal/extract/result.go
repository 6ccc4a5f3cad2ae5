// Package extract turns raw conversation transcripts into structured
// entity memory: a model call proposes entities, knowledge, and
// invalidations; deterministic code selects recent turns and merges the
// proposal into the store.
package extract

import "github.com/nidhogg/memory-den/internal/memory"

// PropertyInvalidation marks one active property key of an entity as
// superseded.
type PropertyInvalidation struct {
	Key    string
	Reason string
}

// EntityUpdate is the delta to apply to an existing entity.
type EntityUpdate struct {
	ID                    string
	NewProperties         []memory.TemporalProperty
	NewRelationships      []memory.Relationship
	InvalidatedProperties []PropertyInvalidation
}

// Result is a parsed, validated extraction outcome ready to merge.
type Result struct {
	NewEntities     []*memory.Entity
	UpdatedEntities []EntityUpdate
	Decisions       []memory.KnowledgeItem
	Facts           []memory.KnowledgeItem
	Tasks           []memory.TaskItem
	RecentTurns     []memory.Turn
}

// Empty reports whether the result carries no extracted content.
// RecentTurns are deterministic bookkeeping, not extracted content, so
// they do not count.
func (r *Result) Empty() bool {
	return len(r.NewEntities) == 0 && len(r.UpdatedEntities) == 0 &&
		len(r.Decisions) == 0 && len(r.Facts) == 0 && len(r.Tasks) == 0
}
