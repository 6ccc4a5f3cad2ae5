package memory

import (
	"sort"
	"strings"
)

// Query answers point-in-time questions over the store. It never
// mutates anything; all methods are safe to call concurrently with
// other readers.
type Query struct {
	store *Store
}

// NewQuery creates a query engine over a store.
func NewQuery(store *Store) *Query {
	return &Query{store: store}
}

// EntityAt returns the entity with only the properties and
// relationships valid at time t. A nil return means the entity does not
// exist.
func (q *Query) EntityAt(session, entityID string, t int64) (*Entity, error) {
	entity, err := q.store.LoadEntity(session, entityID)
	if err != nil || entity == nil {
		return nil, err
	}
	filtered := *entity
	filtered.Properties = nil
	filtered.Relationships = nil
	for _, p := range entity.Properties {
		if ValidAt(p.ValidFrom, p.ValidUntil, t) {
			filtered.Properties = append(filtered.Properties, p)
		}
	}
	for _, r := range entity.Relationships {
		if ValidAt(r.ValidFrom, r.ValidUntil, t) {
			filtered.Relationships = append(filtered.Relationships, r)
		}
	}
	return &filtered, nil
}

// CurrentProperties returns the properties of an entity valid right
// now, keyed by property key.
func (q *Query) CurrentProperties(session, entityID string) (map[string]TemporalProperty, error) {
	entity, err := q.EntityAt(session, entityID, Now())
	if err != nil || entity == nil {
		return nil, err
	}
	props := make(map[string]TemporalProperty, len(entity.Properties))
	for _, p := range entity.Properties {
		// Later entries win: properties are appended in arrival order,
		// so the newest active value for a key lands last.
		props[p.Key] = p
	}
	return props, nil
}

// PropertyHistory returns every recorded value of an entity's
// properties in chronological order. An empty key returns the full
// history across keys.
func (q *Query) PropertyHistory(session, entityID, key string) ([]TemporalProperty, error) {
	entity, err := q.store.LoadEntity(session, entityID)
	if err != nil || entity == nil {
		return nil, err
	}
	var history []TemporalProperty
	for _, p := range entity.Properties {
		if key == "" || p.Key == key {
			history = append(history, p)
		}
	}
	sort.SliceStable(history, func(i, j int) bool {
		return history[i].ValidFrom < history[j].ValidFrom
	})
	return history, nil
}

// ActiveEntities returns up to limit entities ranked by most recent
// mention. A limit of zero or less returns all.
func (q *Query) ActiveEntities(session string, limit int) ([]*Entity, error) {
	ids, err := q.store.EntityIDsByRecency(session)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return q.store.LoadEntities(session, ids)
}

// FindByAlias finds entities whose name or any alias contains the query
// string, case-insensitively.
func (q *Query) FindByAlias(session, alias string) ([]*Entity, error) {
	index, err := q.store.LoadEntityIndex(session)
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(alias)
	var ids []string
	for id, entry := range index.Entities {
		if strings.Contains(strings.ToLower(entry.Name), needle) {
			ids = append(ids, id)
			continue
		}
		for _, a := range entry.Aliases {
			if strings.Contains(strings.ToLower(a), needle) {
				ids = append(ids, id)
				break
			}
		}
	}
	sort.Strings(ids)
	return q.store.LoadEntities(session, ids)
}

// FindByType returns all entities of one type.
func (q *Query) FindByType(session string, entityType EntityType) ([]*Entity, error) {
	index, err := q.store.LoadEntityIndex(session)
	if err != nil {
		return nil, err
	}
	var ids []string
	for id, entry := range index.Entities {
		if entry.Type == entityType {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return q.store.LoadEntities(session, ids)
}

// ValidKnowledge returns the decisions or facts whose validity window
// covers t.
func (q *Query) ValidKnowledge(session string, kind KnowledgeKind, t int64) ([]KnowledgeItem, error) {
	items, err := q.store.LoadKnowledge(session, kind)
	if err != nil {
		return nil, err
	}
	var valid []KnowledgeItem
	for _, item := range items {
		if ValidAt(item.ValidFrom, item.ValidUntil, t) {
			valid = append(valid, item)
		}
	}
	return valid, nil
}

// PendingTasks returns the tasks still open (pending or in progress)
// and valid right now.
func (q *Query) PendingTasks(session string) ([]TaskItem, error) {
	items, err := q.store.LoadTasks(session)
	if err != nil {
		return nil, err
	}
	now := Now()
	var open []TaskItem
	for _, item := range items {
		if item.Open() && ValidAt(item.ValidFrom, item.ValidUntil, now) {
			open = append(open, item)
		}
	}
	return open, nil
}

// KnowledgeForEntity returns the currently valid decisions and facts
// that reference an entity.
func (q *Query) KnowledgeForEntity(session, entityID string) ([]KnowledgeItem, error) {
	now := Now()
	var matched []KnowledgeItem
	for _, kind := range []KnowledgeKind{KindDecisions, KindFacts} {
		items, err := q.ValidKnowledge(session, kind, now)
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			if containsString(item.EntityIDs, entityID) {
				matched = append(matched, item)
			}
		}
	}
	return matched, nil
}

// RelatedEntities follows the currently valid outgoing relationships of
// an entity, optionally filtered by relationship type.
func (q *Query) RelatedEntities(session, entityID, relType string) ([]*Entity, error) {
	entity, err := q.store.LoadEntity(session, entityID)
	if err != nil || entity == nil {
		return nil, err
	}
	now := Now()
	var targets []string
	for _, r := range entity.Relationships {
		if !ValidAt(r.ValidFrom, r.ValidUntil, now) {
			continue
		}
		if relType != "" && r.Type != relType {
			continue
		}
		targets = append(targets, r.TargetEntityID)
	}
	return q.store.LoadEntities(session, targets)
}

// IncomingRelationships returns the currently valid relationships that
// point at an entity, paired with their source entity IDs.
func (q *Query) IncomingRelationships(session, entityID string) ([]SourcedRelationship, error) {
	store, err := q.store.LoadRelationships(session)
	if err != nil {
		return nil, err
	}
	now := Now()
	var incoming []SourcedRelationship
	for _, sr := range store.Relationships {
		if sr.Relationship.TargetEntityID == entityID &&
			ValidAt(sr.Relationship.ValidFrom, sr.Relationship.ValidUntil, now) {
			incoming = append(incoming, sr)
		}
	}
	return incoming, nil
}

// SearchKnowledge finds currently valid knowledge items across
// decisions, facts, and tasks whose content contains the query string,
// case-insensitively.
func (q *Query) SearchKnowledge(session, query string) ([]KnowledgeItem, error) {
	needle := strings.ToLower(query)
	now := Now()
	var matched []KnowledgeItem
	for _, kind := range []KnowledgeKind{KindDecisions, KindFacts} {
		items, err := q.ValidKnowledge(session, kind, now)
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			if strings.Contains(strings.ToLower(item.Content), needle) {
				matched = append(matched, item)
			}
		}
	}
	tasks, err := q.store.LoadTasks(session)
	if err != nil {
		return nil, err
	}
	for _, task := range tasks {
		if ValidAt(task.ValidFrom, task.ValidUntil, now) &&
			strings.Contains(strings.ToLower(task.Content), needle) {
			matched = append(matched, task.KnowledgeItem)
		}
	}
	return matched, nil
}

// Summary is the condensed view of a session's memory used to build the
// system prompt.
type Summary struct {
	Entities  []*Entity
	Decisions []KnowledgeItem
	Facts     []KnowledgeItem
	Tasks     []TaskItem
}

// Empty reports whether the summary carries nothing worth rendering.
func (s *Summary) Empty() bool {
	return len(s.Entities) == 0 && len(s.Decisions) == 0 &&
		len(s.Facts) == 0 && len(s.Tasks) == 0
}

// Summarize builds the memory summary: the most recently mentioned
// entities up to maxEntities, the last 10 valid decisions, the last 15
// valid facts, and all pending tasks.
func (q *Query) Summarize(session string, maxEntities int) (*Summary, error) {
	entities, err := q.ActiveEntities(session, maxEntities)
	if err != nil {
		return nil, err
	}
	now := Now()
	decisions, err := q.ValidKnowledge(session, KindDecisions, now)
	if err != nil {
		return nil, err
	}
	if len(decisions) > 10 {
		decisions = decisions[len(decisions)-10:]
	}
	facts, err := q.ValidKnowledge(session, KindFacts, now)
	if err != nil {
		return nil, err
	}
	if len(facts) > 15 {
		facts = facts[len(facts)-15:]
	}
	tasks, err := q.PendingTasks(session)
	if err != nil {
		return nil, err
	}
	return &Summary{Entities: entities, Decisions: decisions, Facts: facts, Tasks: tasks}, nil
}
