package extract

import (
	"go.uber.org/zap"

	"github.com/nidhogg/memory-den/internal/memory"
)

// Merge applies an extraction result to the store. Knowledge is
// append-only; entity updates accumulate properties and relationships
// and stamp validUntil on invalidated keys. An empty result against a
// session that already holds data is a complete no-op, so a failed or
// degenerate extraction can never erase memory.
func (e *Engine) Merge(session string, result *Result, messageCount int) error {
	now := memory.Now()

	if result.Empty() {
		hasData, err := e.store.HasData(session)
		if err != nil {
			return err
		}
		if hasData {
			e.logger.Warn("empty extraction result, keeping prior memory untouched",
				zap.String("session", session))
			return nil
		}
	}

	for _, entity := range result.NewEntities {
		if err := e.store.SaveEntity(session, entity); err != nil {
			return err
		}
	}

	var allRelationships []memory.SourcedRelationship
	for _, update := range result.UpdatedEntities {
		entity, err := e.store.LoadEntity(session, update.ID)
		if err != nil {
			return err
		}
		if entity == nil {
			e.logger.Warn("extraction referenced unknown entity",
				zap.String("session", session),
				zap.String("entity", update.ID))
			continue
		}
		// Invalidate before appending so a new value for the same key
		// survives as the active one.
		for _, inv := range update.InvalidatedProperties {
			for i := range entity.Properties {
				if entity.Properties[i].Key == inv.Key && entity.Properties[i].ValidUntil == 0 {
					entity.Properties[i].ValidUntil = now
					e.logger.Debug("invalidated property",
						zap.String("entity", update.ID),
						zap.String("key", inv.Key),
						zap.String("reason", inv.Reason))
				}
			}
		}
		entity.Properties = append(entity.Properties, update.NewProperties...)
		entity.Relationships = append(entity.Relationships, update.NewRelationships...)
		entity.LastMentioned = now
		entity.MentionCount++
		if err := e.store.SaveEntity(session, entity); err != nil {
			return err
		}
		for _, rel := range update.NewRelationships {
			allRelationships = append(allRelationships, memory.SourcedRelationship{
				SourceEntityID: update.ID,
				Relationship:   rel,
			})
		}
	}
	for _, entity := range result.NewEntities {
		for _, rel := range entity.Relationships {
			allRelationships = append(allRelationships, memory.SourcedRelationship{
				SourceEntityID: entity.ID,
				Relationship:   rel,
			})
		}
	}
	if len(allRelationships) > 0 {
		if err := e.store.AppendRelationships(session, allRelationships); err != nil {
			return err
		}
	}

	if len(result.Decisions) > 0 {
		if err := e.store.AppendKnowledge(session, memory.KindDecisions, result.Decisions); err != nil {
			return err
		}
	}
	if len(result.Facts) > 0 {
		if err := e.store.AppendKnowledge(session, memory.KindFacts, result.Facts); err != nil {
			return err
		}
	}
	if len(result.Tasks) > 0 {
		if err := e.store.AppendTasks(session, result.Tasks); err != nil {
			return err
		}
	}

	prior, err := e.store.LoadState(session)
	if err != nil {
		return err
	}
	state := &memory.MemoryState{
		Version:                    memory.SchemaVersion,
		LastExtractionTime:         now,
		LastExtractionMessageCount: messageCount,
		RecentTurns:                result.RecentTurns,
	}
	if prior != nil {
		state.LegacyMigrated = prior.LegacyMigrated
	}
	if err := e.store.SaveState(session, state); err != nil {
		return err
	}

	e.logger.Info("merged extraction",
		zap.String("session", session),
		zap.Int("new_entities", len(result.NewEntities)),
		zap.Int("updated_entities", len(result.UpdatedEntities)),
		zap.Int("decisions", len(result.Decisions)),
		zap.Int("facts", len(result.Facts)),
		zap.Int("tasks", len(result.Tasks)))
	return nil
}
