package extract

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nidhogg/memory-den/internal/memory"
)

// ErrNoJSON is returned when the model response contains no JSON
// document at all.
var ErrNoJSON = errors.New("extract: no JSON document in response")

// document is the wire shape the extractor model is instructed to
// produce.
type document struct {
	Entities []struct {
		ID         string   `json:"id"`
		Type       string   `json:"type"`
		Name       string   `json:"name"`
		Aliases    []string `json:"aliases"`
		IsNew      bool     `json:"isNew"`
		Properties []struct {
			Key        string   `json:"key"`
			Value      string   `json:"value"`
			Confidence *float64 `json:"confidence"`
		} `json:"properties"`
	} `json:"entities"`
	Knowledge struct {
		Decisions []knowledgeEntry `json:"decisions"`
		Facts     []knowledgeEntry `json:"facts"`
		Tasks     []struct {
			knowledgeEntry
			Status string `json:"status"`
		} `json:"tasks"`
	} `json:"knowledge"`
	Relationships []struct {
		SourceEntityID string   `json:"sourceEntityId"`
		Type           string   `json:"type"`
		TargetEntityID string   `json:"targetEntityId"`
		Confidence     *float64 `json:"confidence"`
	} `json:"relationships"`
	Invalidations []struct {
		Type        string `json:"type"`
		EntityID    string `json:"entityId"`
		PropertyKey string `json:"propertyKey"`
		Reason      string `json:"reason"`
	} `json:"invalidations"`
}

type knowledgeEntry struct {
	Content    string   `json:"content"`
	EntityIDs  []string `json:"entityIds"`
	Confidence *float64 `json:"confidence"`
}

// validate rejects documents that are structurally JSON but violate the
// contract: unknown entity types, missing names on new entities,
// missing content on knowledge items, unknown task statuses, or
// relationships without both endpoints.
func (d *document) validate() error {
	for i, e := range d.Entities {
		if e.Type != "" && !memory.EntityType(e.Type).Valid() {
			return fmt.Errorf("extract: entity %d: unknown type %q", i, e.Type)
		}
		if e.IsNew && strings.TrimSpace(e.Name) == "" {
			return fmt.Errorf("extract: entity %d: new entity without name", i)
		}
		if !e.IsNew && strings.TrimSpace(e.ID) == "" {
			return fmt.Errorf("extract: entity %d: update without id", i)
		}
		for j, p := range e.Properties {
			if strings.TrimSpace(p.Key) == "" {
				return fmt.Errorf("extract: entity %d property %d: missing key", i, j)
			}
		}
	}
	for i, k := range d.Knowledge.Decisions {
		if strings.TrimSpace(k.Content) == "" {
			return fmt.Errorf("extract: decision %d: missing content", i)
		}
	}
	for i, k := range d.Knowledge.Facts {
		if strings.TrimSpace(k.Content) == "" {
			return fmt.Errorf("extract: fact %d: missing content", i)
		}
	}
	for i, t := range d.Knowledge.Tasks {
		if strings.TrimSpace(t.Content) == "" {
			return fmt.Errorf("extract: task %d: missing content", i)
		}
		if t.Status != "" && !memory.TaskStatus(t.Status).Valid() {
			return fmt.Errorf("extract: task %d: unknown status %q", i, t.Status)
		}
	}
	for i, r := range d.Relationships {
		if r.SourceEntityID == "" || r.TargetEntityID == "" {
			return fmt.Errorf("extract: relationship %d: missing endpoint", i)
		}
	}
	return nil
}

// extractJSONBlock locates the JSON document in a model response:
// first a fenced ```json block, then the outermost bare object.
func extractJSONBlock(response string) (string, error) {
	if start := strings.Index(response, "```json"); start >= 0 {
		rest := response[start+len("```json"):]
		if end := strings.Index(rest, "```"); end >= 0 {
			return strings.TrimSpace(rest[:end]), nil
		}
	}
	start := strings.Index(response, "{")
	end := strings.LastIndex(response, "}")
	if start >= 0 && end > start {
		return response[start : end+1], nil
	}
	return "", ErrNoJSON
}

// Parse decodes and validates a model response into a Result. All
// timestamps are stamped with now, confidences default to 0.8 and are
// clamped to [0, 1]. An invalid document is an error; the caller
// decides whether to fail soft.
func Parse(response string, now int64) (*Result, error) {
	jsonStr, err := extractJSONBlock(response)
	if err != nil {
		return nil, err
	}
	var doc document
	if err := json.Unmarshal([]byte(jsonStr), &doc); err != nil {
		return nil, fmt.Errorf("extract: decode response: %w", err)
	}
	if err := doc.validate(); err != nil {
		return nil, err
	}

	source := fmt.Sprintf("extraction_%d", now)
	confidence := func(c *float64) float64 {
		if c == nil {
			return 0.8
		}
		return memory.ClampConfidence(*c)
	}

	result := &Result{}
	updates := make(map[string]*EntityUpdate)
	var updateOrder []*EntityUpdate
	update := func(id string) *EntityUpdate {
		if u, ok := updates[id]; ok {
			return u
		}
		u := &EntityUpdate{ID: id}
		updates[id] = u
		updateOrder = append(updateOrder, u)
		return u
	}

	for _, e := range doc.Entities {
		props := make([]memory.TemporalProperty, 0, len(e.Properties))
		for _, p := range e.Properties {
			props = append(props, memory.TemporalProperty{
				Key:        p.Key,
				Value:      p.Value,
				ValidFrom:  now,
				Confidence: confidence(p.Confidence),
				Source:     source,
			})
		}
		if e.IsNew {
			entityType := memory.EntityType(e.Type)
			if e.Type == "" {
				entityType = memory.EntityConcept
			}
			id := e.ID
			if id == "" {
				id = memory.GenerateEntityID(entityType, e.Name)
			}
			aliases := e.Aliases
			if aliases == nil {
				aliases = []string{}
			}
			result.NewEntities = append(result.NewEntities, &memory.Entity{
				ID:            id,
				Type:          entityType,
				Name:          e.Name,
				Aliases:       aliases,
				Properties:    props,
				Relationships: []memory.Relationship{},
				FirstSeen:     now,
				LastMentioned: now,
				MentionCount:  1,
			})
		} else if len(props) > 0 {
			update(e.ID).NewProperties = append(update(e.ID).NewProperties, props...)
		}
	}

	for _, k := range doc.Knowledge.Decisions {
		result.Decisions = append(result.Decisions, newKnowledge(k, "dec", now, source, confidence))
	}
	for _, k := range doc.Knowledge.Facts {
		result.Facts = append(result.Facts, newKnowledge(k, "fact", now, source, confidence))
	}
	for _, t := range doc.Knowledge.Tasks {
		status := memory.TaskStatus(t.Status)
		if t.Status == "" {
			status = memory.TaskPending
		}
		result.Tasks = append(result.Tasks, memory.TaskItem{
			KnowledgeItem: newKnowledge(t.knowledgeEntry, "task", now, source, confidence),
			Status:        status,
		})
	}

	for _, r := range doc.Relationships {
		u := update(r.SourceEntityID)
		u.NewRelationships = append(u.NewRelationships, memory.Relationship{
			Type:           r.Type,
			TargetEntityID: r.TargetEntityID,
			ValidFrom:      now,
			Confidence:     confidence(r.Confidence),
			Source:         source,
		})
	}

	for _, inv := range doc.Invalidations {
		// Knowledge-level invalidations carry no item ID, so they are
		// advisory only; property invalidations are applied.
		if inv.EntityID != "" && inv.PropertyKey != "" {
			u := update(inv.EntityID)
			u.InvalidatedProperties = append(u.InvalidatedProperties, PropertyInvalidation{
				Key:    inv.PropertyKey,
				Reason: inv.Reason,
			})
		}
	}

	for _, u := range updateOrder {
		result.UpdatedEntities = append(result.UpdatedEntities, *u)
	}
	return result, nil
}

func newKnowledge(k knowledgeEntry, kind string, now int64, source string, confidence func(*float64) float64) memory.KnowledgeItem {
	entityIDs := k.EntityIDs
	if entityIDs == nil {
		entityIDs = []string{}
	}
	return memory.KnowledgeItem{
		ID:         memory.GenerateKnowledgeID(kind),
		Content:    k.Content,
		EntityIDs:  entityIDs,
		ValidFrom:  now,
		Confidence: confidence(k.Confidence),
		Source:     source,
	}
}
