package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/nidhogg/memory-den/internal/memory"
	"github.com/nidhogg/memory-den/internal/runtime"
)

const (
	// Below this many messages there is nothing worth a model call.
	minMessagesForExtraction = 3
	// Older messages beyond this cap are dropped from the model input.
	maxMessagesForExtraction = 150
)

const extractorSystemPrompt = "You are an entity extraction system. Output only valid JSON, no explanation."

// Engine runs entity extraction: it prompts a one-shot extractor agent
// with the transcript and the existing entity index, parses the
// response, and merges the result into the store.
type Engine struct {
	store   *memory.Store
	factory runtime.Factory
	model   string
	logger  *zap.Logger
}

// NewEngine creates an extraction engine. model selects the extractor
// model on the one-shot agents it spawns.
func NewEngine(store *memory.Store, factory runtime.Factory, model string, logger *zap.Logger) *Engine {
	return &Engine{store: store, factory: factory, model: model, logger: logger}
}

// Extract runs the full extraction flow for a session transcript and
// persists the outcome. Transcripts below the message floor skip the
// model call entirely; a model failure or an unparseable response is
// logged and degrades to an empty result rather than failing the
// caller.
func (e *Engine) Extract(ctx context.Context, session string, messages []runtime.Message) (*Result, error) {
	now := memory.Now()

	if len(messages) < minMessagesForExtraction {
		e.logger.Debug("skipping extraction, transcript too short",
			zap.String("session", session),
			zap.Int("messages", len(messages)))
		return &Result{RecentTurns: RecentTurns(messages)}, nil
	}

	index, err := e.store.LoadEntityIndex(session)
	if err != nil {
		return nil, err
	}
	prompt, err := buildExtractionPrompt(messages, index)
	if err != nil {
		return nil, err
	}

	e.logger.Info("extracting entities",
		zap.String("session", session),
		zap.Int("messages", len(messages)))
	response, err := e.callExtractor(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("extract: model call: %w", err)
	}

	result, err := Parse(response, now)
	if err != nil {
		// Fail soft: a malformed response must never corrupt memory.
		e.logger.Warn("extraction response rejected",
			zap.String("session", session),
			zap.Error(err))
		result = &Result{}
	}
	result.RecentTurns = RecentTurns(messages)

	if err := e.Merge(session, result, len(messages)); err != nil {
		return nil, err
	}
	return result, nil
}

// callExtractor runs one prompt through a fresh agent and returns the
// final assistant text. The agent is aborted afterwards regardless of
// outcome.
func (e *Engine) callExtractor(ctx context.Context, prompt string) (string, error) {
	agent, err := e.factory.New(ctx)
	if err != nil {
		return "", err
	}
	defer agent.Abort()

	agent.SetModel(e.model)
	agent.SetSystemPrompt(extractorSystemPrompt)
	agent.SetThinkingLevel(runtime.ThinkingOff)

	if err := agent.Prompt(ctx, prompt); err != nil {
		return "", err
	}
	if err := agent.WaitForIdle(ctx); err != nil {
		return "", err
	}

	msgs := agent.Messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == runtime.RoleAssistant {
			return msgs[i].Text, nil
		}
	}
	return "", fmt.Errorf("extract: no assistant response")
}

// buildExtractionPrompt renders the transcript (capped to the most
// recent messages) and the existing entity index into the extraction
// instruction.
func buildExtractionPrompt(messages []runtime.Message, index *memory.EntityIndex) (string, error) {
	truncated := len(messages) > maxMessagesForExtraction
	if truncated {
		messages = messages[len(messages)-maxMessagesForExtraction:]
	}
	indexJSON, err := json.MarshalIndent(index.Entities, "", "  ")
	if err != nil {
		return "", fmt.Errorf("extract: marshal entity index: %w", err)
	}

	var b strings.Builder
	b.WriteString("You are extracting structured entities and knowledge from a conversation.\n\n")
	b.WriteString("## Existing Entities (match existing IDs when the same entity is mentioned):\n")
	b.Write(indexJSON)
	b.WriteString("\n\n## Conversation")
	if truncated {
		b.WriteString(" (truncated - older messages omitted)")
	}
	b.WriteString(":\n")
	b.WriteString(formatTranscript(messages))
	b.WriteString(`

## Output Format (JSON only, no preamble):
{
  "entities": [
    {
      "id": "person_alice",
      "type": "person",
      "name": "Alice",
      "aliases": ["Al", "Alice Smith"],
      "isNew": false,
      "properties": [
        {"key": "jobTitle", "value": "Engineer at TechCorp", "confidence": 0.9}
      ]
    }
  ],
  "knowledge": {
    "decisions": [
      {"content": "Use Go for the new module", "entityIds": ["person_alice"], "confidence": 0.95}
    ],
    "facts": [
      {"content": "The API rate limit is 100 requests per minute", "entityIds": [], "confidence": 1.0}
    ],
    "tasks": [
      {"content": "Review the pull request by Friday", "entityIds": ["person_alice"], "status": "pending", "confidence": 0.9}
    ]
  },
  "relationships": [
    {"sourceEntityId": "person_alice", "type": "works_on", "targetEntityId": "project_webapp", "confidence": 0.85}
  ],
  "invalidations": [
    {"entityId": "person_alice", "propertyKey": "location", "reason": "Alice mentioned she moved to a new city"}
  ]
}

## Rules:
1. Entity Matching: Check existing entities by name/aliases before creating new ones. Use existing IDs when possible.
2. New Entities: Set "isNew": true for entities not in the existing list.
3. Properties: Only extract NEW information not already captured. Skip properties that duplicate existing data.
4. Confidence Scores:
   - 1.0: Explicitly stated fact
   - 0.8-0.9: Strong inference from context
   - 0.6-0.7: Weak inference or uncertain
5. Invalidations: If new information contradicts old info (e.g., "I moved", "I changed jobs"), add to invalidations.
6. Entity Types: person, project, concept, place, organization
7. Relationship Types: works_with, manages, belongs_to, works_on, knows, located_at, etc.
8. Tasks: Extract action items with status (pending, in_progress, completed, cancelled)

## Output ONLY valid JSON, no explanation or preamble.`)
	return b.String(), nil
}

// formatTranscript renders messages as "U:"/"A:" lines, skipping tool
// output and empty turns.
func formatTranscript(messages []runtime.Message) string {
	var lines []string
	for _, msg := range messages {
		content := strings.TrimSpace(msg.Text)
		if content == "" {
			continue
		}
		switch msg.Role {
		case runtime.RoleUser:
			lines = append(lines, "U: "+content)
		case runtime.RoleAssistant:
			lines = append(lines, "A: "+content)
		}
	}
	return strings.Join(lines, "\n\n")
}
