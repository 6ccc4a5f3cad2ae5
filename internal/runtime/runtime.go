// Package runtime defines the contract with the external conversational
// agent runtime. The core configures and drives agents through this
// interface; it never implements the model loop itself.
package runtime

import "context"

// Role identifies the author of a transcript message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry in an agent's accumulated transcript.
type Message struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// Attachment is binary content handed to the runtime alongside a prompt.
type Attachment struct {
	ID       string `json:"id"`
	Type     string `json:"type"` // "image"
	FileName string `json:"file_name"`
	MimeType string `json:"mime_type"`
	Size     int    `json:"size"`
	Content  string `json:"content"` // base64
}

// ToolSpec names a tool the runtime should expose to the model.
type ToolSpec struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Event is an observability notification emitted by an agent.
type Event struct {
	Type   string `json:"type"`
	Detail string `json:"detail,omitempty"`
}

// ThinkingLevel controls how much deliberate reasoning the runtime
// spends per turn.
type ThinkingLevel string

const (
	ThinkingOff     ThinkingLevel = "off"
	ThinkingMinimal ThinkingLevel = "minimal"
	ThinkingLow     ThinkingLevel = "low"
	ThinkingMedium  ThinkingLevel = "medium"
	ThinkingHigh    ThinkingLevel = "high"
)

// Agent is a single conversational agent instance owned by the runtime.
// Prompt and WaitForIdle block until the turn settles or ctx is done;
// Abort cancels any in-flight work and renders the agent unusable.
type Agent interface {
	SetModel(model string)
	SetSystemPrompt(prompt string)
	SetThinkingLevel(level ThinkingLevel)
	SetTools(tools []ToolSpec)
	Prompt(ctx context.Context, text string, attachments ...Attachment) error
	WaitForIdle(ctx context.Context) error
	Abort()
	Messages() []Message
	Subscribe(fn func(Event)) (unsubscribe func())
}

// Factory creates agent instances. The session registry uses it for
// long-lived per-session agents, the extraction engine for one-shot
// extractor agents.
type Factory interface {
	New(ctx context.Context) (Agent, error)
}

// CredentialSource supplies provider access tokens to runtime
// implementations.
type CredentialSource interface {
	AccessToken(ctx context.Context, provider string) (string, error)
}
