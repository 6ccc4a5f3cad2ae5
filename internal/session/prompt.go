package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/memory-den/internal/runtime"
)

// ErrPromptTimeout is returned when a turn exceeds its deadline; the
// agent is aborted and the session queue released.
var ErrPromptTimeout = errors.New("session: prompt timed out")

// PromptOptions tune a single turn.
type PromptOptions struct {
	// Timeout overrides the configured per-turn deadline when positive.
	Timeout time.Duration
	// MediaPath/MediaType attach an image alongside the text.
	MediaPath string
	MediaType string
}

// Reply is the outcome of one turn.
type Reply struct {
	Text         string
	IsNew        bool
	MessageCount int
}

// Prompt runs one conversation turn for a session. Turns for the same
// session execute strictly one at a time in arrival order; turns for
// different sessions run independently.
func (r *Registry) Prompt(ctx context.Context, session, text string, opts PromptOptions) (*Reply, error) {
	var reply *Reply
	var err error
	// A queue pruned between lookup and submit is recreated on retry.
	for !r.queue(session).Do(func() {
		reply, err = r.runTurn(ctx, session, text, opts)
	}) {
	}
	return reply, err
}

func (r *Registry) runTurn(ctx context.Context, session, text string, opts PromptOptions) (*Reply, error) {
	agent, isNew, err := r.GetOrCreateAgent(ctx, session)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	inst := r.agents[session]
	if inst != nil {
		inst.messageCount++
	}
	r.mu.Unlock()

	timeout := r.cfg.PromptTimeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	turnCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	attachments := r.buildAttachments(opts)

	if err := agent.Prompt(turnCtx, text, attachments...); err != nil {
		agent.Abort()
		return nil, wrapTimeout(turnCtx, err)
	}
	if err := agent.WaitForIdle(turnCtx); err != nil {
		agent.Abort()
		return nil, wrapTimeout(turnCtx, err)
	}

	responseText := lastAssistantText(agent.Messages())

	r.mu.Lock()
	messageCount := 0
	if inst != nil {
		inst.lastActivity = time.Now()
		messageCount = inst.messageCount
	}
	r.mu.Unlock()

	return &Reply{Text: responseText, IsNew: isNew, MessageCount: messageCount}, nil
}

func wrapTimeout(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrPromptTimeout, err)
	}
	return err
}

// buildAttachments converts an image reference into a runtime
// attachment. A read failure drops the attachment rather than failing
// the turn.
func (r *Registry) buildAttachments(opts PromptOptions) []runtime.Attachment {
	if opts.MediaPath == "" || !strings.HasPrefix(opts.MediaType, "image/") {
		return nil
	}
	data, err := os.ReadFile(opts.MediaPath)
	if err != nil {
		r.logger.Warn("failed to read media attachment",
			zap.String("path", opts.MediaPath),
			zap.Error(err))
		return nil
	}
	return []runtime.Attachment{{
		ID:       fmt.Sprintf("img-%d", time.Now().UnixMilli()),
		Type:     "image",
		FileName: filepath.Base(opts.MediaPath),
		MimeType: opts.MediaType,
		Size:     len(data),
		Content:  base64.StdEncoding.EncodeToString(data),
	}}
}

// lastAssistantText walks the transcript backward for the final
// assistant message of the current turn, stopping at the user message
// that started it. Empty assistant messages after tool calls are
// skipped.
func lastAssistantText(messages []runtime.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		msg := messages[i]
		if msg.Role == runtime.RoleUser {
			break
		}
		if msg.Role == runtime.RoleAssistant && strings.TrimSpace(msg.Text) != "" {
			return msg.Text
		}
	}
	return ""
}
