package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"majordomo/internal/hub"
	"majordomo/internal/llm"
	"majordomo/internal/orchestrator"
	"majordomo/internal/scheduler"
	"majordomo/internal/tools"
)

// replyRunner abstracts the orchestrator for task execution testing.
type replyRunner interface {
	Converse(ctx context.Context, userMessage string, history []llm.Message, enabledTools []string, sessionID string, opts orchestrator.Options) (*orchestrator.Reply, error)
}

// toolExecutor abstracts the tool registry for task execution testing.
type toolExecutor interface {
	Execute(ctx context.Context, name, argsJSON string, results *tools.Results) (string, error)
}

// messageSaver persists delivered task output into conversation history.
type messageSaver interface {
	SaveMessage(ctx context.Context, sessionID string, msg llm.Message) error
}

// taskExec dispatches fired scheduler tasks. Plain tasks deliver their
// text directly; deferred replies re-enter the orchestrator; deferred
// tool calls run the tool and ask the model to phrase the result.
type taskExec struct {
	logger  *slog.Logger
	hub     *hub.Hub
	runner  replyRunner
	tools   toolExecutor
	client  llm.Client
	history messageSaver // nil when history is not configured
	opts    orchestrator.Options
}

// Dispatch implements [scheduler.Dispatcher].
func (e *taskExec) Dispatch(ctx context.Context, t *scheduler.Task) error {
	sessionID := t.SessionID
	if sessionID == "" {
		sessionID = "default"
	}

	e.logger.Debug("task executing",
		"task_id", t.ID,
		"kind", t.Kind(),
		"session", sessionID,
	)

	switch p := t.Payload.(type) {
	case scheduler.PlainPayload, nil:
		e.deliver(ctx, sessionID, t.Text)
		return nil

	case scheduler.DeferredReplyPayload:
		return e.runDeferredReply(ctx, sessionID, t, p)

	case scheduler.DeferredToolCallPayload:
		return e.runDeferredToolCall(ctx, sessionID, t, p)

	default:
		e.logger.Warn("unsupported task payload kind", "kind", t.Kind())
		return nil
	}
}

// runDeferredReply re-invokes the orchestrator with the stored prompt.
// Tool outputs captured when the task was scheduled are prepended so
// the model can act on what it knew at scheduling time.
func (e *taskExec) runDeferredReply(ctx context.Context, sessionID string, t *scheduler.Task, p scheduler.DeferredReplyPayload) error {
	prompt := p.Prompt
	if len(p.PriorResults) > 0 {
		var b strings.Builder
		b.WriteString("Context gathered when this task was scheduled:\n")
		for _, r := range p.PriorResults {
			b.WriteString("- ")
			b.WriteString(r)
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(p.Prompt)
		prompt = b.String()
	}

	opts := e.opts
	opts.UsageRole = orchestrator.UsageRoleScheduled
	reply, err := e.runner.Converse(ctx, prompt, nil, nil, sessionID, opts)
	if err != nil {
		return fmt.Errorf("deferred reply for task %s: %w", t.ID, err)
	}
	e.deliver(ctx, sessionID, reply.Text)
	return nil
}

// runDeferredToolCall executes the stored tool and delivers the result.
// A follow-up model call phrases the raw output for the user; if that
// call fails the raw output is delivered as-is rather than lost.
func (e *taskExec) runDeferredToolCall(ctx context.Context, sessionID string, t *scheduler.Task, p scheduler.DeferredToolCallPayload) error {
	argsJSON := "{}"
	if len(p.Args) > 0 {
		data, err := json.Marshal(p.Args)
		if err != nil {
			return fmt.Errorf("marshal args for task %s: %w", t.ID, err)
		}
		argsJSON = string(data)
	}

	output, err := e.tools.Execute(tools.WithSessionID(ctx, sessionID), p.Tool, argsJSON, nil)
	if err != nil {
		return fmt.Errorf("deferred tool call %s for task %s: %w", p.Tool, t.ID, err)
	}

	e.deliver(ctx, sessionID, e.phrase(ctx, t.Text, p.Tool, output))
	return nil
}

// phrase asks the model to turn a raw tool output into a short message.
// No tools are offered so the call resolves in a single round.
func (e *taskExec) phrase(ctx context.Context, taskText, toolName, output string) string {
	if e.client == nil {
		return output
	}

	prompt := fmt.Sprintf(
		"A scheduled task %q just ran the %s tool. Summarize this result for the user in one or two sentences:\n\n%s",
		taskText, toolName, output)

	resp, err := e.client.Chat(ctx, &llm.Request{
		Model:     e.opts.Model,
		Messages:  []llm.Message{{Role: "user", Content: prompt}},
		MaxTokens: 512,
	})
	if err != nil || resp.Message.Content == "" {
		if err != nil {
			e.logger.Warn("task result phrasing failed, delivering raw output", "error", err)
		}
		return output
	}
	return resp.Message.Content
}

// deliver pushes a completed task message to the session and mirrors it
// as a notification for UIs not watching that session.
func (e *taskExec) deliver(ctx context.Context, sessionID, text string) {
	if e.history != nil {
		if err := e.history.SaveMessage(ctx, sessionID, llm.Message{Role: "assistant", Content: text}); err != nil {
			e.logger.Warn("task message not persisted", "session", sessionID, "error", err)
		}
	}

	if e.hub == nil {
		return
	}
	e.hub.Publish(sessionID, hub.Event{
		Type:      hub.EventNewMessage,
		SessionID: sessionID,
		Data: map[string]any{
			"role":    "assistant",
			"content": text,
		},
	})
	e.hub.PublishGlobal(hub.Event{
		Type:      hub.EventShowNotification,
		SessionID: sessionID,
		Data: map[string]any{
			"title": "Reminder",
			"body":  text,
		},
	})
}
