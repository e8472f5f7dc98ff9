// Package orchestrator drives the multi-turn tool-call conversation:
// it assembles the LLM request, executes tool calls locally or through
// the remote agent bridge, streams progress to the hub, and returns the
// final reply with accumulated usage.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"majordomo/internal/hub"
	"majordomo/internal/llm"
	"majordomo/internal/tools"
)

// FallbackReply is returned when the model executes tools but produces
// no closing text.
const FallbackReply = "I completed the requested actions but have nothing further to add."

// stallWindow is how many identical consecutive tool invocations count
// as a stall. Advisory only; the loop is never broken on it.
const stallWindow = 3

// Usage roles distinguish who initiated a turn in the accounting store.
const (
	UsageRoleInteractive = "interactive"
	UsageRoleScheduled   = "scheduled"
)

// Options control one conversation.
type Options struct {
	Model         string
	MaxTokens     int
	Temperature   float64
	MaxIterations int
	SystemPrompt  string

	// UsageRole labels token accounting for this turn. Scheduled task
	// dispatch sets UsageRoleScheduled; empty means interactive.
	UsageRole string
}

func (o Options) withDefaults() Options {
	if o.MaxTokens <= 0 {
		o.MaxTokens = 4096
	}
	if o.MaxIterations <= 0 {
		o.MaxIterations = 8
	}
	if o.UsageRole == "" {
		o.UsageRole = UsageRoleInteractive
	}
	return o
}

// Reply is the outcome of one conversation turn.
type Reply struct {
	Text             string
	Model            string
	InputTokens      int
	OutputTokens     int
	ToolCalls        int
	Iterations       int
	IterationLimited bool
}

// RemoteExecutor runs a tool on a connected remote agent.
type RemoteExecutor interface {
	Execute(ctx context.Context, toolName string, args map[string]any, timeout time.Duration) (string, error)
	HasTool(toolName string) bool
	RemoteTools() []string
}

// ContextProvider supplies retrieved background text for a query.
type ContextProvider interface {
	Context(ctx context.Context, query string, k int) (string, error)
}

// UsageRecorder persists per-turn token accounting.
type UsageRecorder interface {
	Record(ctx context.Context, sessionID, model string, inputTokens, outputTokens int, role string) error
}

// Orchestrator runs conversation turns.
type Orchestrator struct {
	logger    *slog.Logger
	client    llm.Client
	registry  *tools.Registry
	remote    RemoteExecutor
	hub       *hub.Hub
	retriever ContextProvider
	usage     UsageRecorder

	// maxRelevantTools caps the tool schemas sent per request; 0
	// disables narrowing.
	maxRelevantTools int
	remoteTimeout    time.Duration
}

// Config wires an Orchestrator. Hub, Remote, Retriever, and Usage may
// be nil; the corresponding behavior is skipped.
type Config struct {
	Logger           *slog.Logger
	Client           llm.Client
	Registry         *tools.Registry
	Remote           RemoteExecutor
	Hub              *hub.Hub
	Retriever        ContextProvider
	Usage            UsageRecorder
	MaxRelevantTools int
	RemoteTimeout    time.Duration
}

// New creates an Orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.RemoteTimeout <= 0 {
		cfg.RemoteTimeout = 60 * time.Second
	}
	return &Orchestrator{
		logger:           cfg.Logger.With("component", "orchestrator"),
		client:           cfg.Client,
		registry:         cfg.Registry,
		remote:           cfg.Remote,
		hub:              cfg.Hub,
		retriever:        cfg.Retriever,
		usage:            cfg.Usage,
		maxRelevantTools: cfg.MaxRelevantTools,
		remoteTimeout:    cfg.RemoteTimeout,
	}
}

// Converse runs one conversation turn to completion: it sends the
// history plus the user message to the LLM and loops over tool calls
// until the model produces a final text reply or the iteration cap is
// reached. A transport failure from the LLM is returned as an error;
// tool failures are fed back to the model and never abort the turn.
func (o *Orchestrator) Converse(ctx context.Context, userMessage string, history []llm.Message, enabledTools []string, sessionID string, opts Options) (*Reply, error) {
	opts = opts.withDefaults()
	ctx = tools.WithSessionID(ctx, sessionID)

	messages := o.assembleMessages(ctx, userMessage, history)
	toolSchemas := o.activeTools(userMessage, enabledTools)

	req := &llm.Request{
		Model:        opts.Model,
		Messages:     messages,
		SystemPrompt: opts.SystemPrompt,
		MaxTokens:    opts.MaxTokens,
		Temperature:  opts.Temperature,
		Tools:        toolSchemas,
	}

	reply := &Reply{}
	results := &tools.Results{}
	var recentTools []string
	toolsForced := false

	for iteration := range opts.MaxIterations {
		resp, err := o.client.Chat(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("llm request: %w", err)
		}

		reply.Model = resp.Model
		reply.InputTokens += resp.InputTokens
		reply.OutputTokens += resp.OutputTokens
		reply.Iterations = iteration + 1

		if len(resp.Message.ToolCalls) == 0 {
			reply.Text = resp.Message.Content
			if strings.TrimSpace(reply.Text) == "" {
				reply.Text = FallbackReply
			}
			// A text reply the model only produced because tools were
			// withheld still counts as a capped turn.
			reply.IterationLimited = toolsForced
			o.recordUsage(ctx, sessionID, opts.UsageRole, reply)
			return reply, nil
		}

		o.logger.Debug("tool round",
			"iteration", iteration,
			"calls", len(resp.Message.ToolCalls),
			"session", sessionID)

		// Keep any interim text so a capped loop still has something
		// to show.
		if resp.Message.Content != "" {
			reply.Text = resp.Message.Content
		}

		if sessionID != "" && resp.Message.Content != "" {
			o.publish(sessionID, hub.Event{
				Type:      hub.EventStreamingText,
				SessionID: sessionID,
				Data: map[string]any{
					"text":      resp.Message.Content,
					"iteration": iteration,
				},
			})
		}

		messages = append(messages, resp.Message)

		for _, call := range resp.Message.ToolCalls {
			output := o.executeTool(ctx, call, results)
			reply.ToolCalls++

			recentTools = append(recentTools, call.Name)
			if stalled(recentTools) {
				o.logger.Warn("possible tool loop",
					"tool", call.Name,
					"repeats", stallWindow,
					"session", sessionID)
			}

			messages = append(messages, llm.Message{
				Role:       "tool",
				Content:    output,
				ToolCallID: call.ID,
			})

			if sessionID != "" {
				o.publish(sessionID, hub.Event{
					Type:      hub.EventToolResult,
					SessionID: sessionID,
					Data: map[string]any{
						"tool":      call.Name,
						"result":    output,
						"iteration": iteration,
					},
				})
			}
		}

		req.Messages = messages

		// Last round gets no tools so the model must answer in text.
		if iteration == opts.MaxIterations-2 {
			req.Tools = nil
			toolsForced = true
		}
	}

	reply.IterationLimited = true
	if strings.TrimSpace(reply.Text) == "" {
		reply.Text = FallbackReply
	}
	o.logger.Warn("iteration cap reached",
		"iterations", reply.Iterations,
		"tool_calls", reply.ToolCalls,
		"session", sessionID)
	o.recordUsage(ctx, sessionID, opts.UsageRole, reply)
	return reply, nil
}

// assembleMessages builds the outbound transcript: retrieved context
// (when available), prior user/assistant turns with non-empty content,
// then the new user message.
func (o *Orchestrator) assembleMessages(ctx context.Context, userMessage string, history []llm.Message) []llm.Message {
	var messages []llm.Message

	if o.retriever != nil {
		// k=0 lets the provider apply its configured snippet count.
		if background, err := o.retriever.Context(ctx, userMessage, 0); err != nil {
			o.logger.Warn("context retrieval failed", "error", err)
		} else if background != "" {
			messages = append(messages, llm.Message{
				Role:    "user",
				Content: "Background that may be relevant:\n" + background,
			})
		}
	}

	for _, m := range history {
		if (m.Role == "user" || m.Role == "assistant") && strings.TrimSpace(m.Content) != "" {
			messages = append(messages, llm.Message{Role: m.Role, Content: m.Content})
		}
	}

	return append(messages, llm.Message{Role: "user", Content: userMessage})
}

// activeTools computes the tool schemas for this turn: enabled local
// tools, optionally narrowed by relevance, plus every remotely
// advertised tool.
func (o *Orchestrator) activeTools(userMessage string, enabled []string) []map[string]any {
	local := o.registry.Filtered(enabled)
	if o.maxRelevantTools > 0 {
		local = tools.Relevant(userMessage, local, o.maxRelevantTools)
	}
	schemas := tools.Schema(local)

	if o.remote != nil {
		for _, name := range o.remote.RemoteTools() {
			schemas = append(schemas, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        name,
					"description": fmt.Sprintf("Remote tool %q provided by a connected agent.", name),
					"parameters":  map[string]any{"type": "object"},
				},
			})
		}
	}

	return schemas
}

// executeTool dispatches one call and converts any failure into a
// structured error payload the model can read.
func (o *Orchestrator) executeTool(ctx context.Context, call llm.ToolCall, results *tools.Results) string {
	output, err := o.dispatch(ctx, call, results)
	if err != nil {
		o.logger.Warn("tool failed", "tool", call.Name, "error", err)
		payload, merr := json.Marshal(map[string]string{"error": err.Error()})
		if merr != nil {
			return fmt.Sprintf(`{"error": %q}`, err.Error())
		}
		return string(payload)
	}
	return output
}

func (o *Orchestrator) dispatch(ctx context.Context, call llm.ToolCall, results *tools.Results) (string, error) {
	if o.registry.Get(call.Name) != nil {
		argsJSON := "{}"
		if len(call.Arguments) > 0 {
			data, err := json.Marshal(call.Arguments)
			if err != nil {
				return "", fmt.Errorf("marshal arguments for %s: %w", call.Name, err)
			}
			argsJSON = string(data)
		}
		return o.registry.Execute(ctx, call.Name, argsJSON, results)
	}

	if o.remote != nil && o.remote.HasTool(call.Name) {
		out, err := o.remote.Execute(ctx, call.Name, call.Arguments, o.remoteTimeout)
		if err != nil {
			return "", err
		}
		results.Add(call.Name, out)
		return out, nil
	}

	return "", &tools.ErrToolUnavailable{ToolName: call.Name}
}

func (o *Orchestrator) publish(sessionID string, e hub.Event) {
	if o.hub == nil {
		return
	}
	o.hub.Publish(sessionID, e)
}

func (o *Orchestrator) recordUsage(ctx context.Context, sessionID, role string, reply *Reply) {
	if o.usage == nil {
		return
	}
	if err := o.usage.Record(ctx, sessionID, reply.Model, reply.InputTokens, reply.OutputTokens, role); err != nil {
		o.logger.Warn("usage not recorded", "error", err)
	}
}

// stalled reports whether the trailing stallWindow invocations all
// named the same tool.
func stalled(recent []string) bool {
	if len(recent) < stallWindow {
		return false
	}
	tail := recent[len(recent)-stallWindow:]
	for _, name := range tail[1:] {
		if name != tail[0] {
			return false
		}
	}
	return true
}
