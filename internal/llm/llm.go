// Package llm provides LLM client implementations.
package llm

import (
	"context"
	"log/slog"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message represents a chat message.
type Message struct {
	Role       string     `json:"role"` // system, user, assistant, tool
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // For tool responses
}

// ToolCall represents a tool invocation requested by the model.
type ToolCall struct {
	ID        string         `json:"id,omitempty"` // Provider-assigned, pairs the eventual tool result
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// MCPServer describes a remote MCP server passed through to the provider.
type MCPServer struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Request is a provider-neutral chat completion request.
type Request struct {
	Model         string
	Messages      []Message
	SystemPrompt  string
	MaxTokens     int
	Temperature   float64
	Tools         []map[string]any // JSON Schema tool definitions
	MCPServers    []MCPServer
	StopSequences []string
}

// Response is the unified response from any LLM provider.
// All fields use proper Go types; wire format conversion happens
// at the provider boundary (anthropic.go).
type Response struct {
	Model      string
	Message    Message
	StopReason string

	// Token usage (provider-neutral)
	InputTokens  int
	OutputTokens int
}

// Client is the interface all LLM providers implement. A non-2xx
// transport status is a hard failure for that call; clients never retry.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	Chat(ctx context.Context, req *Request) (*Response, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
