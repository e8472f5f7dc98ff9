// Package tools defines the tools available to the assistant and the
// registry that executes them.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"majordomo/internal/fetch"
	"majordomo/internal/geo"
	"majordomo/internal/memory"
	"majordomo/internal/retrieval"
	"majordomo/internal/scheduler"
)

// Handler executes a tool call. The results accumulator holds the
// outputs of earlier calls in the same conversation turn; handlers that
// defer work (schedule_task) read it to carry context forward.
type Handler func(ctx context.Context, args map[string]any, results *Results) (string, error)

// Tool represents a callable tool.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Remote      bool           `json:"remote,omitempty"`
	Handler     Handler        `json:"-"`
}

// TaskScheduler is the slice of the scheduler the tools need.
type TaskScheduler interface {
	Add(t *scheduler.Task) error
	List() ([]*scheduler.Task, error)
	Delete(id string) error
}

// NoteStore persists and lists long-lived notes.
type NoteStore interface {
	SaveNote(ctx context.Context, content string) (string, error)
	ListNotes(ctx context.Context) ([]memory.Note, error)
}

// Retriever surfaces indexed knowledge relevant to a query.
type Retriever interface {
	Context(ctx context.Context, query string, k int) ([]retrieval.Snippet, error)
	IndexMarkdown(ctx context.Context, source, content string) (int, error)
}

// GeoLocator resolves IP addresses to locations.
type GeoLocator interface {
	Lookup(ctx context.Context, ip string) (*geo.Location, error)
}

// PageFetcher downloads readable page content.
type PageFetcher interface {
	Fetch(ctx context.Context, url string, maxChars int) (*fetch.Page, error)
}

// Deps are the collaborators behind the built-in tools. A nil field
// simply leaves the corresponding tools unregistered.
type Deps struct {
	Scheduler TaskScheduler
	Notes     NoteStore
	Retriever Retriever
	Geo       GeoLocator
	Fetcher   PageFetcher
}

// Registry holds available tools.
type Registry struct {
	logger *slog.Logger
	tools  map[string]*Tool
	deps   Deps
}

// NewRegistry creates a registry with the built-in tools wired to the
// given collaborators.
func NewRegistry(logger *slog.Logger, deps Deps) *Registry {
	r := &Registry{
		logger: logger.With("component", "tools"),
		tools:  make(map[string]*Tool),
		deps:   deps,
	}
	r.registerBuiltins()
	return r
}

// Register adds or replaces a tool.
func (r *Registry) Register(t *Tool) {
	r.tools[t.Name] = t
}

// Get returns a tool by name, or nil.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns all registered tools in name order.
func (r *Registry) All() []*Tool {
	names := r.Names()
	out := make([]*Tool, 0, len(names))
	for _, name := range names {
		out = append(out, r.tools[name])
	}
	return out
}

// Filtered returns the tools whose names appear in enabled. A nil
// enabled list means everything.
func (r *Registry) Filtered(enabled []string) []*Tool {
	if enabled == nil {
		return r.All()
	}
	var out []*Tool
	for _, name := range enabled {
		if t := r.tools[name]; t != nil {
			out = append(out, t)
		}
	}
	return out
}

// Schema converts tools to the wire format sent to the LLM.
func Schema(ts []*Tool) []map[string]any {
	out := make([]map[string]any, 0, len(ts))
	for _, t := range ts {
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}
	return out
}

// Execute runs a tool by name with JSON-encoded arguments and records
// the output in the results accumulator.
func (r *Registry) Execute(ctx context.Context, name, argsJSON string, results *Results) (string, error) {
	tool := r.tools[name]
	if tool == nil {
		return "", &ErrToolUnavailable{ToolName: name}
	}

	var args map[string]any
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return "", fmt.Errorf("invalid arguments for %s: %w", name, err)
		}
	}

	out, err := tool.Handler(ctx, args, results)
	if err != nil {
		return "", err
	}
	results.Add(name, out)
	return out, nil
}
