package tools

import (
	"fmt"
	"sync"
)

// Result is one recorded tool output.
type Result struct {
	Tool   string
	Output string
}

// Results accumulates tool outputs over one conversation turn. It is
// created per turn and passed explicitly through the call chain so
// deferred work can capture what the turn has learned so far.
type Results struct {
	mu      sync.Mutex
	entries []Result
}

// Add records one tool output.
func (r *Results) Add(tool, output string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, Result{Tool: tool, Output: output})
}

// All returns the recorded results in call order.
func (r *Results) All() []Result {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Result(nil), r.entries...)
}

// Strings renders each result as "tool: output" lines.
func (r *Results) Strings() []string {
	all := r.All()
	out := make([]string, 0, len(all))
	for _, e := range all {
		out = append(out, fmt.Sprintf("%s: %s", e.Tool, e.Output))
	}
	return out
}

// Len reports how many results have been recorded.
func (r *Results) Len() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
