package main

import (
	"context"
	"testing"

	"majordomo/internal/retrieval"
)

type fakeSnippetSource struct {
	snippets []retrieval.Snippet
	gotK     int
}

func (f *fakeSnippetSource) Context(_ context.Context, _ string, k int) ([]retrieval.Snippet, error) {
	f.gotK = k
	return f.snippets, nil
}

func TestRetrievalContextAppliesConfiguredTopK(t *testing.T) {
	src := &fakeSnippetSource{snippets: []retrieval.Snippet{
		{Section: "Garden", Content: "water on Tuesdays"},
		{Content: "bins go out Sunday night"},
	}}
	rc := &retrievalContext{store: src, topK: 5}

	// Callers that pass no preference get the configured count.
	out, err := rc.Context(context.Background(), "chores", 0)
	if err != nil {
		t.Fatalf("Context: %v", err)
	}
	if src.gotK != 5 {
		t.Errorf("store queried with k = %d, want configured 5", src.gotK)
	}
	if out != "Garden: water on Tuesdays\n\nbins go out Sunday night" {
		t.Errorf("joined context = %q", out)
	}

	// An explicit count wins over the configured one.
	if _, err := rc.Context(context.Background(), "chores", 2); err != nil {
		t.Fatalf("Context: %v", err)
	}
	if src.gotK != 2 {
		t.Errorf("store queried with k = %d, want 2", src.gotK)
	}
}
