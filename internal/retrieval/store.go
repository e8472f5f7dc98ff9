// Package retrieval indexes markdown knowledge documents into a local
// vector store and surfaces the passages most relevant to a query.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/philippgille/chromem-go"
)

const collectionName = "knowledge"

// Snippet is one retrieved passage with its relevance score.
type Snippet struct {
	Source  string  `json:"source"`
	Section string  `json:"section,omitempty"`
	Content string  `json:"content"`
	Score   float32 `json:"score"`
}

// Store wraps a persistent vector collection of document chunks.
type Store struct {
	logger *slog.Logger
	coll   *chromem.Collection
}

// NewStore opens or creates the vector store under dataDir, embedding
// with the given function.
func NewStore(logger *slog.Logger, dataDir string, embed chromem.EmbeddingFunc) (*Store, error) {
	db, err := chromem.NewPersistentDB(filepath.Join(dataDir, "retrieval"), false)
	if err != nil {
		return nil, fmt.Errorf("open vector store: %w", err)
	}

	coll, err := db.GetOrCreateCollection(collectionName, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("open collection: %w", err)
	}

	return &Store{
		logger: logger.With("component", "retrieval"),
		coll:   coll,
	}, nil
}

// IndexMarkdown chunks a markdown document and indexes it under the
// given source name, replacing any chunks previously indexed for that
// source. It returns the number of chunks indexed.
func (s *Store) IndexMarkdown(ctx context.Context, source, content string) (int, error) {
	if err := s.coll.Delete(ctx, map[string]string{"source": source}, nil); err != nil {
		return 0, fmt.Errorf("clear previous chunks for %q: %w", source, err)
	}

	chunks := ChunkMarkdown(content)
	if len(chunks) == 0 {
		return 0, nil
	}

	docs := make([]chromem.Document, 0, len(chunks))
	for i, c := range chunks {
		docs = append(docs, chromem.Document{
			ID:      fmt.Sprintf("%s#%d", source, i),
			Content: c.Content,
			Metadata: map[string]string{
				"source":  source,
				"section": c.Section,
			},
		})
	}

	if err := s.coll.AddDocuments(ctx, docs, 2); err != nil {
		return 0, fmt.Errorf("index %q: %w", source, err)
	}

	s.logger.Info("document indexed", "source", source, "chunks", len(docs))
	return len(docs), nil
}

// Context returns up to k snippets relevant to the query, best first.
// An empty store returns no snippets and no error.
func (s *Store) Context(ctx context.Context, query string, k int) ([]Snippet, error) {
	if k <= 0 {
		k = 3
	}
	if n := s.coll.Count(); n < k {
		if n == 0 {
			return nil, nil
		}
		k = n
	}

	results, err := s.coll.Query(ctx, query, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query vector store: %w", err)
	}

	snippets := make([]Snippet, 0, len(results))
	for _, r := range results {
		snippets = append(snippets, Snippet{
			Source:  r.Metadata["source"],
			Section: r.Metadata["section"],
			Content: r.Content,
			Score:   r.Similarity,
		})
	}
	return snippets, nil
}

// Count reports the number of indexed chunks.
func (s *Store) Count() int {
	return s.coll.Count()
}
