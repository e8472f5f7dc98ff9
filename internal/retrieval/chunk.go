package retrieval

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Chunk is one heading-scoped unit of a markdown document.
type Chunk struct {
	Section string
	Content string
}

// ChunkMarkdown splits markdown into chunks, one per heading section.
// Content before the first heading becomes a chunk with an empty
// section title. Empty sections are dropped.
func ChunkMarkdown(source string) []Chunk {
	src := []byte(source)
	doc := goldmark.New().Parser().Parse(text.NewReader(src))

	var (
		chunks  []Chunk
		section string
		body    strings.Builder
	)

	flush := func() {
		content := strings.TrimSpace(body.String())
		if content != "" {
			chunks = append(chunks, Chunk{Section: section, Content: content})
		}
		body.Reset()
	}

	ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}

		if h, ok := n.(*ast.Heading); ok {
			flush()
			section = string(h.Text(src))
			return ast.WalkSkipChildren, nil
		}

		// Leaf blocks carry the raw source lines; containers like
		// lists and blockquotes are reached through their children.
		if n.Type() == ast.TypeBlock && n.Lines().Len() > 0 {
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				body.Write(seg.Value(src))
			}
			body.WriteString("\n")
		}

		return ast.WalkContinue, nil
	})

	flush()
	return chunks
}
