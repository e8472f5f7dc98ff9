package tools

import (
	"sort"
	"strings"

	"majordomo/internal/memory"
)

// Relevant narrows a tool set to the max tools most relevant to the
// query, scored by keyword overlap with each tool's name and
// description. When the set already fits, it is returned unchanged so
// small registries never lose tools to scoring noise.
func Relevant(query string, ts []*Tool, max int) []*Tool {
	if max <= 0 || len(ts) <= max {
		return ts
	}

	terms := queryTerms(query)
	type scored struct {
		tool  *Tool
		score int
		index int
	}
	ranked := make([]scored, 0, len(ts))
	for i, t := range ts {
		text := strings.ToLower(t.Name + " " + t.Description)
		ranked = append(ranked, scored{tool: t, score: overlap(terms, text), index: i})
	}

	sort.SliceStable(ranked, func(a, b int) bool {
		if ranked[a].score != ranked[b].score {
			return ranked[a].score > ranked[b].score
		}
		return ranked[a].index < ranked[b].index
	})

	out := make([]*Tool, 0, max)
	for _, s := range ranked[:max] {
		out = append(out, s.tool)
	}
	return out
}

// rankNotes returns the max notes most relevant to the query. Notes
// with no keyword overlap at all are dropped.
func rankNotes(query string, notes []memory.Note, max int) []memory.Note {
	terms := queryTerms(query)

	type scored struct {
		note  memory.Note
		score int
	}
	var ranked []scored
	for _, n := range notes {
		if s := overlap(terms, strings.ToLower(n.Content)); s > 0 {
			ranked = append(ranked, scored{note: n, score: s})
		}
	}

	sort.SliceStable(ranked, func(a, b int) bool {
		return ranked[a].score > ranked[b].score
	})

	if len(ranked) > max {
		ranked = ranked[:max]
	}
	out := make([]memory.Note, 0, len(ranked))
	for _, s := range ranked {
		out = append(out, s.note)
	}
	return out
}

// queryTerms lowercases and splits a query, keeping words long enough
// to carry meaning.
func queryTerms(query string) []string {
	var terms []string
	for _, w := range strings.Fields(strings.ToLower(query)) {
		w = strings.Trim(w, ".,!?:;\"'()")
		if len(w) >= 3 {
			terms = append(terms, w)
		}
	}
	return terms
}

func overlap(terms []string, text string) int {
	score := 0
	for _, t := range terms {
		if strings.Contains(text, t) {
			score++
		}
	}
	return score
}
