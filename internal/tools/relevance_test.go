package tools

import (
	"testing"

	"majordomo/internal/memory"
)

func namedTools(specs ...[2]string) []*Tool {
	out := make([]*Tool, 0, len(specs))
	for _, s := range specs {
		out = append(out, &Tool{Name: s[0], Description: s[1]})
	}
	return out
}

func TestRelevantKeepsSmallSets(t *testing.T) {
	ts := namedTools(
		[2]string{"current_time", "Get the current time"},
		[2]string{"fetch_url", "Download a page"},
	)
	got := Relevant("anything at all", ts, 5)
	if len(got) != 2 {
		t.Errorf("small set narrowed to %d tools", len(got))
	}
}

func TestRelevantRanksByOverlap(t *testing.T) {
	ts := namedTools(
		[2]string{"locate_ip", "Look up the geographic location of an IP address"},
		[2]string{"fetch_url", "Download a web page and return its text"},
		[2]string{"current_time", "Get the current date and time"},
		[2]string{"schedule_task", "Schedule a reminder or future action"},
	)

	got := Relevant("where is this ip address located", ts, 2)
	if len(got) != 2 {
		t.Fatalf("got %d tools, want 2", len(got))
	}
	if got[0].Name != "locate_ip" {
		t.Errorf("top tool = %q, want locate_ip", got[0].Name)
	}
}

func TestRelevantStableOnTies(t *testing.T) {
	ts := namedTools(
		[2]string{"a", "nothing in common"},
		[2]string{"b", "nothing in common"},
		[2]string{"c", "nothing in common"},
	)
	got := Relevant("zzz qqq xxx", ts, 2)
	if got[0].Name != "a" || got[1].Name != "b" {
		t.Errorf("tie order = %q, %q; want a, b", got[0].Name, got[1].Name)
	}
}

func TestRankNotes(t *testing.T) {
	notes := []memory.Note{
		{ID: "1", Content: "the garage code is 4455"},
		{ID: "2", Content: "marta prefers oat milk in coffee"},
		{ID: "3", Content: "car service booked for October"},
	}

	got := rankNotes("what is the garage door code", notes, 2)
	if len(got) == 0 || got[0].ID != "1" {
		t.Fatalf("rankNotes = %+v, want garage note first", got)
	}

	if got := rankNotes("completely unrelated xylophone", notes, 2); len(got) != 0 {
		t.Errorf("irrelevant query matched %d notes", len(got))
	}
}
