// Package scheduler persists one-shot and recurring deferred work items
// and fires them at their due time.
package scheduler

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies what a task does when it fires.
type Kind string

const (
	// KindPlain synthesizes a notification message into the task's session.
	KindPlain Kind = "plain"
	// KindDeferredReply re-enters the conversation loop with a stored prompt.
	KindDeferredReply Kind = "deferred_reply"
	// KindDeferredToolCall invokes a named tool with stored arguments.
	KindDeferredToolCall Kind = "deferred_tool_call"
)

// Payload carries the kind-specific data for a task. Exactly one
// concrete variant exists per kind; a task never has optional fields
// for kinds it is not.
type Payload interface {
	Kind() Kind
}

// PlainPayload is a bare reminder; the task's Text is the notification.
type PlainPayload struct{}

// Kind implements Payload.
func (PlainPayload) Kind() Kind { return KindPlain }

// DeferredReplyPayload re-invokes the conversation orchestrator.
type DeferredReplyPayload struct {
	// Prompt is the stored request text.
	Prompt string `json:"prompt"`
	// PriorResults are tool outputs accumulated in the turn that
	// scheduled this task, prepended to the prompt for context.
	PriorResults []string `json:"prior_results,omitempty"`
}

// Kind implements Payload.
func (DeferredReplyPayload) Kind() Kind { return KindDeferredReply }

// DeferredToolCallPayload invokes a tool directly when the task fires.
type DeferredToolCallPayload struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args,omitempty"`
}

// Kind implements Payload.
func (DeferredToolCallPayload) Kind() Kind { return KindDeferredToolCall }

// RecurrenceType is the calendar unit a recurring task advances by.
type RecurrenceType string

const (
	RecurrenceNone     RecurrenceType = "none"
	RecurrenceMinutely RecurrenceType = "minutely"
	RecurrenceHourly   RecurrenceType = "hourly"
	RecurrenceDaily    RecurrenceType = "daily"
	RecurrenceWeekly   RecurrenceType = "weekly"
	RecurrenceMonthly  RecurrenceType = "monthly"
)

// Recurrence defines how a task repeats. A zero value means one-shot.
type Recurrence struct {
	Type     RecurrenceType `json:"type"`
	Interval int            `json:"interval,omitempty"` // units per step, >= 1
	EndAt    *time.Time     `json:"end_at,omitempty"`   // series ends once dueAt would pass this
}

// Valid reports whether t names a known recurrence unit.
func (t RecurrenceType) Valid() bool {
	switch t {
	case RecurrenceNone, RecurrenceMinutely, RecurrenceHourly,
		RecurrenceDaily, RecurrenceWeekly, RecurrenceMonthly:
		return true
	}
	return false
}

// IsRecurring reports whether the recurrence produces successors.
func (r Recurrence) IsRecurring() bool {
	return r.Type != "" && r.Type != RecurrenceNone
}

// Advance returns t moved forward by one recurrence step. Daily and
// coarser units use calendar arithmetic so a monthly task due on the
// 31st lands where time.AddDate puts it, matching user expectations
// across DST and month-length boundaries.
func (r Recurrence) Advance(t time.Time) time.Time {
	n := r.Interval
	if n < 1 {
		n = 1
	}
	switch r.Type {
	case RecurrenceMinutely:
		return t.Add(time.Duration(n) * time.Minute)
	case RecurrenceHourly:
		return t.Add(time.Duration(n) * time.Hour)
	case RecurrenceDaily:
		return t.AddDate(0, 0, n)
	case RecurrenceWeekly:
		return t.AddDate(0, 0, 7*n)
	case RecurrenceMonthly:
		return t.AddDate(0, n, 0)
	default:
		return t
	}
}

// Task is one deferred unit of work. A task's identity does not survive
// recurrence: each occurrence is a new entity with a fresh id, linked
// only by equal Text and Payload.
type Task struct {
	ID         string     `json:"id"`
	SessionID  string     `json:"session_id,omitempty"`
	Text       string     `json:"text"`
	DueAt      time.Time  `json:"due_at"`
	Payload    Payload    `json:"payload"`
	Recurrence Recurrence `json:"recurrence"`
	Notified   bool       `json:"notified"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Kind returns the task's payload kind, defaulting to plain.
func (t *Task) Kind() Kind {
	if t.Payload == nil {
		return KindPlain
	}
	return t.Payload.Kind()
}

// NextOccurrence returns the successor task for a recurring series, or
// false when the series ends here (one-shot, or the advanced due time
// would exceed EndAt). The successor carries no ID; the store assigns a
// fresh one on save.
func (t *Task) NextOccurrence() (*Task, bool) {
	if !t.Recurrence.IsRecurring() {
		return nil, false
	}

	next := t.Recurrence.Advance(t.DueAt)
	if end := t.Recurrence.EndAt; end != nil && next.After(*end) {
		return nil, false
	}

	return &Task{
		SessionID:  t.SessionID,
		Text:       t.Text,
		DueAt:      next,
		Payload:    t.Payload,
		Recurrence: t.Recurrence,
	}, true
}

// payloadEnvelope is the persisted form of a Payload.
type payloadEnvelope struct {
	Kind Kind            `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

// MarshalPayload serializes a payload with its kind discriminator.
func MarshalPayload(p Payload) ([]byte, error) {
	if p == nil {
		p = PlainPayload{}
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload data: %w", err)
	}
	return json.Marshal(payloadEnvelope{Kind: p.Kind(), Data: data})
}

// UnmarshalPayload reconstructs the concrete variant from its envelope.
func UnmarshalPayload(data []byte) (Payload, error) {
	var env payloadEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal payload envelope: %w", err)
	}

	switch env.Kind {
	case KindPlain, "":
		return PlainPayload{}, nil
	case KindDeferredReply:
		var p DeferredReplyPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("unmarshal deferred reply: %w", err)
		}
		return p, nil
	case KindDeferredToolCall:
		var p DeferredToolCallPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("unmarshal deferred tool call: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown payload kind %q", env.Kind)
	}
}
