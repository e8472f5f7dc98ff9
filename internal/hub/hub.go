// Package hub provides the real-time broadcast hub. Events flow from
// components (conversation orchestrator, task scheduler) to whichever UI
// connections are currently subscribed to a session, plus a global
// channel for cross-session notifications. The hub knows nothing about
// conversation or scheduling logic, and is nil-safe: calling Publish on
// a nil *Hub is a no-op, so components do not need guard checks.
package hub

import (
	"log/slog"
	"sync"
)

// Event types delivered to subscribers.
const (
	// EventConnected confirms a new subscription.
	EventConnected = "connected"
	// EventStreamingText carries one loop iteration's intermediate text.
	// Data: text, iteration.
	EventStreamingText = "streaming_text"
	// EventToolResult carries one executed tool's result.
	// Data: tool, result, correlation_id.
	EventToolResult = "tool_result"
	// EventNewMessage carries a completed message for the session.
	// Data: role, content.
	EventNewMessage = "new_message"
	// EventSessionUpdated signals session metadata changed.
	EventSessionUpdated = "session_updated"
	// EventShowNotification asks UIs to surface a notification.
	// Data: title, body.
	EventShowNotification = "show_notification"
)

// Event is a single frame delivered to subscribers. Delivery is
// fire-and-forget: attempted once to every subscriber registered at
// publish time, with no queueing for absent ones.
type Event struct {
	Type      string         `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Subscriber is a live delivery handle. Send returning an error marks
// the subscriber dead; the hub prunes it and never retries.
type Subscriber interface {
	Send(Event) error
}

// Hub maintains per-session and global subscriber sets.
type Hub struct {
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]map[Subscriber]struct{}
	global   map[Subscriber]struct{}
}

// New creates an empty hub.
func New(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:   logger.With("component", "hub"),
		sessions: make(map[string]map[Subscriber]struct{}),
		global:   make(map[Subscriber]struct{}),
	}
}

// Subscribe registers a handle against a session. Multiple subscribers
// per session are expected (multi-tab UIs).
func (h *Hub) Subscribe(sessionID string, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.sessions[sessionID]
	if set == nil {
		set = make(map[Subscriber]struct{})
		h.sessions[sessionID] = set
	}
	set[sub] = struct{}{}
}

// Unsubscribe removes a session subscription. No-op if absent.
func (h *Hub) Unsubscribe(sessionID string, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.sessions[sessionID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.sessions, sessionID)
		}
	}
}

// SubscribeGlobal registers a handle on the cross-session channel.
func (h *Hub) SubscribeGlobal(sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.global[sub] = struct{}{}
}

// UnsubscribeGlobal removes a global subscription. No-op if absent.
func (h *Hub) UnsubscribeGlobal(sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.global, sub)
}

// Publish delivers an event to every subscriber of the session.
// Within one Publish call delivery is sequential, so publishes to the
// same session preserve call order. Dead subscribers are pruned.
// Safe to call on a nil receiver (no-op).
func (h *Hub) Publish(sessionID string, e Event) {
	if h == nil {
		return
	}
	e.SessionID = sessionID

	h.mu.RLock()
	subs := make([]Subscriber, 0, len(h.sessions[sessionID]))
	for sub := range h.sessions[sessionID] {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	for _, dead := range h.deliver(subs, e) {
		h.Unsubscribe(sessionID, dead)
	}
}

// PublishGlobal delivers an event to every global subscriber.
// Safe to call on a nil receiver (no-op).
func (h *Hub) PublishGlobal(e Event) {
	if h == nil {
		return
	}

	h.mu.RLock()
	subs := make([]Subscriber, 0, len(h.global))
	for sub := range h.global {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	for _, dead := range h.deliver(subs, e) {
		h.UnsubscribeGlobal(dead)
	}
}

// deliver attempts delivery to each handle and returns the ones whose
// delivery failed. A dead subscriber is pruned lazily, not proactively.
func (h *Hub) deliver(subs []Subscriber, e Event) []Subscriber {
	var dead []Subscriber
	for _, sub := range subs {
		if err := sub.Send(e); err != nil {
			h.logger.Debug("pruning dead subscriber",
				"event_type", e.Type,
				"session", e.SessionID,
				"error", err,
			)
			dead = append(dead, sub)
		}
	}
	return dead
}

// SubscriberCount returns the number of subscribers for a session.
func (h *Hub) SubscriberCount(sessionID string) int {
	if h == nil {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}

// GlobalSubscriberCount returns the number of global subscribers.
func (h *Hub) GlobalSubscriberCount() int {
	if h == nil {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.global)
}
