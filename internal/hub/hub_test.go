package hub

import (
	"errors"
	"sync"
	"testing"
)

// fakeSub records delivered events and can be told to fail.
type fakeSub struct {
	mu     sync.Mutex
	events []Event
	fail   bool
}

func (f *fakeSub) Send(e Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("connection gone")
	}
	f.events = append(f.events, e)
	return nil
}

func (f *fakeSub) received() []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Event, len(f.events))
	copy(out, f.events)
	return out
}

func TestPublishSessionIsolation(t *testing.T) {
	h := New(nil)

	subA := &fakeSub{}
	subB := &fakeSub{}
	h.Subscribe("session-a", subA)
	h.Subscribe("session-b", subB)

	h.Publish("session-a", Event{Type: EventNewMessage, Data: map[string]any{"content": "hi"}})

	if got := len(subA.received()); got != 1 {
		t.Errorf("session-a received %d events, want 1", got)
	}
	if got := len(subB.received()); got != 0 {
		t.Errorf("session-b received %d events, want 0 (isolation broken)", got)
	}

	if e := subA.received()[0]; e.SessionID != "session-a" {
		t.Errorf("SessionID = %q, want session-a", e.SessionID)
	}
}

func TestPublishGlobalReachesAllGlobals(t *testing.T) {
	h := New(nil)

	g1 := &fakeSub{}
	g2 := &fakeSub{}
	sessionOnly := &fakeSub{}
	h.SubscribeGlobal(g1)
	h.SubscribeGlobal(g2)
	h.Subscribe("session-a", sessionOnly)

	h.PublishGlobal(Event{Type: EventShowNotification})

	for i, g := range []*fakeSub{g1, g2} {
		if got := len(g.received()); got != 1 {
			t.Errorf("global sub %d received %d, want 1", i, got)
		}
	}
	if got := len(sessionOnly.received()); got != 0 {
		t.Errorf("session subscriber received %d global events, want 0", got)
	}
}

func TestMultipleSubscribersPerSession(t *testing.T) {
	h := New(nil)

	tab1 := &fakeSub{}
	tab2 := &fakeSub{}
	h.Subscribe("s", tab1)
	h.Subscribe("s", tab2)

	h.Publish("s", Event{Type: EventStreamingText})

	if len(tab1.received()) != 1 || len(tab2.received()) != 1 {
		t.Errorf("both tabs should receive: %d/%d", len(tab1.received()), len(tab2.received()))
	}
}

func TestDeadSubscriberPruned(t *testing.T) {
	h := New(nil)

	alive := &fakeSub{}
	dead := &fakeSub{fail: true}
	h.Subscribe("s", alive)
	h.Subscribe("s", dead)

	h.Publish("s", Event{Type: EventNewMessage})

	if got := h.SubscriberCount("s"); got != 1 {
		t.Errorf("SubscriberCount = %d, want 1 after prune", got)
	}

	// Second publish still reaches the survivor.
	h.Publish("s", Event{Type: EventNewMessage})
	if got := len(alive.received()); got != 2 {
		t.Errorf("alive received %d, want 2", got)
	}
}

func TestPublishOrderWithinSession(t *testing.T) {
	h := New(nil)
	sub := &fakeSub{}
	h.Subscribe("s", sub)

	h.Publish("s", Event{Type: EventStreamingText, Data: map[string]any{"iteration": 0}})
	h.Publish("s", Event{Type: EventToolResult})
	h.Publish("s", Event{Type: EventNewMessage})

	got := sub.received()
	want := []string{EventStreamingText, EventToolResult, EventNewMessage}
	if len(got) != len(want) {
		t.Fatalf("received %d events, want %d", len(got), len(want))
	}
	for i, w := range want {
		if got[i].Type != w {
			t.Errorf("event %d = %s, want %s", i, got[i].Type, w)
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	h := New(nil)
	sub := &fakeSub{}
	h.Subscribe("s", sub)
	h.Unsubscribe("s", sub)

	h.Publish("s", Event{Type: EventNewMessage})
	if got := len(sub.received()); got != 0 {
		t.Errorf("received %d after unsubscribe, want 0", got)
	}
}

func TestNilHubIsNoop(t *testing.T) {
	var h *Hub
	h.Publish("s", Event{Type: EventNewMessage}) // must not panic
	h.PublishGlobal(Event{Type: EventShowNotification})
	if h.SubscriberCount("s") != 0 || h.GlobalSubscriberCount() != 0 {
		t.Error("nil hub counts should be zero")
	}
}

func TestConcurrentPublishAndSubscribe(t *testing.T) {
	h := New(nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			sub := &fakeSub{}
			h.Subscribe("s", sub)
			h.Unsubscribe("s", sub)
		}()
		go func() {
			defer wg.Done()
			h.Publish("s", Event{Type: EventStreamingText})
		}()
	}
	wg.Wait()
}
