package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"majordomo/internal/hub"
	"majordomo/internal/llm"
	"majordomo/internal/orchestrator"
	"majordomo/internal/scheduler"
	"majordomo/internal/tools"
)

type fakeRunner struct {
	reply *orchestrator.Reply
	err   error

	gotMessage string
	gotSession string
	gotOpts    orchestrator.Options
}

func (f *fakeRunner) Converse(_ context.Context, userMessage string, _ []llm.Message, _ []string, sessionID string, opts orchestrator.Options) (*orchestrator.Reply, error) {
	f.gotMessage = userMessage
	f.gotSession = sessionID
	f.gotOpts = opts
	return f.reply, f.err
}

type fakeExecutor struct {
	output string
	err    error

	gotName string
	gotArgs string
}

func (f *fakeExecutor) Execute(_ context.Context, name, argsJSON string, _ *tools.Results) (string, error) {
	f.gotName = name
	f.gotArgs = argsJSON
	return f.output, f.err
}

type fakeSaver struct {
	saved []llm.Message
}

func (f *fakeSaver) SaveMessage(_ context.Context, _ string, msg llm.Message) error {
	f.saved = append(f.saved, msg)
	return nil
}

// scriptedClient returns canned responses in order.
type scriptedClient struct {
	mu        sync.Mutex
	responses []*llm.Response
	err       error
}

func (c *scriptedClient) Chat(context.Context, *llm.Request) (*llm.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	if len(c.responses) == 0 {
		return &llm.Response{Message: llm.Message{Role: "assistant"}}, nil
	}
	resp := c.responses[0]
	c.responses = c.responses[1:]
	return resp, nil
}

func (c *scriptedClient) Ping(context.Context) error { return nil }

type collectSub struct {
	mu     sync.Mutex
	events []hub.Event
}

func (c *collectSub) Send(e hub.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *collectSub) all() []hub.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]hub.Event(nil), c.events...)
}

func newExec() (*taskExec, *fakeRunner, *fakeExecutor, *fakeSaver, *collectSub) {
	runner := &fakeRunner{reply: &orchestrator.Reply{Text: "done"}}
	executor := &fakeExecutor{output: "42"}
	saver := &fakeSaver{}
	sub := &collectSub{}

	h := hub.New(slog.New(slog.DiscardHandler))
	h.Subscribe("s1", sub)
	h.SubscribeGlobal(sub)

	e := &taskExec{
		logger:  slog.New(slog.DiscardHandler),
		hub:     h,
		runner:  runner,
		tools:   executor,
		client:  &scriptedClient{},
		history: saver,
		opts:    orchestrator.Options{Model: "test-model"},
	}
	return e, runner, executor, saver, sub
}

func TestDispatchPlainDeliversText(t *testing.T) {
	e, _, _, saver, sub := newExec()

	task := &scheduler.Task{
		ID:        "t1",
		SessionID: "s1",
		Text:      "water the plants",
		DueAt:     time.Now(),
		Payload:   scheduler.PlainPayload{},
	}
	if err := e.Dispatch(context.Background(), task); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if len(saver.saved) != 1 || saver.saved[0].Content != "water the plants" {
		t.Errorf("saved = %+v", saver.saved)
	}

	events := sub.all()
	var haveMessage, haveNotification bool
	for _, ev := range events {
		switch ev.Type {
		case hub.EventNewMessage:
			haveMessage = true
			if ev.Data["content"] != "water the plants" {
				t.Errorf("message data = %v", ev.Data)
			}
		case hub.EventShowNotification:
			haveNotification = true
			if ev.Data["body"] != "water the plants" {
				t.Errorf("notification data = %v", ev.Data)
			}
		}
	}
	if !haveMessage || !haveNotification {
		t.Errorf("events = %+v", events)
	}
}

func TestDispatchDeferredReplyPrependsPriorResults(t *testing.T) {
	e, runner, _, saver, _ := newExec()

	task := &scheduler.Task{
		ID:        "t2",
		SessionID: "s1",
		Text:      "evening digest",
		Payload: scheduler.DeferredReplyPayload{
			Prompt:       "summarize the day",
			PriorResults: []string{"fetch_url: cloudy tomorrow"},
		},
	}
	if err := e.Dispatch(context.Background(), task); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if runner.gotSession != "s1" {
		t.Errorf("session = %q", runner.gotSession)
	}
	if runner.gotOpts.UsageRole != orchestrator.UsageRoleScheduled {
		t.Errorf("usage role = %q, want scheduled", runner.gotOpts.UsageRole)
	}
	if !strings.Contains(runner.gotMessage, "cloudy tomorrow") {
		t.Errorf("prior results not prepended: %q", runner.gotMessage)
	}
	if !strings.Contains(runner.gotMessage, "summarize the day") {
		t.Errorf("prompt missing: %q", runner.gotMessage)
	}
	if len(saver.saved) != 1 || saver.saved[0].Content != "done" {
		t.Errorf("saved = %+v", saver.saved)
	}
}

func TestDispatchDeferredReplyError(t *testing.T) {
	e, runner, _, saver, _ := newExec()
	runner.err = fmt.Errorf("llm request: status 500")

	task := &scheduler.Task{
		ID:      "t3",
		Payload: scheduler.DeferredReplyPayload{Prompt: "p"},
	}
	if err := e.Dispatch(context.Background(), task); err == nil {
		t.Fatal("expected error")
	}
	if len(saver.saved) != 0 {
		t.Errorf("nothing should be delivered on failure, saved = %+v", saver.saved)
	}
}

func TestDispatchDeferredToolCall(t *testing.T) {
	e, _, executor, saver, _ := newExec()
	e.client = &scriptedClient{responses: []*llm.Response{
		{Message: llm.Message{Role: "assistant", Content: "The answer is 42."}},
	}}

	task := &scheduler.Task{
		ID:        "t4",
		SessionID: "s1",
		Text:      "check the answer",
		Payload: scheduler.DeferredToolCallPayload{
			Tool: "current_time",
			Args: map[string]any{"timezone": "UTC"},
		},
	}
	if err := e.Dispatch(context.Background(), task); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if executor.gotName != "current_time" {
		t.Errorf("tool = %q", executor.gotName)
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(executor.gotArgs), &args); err != nil {
		t.Fatalf("args not valid JSON: %q", executor.gotArgs)
	}
	if args["timezone"] != "UTC" {
		t.Errorf("args = %v", args)
	}

	if len(saver.saved) != 1 || saver.saved[0].Content != "The answer is 42." {
		t.Errorf("saved = %+v", saver.saved)
	}
}

func TestDispatchDeferredToolCallPhrasingFallback(t *testing.T) {
	e, _, _, saver, _ := newExec()
	e.client = &scriptedClient{err: fmt.Errorf("connection refused")}

	task := &scheduler.Task{
		ID:        "t5",
		SessionID: "s1",
		Text:      "check",
		Payload:   scheduler.DeferredToolCallPayload{Tool: "current_time"},
	}
	if err := e.Dispatch(context.Background(), task); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	// Raw output delivered when the phrasing call fails.
	if len(saver.saved) != 1 || saver.saved[0].Content != "42" {
		t.Errorf("saved = %+v", saver.saved)
	}
}

func TestDispatchDeferredToolCallExecuteError(t *testing.T) {
	e, _, executor, saver, _ := newExec()
	executor.err = fmt.Errorf("tool not available: nope")

	task := &scheduler.Task{
		ID:      "t6",
		Payload: scheduler.DeferredToolCallPayload{Tool: "nope"},
	}
	if err := e.Dispatch(context.Background(), task); err == nil {
		t.Fatal("expected error")
	}
	if len(saver.saved) != 0 {
		t.Errorf("saved = %+v", saver.saved)
	}
}

func TestDispatchDefaultsSession(t *testing.T) {
	e, runner, _, _, _ := newExec()

	task := &scheduler.Task{ID: "t7", Payload: scheduler.DeferredReplyPayload{Prompt: "p"}}
	if err := e.Dispatch(context.Background(), task); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if runner.gotSession != "default" {
		t.Errorf("session = %q", runner.gotSession)
	}
}
