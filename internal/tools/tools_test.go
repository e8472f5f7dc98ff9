package tools

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"majordomo/internal/scheduler"
)

type fakeScheduler struct {
	tasks   []*scheduler.Task
	deleted []string
}

func (f *fakeScheduler) Add(t *scheduler.Task) error {
	if t.ID == "" {
		t.ID = "task-1"
	}
	f.tasks = append(f.tasks, t)
	return nil
}

func (f *fakeScheduler) List() ([]*scheduler.Task, error) {
	return f.tasks, nil
}

func (f *fakeScheduler) Delete(id string) error {
	f.deleted = append(f.deleted, id)
	for i, t := range f.tasks {
		if t.ID == id {
			f.tasks = append(f.tasks[:i], f.tasks[i+1:]...)
			return nil
		}
	}
	return scheduler.ErrNotFound
}

func testRegistry(deps Deps) *Registry {
	return NewRegistry(slog.New(slog.DiscardHandler), deps)
}

func TestBuiltinsFollowDeps(t *testing.T) {
	bare := testRegistry(Deps{})
	if bare.Get("current_time") == nil {
		t.Error("current_time missing from bare registry")
	}
	for _, name := range []string{"schedule_task", "list_tasks", "cancel_task", "remember", "recall", "locate_ip", "fetch_url"} {
		if bare.Get(name) != nil {
			t.Errorf("%s registered without its collaborator", name)
		}
	}

	withSched := testRegistry(Deps{Scheduler: &fakeScheduler{}})
	for _, name := range []string{"schedule_task", "list_tasks", "cancel_task"} {
		if withSched.Get(name) == nil {
			t.Errorf("%s missing with scheduler wired", name)
		}
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	r := testRegistry(Deps{})

	_, err := r.Execute(context.Background(), "juggle", "{}", &Results{})
	var unavail *ErrToolUnavailable
	if !errors.As(err, &unavail) {
		t.Fatalf("err = %v, want ErrToolUnavailable", err)
	}
	if unavail.ToolName != "juggle" {
		t.Errorf("ToolName = %q", unavail.ToolName)
	}
}

func TestExecuteInvalidArguments(t *testing.T) {
	r := testRegistry(Deps{})
	if _, err := r.Execute(context.Background(), "current_time", "{not json", &Results{}); err == nil {
		t.Error("expected error for malformed arguments")
	}
}

func TestExecuteRecordsResult(t *testing.T) {
	r := testRegistry(Deps{})
	results := &Results{}

	out, err := r.Execute(context.Background(), "current_time", "", results)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out == "" {
		t.Error("current_time returned empty output")
	}

	all := results.All()
	if len(all) != 1 || all[0].Tool != "current_time" || all[0].Output != out {
		t.Errorf("results = %+v", all)
	}
}

func TestScheduleTaskPlain(t *testing.T) {
	sched := &fakeScheduler{}
	r := testRegistry(Deps{Scheduler: sched})

	ctx := WithSessionID(context.Background(), "kitchen")
	out, err := r.Execute(ctx, "schedule_task",
		`{"text":"take out trash","when":"30m"}`, &Results{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(out, "Scheduled task") {
		t.Errorf("output = %q", out)
	}

	if len(sched.tasks) != 1 {
		t.Fatalf("scheduler has %d tasks, want 1", len(sched.tasks))
	}
	task := sched.tasks[0]
	if task.Kind() != scheduler.KindPlain {
		t.Errorf("kind = %q, want plain", task.Kind())
	}
	if task.SessionID != "kitchen" {
		t.Errorf("session = %q, want kitchen", task.SessionID)
	}
	wantDue := time.Now().Add(30 * time.Minute)
	if diff := task.DueAt.Sub(wantDue); diff < -time.Minute || diff > time.Minute {
		t.Errorf("due = %v, want about %v", task.DueAt, wantDue)
	}
}

func TestScheduleTaskDeferredReplyCapturesResults(t *testing.T) {
	sched := &fakeScheduler{}
	r := testRegistry(Deps{Scheduler: sched})

	results := &Results{}
	results.Add("current_time", "Friday 10:00")

	_, err := r.Execute(context.Background(), "schedule_task",
		`{"text":"evening summary","when":"2h","prompt":"summarize what happened today"}`, results)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	payload, ok := sched.tasks[0].Payload.(scheduler.DeferredReplyPayload)
	if !ok {
		t.Fatalf("payload type = %T", sched.tasks[0].Payload)
	}
	if payload.Prompt != "summarize what happened today" {
		t.Errorf("prompt = %q", payload.Prompt)
	}
	if len(payload.PriorResults) != 1 || !strings.Contains(payload.PriorResults[0], "Friday 10:00") {
		t.Errorf("prior results = %v", payload.PriorResults)
	}
}

func TestScheduleTaskDeferredToolCall(t *testing.T) {
	sched := &fakeScheduler{}
	r := testRegistry(Deps{Scheduler: sched})

	_, err := r.Execute(context.Background(), "schedule_task",
		`{"text":"morning news","when":"8:00am","tool":"fetch_url","tool_args":{"url":"https://news.example.com"}}`, &Results{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	payload, ok := sched.tasks[0].Payload.(scheduler.DeferredToolCallPayload)
	if !ok {
		t.Fatalf("payload type = %T", sched.tasks[0].Payload)
	}
	if payload.Tool != "fetch_url" {
		t.Errorf("tool = %q", payload.Tool)
	}
	if payload.Args["url"] != "https://news.example.com" {
		t.Errorf("args = %v", payload.Args)
	}
}

func TestScheduleTaskPromptAndToolConflict(t *testing.T) {
	r := testRegistry(Deps{Scheduler: &fakeScheduler{}})

	_, err := r.Execute(context.Background(), "schedule_task",
		`{"text":"x","when":"1h","prompt":"p","tool":"t"}`, &Results{})
	if err == nil {
		t.Error("expected error for prompt and tool together")
	}
}

func TestScheduleTaskRecurring(t *testing.T) {
	sched := &fakeScheduler{}
	r := testRegistry(Deps{Scheduler: sched})

	_, err := r.Execute(context.Background(), "schedule_task",
		`{"text":"standup","when":"1h","repeat":"daily","until":"2026-12-31T00:00:00Z"}`, &Results{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	rec := sched.tasks[0].Recurrence
	if rec.Type != scheduler.RecurrenceDaily {
		t.Errorf("recurrence = %q", rec.Type)
	}
	if rec.EndAt == nil || rec.EndAt.Year() != 2026 {
		t.Errorf("end_at = %v", rec.EndAt)
	}
}

func TestListAndCancelTasks(t *testing.T) {
	sched := &fakeScheduler{}
	r := testRegistry(Deps{Scheduler: sched})
	ctx := context.Background()

	out, err := r.Execute(ctx, "list_tasks", "", &Results{})
	if err != nil {
		t.Fatalf("list_tasks: %v", err)
	}
	if out != "No scheduled tasks." {
		t.Errorf("empty list output = %q", out)
	}

	if _, err := r.Execute(ctx, "schedule_task", `{"text":"thing","when":"1h"}`, &Results{}); err != nil {
		t.Fatalf("schedule_task: %v", err)
	}

	out, err = r.Execute(ctx, "list_tasks", "", &Results{})
	if err != nil {
		t.Fatalf("list_tasks: %v", err)
	}
	if !strings.Contains(out, "thing") || !strings.Contains(out, "task-1") {
		t.Errorf("list output = %q", out)
	}

	out, err = r.Execute(ctx, "cancel_task", `{"id":"task-1"}`, &Results{})
	if err != nil {
		t.Fatalf("cancel_task: %v", err)
	}
	if !strings.Contains(out, "task-1") {
		t.Errorf("cancel output = %q", out)
	}
	if len(sched.deleted) != 1 || sched.deleted[0] != "task-1" {
		t.Errorf("deleted = %v", sched.deleted)
	}
}

func TestFilteredAndSchema(t *testing.T) {
	r := testRegistry(Deps{Scheduler: &fakeScheduler{}})

	subset := r.Filtered([]string{"current_time", "no_such_tool"})
	if len(subset) != 1 || subset[0].Name != "current_time" {
		t.Errorf("Filtered = %+v", subset)
	}

	if got := r.Filtered(nil); len(got) != len(r.Names()) {
		t.Errorf("Filtered(nil) = %d tools, want %d", len(got), len(r.Names()))
	}

	schema := Schema(subset)
	if len(schema) != 1 {
		t.Fatalf("Schema len = %d", len(schema))
	}
	fn, ok := schema[0]["function"].(map[string]any)
	if !ok || fn["name"] != "current_time" {
		t.Errorf("schema = %+v", schema[0])
	}
}

func TestSessionIDFromContext(t *testing.T) {
	if got := SessionIDFromContext(context.Background()); got != "default" {
		t.Errorf("default session = %q", got)
	}
	ctx := WithSessionID(context.Background(), "attic")
	if got := SessionIDFromContext(ctx); got != "attic" {
		t.Errorf("session = %q", got)
	}
}
