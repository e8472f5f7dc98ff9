package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"majordomo/internal/scheduler"
)

func (r *Registry) registerBuiltins() {
	r.Register(&Tool{
		Name:        "current_time",
		Description: "Get the current date and time, including the day of the week and timezone.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Handler: handleCurrentTime,
	})

	if r.deps.Scheduler != nil {
		r.Register(&Tool{
			Name:        "schedule_task",
			Description: "Schedule a future action: a reminder, a deferred reply, or a deferred tool call. Supports one-shot and recurring schedules.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"text": map[string]any{
						"type":        "string",
						"description": "What this task is about, shown when it fires.",
					},
					"when": map[string]any{
						"type":        "string",
						"description": "When to fire: duration ('30m', '2h'), 'in 30 minutes', RFC3339 timestamp, or a clock time like '15:04'.",
					},
					"repeat": map[string]any{
						"type":        "string",
						"description": "Optional recurrence: 'daily', 'weekly', 'monthly', or 'every N minutes/hours/days'.",
					},
					"until": map[string]any{
						"type":        "string",
						"description": "Optional RFC3339 timestamp after which a recurring task stops.",
					},
					"prompt": map[string]any{
						"type":        "string",
						"description": "Optional: a request to answer when the task fires, instead of a plain reminder. Tool outputs from this turn are carried along.",
					},
					"tool": map[string]any{
						"type":        "string",
						"description": "Optional: a tool to invoke when the task fires.",
					},
					"tool_args": map[string]any{
						"type":        "object",
						"description": "Arguments for the deferred tool call.",
					},
				},
				"required": []string{"text", "when"},
			},
			Handler: r.handleScheduleTask,
		})

		r.Register(&Tool{
			Name:        "list_tasks",
			Description: "List all scheduled tasks with their due times and recurrence.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
			Handler: r.handleListTasks,
		})

		r.Register(&Tool{
			Name:        "cancel_task",
			Description: "Cancel a scheduled task by its ID.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"id": map[string]any{
						"type":        "string",
						"description": "The task ID to cancel (from list_tasks).",
					},
				},
				"required": []string{"id"},
			},
			Handler: r.handleCancelTask,
		})
	}

	if r.deps.Notes != nil {
		r.Register(&Tool{
			Name:        "remember",
			Description: "Save a fact for later. Use when the user shares something worth keeping: preferences, names, codes, standing instructions.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"content": map[string]any{
						"type":        "string",
						"description": "The fact to remember, phrased so it makes sense on its own later.",
					},
				},
				"required": []string{"content"},
			},
			Handler: r.handleRemember,
		})

		r.Register(&Tool{
			Name:        "recall",
			Description: "Search saved facts and indexed documents for information relevant to a query.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "What to look for.",
					},
				},
				"required": []string{"query"},
			},
			Handler: r.handleRecall,
		})
	}

	if r.deps.Geo != nil {
		r.Register(&Tool{
			Name:        "locate_ip",
			Description: "Look up the approximate geographic location of an IP address.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"ip": map[string]any{
						"type":        "string",
						"description": "The IP address to locate. Leave empty for the server's own public address.",
					},
				},
			},
			Handler: r.handleLocateIP,
		})
	}

	if r.deps.Fetcher != nil {
		r.Register(&Tool{
			Name:        "fetch_url",
			Description: "Download a web page and return its readable text content.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"url": map[string]any{
						"type":        "string",
						"description": "URL to fetch and extract content from.",
					},
					"max_chars": map[string]any{
						"type":        "integer",
						"description": "Maximum characters to return. Default: 50000.",
					},
				},
				"required": []string{"url"},
			},
			Handler: r.handleFetchURL,
		})
	}
}

func handleCurrentTime(_ context.Context, _ map[string]any, _ *Results) (string, error) {
	now := time.Now()
	return fmt.Sprintf("%s (%s)", now.Format("Monday, January 2, 2006 at 15:04:05 MST"), now.Format(time.RFC3339)), nil
}

func (r *Registry) handleScheduleTask(ctx context.Context, args map[string]any, results *Results) (string, error) {
	text, _ := args["text"].(string)
	when, _ := args["when"].(string)
	if text == "" || when == "" {
		return "", fmt.Errorf("schedule_task: text and when are required")
	}

	dueAt, err := parseWhen(when, time.Now())
	if err != nil {
		return "", fmt.Errorf("schedule_task: %w", err)
	}

	repeat, _ := args["repeat"].(string)
	rec, err := parseRepeat(repeat)
	if err != nil {
		return "", fmt.Errorf("schedule_task: %w", err)
	}
	if until, _ := args["until"].(string); until != "" {
		end, err := time.Parse(time.RFC3339, until)
		if err != nil {
			return "", fmt.Errorf("schedule_task: invalid until: %w", err)
		}
		rec.EndAt = &end
	}

	task := &scheduler.Task{
		SessionID:  SessionIDFromContext(ctx),
		Text:       text,
		DueAt:      dueAt,
		Recurrence: rec,
	}

	prompt, _ := args["prompt"].(string)
	toolName, _ := args["tool"].(string)
	switch {
	case prompt != "" && toolName != "":
		return "", fmt.Errorf("schedule_task: prompt and tool are mutually exclusive")
	case prompt != "":
		task.Payload = scheduler.DeferredReplyPayload{
			Prompt:       prompt,
			PriorResults: results.Strings(),
		}
	case toolName != "":
		toolArgs, _ := args["tool_args"].(map[string]any)
		task.Payload = scheduler.DeferredToolCallPayload{Tool: toolName, Args: toolArgs}
	default:
		task.Payload = scheduler.PlainPayload{}
	}

	if err := r.deps.Scheduler.Add(task); err != nil {
		return "", fmt.Errorf("schedule_task: %w", err)
	}

	desc := fmt.Sprintf("Scheduled task %s (%s) for %s", task.ID, task.Kind(), dueAt.Format(time.RFC3339))
	if rec.IsRecurring() {
		desc += fmt.Sprintf(", repeating %s", repeat)
	}
	return desc, nil
}

func (r *Registry) handleListTasks(_ context.Context, _ map[string]any, _ *Results) (string, error) {
	all, err := r.deps.Scheduler.List()
	if err != nil {
		return "", fmt.Errorf("list_tasks: %w", err)
	}
	if len(all) == 0 {
		return "No scheduled tasks.", nil
	}

	var b strings.Builder
	for _, t := range all {
		fmt.Fprintf(&b, "- %s [%s] due %s: %s", t.ID, t.Kind(), t.DueAt.Format(time.RFC3339), t.Text)
		if t.Recurrence.IsRecurring() {
			fmt.Fprintf(&b, " (repeats %s", t.Recurrence.Type)
			if end := t.Recurrence.EndAt; end != nil {
				fmt.Fprintf(&b, " until %s", end.Format(time.RFC3339))
			}
			b.WriteString(")")
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (r *Registry) handleCancelTask(_ context.Context, args map[string]any, _ *Results) (string, error) {
	id, _ := args["id"].(string)
	if id == "" {
		return "", fmt.Errorf("cancel_task: id is required")
	}
	if err := r.deps.Scheduler.Delete(id); err != nil {
		return "", fmt.Errorf("cancel_task: %w", err)
	}
	return fmt.Sprintf("Cancelled task %s", id), nil
}

func (r *Registry) handleRemember(ctx context.Context, args map[string]any, _ *Results) (string, error) {
	content, _ := args["content"].(string)
	if content == "" {
		return "", fmt.Errorf("remember: content is required")
	}

	id, err := r.deps.Notes.SaveNote(ctx, content)
	if err != nil {
		return "", fmt.Errorf("remember: %w", err)
	}

	// Index into the vector store as well when retrieval is wired, so
	// recall finds it semantically and not just by keyword.
	if r.deps.Retriever != nil {
		if _, err := r.deps.Retriever.IndexMarkdown(ctx, "note:"+id, content); err != nil {
			r.logger.Warn("note not indexed for retrieval", "id", id, "error", err)
		}
	}

	return fmt.Sprintf("Remembered (note %s).", id), nil
}

func (r *Registry) handleRecall(ctx context.Context, args map[string]any, _ *Results) (string, error) {
	query, _ := args["query"].(string)
	if query == "" {
		return "", fmt.Errorf("recall: query is required")
	}

	var b strings.Builder

	if r.deps.Retriever != nil {
		snippets, err := r.deps.Retriever.Context(ctx, query, 3)
		if err != nil {
			r.logger.Warn("retrieval query failed, falling back to keyword match", "error", err)
		}
		for _, sn := range snippets {
			fmt.Fprintf(&b, "[%s] %s\n", sn.Source, sn.Content)
		}
	}

	if b.Len() == 0 {
		notes, err := r.deps.Notes.ListNotes(ctx)
		if err != nil {
			return "", fmt.Errorf("recall: %w", err)
		}
		for _, n := range rankNotes(query, notes, 3) {
			fmt.Fprintf(&b, "[note:%s] %s\n", n.ID, n.Content)
		}
	}

	if b.Len() == 0 {
		return "Nothing relevant found.", nil
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (r *Registry) handleLocateIP(ctx context.Context, args map[string]any, _ *Results) (string, error) {
	ip, _ := args["ip"].(string)

	loc, err := r.deps.Geo.Lookup(ctx, ip)
	if err != nil {
		return "", fmt.Errorf("locate_ip: %w", err)
	}

	out, err := json.Marshal(loc)
	if err != nil {
		return "", fmt.Errorf("locate_ip: %w", err)
	}
	return string(out), nil
}

func (r *Registry) handleFetchURL(ctx context.Context, args map[string]any, _ *Results) (string, error) {
	url, _ := args["url"].(string)
	if url == "" {
		return "", fmt.Errorf("fetch_url: url is required")
	}

	maxChars := 0
	if mc, ok := args["max_chars"].(float64); ok && mc > 0 {
		maxChars = int(mc)
	}

	page, err := r.deps.Fetcher.Fetch(ctx, url, maxChars)
	if err != nil {
		return "", err
	}

	out, err := json.Marshal(page)
	if err != nil {
		return fmt.Sprintf("Title: %s\n\n%s", page.Title, page.Content), nil
	}
	return string(out), nil
}
