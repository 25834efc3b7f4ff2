package functions

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/evercare-dev/voice-bridge/pkg/care"
)

var tasksHandler = handler{
	name:        "get_tasks",
	description: "Look up care tasks for the group. Use status \"open\" for outstanding tasks, \"completed\" for finished ones, or \"all\".",
	parameters: json.RawMessage(`{
		"type": "object",
		"properties": {
			"status": {
				"type": "string",
				"enum": ["open", "completed", "all"],
				"description": "Which tasks to include. Defaults to open."
			}
		},
		"required": []
	}`),
	subject: "the tasks",
	run: func(ctx context.Context, d *Dispatcher, scopeID string, a args) (string, error) {
		status := care.TaskStatus(a.str("status", string(care.TaskStatusOpen)))
		switch status {
		case care.TaskStatusOpen, care.TaskStatusCompleted, care.TaskStatusAll:
		default:
			status = care.TaskStatusOpen
		}

		tasks, err := d.store.Tasks(ctx, scopeID, status, 10)
		if err != nil {
			return "", err
		}
		if len(tasks) == 0 {
			switch status {
			case care.TaskStatusCompleted:
				return "No completed tasks found.", nil
			case care.TaskStatusAll:
				return "No tasks found.", nil
			default:
				return "No open tasks found.", nil
			}
		}

		var b strings.Builder
		fmt.Fprintf(&b, "There are %d %s. ", len(tasks), taskNoun(status, len(tasks)))
		for i, task := range tasks {
			fmt.Fprintf(&b, "%d. %s", i+1, task.Description)
			if task.DueAt != nil {
				fmt.Fprintf(&b, ", due %s", spokenDate(*task.DueAt))
			}
			if task.AssigneeName != "" {
				fmt.Fprintf(&b, ", assigned to %s", task.AssigneeName)
			}
			// Medium is the implicit default; only call out the unusual ones.
			if task.Priority != "" && task.Priority != "medium" {
				fmt.Fprintf(&b, ", %s priority", task.Priority)
			}
			b.WriteString(". ")
		}
		return strings.TrimSpace(b.String()), nil
	},
}

func taskNoun(status care.TaskStatus, n int) string {
	noun := "tasks"
	if n == 1 {
		noun = "task"
	}
	switch status {
	case care.TaskStatusCompleted:
		return "completed " + noun
	case care.TaskStatusAll:
		return noun
	default:
		return "open " + noun
	}
}
