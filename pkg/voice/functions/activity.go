package functions

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const activityLookback = 7 * 24 * time.Hour

var activityHandler = handler{
	name:        "get_recent_activity",
	description: "Look up what has happened in the care group over the last week: completed tasks, new documents, notes, and other updates.",
	parameters: json.RawMessage(`{
		"type": "object",
		"properties": {},
		"required": []
	}`),
	subject: "the recent activity",
	run: func(ctx context.Context, d *Dispatcher, scopeID string, a args) (string, error) {
		since := d.now().Add(-activityLookback)

		entries, err := d.store.RecentActivity(ctx, scopeID, since, 10)
		if err != nil {
			return "", err
		}
		if len(entries) == 0 {
			return "No recent activity in the last 7 days.", nil
		}

		var b strings.Builder
		fmt.Fprintf(&b, "There are %d updates from the last week. ", len(entries))
		for i, e := range entries {
			fmt.Fprintf(&b, "%d. %s", i+1, e.Title)
			if e.Kind != "" {
				fmt.Fprintf(&b, ", a %s update", e.Kind)
			}
			fmt.Fprintf(&b, " on %s", spokenDate(e.OccurredAt))
			if e.Notes != "" {
				fmt.Fprintf(&b, ": %s", excerpt(e.Notes, 100))
			}
			b.WriteString(". ")
		}
		return strings.TrimSpace(b.String()), nil
	},
}

// spokenTime renders a timestamp the way the assistant should say it.
func spokenTime(t time.Time) string {
	return t.Format("Monday, January 2 at 3:04 PM")
}

// spokenDate renders a date without the time of day.
func spokenDate(t time.Time) string {
	return t.Format("Monday, January 2")
}
