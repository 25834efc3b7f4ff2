package functions

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/evercare-dev/voice-bridge/pkg/care"
)

const (
	upcomingHorizon = 60 * 24 * time.Hour
	pastHorizon     = 30 * 24 * time.Hour
)

var appointmentsHandler = handler{
	name:        "get_appointments",
	description: "Look up appointments for the care group. Timeframe can be \"today\", \"tomorrow\", \"week\", \"upcoming\", or \"past\".",
	parameters: json.RawMessage(`{
		"type": "object",
		"properties": {
			"timeframe": {
				"type": "string",
				"enum": ["today", "tomorrow", "week", "upcoming", "past"],
				"description": "Which period to look at. Defaults to upcoming."
			}
		},
		"required": []
	}`),
	subject: "the appointments",
	run: func(ctx context.Context, d *Dispatcher, scopeID string, a args) (string, error) {
		timeframe := a.str("timeframe", "upcoming")
		now := d.now()
		startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

		var w care.Window
		var phrase string
		switch timeframe {
		case "past":
			w = care.Window{From: now.Add(-pastHorizon), To: now, Descending: true, Limit: 10}
			phrase = "in the past month"
		case "today":
			w = care.Window{From: startOfDay, To: startOfDay.Add(24 * time.Hour), Limit: 10}
			phrase = "today"
		case "tomorrow":
			w = care.Window{From: startOfDay.Add(24 * time.Hour), To: startOfDay.Add(48 * time.Hour), Limit: 10}
			phrase = "tomorrow"
		case "week":
			w = care.Window{From: now, To: now.Add(7 * 24 * time.Hour), Limit: 10}
			phrase = "this week"
		default:
			timeframe = "upcoming"
			w = care.Window{From: now, To: now.Add(upcomingHorizon), Limit: 10}
			phrase = "coming up"
		}

		appts, err := d.store.Appointments(ctx, scopeID, w)
		if err != nil {
			return "", err
		}
		if len(appts) == 0 {
			if timeframe == "upcoming" || timeframe == "past" {
				return fmt.Sprintf("No %s appointments found.", timeframe), nil
			}
			return fmt.Sprintf("No appointments found for %s.", phrase), nil
		}

		var b strings.Builder
		fmt.Fprintf(&b, "There are %d appointments %s. ", len(appts), phrase)
		for i, appt := range appts {
			fmt.Fprintf(&b, "%d. %s on %s", i+1, appt.Description, spokenTime(appt.StartsAt))
			if appt.Location != "" {
				fmt.Fprintf(&b, " at %s", appt.Location)
			}
			b.WriteString(". ")
		}
		return strings.TrimSpace(b.String()), nil
	},
}
