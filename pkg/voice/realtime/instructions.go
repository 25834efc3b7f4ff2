package realtime

import (
	"fmt"
	"strings"

	"github.com/evercare-dev/voice-bridge/pkg/care"
)

// BuildInstructions renders the assistant system instructions for one
// call, interpolating the care group snapshot taken at call start.
func BuildInstructions(snap care.ContextSnapshot, callerKind string) string {
	var b strings.Builder

	b.WriteString("You are a calm, friendly phone assistant for a family care coordination service. ")
	b.WriteString("You help callers check on appointments, tasks, documents, contacts, and recent activity. ")
	b.WriteString("You can only read information; you can never create, change, or cancel anything. ")
	b.WriteString("If the caller asks you to change something, explain kindly that you can only look things up ")
	b.WriteString("and that changes are made in the app.\n\n")

	fmt.Fprintf(&b, "You are speaking with a %s of the care group %q", callerLabel(callerKind), snap.GroupName)
	if snap.RecipientName != "" {
		fmt.Fprintf(&b, ", caring for %s", snap.RecipientName)
	}
	b.WriteString(".\n")
	if snap.ConditionNotes != "" {
		fmt.Fprintf(&b, "Background notes: %s\n", snap.ConditionNotes)
	}

	b.WriteString("\nUse the provided functions to answer questions; never invent facts. ")
	b.WriteString("Keep answers short and natural for a phone call. ")
	b.WriteString("Read dates aloud in a friendly format, like \"Tuesday, March 4th at 2 PM\". ")
	b.WriteString("Do not read internal identifiers aloud.")

	return b.String()
}

func callerLabel(kind string) string {
	switch kind {
	case "recipient":
		return "care recipient"
	case "professional":
		return "professional caregiver"
	default:
		return "family member"
	}
}
