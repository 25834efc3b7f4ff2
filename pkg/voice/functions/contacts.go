package functions

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

var contactsHandler = handler{
	name:        "get_contacts",
	description: "Look up care-team contacts for the group, optionally filtered by type, for example \"doctor\" or \"pharmacy\".",
	parameters: json.RawMessage(`{
		"type": "object",
		"properties": {
			"type": {
				"type": "string",
				"description": "Optional contact type to filter by, matched loosely against role and organization."
			}
		},
		"required": []
	}`),
	subject: "the contacts",
	run: func(ctx context.Context, d *Dispatcher, scopeID string, a args) (string, error) {
		kind := a.str("type", "")

		contacts, err := d.store.Contacts(ctx, scopeID, kind, 10)
		if err != nil {
			return "", err
		}
		if len(contacts) == 0 {
			if kind != "" {
				return fmt.Sprintf("No %s contacts found.", kind), nil
			}
			return "No contacts found.", nil
		}

		var b strings.Builder
		fmt.Fprintf(&b, "There are %d contacts. ", len(contacts))
		for i, c := range contacts {
			fmt.Fprintf(&b, "%d. %s", i+1, c.Name)
			if c.Role != "" {
				fmt.Fprintf(&b, ", %s", c.Role)
			}
			if c.Organization != "" {
				fmt.Fprintf(&b, " at %s", c.Organization)
			}
			if c.Phone != "" {
				fmt.Fprintf(&b, ", phone %s", spokenPhone(c.Phone))
			}
			b.WriteString(". ")
		}
		return strings.TrimSpace(b.String()), nil
	},
}

// spokenPhone spaces out digits so the voice reads a number digit by digit
// instead of as one large quantity.
func spokenPhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			if b.Len() > 0 {
				b.WriteByte(' ')
			}
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return phone
	}
	return b.String()
}
