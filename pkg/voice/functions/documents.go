package functions

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

var documentsHandler = handler{
	name:        "search_documents",
	description: "Search the care group's documents by name and read a short summary of each match. Without a search term, returns the most recent documents.",
	parameters: json.RawMessage(`{
		"type": "object",
		"properties": {
			"searchTerm": {
				"type": "string",
				"description": "Optional text to match against document names."
			}
		},
		"required": []
	}`),
	subject: "the documents",
	run: func(ctx context.Context, d *Dispatcher, scopeID string, a args) (string, error) {
		term := a.str("searchTerm", "")

		docs, err := d.store.Documents(ctx, scopeID, term, 5)
		if err != nil {
			return "", err
		}
		if len(docs) == 0 {
			if term != "" {
				return fmt.Sprintf("No documents found matching %s.", term), nil
			}
			return "No documents with summaries found.", nil
		}

		var b strings.Builder
		fmt.Fprintf(&b, "There are %d recent documents. ", len(docs))
		for i, doc := range docs {
			fmt.Fprintf(&b, "%d. %s, uploaded %s: %s. ",
				i+1, doc.Name, spokenDate(doc.UploadedAt), excerpt(doc.Summary, 100))
		}
		return strings.TrimSpace(b.String()), nil
	},
}

// excerpt trims a summary to roughly max runes on a word boundary so it
// stays comfortable to read aloud.
func excerpt(s string, max int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	cut := string(runes[:max])
	if i := strings.LastIndexByte(cut, ' '); i > 0 {
		cut = cut[:i]
	}
	return strings.TrimRight(cut, " .,;:") + "..."
}
