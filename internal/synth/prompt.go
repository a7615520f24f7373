package synth

import (
	"fmt"
	"strings"
)

// buildSystemPrompt assembles the grounding prompt for one synthesis call.
// The schema text and the row cap come from the caller so operator and tenant
// requests get different views.
func buildSystemPrompt(schemaText, databaseName string, maxRows int) string {
	var sb strings.Builder
	sb.WriteString("You convert natural language questions about time tracking and expenses into a single PostgreSQL SELECT statement.\n\n")
	fmt.Fprintf(&sb, "Database: %s\nSchema:\n%s\n\n", databaseName, schemaText)
	sb.WriteString("Rules:\n")
	sb.WriteString("- Produce exactly one SELECT statement. Never produce INSERT, UPDATE, DELETE, DROP, TRUNCATE, ALTER, or CREATE.\n")
	sb.WriteString("- Use only the tables and columns listed in the schema.\n")
	fmt.Fprintf(&sb, "- Fully qualify every table reference as %s.public.<table>.\n", databaseName)
	sb.WriteString("- Never select password, token, secret, or key columns.\n")
	fmt.Fprintf(&sb, "- Always end the statement with LIMIT %d or lower.\n", maxRows)
	sb.WriteString("- Do not use semicolons.\n\n")
	sb.WriteString("Respond with a single JSON object and nothing else:\n")
	sb.WriteString(`{"statement": "<the SQL>", "explanation": "<one sentence in plain language>", "tables": ["<referenced tables>"], "databases": ["<logical databases touched>"], "is_read_only": true}`)
	return sb.String()
}
