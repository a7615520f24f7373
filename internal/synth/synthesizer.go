package synth

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/chronodesk/chronodesk/internal/llm"
	"github.com/chronodesk/chronodesk/internal/observability"
	"github.com/chronodesk/chronodesk/internal/schema"
)

// writePattern mirrors the validator denylist. The synthesizer rejects write
// statements on its own so an obviously bad model response fails fast with a
// synthesis error instead of a policy verdict.
var writePattern = regexp.MustCompile(`(?i)\b(DROP|DELETE|UPDATE|INSERT|TRUNCATE|ALTER|CREATE|GRANT|REVOKE)\b`)

var (
	limitPattern      = regexp.MustCompile(`(?i)\bLIMIT\s+(\d+|ALL)((?:\s+OFFSET\s+\d+)?)\s*$`)
	offsetTailPattern = regexp.MustCompile(`(?i)\s+OFFSET\s+\d+\s*$`)
)

// Synthesizer drives one model provider and normalizes its output.
type Synthesizer struct {
	completer llm.Completer
	maxRows   int
}

func New(completer llm.Completer, maxRows int) *Synthesizer {
	if maxRows <= 0 {
		maxRows = 100
	}
	return &Synthesizer{completer: completer, maxRows: maxRows}
}

// Synthesize asks the model for a query answering the question against the
// given schema snapshot, then vets and normalizes the response.
func (s *Synthesizer) Synthesize(ctx context.Context, question string, snap schema.Context) (GeneratedQuery, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return GeneratedQuery{}, &SynthesisError{Reason: "question is empty"}
	}

	started := time.Now()
	resp, err := s.completer.Complete(ctx, llm.Request{
		System: buildSystemPrompt(snap.ToText(), snap.DatabaseName, s.maxRows),
		Prompt: question,
	})
	observability.ObserveSynthesis(s.completer.Name(), err, time.Since(started))
	if err != nil {
		return GeneratedQuery{}, fmt.Errorf("complete: %w", err)
	}

	query, err := s.parse(resp.Text, snap.DatabaseName)
	if err != nil {
		return GeneratedQuery{}, err
	}
	query.TokensUsed = resp.TokensUsed
	return query, nil
}

func (s *Synthesizer) parse(raw, databaseName string) (GeneratedQuery, error) {
	doc, ok := extractJSONObject(raw)
	if !ok {
		return GeneratedQuery{}, &SynthesisError{Reason: "no JSON object in model response", Raw: raw}
	}

	var query GeneratedQuery
	if err := json.Unmarshal([]byte(doc), &query); err != nil {
		return GeneratedQuery{}, &SynthesisError{Reason: "malformed JSON in model response", Raw: raw}
	}

	statement := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(query.Statement), ";"))
	if statement == "" {
		return GeneratedQuery{}, &SynthesisError{Reason: "model returned an empty statement", Raw: raw}
	}
	if !strings.EqualFold(firstWord(statement), "SELECT") {
		return GeneratedQuery{}, &SynthesisError{Reason: "model returned a non-SELECT statement", Raw: raw}
	}
	if match := writePattern.FindString(statement); match != "" {
		return GeneratedQuery{}, &SynthesisError{
			Reason: fmt.Sprintf("model statement contains write keyword %s", strings.ToUpper(match)),
			Raw:    raw,
		}
	}
	if !query.IsReadOnly {
		return GeneratedQuery{}, &SynthesisError{Reason: "model did not assert the statement is read-only", Raw: raw}
	}

	query.Statement = s.ensureLimit(statement)
	for i, table := range query.Tables {
		query.Tables[i] = strings.ToLower(strings.TrimSpace(table))
	}
	for i, db := range query.Databases {
		query.Databases[i] = strings.ToLower(strings.TrimSpace(db))
	}
	if len(query.Databases) == 0 && databaseName != "" {
		query.Databases = []string{strings.ToLower(databaseName)}
	}
	return query, nil
}

// ensureLimit caps the trailing LIMIT at the configured maximum, appending one
// when the model left it out. LIMIT ALL counts as missing, and a trailing
// OFFSET clause is kept in place.
func (s *Synthesizer) ensureLimit(statement string) string {
	if m := limitPattern.FindStringSubmatch(statement); m != nil {
		n, err := strconv.Atoi(m[1])
		if err == nil && n > 0 && n <= s.maxRows {
			return statement
		}
		return limitPattern.ReplaceAllString(statement, fmt.Sprintf("LIMIT %d${2}", s.maxRows))
	}
	if loc := offsetTailPattern.FindStringIndex(statement); loc != nil {
		return fmt.Sprintf("%s LIMIT %d%s", statement[:loc[0]], s.maxRows, strings.TrimRight(statement[loc[0]:], " \t\n"))
	}
	return fmt.Sprintf("%s LIMIT %d", statement, s.maxRows)
}

func firstWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
