// Package runner executes validated SELECT statements and shapes their rows
// for transport. It never sees a statement the policy validator has not
// allowed.
package runner

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/chronodesk/chronodesk/internal/observability"
)

// Phases reported to metrics.
const (
	PhasePreview = "preview"
	PhaseExecute = "execute"
)

var (
	trailingLimitPattern  = regexp.MustCompile(`(?i)\s+LIMIT\s+(?:\d+|ALL)((?:\s+OFFSET\s+\d+)?)\s*$`)
	trailingOffsetPattern = regexp.MustCompile(`(?i)\s+OFFSET\s+\d+\s*$`)
)

// Result is the transport shape of one executed query.
type Result struct {
	Columns   []string `json:"columns"`
	Rows      [][]any  `json:"rows"`
	RowCount  int      `json:"row_count"`
	Truncated bool     `json:"truncated"`
	ElapsedMs int64    `json:"elapsed_ms"`
}

// Executor runs statements with phase-specific row caps.
type Executor struct {
	previewLimit int
	maxRows      int
}

func NewExecutor(previewLimit, maxRows int) *Executor {
	if previewLimit <= 0 {
		previewLimit = 5
	}
	if maxRows < previewLimit {
		maxRows = previewLimit
	}
	return &Executor{previewLimit: previewLimit, maxRows: maxRows}
}

// Preview rewrites the statement's row cap down to the preview limit and runs
// it. The caller keeps the original statement for the confirm step.
func (e *Executor) Preview(ctx context.Context, db *sql.DB, statement string) (Result, error) {
	return e.run(ctx, db, e.PreviewStatement(statement), e.previewLimit, PhasePreview)
}

// Execute runs the statement as previewed, capped at the full row limit.
func (e *Executor) Execute(ctx context.Context, db *sql.DB, statement string) (Result, error) {
	return e.run(ctx, db, statement, e.maxRows, PhaseExecute)
}

// PreviewStatement replaces any trailing LIMIT with the preview limit,
// appending one when the statement has none. A trailing OFFSET clause stays
// where it is so the rewritten statement remains valid SQL.
func (e *Executor) PreviewStatement(statement string) string {
	if loc := trailingLimitPattern.FindStringSubmatchIndex(statement); loc != nil {
		offset := ""
		if loc[2] >= 0 {
			offset = statement[loc[2]:loc[3]]
		}
		return fmt.Sprintf("%s LIMIT %d%s", statement[:loc[0]], e.previewLimit, offset)
	}
	if loc := trailingOffsetPattern.FindStringIndex(statement); loc != nil {
		return fmt.Sprintf("%s LIMIT %d%s", statement[:loc[0]], e.previewLimit, strings.TrimRight(statement[loc[0]:], " \t\n"))
	}
	return fmt.Sprintf("%s LIMIT %d", statement, e.previewLimit)
}

func (e *Executor) run(ctx context.Context, db *sql.DB, statement string, rowCap int, phase string) (Result, error) {
	started := time.Now()
	result, err := scanAll(ctx, db, statement, rowCap)
	elapsed := time.Since(started)
	observability.ObserveExecution(phase, err == nil, elapsed)
	if err != nil {
		return Result{}, err
	}
	result.ElapsedMs = elapsed.Milliseconds()
	return result, nil
}

func scanAll(ctx context.Context, db *sql.DB, statement string, rowCap int) (Result, error) {
	rows, err := db.QueryContext(ctx, statement)
	if err != nil {
		return Result{}, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return Result{}, fmt.Errorf("read columns: %w", err)
	}

	result := Result{Columns: columns, Rows: [][]any{}}
	for rows.Next() {
		if result.RowCount >= rowCap {
			result.Truncated = true
			break
		}
		values := make([]any, len(columns))
		pointers := make([]any, len(columns))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return Result{}, fmt.Errorf("scan row: %w", err)
		}
		row := make([]any, len(values))
		for i, v := range values {
			row[i] = normalizeValue(v)
		}
		result.Rows = append(result.Rows, row)
		result.RowCount++
	}
	if err := rows.Err(); err != nil {
		return Result{}, fmt.Errorf("iterate rows: %w", err)
	}
	return result, nil
}

// float64 keeps integers exact up to 2^53; larger int64 values go out as
// strings so JSON round-trips do not corrupt them.
const maxSafeInteger = 1 << 53

func normalizeValue(v any) any {
	switch value := v.(type) {
	case nil:
		return nil
	case []byte:
		return string(value)
	case time.Time:
		return value.UTC().Format(time.RFC3339)
	case int64:
		if value > maxSafeInteger || value < -maxSafeInteger {
			return fmt.Sprintf("%d", value)
		}
		return value
	default:
		return value
	}
}
