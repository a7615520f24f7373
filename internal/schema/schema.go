// Package schema describes the tenant database structure that grounds SQL
// synthesis prompts.
package schema

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Provider supplies a point-in-time view of a database schema.
type Provider interface {
	Snapshot(ctx context.Context) (Context, error)
}

// Context is a snapshot of one database's structure.
type Context struct {
	DatabaseName string
	Tables       []Table
	FetchedAt    time.Time
}

// Table is one table with its columns and outbound foreign keys.
type Table struct {
	Name        string
	Columns     []Column
	ForeignKeys []ForeignKey
	RowEstimate int64
}

// Column is one table column.
type Column struct {
	Name     string
	Type     string
	Nullable bool
	IsPK     bool
	Comment  string
}

// ForeignKey is one outbound reference.
type ForeignKey struct {
	Column        string
	ForeignTable  string
	ForeignColumn string
}

// HasTable reports whether the snapshot contains the named table.
func (c Context) HasTable(name string) bool {
	lower := strings.ToLower(name)
	for _, t := range c.Tables {
		if strings.ToLower(t.Name) == lower {
			return true
		}
	}
	return false
}

// ToText serializes the snapshot into the compact format the synthesis prompt
// embeds.
func (c Context) ToText() string {
	if len(c.Tables) == 0 {
		return "(no tables found)"
	}

	var sb strings.Builder
	for i, table := range c.Tables {
		if i > 0 {
			sb.WriteString("\n")
		}
		writeTable(&sb, table)
	}
	return sb.String()
}

func writeTable(sb *strings.Builder, t Table) {
	fmt.Fprintf(sb, "TABLE: %s", t.Name)
	if t.RowEstimate > 0 {
		fmt.Fprintf(sb, " (~%d rows)", t.RowEstimate)
	}
	sb.WriteString("\n")

	for _, col := range t.Columns {
		fmt.Fprintf(sb, "  - %s: %s", col.Name, col.Type)

		var attrs []string
		if col.IsPK {
			attrs = append(attrs, "PK")
		}
		if !col.Nullable {
			attrs = append(attrs, "NOT NULL")
		}
		if len(attrs) > 0 {
			sb.WriteString(", " + strings.Join(attrs, ", "))
		}

		for _, fk := range t.ForeignKeys {
			if fk.Column == col.Name {
				fmt.Fprintf(sb, " -> %s.%s", fk.ForeignTable, fk.ForeignColumn)
				break
			}
		}

		if col.Comment != "" {
			fmt.Fprintf(sb, " // %s", col.Comment)
		}
		sb.WriteString("\n")
	}
}
