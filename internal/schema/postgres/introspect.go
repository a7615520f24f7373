// Package postgres introspects a Postgres database through information_schema
// and serves cached schema snapshots.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/chronodesk/chronodesk/internal/schema"
)

// Introspector builds schema snapshots for one database and caches them for a
// configurable interval so every synthesis call does not hit the catalog.
type Introspector struct {
	db       *sql.DB
	database string
	ttl      time.Duration

	mu     sync.RWMutex
	cached schema.Context
}

// NewIntrospector creates an introspector. A ttl of zero disables caching.
func NewIntrospector(db *sql.DB, database string, ttl time.Duration) *Introspector {
	return &Introspector{db: db, database: database, ttl: ttl}
}

// Snapshot returns the cached schema, refreshing it when stale.
func (in *Introspector) Snapshot(ctx context.Context) (schema.Context, error) {
	in.mu.RLock()
	cached := in.cached
	in.mu.RUnlock()
	if !cached.FetchedAt.IsZero() && in.ttl > 0 && time.Since(cached.FetchedAt) < in.ttl {
		return cached, nil
	}

	tables, err := loadTables(ctx, in.db)
	if err != nil {
		if !cached.FetchedAt.IsZero() {
			// Serve the stale snapshot rather than failing the request.
			return cached, nil
		}
		return schema.Context{}, fmt.Errorf("introspect %s: %w", in.database, err)
	}

	fresh := schema.Context{
		DatabaseName: in.database,
		Tables:       tables,
		FetchedAt:    time.Now(),
	}
	in.mu.Lock()
	in.cached = fresh
	in.mu.Unlock()
	return fresh, nil
}

func loadTables(ctx context.Context, db *sql.DB) ([]schema.Table, error) {
	tableNames, err := getTableNames(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	columns, err := getColumns(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("list columns: %w", err)
	}
	primaryKeys, err := getPrimaryKeys(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("list primary keys: %w", err)
	}
	foreignKeys, err := getForeignKeys(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("list foreign keys: %w", err)
	}
	rowEstimates, err := getRowEstimates(ctx, db)
	if err != nil {
		rowEstimates = make(map[string]int64)
	}

	tables := make([]schema.Table, 0, len(tableNames))
	for _, name := range tableNames {
		table := schema.Table{
			Name:        name,
			Columns:     columns[name],
			ForeignKeys: foreignKeys[name],
			RowEstimate: rowEstimates[name],
		}
		for i := range table.Columns {
			for _, pk := range primaryKeys[name] {
				if table.Columns[i].Name == pk {
					table.Columns[i].IsPK = true
					break
				}
			}
		}
		tables = append(tables, table)
	}
	return tables, nil
}

func getTableNames(ctx context.Context, db *sql.DB) ([]string, error) {
	query := `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = 'public'
		  AND table_type = 'BASE TABLE'
		ORDER BY table_name`

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func getColumns(ctx context.Context, db *sql.DB) (map[string][]schema.Column, error) {
	query := `
		SELECT
			c.table_name,
			c.column_name,
			c.data_type,
			c.is_nullable = 'YES' AS nullable,
			COALESCE(pgd.description, '') AS comment
		FROM information_schema.columns c
		LEFT JOIN pg_catalog.pg_statio_all_tables st
			ON st.schemaname = c.table_schema AND st.relname = c.table_name
		LEFT JOIN pg_catalog.pg_description pgd
			ON pgd.objoid = st.relid AND pgd.objsubid = c.ordinal_position
		WHERE c.table_schema = 'public'
		ORDER BY c.table_name, c.ordinal_position`

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns := make(map[string][]schema.Column)
	for rows.Next() {
		var tableName string
		var col schema.Column
		if err := rows.Scan(&tableName, &col.Name, &col.Type, &col.Nullable, &col.Comment); err != nil {
			return nil, err
		}
		columns[tableName] = append(columns[tableName], col)
	}
	return columns, rows.Err()
}

func getPrimaryKeys(ctx context.Context, db *sql.DB) (map[string][]string, error) {
	query := `
		SELECT
			tc.table_name,
			kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON tc.constraint_name = kcu.constraint_name
			AND tc.table_schema = kcu.table_schema
		WHERE tc.constraint_type = 'PRIMARY KEY'
		  AND tc.table_schema = 'public'
		ORDER BY tc.table_name, kcu.ordinal_position`

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	pks := make(map[string][]string)
	for rows.Next() {
		var tableName, colName string
		if err := rows.Scan(&tableName, &colName); err != nil {
			return nil, err
		}
		pks[tableName] = append(pks[tableName], colName)
	}
	return pks, rows.Err()
}

func getForeignKeys(ctx context.Context, db *sql.DB) (map[string][]schema.ForeignKey, error) {
	query := `
		SELECT
			tc.table_name,
			kcu.column_name,
			ccu.table_name AS foreign_table,
			ccu.column_name AS foreign_column
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON tc.constraint_name = kcu.constraint_name
			AND tc.table_schema = kcu.table_schema
		JOIN information_schema.constraint_column_usage ccu
			ON tc.constraint_name = ccu.constraint_name
			AND tc.table_schema = ccu.table_schema
		WHERE tc.constraint_type = 'FOREIGN KEY'
		  AND tc.table_schema = 'public'`

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fks := make(map[string][]schema.ForeignKey)
	for rows.Next() {
		var tableName string
		var fk schema.ForeignKey
		if err := rows.Scan(&tableName, &fk.Column, &fk.ForeignTable, &fk.ForeignColumn); err != nil {
			return nil, err
		}
		fks[tableName] = append(fks[tableName], fk)
	}
	return fks, rows.Err()
}

func getRowEstimates(ctx context.Context, db *sql.DB) (map[string]int64, error) {
	query := `
		SELECT relname, reltuples::bigint
		FROM pg_class
		WHERE relnamespace = 'public'::regnamespace
		  AND relkind = 'r'`

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	estimates := make(map[string]int64)
	for rows.Next() {
		var name string
		var count int64
		if err := rows.Scan(&name, &count); err != nil {
			return nil, err
		}
		if count < 0 {
			count = 0
		}
		estimates[name] = count
	}
	return estimates, rows.Err()
}
