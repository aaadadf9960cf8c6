// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 Opal contributors

package fetch

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// PostgresProvider fetches rows from a PostgreSQL source. Directive
// config keys: "query" (required), "single_row" (return the first row
// as an object instead of a row list). The connection is opened per
// fetch and closed on every exit path.
type PostgresProvider struct {
	ConnectTimeout time.Duration
}

func NewPostgresProvider() *PostgresProvider {
	return &PostgresProvider{ConnectTimeout: 10 * time.Second}
}

func (p *PostgresProvider) Name() string      { return "postgres" }
func (p *PostgresProvider) Schemes() []string { return []string{"postgres", "postgresql"} }

func (p *PostgresProvider) Fetch(ctx context.Context, rawURL string, config map[string]any) (json.RawMessage, error) {
	query, _ := config["query"].(string)
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("postgres fetch requires a query")
	}
	singleRow, _ := config["single_row"].(bool)

	db, err := sql.Open("postgres", rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres source: %w", err)
	}
	defer db.Close()

	pingCtx, cancel := context.WithTimeout(ctx, p.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("postgres source unreachable: %w", err)
	}

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres query failed: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read result columns: %w", err)
	}

	var result []map[string]any
	for rows.Next() {
		values := make([]any, len(columns))
		scans := make([]any, len(columns))
		for i := range values {
			scans[i] = &values[i]
		}
		if err := rows.Scan(scans...); err != nil {
			return nil, fmt.Errorf("failed to scan result row: %w", err)
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = normalizeSQLValue(values[i])
		}
		result = append(result, row)
		if singleRow {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres row iteration failed: %w", err)
	}

	if singleRow {
		if len(result) == 0 {
			return json.RawMessage("null"), nil
		}
		return json.Marshal(result[0])
	}
	if result == nil {
		result = []map[string]any{}
	}
	return json.Marshal(result)
}

// normalizeSQLValue makes driver values JSON-encodable; []byte columns
// holding valid JSON pass through as documents, others become strings.
func normalizeSQLValue(v any) any {
	b, ok := v.([]byte)
	if !ok {
		return v
	}
	if json.Valid(b) {
		return json.RawMessage(append([]byte(nil), b...))
	}
	return string(b)
}
