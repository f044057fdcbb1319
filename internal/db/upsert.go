package db

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// Placeholder selects the bind parameter syntax of the generated statement.
type Placeholder int

const (
	// Dollar emits $1, $2, ... (Postgres).
	Dollar Placeholder = iota
	// Question emits ? (SQLite).
	Question
)

// UpsertConfig defines the parameters for a multi-row INSERT ... ON CONFLICT.
type UpsertConfig struct {
	Table        string   // target table (e.g., "items")
	Columns      []string // all columns being inserted
	ConflictKeys []string // columns forming the unique constraint
	UpdateCols   []string // columns to update on conflict; nil = all non-conflict columns
	DoNothing    bool     // ON CONFLICT DO NOTHING instead of DO UPDATE
	Returning    []string // RETURNING columns
}

// BuildUpsert renders an INSERT ... ON CONFLICT statement for rows rows of
// len(cfg.Columns) values each. Arguments are bound row-major.
func BuildUpsert(cfg UpsertConfig, rows int, ph Placeholder) (string, error) {
	if len(cfg.Columns) == 0 {
		return "", eris.New("db: upsert: no columns specified")
	}
	if len(cfg.ConflictKeys) == 0 {
		return "", eris.New("db: upsert: no conflict keys specified")
	}
	if rows < 1 {
		return "", eris.New("db: upsert: no rows")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", sanitizeTable(cfg.Table), quoteAndJoin(cfg.Columns))

	n := 0
	for r := range rows {
		if r > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for c := range cfg.Columns {
			if c > 0 {
				b.WriteString(", ")
			}
			n++
			if ph == Dollar {
				b.WriteString("$" + strconv.Itoa(n))
			} else {
				b.WriteByte('?')
			}
		}
		b.WriteByte(')')
	}

	fmt.Fprintf(&b, " ON CONFLICT (%s) ", quoteAndJoin(cfg.ConflictKeys))

	if cfg.DoNothing {
		b.WriteString("DO NOTHING")
	} else {
		var setClauses []string
		for _, col := range updateColumns(cfg) {
			q := pgx.Identifier{col}.Sanitize()
			setClauses = append(setClauses, fmt.Sprintf("%s = excluded.%s", q, q))
		}
		if len(setClauses) == 0 {
			return "", eris.New("db: upsert: nothing to update on conflict")
		}
		b.WriteString("DO UPDATE SET " + strings.Join(setClauses, ", "))
	}

	if len(cfg.Returning) > 0 {
		b.WriteString(" RETURNING " + quoteAndJoin(cfg.Returning))
	}
	return b.String(), nil
}

func updateColumns(cfg UpsertConfig) []string {
	if cfg.UpdateCols != nil {
		return cfg.UpdateCols
	}
	conflictSet := make(map[string]bool, len(cfg.ConflictKeys))
	for _, k := range cfg.ConflictKeys {
		conflictSet[k] = true
	}
	var cols []string
	for _, c := range cfg.Columns {
		if !conflictSet[c] {
			cols = append(cols, c)
		}
	}
	return cols
}

// sanitizeTable handles schema-qualified table names like "public.items".
func sanitizeTable(table string) string {
	parts := strings.SplitN(table, ".", 2)
	if len(parts) == 2 {
		return pgx.Identifier{parts[0], parts[1]}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}

// quoteAndJoin quotes each column name and joins with commas.
func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
