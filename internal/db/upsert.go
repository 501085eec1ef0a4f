package db

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// UpsertConfig defines the parameters for a batched upsert.
type UpsertConfig struct {
	Table        string   // target table (e.g., "daily_metrics")
	Columns      []string // all columns being inserted
	ConflictKeys []string // columns forming the unique constraint
	UpdateCols   []string // columns to update on conflict; nil = all non-conflict columns
}

// Placeholder renders the n-th (1-based) bind parameter for a SQL dialect.
type Placeholder func(n int) string

// Dollar renders Postgres-style $n parameters.
func Dollar(n int) string { return "$" + strconv.Itoa(n) }

// Question renders SQLite-style ? parameters.
func Question(int) string { return "?" }

// ExecFunc executes a statement and returns the affected row count. Both a
// pgx.Tx and a *sql.Tx can be adapted to it.
type ExecFunc func(ctx context.Context, query string, args ...any) (int64, error)

// BuildUpsert renders a multi-row INSERT ... ON CONFLICT DO UPDATE statement
// for nRows rows.
func BuildUpsert(cfg UpsertConfig, nRows int, ph Placeholder) (string, error) {
	if len(cfg.Columns) == 0 {
		return "", eris.New("db: upsert: no columns specified")
	}
	if len(cfg.ConflictKeys) == 0 {
		return "", eris.New("db: upsert: no conflict keys specified")
	}
	if nRows <= 0 {
		return "", eris.New("db: upsert: no rows")
	}

	updateCols := cfg.UpdateCols
	if updateCols == nil {
		conflictSet := make(map[string]bool, len(cfg.ConflictKeys))
		for _, k := range cfg.ConflictKeys {
			conflictSet[k] = true
		}
		for _, c := range cfg.Columns {
			if !conflictSet[c] {
				updateCols = append(updateCols, c)
			}
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", sanitizeTable(cfg.Table), quoteAndJoin(cfg.Columns))

	n := 1
	for r := 0; r < nRows; r++ {
		if r > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for c := range cfg.Columns {
			if c > 0 {
				b.WriteString(", ")
			}
			b.WriteString(ph(n))
			n++
		}
		b.WriteByte(')')
	}

	fmt.Fprintf(&b, " ON CONFLICT (%s)", quoteAndJoin(cfg.ConflictKeys))
	if len(updateCols) == 0 {
		b.WriteString(" DO NOTHING")
		return b.String(), nil
	}

	setClauses := make([]string, len(updateCols))
	for i, col := range updateCols {
		q := pgx.Identifier{col}.Sanitize()
		setClauses[i] = fmt.Sprintf("%s = EXCLUDED.%s", q, q)
	}
	b.WriteString(" DO UPDATE SET ")
	b.WriteString(strings.Join(setClauses, ", "))
	return b.String(), nil
}

// UpsertBatches writes rows in fixed-size batches through exec. It does not
// open a transaction; callers wrap it in one when the batches must be atomic.
func UpsertBatches(ctx context.Context, exec ExecFunc, cfg UpsertConfig, rows [][]any, batchSize int, ph Placeholder) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if batchSize <= 0 {
		batchSize = 500
	}

	var total int64
	for start := 0; start < len(rows); start += batchSize {
		end := min(start+batchSize, len(rows))
		batch := rows[start:end]

		query, err := BuildUpsert(cfg, len(batch), ph)
		if err != nil {
			return total, err
		}

		args := make([]any, 0, len(batch)*len(cfg.Columns))
		for i, row := range batch {
			if len(row) != len(cfg.Columns) {
				return total, eris.Errorf("db: upsert: row %d has %d values, want %d", start+i, len(row), len(cfg.Columns))
			}
			args = append(args, row...)
		}

		n, err := exec(ctx, query, args...)
		if err != nil {
			return total, eris.Wrapf(err, "db: upsert into %s (rows %d-%d)", cfg.Table, start, end-1)
		}
		total += n
	}
	return total, nil
}

// sanitizeTable handles schema-qualified table names like "public.daily_metrics".
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
