package db

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var metricsUpsert = UpsertConfig{
	Table:        "daily_metrics",
	Columns:      []string{"property_id", "date", "clicks"},
	ConflictKeys: []string{"property_id", "date"},
}

func TestBuildUpsert_Dollar(t *testing.T) {
	sql, err := BuildUpsert(metricsUpsert, 2, Dollar)
	require.NoError(t, err)
	assert.Equal(t,
		`INSERT INTO "daily_metrics" ("property_id", "date", "clicks") VALUES ($1, $2, $3), ($4, $5, $6)`+
			` ON CONFLICT ("property_id", "date") DO UPDATE SET "clicks" = EXCLUDED."clicks"`,
		sql)
}

func TestBuildUpsert_Question(t *testing.T) {
	sql, err := BuildUpsert(metricsUpsert, 1, Question)
	require.NoError(t, err)
	assert.Contains(t, sql, `VALUES (?, ?, ?) ON CONFLICT`)
}

func TestBuildUpsert_DoNothingWhenAllColumnsAreKeys(t *testing.T) {
	sql, err := BuildUpsert(UpsertConfig{
		Table:        "alert_subscriptions",
		Columns:      []string{"account_id", "recipient"},
		ConflictKeys: []string{"account_id", "recipient"},
	}, 1, Dollar)
	require.NoError(t, err)
	assert.Contains(t, sql, "DO NOTHING")
}

func TestBuildUpsert_Errors(t *testing.T) {
	_, err := BuildUpsert(UpsertConfig{Table: "t", ConflictKeys: []string{"id"}}, 1, Dollar)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no columns specified")

	_, err = BuildUpsert(UpsertConfig{Table: "t", Columns: []string{"id"}}, 1, Dollar)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no conflict keys specified")

	_, err = BuildUpsert(metricsUpsert, 0, Dollar)
	require.Error(t, err)
}

func TestUpsertBatches_SplitsIntoFixedBatches(t *testing.T) {
	var calls []int
	exec := func(_ context.Context, _ string, args ...any) (int64, error) {
		calls = append(calls, len(args))
		return int64(len(args) / 3), nil
	}

	rows := make([][]any, 5)
	for i := range rows {
		rows[i] = []any{"p1", i, int64(i)}
	}

	n, err := UpsertBatches(context.Background(), exec, metricsUpsert, rows, 2, Dollar)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
	assert.Equal(t, []int{6, 6, 3}, calls)
}

func TestUpsertBatches_Empty(t *testing.T) {
	n, err := UpsertBatches(context.Background(), nil, metricsUpsert, nil, 10, Dollar)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestUpsertBatches_RowWidthMismatch(t *testing.T) {
	exec := func(context.Context, string, ...any) (int64, error) { return 0, nil }
	_, err := UpsertBatches(context.Background(), exec, metricsUpsert, [][]any{{"p1"}}, 10, Dollar)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "has 1 values, want 3")
}

func TestUpsertBatches_StopsOnError(t *testing.T) {
	calls := 0
	exec := func(context.Context, string, ...any) (int64, error) {
		calls++
		return 0, errors.New("boom")
	}
	rows := [][]any{{"p1", 1, 1}, {"p1", 2, 2}, {"p1", 3, 3}}
	_, err := UpsertBatches(context.Background(), exec, metricsUpsert, rows, 1, Dollar)
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Contains(t, err.Error(), "rows 0-0")
}

func TestSanitizeTable(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"simple", `"simple"`},
		{"public.daily_metrics", `"public"."daily_metrics"`},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, sanitizeTable(tt.input))
		})
	}
}
