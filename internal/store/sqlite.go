package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/sells-group/gsc-radar/internal/db"
	"github.com/sells-group/gsc-radar/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Timestamps are
// stored as UTC Unix nanoseconds and dates as YYYY-MM-DD text.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One connection serializes writers so the partial unique index and the
	// delivery claim behave like row locks.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS accounts (
	id               TEXT PRIMARY KEY,
	email            TEXT NOT NULL UNIQUE,
	data_initialized INTEGER NOT NULL DEFAULT 0,
	created_at       INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS account_tokens (
	account_id TEXT PRIMARY KEY REFERENCES accounts(id),
	token      BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS properties (
	id               TEXT PRIMARY KEY,
	account_id       TEXT NOT NULL REFERENCES accounts(id),
	site_url         TEXT NOT NULL,
	base_domain      TEXT NOT NULL DEFAULT '',
	permission_level TEXT NOT NULL DEFAULT '',
	created_at       INTEGER NOT NULL,
	UNIQUE (account_id, site_url)
);

CREATE TABLE IF NOT EXISTS daily_metrics (
	property_id TEXT NOT NULL REFERENCES properties(id),
	source      TEXT NOT NULL,
	dim_key     TEXT NOT NULL DEFAULT '',
	date        TEXT NOT NULL,
	clicks      INTEGER NOT NULL DEFAULT 0,
	impressions INTEGER NOT NULL DEFAULT 0,
	ctr         REAL NOT NULL DEFAULT 0,
	position    REAL,
	PRIMARY KEY (property_id, source, dim_key, date)
);

CREATE TABLE IF NOT EXISTS visibility_changes (
	property_id      TEXT NOT NULL REFERENCES properties(id),
	dimension        TEXT NOT NULL,
	dim_key          TEXT NOT NULL,
	category         TEXT NOT NULL,
	prev_impressions INTEGER NOT NULL DEFAULT 0,
	last_impressions INTEGER NOT NULL DEFAULT 0,
	prev_clicks      INTEGER NOT NULL DEFAULT 0,
	last_clicks      INTEGER NOT NULL DEFAULT 0,
	delta_pct        REAL NOT NULL DEFAULT 0,
	analyzed_at      INTEGER NOT NULL,
	PRIMARY KEY (property_id, dimension, dim_key)
);

CREATE TABLE IF NOT EXISTS pipeline_runs (
	id               TEXT PRIMARY KEY,
	account_id       TEXT NOT NULL REFERENCES accounts(id),
	is_running       INTEGER NOT NULL DEFAULT 1,
	current_step     TEXT NOT NULL DEFAULT '',
	progress_current INTEGER NOT NULL DEFAULT 0,
	progress_total   INTEGER NOT NULL DEFAULT 0,
	error            TEXT,
	started_at       INTEGER NOT NULL,
	completed_at     INTEGER,
	updated_at       INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_pipeline_runs_active ON pipeline_runs(account_id) WHERE is_running = 1;
CREATE INDEX IF NOT EXISTS idx_pipeline_runs_account_started ON pipeline_runs(account_id, started_at);

CREATE TABLE IF NOT EXISTS alerts (
	id                TEXT PRIMARY KEY,
	account_id        TEXT NOT NULL REFERENCES accounts(id),
	property_id       TEXT NOT NULL REFERENCES properties(id),
	alert_type        TEXT NOT NULL,
	prev_window_value REAL NOT NULL,
	last_window_value REAL NOT NULL,
	delta_pct         REAL NOT NULL,
	triggered_at      INTEGER NOT NULL,
	email_sent        INTEGER NOT NULL DEFAULT 0,
	last_attempt_at   INTEGER
);

CREATE INDEX IF NOT EXISTS idx_alerts_dedup ON alerts(account_id, property_id, alert_type, triggered_at);

CREATE TABLE IF NOT EXISTS alert_subscriptions (
	account_id  TEXT NOT NULL REFERENCES accounts(id),
	recipient   TEXT NOT NULL,
	property_id TEXT NOT NULL REFERENCES properties(id),
	created_at  INTEGER NOT NULL,
	PRIMARY KEY (account_id, recipient, property_id)
);

CREATE TABLE IF NOT EXISTS alert_deliveries (
	id            TEXT PRIMARY KEY,
	alert_id      TEXT NOT NULL REFERENCES alerts(id),
	account_id    TEXT NOT NULL REFERENCES accounts(id),
	property_id   TEXT NOT NULL REFERENCES properties(id),
	recipient     TEXT NOT NULL,
	state         TEXT NOT NULL DEFAULT 'unsent' CHECK (state IN ('unsent', 'sent', 'suppressed')),
	sent_at       INTEGER,
	claimed_until INTEGER,
	claim_token   TEXT,
	created_at    INTEGER NOT NULL,
	UNIQUE (alert_id, recipient)
);

CREATE INDEX IF NOT EXISTS idx_alert_deliveries_cooldown ON alert_deliveries(account_id, property_id, recipient, state);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) clock() time.Time {
	if s.now == nil {
		return time.Now().UTC()
	}
	return s.now().UTC()
}

// ts maps the zero time to 0 since UnixNano is undefined before 1678.
func ts(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func fromTS(n int64) time.Time { return time.Unix(0, n).UTC() }

func fromNullTS(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromTS(n.Int64)
	return &t
}

func nullTS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return ts(*t)
}

func dateText(t time.Time) string { return model.Day(t).Format(model.DateLayout) }

type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func sqliteExec(q sqlExecer) db.ExecFunc {
	return func(ctx context.Context, query string, args ...any) (int64, error) {
		res, err := q.ExecContext(ctx, query, args...)
		if err != nil {
			return 0, err
		}
		return res.RowsAffected()
	}
}

func isSQLiteUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func rowsAffected(res sql.Result) int64 {
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return n
}

// -- accounts --

func (s *SQLiteStore) CreateAccount(ctx context.Context, email string) (*model.Account, error) {
	acct := &model.Account{ID: uuid.New().String(), Email: email, CreatedAt: s.clock()}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (id, email, data_initialized, created_at) VALUES (?, ?, 0, ?)`,
		acct.ID, acct.Email, ts(acct.CreatedAt),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert account %s", email)
	}
	return acct, nil
}

func (s *SQLiteStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	var a model.Account
	var created int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, data_initialized, created_at FROM accounts WHERE id = ?`, id,
	).Scan(&a.ID, &a.Email, &a.DataInitialized, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: account %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get account %s", id)
	}
	a.CreatedAt = fromTS(created)
	return &a, nil
}

func (s *SQLiteStore) ListAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, email, data_initialized, created_at FROM accounts ORDER BY created_at`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list accounts")
	}
	defer rows.Close()

	var out []model.Account
	for rows.Next() {
		var a model.Account
		var created int64
		if err := rows.Scan(&a.ID, &a.Email, &a.DataInitialized, &created); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan account")
		}
		a.CreatedAt = fromTS(created)
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list accounts iterate")
}

func (s *SQLiteStore) MarkAccountInitialized(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE accounts SET data_initialized = 1 WHERE id = ?`, id)
	return eris.Wrapf(err, "sqlite: mark account %s initialized", id)
}

func (s *SQLiteStore) SaveToken(ctx context.Context, accountID string, token []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO account_tokens (account_id, token, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (account_id) DO UPDATE SET token = excluded.token, updated_at = excluded.updated_at`,
		accountID, token, ts(s.clock()),
	)
	return eris.Wrapf(err, "sqlite: save token for %s", accountID)
}

func (s *SQLiteStore) LoadToken(ctx context.Context, accountID string) ([]byte, error) {
	var token []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT token FROM account_tokens WHERE account_id = ?`, accountID,
	).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: token for %s", accountID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: load token for %s", accountID)
	}
	return token, nil
}

// -- properties --

func (s *SQLiteStore) UpsertProperties(ctx context.Context, accountID string, props []model.Property) ([]model.Property, error) {
	out := make([]model.Property, 0, len(props))
	for _, p := range props {
		p.AccountID = accountID
		var created int64
		err := s.db.QueryRowContext(ctx,
			`INSERT INTO properties (id, account_id, site_url, base_domain, permission_level, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT (account_id, site_url) DO UPDATE
			 SET base_domain = excluded.base_domain, permission_level = excluded.permission_level
			 RETURNING id, created_at`,
			uuid.New().String(), accountID, p.SiteURL, p.BaseDomain, p.PermissionLevel, ts(s.clock()),
		).Scan(&p.ID, &created)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: upsert property %s", p.SiteURL)
		}
		p.CreatedAt = fromTS(created)
		out = append(out, p)
	}
	return out, nil
}

func scanSQLiteProperty(sc interface{ Scan(...any) error }) (model.Property, error) {
	var p model.Property
	var created int64
	err := sc.Scan(&p.ID, &p.AccountID, &p.SiteURL, &p.BaseDomain, &p.PermissionLevel, &created)
	p.CreatedAt = fromTS(created)
	return p, err
}

func (s *SQLiteStore) ListProperties(ctx context.Context, accountID string) ([]model.Property, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+propertyColumns+` FROM properties WHERE account_id = ? ORDER BY site_url`, accountID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list properties for %s", accountID)
	}
	defer rows.Close()

	var out []model.Property
	for rows.Next() {
		p, err := scanSQLiteProperty(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan property")
		}
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list properties iterate")
}

func (s *SQLiteStore) GetProperty(ctx context.Context, accountID, propertyID string) (*model.Property, error) {
	p, err := scanSQLiteProperty(s.db.QueryRowContext(ctx,
		`SELECT `+propertyColumns+` FROM properties WHERE account_id = ? AND id = ?`, accountID, propertyID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: property %s", propertyID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get property %s", propertyID)
	}
	return &p, nil
}

// -- metrics --

func (s *SQLiteStore) MetricCoverage(ctx context.Context, propertyID string, from, to time.Time) (map[model.Source]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source, COUNT(DISTINCT date) FROM daily_metrics
		 WHERE property_id = ? AND date BETWEEN ? AND ?
		 GROUP BY source`,
		propertyID, dateText(from), dateText(to),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: metric coverage for %s", propertyID)
	}
	defer rows.Close()

	out := make(map[model.Source]int, len(model.AllSources))
	for rows.Next() {
		var src string
		var n int
		if err := rows.Scan(&src, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan coverage")
		}
		out[model.Source(src)] = n
	}
	return out, eris.Wrap(rows.Err(), "sqlite: metric coverage iterate")
}

// SaveMetrics upserts all rows for a property in one transaction.
func (s *SQLiteStore) SaveMetrics(ctx context.Context, propertyID string, rows []model.MetricRow, batchSize int) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	values := make([][]any, len(rows))
	for i, r := range rows {
		var position any
		if r.Position != nil {
			position = *r.Position
		}
		values[i] = []any{propertyID, string(r.Source), r.DimKey, dateText(r.Date), r.Clicks, r.Impressions, r.CTR, position}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: save metrics: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	n, err := db.UpsertBatches(ctx, sqliteExec(tx), metricsUpsert, values, batchSize, db.Question)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: save metrics for %s", propertyID)
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: save metrics: commit tx")
	}
	return n, nil
}

func (s *SQLiteStore) LatestMetricDate(ctx context.Context, propertyID string, source model.Source) (*time.Time, error) {
	var d sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(date) FROM daily_metrics WHERE property_id = ? AND source = ?`,
		propertyID, string(source),
	).Scan(&d)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: latest metric date for %s", propertyID)
	}
	if !d.Valid {
		return nil, nil
	}
	t, err := time.Parse(model.DateLayout, d.String)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: parse date %q", d.String)
	}
	return &t, nil
}

func (s *SQLiteStore) LoadMetrics(ctx context.Context, propertyID string, source model.Source, from, to time.Time) ([]model.MetricRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT dim_key, date, clicks, impressions, ctr, position FROM daily_metrics
		 WHERE property_id = ? AND source = ? AND date BETWEEN ? AND ?
		 ORDER BY date, dim_key`,
		propertyID, string(source), dateText(from), dateText(to),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: load %s metrics for %s", source, propertyID)
	}
	defer rows.Close()

	var out []model.MetricRow
	for rows.Next() {
		r := model.MetricRow{PropertyID: propertyID, Source: source}
		var date string
		var position sql.NullFloat64
		if err := rows.Scan(&r.DimKey, &date, &r.Clicks, &r.Impressions, &r.CTR, &position); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan metric")
		}
		if r.Date, err = time.Parse(model.DateLayout, date); err != nil {
			return nil, eris.Wrapf(err, "sqlite: parse date %q", date)
		}
		if position.Valid {
			p := position.Float64
			r.Position = &p
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: load metrics iterate")
}

func (s *SQLiteStore) ReplaceVisibility(ctx context.Context, propertyID string, dim model.Source, changes []model.VisibilityChange) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: replace visibility: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM visibility_changes WHERE property_id = ? AND dimension = ?`,
		propertyID, string(dim),
	); err != nil {
		return eris.Wrapf(err, "sqlite: clear %s visibility for %s", dim, propertyID)
	}

	values := make([][]any, len(changes))
	for i, c := range changes {
		values[i] = []any{propertyID, string(dim), c.Key, c.Category,
			c.PrevImpressions, c.LastImpressions, c.PrevClicks, c.LastClicks, c.DeltaPct, ts(c.AnalyzedAt)}
	}
	if _, err := db.UpsertBatches(ctx, sqliteExec(tx), visibilityUpsert, values, 0, db.Question); err != nil {
		return eris.Wrapf(err, "sqlite: write %s visibility for %s", dim, propertyID)
	}
	return eris.Wrap(tx.Commit(), "sqlite: replace visibility: commit tx")
}

func (s *SQLiteStore) ListVisibility(ctx context.Context, propertyID string, dim model.Source) ([]model.VisibilityChange, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT dim_key, category, prev_impressions, last_impressions, prev_clicks, last_clicks, delta_pct, analyzed_at
		 FROM visibility_changes WHERE property_id = ? AND dimension = ?
		 ORDER BY category, prev_impressions DESC, dim_key`,
		propertyID, string(dim),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list %s visibility for %s", dim, propertyID)
	}
	defer rows.Close()

	var out []model.VisibilityChange
	for rows.Next() {
		c := model.VisibilityChange{PropertyID: propertyID, Dimension: dim}
		var analyzed int64
		if err := rows.Scan(&c.Key, &c.Category, &c.PrevImpressions, &c.LastImpressions,
			&c.PrevClicks, &c.LastClicks, &c.DeltaPct, &analyzed); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan visibility")
		}
		c.AnalyzedAt = fromTS(analyzed)
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list visibility iterate")
}

// -- runs --

func (s *SQLiteStore) ReapRuns(ctx context.Context, accountID string, p ReapParams) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_runs
		 SET is_running = 0, completed_at = $2, updated_at = $2,
		     error = CASE WHEN started_at < $4 THEN $6 ELSE $5 END
		 WHERE account_id = $1 AND is_running = 1 AND (updated_at < $3 OR started_at < $4)`,
		accountID, ts(p.Now), ts(p.HeartbeatCutoff), ts(p.HardCutoff), p.StaleMsg, p.HardMsg,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: reap runs for %s", accountID)
	}
	return rowsAffected(res), nil
}

func (s *SQLiteStore) InsertRun(ctx context.Context, run *model.PipelineRun) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pipeline_runs (id, account_id, is_running, current_step, progress_current, progress_total, started_at, updated_at)
		 VALUES (?, ?, 1, ?, 0, 0, ?, ?)`,
		run.ID, run.AccountID, run.CurrentStep, ts(run.StartedAt), ts(run.StartedAt),
	)
	if isSQLiteUniqueViolation(err) {
		return eris.Wrapf(ErrAlreadyRunning, "sqlite: insert run for %s", run.AccountID)
	}
	return eris.Wrapf(err, "sqlite: insert run for %s", run.AccountID)
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, accountID, runID string, u model.RunUpdate, now time.Time) (bool, error) {
	var step, errMsg any
	if u.Step != nil {
		step = *u.Step
	}
	if u.Error != nil {
		errMsg = *u.Error
	}
	var cur, total any
	if u.ProgressCurrent != nil {
		cur = *u.ProgressCurrent
	}
	if u.ProgressTotal != nil {
		total = *u.ProgressTotal
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_runs SET
		   current_step = COALESCE($3, current_step),
		   progress_current = COALESCE($4, progress_current),
		   progress_total = COALESCE($5, progress_total),
		   error = COALESCE($6, error),
		   is_running = CASE WHEN $7 THEN 0 ELSE 1 END,
		   completed_at = CASE WHEN $7 THEN $8 ELSE completed_at END,
		   updated_at = $8
		 WHERE id = $1 AND account_id = $2 AND is_running = 1`,
		runID, accountID, step, cur, total, errMsg, u.Finish, ts(now),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: update run %s", runID)
	}
	return rowsAffected(res) > 0, nil
}

func scanSQLiteRun(sc interface{ Scan(...any) error }) (*model.PipelineRun, error) {
	var r model.PipelineRun
	var started, updated int64
	var completed sql.NullInt64
	err := sc.Scan(&r.ID, &r.AccountID, &r.IsRunning, &r.CurrentStep, &r.ProgressCurrent, &r.ProgressTotal,
		&r.Error, &started, &completed, &updated)
	if err != nil {
		return nil, err
	}
	r.StartedAt = fromTS(started)
	r.UpdatedAt = fromTS(updated)
	r.CompletedAt = fromNullTS(completed)
	return &r, nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, accountID, runID string) (*model.PipelineRun, error) {
	r, err := scanSQLiteRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM pipeline_runs WHERE id = ? AND account_id = ?`, runID, accountID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get run %s", runID)
	}
	return r, nil
}

func (s *SQLiteStore) LatestRun(ctx context.Context, accountID string) (*model.PipelineRun, error) {
	r, err := scanSQLiteRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM pipeline_runs WHERE account_id = ? ORDER BY started_at DESC LIMIT 1`, accountID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: latest run for %s", accountID)
	}
	return r, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.PipelineRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM pipeline_runs
		 WHERE ($1 = '' OR account_id = $1)
		 ORDER BY started_at DESC LIMIT $2`,
		filter.AccountID, listLimit(filter.Limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var out []model.PipelineRun
	for rows.Next() {
		r, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) MarkRunsInterrupted(ctx context.Context, runIDs []string, msg string, now time.Time) (int64, error) {
	var total int64
	for _, id := range runIDs {
		res, err := s.db.ExecContext(ctx,
			`UPDATE pipeline_runs SET is_running = 0, error = ?, completed_at = ?, updated_at = ?
			 WHERE id = ? AND is_running = 1`,
			msg, ts(now), ts(now), id,
		)
		if err != nil {
			return total, eris.Wrapf(err, "sqlite: mark run %s interrupted", id)
		}
		total += rowsAffected(res)
	}
	return total, nil
}

// -- alerts --

func (s *SQLiteStore) RecentAlertExists(ctx context.Context, accountID, propertyID, alertType string, since time.Time) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM alerts
		 WHERE account_id = ? AND property_id = ? AND alert_type = ? AND triggered_at >= ?)`,
		accountID, propertyID, alertType, ts(since),
	).Scan(&exists)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: recent alert for %s", propertyID)
	}
	return exists, nil
}

func (s *SQLiteStore) InsertAlert(ctx context.Context, a *model.Alert) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts (id, account_id, property_id, alert_type, prev_window_value, last_window_value, delta_pct, triggered_at, email_sent)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		a.ID, a.AccountID, a.PropertyID, a.AlertType, a.PrevWindowValue, a.LastWindowValue, a.DeltaPct, ts(a.TriggeredAt),
	)
	return eris.Wrapf(err, "sqlite: insert alert for %s", a.PropertyID)
}

func scanSQLiteAlerts(rows *sql.Rows) ([]model.Alert, error) {
	defer rows.Close()
	var out []model.Alert
	for rows.Next() {
		var a model.Alert
		var triggered int64
		if err := rows.Scan(&a.ID, &a.AccountID, &a.PropertyID, &a.AlertType,
			&a.PrevWindowValue, &a.LastWindowValue, &a.DeltaPct, &triggered, &a.EmailSent); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan alert")
		}
		a.TriggeredAt = fromTS(triggered)
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: alerts iterate")
}

// ListPendingAlerts returns open alerts, least recently attempted first.
// SQLite sorts NULL before any value, so never-attempted alerts lead.
func (s *SQLiteStore) ListPendingAlerts(ctx context.Context, limit int) ([]model.Alert, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE email_sent = 0
		 ORDER BY last_attempt_at, triggered_at LIMIT ?`,
		listLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list pending alerts")
	}
	return scanSQLiteAlerts(rows)
}

func (s *SQLiteStore) ListAlerts(ctx context.Context, filter AlertFilter) ([]model.Alert, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+alertColumns+` FROM alerts
		 WHERE account_id = $1 AND ($2 = '' OR property_id = $2) AND triggered_at >= $3
		 ORDER BY triggered_at DESC LIMIT $4`,
		filter.AccountID, filter.PropertyID, ts(filter.Since), listLimit(filter.Limit),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list alerts for %s", filter.AccountID)
	}
	return scanSQLiteAlerts(rows)
}

func (s *SQLiteStore) MarkAlertAttempted(ctx context.Context, alertID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE alerts SET last_attempt_at = ? WHERE id = ?`, ts(at), alertID)
	return eris.Wrapf(err, "sqlite: mark alert %s attempted", alertID)
}

func (s *SQLiteStore) CloseAlert(ctx context.Context, alertID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE alerts SET email_sent = 1 WHERE id = ? AND email_sent = 0`, alertID)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: close alert %s", alertID)
	}
	return rowsAffected(res) > 0, nil
}

// -- subscriptions --

func (s *SQLiteStore) AddSubscription(ctx context.Context, sub model.Subscription) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alert_subscriptions (account_id, recipient, property_id, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (account_id, recipient, property_id) DO NOTHING`,
		sub.AccountID, sub.Recipient, sub.PropertyID, ts(s.clock()),
	)
	return eris.Wrapf(err, "sqlite: add subscription %s", sub.Recipient)
}

func (s *SQLiteStore) RemoveSubscription(ctx context.Context, accountID, recipient, propertyID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM alert_subscriptions WHERE account_id = ? AND recipient = ? AND property_id = ?`,
		accountID, recipient, propertyID,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: remove subscription %s", recipient)
	}
	return rowsAffected(res) > 0, nil
}

func (s *SQLiteStore) ListSubscriptions(ctx context.Context, accountID, propertyID string) ([]model.Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT account_id, recipient, property_id, created_at FROM alert_subscriptions
		 WHERE account_id = $1 AND ($2 = '' OR property_id = $2)
		 ORDER BY property_id, recipient`,
		accountID, propertyID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list subscriptions for %s", accountID)
	}
	defer rows.Close()

	var out []model.Subscription
	for rows.Next() {
		var sub model.Subscription
		var created int64
		if err := rows.Scan(&sub.AccountID, &sub.Recipient, &sub.PropertyID, &created); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan subscription")
		}
		sub.CreatedAt = fromTS(created)
		out = append(out, sub)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list subscriptions iterate")
}

// -- deliveries --

func (s *SQLiteStore) MaterializeDeliveries(ctx context.Context, alert model.Alert, recipients []string, now time.Time) (int64, error) {
	values := make([][]any, len(recipients))
	for i, r := range recipients {
		values[i] = []any{uuid.New().String(), alert.ID, alert.AccountID, alert.PropertyID, r, string(model.DeliveryUnsent), ts(now)}
	}
	n, err := db.UpsertBatches(ctx, sqliteExec(s.db), deliveriesInsert, values, 0, db.Question)
	return n, eris.Wrapf(err, "sqlite: materialize deliveries for %s", alert.ID)
}

func scanSQLiteDeliveries(rows *sql.Rows) ([]model.AlertDelivery, error) {
	defer rows.Close()
	var out []model.AlertDelivery
	for rows.Next() {
		var d model.AlertDelivery
		var state string
		var sent sql.NullInt64
		var created int64
		if err := rows.Scan(&d.ID, &d.AlertID, &d.AccountID, &d.PropertyID, &d.Recipient, &state, &sent, &created); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan delivery")
		}
		d.State = model.DeliveryState(state)
		d.SentAt = fromNullTS(sent)
		d.CreatedAt = fromTS(created)
		out = append(out, d)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: deliveries iterate")
}

// ClaimDelivery leases one unsent delivery under token, or returns nil when
// it is resolved or leased by someone else. The single connection
// serializes claimers.
func (s *SQLiteStore) ClaimDelivery(ctx context.Context, deliveryID, token string, now, leaseUntil time.Time) (*model.AlertDelivery, error) {
	rows, err := s.db.QueryContext(ctx,
		`UPDATE alert_deliveries SET claimed_until = ?, claim_token = ?
		 WHERE id = ? AND state = 'unsent' AND (claimed_until IS NULL OR claimed_until < ?)
		 RETURNING `+deliveryColumns,
		ts(leaseUntil), token, deliveryID, ts(now),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: claim delivery %s", deliveryID)
	}
	dls, err := scanSQLiteDeliveries(rows)
	if err != nil || len(dls) == 0 {
		return nil, err
	}
	return &dls[0], nil
}

func (s *SQLiteStore) LastSentAt(ctx context.Context, accountID, propertyID, recipient string) (*time.Time, error) {
	var t sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(sent_at) FROM alert_deliveries
		 WHERE account_id = ? AND property_id = ? AND recipient = ? AND state = 'sent'`,
		accountID, propertyID, recipient,
	).Scan(&t)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: last sent for %s", recipient)
	}
	return fromNullTS(t), nil
}

func (s *SQLiteStore) ResolveDelivery(ctx context.Context, deliveryID, token string, state model.DeliveryState, sentAt *time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE alert_deliveries SET state = ?, sent_at = ?, claimed_until = NULL, claim_token = NULL
		 WHERE id = ? AND state = 'unsent' AND claim_token = ?`,
		string(state), nullTS(sentAt), deliveryID, token,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: resolve delivery %s", deliveryID)
	}
	n := rowsAffected(res)
	if n == 0 {
		zap.L().Warn("sqlite: delivery resolved or claimed elsewhere", zap.String("delivery_id", deliveryID))
	}
	return n > 0, nil
}

func (s *SQLiteStore) ReleaseDelivery(ctx context.Context, deliveryID, token string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE alert_deliveries SET claimed_until = NULL, claim_token = NULL
		 WHERE id = ? AND state = 'unsent' AND claim_token = ?`, deliveryID, token)
	return eris.Wrapf(err, "sqlite: release delivery %s", deliveryID)
}

func (s *SQLiteStore) DeliveryCounts(ctx context.Context, alertID string) (DeliveryCounts, error) {
	var c DeliveryCounts
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(state = 'unsent'), 0),
		        COALESCE(SUM(state = 'sent'), 0),
		        COALESCE(SUM(state = 'suppressed'), 0)
		 FROM alert_deliveries WHERE alert_id = ?`,
		alertID,
	).Scan(&c.Total, &c.Unsent, &c.Sent, &c.Suppressed)
	if err != nil {
		return c, eris.Wrapf(err, "sqlite: delivery counts for %s", alertID)
	}
	return c, nil
}

func (s *SQLiteStore) ListDeliveries(ctx context.Context, alertID string) ([]model.AlertDelivery, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deliveryColumns+` FROM alert_deliveries WHERE alert_id = ? ORDER BY recipient`, alertID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list deliveries for %s", alertID)
	}
	return scanSQLiteDeliveries(rows)
}
