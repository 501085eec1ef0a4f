package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/gsc-radar/internal/db"
	"github.com/sells-group/gsc-radar/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
	now     func() time.Time
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close, now: time.Now}, nil
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS accounts (
	id               TEXT PRIMARY KEY,
	email            TEXT NOT NULL UNIQUE,
	data_initialized BOOLEAN NOT NULL DEFAULT false,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS account_tokens (
	account_id TEXT PRIMARY KEY REFERENCES accounts(id),
	token      JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS properties (
	id               TEXT PRIMARY KEY,
	account_id       TEXT NOT NULL REFERENCES accounts(id),
	site_url         TEXT NOT NULL,
	base_domain      TEXT NOT NULL DEFAULT '',
	permission_level TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (account_id, site_url)
);

CREATE TABLE IF NOT EXISTS daily_metrics (
	property_id TEXT NOT NULL REFERENCES properties(id),
	source      TEXT NOT NULL,
	dim_key     TEXT NOT NULL DEFAULT '',
	date        DATE NOT NULL,
	clicks      BIGINT NOT NULL DEFAULT 0,
	impressions BIGINT NOT NULL DEFAULT 0,
	ctr         DOUBLE PRECISION NOT NULL DEFAULT 0,
	position    DOUBLE PRECISION,
	PRIMARY KEY (property_id, source, dim_key, date)
);

CREATE INDEX IF NOT EXISTS idx_daily_metrics_property_date ON daily_metrics(property_id, source, date);

CREATE TABLE IF NOT EXISTS visibility_changes (
	property_id      TEXT NOT NULL REFERENCES properties(id),
	dimension        TEXT NOT NULL,
	dim_key          TEXT NOT NULL,
	category         TEXT NOT NULL,
	prev_impressions BIGINT NOT NULL DEFAULT 0,
	last_impressions BIGINT NOT NULL DEFAULT 0,
	prev_clicks      BIGINT NOT NULL DEFAULT 0,
	last_clicks      BIGINT NOT NULL DEFAULT 0,
	delta_pct        DOUBLE PRECISION NOT NULL DEFAULT 0,
	analyzed_at      TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (property_id, dimension, dim_key)
);

CREATE TABLE IF NOT EXISTS pipeline_runs (
	id               TEXT PRIMARY KEY,
	account_id       TEXT NOT NULL REFERENCES accounts(id),
	is_running       BOOLEAN NOT NULL DEFAULT true,
	current_step     TEXT NOT NULL DEFAULT '',
	progress_current INTEGER NOT NULL DEFAULT 0,
	progress_total   INTEGER NOT NULL DEFAULT 0,
	error            TEXT,
	started_at       TIMESTAMPTZ NOT NULL,
	completed_at     TIMESTAMPTZ,
	updated_at       TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_pipeline_runs_active ON pipeline_runs(account_id) WHERE is_running;
CREATE INDEX IF NOT EXISTS idx_pipeline_runs_account_started ON pipeline_runs(account_id, started_at DESC);

CREATE TABLE IF NOT EXISTS alerts (
	id                TEXT PRIMARY KEY,
	account_id        TEXT NOT NULL REFERENCES accounts(id),
	property_id       TEXT NOT NULL REFERENCES properties(id),
	alert_type        TEXT NOT NULL,
	prev_window_value DOUBLE PRECISION NOT NULL,
	last_window_value DOUBLE PRECISION NOT NULL,
	delta_pct         DOUBLE PRECISION NOT NULL,
	triggered_at      TIMESTAMPTZ NOT NULL,
	email_sent        BOOLEAN NOT NULL DEFAULT false,
	last_attempt_at   TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_alerts_dedup ON alerts(account_id, property_id, alert_type, triggered_at DESC);
CREATE INDEX IF NOT EXISTS idx_alerts_pending ON alerts(last_attempt_at NULLS FIRST, triggered_at) WHERE NOT email_sent;

CREATE TABLE IF NOT EXISTS alert_subscriptions (
	account_id  TEXT NOT NULL REFERENCES accounts(id),
	recipient   TEXT NOT NULL,
	property_id TEXT NOT NULL REFERENCES properties(id),
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (account_id, recipient, property_id)
);

CREATE TABLE IF NOT EXISTS alert_deliveries (
	id            TEXT PRIMARY KEY,
	alert_id      TEXT NOT NULL REFERENCES alerts(id),
	account_id    TEXT NOT NULL REFERENCES accounts(id),
	property_id   TEXT NOT NULL REFERENCES properties(id),
	recipient     TEXT NOT NULL,
	state         TEXT NOT NULL DEFAULT 'unsent' CHECK (state IN ('unsent', 'sent', 'suppressed')),
	sent_at       TIMESTAMPTZ,
	claimed_until TIMESTAMPTZ,
	claim_token   TEXT,
	created_at    TIMESTAMPTZ NOT NULL,
	UNIQUE (alert_id, recipient)
);

CREATE INDEX IF NOT EXISTS idx_alert_deliveries_cooldown ON alert_deliveries(account_id, property_id, recipient, sent_at DESC) WHERE state = 'sent';
`

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) clock() time.Time {
	if s.now == nil {
		return time.Now().UTC()
	}
	return s.now().UTC()
}

type pgExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func pgExec(q pgExecer) db.ExecFunc {
	return func(ctx context.Context, sql string, args ...any) (int64, error) {
		tag, err := q.Exec(ctx, sql, args...)
		if err != nil {
			return 0, err
		}
		return tag.RowsAffected(), nil
	}
}

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// -- accounts --

func (s *PostgresStore) CreateAccount(ctx context.Context, email string) (*model.Account, error) {
	acct := &model.Account{ID: uuid.New().String(), Email: email, CreatedAt: s.clock()}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (id, email, data_initialized, created_at) VALUES ($1, $2, false, $3)`,
		acct.ID, acct.Email, acct.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: insert account %s", email)
	}
	return acct, nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	var a model.Account
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, data_initialized, created_at FROM accounts WHERE id = $1`, id,
	).Scan(&a.ID, &a.Email, &a.DataInitialized, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: account %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get account %s", id)
	}
	return &a, nil
}

func (s *PostgresStore) ListAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, email, data_initialized, created_at FROM accounts ORDER BY created_at`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list accounts")
	}
	defer rows.Close()

	var out []model.Account
	for rows.Next() {
		var a model.Account
		if err := rows.Scan(&a.ID, &a.Email, &a.DataInitialized, &a.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan account")
		}
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list accounts iterate")
}

func (s *PostgresStore) MarkAccountInitialized(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE accounts SET data_initialized = true WHERE id = $1`, id)
	return eris.Wrapf(err, "postgres: mark account %s initialized", id)
}

func (s *PostgresStore) SaveToken(ctx context.Context, accountID string, token []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO account_tokens (account_id, token, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (account_id) DO UPDATE SET token = EXCLUDED.token, updated_at = EXCLUDED.updated_at`,
		accountID, token, s.clock(),
	)
	return eris.Wrapf(err, "postgres: save token for %s", accountID)
}

func (s *PostgresStore) LoadToken(ctx context.Context, accountID string) ([]byte, error) {
	var token []byte
	err := s.pool.QueryRow(ctx,
		`SELECT token FROM account_tokens WHERE account_id = $1`, accountID,
	).Scan(&token)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: token for %s", accountID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: load token for %s", accountID)
	}
	return token, nil
}

// -- properties --

func (s *PostgresStore) UpsertProperties(ctx context.Context, accountID string, props []model.Property) ([]model.Property, error) {
	out := make([]model.Property, 0, len(props))
	for _, p := range props {
		p.AccountID = accountID
		err := s.pool.QueryRow(ctx,
			`INSERT INTO properties (id, account_id, site_url, base_domain, permission_level, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (account_id, site_url) DO UPDATE
			 SET base_domain = EXCLUDED.base_domain, permission_level = EXCLUDED.permission_level
			 RETURNING id, created_at`,
			uuid.New().String(), accountID, p.SiteURL, p.BaseDomain, p.PermissionLevel, s.clock(),
		).Scan(&p.ID, &p.CreatedAt)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: upsert property %s", p.SiteURL)
		}
		out = append(out, p)
	}
	return out, nil
}

const propertyColumns = `id, account_id, site_url, base_domain, permission_level, created_at`

func (s *PostgresStore) ListProperties(ctx context.Context, accountID string) ([]model.Property, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+propertyColumns+` FROM properties WHERE account_id = $1 ORDER BY site_url`, accountID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list properties for %s", accountID)
	}
	defer rows.Close()

	var out []model.Property
	for rows.Next() {
		var p model.Property
		if err := rows.Scan(&p.ID, &p.AccountID, &p.SiteURL, &p.BaseDomain, &p.PermissionLevel, &p.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan property")
		}
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list properties iterate")
}

func (s *PostgresStore) GetProperty(ctx context.Context, accountID, propertyID string) (*model.Property, error) {
	var p model.Property
	err := s.pool.QueryRow(ctx,
		`SELECT `+propertyColumns+` FROM properties WHERE account_id = $1 AND id = $2`, accountID, propertyID,
	).Scan(&p.ID, &p.AccountID, &p.SiteURL, &p.BaseDomain, &p.PermissionLevel, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: property %s", propertyID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get property %s", propertyID)
	}
	return &p, nil
}

// -- metrics --

func (s *PostgresStore) MetricCoverage(ctx context.Context, propertyID string, from, to time.Time) (map[model.Source]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT source, COUNT(DISTINCT date) FROM daily_metrics
		 WHERE property_id = $1 AND date BETWEEN $2 AND $3
		 GROUP BY source`,
		propertyID, model.Day(from), model.Day(to),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: metric coverage for %s", propertyID)
	}
	defer rows.Close()

	out := make(map[model.Source]int, len(model.AllSources))
	for rows.Next() {
		var src string
		var n int
		if err := rows.Scan(&src, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan coverage")
		}
		out[model.Source(src)] = n
	}
	return out, eris.Wrap(rows.Err(), "postgres: metric coverage iterate")
}

// SaveMetrics upserts all rows for a property in one transaction so a
// property's ingest either lands completely or not at all.
func (s *PostgresStore) SaveMetrics(ctx context.Context, propertyID string, rows []model.MetricRow, batchSize int) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	values := make([][]any, len(rows))
	for i, r := range rows {
		values[i] = []any{propertyID, string(r.Source), r.DimKey, model.Day(r.Date), r.Clicks, r.Impressions, r.CTR, r.Position}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: save metrics: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	n, err := db.UpsertBatches(ctx, pgExec(tx), metricsUpsert, values, batchSize, db.Dollar)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: save metrics for %s", propertyID)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "postgres: save metrics: commit tx")
	}
	return n, nil
}

func (s *PostgresStore) LatestMetricDate(ctx context.Context, propertyID string, source model.Source) (*time.Time, error) {
	var d *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT MAX(date) FROM daily_metrics WHERE property_id = $1 AND source = $2`,
		propertyID, string(source),
	).Scan(&d)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: latest metric date for %s", propertyID)
	}
	return d, nil
}

func (s *PostgresStore) LoadMetrics(ctx context.Context, propertyID string, source model.Source, from, to time.Time) ([]model.MetricRow, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT dim_key, date, clicks, impressions, ctr, position FROM daily_metrics
		 WHERE property_id = $1 AND source = $2 AND date BETWEEN $3 AND $4
		 ORDER BY date, dim_key`,
		propertyID, string(source), model.Day(from), model.Day(to),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: load %s metrics for %s", source, propertyID)
	}
	defer rows.Close()

	var out []model.MetricRow
	for rows.Next() {
		r := model.MetricRow{PropertyID: propertyID, Source: source}
		if err := rows.Scan(&r.DimKey, &r.Date, &r.Clicks, &r.Impressions, &r.CTR, &r.Position); err != nil {
			return nil, eris.Wrap(err, "postgres: scan metric")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: load metrics iterate")
}

func (s *PostgresStore) ReplaceVisibility(ctx context.Context, propertyID string, dim model.Source, changes []model.VisibilityChange) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: replace visibility: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`DELETE FROM visibility_changes WHERE property_id = $1 AND dimension = $2`,
		propertyID, string(dim),
	); err != nil {
		return eris.Wrapf(err, "postgres: clear %s visibility for %s", dim, propertyID)
	}

	values := make([][]any, len(changes))
	for i, c := range changes {
		values[i] = []any{propertyID, string(dim), c.Key, c.Category,
			c.PrevImpressions, c.LastImpressions, c.PrevClicks, c.LastClicks, c.DeltaPct, c.AnalyzedAt.UTC()}
	}
	if _, err := db.UpsertBatches(ctx, pgExec(tx), visibilityUpsert, values, 0, db.Dollar); err != nil {
		return eris.Wrapf(err, "postgres: write %s visibility for %s", dim, propertyID)
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: replace visibility: commit tx")
}

func (s *PostgresStore) ListVisibility(ctx context.Context, propertyID string, dim model.Source) ([]model.VisibilityChange, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT dim_key, category, prev_impressions, last_impressions, prev_clicks, last_clicks, delta_pct, analyzed_at
		 FROM visibility_changes WHERE property_id = $1 AND dimension = $2
		 ORDER BY category, prev_impressions DESC, dim_key`,
		propertyID, string(dim),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list %s visibility for %s", dim, propertyID)
	}
	defer rows.Close()

	var out []model.VisibilityChange
	for rows.Next() {
		c := model.VisibilityChange{PropertyID: propertyID, Dimension: dim}
		if err := rows.Scan(&c.Key, &c.Category, &c.PrevImpressions, &c.LastImpressions,
			&c.PrevClicks, &c.LastClicks, &c.DeltaPct, &c.AnalyzedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan visibility")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list visibility iterate")
}

// -- runs --

func (s *PostgresStore) ReapRuns(ctx context.Context, accountID string, p ReapParams) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE pipeline_runs
		 SET is_running = false, completed_at = $2, updated_at = $2,
		     error = CASE WHEN started_at < $4 THEN $6::text ELSE $5::text END
		 WHERE account_id = $1 AND is_running AND (updated_at < $3 OR started_at < $4)`,
		accountID, p.Now.UTC(), p.HeartbeatCutoff.UTC(), p.HardCutoff.UTC(), p.StaleMsg, p.HardMsg,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: reap runs for %s", accountID)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) InsertRun(ctx context.Context, run *model.PipelineRun) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO pipeline_runs (id, account_id, is_running, current_step, progress_current, progress_total, started_at, updated_at)
		 VALUES ($1, $2, true, $3, 0, 0, $4, $4)`,
		run.ID, run.AccountID, run.CurrentStep, run.StartedAt.UTC(),
	)
	if isPgUniqueViolation(err) {
		return eris.Wrapf(ErrAlreadyRunning, "postgres: insert run for %s", run.AccountID)
	}
	return eris.Wrapf(err, "postgres: insert run for %s", run.AccountID)
}

func (s *PostgresStore) UpdateRun(ctx context.Context, accountID, runID string, u model.RunUpdate, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE pipeline_runs SET
		   current_step = COALESCE($3, current_step),
		   progress_current = COALESCE($4, progress_current),
		   progress_total = COALESCE($5, progress_total),
		   error = COALESCE($6, error),
		   is_running = NOT $7::boolean,
		   completed_at = CASE WHEN $7::boolean THEN $8 ELSE completed_at END,
		   updated_at = $8
		 WHERE id = $1 AND account_id = $2 AND is_running`,
		runID, accountID, u.Step, u.ProgressCurrent, u.ProgressTotal, u.Error, u.Finish, now.UTC(),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: update run %s", runID)
	}
	return tag.RowsAffected() > 0, nil
}

const runColumns = `id, account_id, is_running, current_step, progress_current, progress_total,
	COALESCE(error, ''), started_at, completed_at, updated_at`

func scanPgRun(row pgx.Row) (*model.PipelineRun, error) {
	var r model.PipelineRun
	err := row.Scan(&r.ID, &r.AccountID, &r.IsRunning, &r.CurrentStep, &r.ProgressCurrent, &r.ProgressTotal,
		&r.Error, &r.StartedAt, &r.CompletedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) GetRun(ctx context.Context, accountID, runID string) (*model.PipelineRun, error) {
	r, err := scanPgRun(s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM pipeline_runs WHERE id = $1 AND account_id = $2`, runID, accountID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return r, nil
}

// LatestRun returns the most recently started run for the account, or nil
// when the account has never run.
func (s *PostgresStore) LatestRun(ctx context.Context, accountID string) (*model.PipelineRun, error) {
	r, err := scanPgRun(s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM pipeline_runs WHERE account_id = $1 ORDER BY started_at DESC LIMIT 1`, accountID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: latest run for %s", accountID)
	}
	return r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.PipelineRun, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+runColumns+` FROM pipeline_runs
		 WHERE ($1 = '' OR account_id = $1)
		 ORDER BY started_at DESC LIMIT $2`,
		filter.AccountID, listLimit(filter.Limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var out []model.PipelineRun
	for rows.Next() {
		r, err := scanPgRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) MarkRunsInterrupted(ctx context.Context, runIDs []string, msg string, now time.Time) (int64, error) {
	if len(runIDs) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE pipeline_runs SET is_running = false, error = $2, completed_at = $3, updated_at = $3
		 WHERE id = ANY($1) AND is_running`,
		runIDs, msg, now.UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: mark runs interrupted")
	}
	return tag.RowsAffected(), nil
}

// -- alerts --

func (s *PostgresStore) RecentAlertExists(ctx context.Context, accountID, propertyID, alertType string, since time.Time) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM alerts
		 WHERE account_id = $1 AND property_id = $2 AND alert_type = $3 AND triggered_at >= $4)`,
		accountID, propertyID, alertType, since.UTC(),
	).Scan(&exists)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: recent alert for %s", propertyID)
	}
	return exists, nil
}

func (s *PostgresStore) InsertAlert(ctx context.Context, a *model.Alert) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO alerts (id, account_id, property_id, alert_type, prev_window_value, last_window_value, delta_pct, triggered_at, email_sent)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, false)`,
		a.ID, a.AccountID, a.PropertyID, a.AlertType, a.PrevWindowValue, a.LastWindowValue, a.DeltaPct, a.TriggeredAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: insert alert for %s", a.PropertyID)
}

const alertColumns = `id, account_id, property_id, alert_type, prev_window_value, last_window_value, delta_pct, triggered_at, email_sent`

func (s *PostgresStore) scanAlerts(rows pgx.Rows) ([]model.Alert, error) {
	defer rows.Close()
	var out []model.Alert
	for rows.Next() {
		var a model.Alert
		if err := rows.Scan(&a.ID, &a.AccountID, &a.PropertyID, &a.AlertType,
			&a.PrevWindowValue, &a.LastWindowValue, &a.DeltaPct, &a.TriggeredAt, &a.EmailSent); err != nil {
			return nil, eris.Wrap(err, "postgres: scan alert")
		}
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: alerts iterate")
}

// ListPendingAlerts returns open alerts, least recently attempted first, so
// alerts that never close cannot keep newer ones out of the batch.
func (s *PostgresStore) ListPendingAlerts(ctx context.Context, limit int) ([]model.Alert, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE NOT email_sent
		 ORDER BY last_attempt_at NULLS FIRST, triggered_at LIMIT $1`,
		listLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list pending alerts")
	}
	return s.scanAlerts(rows)
}

func (s *PostgresStore) ListAlerts(ctx context.Context, filter AlertFilter) ([]model.Alert, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+alertColumns+` FROM alerts
		 WHERE account_id = $1 AND ($2 = '' OR property_id = $2) AND triggered_at >= $3
		 ORDER BY triggered_at DESC LIMIT $4`,
		filter.AccountID, filter.PropertyID, filter.Since.UTC(), listLimit(filter.Limit),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list alerts for %s", filter.AccountID)
	}
	return s.scanAlerts(rows)
}

func (s *PostgresStore) MarkAlertAttempted(ctx context.Context, alertID string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE alerts SET last_attempt_at = $2 WHERE id = $1`, alertID, at.UTC())
	return eris.Wrapf(err, "postgres: mark alert %s attempted", alertID)
}

func (s *PostgresStore) CloseAlert(ctx context.Context, alertID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE alerts SET email_sent = true WHERE id = $1 AND NOT email_sent`, alertID)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: close alert %s", alertID)
	}
	return tag.RowsAffected() > 0, nil
}

// -- subscriptions --

func (s *PostgresStore) AddSubscription(ctx context.Context, sub model.Subscription) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO alert_subscriptions (account_id, recipient, property_id, created_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (account_id, recipient, property_id) DO NOTHING`,
		sub.AccountID, sub.Recipient, sub.PropertyID, s.clock(),
	)
	return eris.Wrapf(err, "postgres: add subscription %s", sub.Recipient)
}

func (s *PostgresStore) RemoveSubscription(ctx context.Context, accountID, recipient, propertyID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM alert_subscriptions WHERE account_id = $1 AND recipient = $2 AND property_id = $3`,
		accountID, recipient, propertyID,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: remove subscription %s", recipient)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ListSubscriptions(ctx context.Context, accountID, propertyID string) ([]model.Subscription, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT account_id, recipient, property_id, created_at FROM alert_subscriptions
		 WHERE account_id = $1 AND ($2 = '' OR property_id = $2)
		 ORDER BY property_id, recipient`,
		accountID, propertyID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list subscriptions for %s", accountID)
	}
	defer rows.Close()

	var out []model.Subscription
	for rows.Next() {
		var sub model.Subscription
		if err := rows.Scan(&sub.AccountID, &sub.Recipient, &sub.PropertyID, &sub.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan subscription")
		}
		out = append(out, sub)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list subscriptions iterate")
}

// -- deliveries --

func (s *PostgresStore) MaterializeDeliveries(ctx context.Context, alert model.Alert, recipients []string, now time.Time) (int64, error) {
	values := make([][]any, len(recipients))
	for i, r := range recipients {
		values[i] = []any{uuid.New().String(), alert.ID, alert.AccountID, alert.PropertyID, r, string(model.DeliveryUnsent), now.UTC()}
	}
	n, err := db.UpsertBatches(ctx, pgExec(s.pool), deliveriesInsert, values, 0, db.Dollar)
	return n, eris.Wrapf(err, "postgres: materialize deliveries for %s", alert.ID)
}

const deliveryColumns = `id, alert_id, account_id, property_id, recipient, state, sent_at, created_at`

// ClaimDelivery leases one unsent delivery under token. It returns nil when
// the delivery is resolved, leased by someone else or row-locked by a
// concurrent claimer.
func (s *PostgresStore) ClaimDelivery(ctx context.Context, deliveryID, token string, now, leaseUntil time.Time) (*model.AlertDelivery, error) {
	var d model.AlertDelivery
	var state string
	err := s.pool.QueryRow(ctx,
		`UPDATE alert_deliveries SET claimed_until = $4, claim_token = $2
		 WHERE id = (
		   SELECT id FROM alert_deliveries
		   WHERE id = $1 AND state = 'unsent' AND (claimed_until IS NULL OR claimed_until < $3)
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+deliveryColumns,
		deliveryID, token, now.UTC(), leaseUntil.UTC(),
	).Scan(&d.ID, &d.AlertID, &d.AccountID, &d.PropertyID, &d.Recipient, &state, &d.SentAt, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: claim delivery %s", deliveryID)
	}
	d.State = model.DeliveryState(state)
	return &d, nil
}

func (s *PostgresStore) LastSentAt(ctx context.Context, accountID, propertyID, recipient string) (*time.Time, error) {
	var t *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT MAX(sent_at) FROM alert_deliveries
		 WHERE account_id = $1 AND property_id = $2 AND recipient = $3 AND state = 'sent'`,
		accountID, propertyID, recipient,
	).Scan(&t)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: last sent for %s", recipient)
	}
	return t, nil
}

// ResolveDelivery moves an unsent delivery claimed under token to a terminal
// state. It reports false when the delivery was already resolved or the
// claim has passed to another dispatcher.
func (s *PostgresStore) ResolveDelivery(ctx context.Context, deliveryID, token string, state model.DeliveryState, sentAt *time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE alert_deliveries SET state = $3, sent_at = $4, claimed_until = NULL, claim_token = NULL
		 WHERE id = $1 AND state = 'unsent' AND claim_token = $2`,
		deliveryID, token, string(state), sentAt,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: resolve delivery %s", deliveryID)
	}
	if tag.RowsAffected() == 0 {
		zap.L().Warn("postgres: delivery resolved or claimed elsewhere", zap.String("delivery_id", deliveryID))
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ReleaseDelivery(ctx context.Context, deliveryID, token string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE alert_deliveries SET claimed_until = NULL, claim_token = NULL
		 WHERE id = $1 AND state = 'unsent' AND claim_token = $2`, deliveryID, token)
	return eris.Wrapf(err, "postgres: release delivery %s", deliveryID)
}

func (s *PostgresStore) DeliveryCounts(ctx context.Context, alertID string) (DeliveryCounts, error) {
	var c DeliveryCounts
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE state = 'unsent'),
		        COUNT(*) FILTER (WHERE state = 'sent'),
		        COUNT(*) FILTER (WHERE state = 'suppressed')
		 FROM alert_deliveries WHERE alert_id = $1`,
		alertID,
	).Scan(&c.Total, &c.Unsent, &c.Sent, &c.Suppressed)
	if err != nil {
		return c, eris.Wrapf(err, "postgres: delivery counts for %s", alertID)
	}
	return c, nil
}

func (s *PostgresStore) ListDeliveries(ctx context.Context, alertID string) ([]model.AlertDelivery, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+deliveryColumns+` FROM alert_deliveries WHERE alert_id = $1 ORDER BY recipient`, alertID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list deliveries for %s", alertID)
	}
	defer rows.Close()

	var out []model.AlertDelivery
	for rows.Next() {
		var d model.AlertDelivery
		var state string
		if err := rows.Scan(&d.ID, &d.AlertID, &d.AccountID, &d.PropertyID, &d.Recipient, &state, &d.SentAt, &d.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan delivery")
		}
		d.State = model.DeliveryState(state)
		out = append(out, d)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list deliveries iterate")
}
