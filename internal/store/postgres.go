package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/callcoach/internal/db"
	"github.com/sells-group/callcoach/internal/model"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const undefinedTable = "42P01"

// hotStatements are prepared on each new connection. They are prepared under
// their own text, so plain Exec and Query calls with that SQL reuse them.
var hotStatements = []string{pgUpsertCallScore, pgUpsertMeasurement, pgCurrentMemory, pgGetAttribute, pgSetAttribute}

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

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for _, sql := range hotStatements {
			if _, err := conn.Prepare(ctx, sql, sql); err != nil {
				var pgErr *pgconn.PgError
				if errors.As(err, &pgErr) && pgErr.Code == undefinedTable {
					// not migrated yet
					continue
				}
				return eris.Wrap(err, "postgres: prepare statement")
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

// Migrate applies the embedded migrations that have not run yet.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	return eris.Wrap(db.Migrate(ctx, s.pool, migrationFS, "migrations"), "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Callers and calls ---

func (s *PostgresStore) UpsertCaller(ctx context.Context, c *model.Caller) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO callers (id, name, phone, created_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, phone = EXCLUDED.phone`,
		c.ID, c.Name, c.Phone, c.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: upsert caller %s", c.ID)
}

func (s *PostgresStore) GetCaller(ctx context.Context, id string) (*model.Caller, error) {
	var c model.Caller
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, phone, created_at FROM callers WHERE id = $1`, id,
	).Scan(&c.ID, &c.Name, &c.Phone, &c.CreatedAt)
	if err != nil {
		return nil, notFound(err, "postgres: get caller %s", id)
	}
	return &c, nil
}

// StartCall locks the caller row so concurrent starts for one caller queue up
// behind each other.
func (s *PostgresStore) StartCall(ctx context.Context, callerID string) (*model.Call, error) {
	call := &model.Call{
		ID:        uuid.New().String(),
		CallerID:  callerID,
		Status:    model.CallStatusInProgress,
		CreatedAt: now(),
		Sequence:  1,
	}
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		var id string
		if err := tx.QueryRow(ctx, `SELECT id FROM callers WHERE id = $1 FOR UPDATE`, callerID).Scan(&id); err != nil {
			return notFound(err, "postgres: start call: caller %s", callerID)
		}

		last, err := scanCall(tx.QueryRow(ctx,
			`SELECT `+callColumns+` FROM calls WHERE caller_id = $1 ORDER BY sequence DESC LIMIT 1`, callerID))
		switch {
		case err == nil:
			if last.Status == model.CallStatusInProgress {
				return eris.Wrapf(model.ErrCallInProgress, "postgres: start call: caller %s has call %s open", callerID, last.ID)
			}
			call.Sequence = last.Sequence + 1
			call.PreviousCallID = last.ID
		case !errors.Is(err, pgx.ErrNoRows):
			return eris.Wrap(err, "postgres: start call: last call")
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO calls (`+callColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			call.ID, call.CallerID, call.Transcript, call.Sequence, call.PreviousCallID, string(call.Status), call.CreatedAt, call.EndedAt,
		)
		return eris.Wrap(err, "postgres: insert call")
	})
	if err != nil {
		return nil, err
	}
	return call, nil
}

func (s *PostgresStore) CompleteCall(ctx context.Context, callID, transcript string) (*model.Call, error) {
	c, err := scanCall(s.pool.QueryRow(ctx,
		`UPDATE calls SET transcript = $1, status = $2, ended_at = COALESCE(ended_at, $3)
		 WHERE id = $4 RETURNING `+callColumns,
		transcript, string(model.CallStatusCompleted), now(), callID))
	if err != nil {
		return nil, notFound(err, "postgres: complete call %s", callID)
	}
	return c, nil
}

func (s *PostgresStore) GetCall(ctx context.Context, id string) (*model.Call, error) {
	c, err := scanCall(s.pool.QueryRow(ctx, `SELECT `+callColumns+` FROM calls WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "postgres: get call %s", id)
	}
	return c, nil
}

func (s *PostgresStore) PreviousCall(ctx context.Context, callID string) (*model.Call, error) {
	c, err := scanCall(s.pool.QueryRow(ctx,
		`SELECT prev.id, prev.caller_id, prev.transcript, prev.sequence, prev.previous_call_id, prev.status, prev.created_at, prev.ended_at
		 FROM calls cur JOIN calls prev ON prev.caller_id = cur.caller_id AND prev.sequence < cur.sequence
		 WHERE cur.id = $1 ORDER BY prev.sequence DESC LIMIT 1`, callID))
	if err != nil {
		return nil, notFound(err, "postgres: previous call for %s", callID)
	}
	return c, nil
}

func (s *PostgresStore) ListRecentCalls(ctx context.Context, callerID string, limit int) ([]model.Call, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+callColumns+` FROM calls WHERE caller_id = $1 ORDER BY sequence DESC LIMIT $2`, callerID, limit)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list recent calls %s", callerID)
	}
	defer rows.Close()
	out, err := collect(rows.Next, rows, scanCall)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan call")
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate calls")
}

// --- Specs, parameters and curricula ---

func (s *PostgresStore) ListActiveSpecs(ctx context.Context, outputType model.OutputType) ([]model.AnalysisSpec, error) {
	return s.listSpecs(ctx,
		`SELECT `+specColumns+` FROM analysis_specs WHERE output_type = $1 AND active AND compiled
		 ORDER BY priority, slug`, string(outputType))
}

func (s *PostgresStore) ListSpecs(ctx context.Context) ([]model.AnalysisSpec, error) {
	return s.listSpecs(ctx, `SELECT `+specColumns+` FROM analysis_specs ORDER BY output_type, priority, slug`)
}

func (s *PostgresStore) listSpecs(ctx context.Context, query string, args ...any) ([]model.AnalysisSpec, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list specs")
	}
	defer rows.Close()
	out, err := collect(rows.Next, rows, scanSpec)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan spec")
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate specs")
}

func (s *PostgresStore) GetSpec(ctx context.Context, slug string) (*model.AnalysisSpec, error) {
	spec, err := scanSpec(s.pool.QueryRow(ctx, `SELECT `+specColumns+` FROM analysis_specs WHERE slug = $1`, slug))
	if err != nil {
		return nil, notFound(err, "postgres: get spec %s", slug)
	}
	return spec, nil
}

func (s *PostgresStore) SaveSpec(ctx context.Context, spec *model.AnalysisSpec) error {
	if spec.ID == "" {
		spec.ID = uuid.New().String()
	}
	if spec.UpdatedAt.IsZero() {
		spec.UpdatedAt = now()
	}
	triggers, err := marshal(spec.Triggers, "spec triggers")
	if err != nil {
		return err
	}
	cfg, err := marshal(spec.Config, "spec config")
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO analysis_specs (`+specColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (slug) DO UPDATE SET
			version = EXCLUDED.version, name = EXCLUDED.name, description = EXCLUDED.description,
			output_type = EXCLUDED.output_type, status = EXCLUDED.status, active = EXCLUDED.active,
			compiled = EXCLUDED.compiled, priority = EXCLUDED.priority, triggers = EXCLUDED.triggers,
			config = EXCLUDED.config, updated_at = EXCLUDED.updated_at`,
		spec.ID, spec.Slug, spec.Version, spec.Name, spec.Description, string(spec.OutputType), string(spec.Status),
		spec.Active, spec.Compiled, spec.Priority, triggers, cfg, spec.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: save spec %s", spec.Slug)
}

func (s *PostgresStore) ListParameters(ctx context.Context) ([]model.Parameter, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+parameterColumns+` FROM parameters ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list parameters")
	}
	defer rows.Close()
	out, err := collect(rows.Next, rows, scanParameter)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan parameter")
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate parameters")
}

func (s *PostgresStore) SaveParameter(ctx context.Context, p *model.Parameter) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO parameters (`+parameterColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, definition = EXCLUDED.definition, low_label = EXCLUDED.low_label,
			high_label = EXCLUDED.high_label, family = EXCLUDED.family, bucket = EXCLUDED.bucket`,
		p.ID, p.Name, p.Definition, p.LowLabel, p.HighLabel, string(p.Family), p.Bucket,
	)
	return eris.Wrapf(err, "postgres: save parameter %s", p.ID)
}

func (s *PostgresStore) GetCurriculum(ctx context.Context, specSlug string) (*model.Curriculum, error) {
	var c model.Curriculum
	var modules []byte
	err := s.pool.QueryRow(ctx,
		`SELECT spec_slug, name, modules FROM curricula WHERE spec_slug = $1`, specSlug,
	).Scan(&c.SpecSlug, &c.Name, &modules)
	if err != nil {
		return nil, notFound(err, "postgres: get curriculum %s", specSlug)
	}
	if err := unmarshal(modules, &c.Modules, "curriculum modules"); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) SaveCurriculum(ctx context.Context, c *model.Curriculum) error {
	modules, err := marshal(c.Modules, "curriculum modules")
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO curricula (spec_slug, name, modules) VALUES ($1, $2, $3)
		 ON CONFLICT (spec_slug) DO UPDATE SET name = EXCLUDED.name, modules = EXCLUDED.modules`,
		c.SpecSlug, c.Name, modules,
	)
	return eris.Wrapf(err, "postgres: save curriculum %s", c.SpecSlug)
}

// --- Settings ---

func (s *PostgresStore) ListSettings(ctx context.Context) (map[string]json.RawMessage, error) {
	rows, err := s.pool.Query(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list settings")
	}
	defer rows.Close()

	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, eris.Wrap(err, "postgres: scan setting")
		}
		out[key] = json.RawMessage(value)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate settings")
}

func (s *PostgresStore) SetSetting(ctx context.Context, key string, value json.RawMessage) error {
	if !json.Valid(value) {
		return eris.Errorf("postgres: setting %s is not valid JSON", key)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		strings.TrimSpace(key), []byte(value), now(),
	)
	return eris.Wrapf(err, "postgres: set setting %s", key)
}

// --- Pipeline runs ---

func (s *PostgresStore) CreateRun(ctx context.Context, r *model.PipelineRun) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	ts := now()
	r.CreatedAt, r.UpdatedAt = ts, ts
	stages, err := marshal(r.Stages, "run stages")
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO pipeline_runs (`+runColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.ID, r.CallID, r.CallerID, string(r.Engine), string(r.Status), stages, r.TotalTokens, r.TotalCost,
		r.CreatedAt, r.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: insert run %s", r.ID)
}

func (s *PostgresStore) UpdateRun(ctx context.Context, r *model.PipelineRun) error {
	r.UpdatedAt = now()
	stages, err := marshal(r.Stages, "run stages")
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE pipeline_runs SET status = $1, stages = $2, total_tokens = $3, total_cost = $4, updated_at = $5 WHERE id = $6`,
		string(r.Status), stages, r.TotalTokens, r.TotalCost, r.UpdatedAt, r.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run %s", r.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(model.ErrNotFound, "postgres: update run %s", r.ID)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*model.PipelineRun, error) {
	r, err := scanRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM pipeline_runs WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "postgres: get run %s", id)
	}
	return r, nil
}
