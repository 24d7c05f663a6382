package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/callcoach/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// A single writer connection keeps supersede transactions serialized.
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
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS callers (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	phone      TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS calls (
	id               TEXT PRIMARY KEY,
	caller_id        TEXT NOT NULL REFERENCES callers(id),
	transcript       TEXT NOT NULL DEFAULT '',
	sequence         INTEGER NOT NULL,
	previous_call_id TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL,
	created_at       DATETIME NOT NULL,
	ended_at         DATETIME,
	UNIQUE (caller_id, sequence)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_calls_one_in_progress ON calls(caller_id) WHERE status = 'in_progress';

CREATE TABLE IF NOT EXISTS parameters (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	definition TEXT NOT NULL DEFAULT '',
	low_label  TEXT NOT NULL DEFAULT '',
	high_label TEXT NOT NULL DEFAULT '',
	family     TEXT NOT NULL DEFAULT '',
	bucket     TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS analysis_specs (
	id          TEXT PRIMARY KEY,
	slug        TEXT NOT NULL UNIQUE,
	version     INTEGER NOT NULL DEFAULT 1,
	name        TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	output_type TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'draft',
	active      INTEGER NOT NULL DEFAULT 0,
	compiled    INTEGER NOT NULL DEFAULT 0,
	priority    INTEGER NOT NULL DEFAULT 0,
	triggers    TEXT NOT NULL DEFAULT '[]',
	config      TEXT NOT NULL DEFAULT '{}',
	updated_at  DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_analysis_specs_type ON analysis_specs(output_type, active, compiled);

CREATE TABLE IF NOT EXISTS curricula (
	spec_slug TEXT PRIMARY KEY,
	name      TEXT NOT NULL DEFAULT '',
	modules   TEXT NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS call_scores (
	call_id      TEXT NOT NULL REFERENCES calls(id),
	parameter_id TEXT NOT NULL,
	score        REAL NOT NULL,
	confidence   REAL NOT NULL,
	evidence     TEXT NOT NULL DEFAULT '',
	spec_id      TEXT NOT NULL DEFAULT '',
	scorer_id    TEXT NOT NULL DEFAULT '',
	scored_at    DATETIME NOT NULL,
	PRIMARY KEY (call_id, parameter_id)
);

CREATE TABLE IF NOT EXISTS caller_memories (
	id             TEXT PRIMARY KEY,
	caller_id      TEXT NOT NULL REFERENCES callers(id),
	key            TEXT NOT NULL,
	value          TEXT NOT NULL,
	category       TEXT NOT NULL,
	confidence     REAL NOT NULL,
	evidence       TEXT NOT NULL DEFAULT '',
	source_call_id TEXT NOT NULL DEFAULT '',
	superseded_by  TEXT,
	created_at     DATETIME NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_caller_memories_current ON caller_memories(caller_id, key) WHERE superseded_by IS NULL;

CREATE TABLE IF NOT EXISTS behavior_measurements (
	call_id      TEXT NOT NULL REFERENCES calls(id),
	parameter_id TEXT NOT NULL,
	actual_value REAL NOT NULL,
	evidence     TEXT NOT NULL DEFAULT '',
	measured_at  DATETIME NOT NULL,
	PRIMARY KEY (call_id, parameter_id)
);

CREATE TABLE IF NOT EXISTS behavior_targets (
	scope        TEXT NOT NULL,
	parameter_id TEXT NOT NULL,
	target_value REAL NOT NULL,
	updated_at   DATETIME NOT NULL,
	PRIMARY KEY (scope, parameter_id)
);

CREATE TABLE IF NOT EXISTS reward_scores (
	call_id       TEXT PRIMARY KEY REFERENCES calls(id),
	overall_score REAL NOT NULL,
	diffs         TEXT NOT NULL DEFAULT '[]',
	computed_at   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS caller_personalities (
	caller_id  TEXT PRIMARY KEY REFERENCES callers(id),
	traits     TEXT NOT NULL DEFAULT '{}',
	calls_used INTEGER NOT NULL DEFAULT 0,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS goals (
	id              TEXT PRIMARY KEY,
	caller_id       TEXT NOT NULL REFERENCES callers(id),
	type            TEXT NOT NULL,
	content_spec_id TEXT NOT NULL,
	progress        REAL NOT NULL DEFAULT 0,
	status          TEXT NOT NULL,
	created_at      DATETIME NOT NULL,
	updated_at      DATETIME NOT NULL,
	completed_at    DATETIME,
	UNIQUE (caller_id, type, content_spec_id)
);

CREATE TABLE IF NOT EXISTS caller_attributes (
	caller_id  TEXT NOT NULL REFERENCES callers(id),
	scope      TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      TEXT NOT NULL,
	updated_at DATETIME NOT NULL,
	PRIMARY KEY (caller_id, scope, key)
);

CREATE TABLE IF NOT EXISTS composed_prompts (
	id              TEXT PRIMARY KEY,
	caller_id       TEXT NOT NULL REFERENCES callers(id),
	trigger_type    TEXT NOT NULL,
	trigger_call_id TEXT NOT NULL DEFAULT '',
	format          TEXT NOT NULL,
	content         TEXT NOT NULL,
	status          TEXT NOT NULL,
	created_at      DATETIME NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_composed_prompts_active ON composed_prompts(caller_id) WHERE status = 'active';

CREATE TABLE IF NOT EXISTS settings (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS pipeline_runs (
	id           TEXT PRIMARY KEY,
	call_id      TEXT NOT NULL,
	caller_id    TEXT NOT NULL,
	engine       TEXT NOT NULL,
	status       TEXT NOT NULL,
	stages       TEXT NOT NULL DEFAULT '[]',
	total_tokens INTEGER NOT NULL DEFAULT 0,
	total_cost   REAL NOT NULL DEFAULT 0,
	created_at   DATETIME NOT NULL,
	updated_at   DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pipeline_runs_call ON pipeline_runs(call_id);
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

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

// withTx runs fn in a transaction, rolling back on error.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit tx")
}

// --- Callers and calls ---

func (s *SQLiteStore) UpsertCaller(ctx context.Context, c *model.Caller) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO callers (id, name, phone, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET name = excluded.name, phone = excluded.phone`,
		c.ID, c.Name, c.Phone, c.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: upsert caller %s", c.ID)
}

func (s *SQLiteStore) GetCaller(ctx context.Context, id string) (*model.Caller, error) {
	var c model.Caller
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, phone, created_at FROM callers WHERE id = ?`, id,
	).Scan(&c.ID, &c.Name, &c.Phone, &c.CreatedAt)
	if err != nil {
		return nil, notFound(err, "sqlite: get caller %s", id)
	}
	return &c, nil
}

func (s *SQLiteStore) StartCall(ctx context.Context, callerID string) (*model.Call, error) {
	call := &model.Call{
		ID:        uuid.New().String(),
		CallerID:  callerID,
		Status:    model.CallStatusInProgress,
		CreatedAt: now(),
		Sequence:  1,
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM callers WHERE id = ?`, callerID).Scan(&exists); err != nil {
			return notFound(err, "sqlite: start call: caller %s", callerID)
		}

		last, err := scanCall(tx.QueryRowContext(ctx,
			`SELECT `+callColumns+` FROM calls WHERE caller_id = ? ORDER BY sequence DESC LIMIT 1`, callerID))
		switch {
		case err == nil:
			if last.Status == model.CallStatusInProgress {
				return eris.Wrapf(model.ErrCallInProgress, "sqlite: start call: caller %s has call %s open", callerID, last.ID)
			}
			call.Sequence = last.Sequence + 1
			call.PreviousCallID = last.ID
		case !errors.Is(err, sql.ErrNoRows):
			return eris.Wrap(err, "sqlite: start call: last call")
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO calls (`+callColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			call.ID, call.CallerID, call.Transcript, call.Sequence, call.PreviousCallID, string(call.Status), call.CreatedAt, nullTime(call.EndedAt),
		)
		return eris.Wrap(err, "sqlite: insert call")
	})
	if err != nil {
		return nil, err
	}
	return call, nil
}

func (s *SQLiteStore) CompleteCall(ctx context.Context, callID, transcript string) (*model.Call, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE calls SET transcript = ?, status = ?, ended_at = COALESCE(ended_at, ?) WHERE id = ?`,
		transcript, string(model.CallStatusCompleted), now(), callID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: complete call %s", callID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, eris.Wrapf(model.ErrNotFound, "sqlite: complete call %s", callID)
	}
	return s.GetCall(ctx, callID)
}

func (s *SQLiteStore) GetCall(ctx context.Context, id string) (*model.Call, error) {
	c, err := scanCall(s.db.QueryRowContext(ctx, `SELECT `+callColumns+` FROM calls WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "sqlite: get call %s", id)
	}
	return c, nil
}

func (s *SQLiteStore) PreviousCall(ctx context.Context, callID string) (*model.Call, error) {
	c, err := scanCall(s.db.QueryRowContext(ctx,
		`SELECT `+callColumns+` FROM calls prev
		 WHERE prev.caller_id = (SELECT caller_id FROM calls WHERE id = ?)
		   AND prev.sequence < (SELECT sequence FROM calls WHERE id = ?)
		 ORDER BY prev.sequence DESC LIMIT 1`,
		callID, callID))
	if err != nil {
		return nil, notFound(err, "sqlite: previous call for %s", callID)
	}
	return c, nil
}

func (s *SQLiteStore) ListRecentCalls(ctx context.Context, callerID string, limit int) ([]model.Call, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+callColumns+` FROM calls WHERE caller_id = ? ORDER BY sequence DESC LIMIT ?`, callerID, limit)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list recent calls %s", callerID)
	}
	defer rows.Close()
	out, err := collect(rows.Next, rows, scanCall)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan call")
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate calls")
}

// --- Specs, parameters and curricula ---

func (s *SQLiteStore) ListActiveSpecs(ctx context.Context, outputType model.OutputType) ([]model.AnalysisSpec, error) {
	return s.listSpecs(ctx,
		`SELECT `+specColumns+` FROM analysis_specs WHERE output_type = ? AND active = 1 AND compiled = 1
		 ORDER BY priority, slug`, string(outputType))
}

func (s *SQLiteStore) ListSpecs(ctx context.Context) ([]model.AnalysisSpec, error) {
	return s.listSpecs(ctx, `SELECT `+specColumns+` FROM analysis_specs ORDER BY output_type, priority, slug`)
}

func (s *SQLiteStore) listSpecs(ctx context.Context, query string, args ...any) ([]model.AnalysisSpec, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list specs")
	}
	defer rows.Close()
	out, err := collect(rows.Next, rows, scanSpec)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan spec")
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate specs")
}

func (s *SQLiteStore) GetSpec(ctx context.Context, slug string) (*model.AnalysisSpec, error) {
	spec, err := scanSpec(s.db.QueryRowContext(ctx, `SELECT `+specColumns+` FROM analysis_specs WHERE slug = ?`, slug))
	if err != nil {
		return nil, notFound(err, "sqlite: get spec %s", slug)
	}
	return spec, nil
}

func (s *SQLiteStore) SaveSpec(ctx context.Context, spec *model.AnalysisSpec) error {
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
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO analysis_specs (`+specColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (slug) DO UPDATE SET
			version = excluded.version, name = excluded.name, description = excluded.description,
			output_type = excluded.output_type, status = excluded.status, active = excluded.active,
			compiled = excluded.compiled, priority = excluded.priority, triggers = excluded.triggers,
			config = excluded.config, updated_at = excluded.updated_at`,
		spec.ID, spec.Slug, spec.Version, spec.Name, spec.Description, string(spec.OutputType), string(spec.Status),
		spec.Active, spec.Compiled, spec.Priority, string(triggers), string(cfg), spec.UpdatedAt,
	)
	return eris.Wrapf(err, "sqlite: save spec %s", spec.Slug)
}

func (s *SQLiteStore) ListParameters(ctx context.Context) ([]model.Parameter, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+parameterColumns+` FROM parameters ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list parameters")
	}
	defer rows.Close()
	out, err := collect(rows.Next, rows, scanParameter)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan parameter")
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate parameters")
}

func (s *SQLiteStore) SaveParameter(ctx context.Context, p *model.Parameter) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO parameters (`+parameterColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
			name = excluded.name, definition = excluded.definition, low_label = excluded.low_label,
			high_label = excluded.high_label, family = excluded.family, bucket = excluded.bucket`,
		p.ID, p.Name, p.Definition, p.LowLabel, p.HighLabel, string(p.Family), p.Bucket,
	)
	return eris.Wrapf(err, "sqlite: save parameter %s", p.ID)
}

func (s *SQLiteStore) GetCurriculum(ctx context.Context, specSlug string) (*model.Curriculum, error) {
	var c model.Curriculum
	var modules []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT spec_slug, name, modules FROM curricula WHERE spec_slug = ?`, specSlug,
	).Scan(&c.SpecSlug, &c.Name, &modules)
	if err != nil {
		return nil, notFound(err, "sqlite: get curriculum %s", specSlug)
	}
	if err := unmarshal(modules, &c.Modules, "curriculum modules"); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *SQLiteStore) SaveCurriculum(ctx context.Context, c *model.Curriculum) error {
	modules, err := marshal(c.Modules, "curriculum modules")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO curricula (spec_slug, name, modules) VALUES (?, ?, ?)
		 ON CONFLICT (spec_slug) DO UPDATE SET name = excluded.name, modules = excluded.modules`,
		c.SpecSlug, c.Name, string(modules),
	)
	return eris.Wrapf(err, "sqlite: save curriculum %s", c.SpecSlug)
}

// --- Settings ---

func (s *SQLiteStore) ListSettings(ctx context.Context) (map[string]json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list settings")
	}
	defer rows.Close()

	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan setting")
		}
		out[key] = json.RawMessage(value)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate settings")
}

func (s *SQLiteStore) SetSetting(ctx context.Context, key string, value json.RawMessage) error {
	if !json.Valid(value) {
		return eris.Errorf("sqlite: setting %s is not valid JSON", key)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		strings.TrimSpace(key), string(value), now(),
	)
	return eris.Wrapf(err, "sqlite: set setting %s", key)
}

// --- Pipeline runs ---

func (s *SQLiteStore) CreateRun(ctx context.Context, r *model.PipelineRun) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	ts := now()
	r.CreatedAt, r.UpdatedAt = ts, ts
	stages, err := marshal(r.Stages, "run stages")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pipeline_runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.CallID, r.CallerID, string(r.Engine), string(r.Status), string(stages), r.TotalTokens, r.TotalCost,
		r.CreatedAt, r.UpdatedAt,
	)
	return eris.Wrapf(err, "sqlite: insert run %s", r.ID)
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, r *model.PipelineRun) error {
	r.UpdatedAt = now()
	stages, err := marshal(r.Stages, "run stages")
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_runs SET status = ?, stages = ?, total_tokens = ?, total_cost = ?, updated_at = ? WHERE id = ?`,
		string(r.Status), string(stages), r.TotalTokens, r.TotalCost, r.UpdatedAt, r.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run %s", r.ID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Wrapf(model.ErrNotFound, "sqlite: update run %s", r.ID)
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.PipelineRun, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM pipeline_runs WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "sqlite: get run %s", id)
	}
	return r, nil
}
