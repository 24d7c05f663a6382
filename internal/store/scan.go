package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/callcoach/internal/model"
)

// rowScanner is satisfied by *sql.Row, *sql.Rows, pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// notFound maps driver "no rows" errors onto model.ErrNotFound.
func notFound(err error, format string, args ...any) error {
	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, pgx.ErrNoRows) {
		return eris.Wrapf(model.ErrNotFound, format, args...)
	}
	return eris.Wrapf(err, format, args...)
}

func now() time.Time {
	return time.Now().UTC()
}

func marshal(v any, what string) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, eris.Wrapf(err, "store: marshal %s", what)
	}
	return b, nil
}

func unmarshal(b []byte, v any, what string) error {
	if len(b) == 0 {
		return nil
	}
	return eris.Wrapf(json.Unmarshal(b, v), "store: unmarshal %s", what)
}

const callColumns = `id, caller_id, transcript, sequence, previous_call_id, status, created_at, ended_at`

func scanCall(row rowScanner) (*model.Call, error) {
	var c model.Call
	var status string
	if err := row.Scan(&c.ID, &c.CallerID, &c.Transcript, &c.Sequence, &c.PreviousCallID, &status, &c.CreatedAt, &c.EndedAt); err != nil {
		return nil, err
	}
	c.Status = model.CallStatus(status)
	return &c, nil
}

const specColumns = `id, slug, version, name, description, output_type, status, active, compiled, priority, triggers, config, updated_at`

func scanSpec(row rowScanner) (*model.AnalysisSpec, error) {
	var s model.AnalysisSpec
	var outputType, status string
	var triggers, cfg []byte
	if err := row.Scan(&s.ID, &s.Slug, &s.Version, &s.Name, &s.Description, &outputType, &status,
		&s.Active, &s.Compiled, &s.Priority, &triggers, &cfg, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.OutputType = model.OutputType(outputType)
	s.Status = model.SpecStatus(status)
	if err := unmarshal(triggers, &s.Triggers, "spec triggers"); err != nil {
		return nil, err
	}
	if err := unmarshal(cfg, &s.Config, "spec config"); err != nil {
		return nil, err
	}
	return &s, nil
}

const parameterColumns = `id, name, definition, low_label, high_label, family, bucket`

func scanParameter(row rowScanner) (*model.Parameter, error) {
	var p model.Parameter
	var family string
	if err := row.Scan(&p.ID, &p.Name, &p.Definition, &p.LowLabel, &p.HighLabel, &family, &p.Bucket); err != nil {
		return nil, err
	}
	p.Family = model.ParameterFamily(family)
	return &p, nil
}

const scoreColumns = `call_id, parameter_id, score, confidence, evidence, spec_id, scorer_id, scored_at`

func scanScore(row rowScanner) (*model.CallScore, error) {
	var s model.CallScore
	if err := row.Scan(&s.CallID, &s.ParameterID, &s.Score, &s.Confidence, &s.Evidence, &s.SpecID, &s.ScorerID, &s.ScoredAt); err != nil {
		return nil, err
	}
	return &s, nil
}

const memoryColumns = `id, caller_id, key, value, category, confidence, evidence, source_call_id, superseded_by, created_at`

func scanMemory(row rowScanner) (*model.CallerMemory, error) {
	var m model.CallerMemory
	var supersededBy *string
	if err := row.Scan(&m.ID, &m.CallerID, &m.Key, &m.Value, &m.Category, &m.Confidence,
		&m.Evidence, &m.SourceCallID, &supersededBy, &m.CreatedAt); err != nil {
		return nil, err
	}
	if supersededBy != nil {
		m.SupersededByID = *supersededBy
	}
	return &m, nil
}

const measurementColumns = `call_id, parameter_id, actual_value, evidence, measured_at`

func scanMeasurement(row rowScanner) (*model.BehaviorMeasurement, error) {
	var m model.BehaviorMeasurement
	if err := row.Scan(&m.CallID, &m.ParameterID, &m.ActualValue, &m.Evidence, &m.MeasuredAt); err != nil {
		return nil, err
	}
	return &m, nil
}

const targetColumns = `scope, parameter_id, target_value, updated_at`

func scanTarget(row rowScanner) (*model.BehaviorTarget, error) {
	var t model.BehaviorTarget
	var scope string
	if err := row.Scan(&scope, &t.ParameterID, &t.TargetValue, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Scope = model.TargetScope(scope)
	return &t, nil
}

const goalColumns = `id, caller_id, type, content_spec_id, progress, status, created_at, updated_at, completed_at`

func scanGoal(row rowScanner) (*model.Goal, error) {
	var g model.Goal
	var typ, status string
	if err := row.Scan(&g.ID, &g.CallerID, &typ, &g.ContentSpecID, &g.Progress, &status,
		&g.CreatedAt, &g.UpdatedAt, &g.CompletedAt); err != nil {
		return nil, err
	}
	g.Type = model.GoalType(typ)
	g.Status = model.GoalStatus(status)
	return &g, nil
}

const attributeColumns = `caller_id, scope, key, value, updated_at`

func scanAttribute(row rowScanner) (*model.CallerAttribute, error) {
	var a model.CallerAttribute
	var value []byte
	if err := row.Scan(&a.CallerID, &a.Scope, &a.Key, &value, &a.UpdatedAt); err != nil {
		return nil, err
	}
	if err := unmarshal(value, &a.Value, "attribute value"); err != nil {
		return nil, err
	}
	return &a, nil
}

const promptColumns = `id, caller_id, trigger_type, trigger_call_id, format, content, status, created_at`

func scanPrompt(row rowScanner) (*model.ComposedPrompt, error) {
	var p model.ComposedPrompt
	var format, status string
	if err := row.Scan(&p.ID, &p.CallerID, &p.TriggerType, &p.TriggerCallID, &format, &p.Content, &status, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.Format = model.PromptFormat(format)
	p.Status = model.PromptStatus(status)
	return &p, nil
}

const runColumns = `id, call_id, caller_id, engine, status, stages, total_tokens, total_cost, created_at, updated_at`

func scanRun(row rowScanner) (*model.PipelineRun, error) {
	var r model.PipelineRun
	var engine, status string
	var stages []byte
	if err := row.Scan(&r.ID, &r.CallID, &r.CallerID, &engine, &status, &stages, &r.TotalTokens, &r.TotalCost,
		&r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Engine = model.Engine(engine)
	r.Status = model.RunStatus(status)
	if err := unmarshal(stages, &r.Stages, "run stages"); err != nil {
		return nil, err
	}
	return &r, nil
}

// collect drains rows through scan.
func collect[T any](next func() bool, row rowScanner, scan func(rowScanner) (*T, error)) ([]T, error) {
	var out []T
	for next() {
		v, err := scan(row)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, nil
}
