package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/callcoach/internal/db"
	"github.com/sells-group/callcoach/internal/model"
)

const (
	pgUpsertCallScore = `INSERT INTO call_scores (` + scoreColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	 ON CONFLICT (call_id, parameter_id) DO UPDATE SET
		score = EXCLUDED.score, confidence = EXCLUDED.confidence, evidence = EXCLUDED.evidence,
		spec_id = EXCLUDED.spec_id, scorer_id = EXCLUDED.scorer_id, scored_at = EXCLUDED.scored_at`

	pgUpsertMeasurement = `INSERT INTO behavior_measurements (` + measurementColumns + `) VALUES ($1, $2, $3, $4, $5)
	 ON CONFLICT (call_id, parameter_id) DO UPDATE SET
		actual_value = EXCLUDED.actual_value, evidence = EXCLUDED.evidence, measured_at = EXCLUDED.measured_at`

	pgCurrentMemory = `SELECT ` + memoryColumns + ` FROM caller_memories
	 WHERE caller_id = $1 AND key = $2 AND superseded_by IS NULL`

	pgGetAttribute = `SELECT ` + attributeColumns + ` FROM caller_attributes
	 WHERE caller_id = $1 AND scope = $2 AND key = $3`

	pgSetAttribute = `INSERT INTO caller_attributes (` + attributeColumns + `) VALUES ($1, $2, $3, $4, $5)
	 ON CONFLICT (caller_id, scope, key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`
)

// --- Caller-trait scores ---

func (s *PostgresStore) UpsertCallScore(ctx context.Context, sc *model.CallScore) error {
	if sc.ScoredAt.IsZero() {
		sc.ScoredAt = now()
	}
	_, err := s.pool.Exec(ctx, pgUpsertCallScore,
		sc.CallID, sc.ParameterID, sc.Score, sc.Confidence, sc.Evidence, sc.SpecID, sc.ScorerID, sc.ScoredAt,
	)
	return eris.Wrapf(err, "postgres: upsert call score %s/%s", sc.CallID, sc.ParameterID)
}

func (s *PostgresStore) ListCallScores(ctx context.Context, callID string) ([]model.CallScore, error) {
	return s.listScores(ctx,
		`SELECT `+scoreColumns+` FROM call_scores WHERE call_id = $1 ORDER BY parameter_id`, callID)
}

func (s *PostgresStore) ListCallerScores(ctx context.Context, callerID string) ([]model.CallScore, error) {
	return s.listScores(ctx,
		`SELECT cs.call_id, cs.parameter_id, cs.score, cs.confidence, cs.evidence, cs.spec_id, cs.scorer_id, cs.scored_at
		 FROM call_scores cs JOIN calls c ON c.id = cs.call_id
		 WHERE c.caller_id = $1 ORDER BY c.sequence, cs.parameter_id`, callerID)
}

func (s *PostgresStore) listScores(ctx context.Context, query string, args ...any) ([]model.CallScore, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list call scores")
	}
	defer rows.Close()
	out, err := collect(rows.Next, rows, scanScore)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan call score")
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate call scores")
}

// --- Memories ---

func (s *PostgresStore) CurrentMemory(ctx context.Context, callerID, key string) (*model.CallerMemory, error) {
	m, err := scanMemory(s.pool.QueryRow(ctx, pgCurrentMemory, callerID, key))
	if err != nil {
		return nil, notFound(err, "postgres: current memory %s/%s", callerID, key)
	}
	return m, nil
}

func (s *PostgresStore) ListCurrentMemories(ctx context.Context, callerID string) ([]model.CallerMemory, error) {
	return s.listMemories(ctx,
		`SELECT `+memoryColumns+` FROM caller_memories
		 WHERE caller_id = $1 AND superseded_by IS NULL
		 ORDER BY category, confidence DESC, key`, callerID)
}

func (s *PostgresStore) ListMemoryHistory(ctx context.Context, callerID, key string) ([]model.CallerMemory, error) {
	return s.listMemories(ctx,
		`SELECT `+memoryColumns+` FROM caller_memories
		 WHERE caller_id = $1 AND key = $2 ORDER BY created_at, id`, callerID, key)
}

func (s *PostgresStore) listMemories(ctx context.Context, query string, args ...any) ([]model.CallerMemory, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list memories")
	}
	defer rows.Close()
	out, err := collect(rows.Next, rows, scanMemory)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan memory")
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate memories")
}

// SaveMemory inserts m as the current memory for its (caller, key). Any prior
// current memory is pointed at m in the same transaction.
func (s *PostgresStore) SaveMemory(ctx context.Context, m *model.CallerMemory) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now()
	}
	m.SupersededByID = ""

	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`UPDATE caller_memories SET superseded_by = $1
			 WHERE caller_id = $2 AND key = $3 AND superseded_by IS NULL`,
			m.ID, m.CallerID, m.Key,
		); err != nil {
			return eris.Wrapf(err, "postgres: supersede memory %s/%s", m.CallerID, m.Key)
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO caller_memories (`+memoryColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULL, $9)`,
			m.ID, m.CallerID, m.Key, m.Value, m.Category, m.Confidence, m.Evidence, m.SourceCallID, m.CreatedAt,
		)
		return eris.Wrapf(err, "postgres: insert memory %s/%s", m.CallerID, m.Key)
	})
}

// --- Agent behavior ---

func (s *PostgresStore) UpsertBehaviorMeasurement(ctx context.Context, m *model.BehaviorMeasurement) error {
	if m.MeasuredAt.IsZero() {
		m.MeasuredAt = now()
	}
	_, err := s.pool.Exec(ctx, pgUpsertMeasurement, m.CallID, m.ParameterID, m.ActualValue, m.Evidence, m.MeasuredAt)
	return eris.Wrapf(err, "postgres: upsert measurement %s/%s", m.CallID, m.ParameterID)
}

func (s *PostgresStore) ListBehaviorMeasurements(ctx context.Context, callID string) ([]model.BehaviorMeasurement, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+measurementColumns+` FROM behavior_measurements WHERE call_id = $1 ORDER BY parameter_id`, callID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list measurements %s", callID)
	}
	defer rows.Close()
	out, err := collect(rows.Next, rows, scanMeasurement)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan measurement")
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate measurements")
}

func (s *PostgresStore) GetBehaviorTarget(ctx context.Context, scope model.TargetScope, parameterID string) (*model.BehaviorTarget, error) {
	t, err := scanTarget(s.pool.QueryRow(ctx,
		`SELECT `+targetColumns+` FROM behavior_targets WHERE scope = $1 AND parameter_id = $2`, string(scope), parameterID))
	if err != nil {
		return nil, notFound(err, "postgres: get target %s/%s", scope, parameterID)
	}
	return t, nil
}

func (s *PostgresStore) ListBehaviorTargets(ctx context.Context, scope model.TargetScope) ([]model.BehaviorTarget, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+targetColumns+` FROM behavior_targets WHERE scope = $1 ORDER BY parameter_id`, string(scope))
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list targets %s", scope)
	}
	defer rows.Close()
	out, err := collect(rows.Next, rows, scanTarget)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan target")
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate targets")
}

func (s *PostgresStore) UpsertBehaviorTarget(ctx context.Context, t *model.BehaviorTarget) error {
	t.UpdatedAt = now()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO behavior_targets (`+targetColumns+`) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (scope, parameter_id) DO UPDATE SET
			target_value = EXCLUDED.target_value, updated_at = EXCLUDED.updated_at`,
		string(t.Scope), t.ParameterID, t.TargetValue, t.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: upsert target %s/%s", t.Scope, t.ParameterID)
}

func (s *PostgresStore) UpsertRewardScore(ctx context.Context, r *model.RewardScore) error {
	if r.ComputedAt.IsZero() {
		r.ComputedAt = now()
	}
	diffs, err := marshal(r.Diffs, "reward diffs")
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO reward_scores (call_id, overall_score, diffs, computed_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (call_id) DO UPDATE SET
			overall_score = EXCLUDED.overall_score, diffs = EXCLUDED.diffs, computed_at = EXCLUDED.computed_at`,
		r.CallID, r.OverallScore, diffs, r.ComputedAt,
	)
	return eris.Wrapf(err, "postgres: upsert reward %s", r.CallID)
}

func (s *PostgresStore) GetRewardScore(ctx context.Context, callID string) (*model.RewardScore, error) {
	var r model.RewardScore
	var diffs []byte
	err := s.pool.QueryRow(ctx,
		`SELECT call_id, overall_score, diffs, computed_at FROM reward_scores WHERE call_id = $1`, callID,
	).Scan(&r.CallID, &r.OverallScore, &diffs, &r.ComputedAt)
	if err != nil {
		return nil, notFound(err, "postgres: get reward %s", callID)
	}
	if err := unmarshal(diffs, &r.Diffs, "reward diffs"); err != nil {
		return nil, err
	}
	return &r, nil
}

// --- Personality ---

func (s *PostgresStore) GetPersonality(ctx context.Context, callerID string) (*model.CallerPersonality, error) {
	var p model.CallerPersonality
	var traits []byte
	err := s.pool.QueryRow(ctx,
		`SELECT caller_id, traits, calls_used, updated_at FROM caller_personalities WHERE caller_id = $1`, callerID,
	).Scan(&p.CallerID, &traits, &p.CallsUsed, &p.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "postgres: get personality %s", callerID)
	}
	if err := unmarshal(traits, &p.Traits, "personality traits"); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) SavePersonality(ctx context.Context, p *model.CallerPersonality) error {
	p.UpdatedAt = now()
	traits, err := marshal(p.Traits, "personality traits")
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO caller_personalities (caller_id, traits, calls_used, updated_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (caller_id) DO UPDATE SET
			traits = EXCLUDED.traits, calls_used = EXCLUDED.calls_used, updated_at = EXCLUDED.updated_at`,
		p.CallerID, traits, p.CallsUsed, p.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: save personality %s", p.CallerID)
}

// --- Goals and attributes ---

func (s *PostgresStore) GetGoal(ctx context.Context, callerID string, t model.GoalType, contentSpecID string) (*model.Goal, error) {
	g, err := scanGoal(s.pool.QueryRow(ctx,
		`SELECT `+goalColumns+` FROM goals WHERE caller_id = $1 AND type = $2 AND content_spec_id = $3`,
		callerID, string(t), contentSpecID))
	if err != nil {
		return nil, notFound(err, "postgres: get goal %s/%s/%s", callerID, t, contentSpecID)
	}
	return g, nil
}

func (s *PostgresStore) ListGoals(ctx context.Context, callerID string) ([]model.Goal, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+goalColumns+` FROM goals WHERE caller_id = $1 ORDER BY created_at, id`, callerID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list goals %s", callerID)
	}
	defer rows.Close()
	out, err := collect(rows.Next, rows, scanGoal)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan goal")
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate goals")
}

// SaveGoal upserts g by (caller, type, content spec) and sets g.ID to the
// stored row's id.
func (s *PostgresStore) SaveGoal(ctx context.Context, g *model.Goal) error {
	if g.ID == "" {
		g.ID = uuid.New().String()
	}
	ts := now()
	if g.CreatedAt.IsZero() {
		g.CreatedAt = ts
	}
	if g.UpdatedAt.IsZero() {
		g.UpdatedAt = ts
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO goals (`+goalColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (caller_id, type, content_spec_id) DO UPDATE SET
			progress = EXCLUDED.progress, status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at, completed_at = EXCLUDED.completed_at
		 RETURNING id`,
		g.ID, g.CallerID, string(g.Type), g.ContentSpecID, g.Progress, string(g.Status), g.CreatedAt, g.UpdatedAt, g.CompletedAt,
	).Scan(&g.ID)
	return eris.Wrapf(err, "postgres: save goal %s/%s", g.CallerID, g.ContentSpecID)
}

func (s *PostgresStore) GetAttribute(ctx context.Context, callerID, scope, key string) (*model.CallerAttribute, error) {
	a, err := scanAttribute(s.pool.QueryRow(ctx, pgGetAttribute, callerID, scope, key))
	if err != nil {
		return nil, notFound(err, "postgres: get attribute %s/%s", callerID, key)
	}
	return a, nil
}

func (s *PostgresStore) ListAttributes(ctx context.Context, callerID, scope string) ([]model.CallerAttribute, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+attributeColumns+` FROM caller_attributes WHERE caller_id = $1 AND scope = $2 ORDER BY key`,
		callerID, scope)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list attributes %s", callerID)
	}
	defer rows.Close()
	out, err := collect(rows.Next, rows, scanAttribute)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan attribute")
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate attributes")
}

func (s *PostgresStore) SetAttribute(ctx context.Context, a *model.CallerAttribute) error {
	a.UpdatedAt = now()
	value, err := marshal(a.Value, "attribute value")
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, pgSetAttribute, a.CallerID, a.Scope, a.Key, value, a.UpdatedAt)
	return eris.Wrapf(err, "postgres: set attribute %s/%s", a.CallerID, a.Key)
}

// --- Prompts ---

// SavePrompt stores p as the caller's active prompt, superseding the previous
// one in the same transaction.
func (s *PostgresStore) SavePrompt(ctx context.Context, p *model.ComposedPrompt) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now()
	}
	p.Status = model.PromptActive

	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`UPDATE composed_prompts SET status = $1 WHERE caller_id = $2 AND status = $3`,
			string(model.PromptSuperseded), p.CallerID, string(model.PromptActive),
		); err != nil {
			return eris.Wrapf(err, "postgres: supersede prompt %s", p.CallerID)
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO composed_prompts (`+promptColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			p.ID, p.CallerID, p.TriggerType, p.TriggerCallID, string(p.Format), p.Content, string(p.Status), p.CreatedAt,
		)
		return eris.Wrapf(err, "postgres: insert prompt %s", p.CallerID)
	})
}

func (s *PostgresStore) GetActivePrompt(ctx context.Context, callerID string) (*model.ComposedPrompt, error) {
	p, err := scanPrompt(s.pool.QueryRow(ctx,
		`SELECT `+promptColumns+` FROM composed_prompts WHERE caller_id = $1 AND status = $2`,
		callerID, string(model.PromptActive)))
	if err != nil {
		return nil, notFound(err, "postgres: active prompt %s", callerID)
	}
	return p, nil
}

func (s *PostgresStore) ListPrompts(ctx context.Context, callerID string) ([]model.ComposedPrompt, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+promptColumns+` FROM composed_prompts WHERE caller_id = $1 ORDER BY created_at DESC, id`, callerID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list prompts %s", callerID)
	}
	defer rows.Close()
	out, err := collect(rows.Next, rows, scanPrompt)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan prompt")
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate prompts")
}

var _ Store = (*PostgresStore)(nil)
