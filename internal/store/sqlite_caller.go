package store

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/callcoach/internal/model"
)

// --- Caller-trait scores ---

func (s *SQLiteStore) UpsertCallScore(ctx context.Context, sc *model.CallScore) error {
	if sc.ScoredAt.IsZero() {
		sc.ScoredAt = now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO call_scores (`+scoreColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (call_id, parameter_id) DO UPDATE SET
			score = excluded.score, confidence = excluded.confidence, evidence = excluded.evidence,
			spec_id = excluded.spec_id, scorer_id = excluded.scorer_id, scored_at = excluded.scored_at`,
		sc.CallID, sc.ParameterID, sc.Score, sc.Confidence, sc.Evidence, sc.SpecID, sc.ScorerID, sc.ScoredAt,
	)
	return eris.Wrapf(err, "sqlite: upsert call score %s/%s", sc.CallID, sc.ParameterID)
}

func (s *SQLiteStore) ListCallScores(ctx context.Context, callID string) ([]model.CallScore, error) {
	return s.listScores(ctx,
		`SELECT `+scoreColumns+` FROM call_scores WHERE call_id = ? ORDER BY parameter_id`, callID)
}

func (s *SQLiteStore) ListCallerScores(ctx context.Context, callerID string) ([]model.CallScore, error) {
	return s.listScores(ctx,
		`SELECT cs.call_id, cs.parameter_id, cs.score, cs.confidence, cs.evidence, cs.spec_id, cs.scorer_id, cs.scored_at
		 FROM call_scores cs JOIN calls c ON c.id = cs.call_id
		 WHERE c.caller_id = ? ORDER BY c.sequence, cs.parameter_id`, callerID)
}

func (s *SQLiteStore) listScores(ctx context.Context, query string, args ...any) ([]model.CallScore, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list call scores")
	}
	defer rows.Close()
	out, err := collect(rows.Next, rows, scanScore)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan call score")
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate call scores")
}

// --- Memories ---

func (s *SQLiteStore) CurrentMemory(ctx context.Context, callerID, key string) (*model.CallerMemory, error) {
	m, err := scanMemory(s.db.QueryRowContext(ctx,
		`SELECT `+memoryColumns+` FROM caller_memories
		 WHERE caller_id = ? AND key = ? AND superseded_by IS NULL`, callerID, key))
	if err != nil {
		return nil, notFound(err, "sqlite: current memory %s/%s", callerID, key)
	}
	return m, nil
}

func (s *SQLiteStore) ListCurrentMemories(ctx context.Context, callerID string) ([]model.CallerMemory, error) {
	return s.listMemories(ctx,
		`SELECT `+memoryColumns+` FROM caller_memories
		 WHERE caller_id = ? AND superseded_by IS NULL
		 ORDER BY category, confidence DESC, key`, callerID)
}

func (s *SQLiteStore) ListMemoryHistory(ctx context.Context, callerID, key string) ([]model.CallerMemory, error) {
	return s.listMemories(ctx,
		`SELECT `+memoryColumns+` FROM caller_memories
		 WHERE caller_id = ? AND key = ? ORDER BY created_at, id`, callerID, key)
}

func (s *SQLiteStore) listMemories(ctx context.Context, query string, args ...any) ([]model.CallerMemory, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list memories")
	}
	defer rows.Close()
	out, err := collect(rows.Next, rows, scanMemory)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan memory")
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate memories")
}

// SaveMemory inserts m as the current memory for its (caller, key). Any prior
// current memory is pointed at m in the same transaction.
func (s *SQLiteStore) SaveMemory(ctx context.Context, m *model.CallerMemory) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now()
	}
	m.SupersededByID = ""

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE caller_memories SET superseded_by = ?
			 WHERE caller_id = ? AND key = ? AND superseded_by IS NULL`,
			m.ID, m.CallerID, m.Key,
		); err != nil {
			return eris.Wrapf(err, "sqlite: supersede memory %s/%s", m.CallerID, m.Key)
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO caller_memories (`+memoryColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, ?)`,
			m.ID, m.CallerID, m.Key, m.Value, m.Category, m.Confidence, m.Evidence, m.SourceCallID, m.CreatedAt,
		)
		return eris.Wrapf(err, "sqlite: insert memory %s/%s", m.CallerID, m.Key)
	})
}

// --- Agent behavior ---

func (s *SQLiteStore) UpsertBehaviorMeasurement(ctx context.Context, m *model.BehaviorMeasurement) error {
	if m.MeasuredAt.IsZero() {
		m.MeasuredAt = now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO behavior_measurements (`+measurementColumns+`) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (call_id, parameter_id) DO UPDATE SET
			actual_value = excluded.actual_value, evidence = excluded.evidence, measured_at = excluded.measured_at`,
		m.CallID, m.ParameterID, m.ActualValue, m.Evidence, m.MeasuredAt,
	)
	return eris.Wrapf(err, "sqlite: upsert measurement %s/%s", m.CallID, m.ParameterID)
}

func (s *SQLiteStore) ListBehaviorMeasurements(ctx context.Context, callID string) ([]model.BehaviorMeasurement, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+measurementColumns+` FROM behavior_measurements WHERE call_id = ? ORDER BY parameter_id`, callID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list measurements %s", callID)
	}
	defer rows.Close()
	out, err := collect(rows.Next, rows, scanMeasurement)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan measurement")
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate measurements")
}

func (s *SQLiteStore) GetBehaviorTarget(ctx context.Context, scope model.TargetScope, parameterID string) (*model.BehaviorTarget, error) {
	t, err := scanTarget(s.db.QueryRowContext(ctx,
		`SELECT `+targetColumns+` FROM behavior_targets WHERE scope = ? AND parameter_id = ?`, string(scope), parameterID))
	if err != nil {
		return nil, notFound(err, "sqlite: get target %s/%s", scope, parameterID)
	}
	return t, nil
}

func (s *SQLiteStore) ListBehaviorTargets(ctx context.Context, scope model.TargetScope) ([]model.BehaviorTarget, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+targetColumns+` FROM behavior_targets WHERE scope = ? ORDER BY parameter_id`, string(scope))
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list targets %s", scope)
	}
	defer rows.Close()
	out, err := collect(rows.Next, rows, scanTarget)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan target")
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate targets")
}

func (s *SQLiteStore) UpsertBehaviorTarget(ctx context.Context, t *model.BehaviorTarget) error {
	t.UpdatedAt = now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO behavior_targets (`+targetColumns+`) VALUES (?, ?, ?, ?)
		 ON CONFLICT (scope, parameter_id) DO UPDATE SET
			target_value = excluded.target_value, updated_at = excluded.updated_at`,
		string(t.Scope), t.ParameterID, t.TargetValue, t.UpdatedAt,
	)
	return eris.Wrapf(err, "sqlite: upsert target %s/%s", t.Scope, t.ParameterID)
}

func (s *SQLiteStore) UpsertRewardScore(ctx context.Context, r *model.RewardScore) error {
	if r.ComputedAt.IsZero() {
		r.ComputedAt = now()
	}
	diffs, err := marshal(r.Diffs, "reward diffs")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO reward_scores (call_id, overall_score, diffs, computed_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (call_id) DO UPDATE SET
			overall_score = excluded.overall_score, diffs = excluded.diffs, computed_at = excluded.computed_at`,
		r.CallID, r.OverallScore, string(diffs), r.ComputedAt,
	)
	return eris.Wrapf(err, "sqlite: upsert reward %s", r.CallID)
}

func (s *SQLiteStore) GetRewardScore(ctx context.Context, callID string) (*model.RewardScore, error) {
	var r model.RewardScore
	var diffs []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT call_id, overall_score, diffs, computed_at FROM reward_scores WHERE call_id = ?`, callID,
	).Scan(&r.CallID, &r.OverallScore, &diffs, &r.ComputedAt)
	if err != nil {
		return nil, notFound(err, "sqlite: get reward %s", callID)
	}
	if err := unmarshal(diffs, &r.Diffs, "reward diffs"); err != nil {
		return nil, err
	}
	return &r, nil
}

// --- Personality ---

func (s *SQLiteStore) GetPersonality(ctx context.Context, callerID string) (*model.CallerPersonality, error) {
	var p model.CallerPersonality
	var traits []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT caller_id, traits, calls_used, updated_at FROM caller_personalities WHERE caller_id = ?`, callerID,
	).Scan(&p.CallerID, &traits, &p.CallsUsed, &p.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "sqlite: get personality %s", callerID)
	}
	if err := unmarshal(traits, &p.Traits, "personality traits"); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *SQLiteStore) SavePersonality(ctx context.Context, p *model.CallerPersonality) error {
	p.UpdatedAt = now()
	traits, err := marshal(p.Traits, "personality traits")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO caller_personalities (caller_id, traits, calls_used, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (caller_id) DO UPDATE SET
			traits = excluded.traits, calls_used = excluded.calls_used, updated_at = excluded.updated_at`,
		p.CallerID, string(traits), p.CallsUsed, p.UpdatedAt,
	)
	return eris.Wrapf(err, "sqlite: save personality %s", p.CallerID)
}

// --- Goals and attributes ---

func (s *SQLiteStore) GetGoal(ctx context.Context, callerID string, t model.GoalType, contentSpecID string) (*model.Goal, error) {
	g, err := scanGoal(s.db.QueryRowContext(ctx,
		`SELECT `+goalColumns+` FROM goals WHERE caller_id = ? AND type = ? AND content_spec_id = ?`,
		callerID, string(t), contentSpecID))
	if err != nil {
		return nil, notFound(err, "sqlite: get goal %s/%s/%s", callerID, t, contentSpecID)
	}
	return g, nil
}

func (s *SQLiteStore) ListGoals(ctx context.Context, callerID string) ([]model.Goal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+goalColumns+` FROM goals WHERE caller_id = ? ORDER BY created_at, id`, callerID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list goals %s", callerID)
	}
	defer rows.Close()
	out, err := collect(rows.Next, rows, scanGoal)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan goal")
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate goals")
}

// SaveGoal upserts g by (caller, type, content spec) and sets g.ID to the
// stored row's id.
func (s *SQLiteStore) SaveGoal(ctx context.Context, g *model.Goal) error {
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
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO goals (`+goalColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (caller_id, type, content_spec_id) DO UPDATE SET
			progress = excluded.progress, status = excluded.status,
			updated_at = excluded.updated_at, completed_at = excluded.completed_at
		 RETURNING id`,
		g.ID, g.CallerID, string(g.Type), g.ContentSpecID, g.Progress, string(g.Status), g.CreatedAt, g.UpdatedAt, nullTime(g.CompletedAt),
	).Scan(&g.ID)
	return eris.Wrapf(err, "sqlite: save goal %s/%s", g.CallerID, g.ContentSpecID)
}

func (s *SQLiteStore) GetAttribute(ctx context.Context, callerID, scope, key string) (*model.CallerAttribute, error) {
	a, err := scanAttribute(s.db.QueryRowContext(ctx,
		`SELECT `+attributeColumns+` FROM caller_attributes WHERE caller_id = ? AND scope = ? AND key = ?`,
		callerID, scope, key))
	if err != nil {
		return nil, notFound(err, "sqlite: get attribute %s/%s", callerID, key)
	}
	return a, nil
}

func (s *SQLiteStore) ListAttributes(ctx context.Context, callerID, scope string) ([]model.CallerAttribute, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+attributeColumns+` FROM caller_attributes WHERE caller_id = ? AND scope = ? ORDER BY key`,
		callerID, scope)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list attributes %s", callerID)
	}
	defer rows.Close()
	out, err := collect(rows.Next, rows, scanAttribute)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan attribute")
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate attributes")
}

func (s *SQLiteStore) SetAttribute(ctx context.Context, a *model.CallerAttribute) error {
	a.UpdatedAt = now()
	value, err := marshal(a.Value, "attribute value")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO caller_attributes (`+attributeColumns+`) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (caller_id, scope, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		a.CallerID, a.Scope, a.Key, string(value), a.UpdatedAt,
	)
	return eris.Wrapf(err, "sqlite: set attribute %s/%s", a.CallerID, a.Key)
}

// --- Prompts ---

// SavePrompt stores p as the caller's active prompt, superseding the previous
// one in the same transaction.
func (s *SQLiteStore) SavePrompt(ctx context.Context, p *model.ComposedPrompt) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now()
	}
	p.Status = model.PromptActive

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE composed_prompts SET status = ? WHERE caller_id = ? AND status = ?`,
			string(model.PromptSuperseded), p.CallerID, string(model.PromptActive),
		); err != nil {
			return eris.Wrapf(err, "sqlite: supersede prompt %s", p.CallerID)
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO composed_prompts (`+promptColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.CallerID, p.TriggerType, p.TriggerCallID, string(p.Format), p.Content, string(p.Status), p.CreatedAt,
		)
		return eris.Wrapf(err, "sqlite: insert prompt %s", p.CallerID)
	})
}

func (s *SQLiteStore) GetActivePrompt(ctx context.Context, callerID string) (*model.ComposedPrompt, error) {
	p, err := scanPrompt(s.db.QueryRowContext(ctx,
		`SELECT `+promptColumns+` FROM composed_prompts WHERE caller_id = ? AND status = ?`,
		callerID, string(model.PromptActive)))
	if err != nil {
		return nil, notFound(err, "sqlite: active prompt %s", callerID)
	}
	return p, nil
}

func (s *SQLiteStore) ListPrompts(ctx context.Context, callerID string) ([]model.ComposedPrompt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+promptColumns+` FROM composed_prompts WHERE caller_id = ? ORDER BY created_at DESC, id`, callerID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list prompts %s", callerID)
	}
	defer rows.Close()
	out, err := collect(rows.Next, rows, scanPrompt)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan prompt")
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate prompts")
}

var _ Store = (*SQLiteStore)(nil)
