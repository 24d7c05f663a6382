package store

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/callcoach/internal/model"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

var callRowColumns = []string{"id", "caller_id", "transcript", "sequence", "previous_call_id", "status", "created_at", "ended_at"}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	entries, err := fs.ReadDir(migrationFS, "migrations")
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	mock.ExpectExec(`SELECT pg_advisory_lock`).WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS schema_migrations`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectQuery(`SELECT filename FROM schema_migrations`).WillReturnRows(pgxmock.NewRows([]string{"filename"}))
	for _, e := range entries {
		mock.ExpectExec(`CREATE TABLE IF NOT EXISTS callers`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
		mock.ExpectExec(`INSERT INTO schema_migrations`).WithArgs(e.Name()).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}
	mock.ExpectExec(`SELECT pg_advisory_unlock`).WillReturnResult(pgxmock.NewResult("SELECT", 1))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetCaller_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, name, phone, created_at FROM callers WHERE id = \$1`).
		WithArgs("ghost").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetCaller(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrNotFound))
	assert.Contains(t, err.Error(), "get caller")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_StartCall_NextSequence(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	ended := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM callers WHERE id = \$1 FOR UPDATE`).
		WithArgs("c1").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("c1"))
	mock.ExpectQuery(`FROM calls WHERE caller_id = \$1 ORDER BY sequence DESC LIMIT 1`).
		WithArgs("c1").
		WillReturnRows(pgxmock.NewRows(callRowColumns).
			AddRow("call-4", "c1", "bye", 4, "call-3", "completed", ended, &ended))
	mock.ExpectExec(`INSERT INTO calls`).
		WithArgs(pgxmock.AnyArg(), "c1", "", 5, "call-4", "in_progress", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	call, err := s.StartCall(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, 5, call.Sequence)
	assert.Equal(t, "call-4", call.PreviousCallID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_StartCall_InProgress(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	started := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM callers`).
		WithArgs("c1").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("c1"))
	mock.ExpectQuery(`FROM calls WHERE caller_id = \$1`).
		WithArgs("c1").
		WillReturnRows(pgxmock.NewRows(callRowColumns).
			AddRow("call-1", "c1", "", 1, "", "in_progress", started, &started))
	mock.ExpectRollback()

	_, err := s.StartCall(context.Background(), "c1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrCallInProgress))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompleteCall_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`UPDATE calls SET transcript = \$1`).
		WithArgs("hi", "completed", pgxmock.AnyArg(), "nope").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.CompleteCall(context.Background(), "nope", "hi")
	assert.True(t, errors.Is(err, model.ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertCallScore(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO call_scores .* ON CONFLICT \(call_id, parameter_id\) DO UPDATE`).
		WithArgs("call-1", "B5-O", 0.7, 0.6, "curious", "spec-1", "measure", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.UpsertCallScore(context.Background(), &model.CallScore{
		CallID: "call-1", ParameterID: "B5-O", Score: 0.7, Confidence: 0.6,
		Evidence: "curious", SpecID: "spec-1", ScorerID: "measure",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveMemory_SupersedesInTx(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE caller_memories SET superseded_by = \$1`).
		WithArgs(pgxmock.AnyArg(), "c1", "location").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO caller_memories`).
		WithArgs(pgxmock.AnyArg(), "c1", "location", "Boston", "FACT", 0.75, "", "call-1", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	m := &model.CallerMemory{CallerID: "c1", Key: "location", Value: "Boston", Category: "FACT", Confidence: 0.75, SourceCallID: "call-1"}
	require.NoError(t, s.SaveMemory(context.Background(), m))
	assert.NotEmpty(t, m.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveMemory_RollsBack(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE caller_memories`).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO caller_memories`).WillReturnError(errors.New("unique violation"))
	mock.ExpectRollback()

	err := s.SaveMemory(context.Background(), &model.CallerMemory{CallerID: "c1", Key: "k", Value: "v"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert memory")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SavePrompt_SupersedesInTx(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE composed_prompts SET status = \$1 WHERE caller_id = \$2 AND status = \$3`).
		WithArgs("superseded", "c1", "active").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO composed_prompts`).
		WithArgs(pgxmock.AnyArg(), "c1", "pipeline", "call-1", "text", "hello", "active", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	p := &model.ComposedPrompt{CallerID: "c1", TriggerType: "pipeline", TriggerCallID: "call-1", Format: model.PromptFormatText, Content: "hello"}
	require.NoError(t, s.SavePrompt(context.Background(), p))
	assert.Equal(t, model.PromptActive, p.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetAttribute(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	updated := time.Now().UTC()

	mock.ExpectQuery(`FROM caller_attributes`).
		WithArgs("c1", "CURRICULUM", "curriculum:fs:mastery:m1").
		WillReturnRows(pgxmock.NewRows([]string{"caller_id", "scope", "key", "value", "updated_at"}).
			AddRow("c1", "CURRICULUM", "curriculum:fs:mastery:m1", []byte(`{"kind":"number","number":0.4}`), updated))

	a, err := s.GetAttribute(context.Background(), "c1", "CURRICULUM", "curriculum:fs:mastery:m1")
	require.NoError(t, err)
	assert.Equal(t, model.AttrNumber, a.Value.Kind)
	assert.InDelta(t, 0.4, a.Value.Number, 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListSettings(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT key, value FROM settings`).
		WillReturnRows(pgxmock.NewRows([]string{"key", "value"}).
			AddRow("certification_min", []byte(`0.9`)).
			AddRow("trust_weights", []byte(`{"UNVERIFIED":0.1}`)))

	got, err := s.ListSettings(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `0.9`, string(got["certification_min"]))
	assert.JSONEq(t, `{"UNVERIFIED":0.1}`, string(got["trust_weights"]))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SetSetting_InvalidJSON(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	err := s.SetSetting(context.Background(), "k", json.RawMessage(`{nope`))
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE pipeline_runs SET status = \$1`).
		WithArgs("complete", pgxmock.AnyArg(), 0, 0.0, pgxmock.AnyArg(), "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.UpdateRun(context.Background(), &model.PipelineRun{ID: "missing", Status: model.RunStatusComplete})
	assert.True(t, errors.Is(err, model.ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListActiveSpecs(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	updated := time.Now().UTC()

	cols := []string{"id", "slug", "version", "name", "description", "output_type", "status", "active", "compiled", "priority", "triggers", "config", "updated_at"}
	mock.ExpectQuery(`FROM analysis_specs WHERE output_type = \$1 AND active AND compiled`).
		WithArgs("MEASURE").
		WillReturnRows(pgxmock.NewRows(cols).
			AddRow("id-1", "big-five", 3, "Big Five", "", "MEASURE", "published", true, true, 10,
				[]byte(`[{"name":"t","actions":[{"id":"a","parameter_id":"B5-O"}]}]`),
				[]byte(`{"measure":{"default_score":0.4}}`), updated))

	specs, err := s.ListActiveSpecs(context.Background(), model.OutputMeasure)
	require.NoError(t, err)
	require.Len(t, specs, 1)
	assert.Equal(t, "big-five", specs[0].Slug)
	assert.Equal(t, 3, specs[0].Version)
	assert.Equal(t, "B5-O", specs[0].Triggers[0].Actions[0].ParameterID)
	require.NotNil(t, specs[0].Config.Measure)
	assert.InDelta(t, 0.4, specs[0].Config.Measure.DefaultScore, 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}
