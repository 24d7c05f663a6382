package api

import (
	"errors"
	"math"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/callcoach/internal/model"
	"github.com/sells-group/callcoach/internal/pipeline"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleStartCall(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name  string `json:"name"`
		Phone string `json:"phone"`
	}
	if err := decode(r, &req); err != nil {
		fail(w, r, err)
		return
	}
	callerID := chi.URLParam(r, "callerID")
	ctx := r.Context()

	// First contact registers the caller.
	if _, err := s.store.GetCaller(ctx, callerID); errors.Is(err, model.ErrNotFound) {
		if err := s.store.UpsertCaller(ctx, &model.Caller{ID: callerID, Name: req.Name, Phone: req.Phone}); err != nil {
			fail(w, r, err)
			return
		}
	} else if err != nil {
		fail(w, r, err)
		return
	}

	call, err := s.store.StartCall(ctx, callerID)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeOK(w, http.StatusCreated, map[string]any{"call": call})
}

func (s *Server) handleCompleteCall(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Transcript string `json:"transcript"`
	}
	if err := decode(r, &req); err != nil {
		fail(w, r, err)
		return
	}
	call, err := s.store.CompleteCall(r.Context(), chi.URLParam(r, "callID"), req.Transcript)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]any{"call": call})
}

type runRequest struct {
	CallerID   string       `json:"caller_id"`
	Transcript string       `json:"transcript"`
	Engine     model.Engine `json:"engine"`
}

func (req runRequest) validate() error {
	switch req.Engine {
	case "", model.EngineAI, model.EngineOffline:
		return nil
	default:
		return invalid("unknown engine " + string(req.Engine))
	}
}

func (s *Server) handleRunPipeline(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := decode(r, &req); err != nil {
		fail(w, r, err)
		return
	}
	if err := req.validate(); err != nil {
		fail(w, r, err)
		return
	}
	res, err := s.pipeline.Run(r.Context(), pipeline.CallInput{
		CallID:     chi.URLParam(r, "callID"),
		CallerID:   req.CallerID,
		Transcript: req.Transcript,
		Engine:     req.Engine,
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]any{"run": res})
}

func (s *Server) handleRunStage(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := decode(r, &req); err != nil {
		fail(w, r, err)
		return
	}
	if err := req.validate(); err != nil {
		fail(w, r, err)
		return
	}
	stage := chi.URLParam(r, "stage")
	if !pipeline.KnownStage(stage) {
		fail(w, r, invalid("unknown stage "+stage))
		return
	}

	res, err := s.pipeline.RunStage(r.Context(), stage, chi.URLParam(r, "callID"), req.CallerID, req.Engine)
	if err != nil && res != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"ok": false, "error": res.Error, "stage": res})
		return
	}
	if err != nil {
		fail(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]any{"stage": res})
}

func (s *Server) handleComposePrompt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TriggerType   string `json:"trigger_type"`
		TriggerCallID string `json:"trigger_call_id"`
	}
	if err := decode(r, &req); err != nil {
		fail(w, r, err)
		return
	}
	if strings.TrimSpace(req.TriggerType) == "" {
		req.TriggerType = "manual"
	}
	p, err := s.pipeline.ComposePrompt(r.Context(), chi.URLParam(r, "callerID"), req.TriggerType, req.TriggerCallID)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeOK(w, http.StatusCreated, map[string]any{"prompt": p})
}

func (s *Server) handleGetPrompt(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetActivePrompt(r.Context(), chi.URLParam(r, "callerID"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]any{"prompt": p})
}

func (s *Server) handleExamGate(w http.ResponseWriter, r *http.Request) {
	d, err := s.pipeline.Gate().CheckExamGate(r.Context(), chi.URLParam(r, "callerID"), chi.URLParam(r, "specSlug"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]any{"decision": d})
}

func (s *Server) handleExamResult(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Score          float64 `json:"score"`
		TotalQuestions int     `json:"total_questions"`
		CorrectAnswers int     `json:"correct_answers"`
	}
	if err := decode(r, &req); err != nil {
		fail(w, r, err)
		return
	}
	switch {
	case req.TotalQuestions < 0 || req.CorrectAnswers < 0:
		fail(w, r, invalid("answer counts must not be negative"))
		return
	case req.CorrectAnswers > req.TotalQuestions:
		fail(w, r, invalid("correct_answers exceeds total_questions"))
		return
	case req.Score < 0 || req.Score > 1:
		fail(w, r, invalid("score must be within [0, 1]"))
		return
	}
	res, err := s.pipeline.Gate().RecordExamResult(r.Context(),
		chi.URLParam(r, "callerID"), chi.URLParam(r, "specSlug"),
		req.Score, req.TotalQuestions, req.CorrectAnswers)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]any{"result": res})
}

type scoreRequest struct {
	Score *float64 `json:"score"`
}

func (req scoreRequest) value() (float64, error) {
	if req.Score == nil {
		return 0, invalid("score is required")
	}
	if math.IsNaN(*req.Score) || *req.Score < 0 || *req.Score > 1 {
		return 0, invalid("score must be within [0, 1]")
	}
	return *req.Score, nil
}

func (s *Server) handleFormative(w http.ResponseWriter, r *http.Request) {
	var req scoreRequest
	if err := decode(r, &req); err != nil {
		fail(w, r, err)
		return
	}
	score, err := req.value()
	if err != nil {
		fail(w, r, err)
		return
	}
	if err := s.pipeline.Gate().RecordFormativeScore(r.Context(), chi.URLParam(r, "callerID"), chi.URLParam(r, "specSlug"), score); err != nil {
		fail(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]any{"formative_score": score})
}

func (s *Server) handleEnroll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cur, err := s.pipeline.Registry().Curriculum(ctx, chi.URLParam(r, "specSlug"))
	if err != nil {
		fail(w, r, err)
		return
	}
	goal, err := s.pipeline.Tracker().Enroll(ctx, chi.URLParam(r, "callerID"), cur)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]any{"goal": goal})
}

func (s *Server) handleMastery(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ModuleID  string   `json:"module_id"`
		Score     *float64 `json:"score"`
		Overwrite bool     `json:"overwrite"`
	}
	if err := decode(r, &req); err != nil {
		fail(w, r, err)
		return
	}
	score, err := scoreRequest{Score: req.Score}.value()
	if err != nil {
		fail(w, r, err)
		return
	}
	ctx := r.Context()
	specSlug := chi.URLParam(r, "specSlug")
	cur, err := s.pipeline.Registry().Curriculum(ctx, specSlug)
	if err != nil {
		fail(w, r, err)
		return
	}
	if _, ok := cur.Module(req.ModuleID); !ok {
		fail(w, r, invalid("unknown module "+req.ModuleID))
		return
	}
	mastery, err := s.pipeline.Tracker().RecordMastery(ctx, chi.URLParam(r, "callerID"), specSlug, req.ModuleID, score, req.Overwrite)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]any{"module_id": req.ModuleID, "mastery": mastery})
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cur, err := s.pipeline.Registry().Curriculum(ctx, chi.URLParam(r, "specSlug"))
	if err != nil {
		fail(w, r, err)
		return
	}
	snap, err := s.pipeline.Settings(ctx)
	if err != nil {
		fail(w, r, err)
		return
	}
	progress, err := s.pipeline.Tracker().Progress(ctx, chi.URLParam(r, "callerID"), cur, snap)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]any{"progress": progress})
}
