package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/Veridical-Systems/quaestor/internal/bus"
	"github.com/Veridical-Systems/quaestor/internal/gatherer"
	"github.com/Veridical-Systems/quaestor/internal/schema"
	"github.com/Veridical-Systems/quaestor/internal/session"
	"github.com/Veridical-Systems/quaestor/internal/store"
)

type startRequest struct {
	InitialDescription string `json:"initial_description"`
	SessionID          string `json:"session_id"`
}

type continueRequest struct {
	UserResponse string `json:"user_response"`
}

type statusResponse struct {
	SessionID      string                 `json:"session_id"`
	Round          int                    `json:"round_count"`
	MaxRounds      int                    `json:"max_rounds"`
	Complete       bool                   `json:"complete"`
	Collected      map[string]string      `json:"collected_fields"`
	Transcript     string                 `json:"transcript"`
	Classification *schema.Classification `json:"classification,omitempty"`
}

// startCase handles POST /api/v1/cases/start. The body is optional; a caller
// may seed the conversation with a description and pin the session id.
func (s *Server) startCase(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	id := uuid.New()
	if req.SessionID != "" {
		parsed, err := uuid.Parse(req.SessionID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "session_id must be a UUID")
			return
		}
		if _, err := s.sessions.Get(r.Context(), parsed); err == nil {
			writeError(w, http.StatusConflict, "session already exists")
			return
		}
		id = parsed
	}

	if !s.acquire(id) {
		writeError(w, http.StatusConflict, "a round is already in flight for this session")
		return
	}
	defer s.release(id)

	sess := session.New(id)
	ch := s.gatherer.Start(r.Context(), sess, req.InitialDescription)
	streamEvents(w, ch)
	s.finishRound(r.Context(), sess)
}

// continueCase handles POST /api/v1/cases/{id}/continue.
func (s *Server) continueCase(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}

	var req continueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	sess, err := s.sessions.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown session")
			return
		}
		s.logger.Error("session load failed", "session_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "session store unavailable")
		return
	}

	if !s.acquire(id) {
		writeError(w, http.StatusConflict, "a round is already in flight for this session")
		return
	}
	defer s.release(id)

	ch := s.gatherer.Continue(r.Context(), sess, req.UserResponse)
	streamEvents(w, ch)
	s.finishRound(r.Context(), sess)
}

// caseStatus handles GET /api/v1/cases/{id}. A session that exhausted its
// round budget without completing is classified here before it is reported.
// The in-flight guard covers reads too: the gatherer mutates the session
// during a round, so a status query while one runs is refused rather than
// reporting a half-updated session.
func (s *Server) caseStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}

	if !s.acquire(id) {
		writeError(w, http.StatusConflict, "a round is already in flight for this session")
		return
	}
	defer s.release(id)

	sess, err := s.sessions.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown session")
			return
		}
		writeError(w, http.StatusInternalServerError, "session store unavailable")
		return
	}

	if !sess.Complete && sess.Round > gatherer.MaxRounds {
		s.gatherer.ForceClassify(r.Context(), sess)
		s.finishRound(r.Context(), sess)
	}

	writeJSON(w, http.StatusOK, statusResponse{
		SessionID:      sess.ID.String(),
		Round:          sess.Round,
		MaxRounds:      gatherer.MaxRounds,
		Complete:       sess.Complete,
		Collected:      sess.Collected,
		Transcript:     sess.Transcript(),
		Classification: sess.Classification,
	})
}

// endCase handles DELETE /api/v1/cases/{id}. Deleting mid-round would be
// undone when the round persists the session, so it waits its turn too.
func (s *Server) endCase(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}
	if !s.acquire(id) {
		writeError(w, http.StatusConflict, "a round is already in flight for this session")
		return
	}
	defer s.release(id)
	if err := s.sessions.Delete(r.Context(), id); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown session")
			return
		}
		writeError(w, http.StatusInternalServerError, "session store unavailable")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// predictFine handles POST /api/v1/cases/{id}/predict.
func (s *Server) predictFine(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}

	if s.predictor == nil {
		writeError(w, http.StatusServiceUnavailable, "fine prediction is not configured")
		return
	}

	if !s.acquire(id) {
		writeError(w, http.StatusConflict, "a round is already in flight for this session")
		return
	}
	defer s.release(id)

	sess, err := s.sessions.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown session")
			return
		}
		writeError(w, http.StatusInternalServerError, "session store unavailable")
		return
	}

	if !sess.Complete || sess.Classification == nil {
		writeError(w, http.StatusConflict, "case is not classified yet")
		return
	}

	result, err := s.predictor.Predict(r.Context(), *sess.Classification)
	if err != nil {
		s.logger.Error("fine prediction failed", "session_id", id, "error", err)
		writeError(w, http.StatusBadGateway, "prediction failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// recentCases handles GET /api/v1/cases, newest archived classifications
// first. Only available with the archive configured.
func (s *Server) recentCases(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		writeError(w, http.StatusServiceUnavailable, "case archive is not configured")
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 200 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 200")
			return
		}
		limit = n
	}

	cases, err := s.archive.RecentCases(r.Context(), limit)
	if err != nil {
		s.logger.Error("recent cases query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "archive unavailable")
		return
	}
	if cases == nil {
		cases = []store.ClassifiedCase{}
	}
	writeJSON(w, http.StatusOK, cases)
}

func (s *Server) sessionID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "case id must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

// finishRound persists the session and, the first time a session reaches a
// classification, archives it and announces it on the bus.
func (s *Server) finishRound(ctx context.Context, sess *session.Session) {
	if sess.Complete && sess.Classification != nil && !sess.Archived {
		forced := sess.Round > gatherer.MaxRounds
		if s.archive != nil {
			if _, err := s.archive.SaveCase(ctx, sess.ID, *sess.Classification, sess.Round, forced); err != nil {
				s.logger.Error("case archive failed", "session_id", sess.ID, "error", err)
			}
		}
		if s.bus != nil {
			c := sess.Classification
			err := s.bus.Publish(bus.SubjectCaseClassified, bus.CaseClassified{
				SessionID:       sess.ID.String(),
				CaseDescription: c.CaseDescription,
				Lawfulness:      c.Lawfulness,
				Rights:          c.Rights,
				Risk:            c.Risk,
				Accountability:  c.Accountability,
				Rounds:          sess.Round,
				Forced:          forced,
				ClassifiedAt:    time.Now().UTC().Format(time.RFC3339),
			})
			if err != nil {
				s.logger.Warn("case classified event not published", "session_id", sess.ID, "error", err)
			}
		}
		sess.Archived = true
	}

	if err := s.sessions.Put(ctx, sess); err != nil {
		s.logger.Error("session persist failed", "session_id", sess.ID, "error", err)
	}
}
