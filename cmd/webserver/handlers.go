package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/securecookie"
	"go.uber.org/zap"

	"worksheetgen"
)

const (
	sessionName    = "worksheetgen"
	callerKey      = "caller_id"
	maxRequestBody = 64 << 10
)

func randomSecret() string {
	return string(securecookie.GenerateRandomKey(32))
}

// callerID returns the caller's ID from the session cookie, issuing one on
// first visit. It must run before anything is written to w.
func (s *Server) callerID(w http.ResponseWriter, r *http.Request) string {
	session, err := s.store.Get(r, sessionName)
	if err != nil {
		worksheetgen.Log().Debug("discarding unreadable session", zap.Error(err))
	}
	if id, ok := session.Values[callerKey].(string); ok && id != "" {
		return id
	}

	id := uuid.NewString()
	session.Values[callerKey] = id
	if err := session.Save(r, w); err != nil {
		worksheetgen.Log().Warn("failed to save session", zap.Error(err))
	}
	return id
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		worksheetgen.Log().Warn("failed to write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, ue *worksheetgen.UserError) {
	writeJSON(w, ue.HTTPStatus, map[string]string{
		"category": string(ue.Category),
		"error":    ue.Message,
	})
}

// handleGenerate validates the request, checks rate and quota, then streams
// NDJSON progress until exactly one complete or error record
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	caller := s.callerID(w, r)

	var req worksheetgen.GenerationRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, &worksheetgen.UserError{
			Category:   worksheetgen.CategoryInvalidRequest,
			Message:    "Request body must be a JSON worksheet request.",
			HTTPStatus: http.StatusBadRequest,
		})
		return
	}
	if err := worksheetgen.ValidateRequest(req); err != nil {
		writeError(w, worksheetgen.CategorizeError(err))
		return
	}

	if !s.limiter.Allow() {
		writeError(w, &worksheetgen.UserError{
			Category:   worksheetgen.CategoryBusy,
			Message:    "Too many worksheets are being generated right now. Please try again shortly.",
			HTTPStatus: http.StatusTooManyRequests,
		})
		return
	}

	if limit := s.cfg.Quota.MonthlyLimit; limit > 0 {
		used, err := s.db.CountUsageSince(r.Context(), caller, worksheetgen.StartOfMonth(time.Now()))
		if err != nil {
			worksheetgen.Log().Error("quota check failed", zap.String("caller", caller), zap.Error(err))
			writeError(w, worksheetgen.CategorizeError(err))
			return
		}
		if used >= limit {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{
				"category": "quota_exceeded",
				"error":    "You have reached this month's worksheet limit.",
			})
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Timeouts.Request)
	defer cancel()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// Stream logs the internal error; the caller already got its record
	_ = s.generator.Stream(ctx, req, caller, w)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	caller := s.callerID(w, r)

	worksheets, err := s.db.ListWorksheets(r.Context(), caller, 50)
	if err != nil {
		worksheetgen.Log().Error("failed to list worksheets", zap.Error(err))
		writeError(w, worksheetgen.CategorizeError(err))
		return
	}
	if worksheets == nil {
		worksheets = []worksheetgen.WorksheetSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"worksheets": worksheets})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	caller := s.callerID(w, r)

	ws, err := s.db.GetWorksheet(r.Context(), r.PathValue("id"))
	if errors.Is(err, worksheetgen.ErrWorksheetNotFound) || (err == nil && ws.CallerID != caller) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Worksheet not found."})
		return
	}
	if err != nil {
		worksheetgen.Log().Error("failed to get worksheet", zap.Error(err))
		writeError(w, worksheetgen.CategorizeError(err))
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
