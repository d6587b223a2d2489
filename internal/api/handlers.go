package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/BTreeMap/LeadPipe/internal/flow"
	"github.com/BTreeMap/LeadPipe/internal/models"
)

func (s *Server) startHandler(w http.ResponseWriter, r *http.Request) {
	formID := chi.URLParam(r, "formID")
	var req models.StartRequest
	if err := decodeBody(w, r, &req, true); err != nil {
		slog.Warn("Server.startHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	step, err := s.survey.Start(r.Context(), formID, req.Tracking)
	if err != nil {
		writeServiceError(w, "Server.startHandler", err, "formID", formID)
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.Success(step))
}

func (s *Server) submitHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	var req models.SubmitRequest
	if err := decodeBody(w, r, &req, false); err != nil {
		slog.Warn("Server.submitHandler: failed to decode JSON", "sessionID", sessionID, "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	res, err := s.survey.Submit(r.Context(), sessionID, req)
	if err != nil {
		writeServiceError(w, "Server.submitHandler", err, "sessionID", sessionID)
		return
	}
	writeSubmitResult(w, res)
}

func (s *Server) abandonHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := s.survey.Abandon(r.Context(), sessionID); err != nil {
		writeServiceError(w, "Server.abandonHandler", err, "sessionID", sessionID)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Session abandoned", nil))
}

func (s *Server) resumeHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	res, err := s.survey.Resume(r.Context(), sessionID)
	if err != nil {
		writeServiceError(w, "Server.resumeHandler", err, "sessionID", sessionID)
		return
	}
	writeSubmitResult(w, res)
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	status, err := s.survey.Status(r.Context(), sessionID)
	if err != nil {
		writeServiceError(w, "Server.statusHandler", err, "sessionID", sessionID)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(status))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health.Ping(r.Context()); err != nil {
			slog.Error("Server.healthHandler: store unavailable", "error", err)
			writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Store unavailable"))
			return
		}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(nil))
}

func writeSubmitResult(w http.ResponseWriter, res *models.SubmitResult) {
	if res.Completion != nil {
		writeJSONResponse(w, http.StatusOK, models.Completed(res.Completion))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(res.Step))
}

// decodeBody decodes a JSON body. An empty body is accepted when optional.
func decodeBody(w http.ResponseWriter, r *http.Request, out any, optional bool) error {
	if r.Body == nil {
		if optional {
			return nil
		}
		return io.EOF
	}
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	dec.DisallowUnknownFields()
	err := dec.Decode(out)
	if optional && errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// statusFor maps engine errors onto HTTP status codes and client-safe messages.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, flow.ErrSessionNotFound):
		return http.StatusNotFound, "Session not found"
	case errors.Is(err, flow.ErrFormNotFound):
		return http.StatusNotFound, "Form not found"
	case errors.Is(err, flow.ErrSessionClosed):
		return http.StatusConflict, "Session is already closed"
	case errors.Is(err, flow.ErrDuplicateSubmission):
		return http.StatusConflict, "Submission already received"
	case errors.Is(err, flow.ErrNotRecoverable):
		return http.StatusConflict, "Session cannot be resumed"
	case errors.Is(err, flow.ErrInvalidSubmission):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, flow.ErrTryAgain):
		return http.StatusServiceUnavailable, "Temporarily unavailable, please try again"
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}

func writeServiceError(w http.ResponseWriter, where string, err error, attrs ...any) {
	code, msg := statusFor(err)
	attrs = append(attrs, "error", err, "status", code)
	if code >= http.StatusInternalServerError {
		slog.Error(where+": request failed", attrs...)
	} else {
		slog.Warn(where+": request rejected", attrs...)
	}
	if code == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSONResponse(w, code, models.Error(msg))
}
