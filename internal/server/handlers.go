package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hyperjump/arbiter/internal/answer"
	"github.com/hyperjump/arbiter/internal/models"
	"github.com/hyperjump/arbiter/internal/storage"
)

const maxBodyBytes = 1 << 20

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Error     string           `json:"error"`
	ErrorCode answer.ErrorCode `json:"errorCode"`
	Detail    string           `json:"detail,omitempty"`
}

var errorMessages = map[answer.ErrorCode]string{
	answer.CodeInvalidRequest:       "invalid request",
	answer.CodeGameNotFound:         "game not found",
	answer.CodeEditionNotFound:      "edition not found",
	answer.CodeExpansionNotFound:    "expansion not found",
	answer.CodeHistoryNotFound:      "answer not found",
	answer.CodeSourceNotFound:       "source not found",
	answer.CodeRetrievalUnavailable: "retrieval is temporarily unavailable",
	answer.CodeGenerationError:      "answer generation failed",
	answer.CodeBudgetExceeded:       "generation budget exhausted; try again later",
	answer.CodeRateLimited:          "rate limited",
	answer.CodeTimeout:              "request timed out",
	answer.CodeInternal:             "internal error",
}

// statusResponse extends the engine status with on-disk size.
type statusResponse struct {
	*answer.Status
	DiskUsageBytes int64 `json:"diskUsageBytes,omitempty"`
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req models.AskRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.logger.Debug("ask request",
		zap.Int64("game_id", req.GameID),
		zap.String("edition", req.Edition),
		zap.Int64s("expansions", req.ActiveExpansionIDs))
	outcome, err := s.answers.Ask(r.Context(), req)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if outcome.Indexing != nil {
		s.respondJSON(w, http.StatusAccepted, outcome.Indexing)
		return
	}
	s.respondJSON(w, http.StatusOK, outcome.Answer)
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req models.FeedbackRequest
	if !s.decode(w, r, &req) {
		return
	}
	resp, err := s.answers.Feedback(r.Context(), req)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleReingest(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		s.respondError(w, fmt.Errorf("%w: source id must be a positive integer", answer.ErrInvalidRequest))
		return
	}
	if err := s.answers.MarkSourceReingest(r.Context(), id); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, map[string]any{"sourceId": id, "status": "reingest_pending"})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	tx, err := s.answers.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, tx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.answers.Status(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	resp := statusResponse{Status: st}
	if len(s.diskPaths) > 0 {
		if n, err := storage.DiskUsageBytes(s.diskPaths...); err == nil {
			resp.DiskUsageBytes = n
		} else {
			s.logger.Warn("status: disk usage failed", zap.Error(err))
		}
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decode reads a JSON body into dst, rejecting unknown fields and trailing data.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	err := dec.Decode(dst)
	if err == nil && dec.Decode(&struct{}{}) != io.EOF {
		err = errors.New("body must contain a single JSON object")
	}
	if err != nil {
		s.respondCode(w, answer.CodeInvalidRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// respondError maps err to its code. Details of internal failures stay in the log.
func (s *Server) respondError(w http.ResponseWriter, err error) {
	code := answer.Code(err)
	status := code.HTTPStatus()
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("code", string(code)), zap.Error(err))
	} else {
		s.logger.Debug("request rejected", zap.String("code", string(code)), zap.Error(err))
	}
	detail := err.Error()
	if code == answer.CodeInternal {
		detail = ""
	}
	s.respondCode(w, code, detail)
}

func (s *Server) respondCode(w http.ResponseWriter, code answer.ErrorCode, detail string) {
	s.respondJSON(w, code.HTTPStatus(), errorResponse{
		Error:     errorMessages[code],
		ErrorCode: code,
		Detail:    detail,
	})
}
