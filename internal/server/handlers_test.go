package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hyperjump/arbiter/internal/answer"
	"github.com/hyperjump/arbiter/internal/config"
	"github.com/hyperjump/arbiter/internal/models"
	"github.com/hyperjump/arbiter/internal/storage"
)

type fakeAnswerer struct {
	outcome   *models.AskOutcome
	err       error
	lastAsk   models.AskRequest
	reingests []int64
	history   map[string]*models.AskTransaction
	block     bool
}

func (f *fakeAnswerer) Ask(ctx context.Context, req models.AskRequest) (*models.AskOutcome, error) {
	f.lastAsk = req
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.outcome, f.err
}

func (f *fakeAnswerer) Feedback(ctx context.Context, req models.FeedbackRequest) (*models.FeedbackResponse, error) {
	if _, ok := f.history[req.AskHistoryID]; !ok {
		return nil, fmt.Errorf("%w: %s", answer.ErrHistoryNotFound, req.AskHistoryID)
	}
	return &models.FeedbackResponse{FeedbackID: "fb-1"}, nil
}

func (f *fakeAnswerer) History(ctx context.Context, id string) (*models.AskTransaction, error) {
	tx, ok := f.history[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", answer.ErrHistoryNotFound, id)
	}
	return tx, nil
}

func (f *fakeAnswerer) MarkSourceReingest(ctx context.Context, sourceID int64) error {
	if sourceID == 404 {
		return fmt.Errorf("%w: %d", answer.ErrSourceNotFound, sourceID)
	}
	f.reingests = append(f.reingests, sourceID)
	return nil
}

func (f *fakeAnswerer) Status(ctx context.Context) (*answer.Status, error) {
	return &answer.Status{
		Stats:        &storage.Stats{Games: 1, Chunks: 12},
		SpentUSD:     0.42,
		LimitUSD:     10,
		Generator:    "extractive",
		CacheEnabled: true,
	}, nil
}

const historyID = "5f0c3f52-3c1d-4a55-9a3e-9b7f7a0f2a11"

func newTestServer(t *testing.T, f *fakeAnswerer, mutate func(*config.ServerConfig)) http.Handler {
	t.Helper()
	cfg := &config.ServerConfig{Host: "localhost", Port: 8080, RequestTimeout: config.Duration(5 * time.Second)}
	if mutate != nil {
		mutate(cfg)
	}
	return NewServer(f, cfg, zap.NewNop()).Handler()
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		r.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var out errorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&out))
	return out
}

func TestHandleAsk_answer(t *testing.T) {
	f := &fakeAnswerer{outcome: &models.AskOutcome{Answer: &models.AnswerResponse{
		Verdict:    "Yes, at 2:1 with a harbor.",
		Confidence: models.ConfidenceHigh,
		Citations:  []models.Citation{{ChunkID: "sf-p12", Quote: "trades 2 identical resources for 1", Verified: true}},
		HistoryID:  historyID,
	}}}
	h := newTestServer(t, f, nil)

	w := do(h, http.MethodPost, "/api/v1/ask", `{"gameId": 1, "question": "Can I trade 2:1?", "activeExpansionIds": [5]}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var out models.AnswerResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&out))
	assert.Equal(t, models.ConfidenceHigh, out.Confidence)
	assert.Equal(t, historyID, out.HistoryID)
	assert.Equal(t, []int64{5}, f.lastAsk.ActiveExpansionIDs)
}

func TestHandleAsk_indexing(t *testing.T) {
	f := &fakeAnswerer{outcome: &models.AskOutcome{Indexing: &models.IndexingResponse{
		Status:           models.IndexingStatus,
		JobID:            "job-1",
		SourcesToIndex:   2,
		EstimatedSeconds: 90,
	}}}
	w := do(newTestServer(t, f, nil), http.MethodPost, "/api/v1/ask", `{"gameId": 7, "question": "How do I set up?"}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	var out models.IndexingResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&out))
	assert.Equal(t, "indexing", out.Status)
	assert.Equal(t, 90, out.EstimatedSeconds)
}

func TestHandleAsk_errors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
		wantCode   answer.ErrorCode
	}{
		{"malformed body", `{"gameId": `, nil, http.StatusBadRequest, answer.CodeInvalidRequest},
		{"unknown field", `{"gameId": 1, "question": "q", "mode": "fast"}`, nil, http.StatusBadRequest, answer.CodeInvalidRequest},
		{"trailing data", `{"gameId": 1, "question": "q"} {}`, nil, http.StatusBadRequest, answer.CodeInvalidRequest},
		{"game not found", `{"gameId": 9, "question": "q"}`, fmt.Errorf("%w: 9", answer.ErrGameNotFound), http.StatusNotFound, answer.CodeGameNotFound},
		{"unknown expansion", `{"gameId": 1, "question": "q", "activeExpansionIds": [8]}`, fmt.Errorf("%w: 8", answer.ErrExpansionNotFound), http.StatusBadRequest, answer.CodeExpansionNotFound},
		{"budget", `{"gameId": 1, "question": "q"}`, answer.ErrBudgetExceeded, http.StatusTooManyRequests, answer.CodeBudgetExceeded},
		{"retrieval down", `{"gameId": 1, "question": "q"}`, answer.ErrRetrievalUnavailable, http.StatusServiceUnavailable, answer.CodeRetrievalUnavailable},
		{"generation", `{"gameId": 1, "question": "q"}`, answer.ErrGenerationFailed, http.StatusBadGateway, answer.CodeGenerationError},
		{"internal", `{"gameId": 1, "question": "q"}`, fmt.Errorf("disk on fire"), http.StatusInternalServerError, answer.CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeAnswerer{err: tt.err}
			w := do(newTestServer(t, f, nil), http.MethodPost, "/api/v1/ask", tt.body)
			assert.Equal(t, tt.wantStatus, w.Code)
			out := decodeError(t, w)
			assert.Equal(t, tt.wantCode, out.ErrorCode)
			assert.NotEmpty(t, out.Error)
			if tt.wantCode == answer.CodeInternal {
				assert.Empty(t, out.Detail, "internal details should not leak")
			}
		})
	}
}

func TestHandleAsk_timeout(t *testing.T) {
	f := &fakeAnswerer{block: true}
	h := newTestServer(t, f, func(c *config.ServerConfig) { c.RequestTimeout = config.Duration(50 * time.Millisecond) })
	w := do(h, http.MethodPost, "/api/v1/ask", `{"gameId": 1, "question": "q"}`)
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
	assert.Equal(t, answer.CodeTimeout, decodeError(t, w).ErrorCode)
}

func TestHandleFeedback(t *testing.T) {
	f := &fakeAnswerer{history: map[string]*models.AskTransaction{historyID: {ID: historyID}}}
	h := newTestServer(t, f, nil)

	w := do(h, http.MethodPost, "/api/v1/feedback", `{"askHistoryId": "`+historyID+`", "feedbackType": "helpful"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var out models.FeedbackResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&out))
	assert.Equal(t, "fb-1", out.FeedbackID)

	w = do(h, http.MethodPost, "/api/v1/feedback", `{"askHistoryId": "missing", "feedbackType": "helpful"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, answer.CodeHistoryNotFound, decodeError(t, w).ErrorCode)
}

func TestHandleReingest(t *testing.T) {
	f := &fakeAnswerer{}
	h := newTestServer(t, f, nil)

	w := do(h, http.MethodPost, "/api/v1/sources/10/reingest", "")
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []int64{10}, f.reingests)

	w = do(h, http.MethodPost, "/api/v1/sources/abc/reingest", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(h, http.MethodPost, "/api/v1/sources/404/reingest", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, answer.CodeSourceNotFound, decodeError(t, w).ErrorCode)
}

func TestHandleHistory(t *testing.T) {
	f := &fakeAnswerer{history: map[string]*models.AskTransaction{historyID: {ID: historyID, Verdict: "No."}}}
	h := newTestServer(t, f, nil)

	w := do(h, http.MethodGet, "/api/v1/history/"+historyID, "")
	require.Equal(t, http.StatusOK, w.Code)
	var tx models.AskTransaction
	require.NoError(t, json.NewDecoder(w.Body).Decode(&tx))
	assert.Equal(t, "No.", tx.Verdict)

	w = do(h, http.MethodGet, "/api/v1/history/unknown", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleStatus(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "arbiter.db"), []byte(strings.Repeat("x", 128)), 0600))
	cfg := &config.ServerConfig{}
	h := NewServer(&fakeAnswerer{}, cfg, nil, WithDiskPaths(dir, filepath.Join(dir, "missing"))).Handler()

	w := do(h, http.MethodGet, "/api/v1/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	var out map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&out))
	assert.Equal(t, 0.42, out["spentUsd"])
	assert.Equal(t, float64(128), out["diskUsageBytes"])
	stats, ok := out["stats"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(12), stats["chunks"])
}

func TestHandleHealth(t *testing.T) {
	w := do(newTestServer(t, &fakeAnswerer{}, nil), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ok")
}
