package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hyperjump/arbiter/internal/models"
)

// SaveTransaction persists an answered question. Citations, the superseded rule and the
// expansion list are stored as typed JSON columns.
func (s *SQLiteStorage) SaveTransaction(ctx context.Context, tx *models.AskTransaction) error {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	citations := tx.Citations
	if citations == nil {
		citations = []models.Citation{}
	}
	citationsJSON, err := json.Marshal(citations)
	if err != nil {
		return fmt.Errorf("failed to marshal citations: %w", err)
	}
	var superseded sql.NullString
	if tx.SupersededRule != nil {
		b, err := json.Marshal(tx.SupersededRule)
		if err != nil {
			return fmt.Errorf("failed to marshal superseded rule: %w", err)
		}
		superseded = sql.NullString{String: string(b), Valid: true}
	}
	expansionsJSON, err := json.Marshal(tx.ExpansionIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal expansion ids: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO ask_history (id, game_id, edition, expansion_ids, question, normalized_question,
		   question_embedding, verdict, confidence, confidence_reason, citations, superseded_rule,
		   conflict_note, model, prompt_tokens, completion_tokens, latency_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.GameID, tx.Edition, string(expansionsJSON), tx.Question, tx.NormalizedQuestion,
		EncodeVector(tx.QuestionEmbedding), tx.Verdict, string(tx.Confidence), tx.ConfidenceReason,
		string(citationsJSON), superseded, nullString(tx.ConflictNote), tx.Model,
		tx.PromptTokens, tx.CompletionTokens, tx.LatencyMs, tx.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save transaction: %w", err)
	}
	return nil
}

// GetTransaction returns a stored transaction by id.
func (s *SQLiteStorage) GetTransaction(ctx context.Context, id string) (*models.AskTransaction, error) {
	var (
		tx                                models.AskTransaction
		expansions, citations, superseded sql.NullString
		reason, conflict, model           sql.NullString
		embedding                         []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, game_id, edition, expansion_ids, question, normalized_question, question_embedding,
		   verdict, confidence, confidence_reason, citations, superseded_rule, conflict_note, model,
		   prompt_tokens, completion_tokens, latency_ms, created_at
		 FROM ask_history WHERE id = ?`, id,
	).Scan(&tx.ID, &tx.GameID, &tx.Edition, &expansions, &tx.Question, &tx.NormalizedQuestion, &embedding,
		&tx.Verdict, &tx.Confidence, &reason, &citations, &superseded, &conflict, &model,
		&tx.PromptTokens, &tx.CompletionTokens, &tx.LatencyMs, &tx.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ask history %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get transaction: %w", ErrUnavailable, err)
	}
	tx.QuestionEmbedding = DecodeVector(embedding)
	tx.ConfidenceReason = reason.String
	tx.ConflictNote = conflict.String
	tx.Model = model.String
	if expansions.String != "" {
		if err := json.Unmarshal([]byte(expansions.String), &tx.ExpansionIDs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal expansion ids: %w", err)
		}
	}
	tx.Citations = []models.Citation{}
	if citations.String != "" {
		if err := json.Unmarshal([]byte(citations.String), &tx.Citations); err != nil {
			return nil, fmt.Errorf("failed to unmarshal citations: %w", err)
		}
	}
	if superseded.Valid {
		var rule models.SupersededRule
		if err := json.Unmarshal([]byte(superseded.String), &rule); err != nil {
			return nil, fmt.Errorf("failed to unmarshal superseded rule: %w", err)
		}
		tx.SupersededRule = &rule
	}
	return &tx, nil
}

// SaveFeedback appends feedback to an existing transaction.
func (s *SQLiteStorage) SaveFeedback(ctx context.Context, fb *models.Feedback) error {
	if fb.ID == "" {
		fb.ID = uuid.NewString()
	}
	if fb.CreatedAt.IsZero() {
		fb.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO feedback (id, ask_history_id, feedback_type, selected_chunk_id, note, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		fb.ID, fb.AskHistoryID, string(fb.Type), nullString(fb.SelectedChunkID), nullString(fb.Note), fb.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save feedback: %w", err)
	}
	return nil
}

// ListFeedback returns feedback for a transaction, oldest first.
func (s *SQLiteStorage) ListFeedback(ctx context.Context, askHistoryID string) ([]*models.Feedback, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ask_history_id, feedback_type, selected_chunk_id, note, created_at
		 FROM feedback WHERE ask_history_id = ? ORDER BY created_at, id`, askHistoryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Feedback
	for rows.Next() {
		var (
			fb          models.Feedback
			chunk, note sql.NullString
		)
		if err := rows.Scan(&fb.ID, &fb.AskHistoryID, &fb.Type, &chunk, &note, &fb.CreatedAt); err != nil {
			return nil, err
		}
		fb.SelectedChunkID = chunk.String
		fb.Note = note.String
		out = append(out, &fb)
	}
	return out, rows.Err()
}

// CreateOrReuseIngestJob returns the pending job for the game edition, creating one if none exists.
func (s *SQLiteStorage) CreateOrReuseIngestJob(ctx context.Context, gameID int64, edition string, sourceIDs []int64) (*models.IngestJob, error) {
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer dbtx.Rollback()

	var (
		job     models.IngestJob
		idsJSON string
	)
	err = dbtx.QueryRowContext(ctx,
		`SELECT id, game_id, edition, source_ids, status, created_at FROM ingest_jobs
		 WHERE game_id = ? AND edition = ? AND status = ? ORDER BY created_at LIMIT 1`,
		gameID, edition, models.IngestJobPending,
	).Scan(&job.ID, &job.GameID, &job.Edition, &idsJSON, &job.Status, &job.CreatedAt)
	switch {
	case err == nil:
		if err := json.Unmarshal([]byte(idsJSON), &job.SourceIDs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal source ids: %w", err)
		}
		return &job, nil
	case !errors.Is(err, sql.ErrNoRows):
		return nil, err
	}

	job = models.IngestJob{
		ID:        uuid.NewString(),
		GameID:    gameID,
		Edition:   edition,
		SourceIDs: sourceIDs,
		Status:    models.IngestJobPending,
		CreatedAt: time.Now().UTC(),
	}
	b, err := json.Marshal(sourceIDs)
	if err != nil {
		return nil, err
	}
	if _, err := dbtx.ExecContext(ctx,
		`INSERT INTO ingest_jobs (id, game_id, edition, source_ids, status, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		job.ID, job.GameID, job.Edition, string(b), job.Status, job.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &job, dbtx.Commit()
}

// CompleteIngestJobs marks pending jobs for a game edition as done.
func (s *SQLiteStorage) CompleteIngestJobs(ctx context.Context, gameID int64, edition string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE ingest_jobs SET status = ? WHERE game_id = ? AND edition = ? AND status = ?`,
		models.IngestJobDone, gameID, edition, models.IngestJobPending)
	return err
}
