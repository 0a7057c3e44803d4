package storage

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/hyperjump/arbiter/internal/models"
)

// EligibleChunkIDs returns the ids of chunks whose source is indexed, that match the
// game edition, are unexpired at now, belong to the base game or an active expansion,
// and come from an allowed source type (an empty list allows all).
func (s *SQLiteStorage) EligibleChunkIDs(ctx context.Context, filter models.ChunkFilter, now time.Time) (map[string]struct{}, error) {
	var (
		q    strings.Builder
		args []any
	)
	q.WriteString(`SELECT c.id FROM chunks c JOIN sources s ON s.id = c.source_id
		WHERE s.indexed = 1 AND c.game_id = ? AND c.edition = ?
		  AND (c.expires_at IS NULL OR c.expires_at > ?)`)
	args = append(args, filter.GameID, filter.Edition, now.UnixNano())

	if len(filter.ExpansionIDs) == 0 {
		q.WriteString(` AND c.expansion_id IS NULL`)
	} else {
		q.WriteString(` AND (c.expansion_id IS NULL OR c.expansion_id IN (` + placeholders(len(filter.ExpansionIDs)) + `))`)
		for _, id := range filter.ExpansionIDs {
			args = append(args, id)
		}
	}
	if len(filter.SourceTypes) > 0 {
		q.WriteString(` AND c.source_type IN (` + placeholders(len(filter.SourceTypes)) + `)`)
		for _, st := range filter.SourceTypes {
			args = append(args, string(st))
		}
	}

	rows, err := s.db.QueryContext(ctx, q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("%w: eligible chunks: %w", ErrUnavailable, err)
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: scan chunk id: %w", ErrUnavailable, err)
		}
		ids[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: eligible chunks: %w", ErrUnavailable, err)
	}
	return ids, nil
}

const chunkColumns = `id, source_id, game_id, edition, expansion_id, source_type, page, page_index,
	section_title, text, embedding, precedence, overrides, override_confidence, override_evidence,
	phase_tags, expires_at, created_at`

func scanChunk(row interface{ Scan(...any) error }) (*models.RuleChunk, error) {
	var (
		c                                   models.RuleChunk
		expID, expiresAt                    sql.NullInt64
		section, overrides, evidence, phase sql.NullString
		embedding                           []byte
	)
	if err := row.Scan(&c.ID, &c.SourceID, &c.GameID, &c.Edition, &expID, &c.SourceType, &c.Page, &c.PageIndex,
		&section, &c.Text, &embedding, &c.Precedence, &overrides, &c.OverrideConfidence, &evidence,
		&phase, &expiresAt, &c.CreatedAt); err != nil {
		return nil, err
	}
	if expID.Valid {
		v := expID.Int64
		c.ExpansionID = &v
	}
	if expiresAt.Valid {
		t := time.Unix(0, expiresAt.Int64).UTC()
		c.ExpiresAt = &t
	}
	c.SectionTitle = section.String
	c.Overrides = overrides.String
	c.OverrideEvidence = evidence.String
	c.Embedding = DecodeVector(embedding)
	if phase.String != "" {
		if err := json.Unmarshal([]byte(phase.String), &c.PhaseTags); err != nil {
			return nil, fmt.Errorf("failed to unmarshal phase tags: %w", err)
		}
	}
	return &c, nil
}

// GetChunks loads chunks by id. Missing ids are absent from the result.
func (s *SQLiteStorage) GetChunks(ctx context.Context, ids []string) (map[string]*models.RuleChunk, error) {
	out := make(map[string]*models.RuleChunk, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: get chunks: %w", ErrUnavailable, err)
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan chunk: %w", ErrUnavailable, err)
		}
		out[c.ID] = c
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: get chunks: %w", ErrUnavailable, err)
	}
	return out, nil
}

// ChunkExists reports whether a chunk with id is stored.
func (s *SQLiteStorage) ChunkExists(ctx context.Context, id string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks WHERE id = ?`, id).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// UpsertChunks inserts or replaces chunks in a transaction.
func (s *SQLiteStorage) UpsertChunks(ctx context.Context, chunks []*models.RuleChunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO chunks (`+chunkColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, c := range chunks {
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		var phase sql.NullString
		if len(c.PhaseTags) > 0 {
			b, err := json.Marshal(c.PhaseTags)
			if err != nil {
				return fmt.Errorf("failed to marshal phase tags: %w", err)
			}
			phase = sql.NullString{String: string(b), Valid: true}
		}
		var expiresAt sql.NullInt64
		if c.ExpiresAt != nil {
			expiresAt = sql.NullInt64{Int64: c.ExpiresAt.UnixNano(), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx,
			c.ID, c.SourceID, c.GameID, c.Edition, nullInt64(c.ExpansionID), string(c.SourceType), c.Page, c.PageIndex,
			nullString(c.SectionTitle), c.Text, EncodeVector(c.Embedding), int(c.Precedence), nullString(c.Overrides),
			c.OverrideConfidence, nullString(c.OverrideEvidence), phase, expiresAt, c.CreatedAt,
		); err != nil {
			return fmt.Errorf("failed to insert chunk %s: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

// DeleteChunksBySource removes all chunks of a source and returns the removed ids.
func (s *SQLiteStorage) DeleteChunksBySource(ctx context.Context, sourceID int64) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT id FROM chunks WHERE source_id = ?`, sourceID)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE source_id = ?`, sourceID); err != nil {
		return nil, err
	}
	return ids, tx.Commit()
}

// ChunkEmbeddings calls fn for every chunk that has an embedding.
func (s *SQLiteStorage) ChunkEmbeddings(ctx context.Context, fn func(id string, vec []float32) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT id, embedding FROM chunks WHERE embedding IS NOT NULL`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id  string
			raw []byte
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return err
		}
		if vec := DecodeVector(raw); len(vec) > 0 {
			if err := fn(id, vec); err != nil {
				return err
			}
		}
	}
	return rows.Err()
}

// EncodeVector packs a vector as little-endian float32s. A nil vector encodes to nil.
func EncodeVector(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	out := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}

// DecodeVector reverses EncodeVector.
func DecodeVector(b []byte) []float32 {
	if len(b) < 4 {
		return nil
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
