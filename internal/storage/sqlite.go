package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hyperjump/arbiter/internal/models"
)

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens or creates a SQLite database at dbPath and initializes the schema.
// Parent directories are created if they do not exist.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS games (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		default_edition TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS expansions (
		id INTEGER PRIMARY KEY,
		game_id INTEGER NOT NULL REFERENCES games(id) ON DELETE CASCADE,
		name TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_expansions_game ON expansions(game_id);

	CREATE TABLE IF NOT EXISTS sources (
		id INTEGER PRIMARY KEY,
		game_id INTEGER NOT NULL REFERENCES games(id) ON DELETE CASCADE,
		edition TEXT NOT NULL,
		expansion_id INTEGER,
		source_type TEXT NOT NULL,
		title TEXT,
		page_count INTEGER NOT NULL DEFAULT 0,
		indexed INTEGER NOT NULL DEFAULT 0,
		needs_reingest INTEGER NOT NULL DEFAULT 0,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_sources_game_edition ON sources(game_id, edition);

	CREATE TABLE IF NOT EXISTS chunks (
		id TEXT PRIMARY KEY,
		source_id INTEGER NOT NULL REFERENCES sources(id) ON DELETE CASCADE,
		game_id INTEGER NOT NULL,
		edition TEXT NOT NULL,
		expansion_id INTEGER,
		source_type TEXT NOT NULL,
		page INTEGER NOT NULL,
		page_index INTEGER NOT NULL DEFAULT 0,
		section_title TEXT,
		text TEXT NOT NULL,
		embedding BLOB,
		precedence INTEGER NOT NULL,
		overrides TEXT,
		override_confidence INTEGER NOT NULL DEFAULT 0,
		override_evidence TEXT,
		phase_tags TEXT,
		expires_at INTEGER,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_chunks_game_edition ON chunks(game_id, edition);
	CREATE INDEX IF NOT EXISTS idx_chunks_source ON chunks(source_id);

	CREATE TABLE IF NOT EXISTS ask_history (
		id TEXT PRIMARY KEY,
		game_id INTEGER NOT NULL,
		edition TEXT NOT NULL,
		expansion_ids TEXT,
		question TEXT NOT NULL,
		normalized_question TEXT NOT NULL,
		question_embedding BLOB,
		verdict TEXT NOT NULL,
		confidence TEXT NOT NULL,
		confidence_reason TEXT,
		citations TEXT NOT NULL,
		superseded_rule TEXT,
		conflict_note TEXT,
		model TEXT,
		prompt_tokens INTEGER NOT NULL DEFAULT 0,
		completion_tokens INTEGER NOT NULL DEFAULT 0,
		latency_ms INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_ask_history_game ON ask_history(game_id, created_at);

	CREATE TABLE IF NOT EXISTS feedback (
		id TEXT PRIMARY KEY,
		ask_history_id TEXT NOT NULL REFERENCES ask_history(id),
		feedback_type TEXT NOT NULL,
		selected_chunk_id TEXT,
		note TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_feedback_history ON feedback(ask_history_id);

	CREATE TABLE IF NOT EXISTS ingest_jobs (
		id TEXT PRIMARY KEY,
		game_id INTEGER NOT NULL,
		edition TEXT NOT NULL,
		source_ids TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_ingest_jobs_game ON ingest_jobs(game_id, edition, status);
	`
	_, err := db.Exec(schema)
	return err
}

// DB exposes the handle so the cost ledger can share the database file.
func (s *SQLiteStorage) DB() *sql.DB {
	return s.db
}

// GetGame returns a game by ID.
func (s *SQLiteStorage) GetGame(ctx context.Context, id int64) (*models.Game, error) {
	var g models.Game
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, default_edition FROM games WHERE id = ?`, id,
	).Scan(&g.ID, &g.Name, &g.DefaultEdition)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("game %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get game: %w", ErrUnavailable, err)
	}
	return &g, nil
}

// UpsertGame inserts or replaces a game.
func (s *SQLiteStorage) UpsertGame(ctx context.Context, game *models.Game) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO games (id, name, default_edition) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, default_edition = excluded.default_edition`,
		game.ID, game.Name, game.DefaultEdition,
	)
	return err
}

// GetExpansions returns a game's expansions ordered by id.
func (s *SQLiteStorage) GetExpansions(ctx context.Context, gameID int64) ([]*models.Expansion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, game_id, name FROM expansions WHERE game_id = ? ORDER BY id`, gameID)
	if err != nil {
		return nil, fmt.Errorf("%w: list expansions: %w", ErrUnavailable, err)
	}
	defer rows.Close()

	var out []*models.Expansion
	for rows.Next() {
		var e models.Expansion
		if err := rows.Scan(&e.ID, &e.GameID, &e.Name); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// UpsertExpansion inserts or replaces an expansion.
func (s *SQLiteStorage) UpsertExpansion(ctx context.Context, exp *models.Expansion) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO expansions (id, game_id, name) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET game_id = excluded.game_id, name = excluded.name`,
		exp.ID, exp.GameID, exp.Name,
	)
	return err
}

// EditionExists reports whether edition is the game's default or appears on one of its sources.
func (s *SQLiteStorage) EditionExists(ctx context.Context, gameID int64, edition string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT (SELECT COUNT(*) FROM games WHERE id = ? AND default_edition = ?)
		      + (SELECT COUNT(*) FROM sources WHERE game_id = ? AND edition = ?)`,
		gameID, edition, gameID, edition,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("%w: check edition: %w", ErrUnavailable, err)
	}
	return n > 0, nil
}

const sourceColumns = `id, game_id, edition, expansion_id, source_type, title, page_count, indexed, needs_reingest, updated_at`

func scanSource(row interface{ Scan(...any) error }) (*models.Source, error) {
	var (
		src   models.Source
		expID sql.NullInt64
		title sql.NullString
	)
	if err := row.Scan(&src.ID, &src.GameID, &src.Edition, &expID, &src.SourceType, &title,
		&src.PageCount, &src.Indexed, &src.NeedsReingest, &src.UpdatedAt); err != nil {
		return nil, err
	}
	if expID.Valid {
		v := expID.Int64
		src.ExpansionID = &v
	}
	src.Title = title.String
	return &src, nil
}

// GetSource returns a source by ID.
func (s *SQLiteStorage) GetSource(ctx context.Context, id int64) (*models.Source, error) {
	src, err := scanSource(s.db.QueryRowContext(ctx,
		`SELECT `+sourceColumns+` FROM sources WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("source %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get source: %w", ErrUnavailable, err)
	}
	return src, nil
}

// ListSources returns the sources of a game edition ordered by id.
func (s *SQLiteStorage) ListSources(ctx context.Context, gameID int64, edition string) ([]*models.Source, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sourceColumns+` FROM sources WHERE game_id = ? AND edition = ? ORDER BY id`,
		gameID, edition)
	if err != nil {
		return nil, fmt.Errorf("%w: list sources: %w", ErrUnavailable, err)
	}
	defer rows.Close()

	var out []*models.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

// UpsertSource inserts or replaces a source. Indexed and needs-reingest flags are
// preserved on update; use MarkSourceIndexed and MarkSourceReingest to change them.
func (s *SQLiteStorage) UpsertSource(ctx context.Context, src *models.Source) error {
	src.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sources (id, game_id, edition, expansion_id, source_type, title, page_count, indexed, needs_reingest, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET game_id = excluded.game_id, edition = excluded.edition,
		   expansion_id = excluded.expansion_id, source_type = excluded.source_type, title = excluded.title,
		   page_count = excluded.page_count, updated_at = excluded.updated_at`,
		src.ID, src.GameID, src.Edition, nullInt64(src.ExpansionID), string(src.SourceType), src.Title,
		src.PageCount, src.Indexed, src.NeedsReingest, src.UpdatedAt,
	)
	return err
}

// MarkSourceIndexed sets the indexed flag and clears needs-reingest.
func (s *SQLiteStorage) MarkSourceIndexed(ctx context.Context, id int64) error {
	return s.updateSource(ctx, id, `indexed = 1, needs_reingest = 0`)
}

// MarkSourceReingest flags a source as needing reingestion.
func (s *SQLiteStorage) MarkSourceReingest(ctx context.Context, id int64) error {
	return s.updateSource(ctx, id, `needs_reingest = 1`)
}

func (s *SQLiteStorage) updateSource(ctx context.Context, id int64, set string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sources SET `+set+`, updated_at = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("source %d: %w", id, ErrNotFound)
	}
	return nil
}

// GameNeedsReingest reports whether any source of the game is flagged for reingestion.
func (s *SQLiteStorage) GameNeedsReingest(ctx context.Context, gameID int64) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sources WHERE game_id = ? AND needs_reingest = 1`, gameID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("%w: check reingest: %w", ErrUnavailable, err)
	}
	return n > 0, nil
}

// Stats returns row counts.
func (s *SQLiteStorage) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM games),
		(SELECT COUNT(*) FROM sources),
		(SELECT COUNT(*) FROM sources WHERE indexed = 1),
		(SELECT COUNT(*) FROM chunks),
		(SELECT COUNT(*) FROM ask_history),
		(SELECT COUNT(*) FROM feedback),
		(SELECT COUNT(*) FROM ingest_jobs WHERE status = ?)`, models.IngestJobPending,
	).Scan(&st.Games, &st.Sources, &st.IndexedSources, &st.Chunks, &st.Transactions, &st.Feedback, &st.PendingJobs)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
