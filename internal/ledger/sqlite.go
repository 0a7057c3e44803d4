package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/arbiter/internal/config"
	"github.com/hyperjump/arbiter/internal/models"
)

// SQLite is a ledger stored in the main SQLite database. Reserve is a single
// conditional INSERT, which SQLite serializes.
type SQLite struct {
	db *sql.DB
	budget
}

// NewSQLite creates the cost_records table in db if needed.
func NewSQLite(ctx context.Context, db *sql.DB, cfg config.BudgetConfig, opts ...Option) (*SQLite, error) {
	schema := `
	CREATE TABLE IF NOT EXISTS cost_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		request_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		model TEXT NOT NULL,
		input_tokens INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		cost_usd REAL NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_cost_records_created ON cost_records(created_at);
	`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to create ledger schema: %w", err)
	}
	return &SQLite{db: db, budget: newBudget(cfg, opts)}, nil
}

func (l *SQLite) Reserve(ctx context.Context, requestID, model string, estimate models.Usage) error {
	cost := l.pricing.Cost(estimate)
	res, err := l.db.ExecContext(ctx, `
		INSERT INTO cost_records (request_id, kind, model, input_tokens, output_tokens, cost_usd, created_at)
		SELECT ?, ?, ?, ?, ?, ?, ?
		WHERE (SELECT COALESCE(SUM(cost_usd), 0) FROM cost_records WHERE created_at >= ?) + ? <= ?`,
		requestID, models.CostReservation, model, estimate.InputTokens, estimate.OutputTokens, cost,
		l.now().UnixNano(), l.windowStart().UnixNano(), cost, l.ceiling)
	if err != nil {
		return fmt.Errorf("failed to reserve budget: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to reserve budget: %w", err)
	}
	if n == 0 {
		l.logger.Warn("budget reservation refused", zap.String("request_id", requestID), zap.Float64("cost_usd", cost))
		return ErrBudgetExceeded
	}
	return nil
}

func (l *SQLite) Settle(ctx context.Context, requestID, model string, estimate, actual models.Usage) error {
	delta := l.pricing.Cost(actual) - l.pricing.Cost(estimate)
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO cost_records (request_id, kind, model, input_tokens, output_tokens, cost_usd, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		requestID, models.CostAdjustment, model, actual.InputTokens, actual.OutputTokens, delta, l.now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to settle budget: %w", err)
	}
	return nil
}

func (l *SQLite) Spent(ctx context.Context, since time.Time) (float64, error) {
	var total float64
	err := l.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost_usd), 0) FROM cost_records WHERE created_at >= ?`,
		since.UnixNano()).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum spend: %w", err)
	}
	return total, nil
}

func (l *SQLite) Exhausted(ctx context.Context) (bool, error) {
	spent, err := l.Spent(ctx, l.windowStart())
	if err != nil {
		return false, err
	}
	return l.exhausted(spent), nil
}

// Records returns every record for requestID in insertion order.
func (l *SQLite) Records(ctx context.Context, requestID string) ([]models.CostRecord, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, request_id, kind, model, input_tokens, output_tokens, cost_usd, created_at
		FROM cost_records WHERE request_id = ? ORDER BY id`, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to list cost records: %w", err)
	}
	defer rows.Close()
	var out []models.CostRecord
	for rows.Next() {
		var (
			r       models.CostRecord
			created int64
		)
		if err := rows.Scan(&r.ID, &r.RequestID, &r.Kind, &r.Model, &r.InputTokens, &r.OutputTokens, &r.CostUSD, &created); err != nil {
			return nil, fmt.Errorf("failed to scan cost record: %w", err)
		}
		r.CreatedAt = time.Unix(0, created)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close is a no-op; the database belongs to the storage layer.
func (l *SQLite) Close() error {
	return nil
}
