package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/hyperjump/arbiter/internal/config"
	"github.com/hyperjump/arbiter/internal/models"
)

// advisoryLockKey serializes reservations across processes sharing the database.
const advisoryLockKey int64 = 0x6172626974657201

// Postgres is a ledger for deployments where several servers share one budget.
type Postgres struct {
	pool *pgxpool.Pool
	budget
}

// NewPostgres connects to dsn and creates the cost_records table if needed.
func NewPostgres(ctx context.Context, dsn string, cfg config.BudgetConfig, opts ...Option) (*Postgres, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	schema := `
		CREATE TABLE IF NOT EXISTS cost_records (
			id BIGSERIAL PRIMARY KEY,
			request_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			model TEXT NOT NULL,
			input_tokens BIGINT NOT NULL,
			output_tokens BIGINT NOT NULL,
			cost_usd DOUBLE PRECISION NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_cost_records_created ON cost_records(created_at);`
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create ledger schema: %w", err)
	}
	return &Postgres{pool: pool, budget: newBudget(cfg, opts)}, nil
}

func (l *Postgres) Reserve(ctx context.Context, requestID, model string, estimate models.Usage) error {
	cost := l.pricing.Cost(estimate)
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin reservation: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, advisoryLockKey); err != nil {
		return fmt.Errorf("failed to lock ledger: %w", err)
	}
	tag, err := tx.Exec(ctx, `
		INSERT INTO cost_records (request_id, kind, model, input_tokens, output_tokens, cost_usd, created_at)
		SELECT $1::text, $2::text, $3::text, $4::bigint, $5::bigint, $6::double precision, $7::timestamptz
		WHERE (SELECT COALESCE(SUM(cost_usd), 0) FROM cost_records WHERE created_at >= $8::timestamptz)
			+ $6::double precision <= $9::double precision`,
		requestID, string(models.CostReservation), model, estimate.InputTokens, estimate.OutputTokens, cost,
		l.now(), l.windowStart(), l.ceiling)
	if err != nil {
		return fmt.Errorf("failed to reserve budget: %w", err)
	}
	if tag.RowsAffected() == 0 {
		l.logger.Warn("budget reservation refused", zap.String("request_id", requestID), zap.Float64("cost_usd", cost))
		return ErrBudgetExceeded
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit reservation: %w", err)
	}
	return nil
}

func (l *Postgres) Settle(ctx context.Context, requestID, model string, estimate, actual models.Usage) error {
	delta := l.pricing.Cost(actual) - l.pricing.Cost(estimate)
	_, err := l.pool.Exec(ctx, `
		INSERT INTO cost_records (request_id, kind, model, input_tokens, output_tokens, cost_usd, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		requestID, string(models.CostAdjustment), model, actual.InputTokens, actual.OutputTokens, delta, l.now())
	if err != nil {
		return fmt.Errorf("failed to settle budget: %w", err)
	}
	return nil
}

func (l *Postgres) Spent(ctx context.Context, since time.Time) (float64, error) {
	var total float64
	err := l.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(cost_usd), 0)::DOUBLE PRECISION FROM cost_records WHERE created_at >= $1`,
		since).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum spend: %w", err)
	}
	return total, nil
}

func (l *Postgres) Exhausted(ctx context.Context) (bool, error) {
	spent, err := l.Spent(ctx, l.windowStart())
	if err != nil {
		return false, err
	}
	return l.exhausted(spent), nil
}

func (l *Postgres) Close() error {
	l.pool.Close()
	return nil
}
