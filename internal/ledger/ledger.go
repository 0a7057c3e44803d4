// Package ledger tracks generation spend against a rolling budget ceiling. Records are
// append-only: a reservation before each model call, an adjustment after it.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/arbiter/internal/config"
	"github.com/hyperjump/arbiter/internal/models"
)

// ErrBudgetExceeded is returned when a reservation would push spend past the ceiling.
var ErrBudgetExceeded = errors.New("budget ceiling reached")

// Ledger is an append-only cost ledger with an atomic reserve.
type Ledger interface {
	// Reserve records the estimated cost if spend in the window plus the estimate stays
	// within the ceiling; otherwise it records nothing and returns ErrBudgetExceeded.
	Reserve(ctx context.Context, requestID, model string, estimate models.Usage) error
	// Settle appends the difference between actual and estimated cost.
	Settle(ctx context.Context, requestID, model string, estimate, actual models.Usage) error
	// Spent sums all records created at or after since.
	Spent(ctx context.Context, since time.Time) (float64, error)
	// Exhausted reports whether spend in the current window has reached the ceiling.
	Exhausted(ctx context.Context) (bool, error)
	Close() error
}

// Pricing converts token usage to USD.
type Pricing struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// Cost returns the USD cost of u.
func (p Pricing) Cost(u models.Usage) float64 {
	return float64(u.InputTokens)*p.InputPerMTok/1e6 + float64(u.OutputTokens)*p.OutputPerMTok/1e6
}

// Option configures a ledger.
type Option func(*budget)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *budget) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *budget) { b.now = now }
}

// budget holds the settings shared by every backend.
type budget struct {
	pricing Pricing
	ceiling float64
	window  time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

func newBudget(cfg config.BudgetConfig, opts []Option) budget {
	b := budget{
		pricing: Pricing{InputPerMTok: cfg.InputCostPerMTok, OutputPerMTok: cfg.OutputCostPerMTok},
		ceiling: cfg.DailyLimitUSD,
		window:  cfg.Window.Std(),
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	if b.window <= 0 {
		b.window = 24 * time.Hour
	}
	for _, opt := range opts {
		opt(&b)
	}
	return b
}

func (b *budget) windowStart() time.Time {
	return b.now().Add(-b.window)
}

func (b *budget) exhausted(spent float64) bool {
	return spent >= b.ceiling
}

// Open returns the ledger selected by cfg.Ledger. The sqlite ledger shares db.
func Open(ctx context.Context, cfg config.BudgetConfig, db *sql.DB, opts ...Option) (Ledger, error) {
	switch cfg.Ledger {
	case "", "sqlite":
		return NewSQLite(ctx, db, cfg, opts...)
	case "postgres":
		return NewPostgres(ctx, cfg.PostgresDSN, cfg, opts...)
	default:
		return nil, fmt.Errorf("unknown ledger: %s", cfg.Ledger)
	}
}
