package models

import "time"

// CostKind distinguishes the two append-only ledger record types.
type CostKind string

const (
	// CostReservation is written before a generation call with the estimated cost.
	CostReservation CostKind = "reservation"
	// CostAdjustment corrects a reservation to the actual cost (may be negative).
	CostAdjustment CostKind = "adjustment"
)

// Usage is a token count pair reported by (or estimated for) a model call.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// CostRecord is one append-only ledger entry. Spend over a window is the sum of CostUSD.
type CostRecord struct {
	ID           int64     `json:"id" db:"id"`
	RequestID    string    `json:"request_id" db:"request_id"`
	Kind         CostKind  `json:"kind" db:"kind"`
	Model        string    `json:"model" db:"model"`
	InputTokens  int64     `json:"input_tokens" db:"input_tokens"`
	OutputTokens int64     `json:"output_tokens" db:"output_tokens"`
	CostUSD      float64   `json:"cost_usd" db:"cost_usd"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}
