package models

import "time"

// ConfidenceLevel is the discrete confidence attached to every answer.
type ConfidenceLevel string

const (
	ConfidenceLow    ConfidenceLevel = "low"
	ConfidenceMedium ConfidenceLevel = "medium"
	ConfidenceHigh   ConfidenceLevel = "high"
)

// Rank orders levels so low < medium < high. Unknown levels rank below low.
func (c ConfidenceLevel) Rank() int {
	switch c {
	case ConfidenceLow:
		return 1
	case ConfidenceMedium:
		return 2
	case ConfidenceHigh:
		return 3
	}
	return 0
}

// AskRequest is a rules question scoped to one game edition.
type AskRequest struct {
	GameID             int64        `json:"gameId" validate:"required,gt=0"`
	Edition            string       `json:"edition,omitempty" validate:"max=64"`
	Question           string       `json:"question" validate:"required,max=2000"`
	ActiveExpansionIDs []int64      `json:"activeExpansionIds,omitempty" validate:"dive,gt=0"`
	SourceTypes        []SourceType `json:"sourceTypes,omitempty" validate:"dive,oneof=rulebook expansion faq errata reference"`
}

// Citation is a quote attributed to a chunk, with the verifier's verdict.
type Citation struct {
	ChunkID    string     `json:"chunkId"`
	Quote      string     `json:"quote"`
	Page       int        `json:"page"`
	Verified   bool       `json:"verified"`
	SourceType SourceType `json:"sourceType"`
	SourceID   int64      `json:"sourceId"`
}

// SupersededRule describes the base passage an accepted override replaced.
type SupersededRule struct {
	ChunkID    string     `json:"chunkId"`
	Quote      string     `json:"quote"`
	Page       int        `json:"page"`
	SourceType SourceType `json:"sourceType"`
	Reason     string     `json:"reason"`
	Confidence int        `json:"confidence"`
}

// AskTransaction is the persisted record of one answered question. It is immutable once
// written; feedback attaches to it by ID.
type AskTransaction struct {
	ID                 string          `json:"id" db:"id"`
	GameID             int64           `json:"gameId" db:"game_id"`
	Edition            string          `json:"edition" db:"edition"`
	ExpansionIDs       []int64         `json:"activeExpansionIds,omitempty" db:"expansion_ids"`
	Question           string          `json:"question" db:"question"`
	NormalizedQuestion string          `json:"normalizedQuestion" db:"normalized_question"`
	QuestionEmbedding  []float32       `json:"-" db:"question_embedding"`
	Verdict            string          `json:"verdict" db:"verdict"`
	Confidence         ConfidenceLevel `json:"confidence" db:"confidence"`
	ConfidenceReason   string          `json:"confidenceReason" db:"confidence_reason"`
	Citations          []Citation      `json:"citations" db:"citations"`
	SupersededRule     *SupersededRule `json:"supersededRule,omitempty" db:"superseded_rule"`
	ConflictNote       string          `json:"conflictNote,omitempty" db:"conflict_note"`
	Model              string          `json:"model,omitempty" db:"model"`
	PromptTokens       int64           `json:"promptTokens" db:"prompt_tokens"`
	CompletionTokens   int64           `json:"completionTokens" db:"completion_tokens"`
	LatencyMs          int64           `json:"latencyMs" db:"latency_ms"`
	CreatedAt          time.Time       `json:"createdAt" db:"created_at"`
}

// AnswerResponse is the answered shape of an Ask call.
type AnswerResponse struct {
	Verdict          string          `json:"verdict"`
	Confidence       ConfidenceLevel `json:"confidence"`
	ConfidenceReason string          `json:"confidenceReason"`
	Citations        []Citation      `json:"citations"`
	SupersededRule   *SupersededRule `json:"supersededRule,omitempty"`
	ConflictNote     string          `json:"conflictNote,omitempty"`
	HistoryID        string          `json:"historyId"`
	ResponseTimeMs   int64           `json:"responseTimeMs"`
	Cached           bool            `json:"cached"`
}

// IndexingResponse is returned instead of an answer when the game edition has no indexed
// source yet. It is not an error.
type IndexingResponse struct {
	Status           string `json:"status"`
	JobID            string `json:"jobId"`
	SourcesToIndex   int    `json:"sourcesToIndex"`
	EstimatedSeconds int    `json:"estimatedSeconds"`
}

// IndexingStatus is the Status value of an IndexingResponse.
const IndexingStatus = "indexing"

// AskOutcome carries exactly one of Answer or Indexing.
type AskOutcome struct {
	Answer   *AnswerResponse
	Indexing *IndexingResponse
}

// NewAnswerResponse builds the wire response for a stored transaction.
func NewAnswerResponse(tx *AskTransaction, elapsed time.Duration, cached bool) *AnswerResponse {
	citations := tx.Citations
	if citations == nil {
		citations = []Citation{}
	}
	return &AnswerResponse{
		Verdict:          tx.Verdict,
		Confidence:       tx.Confidence,
		ConfidenceReason: tx.ConfidenceReason,
		Citations:        citations,
		SupersededRule:   tx.SupersededRule,
		ConflictNote:     tx.ConflictNote,
		HistoryID:        tx.ID,
		ResponseTimeMs:   elapsed.Milliseconds(),
		Cached:           cached,
	}
}
