package models

import "time"

// FeedbackType classifies a user's reaction to an answer.
type FeedbackType string

const (
	FeedbackHelpful             FeedbackType = "helpful"
	FeedbackWrongQuote          FeedbackType = "wrong_quote"
	FeedbackWrongInterpretation FeedbackType = "wrong_interpretation"
	FeedbackMissingContext      FeedbackType = "missing_context"
	FeedbackWrongSource         FeedbackType = "wrong_source"
	FeedbackOther               FeedbackType = "other"
)

// FeedbackRequest attaches feedback to a stored answer.
type FeedbackRequest struct {
	AskHistoryID    string       `json:"askHistoryId" validate:"required,uuid"`
	FeedbackType    FeedbackType `json:"feedbackType" validate:"required,oneof=helpful wrong_quote wrong_interpretation missing_context wrong_source other"`
	SelectedChunkID string       `json:"selectedChunkId,omitempty" validate:"max=128"`
	Note            string       `json:"note,omitempty" validate:"max=2000"`
}

// Feedback is an append-only record linked to an AskTransaction.
type Feedback struct {
	ID              string       `json:"id" db:"id"`
	AskHistoryID    string       `json:"askHistoryId" db:"ask_history_id"`
	Type            FeedbackType `json:"feedbackType" db:"feedback_type"`
	SelectedChunkID string       `json:"selectedChunkId,omitempty" db:"selected_chunk_id"`
	Note            string       `json:"note,omitempty" db:"note"`
	CreatedAt       time.Time    `json:"createdAt" db:"created_at"`
}

// FeedbackResponse is returned after feedback is stored.
type FeedbackResponse struct {
	FeedbackID string `json:"feedbackId"`
}
