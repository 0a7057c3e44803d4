// Package models defines core data structures for rule sources, chunks, answers, and feedback.
package models

import (
	"fmt"
	"time"
)

// PrecedenceLevel is the coarse authority of a chunk. Higher values win when no explicit
// override edge decides between two passages.
type PrecedenceLevel int

const (
	PrecedenceBase      PrecedenceLevel = 1
	PrecedenceExpansion PrecedenceLevel = 2
	// PrecedenceErrata covers both errata and official FAQ rulings.
	PrecedenceErrata PrecedenceLevel = 3
)

// String returns the lowercase name of the level.
func (p PrecedenceLevel) String() string {
	switch p {
	case PrecedenceBase:
		return "base"
	case PrecedenceExpansion:
		return "expansion"
	case PrecedenceErrata:
		return "errata"
	default:
		return fmt.Sprintf("precedence(%d)", int(p))
	}
}

// Valid reports whether p is one of the known levels.
func (p PrecedenceLevel) Valid() bool {
	return p >= PrecedenceBase && p <= PrecedenceErrata
}

// SourceType identifies what kind of document a source is.
type SourceType string

const (
	SourceRulebook  SourceType = "rulebook"
	SourceExpansion SourceType = "expansion"
	SourceFAQ       SourceType = "faq"
	SourceErrata    SourceType = "errata"
	SourceReference SourceType = "reference"
)

// Valid reports whether t is a known source type.
func (t SourceType) Valid() bool {
	switch t {
	case SourceRulebook, SourceExpansion, SourceFAQ, SourceErrata, SourceReference:
		return true
	}
	return false
}

// DefaultPrecedence returns the precedence level a chunk from this source type gets
// when the ingestion manifest does not set one.
func (t SourceType) DefaultPrecedence() PrecedenceLevel {
	switch t {
	case SourceErrata, SourceFAQ:
		return PrecedenceErrata
	case SourceExpansion:
		return PrecedenceExpansion
	default:
		return PrecedenceBase
	}
}

// Game is a board game known to the engine.
type Game struct {
	ID             int64  `json:"id" db:"id"`
	Name           string `json:"name" db:"name"`
	DefaultEdition string `json:"default_edition" db:"default_edition"`
}

// Expansion is an optional add-on for a game.
type Expansion struct {
	ID     int64  `json:"id" db:"id"`
	GameID int64  `json:"game_id" db:"game_id"`
	Name   string `json:"name" db:"name"`
}

// Source is one ingested document (rulebook, FAQ, errata sheet...).
type Source struct {
	ID            int64      `json:"id" db:"id"`
	GameID        int64      `json:"game_id" db:"game_id"`
	Edition       string     `json:"edition" db:"edition"`
	ExpansionID   *int64     `json:"expansion_id,omitempty" db:"expansion_id"`
	SourceType    SourceType `json:"source_type" db:"source_type"`
	Title         string     `json:"title" db:"title"`
	PageCount     int        `json:"page_count" db:"page_count"`
	Indexed       bool       `json:"indexed" db:"indexed"`
	NeedsReingest bool       `json:"needs_reingest" db:"needs_reingest"`
	UpdatedAt     time.Time  `json:"updated_at" db:"updated_at"`
}

// RuleChunk is the unit of retrieval: a passage of rule text with its provenance and
// its place in the override graph.
type RuleChunk struct {
	ID                 string          `json:"id" db:"id"`
	SourceID           int64           `json:"source_id" db:"source_id"`
	GameID             int64           `json:"game_id" db:"game_id"`
	Edition            string          `json:"edition" db:"edition"`
	ExpansionID        *int64          `json:"expansion_id,omitempty" db:"expansion_id"`
	SourceType         SourceType      `json:"source_type" db:"source_type"`
	Page               int             `json:"page" db:"page"`
	PageIndex          int             `json:"page_index" db:"page_index"`
	SectionTitle       string          `json:"section_title,omitempty" db:"section_title"`
	Text               string          `json:"text" db:"text"`
	Embedding          []float32       `json:"-" db:"-"`
	Precedence         PrecedenceLevel `json:"precedence" db:"precedence"`
	Overrides          string          `json:"overrides,omitempty" db:"overrides"`
	OverrideConfidence int             `json:"override_confidence,omitempty" db:"override_confidence"`
	OverrideEvidence   string          `json:"override_evidence,omitempty" db:"override_evidence"`
	PhaseTags          []string        `json:"phase_tags,omitempty" db:"phase_tags"`
	ExpiresAt          *time.Time      `json:"expires_at,omitempty" db:"expires_at"`
	CreatedAt          time.Time       `json:"created_at" db:"created_at"`
}

// Expired reports whether the chunk is past its expiry at now.
func (c *RuleChunk) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(*c.ExpiresAt)
}

// HasOverride reports whether the chunk declares an override edge.
func (c *RuleChunk) HasOverride() bool {
	return c.Overrides != ""
}

// IngestJob is a request for the ingestion collaborator to index sources for a game edition.
type IngestJob struct {
	ID        string    `json:"id" db:"id"`
	GameID    int64     `json:"game_id" db:"game_id"`
	Edition   string    `json:"edition" db:"edition"`
	SourceIDs []int64   `json:"source_ids" db:"source_ids"`
	Status    string    `json:"status" db:"status"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Ingest job statuses. A pending job has not been picked up by an ingestion worker yet.
const (
	IngestJobPending = "pending"
	IngestJobDone    = "done"
)
