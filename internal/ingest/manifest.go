// Package ingest loads rule manifests into storage, the keyword index, and the vector index.
package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hyperjump/arbiter/internal/models"
)

// ErrInvalidManifest is returned for manifests that fail validation. Nothing is written
// when it is returned.
var ErrInvalidManifest = errors.New("invalid manifest")

// Manifest is the ingestion contract: one game, its expansions, and pre-chunked or
// page-level rule text for each source.
type Manifest struct {
	Game       GameSpec        `yaml:"game" json:"game"`
	Expansions []ExpansionSpec `yaml:"expansions" json:"expansions" validate:"dive"`
	Sources    []SourceSpec    `yaml:"sources" json:"sources" validate:"required,min=1,dive"`
}

// GameSpec describes the manifest's game.
type GameSpec struct {
	ID             int64  `yaml:"id" json:"id" validate:"required,gt=0"`
	Name           string `yaml:"name" json:"name" validate:"required"`
	DefaultEdition string `yaml:"default_edition" json:"default_edition" validate:"required,max=64"`
}

// ExpansionSpec describes one expansion of the game.
type ExpansionSpec struct {
	ID   int64  `yaml:"id" json:"id" validate:"required,gt=0"`
	Name string `yaml:"name" json:"name" validate:"required"`
}

// SourceSpec is one document. Edition defaults to the game's default edition.
type SourceSpec struct {
	ID          int64             `yaml:"id" json:"id" validate:"required,gt=0"`
	Edition     string            `yaml:"edition" json:"edition" validate:"max=64"`
	ExpansionID *int64            `yaml:"expansion_id" json:"expansion_id" validate:"omitempty,gt=0"`
	Type        models.SourceType `yaml:"type" json:"type" validate:"required,oneof=rulebook expansion faq errata reference"`
	Title       string            `yaml:"title" json:"title"`
	PageCount   int               `yaml:"page_count" json:"page_count" validate:"gte=0"`
	Chunks      []ChunkSpec       `yaml:"chunks" json:"chunks" validate:"dive"`
	Pages       []PageSpec        `yaml:"pages" json:"pages" validate:"dive"`
}

// ChunkSpec is a pre-chunked passage.
type ChunkSpec struct {
	ID                 string   `yaml:"id" json:"id" validate:"required,max=128"`
	Page               int      `yaml:"page" json:"page" validate:"gte=0"`
	PageIndex          int      `yaml:"page_index" json:"page_index" validate:"gte=0"`
	Section            string   `yaml:"section" json:"section"`
	Text               string   `yaml:"text" json:"text" validate:"required"`
	Precedence         int      `yaml:"precedence" json:"precedence" validate:"omitempty,min=1,max=3"`
	Overrides          string   `yaml:"overrides" json:"overrides" validate:"max=128"`
	OverrideConfidence int      `yaml:"override_confidence" json:"override_confidence" validate:"gte=0,lte=100"`
	OverrideEvidence   string   `yaml:"override_evidence" json:"override_evidence"`
	PhaseTags          []string `yaml:"phase_tags" json:"phase_tags"`
	// ExpiresAt is an RFC 3339 timestamp after which the passage is no longer retrieved.
	ExpiresAt string `yaml:"expires_at" json:"expires_at"`
}

// PageSpec is unchunked page text; the loader cuts it into word windows.
type PageSpec struct {
	Page    int    `yaml:"page" json:"page" validate:"gt=0"`
	Section string `yaml:"section" json:"section"`
	Text    string `yaml:"text" json:"text" validate:"required"`
}

// Decode parses a manifest. JSON is used when path ends in .json, YAML otherwise.
// Unknown fields are rejected in both formats.
func Decode(path string, data []byte) (*Manifest, error) {
	var m Manifest
	if strings.EqualFold(filepath.Ext(path), ".json") {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&m); err != nil {
			return nil, fmt.Errorf("%w: parse json: %w", ErrInvalidManifest, err)
		}
		return &m, nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("%w: parse yaml: %w", ErrInvalidManifest, err)
	}
	return &m, nil
}
