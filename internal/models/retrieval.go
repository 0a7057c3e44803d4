package models

// RetrievalQuery scopes a hybrid search to one game edition and its active expansions.
type RetrievalQuery struct {
	GameID       int64
	Edition      string
	ExpansionIDs []int64
	SourceTypes  []SourceType
	Question     string
	// Embedding is the precomputed question embedding; nil means the retriever embeds Question itself.
	Embedding []float32
}

// ChunkFilter selects the eligible candidate pool for retrieval.
type ChunkFilter struct {
	GameID       int64
	Edition      string
	ExpansionIDs []int64
	SourceTypes  []SourceType
}

// ScoredChunk is a retrieved chunk with its fused and per-signal scores.
type ScoredChunk struct {
	Chunk         *RuleChunk `json:"chunk"`
	Score         float64    `json:"score"`
	LexicalScore  float64    `json:"lexical_score"`
	SemanticScore float64    `json:"semantic_score"`
}

// Resolution is the outcome of precedence resolution over a candidate set.
type Resolution struct {
	Winner *ScoredChunk
	// Superseded is the base chunk replaced by Winner through an accepted override edge.
	Superseded         *ScoredChunk
	OverrideEvidence   string
	OverrideConfidence int
	// Conflicting holds override claims below the acceptance threshold. They are shown
	// alongside the winner, never silently dropped.
	Conflicting  []*ScoredChunk
	ConflictNote string
}

// HasConflict reports whether the resolution surfaced an unresolved disagreement.
func (r *Resolution) HasConflict() bool {
	return r != nil && r.ConflictNote != ""
}
