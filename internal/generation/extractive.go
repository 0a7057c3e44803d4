package generation

import (
	"context"
	"strings"
	"unicode"
)

// Extractive answers offline by quoting the first sentence of the governing passage. It
// makes no external calls and reports zero usage.
type Extractive struct{}

// NewExtractive returns the offline generator.
func NewExtractive() *Extractive { return &Extractive{} }

func (e *Extractive) Model() string { return "extractive" }

func (e *Extractive) Generate(ctx context.Context, req Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	gov := req.Governing()
	if gov == nil {
		return &Result{Verdict: "No rule passage addresses this question.", Model: e.Model()}, nil
	}
	quote := firstSentence(gov.Text)
	verdict := "According to the " + string(gov.SourceType) + ": " + quote
	if req.ConflictNote != "" {
		verdict += " " + req.ConflictNote
	}
	return &Result{
		Verdict:   verdict,
		Citations: []Citation{{ChunkID: gov.ChunkID, Quote: quote}},
		Model:     e.Model(),
	}, nil
}

// firstSentence returns text up to and including the first sentence terminator that is
// followed by whitespace, or the whole trimmed text.
func firstSentence(text string) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	for i, r := range runes {
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		if i == len(runes)-1 || unicode.IsSpace(runes[i+1]) {
			return string(runes[:i+1])
		}
	}
	return text
}
