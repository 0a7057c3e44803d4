package keyword

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	blevequery "github.com/blevesearch/bleve/v2/search/query"

	"github.com/hyperjump/arbiter/internal/models"
)

// chunkDoc is the indexed projection of a RuleChunk.
type chunkDoc struct {
	Text    string `json:"text"`
	Section string `json:"section"`
	Scope   string `json:"scope"`
}

// BleveIndex implements KeywordIndex using Bleve.
type BleveIndex struct {
	index bleve.Index
}

// NewBleveIndex creates or opens a Bleve index at path.
// If you change the index mapping in code, remove the index directory to force a full re-index.
func NewBleveIndex(path string) (*BleveIndex, error) {
	im := bleve.NewIndexMapping()

	docMapping := bleve.NewDocumentMapping()
	textFieldMapping := bleve.NewTextFieldMapping()
	// Standard analyzer (lowercase + tokenize, no stemming) keeps game terms such as
	// "meeple" or "VP" intact.
	textFieldMapping.Analyzer = standard.Name
	docMapping.AddFieldMappingsAt("text", textFieldMapping)
	docMapping.AddFieldMappingsAt("section", textFieldMapping)
	docMapping.AddFieldMappingsAt("scope", bleve.NewKeywordFieldMapping())
	im.AddDocumentMapping("chunk", docMapping)
	im.DefaultType = "chunk"
	im.DefaultMapping = docMapping

	if _, err := os.Stat(path); err == nil {
		index, openErr := bleve.Open(path)
		if openErr != nil {
			return nil, fmt.Errorf("failed to open Bleve index: %w", openErr)
		}
		return &BleveIndex{index: index}, nil
	}

	index, err := bleve.New(path, im)
	if err != nil {
		return nil, fmt.Errorf("failed to create Bleve index: %w", err)
	}
	return &BleveIndex{index: index}, nil
}

func toDoc(c *models.RuleChunk) chunkDoc {
	return chunkDoc{Text: c.Text, Section: c.SectionTitle, Scope: Scope(c.GameID, c.Edition)}
}

// Index indexes a single chunk by its id.
func (b *BleveIndex) Index(ctx context.Context, chunk *models.RuleChunk) error {
	return b.index.Index(chunk.ID, toDoc(chunk))
}

// IndexBatch indexes chunks in one Bleve batch.
func (b *BleveIndex) IndexBatch(ctx context.Context, chunks []*models.RuleChunk) error {
	batch := b.index.NewBatch()
	for _, c := range chunks {
		if err := batch.Index(c.ID, toDoc(c)); err != nil {
			return fmt.Errorf("failed to batch chunk %s: %w", c.ID, err)
		}
	}
	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("failed to apply Bleve batch: %w", err)
	}
	return nil
}

// Search runs a scoped query and returns up to limit results.
// When opts is nil or carries no boosts, a single match over text+section is used.
// Otherwise section and text queries run separately and merge with additive scoring,
// term coverage penalty, and phrase boost.
func (b *BleveIndex) Search(ctx context.Context, scope, query string, limit int, opts *SearchOptions) ([]*KeywordResult, error) {
	if strings.TrimSpace(query) == "" || limit <= 0 {
		return nil, nil
	}
	sectionBoost := 1.0
	phraseBoost := 1.0
	fuzzyEnabled := false
	fuzziness := 1
	var ids []string
	if opts != nil {
		ids = opts.IDs
		if opts.SectionBoost > 0 {
			sectionBoost = opts.SectionBoost
		}
		if opts.PhraseBoost > 0 {
			phraseBoost = opts.PhraseBoost
		}
		fuzzyEnabled = opts.FuzzyEnabled
		if opts.Fuzziness > 0 {
			fuzziness = opts.Fuzziness
		}
	}

	if ids != nil && len(ids) == 0 {
		return nil, nil
	}
	s := &scopedSearch{index: b.index, scope: scope, ids: ids, fuzzy: fuzzyEnabled, fuzziness: fuzziness}
	if sectionBoost <= 1.0 && phraseBoost <= 1.0 {
		return s.single(ctx, query, limit)
	}
	return s.withBoosts(ctx, query, limit, sectionBoost, phraseBoost)
}

type scopedSearch struct {
	index     bleve.Index
	scope     string
	ids       []string
	fuzzy     bool
	fuzziness int
}

// restrict ANDs q with the scope term and, when set, the allowed chunk ids.
func (s *scopedSearch) restrict(q blevequery.Query) blevequery.Query {
	sq := bleve.NewTermQuery(s.scope)
	sq.SetField("scope")
	sq.SetBoost(0)
	if s.ids == nil {
		return bleve.NewConjunctionQuery(sq, q)
	}
	idq := bleve.NewDocIDQuery(s.ids)
	idq.SetBoost(0)
	return bleve.NewConjunctionQuery(sq, idq, q)
}

func (s *scopedSearch) run(ctx context.Context, q blevequery.Query, size int) (map[string]float64, []string, error) {
	req := bleve.NewSearchRequest(s.restrict(q))
	req.Size = size
	res, err := s.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	scores := make(map[string]float64, len(res.Hits))
	order := make([]string, 0, len(res.Hits))
	for _, hit := range res.Hits {
		scores[hit.ID] = hit.Score
		order = append(order, hit.ID)
	}
	return scores, order, nil
}

func (s *scopedSearch) termQuery(query, field string) blevequery.Query {
	if s.fuzzy {
		return buildFuzzyQuery(query, s.fuzziness, field)
	}
	mq := bleve.NewMatchQuery(query)
	if field != "" {
		mq.SetField(field)
	}
	return mq
}

func (s *scopedSearch) single(ctx context.Context, query string, limit int) ([]*KeywordResult, error) {
	q := bleve.NewDisjunctionQuery(s.termQuery(query, "text"), s.termQuery(query, "section"))
	scores, order, err := s.run(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("Bleve search failed: %w", err)
	}
	out := make([]*KeywordResult, len(order))
	for i, id := range order {
		out[i] = &KeywordResult{ID: id, Score: scores[id]}
	}
	return out, nil
}

func (s *scopedSearch) withBoosts(ctx context.Context, query string, limit int, sectionBoost, phraseBoost float64) ([]*KeywordResult, error) {
	reqSize := limit * 2
	if reqSize < 50 {
		reqSize = 50
	}
	terms := tokenizeQuery(query)
	numTerms := len(terms)

	sectionScores, _, err := s.run(ctx, s.termQuery(query, "section"), reqSize)
	if err != nil {
		return nil, fmt.Errorf("Bleve section search failed: %w", err)
	}
	textScores, _, err := s.run(ctx, s.termQuery(query, "text"), reqSize)
	if err != nil {
		return nil, fmt.Errorf("Bleve text search failed: %w", err)
	}

	coverage := make(map[string]int)
	if numTerms > 1 {
		for _, term := range terms {
			hits, _, err := s.run(ctx, s.termQuery(term, ""), reqSize)
			if err != nil {
				continue
			}
			for id := range hits {
				coverage[id]++
			}
		}
	}

	phraseMatches := make(map[string]bool)
	if phraseBoost > 1.0 && numTerms > 1 {
		pq := bleve.NewMatchPhraseQuery(query)
		pq.SetField("text")
		if hits, _, err := s.run(ctx, pq, reqSize); err == nil {
			for id := range hits {
				phraseMatches[id] = true
			}
		}
	}

	ids := make(map[string]struct{}, len(textScores)+len(sectionScores))
	for id := range textScores {
		ids[id] = struct{}{}
	}
	for id := range sectionScores {
		ids[id] = struct{}{}
	}

	merged := make([]*KeywordResult, 0, len(ids))
	for id := range ids {
		score := sectionScores[id]*sectionBoost + textScores[id]
		// (matched/total)^2 keeps partial matches below full matches.
		if numTerms > 1 {
			matched := coverage[id]
			if matched == 0 {
				matched = 1
			}
			c := float64(matched) / float64(numTerms)
			score *= c * c
		}
		if phraseMatches[id] {
			score *= phraseBoost
		}
		merged = append(merged, &KeywordResult{ID: id, Score: score})
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Score != merged[j].Score {
			return merged[i].Score > merged[j].Score
		}
		return merged[i].ID < merged[j].ID
	})
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}

// tokenizeQuery splits query into lowercase terms.
func tokenizeQuery(query string) []string {
	return strings.Fields(strings.ToLower(query))
}

// buildFuzzyQuery ORs a FuzzyQuery per term. An empty field searches all fields.
func buildFuzzyQuery(queryStr string, fuzziness int, field string) blevequery.Query {
	terms := tokenizeQuery(queryStr)
	if len(terms) == 0 {
		mq := bleve.NewMatchQuery(queryStr)
		if field != "" {
			mq.SetField(field)
		}
		return mq
	}
	queries := make([]blevequery.Query, 0, len(terms))
	for _, term := range terms {
		fq := bleve.NewFuzzyQuery(strings.Trim(term, ".,;:!?\"'()"))
		fq.SetFuzziness(fuzziness)
		if field != "" {
			fq.SetField(field)
		}
		queries = append(queries, fq)
	}
	if len(queries) == 1 {
		return queries[0]
	}
	return bleve.NewDisjunctionQuery(queries...)
}

// Delete removes chunks from the index.
func (b *BleveIndex) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	batch := b.index.NewBatch()
	for _, id := range ids {
		batch.Delete(id)
	}
	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	return nil
}

// DocCount returns the total number of chunks in the index.
func (b *BleveIndex) DocCount() (uint64, error) {
	return b.index.DocCount()
}

// Close closes the Bleve index.
func (b *BleveIndex) Close() error {
	return b.index.Close()
}
