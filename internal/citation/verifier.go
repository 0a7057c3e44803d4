// Package citation checks that quotes returned by the generator appear in the cited rule text.
package citation

import (
	"strings"

	"github.com/hyperjump/arbiter/internal/config"
)

// Method names how a quote was verified.
type Method string

const (
	MethodExact Method = "exact"
	MethodFuzzy Method = "fuzzy"
	MethodNone  Method = "none"
)

// Result is the outcome of verifying one quote.
type Result struct {
	Verified bool
	Method   Method
	// RunRatio is the share of word runs found in order (1 for exact matches).
	RunRatio float64
}

// Verifier matches quotes against source text.
type Verifier struct {
	minRunWords     int
	minRunRatio     float64
	minBlockOverlap float64
}

// New returns a verifier using cfg thresholds, falling back to 5 words / 80% / 50%.
func New(cfg config.VerifierConfig) *Verifier {
	v := &Verifier{minRunWords: cfg.MinRunWords, minRunRatio: cfg.MinRunRatio, minBlockOverlap: cfg.MinBlockOverlap}
	if v.minRunWords <= 0 {
		v.minRunWords = 5
	}
	if v.minRunRatio <= 0 {
		v.minRunRatio = 0.8
	}
	if v.minBlockOverlap <= 0 {
		v.minBlockOverlap = 0.5
	}
	return v
}

// Verify reports whether quote is supported by sourceText.
func (v *Verifier) Verify(quote, sourceText string) bool {
	return v.VerifyDetail(quote, sourceText).Verified
}

// VerifyDetail verifies quote and reports the method used.
func (v *Verifier) VerifyDetail(quote, sourceText string) Result {
	nq, ns := Normalize(quote), Normalize(sourceText)
	if nq == "" || ns == "" {
		return Result{Method: MethodNone}
	}
	if strings.Contains(ns, nq) {
		return Result{Verified: true, Method: MethodExact, RunRatio: 1}
	}

	qw, sw := words(nq), words(ns)
	if len(qw) < v.minRunWords || len(sw) == 0 {
		return Result{Method: MethodNone}
	}
	ratio, aligned := v.matchRuns(qw, sw)
	if ratio >= v.minRunRatio && aligned {
		return Result{Verified: true, Method: MethodFuzzy, RunRatio: ratio}
	}
	return Result{Method: MethodNone, RunRatio: ratio}
}

type run struct {
	start, end int // word offsets in the quote
	srcStart   int // match offset in the source, -1 when unmatched
}

// splitRuns cuts n words into consecutive runs of size words, merging the remainder
// into the last run.
func splitRuns(n, size int) []run {
	count := n / size
	runs := make([]run, 0, count)
	for i := 0; i < count; i++ {
		end := (i + 1) * size
		if i == count-1 {
			end = n
		}
		runs = append(runs, run{start: i * size, end: end, srcStart: -1})
	}
	return runs
}

// matchRuns finds quote runs in source order and reports the matched share and whether
// every unmatched block lines up with a similar-length source window of overlapping words.
func (v *Verifier) matchRuns(qw, sw []string) (float64, bool) {
	runs := splitRuns(len(qw), v.minRunWords)
	cursor, matched := 0, 0
	for i := range runs {
		seq := qw[runs[i].start:runs[i].end]
		if pos := indexSeq(sw, seq, cursor); pos >= 0 {
			runs[i].srcStart = pos
			cursor = pos + len(seq)
			matched++
		}
	}
	ratio := float64(matched) / float64(len(runs))
	if matched == 0 {
		return ratio, false
	}

	for i := 0; i < len(runs); {
		if runs[i].srcStart >= 0 {
			i++
			continue
		}
		j := i
		for j < len(runs) && runs[j].srcStart < 0 {
			j++
		}
		block := qw[runs[i].start:runs[j-1].end]
		if !v.blockAligns(block, sw, runs, i, j) {
			return ratio, false
		}
		i = j
	}
	return ratio, true
}

// blockAligns checks the unmatched quote block runs[i:j] against the source gap between
// its matched neighbours. Edge blocks are compared to the len(block) words next to the
// single neighbour.
func (v *Verifier) blockAligns(block, sw []string, runs []run, i, j int) bool {
	q := len(block)
	lo, hi := 0, len(sw)
	hasPrev, hasNext := i > 0, j < len(runs)
	if hasPrev {
		prev := runs[i-1]
		lo = prev.srcStart + (prev.end - prev.start)
	}
	if hasNext {
		hi = runs[j].srcStart
	}
	switch {
	case hasPrev && !hasNext:
		hi = min(lo+q, len(sw))
	case !hasPrev && hasNext:
		lo = max(hi-q, 0)
	}
	if hi < lo {
		return false
	}
	window := sw[lo:hi]

	tolerance := max(2, q/4)
	if diff := len(window) - q; diff > tolerance || -diff > tolerance {
		return false
	}
	return overlap(block, window) >= v.minBlockOverlap && supported(block, window)
}

// fillers may be added or dropped in an unmatched block without changing the rule.
var fillers = map[string]bool{
	"a": true, "an": true, "the": true, "of": true, "to": true, "in": true, "on": true,
	"at": true, "for": true, "with": true, "by": true, "as": true, "is": true, "are": true,
	"be": true, "it": true, "its": true, "this": true, "that": true, "then": true,
}

var numberWords = map[string]bool{
	"zero": true, "one": true, "two": true, "three": true, "four": true, "five": true,
	"six": true, "seven": true, "eight": true, "nine": true, "ten": true, "eleven": true,
	"twelve": true, "twenty": true, "hundred": true, "once": true, "twice": true,
	"first": true, "second": true, "third": true, "half": true, "double": true,
	"single": true, "all": true, "no": true, "none": true, "both": true, "each": true, "every": true,
}

func isNumber(w string) bool {
	if numberWords[w] {
		return true
	}
	for _, r := range w {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// supported reports whether block says nothing window does not. Every content word of
// block must occur in window, or be a one-edit misspelling of a window word of five or
// more letters. Counts and quantities must match in both directions.
func supported(block, window []string) bool {
	avail := make(map[string]int, len(window))
	var numbers []string
	for _, w := range window {
		avail[w]++
		if isNumber(w) {
			numbers = append(numbers, w)
		}
	}
	var extra []string
	for _, w := range block {
		if avail[w] > 0 {
			avail[w]--
			if isNumber(w) {
				numbers = removeOne(numbers, w)
			}
			continue
		}
		if isNumber(w) {
			return false
		}
		if !fillers[w] {
			extra = append(extra, w)
		}
	}
	if len(numbers) > 0 {
		return false
	}
	for _, w := range extra {
		if !misspelt(w, window, avail) {
			return false
		}
	}
	return true
}

func removeOne(list []string, w string) []string {
	for i, x := range list {
		if x == w {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// misspelt consumes a window word one edit away from w. Short words and negations never
// count as misspellings.
func misspelt(w string, window []string, avail map[string]int) bool {
	if len([]rune(w)) < 5 {
		return false
	}
	for _, cand := range window {
		if avail[cand] > 0 && len([]rune(cand)) >= 5 && !isNumber(cand) && oneEdit(w, cand) {
			avail[cand]--
			return true
		}
	}
	return false
}

// oneEdit reports whether a and b differ by exactly one insertion, deletion or substitution.
func oneEdit(a, b string) bool {
	ra, rb := []rune(a), []rune(b)
	if len(ra) < len(rb) {
		ra, rb = rb, ra
	}
	if len(ra)-len(rb) > 1 {
		return false
	}
	i := 0
	for i < len(rb) && ra[i] == rb[i] {
		i++
	}
	if i == len(rb) {
		return len(ra) != len(rb)
	}
	if len(ra) == len(rb) {
		return string(ra[i+1:]) == string(rb[i+1:])
	}
	return string(ra[i+1:]) == string(rb[i:])
}

// overlap is the share of block words found in window, counting multiplicity.
func overlap(block, window []string) float64 {
	if len(block) == 0 {
		return 1
	}
	avail := make(map[string]int, len(window))
	for _, w := range window {
		avail[w]++
	}
	hits := 0
	for _, w := range block {
		if avail[w] > 0 {
			avail[w]--
			hits++
		}
	}
	return float64(hits) / float64(len(block))
}

// indexSeq returns the first index >= from where seq occurs in s, or -1.
func indexSeq(s, seq []string, from int) int {
outer:
	for i := from; i+len(seq) <= len(s); i++ {
		for k, w := range seq {
			if s[i+k] != w {
				continue outer
			}
		}
		return i
	}
	return -1
}
