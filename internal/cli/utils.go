// Package cli formats answers, status, and ingest reports for the arbiter command.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/hyperjump/arbiter/internal/answer"
	"github.com/hyperjump/arbiter/internal/ingest"
	"github.com/hyperjump/arbiter/internal/models"
)

// OutputFormat is the format for command output.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

// ParseFormat returns the format named by s, or an error for anything but text and json.
func ParseFormat(s string) (OutputFormat, error) {
	switch OutputFormat(strings.ToLower(s)) {
	case "", OutputText:
		return OutputText, nil
	case OutputJSON:
		return OutputJSON, nil
	}
	return "", fmt.Errorf("unknown output format %q (use text or json)", s)
}

const rule = "─────────────────────────────────────────────────────────"

// WriteOutcome writes an ask outcome to w. The JSON form matches the HTTP response body.
func WriteOutcome(w io.Writer, outcome *models.AskOutcome, format OutputFormat) error {
	if format == OutputJSON {
		if outcome.Indexing != nil {
			return writeJSON(w, outcome.Indexing)
		}
		return writeJSON(w, outcome.Answer)
	}
	if outcome.Indexing != nil {
		writeIndexingText(w, outcome.Indexing)
		return nil
	}
	writeAnswerText(w, outcome.Answer)
	return nil
}

func writeIndexingText(w io.Writer, ix *models.IndexingResponse) {
	fmt.Fprintf(w, "\nNo rules indexed for this edition yet.\n")
	fmt.Fprintf(w, "Job %s: %d source(s) to index, about %ds.\n\n", ix.JobID, ix.SourcesToIndex, ix.EstimatedSeconds)
}

func writeAnswerText(w io.Writer, a *models.AnswerResponse) {
	fmt.Fprintf(w, "\n%s\n\n", a.Verdict)
	fmt.Fprintf(w, "Confidence: %s", a.Confidence)
	if a.ConfidenceReason != "" {
		fmt.Fprintf(w, " (%s)", a.ConfidenceReason)
	}
	fmt.Fprintln(w)
	if a.ConflictNote != "" {
		fmt.Fprintf(w, "Conflict: %s\n", a.ConflictNote)
	}
	if len(a.Citations) > 0 {
		fmt.Fprintln(w, rule)
		for i, c := range a.Citations {
			mark := "verified"
			if !c.Verified {
				mark = "unverified"
			}
			fmt.Fprintf(w, "[%d] %s p.%d (%s, %s)\n", i+1, c.SourceType, c.Page, c.ChunkID, mark)
			fmt.Fprintf(w, "    %q\n", TruncateWords(c.Quote, 40))
		}
	}
	if s := a.SupersededRule; s != nil {
		fmt.Fprintln(w, rule)
		fmt.Fprintf(w, "Supersedes %s p.%d (%s, override confidence %d)\n", s.SourceType, s.Page, s.ChunkID, s.Confidence)
		fmt.Fprintf(w, "    %q\n", TruncateWords(s.Quote, 40))
		if s.Reason != "" {
			fmt.Fprintf(w, "    %s\n", s.Reason)
		}
	}
	fmt.Fprintln(w, rule)
	cached := ""
	if a.Cached {
		cached = ", cached"
	}
	fmt.Fprintf(w, "History: %s (%dms%s)\n\n", a.HistoryID, a.ResponseTimeMs, cached)
}

// StatusReport is the status payload shared by the CLI and the HTTP status endpoint.
type StatusReport struct {
	*answer.Status
	DiskUsageBytes int64 `json:"diskUsageBytes"`
}

// WriteStatus writes a status report to w.
func WriteStatus(w io.Writer, st *StatusReport, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, st)
	}
	fmt.Fprintln(w, "Arbiter Status")
	fmt.Fprintln(w, "==============")
	if st.Status != nil {
		if s := st.Stats; s != nil {
			fmt.Fprintf(w, "Games:          %d\n", s.Games)
			fmt.Fprintf(w, "Sources:        %d (%d indexed)\n", s.Sources, s.IndexedSources)
			fmt.Fprintf(w, "Chunks:         %d\n", s.Chunks)
			fmt.Fprintf(w, "Answers:        %d\n", s.Transactions)
			fmt.Fprintf(w, "Feedback:       %d\n", s.Feedback)
			fmt.Fprintf(w, "Pending jobs:   %d\n", s.PendingJobs)
		}
		fmt.Fprintf(w, "Spend:          $%.4f of $%.2f\n", st.SpentUSD, st.LimitUSD)
		fmt.Fprintf(w, "Generator:      %s\n", st.Generator)
		fmt.Fprintf(w, "Answer cache:   %s\n", onOff(st.CacheEnabled))
	}
	fmt.Fprintf(w, "Disk usage:     %s\n", FormatBytes(st.DiskUsageBytes))
	return nil
}

// WriteReports writes ingest reports to w, one line per manifest in text form.
func WriteReports(w io.Writer, reports []*ingest.Report, format OutputFormat) error {
	if format == OutputJSON {
		if reports == nil {
			reports = []*ingest.Report{}
		}
		return writeJSON(w, reports)
	}
	if len(reports) == 0 {
		fmt.Fprintln(w, "No manifests loaded.")
		return nil
	}
	for _, r := range reports {
		if r.Skipped {
			fmt.Fprintf(w, "%s: unchanged\n", r.Path)
			continue
		}
		fmt.Fprintf(w, "%s: game %d, %d source(s), %d chunk(s)", r.Path, r.GameID, r.Sources, r.Chunks)
		if r.Removed > 0 {
			fmt.Fprintf(w, ", %d replaced", r.Removed)
		}
		fmt.Fprintln(w)
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

// FormatBytes renders n with a binary unit suffix.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// TruncateWords returns up to maxWords from the space-separated string.
func TruncateWords(s string, maxWords int) string {
	words := strings.Fields(s)
	if len(words) <= maxWords {
		return s
	}
	return strings.Join(words[:maxWords], " ") + "..."
}
