package generation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hyperjump/arbiter/internal/models"
)

const systemPrompt = `You are a board game rules judge. Answer the player's question using only the rule passages provided.
The passage marked GOVERNING decides the answer. A SUPERSEDED passage was replaced by the governing one; mention the change when it matters. CONFLICTING passages are sources that disagree; say so.
Quote rule text word for word. Never paraphrase inside a quote.
Reply with JSON only, in this shape:
{"verdict": "<short answer>", "citations": [{"chunk_id": "<id of the passage>", "quote": "<exact words from that passage>"}]}`

// BuildPrompt renders the user prompt for req.
func BuildPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("Rule passages:\n\n")
	for _, p := range req.Passages {
		fmt.Fprintf(&b, "[%s] chunk_id=%s source=%s page=%d", strings.ToUpper(p.Role), p.ChunkID, p.SourceType, p.Page)
		if p.Section != "" {
			fmt.Fprintf(&b, " section=%q", p.Section)
		}
		b.WriteString("\n")
		b.WriteString(strings.TrimSpace(p.Text))
		b.WriteString("\n\n")
	}
	if req.ConflictNote != "" {
		fmt.Fprintf(&b, "Note: %s\n\n", req.ConflictNote)
	}
	fmt.Fprintf(&b, "Question: %s\n", strings.TrimSpace(req.Question))
	return b.String()
}

// EstimateUsage approximates tokens for a reservation: four characters per prompt token,
// and the full output allowance.
func EstimateUsage(req Request, maxOutputTokens int) models.Usage {
	chars := len(systemPrompt) + len(BuildPrompt(req))
	return models.Usage{
		InputTokens:  int64(chars/4 + 1),
		OutputTokens: int64(maxOutputTokens),
	}
}

type answerJSON struct {
	Verdict   string     `json:"verdict"`
	Citations []Citation `json:"citations"`
}

// ParseAnswer extracts the verdict and citations from model output. Code fences and text
// around the JSON object are tolerated; output that is not JSON becomes the verdict.
func ParseAnswer(text string) (string, []Citation) {
	raw := strings.TrimSpace(text)
	candidate := stripFence(raw)
	if start, end := strings.Index(candidate, "{"), strings.LastIndex(candidate, "}"); start >= 0 && end > start {
		var a answerJSON
		if err := json.Unmarshal([]byte(candidate[start:end+1]), &a); err == nil && a.Verdict != "" {
			cits := a.Citations[:0]
			for _, c := range a.Citations {
				c.ChunkID = strings.TrimSpace(c.ChunkID)
				c.Quote = strings.TrimSpace(c.Quote)
				if c.ChunkID == "" && c.Quote == "" {
					continue
				}
				cits = append(cits, c)
			}
			return strings.TrimSpace(a.Verdict), cits
		}
	}
	return raw, nil
}

func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.Index(s, "\n"); nl >= 0 {
		s = s[nl+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}
