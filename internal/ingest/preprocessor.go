package ingest

import (
	"strings"
)

// Preprocess normalizes rule text for storage: line endings become \n, trailing
// spaces are dropped from every line, and runs of blank lines shrink to one. Line
// structure is kept so citation checks can rejoin words hyphenated across lines.
func Preprocess(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	lines := strings.Split(strings.TrimSpace(text), "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		if line == "" {
			if blank {
				continue
			}
			blank = true
		} else {
			blank = false
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}
