package citation

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var (
	htmlTag        = regexp.MustCompile(`<[^>]{1,200}>`)
	mdHeading      = regexp.MustCompile(`(?m)^[ \t]*#{1,6}[ \t]+`)
	lineHyphen     = regexp.MustCompile(`(\pL)-[ \t]*\r?\n[ \t]*(\pL)`)
	markdownMarker = strings.NewReplacer("**", "", "__", "", "`", "", "*", "", "~~", "")
	typography     = strings.NewReplacer(
		"‘", "'", "’", "'", "‚", "'", "‛", "'", "′", "'",
		"“", `"`, "”", `"`, "„", `"`, "‟", `"`, "″", `"`,
		"«", `"`, "»", `"`,
		"‐", "-", "‑", "-", "‒", "-", "–", "-", "—", "-", "―", "-", "−", "-",
	)
)

// Normalize prepares text for comparison: NFKC, markup and invisible characters removed,
// ASCII quotes and dashes, case-folded, whitespace collapsed.
func Normalize(s string) string {
	s = norm.NFKC.String(s)
	s = htmlTag.ReplaceAllString(s, " ")
	s = mdHeading.ReplaceAllString(s, "")
	s = lineHyphen.ReplaceAllString(s, "$1$2")
	s = markdownMarker.Replace(s)
	s = typography.Replace(s)
	s = strings.Map(func(r rune) rune {
		switch {
		case r == '\u00ad', r == '\u200b', r == '\u200c', r == '\u200d', r == '\u2060', r == '\ufeff':
			return -1
		case unicode.IsSpace(r):
			return ' '
		case unicode.IsControl(r):
			return -1
		}
		return r
	}, s)
	s = cases.Fold().String(s)
	return strings.Join(strings.Fields(s), " ")
}

// words splits normalized text into punctuation-free tokens.
func words(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
