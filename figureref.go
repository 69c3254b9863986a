package worksheetgen

import (
	"regexp"
	"strings"
)

// figureNoun matches the words generated problems use for a diagram
const figureNoun = `(?:figure|diagram|graph|picture|image|illustration|drawing|chart)`

// figureReferencePatterns are applied in order; longer phrases come first so a
// shorter one never leaves half a sentence behind. A "see the figure" style
// phrase must end at punctuation so "consider the graph of y = x" survives.
var figureReferencePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\(\s*(?:see|refer to)\s+(?:the\s+)?` + figureNoun + `(?:\s+(?:below|above))?\s*\)`),
	regexp.MustCompile(`(?i)\b(?:please\s+)?(?:see|refer to|use|consider|look at)\s+the\s+` + figureNoun + `(?:\s+(?:below|above|provided|shown))?\s*(?:[.:,]|$)`),
	regexp.MustCompile(`(?i),?\s*\b(?:as\s+)?(?:shown|depicted|illustrated|pictured|drawn)\s+(?:in|on)\s+the\s+` + figureNoun + `(?:\s+(?:below|above))?`),
	regexp.MustCompile(`(?i),?\s*\b(?:in|on|from)\s+the\s+` + figureNoun + `\s+(?:below|above|provided|shown)`),
	regexp.MustCompile(`(?i),?\s*\b(?:as\s+)?(?:shown|pictured|depicted|illustrated)\s+(?:below|above)`),
	regexp.MustCompile(`(?i),?\s*\bas shown\b`),
	regexp.MustCompile(`(?i)\bthe\s+` + figureNoun + `\s+(?:below|above)\s+shows\s+`),
}

var (
	spaceBeforePunctRe = regexp.MustCompile(`\s+([,.;:?!])`)
	doubleCommaRe      = regexp.MustCompile(`,\s*([,.;:?!])`)
	multiSpaceRe       = regexp.MustCompile(`[ \t]{2,}`)
	emptyParensRe      = regexp.MustCompile(`\(\s*\)`)
)

// StripFigureReferences removes phrases pointing at a diagram, such as
// "in the figure below", "as shown", "refer to the figure" or "(see figure)",
// and tidies the spacing and punctuation left behind. It is a best-effort
// heuristic over prose and leaves anything it does not recognize alone.
func StripFigureReferences(content string) string {
	out := content
	for _, re := range figureReferencePatterns {
		out = re.ReplaceAllString(out, "")
	}
	if out == content {
		return content
	}

	out = emptyParensRe.ReplaceAllString(out, "")
	out = multiSpaceRe.ReplaceAllString(out, " ")
	out = spaceBeforePunctRe.ReplaceAllString(out, "$1")
	out = doubleCommaRe.ReplaceAllString(out, "$1")
	out = strings.TrimSpace(out)
	out = strings.TrimLeft(out, ",;: ")
	return capitalizeFirst(out)
}

func capitalizeFirst(s string) string {
	if s == "" {
		return s
	}
	c := s[0]
	if c >= 'a' && c <= 'z' {
		return string(c-'a'+'A') + s[1:]
	}
	return s
}
