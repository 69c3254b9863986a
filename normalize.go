package worksheetgen

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

var (
	answerPrefixRe   = regexp.MustCompile(`^(?:final\s+)?(?:answer|option|choice)\s*(?:is)?\s*[:\-]?\s*`)
	variablePrefixRe = regexp.MustCompile(`^[a-z]\s*=\s*`)
	bareLabelRe      = regexp.MustCompile(`^\(?([a-d])\)?[.:]?$`)
	leadingLabelRe   = regexp.MustCompile(`^(?:\(([a-d])\)|([a-d])[).:])\s+\S`)
	latexFracRe      = regexp.MustCompile(`^(-?)\\[dt]?frac\{\s*(-?[\d.]+)\s*\}\{\s*(-?[\d.]+)\s*\}$`)
	mixedNumberRe    = regexp.MustCompile(`^(-?\d+)\s+(\d+)\s*/\s*(\d+)$`)
	simpleFracRe     = regexp.MustCompile(`^(-?[\d.]+)\s*/\s*(-?[\d.]+)$`)
	thousandsRe      = regexp.MustCompile(`^-?\d{1,3}(?:,\d{3})+(?:\.\d+)?$`)
	whitespaceRe     = regexp.MustCompile(`\s+`)
)

// numericTolerance is the relative tolerance for exact numeric answers
const numericTolerance = 1e-9

// NormalizeAnswer returns a canonical form of an answer: the upper-case
// choice label for "b", "(B)", "B." and the like, a canonical decimal for
// numeric values including fractions, and folded text otherwise.
func NormalizeAnswer(s string) string {
	if label, ok := parseChoiceLabel(s); ok {
		return label
	}
	if n, ok := parseNumber(s); ok {
		return strconv.FormatFloat(n.value, 'g', 12, 64)
	}
	return foldText(s)
}

// AnswersEquivalent reports whether a verified answer matches the expected one
// for item. Choice items compare labels; a verified value that equals one
// choice's text is mapped back to that choice's label first.
func AnswersEquivalent(item Item, expected, verified string) bool {
	if item.IsChoice() {
		want, ok := resolveChoice(item, expected)
		if !ok {
			return false
		}
		got, ok := resolveChoice(item, verified)
		return ok && want == got
	}
	return valuesEquivalent(expected, verified)
}

// resolveChoice turns an answer into a choice label, by label or by value
func resolveChoice(item Item, answer string) (string, bool) {
	if label, ok := parseChoiceLabel(answer); ok {
		if _, exists := item.Choices[label]; exists {
			return label, true
		}
		return "", false
	}
	match := ""
	for _, label := range ChoiceLabels {
		text, ok := item.Choices[label]
		if !ok || !valuesEquivalent(text, answer) {
			continue
		}
		if match != "" {
			// two choices equal the answer
			return "", false
		}
		match = label
	}
	return match, match != ""
}

func valuesEquivalent(a, b string) bool {
	na, okA := parseNumber(a)
	nb, okB := parseNumber(b)
	if okA && okB {
		return na.equals(nb)
	}
	return foldText(a) == foldText(b)
}

// parseChoiceLabel recognizes a bare or leading choice label
func parseChoiceLabel(s string) (string, bool) {
	t := strings.ToLower(strings.TrimSpace(stripMath(s)))
	t = answerPrefixRe.ReplaceAllString(t, "")
	if m := bareLabelRe.FindStringSubmatch(t); m != nil {
		return strings.ToUpper(m[1]), true
	}
	if m := leadingLabelRe.FindStringSubmatch(t); m != nil {
		label := m[1]
		if label == "" {
			label = m[2]
		}
		return strings.ToUpper(label), true
	}
	return "", false
}

type number struct {
	value float64
	// decimals is the number of digits after the point for a decimal literal,
	// or -1 when the value is exact (integer or fraction)
	decimals int
}

// equals compares exactly. A decimal literal also matches an exact value
// (integer or fraction) rounded to its precision; two decimal literals never
// round toward each other.
func (n number) equals(o number) bool {
	if closeEnough(n.value, o.value) {
		return true
	}
	switch {
	case n.decimals > 0 && o.decimals < 0:
		return closeEnough(n.value, roundTo(o.value, n.decimals))
	case o.decimals > 0 && n.decimals < 0:
		return closeEnough(o.value, roundTo(n.value, o.decimals))
	}
	return false
}

func closeEnough(a, b float64) bool {
	scale := math.Max(1, math.Max(math.Abs(a), math.Abs(b)))
	return math.Abs(a-b) <= numericTolerance*scale
}

func roundTo(v float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.Round(v*p) / p
}

// parseNumber parses integers, decimals, a/b, mixed numbers, \frac{a}{b},
// percentages and thousands separators, with an optional "x =" prefix
func parseNumber(s string) (number, bool) {
	t := strings.ToLower(strings.TrimSpace(stripMath(s)))
	t = answerPrefixRe.ReplaceAllString(t, "")
	t = variablePrefixRe.ReplaceAllString(t, "")
	t = strings.TrimSuffix(t, ".")
	t = strings.TrimSuffix(t, `\%`)
	t = strings.TrimSuffix(t, "%")
	t = strings.TrimSpace(t)
	if t == "" {
		return number{}, false
	}

	if thousandsRe.MatchString(t) {
		t = strings.ReplaceAll(t, ",", "")
	}

	if m := latexFracRe.FindStringSubmatch(t); m != nil {
		n, ok := divide(m[2], m[3])
		if ok && m[1] == "-" {
			n.value = -n.value
		}
		return n, ok
	}
	if m := mixedNumberRe.FindStringSubmatch(t); m != nil {
		whole, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return number{}, false
		}
		frac, ok := divide(m[2], m[3])
		if !ok {
			return number{}, false
		}
		if strings.HasPrefix(m[1], "-") {
			return number{value: whole - frac.value, decimals: -1}, true
		}
		return number{value: whole + frac.value, decimals: -1}, true
	}
	if m := simpleFracRe.FindStringSubmatch(t); m != nil {
		return divide(m[1], m[2])
	}

	v, err := strconv.ParseFloat(t, 64)
	if err != nil || math.IsInf(v, 0) || math.IsNaN(v) {
		return number{}, false
	}
	decimals := -1
	if i := strings.IndexByte(t, '.'); i >= 0 && !strings.ContainsAny(t, "e") {
		decimals = len(t) - i - 1
	}
	return number{value: v, decimals: decimals}, true
}

func divide(num, den string) (number, bool) {
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return number{}, false
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return number{}, false
	}
	return number{value: n / d, decimals: -1}, true
}

// stripMath removes inline math delimiters and spacing commands
func stripMath(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "$")
	s = strings.TrimSuffix(s, "$")
	s = strings.TrimPrefix(s, `\(`)
	s = strings.TrimSuffix(s, `\)`)
	r := strings.NewReplacer(`\left`, "", `\right`, "", `\,`, "", `\!`, "", `\ `, " ")
	return r.Replace(s)
}

func foldText(s string) string {
	t := strings.ToLower(stripMath(s))
	t = strings.TrimSuffix(strings.TrimSpace(t), ".")
	return whitespaceRe.ReplaceAllString(t, "")
}
