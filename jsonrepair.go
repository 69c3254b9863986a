package worksheetgen

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// maxJSONCandidates bounds how many balanced values are tried per response
const maxJSONCandidates = 16

// wireItem and wireAnswer are the shapes the model is asked to emit
type wireItem struct {
	Number       int               `json:"number"`
	Content      string            `json:"content"`
	Choices      map[string]string `json:"choices"`
	FreeResponse bool              `json:"free_response"`
	HasVisual    bool              `json:"has_visual"`
	VisualCode   string            `json:"visual_code"`
}

type wireAnswer struct {
	Number        int        `json:"number"`
	CorrectAnswer flexString `json:"correct_answer"`
	Solution      string     `json:"solution"`
}

type batchEnvelope struct {
	Items   []wireItem   `json:"items"`
	Answers []wireAnswer `json:"answers"`
}

type wireVerification struct {
	Number    int        `json:"number"`
	Answer    flexString `json:"answer"`
	BriefWork string     `json:"brief_work"`
}

// flexString accepts a JSON string or number; free-response answers come back
// as either
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		*f = ""
		return nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	if _, err := strconv.ParseFloat(trimmed, 64); err != nil {
		return fmt.Errorf("expected string or number, got %s", TruncateByRunes(trimmed, 40))
	}
	*f = flexString(trimmed)
	return nil
}

// withSeed re-attaches the seed token the backend was primed with. Some
// backends echo it back, so it is only prepended when missing.
func withSeed(seed, text string) string {
	if seed == "" || strings.HasPrefix(strings.TrimSpace(text), seed) {
		return text
	}
	return seed + text
}

// ParseBatchJSON extracts the first object holding both an items array and an
// answers array from free-form model output. It tolerates code fences,
// surrounding prose, trailing commas, raw newlines inside strings and bare
// LaTeX backslashes.
func ParseBatchJSON(raw string) (*batchEnvelope, error) {
	var env *batchEnvelope
	err := decodeFirst(raw, '{', func(candidate string) bool {
		var e batchEnvelope
		if json.Unmarshal([]byte(candidate), &e) != nil {
			return false
		}
		if e.Items == nil || e.Answers == nil {
			return false
		}
		env = &e
		return true
	})
	if err != nil {
		return nil, err
	}
	return env, nil
}

// parseVerificationJSON extracts the first array of re-solved answers
func parseVerificationJSON(raw string) ([]wireVerification, error) {
	var out []wireVerification
	err := decodeFirst(raw, '[', func(candidate string) bool {
		var v []wireVerification
		if json.Unmarshal([]byte(candidate), &v) != nil {
			return false
		}
		out = v
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// decodeFirst runs accept over balanced candidates, strictly first and then
// after the lenient repair pass
func decodeFirst(raw string, open byte, accept func(string) bool) error {
	text := stripCodeFences(raw)
	if strings.TrimSpace(text) == "" {
		return newGenerationError(KindParseFailure, "empty response", nil)
	}

	candidates := balancedCandidates(text, open)
	for _, c := range candidates {
		if accept(repairJSON(c, false)) {
			return nil
		}
	}
	for _, c := range candidates {
		if accept(repairJSON(c, true)) {
			return nil
		}
	}

	if len(candidates) == 0 {
		return newGenerationError(KindParseFailure, fmt.Sprintf("no balanced JSON value starting with %q", open), nil)
	}
	return newGenerationError(KindParseFailure, "no candidate matched the expected schema", nil)
}

// stripCodeFences removes markdown fences, keeping the fenced body when there
// is one
func stripCodeFences(s string) string {
	raw := strings.TrimSpace(s)
	start := strings.Index(raw, "```")
	if start < 0 {
		return raw
	}
	body := raw[start+3:]
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		lang := strings.TrimSpace(body[:nl])
		if lang == "" || !strings.ContainsAny(lang, "{[") {
			body = body[nl+1:]
		}
	}
	if end := strings.Index(body, "```"); end >= 0 {
		body = body[:end]
	}
	// Fenced bodies can themselves be prose; keep the prefix too so a seed
	// token outside the fence still forms a value.
	return strings.TrimSpace(raw[:start]) + strings.TrimSpace(body)
}

// balancedCandidates returns every balanced value starting with open, in
// order of appearance, tracking string literals so braces inside strings do
// not count
func balancedCandidates(s string, open byte) []string {
	closeCh := byte('}')
	if open == '[' {
		closeCh = ']'
	}

	var out []string
	for i := 0; i < len(s) && len(out) < maxJSONCandidates; i++ {
		if s[i] != open {
			continue
		}
		if end := matchClose(s, i, open, closeCh); end > i {
			out = append(out, s[i:end+1])
		}
	}
	return out
}

func matchClose(s string, start int, open, closeCh byte) int {
	depth := 0
	inString := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch c {
			case '\\':
				i++
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case closeCh:
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// latexNCommands are LaTeX commands that start with a JSON escape letter n.
// They are only recognized in math mode.
var latexNCommands = []string{"neq", "nabla", "not", "neg", "ngeq", "nleq", "ne", "ni", "nu"}

// repairJSON rewrites backslashes inside strings that cannot be JSON escapes
// (LaTeX such as \frac or \sqrt) so they survive decoding. With lenient set it
// also escapes raw control characters inside strings and drops trailing
// commas.
func repairJSON(s string, lenient bool) string {
	var sb strings.Builder
	sb.Grow(len(s) + 16)

	inString := false
	strStart := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !inString {
			if c == '"' {
				inString = true
				strStart = i + 1
			} else if lenient && c == ',' && trailingComma(s, i) {
				continue
			}
			sb.WriteByte(c)
			continue
		}

		switch c {
		case '"':
			inString = false
			sb.WriteByte(c)
		case '\\':
			if i+1 >= len(s) {
				sb.WriteString(`\\`)
				continue
			}
			next := s[i+1]
			if isLatexBackslash(s, i, strStart) {
				sb.WriteString(`\\`)
				continue
			}
			sb.WriteByte(c)
			sb.WriteByte(next)
			i++
		case '\n':
			if lenient {
				sb.WriteString(`\n`)
			} else {
				sb.WriteByte(c)
			}
		case '\r':
			if lenient {
				sb.WriteString(`\r`)
			} else {
				sb.WriteByte(c)
			}
		case '\t':
			if lenient {
				sb.WriteString(`\t`)
			} else {
				sb.WriteByte(c)
			}
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

// isLatexBackslash reports whether the backslash at i starts something that is
// not a usable JSON escape. strStart is where the enclosing string begins.
func isLatexBackslash(s string, i, strStart int) bool {
	next := s[i+1]
	switch next {
	case '"', '\\', '/':
		return false
	case 'u':
		if i+5 < len(s) && isHex(s[i+2:i+6]) {
			return false
		}
		return true
	case 'b', 'f', 'r', 't':
		// \frac, \times, \theta, \right: an escape letter glued to more letters
		return i+2 < len(s) && isLetter(s[i+2])
	case 'n':
		// \n followed by "u" or "e" is a newline in prose; only math mode
		// makes it a command
		if !inMath(s[strStart:i]) {
			return false
		}
		rest := s[i+1:]
		for _, cmd := range latexNCommands {
			if strings.HasPrefix(rest, cmd) && (len(rest) == len(cmd) || !isLetter(rest[len(cmd)])) {
				return true
			}
		}
		return false
	default:
		return true
	}
}

// inMath reports whether the end of prefix sits inside $...$, \(...\) or
// \[...\]
func inMath(prefix string) bool {
	dollars := 0
	open := false
	for j := 0; j < len(prefix); j++ {
		switch prefix[j] {
		case '$':
			dollars++
		case '\\':
			if j+1 < len(prefix) {
				switch prefix[j+1] {
				case '(', '[':
					open = true
				case ')', ']':
					open = false
				}
				j++
			}
		}
	}
	return open || dollars%2 == 1
}

func trailingComma(s string, i int) bool {
	for j := i + 1; j < len(s); j++ {
		switch s[j] {
		case ' ', '\n', '\r', '\t':
			continue
		case '}', ']':
			return true
		default:
			return false
		}
	}
	return false
}

func isLetter(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F') {
			return false
		}
	}
	return true
}
