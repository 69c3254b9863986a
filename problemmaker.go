package worksheetgen

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Modifier names understood by the generator
const (
	ModifierNumericAnswers = "numeric_answers"
	ModifierNoCalculator   = "no_calculator"
	ModifierWordProblems   = "word_problems"
	ModifierIncludeVisuals = "include_visuals"
	ModifierShowWork       = "show_work"
)

// modifierInstructions are the prompt lines each active modifier adds
var modifierInstructions = map[string]string{
	ModifierNumericAnswers: "Every problem must be free-response with a single numeric answer (integer, decimal or simple fraction). Do not include choices.",
	ModifierNoCalculator:   "Every problem must be solvable by hand without a calculator or any external tool; keep arithmetic manageable.",
	ModifierWordProblems:   "Frame every problem as a realistic word problem with a short real-world scenario.",
	ModifierIncludeVisuals: "Where a diagram genuinely helps (geometry, graphs, data), include one as a TikZ fragment.",
	ModifierShowWork:       "Solutions must show complete step-by-step work, not just the final result.",
}

// difficultyGuidance calibrates each difficulty level
var difficultyGuidance = map[string]string{
	DifficultyEasy:   "EASY: one or two steps, direct application of a single concept, friendly numbers. A prepared student should finish each in under a minute.",
	DifficultyMedium: "MEDIUM: two to four steps, may combine two concepts, occasional distractor information. Typical test-day difficulty.",
	DifficultyHard:   "HARD: multi-step reasoning, combines several concepts, non-obvious setup, plausible trap answers. Comparable to the hardest third of a real exam.",
}

// KnownModifiers returns the supported modifier names, sorted
func KnownModifiers() []string {
	names := make([]string, 0, len(modifierInstructions))
	for name := range modifierInstructions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ProblemMaker generates a batch of problems with a single backend call
type ProblemMaker struct {
	backend Backend
	cfg     GenerationConfig
	timeout time.Duration
}

// NewProblemMaker creates a new problem maker
func NewProblemMaker(backend Backend, cfg GenerationConfig, timeout time.Duration) *ProblemMaker {
	return &ProblemMaker{
		backend: backend,
		cfg:     cfg,
		timeout: timeout,
	}
}

// OutputBudget scales the token budget with item count and active modifiers,
// capped at the configured maximum
func (pm *ProblemMaker) OutputBudget(req GenerationRequest) int {
	budget := float64(pm.cfg.BaseTokens + pm.cfg.TokensPerItem*req.Count)
	budget *= 1 + pm.cfg.ModifierBoost*float64(len(req.ActiveModifiers()))
	if pm.cfg.MaxTokens > 0 {
		budget = math.Min(budget, float64(pm.cfg.MaxTokens))
	}
	return int(budget)
}

// GenerateBatch requests a full batch for req. It returns ErrTruncatedOutput
// when the backend hit its budget and ErrParseFailure when the output cannot
// be resolved to the schema; it never retries itself.
func (pm *ProblemMaker) GenerateBatch(ctx context.Context, req GenerationRequest) (*Batch, error) {
	Log().Info("generating batch",
		zap.Int("count", req.Count),
		zap.String("difficulty", req.Difficulty),
		zap.Int("topics", len(req.Topics)))

	resp, err := callBackend(ctx, pm.backend, pm.timeout, BackendRequest{
		Purpose:   PurposeGenerate,
		System:    generatorSystemPrompt,
		User:      pm.buildPrompt(req),
		Seed:      "{",
		MaxTokens: pm.OutputBudget(req),
	})
	if err != nil {
		return nil, wrapBackendError(PurposeGenerate, err)
	}
	if resp.Truncated {
		return nil, newGenerationError(KindTruncatedOutput, fmt.Sprintf("output budget of %d tokens exhausted", pm.OutputBudget(req)), nil)
	}

	env, err := ParseBatchJSON(withSeed("{", resp.Text))
	if err != nil {
		return nil, err
	}

	items, answers, err := convertBatch(env, req.Count)
	if err != nil {
		return nil, err
	}

	batch := &Batch{
		ID:         uuid.NewString(),
		Topics:     append([]Topic(nil), req.Topics...),
		Difficulty: req.Difficulty,
		Count:      req.Count,
		Modifiers:  req.Modifiers,
		CreatedAt:  time.Now(),
		Items:      items,
		Answers:    answers,
	}

	Log().Info("generated batch", zap.String("batch_id", batch.ID), zap.Int("items", len(batch.Items)))
	return batch, nil
}

const generatorSystemPrompt = "You are an expert test-prep content writer. You write accurate, unambiguous practice problems with verified answers, and you respond with a single JSON object and nothing else."

func (pm *ProblemMaker) buildPrompt(req GenerationRequest) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Generate exactly %d practice problems.\n\n", req.Count))

	if req.Mixed() {
		sb.WriteString("This is a MIXED-TOPIC worksheet. Spread the problems evenly across these topics and interleave them:\n")
	} else {
		sb.WriteString("Topic:\n")
	}
	for _, t := range req.Topics {
		sb.WriteString(fmt.Sprintf("- %s: %s\n", t.Category, t.Subcategory))
	}
	sb.WriteString("\n")

	sb.WriteString("Difficulty calibration:\n")
	sb.WriteString(difficultyGuidance[req.Difficulty])
	sb.WriteString("\n\n")

	if mods := req.ActiveModifiers(); len(mods) > 0 {
		sb.WriteString("Constraints:\n")
		for _, m := range mods {
			sb.WriteString("- " + modifierInstructions[m] + "\n")
		}
		sb.WriteString("\n")
	}

	sb.WriteString("Requirements:\n")
	sb.WriteString(fmt.Sprintf("- Number the problems 1 to %d with no gaps\n", req.Count))
	sb.WriteString("- Multiple choice problems have exactly four choices labeled A, B, C, D and exactly one correct choice\n")
	sb.WriteString("- Free-response problems set \"free_response\": true, omit choices, and give the exact final value as the answer\n")
	sb.WriteString("- Write math inline with LaTeX between $ signs and escape every backslash for JSON (\\\\frac, \\\\sqrt)\n")
	sb.WriteString("- A problem may include a diagram: set \"has_visual\": true and put a complete, self-contained TikZ picture starting with \\\\begin{tikzpicture} in \"visual_code\"\n")
	sb.WriteString("- Never refer to a figure unless visual_code contains it\n")
	sb.WriteString("- Provide one answer record per problem with the same number, the correct answer, and a concise solution\n\n")

	sb.WriteString("Respond with ONLY this JSON object:\n")
	sb.WriteString(`{"items": [{"number": 1, "content": "...", "choices": {"A": "...", "B": "...", "C": "...", "D": "..."}, "free_response": false, "has_visual": false, "visual_code": ""}], "answers": [{"number": 1, "correct_answer": "B", "solution": "..."}]}`)
	sb.WriteString("\n")

	return sb.String()
}

// convertBatch turns the wire envelope into items and answers. With count > 0
// it also requires exactly count items numbered densely from 1 and exactly one
// answer per item; anything off-schema is rejected rather than coerced.
func convertBatch(env *batchEnvelope, count int) ([]Item, []AnswerRecord, error) {
	items := make([]Item, 0, len(env.Items))
	seen := make(map[int]bool, len(env.Items))
	choiceItems := make(map[int]bool, len(env.Items))
	for _, w := range env.Items {
		item, err := convertItem(w)
		if err != nil {
			return nil, nil, err
		}
		if seen[item.Number] {
			return nil, nil, schemaError("duplicate item number %d", item.Number)
		}
		seen[item.Number] = true
		choiceItems[item.Number] = item.IsChoice()
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Number < items[j].Number })

	answers := make([]AnswerRecord, 0, len(env.Answers))
	answered := make(map[int]bool, len(env.Answers))
	for _, w := range env.Answers {
		if w.Number <= 0 {
			return nil, nil, schemaError("answer number %d out of range", w.Number)
		}
		if answered[w.Number] {
			return nil, nil, schemaError("duplicate answer for item %d", w.Number)
		}
		answered[w.Number] = true
		answer := AnswerRecord{
			Number:        w.Number,
			CorrectAnswer: strings.TrimSpace(string(w.CorrectAnswer)),
			Solution:      strings.TrimSpace(w.Solution),
		}
		if choiceItems[w.Number] {
			answer.CorrectAnswer = strings.ToUpper(answer.CorrectAnswer)
			if !isChoiceLabel(answer.CorrectAnswer) {
				return nil, nil, schemaError("answer %q for item %d is not a choice label A-D", answer.CorrectAnswer, w.Number)
			}
		}
		answers = append(answers, answer)
	}
	sort.Slice(answers, func(i, j int) bool { return answers[i].Number < answers[j].Number })

	if count <= 0 {
		return items, answers, nil
	}

	if len(items) != count {
		return nil, nil, schemaError("expected %d items, got %d", count, len(items))
	}
	for i, it := range items {
		if it.Number != i+1 {
			return nil, nil, schemaError("item numbers are not 1..%d (found %d at position %d)", count, it.Number, i+1)
		}
	}
	if len(answers) != count {
		return nil, nil, schemaError("expected %d answers, got %d", count, len(answers))
	}
	for _, a := range answers {
		if !seen[a.Number] {
			return nil, nil, schemaError("answer %d has no matching item", a.Number)
		}
	}
	return items, answers, nil
}

func convertItem(w wireItem) (Item, error) {
	if w.Number <= 0 {
		return Item{}, schemaError("item number %d out of range", w.Number)
	}
	content := strings.TrimSpace(w.Content)
	if content == "" {
		return Item{}, schemaError("item %d has no content", w.Number)
	}

	item := Item{
		Number:       w.Number,
		Content:      content,
		FreeResponse: w.FreeResponse,
		HasVisual:    w.HasVisual,
		VisualCode:   strings.TrimSpace(w.VisualCode),
	}

	if !w.FreeResponse {
		choices, err := normalizeChoices(w.Number, w.Choices)
		if err != nil {
			return Item{}, err
		}
		item.Choices = choices
	} else if len(w.Choices) > 0 {
		return Item{}, schemaError("item %d is free-response but has choices", w.Number)
	}

	if !item.HasVisual {
		item.VisualCode = ""
	}
	return item, nil
}

// normalizeChoices requires exactly the labels A-D, case-insensitively
func normalizeChoices(number int, raw map[string]string) (map[string]string, error) {
	if len(raw) != len(ChoiceLabels) {
		return nil, schemaError("item %d must have exactly %d choices, got %d", number, len(ChoiceLabels), len(raw))
	}
	choices := make(map[string]string, len(raw))
	for label, text := range raw {
		l := strings.ToUpper(strings.TrimSpace(label))
		if !isChoiceLabel(l) {
			return nil, schemaError("item %d has invalid choice label %q", number, label)
		}
		if _, dup := choices[l]; dup {
			return nil, schemaError("item %d repeats choice label %s", number, l)
		}
		choices[l] = strings.TrimSpace(text)
	}
	return choices, nil
}

func isChoiceLabel(s string) bool {
	for _, l := range ChoiceLabels {
		if s == l {
			return true
		}
	}
	return false
}

func schemaError(format string, args ...interface{}) error {
	return newGenerationError(KindParseFailure, fmt.Sprintf(format, args...), nil)
}

// isRetryableGeneration reports whether a fresh generation attempt may help
func isRetryableGeneration(err error) bool {
	return errors.Is(err, ErrParseFailure)
}
