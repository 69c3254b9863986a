package worksheetgen

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ProblemRegenerator replaces only the items that failed verification
type ProblemRegenerator struct {
	backend Backend
	cfg     GenerationConfig
	timeout time.Duration
}

// NewProblemRegenerator creates a new problem regenerator
func NewProblemRegenerator(backend Backend, cfg GenerationConfig, timeout time.Duration) *ProblemRegenerator {
	return &ProblemRegenerator{
		backend: backend,
		cfg:     cfg,
		timeout: timeout,
	}
}

const regeneratorSystemPrompt = "You are an expert test-prep content writer fixing flawed practice problems. You respond with a single JSON object and nothing else."

// Regenerate asks for replacements of the failed items and merges them into a
// copy of batch by number. Numbers the backend does not return, or returns in
// an unusable shape, keep their original item and answer. notes may carry the
// verifier's reason per number.
//
// With no failed numbers the batch is returned as is and no call is made.
func (pr *ProblemRegenerator) Regenerate(ctx context.Context, batch *Batch, failed []int, req GenerationRequest, notes map[int]string) (*Batch, error) {
	pool := NewProblemPool(batch)

	targets := make([]int, 0, len(failed))
	wanted := make(map[int]bool, len(failed))
	for _, n := range failed {
		if pool.Has(n) && !wanted[n] {
			wanted[n] = true
			targets = append(targets, n)
		}
	}
	if len(targets) == 0 {
		return batch, nil
	}
	sort.Ints(targets)

	Log().Info("regenerating items", zap.String("batch_id", batch.ID), zap.Ints("numbers", targets))

	resp, err := callBackend(ctx, pr.backend, pr.timeout, BackendRequest{
		Purpose:   PurposeRegenerate,
		System:    regeneratorSystemPrompt,
		User:      pr.buildPrompt(pool, targets, req, notes),
		Seed:      "{",
		MaxTokens: pr.outputBudget(len(targets), req),
	})
	if err != nil {
		return nil, newGenerationError(KindRegenerationFailure, "regeneration call failed", wrapBackendError(PurposeRegenerate, err))
	}
	if resp.Truncated {
		return nil, newGenerationError(KindRegenerationFailure, "regeneration output truncated", ErrTruncatedOutput)
	}

	env, err := ParseBatchJSON(withSeed("{", resp.Text))
	if err != nil {
		return nil, newGenerationError(KindRegenerationFailure, "regeneration output unparsable", err)
	}

	replaced := mergeReplacements(pool, env, wanted)

	out := batch.Clone()
	out.Items = pool.Items()
	out.Answers = pool.Answers()

	Log().Info("regeneration merged",
		zap.String("batch_id", batch.ID),
		zap.Ints("requested", targets),
		zap.Ints("replaced", replaced))
	return out, nil
}

// mergeReplacements applies every usable replacement for a wanted number and
// returns the numbers that were replaced
func mergeReplacements(pool *ProblemPool, env *batchEnvelope, wanted map[int]bool) []int {
	answers := make(map[int]wireAnswer, len(env.Answers))
	for _, a := range env.Answers {
		if _, dup := answers[a.Number]; !dup {
			answers[a.Number] = a
		}
	}

	var replaced []int
	done := make(map[int]bool)
	for _, w := range env.Items {
		if !wanted[w.Number] || done[w.Number] {
			continue
		}
		item, err := convertItem(w)
		if err != nil {
			VerboseLog("Skipping replacement for item %d: %v", w.Number, err)
			continue
		}
		wa, ok := answers[w.Number]
		if !ok {
			VerboseLog("Skipping replacement for item %d: no answer", w.Number)
			continue
		}
		answer := AnswerRecord{
			Number:        w.Number,
			CorrectAnswer: strings.TrimSpace(string(wa.CorrectAnswer)),
			Solution:      strings.TrimSpace(wa.Solution),
		}
		if item.IsChoice() {
			answer.CorrectAnswer = strings.ToUpper(answer.CorrectAnswer)
			if !isChoiceLabel(answer.CorrectAnswer) {
				VerboseLog("Skipping replacement for item %d: answer %q is not a label", w.Number, answer.CorrectAnswer)
				continue
			}
		} else if answer.CorrectAnswer == "" {
			continue
		}
		if pool.Replace(item, answer) {
			done[w.Number] = true
			replaced = append(replaced, w.Number)
		}
	}
	sort.Ints(replaced)
	return replaced
}

func (pr *ProblemRegenerator) outputBudget(n int, req GenerationRequest) int {
	pm := ProblemMaker{cfg: pr.cfg}
	r := req
	r.Count = n
	return pm.OutputBudget(r)
}

func (pr *ProblemRegenerator) buildPrompt(pool *ProblemPool, targets []int, req GenerationRequest, notes map[int]string) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("The following %d practice problems were found to be flawed: ", len(targets)))
	sb.WriteString("an independent solver did not reach the answer in the key. Write a new, correct problem to replace each one.\n\n")

	sb.WriteString("Keep the worksheet settings:\n")
	for _, t := range req.Topics {
		sb.WriteString(fmt.Sprintf("- Topic: %s: %s\n", t.Category, t.Subcategory))
	}
	sb.WriteString("- " + difficultyGuidance[req.Difficulty] + "\n")
	for _, m := range req.ActiveModifiers() {
		sb.WriteString("- " + modifierInstructions[m] + "\n")
	}
	sb.WriteString("\n")

	for _, n := range targets {
		it, ans, _ := pool.Get(n)
		sb.WriteString(restateItem(it))
		if ans.CorrectAnswer != "" {
			sb.WriteString(fmt.Sprintf("Key answer: %s\n", ans.CorrectAnswer))
		}
		if note := notes[n]; note != "" {
			sb.WriteString("Problem found: " + note + "\n")
		}
		sb.WriteString("\n")
	}

	nums := make([]string, len(targets))
	for i, n := range targets {
		nums[i] = fmt.Sprint(n)
	}
	sb.WriteString(fmt.Sprintf("Return replacements numbered exactly %s, keeping each problem's number and format ", strings.Join(nums, ", ")))
	sb.WriteString("(multiple choice stays multiple choice with choices A-D, free response stays free response). ")
	sb.WriteString("Double-check every answer. Escape every backslash for JSON.\n")
	sb.WriteString("Respond with ONLY this JSON object:\n")
	sb.WriteString(`{"items": [{"number": 3, "content": "...", "choices": {"A": "...", "B": "...", "C": "...", "D": "..."}, "free_response": false, "has_visual": false, "visual_code": ""}], "answers": [{"number": 3, "correct_answer": "A", "solution": "..."}]}`)
	sb.WriteString("\n")

	return sb.String()
}
