package worksheetgen

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ProblemChecker re-solves every item blind and compares the result with the
// generator's answer
type ProblemChecker struct {
	backend   Backend
	maxTokens int
	timeout   time.Duration
}

// NewProblemChecker creates a new problem checker
func NewProblemChecker(backend Backend, maxTokens int, timeout time.Duration) *ProblemChecker {
	return &ProblemChecker{
		backend:   backend,
		maxTokens: maxTokens,
		timeout:   timeout,
	}
}

const checkerSystemPrompt = "You are a meticulous test-prep tutor. Solve each problem independently from scratch and report only your final answers as a JSON array."

// Verify checks items against answers with a single backend call.
//
// A failed verification attempt never blocks delivery: when the call or the
// parse fails, the outcome is Passed with Status VerificationUnavailable and
// no per-item results.
func (pc *ProblemChecker) Verify(ctx context.Context, items []Item, answers []AnswerRecord) VerificationOutcome {
	if len(items) == 0 {
		return VerificationOutcome{Passed: true, Status: VerificationVerified}
	}

	VerboseLog("Verifying %d items", len(items))

	resp, err := callBackend(ctx, pc.backend, pc.timeout, BackendRequest{
		Purpose:   PurposeVerify,
		System:    checkerSystemPrompt,
		User:      pc.buildPrompt(items),
		Seed:      "[",
		MaxTokens: pc.maxTokens,
	})
	if err != nil {
		return unavailable(ctx, "verification call failed", err)
	}
	if resp.Truncated {
		return unavailable(ctx, "verification output truncated", nil)
	}

	solved, err := parseVerificationJSON(withSeed("[", resp.Text))
	if err != nil {
		return unavailable(ctx, "verification output unparsable", err)
	}

	return compareAnswers(ctx, items, answers, solved)
}

func unavailable(ctx context.Context, reason string, err error) VerificationOutcome {
	Log().Warn("verification unavailable, assuming pass", zap.String("reason", reason), zap.Error(err))
	transcriptFrom(ctx).Logf("Verification unavailable: %s\n", reason)
	return VerificationOutcome{
		Passed:  true,
		Status:  VerificationUnavailable,
		Results: []ItemVerification{},
	}
}

func compareAnswers(ctx context.Context, items []Item, answers []AnswerRecord, solved []wireVerification) VerificationOutcome {
	byNumber := make(map[int]wireVerification, len(solved))
	for _, s := range solved {
		if _, dup := byNumber[s.Number]; dup || s.Number <= 0 {
			continue
		}
		byNumber[s.Number] = s
	}
	expected := make(map[int]string, len(answers))
	for _, a := range answers {
		expected[a.Number] = a.CorrectAnswer
	}

	outcome := VerificationOutcome{
		Passed:  true,
		Status:  VerificationVerified,
		Results: make([]ItemVerification, 0, len(items)),
	}
	transcript := transcriptFrom(ctx)

	for _, it := range items {
		r := ItemVerification{
			Number:         it.Number,
			ExpectedAnswer: expected[it.Number],
		}

		s, ok := byNumber[it.Number]
		switch {
		case !ok:
			// the verifier skipped it; nothing to contradict the generator
			r.Passed = true
			r.Issue = "not re-solved by the verifier"
		case strings.TrimSpace(string(s.Answer)) == "":
			r.Passed = true
			r.Issue = "verifier gave no answer"
		default:
			r.VerifiedAnswer = strings.TrimSpace(string(s.Answer))
			r.Passed = AnswersEquivalent(it, r.ExpectedAnswer, r.VerifiedAnswer)
			if !r.Passed {
				r.Issue = fmt.Sprintf("verifier got %s, key says %s", r.VerifiedAnswer, r.ExpectedAnswer)
				if work := strings.TrimSpace(s.BriefWork); work != "" {
					r.Issue += ": " + TruncateByRunes(work, 300)
				}
			}
		}

		if !r.Passed {
			outcome.Passed = false
			verificationFailures.Inc()
		}
		transcript.LogItemResult(r)
		outcome.Results = append(outcome.Results, r)
	}

	Log().Info("verification finished",
		zap.Bool("passed", outcome.Passed),
		zap.Ints("failed", outcome.FailedNumbers()))
	return outcome
}

func (pc *ProblemChecker) buildPrompt(items []Item) string {
	var sb strings.Builder

	sb.WriteString("Solve each of the following problems on your own. ")
	sb.WriteString("Work carefully; do not assume any answer is given.\n\n")

	for _, it := range items {
		sb.WriteString(restateItem(it))
		sb.WriteString("\n")
	}

	sb.WriteString("For multiple choice problems answer with the choice letter only. ")
	sb.WriteString("For free-response problems answer with the exact value in simplest form.\n")
	sb.WriteString("Respond with ONLY a JSON array, one object per problem, in order:\n")
	sb.WriteString(`[{"number": 1, "answer": "B", "brief_work": "one or two sentences"}]`)
	sb.WriteString("\n")

	return sb.String()
}

// restateItem renders one item as a self-contained problem statement without
// its answer
func restateItem(it Item) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Problem %d:\n%s\n", it.Number, it.Content))
	if it.IsChoice() {
		for _, label := range ChoiceLabels {
			if text, ok := it.Choices[label]; ok {
				sb.WriteString(fmt.Sprintf("%s) %s\n", label, text))
			}
		}
	} else {
		sb.WriteString("(Free response: give a numeric or short exact answer.)\n")
	}
	if it.HasVisual {
		sb.WriteString("(A diagram accompanies this problem, but everything needed to solve it is stated above.)\n")
	}
	return sb.String()
}
