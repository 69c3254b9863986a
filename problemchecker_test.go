package worksheetgen

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProblemChecker_Verify(t *testing.T) {
	t.Run("all answers match", func(t *testing.T) {
		batch := testBatch(t, 10)
		backend := scriptedBackend(map[string][]reply{
			PurposeVerify: {{text: verifyJSON(10)}},
		})
		pc := NewProblemChecker(backend, 4000, 0)

		outcome := pc.Verify(context.Background(), batch.Items, batch.Answers)
		assert.True(t, outcome.Passed)
		assert.Equal(t, VerificationVerified, outcome.Status)
		assert.Len(t, outcome.Results, 10)
		assert.Empty(t, outcome.FailedNumbers())

		calls := backend.callsFor(PurposeVerify)
		require.Len(t, calls, 1)
		assert.Equal(t, "[", calls[0].Seed)
		assert.Equal(t, 4000, calls[0].MaxTokens)
	})

	t.Run("prompt is blind", func(t *testing.T) {
		batch := testBatch(t, 10)
		backend := scriptedBackend(map[string][]reply{
			PurposeVerify: {{text: verifyJSON(10)}},
		})
		pc := NewProblemChecker(backend, 4000, 0)
		pc.Verify(context.Background(), batch.Items, batch.Answers)

		prompt := backend.callsFor(PurposeVerify)[0].User
		assert.Contains(t, prompt, "Problem 3: what is 3 + 3?")
		assert.Contains(t, prompt, "B) 6")
		assert.NotContains(t, prompt, "SOLUTION-")
	})

	t.Run("mismatches fail", func(t *testing.T) {
		batch := testBatch(t, 10)
		backend := scriptedBackend(map[string][]reply{
			PurposeVerify: {{text: verifyJSON(10, 3, 7)}},
		})
		pc := NewProblemChecker(backend, 4000, 0)

		outcome := pc.Verify(context.Background(), batch.Items, batch.Answers)
		assert.False(t, outcome.Passed)
		assert.Equal(t, VerificationVerified, outcome.Status)
		assert.Equal(t, []int{3, 7}, outcome.FailedNumbers())

		for _, r := range outcome.Results {
			if r.Number == 3 {
				assert.Equal(t, "B", r.ExpectedAnswer)
				assert.Equal(t, "C", r.VerifiedAnswer)
				assert.Contains(t, r.Issue, "verifier got C")
			}
		}
	})

	t.Run("value answers map to labels", func(t *testing.T) {
		batch := testBatch(t, 2)
		backend := scriptedBackend(map[string][]reply{
			PurposeVerify: {{text: `[{"number": 1, "answer": 2}, {"number": 2, "answer": "(b)"}]`}},
		})
		pc := NewProblemChecker(backend, 4000, 0)

		outcome := pc.Verify(context.Background(), batch.Items, batch.Answers)
		assert.True(t, outcome.Passed)
	})

	t.Run("omitted items pass", func(t *testing.T) {
		batch := testBatch(t, 3)
		backend := scriptedBackend(map[string][]reply{
			PurposeVerify: {{text: `[{"number": 1, "answer": "B"}, {"number": 3, "answer": ""}]`}},
		})
		pc := NewProblemChecker(backend, 4000, 0)

		outcome := pc.Verify(context.Background(), batch.Items, batch.Answers)
		assert.True(t, outcome.Passed)
		require.Len(t, outcome.Results, 3)
		assert.Equal(t, "not re-solved by the verifier", outcome.Results[1].Issue)
		assert.Equal(t, "verifier gave no answer", outcome.Results[2].Issue)
	})

	failOpen := map[string]reply{
		"backend error": {err: errors.New("upstream timeout")},
		"truncated":     {text: `{"number": 1, "answer": "B"}, {"num`, truncated: true},
		"unparsable":    {text: "I think they are all correct!"},
	}
	for name, r := range failOpen {
		t.Run("fails open on "+name, func(t *testing.T) {
			batch := testBatch(t, 10)
			backend := scriptedBackend(map[string][]reply{PurposeVerify: {r}})
			pc := NewProblemChecker(backend, 4000, 0)

			outcome := pc.Verify(context.Background(), batch.Items, batch.Answers)
			assert.True(t, outcome.Passed)
			assert.Equal(t, VerificationUnavailable, outcome.Status)
			assert.NotNil(t, outcome.Results)
			assert.Empty(t, outcome.Results)
		})
	}

	t.Run("no items makes no call", func(t *testing.T) {
		backend := scriptedBackend(map[string][]reply{})
		pc := NewProblemChecker(backend, 4000, 0)

		outcome := pc.Verify(context.Background(), nil, nil)
		assert.True(t, outcome.Passed)
		assert.Equal(t, 0, backend.totalCalls())
	})
}

func TestRestateItem(t *testing.T) {
	free := restateItem(Item{Number: 4, Content: "Solve $2x = 8$.", FreeResponse: true, HasVisual: true})
	assert.Contains(t, free, "Problem 4:")
	assert.Contains(t, free, "Free response")
	assert.Contains(t, free, "diagram accompanies")

	choice := restateItem(Item{Number: 1, Content: "Pick", Choices: map[string]string{"A": "1", "B": "2", "C": "3", "D": "4"}})
	assert.Contains(t, choice, "A) 1\nB) 2\nC) 3\nD) 4\n")
}
