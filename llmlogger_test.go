package worksheetgen

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLLMLogger_WritesTranscript(t *testing.T) {
	dir := t.TempDir()
	req := testRequest(10)
	req.Modifiers = map[string]bool{ModifierShowWork: true}

	ll, err := NewLLMLogger(dir, "run-1", req)
	require.NoError(t, err)

	ll.LogLLMRequest(PurposeVerify, "system text", "user text")
	ll.LogLLMResponse(PurposeVerify, `[{"number": 1}]`)
	ll.LogItemResult(ItemVerification{Number: 1, Passed: false, ExpectedAnswer: "B", VerifiedAnswer: "C", Issue: "mismatch"})
	ll.LogVisualResult(2, VisualStripped, "patched fragment still fails")
	require.NoError(t, ll.Close())
	require.NoError(t, ll.Close())

	data, err := os.ReadFile(filepath.Join(dir, "run-1.log"))
	require.NoError(t, err)
	text := string(data)

	assert.Contains(t, text, "Batch ID: run-1")
	assert.Contains(t, text, "Math / Linear Equations")
	assert.Contains(t, text, "Modifiers: show_work")
	assert.Contains(t, text, "LLM REQUEST (verify)")
	assert.Contains(t, text, "user text")
	assert.Contains(t, text, `Item 1: FAILED (expected "B", verified "C") mismatch`)
	assert.Contains(t, text, "Item 2 visual: stripped - patched fragment still fails")
	assert.Contains(t, text, "Worksheet Generation Complete")
}

func TestLLMLogger_NilIsSafe(t *testing.T) {
	var ll *LLMLogger
	ll.Logf("ignored %d", 1)
	ll.LogLLMRequest(PurposeGenerate, "s", "u")
	ll.LogItemResult(ItemVerification{Number: 1, Passed: true})
	assert.NoError(t, ll.Close())

	assert.Nil(t, transcriptFrom(context.Background()))
}

func TestRun_WritesTranscriptWhenEnabled(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	cfg.Pipeline.TranscriptsEnabled = true
	cfg.Pipeline.TranscriptDir = dir

	backend := scriptedBackend(map[string][]reply{
		PurposeGenerate: {{text: batchJSON(t, choiceEnvelope(numbersTo(10)...))}},
		PurposeVerify:   {{text: verifyJSON(10)}},
	})
	wg, err := NewWorksheetGenerator(cfg, Dependencies{Backend: backend, Compiler: alwaysCompiles()})
	require.NoError(t, err)

	res, err := wg.Run(context.Background(), testRequest(10), nil)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, res.Batch.ID+".log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "LLM REQUEST (generate)")
	assert.Contains(t, string(data), "LLM RESPONSE (verify)")
	assert.Contains(t, string(data), "Item 10: PASSED")
}

func TestTruncateByRunes(t *testing.T) {
	assert.Equal(t, "héll", TruncateByRunes("héllo", 4))
	assert.Equal(t, "héllo", TruncateByRunes("héllo", 10))
	assert.Equal(t, "", TruncateByRunes("héllo", 0))
}
