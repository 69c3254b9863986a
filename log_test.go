package worksheetgen

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observeLogs(t *testing.T, level zapcore.Level) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(level)
	prev := Log()
	SetLogger(zap.New(core))
	t.Cleanup(func() { SetLogger(prev) })
	return logs
}

func TestSetLogger_CapturesPipelineLogs(t *testing.T) {
	logs := observeLogs(t, zap.InfoLevel)

	backend := scriptedBackend(map[string][]reply{
		PurposeGenerate: {{text: batchJSON(t, choiceEnvelope(numbersTo(10)...))}},
		PurposeVerify:   {{text: verifyJSON(10)}},
	})
	wg := newTestGenerator(t, backend, Dependencies{})

	res, err := wg.Run(context.Background(), testRequest(10), nil)
	require.NoError(t, err)

	finished := logs.FilterMessage("worksheet pipeline finished").All()
	require.Len(t, finished, 1)
	assert.Equal(t, res.Batch.ID, finished[0].ContextMap()["run_id"])
}

func TestValidateBatch_LogsEachIssue(t *testing.T) {
	logs := observeLogs(t, zap.WarnLevel)

	b := testBatch(t, 3)
	b.Items[2].Content = b.Items[0].Content
	issues := validateBatch("run-1", b)

	require.Len(t, issues, 1)
	entries := logs.FilterMessage("structural issue").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "same content as item 1", entries[0].ContextMap()["issue"])
}

func TestStream_LogsBrokenProgressStream(t *testing.T) {
	logs := observeLogs(t, zap.WarnLevel)

	backend := scriptedBackend(map[string][]reply{
		PurposeGenerate: {{text: batchJSON(t, choiceEnvelope(numbersTo(10)...))}},
		PurposeVerify:   {{text: verifyJSON(10)}},
	})
	wg := newTestGenerator(t, backend, Dependencies{Renderer: &fakeRenderer{}})

	err := wg.Stream(context.Background(), testRequest(10), "caller-1", failingWriter{})
	assert.Error(t, err)
	assert.Equal(t, 1, logs.FilterMessage("progress stream broken").Len())
}
