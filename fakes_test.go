package worksheetgen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// reply is one scripted backend response
type reply struct {
	text      string
	truncated bool
	err       error
}

// fakeBackend answers from per-purpose scripts, or from generate when set
type fakeBackend struct {
	mu       sync.Mutex
	script   map[string][]reply
	calls    []BackendRequest
	generate func(ctx context.Context, req BackendRequest) (*BackendResponse, error)
}

func scriptedBackend(script map[string][]reply) *fakeBackend {
	return &fakeBackend{script: script}
}

func (f *fakeBackend) Generate(ctx context.Context, req BackendRequest) (*BackendResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	if f.generate != nil {
		f.mu.Unlock()
		return f.generate(ctx, req)
	}
	queue := f.script[req.Purpose]
	if len(queue) == 0 {
		f.mu.Unlock()
		return nil, fmt.Errorf("unexpected %s call", req.Purpose)
	}
	r := queue[0]
	f.script[req.Purpose] = queue[1:]
	f.mu.Unlock()

	if r.err != nil {
		return nil, r.err
	}
	return &BackendResponse{Text: r.text, Truncated: r.truncated}, nil
}

func (f *fakeBackend) callsFor(purpose string) []BackendRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []BackendRequest
	for _, c := range f.calls {
		if c.Purpose == purpose {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeBackend) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// fakeCompiler compiles with compile, counting calls
type fakeCompiler struct {
	mu      sync.Mutex
	calls   []string
	compile func(code string) (CompileProbe, error)
}

func (f *fakeCompiler) Compile(ctx context.Context, code string) (CompileProbe, error) {
	f.mu.Lock()
	f.calls = append(f.calls, code)
	f.mu.Unlock()
	if f.compile == nil {
		return CompileProbe{Success: true}, nil
	}
	return f.compile(code)
}

func (f *fakeCompiler) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// alwaysCompiles accepts every fragment
func alwaysCompiles() *fakeCompiler {
	return &fakeCompiler{}
}

type fakeRenderer struct {
	mu     sync.Mutex
	jobs   []string
	render func(job RenderJob) ([]byte, error)
}

func (f *fakeRenderer) Render(ctx context.Context, job RenderJob) ([]byte, error) {
	f.mu.Lock()
	f.jobs = append(f.jobs, job.Name)
	f.mu.Unlock()
	if f.render != nil {
		return f.render(job)
	}
	return []byte("%PDF-" + job.Name), nil
}

type fakeUsage struct {
	mu       sync.Mutex
	failures int
	recorded []string
}

func (f *fakeUsage) RecordUsage(ctx context.Context, callerID, batchID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("database is locked")
	}
	f.recorded = append(f.recorded, callerID+"/"+batchID)
	return nil
}

func (f *fakeUsage) CountUsageSince(ctx context.Context, callerID string, since time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.recorded), nil
}

type fakeArchive struct {
	mu    sync.Mutex
	saved []*Result
	err   error
}

func (f *fakeArchive) SaveWorksheet(ctx context.Context, callerID string, res *Result) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.saved = append(f.saved, res)
	return nil
}

func testRequest(count int) GenerationRequest {
	return GenerationRequest{
		Topics:     []Topic{{Category: "Math", Subcategory: "Linear Equations"}},
		Difficulty: DifficultyMedium,
		Count:      count,
	}
}

// choiceEnvelope builds a valid batch of n choice items numbered 1..n; item
// k's correct choice is B with value 2k
func choiceEnvelope(numbers ...int) batchEnvelope {
	env := batchEnvelope{Items: []wireItem{}, Answers: []wireAnswer{}}
	for _, k := range numbers {
		env.Items = append(env.Items, wireItem{
			Number:  k,
			Content: fmt.Sprintf("Problem %d: what is %d + %d?", k, k, k),
			Choices: map[string]string{
				"A": fmt.Sprint(2*k - 1),
				"B": fmt.Sprint(2 * k),
				"C": fmt.Sprint(2*k + 1),
				"D": fmt.Sprint(2*k + 2),
			},
		})
		env.Answers = append(env.Answers, wireAnswer{
			Number:        k,
			CorrectAnswer: "B",
			Solution:      fmt.Sprintf("SOLUTION-%d: %d + %d = %d", k, k, k, 2*k),
		})
	}
	return env
}

func numbersTo(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i + 1
	}
	return out
}

func batchJSON(t *testing.T, env batchEnvelope) string {
	t.Helper()
	data, err := json.Marshal(env)
	require.NoError(t, err)
	return string(data)
}

// verifyJSON answers B for every number except the ones in wrong, which get C
func verifyJSON(n int, wrong ...int) string {
	bad := make(map[int]bool, len(wrong))
	for _, w := range wrong {
		bad[w] = true
	}
	parts := make([]string, 0, n)
	for k := 1; k <= n; k++ {
		answer := "B"
		if bad[k] {
			answer = "C"
		}
		parts = append(parts, fmt.Sprintf(`{"number": %d, "answer": %q, "brief_work": "added"}`, k, answer))
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// testBatch returns a converted batch of n choice items
func testBatch(t *testing.T, n int) *Batch {
	t.Helper()
	env := choiceEnvelope(numbersTo(n)...)
	items, answers, err := convertBatch(&env, n)
	require.NoError(t, err)
	return &Batch{
		ID:         "batch-1",
		Topics:     []Topic{{Category: "Math", Subcategory: "Linear Equations"}},
		Difficulty: DifficultyMedium,
		Count:      n,
		CreatedAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Items:      items,
		Answers:    answers,
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Logging.File = ""
	cfg.Pipeline.TranscriptsEnabled = false
	return cfg
}
