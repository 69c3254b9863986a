package worksheetgen

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// LLMLogger writes a per-worksheet transcript of every backend interaction.
// A nil *LLMLogger is valid and discards everything.
type LLMLogger struct {
	file    *os.File
	mu      sync.Mutex
	batchID string
}

// NewLLMLogger creates a transcript file for one worksheet run
func NewLLMLogger(dir, batchID string, req GenerationRequest) (*LLMLogger, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	filename := filepath.Join(dir, fmt.Sprintf("%s.log", batchID))
	file, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create log file: %w", err)
	}

	ll := &LLMLogger{
		file:    file,
		batchID: batchID,
	}

	topics := make([]string, 0, len(req.Topics))
	for _, t := range req.Topics {
		topics = append(topics, t.Category+" / "+t.Subcategory)
	}

	ll.Logf("=== Worksheet Generation Log ===\n")
	ll.Logf("Batch ID: %s\n", batchID)
	ll.Logf("Topics: %s\n", strings.Join(topics, "; "))
	ll.Logf("Number of Items: %d\n", req.Count)
	ll.Logf("Difficulty: %s\n", req.Difficulty)
	if mods := req.ActiveModifiers(); len(mods) > 0 {
		ll.Logf("Modifiers: %s\n", strings.Join(mods, ", "))
	}
	ll.Logf("Started: %s\n", time.Now().Format(time.RFC3339))
	ll.Logf("================================\n\n")

	return ll, nil
}

// Logf writes a formatted log entry with timestamp
func (ll *LLMLogger) Logf(format string, args ...interface{}) {
	if ll == nil {
		return
	}
	ll.mu.Lock()
	defer ll.mu.Unlock()
	ll.writef(format, args...)
}

func (ll *LLMLogger) writef(format string, args ...interface{}) {
	if ll.file == nil {
		return
	}
	timestamp := time.Now().Format("15:04:05.000")
	fmt.Fprintf(ll.file, "[%s] %s", timestamp, fmt.Sprintf(format, args...))
	ll.file.Sync()
}

// LogLLMRequest logs a backend request
func (ll *LLMLogger) LogLLMRequest(purpose, system, user string) {
	ll.Logf("=== LLM REQUEST (%s) ===\n", purpose)
	ll.Logf("System:\n%s\n", system)
	ll.Logf("Prompt:\n%s\n", user)
	ll.Logf("=====================\n\n")
}

// LogLLMResponse logs a backend response
func (ll *LLMLogger) LogLLMResponse(purpose, response string) {
	ll.Logf("=== LLM RESPONSE (%s) ===\n", purpose)
	ll.Logf("Response:\n%s\n", response)
	ll.Logf("======================\n\n")
}

// LogItemResult logs the verification outcome of one item
func (ll *LLMLogger) LogItemResult(r ItemVerification) {
	if r.Passed {
		ll.Logf("Item %d: PASSED (expected %q, verified %q)\n", r.Number, r.ExpectedAnswer, r.VerifiedAnswer)
		return
	}
	ll.Logf("Item %d: FAILED (expected %q, verified %q) %s\n", r.Number, r.ExpectedAnswer, r.VerifiedAnswer, r.Issue)
}

// LogVisualResult logs what the repair loop did with one item's fragment
func (ll *LLMLogger) LogVisualResult(number int, outcome VisualOutcome, detail string) {
	if detail == "" {
		ll.Logf("Item %d visual: %s\n", number, outcome)
		return
	}
	ll.Logf("Item %d visual: %s - %s\n", number, outcome, detail)
}

// Close closes the log file
func (ll *LLMLogger) Close() error {
	if ll == nil {
		return nil
	}
	ll.mu.Lock()
	defer ll.mu.Unlock()

	if ll.file != nil {
		ll.writef("=== Worksheet Generation Complete ===\n")
		ll.writef("Completed: %s\n", time.Now().Format(time.RFC3339))
		ll.writef("=====================================\n")
		err := ll.file.Close()
		ll.file = nil
		return err
	}
	return nil
}

type transcriptKey struct{}

// WithTranscript attaches a run transcript to ctx
func WithTranscript(ctx context.Context, ll *LLMLogger) context.Context {
	return context.WithValue(ctx, transcriptKey{}, ll)
}

func transcriptFrom(ctx context.Context) *LLMLogger {
	ll, _ := ctx.Value(transcriptKey{}).(*LLMLogger)
	return ll
}
