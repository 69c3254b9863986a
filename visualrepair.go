package worksheetgen

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// VisualOutcome is what the repair loop did with one item's fragment
type VisualOutcome string

const (
	VisualNone     VisualOutcome = "none"
	VisualCompiled VisualOutcome = "compiled"
	VisualRepaired VisualOutcome = "repaired"
	VisualStripped VisualOutcome = "stripped"
)

const (
	tikzBegin = `\begin{tikzpicture}`
	tikzEnd   = `\end{tikzpicture}`
)

// VisualResult records the outcome for one item
type VisualResult struct {
	Number  int           `json:"number"`
	Outcome VisualOutcome `json:"outcome"`
	Detail  string        `json:"detail,omitempty"`
}

// RepairReport summarises a repair pass over a batch
type RepairReport struct {
	Results []VisualResult `json:"results"`
}

// Count returns how many items ended with outcome
func (r RepairReport) Count(outcome VisualOutcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == outcome {
			n++
		}
	}
	return n
}

// VisualRepairer makes sure every fragment in a batch compiles, patching a
// broken one once and dropping it when the patch fails too
type VisualRepairer struct {
	backend   Backend
	compiler  FragmentCompiler
	maxTokens int
	timeout   time.Duration
}

// NewVisualRepairer creates a new visual repairer
func NewVisualRepairer(backend Backend, compiler FragmentCompiler, maxTokens int, timeout time.Duration) *VisualRepairer {
	return &VisualRepairer{
		backend:   backend,
		compiler:  compiler,
		maxTokens: maxTokens,
		timeout:   timeout,
	}
}

// Repair walks every item of batch and settles its visual in place. Afterwards
// no item has HasVisual set without VisualCode, or VisualCode without
// HasVisual. Failures are never returned; they end in a stripped visual.
func (vr *VisualRepairer) Repair(ctx context.Context, batch *Batch) RepairReport {
	report := RepairReport{Results: make([]VisualResult, 0, len(batch.Items))}
	transcript := transcriptFrom(ctx)

	for i := range batch.Items {
		it := &batch.Items[i]
		res := vr.repairItem(ctx, it)

		visualRepairs.WithLabelValues(string(res.Outcome)).Inc()
		transcript.LogVisualResult(res.Number, res.Outcome, res.Detail)
		if res.Outcome == VisualStripped {
			Log().Info("visual stripped", zap.Int("number", res.Number), zap.String("detail", res.Detail))
		}
		report.Results = append(report.Results, res)
	}
	return report
}

func (vr *VisualRepairer) repairItem(ctx context.Context, it *Item) VisualResult {
	res := VisualResult{Number: it.Number}

	if !it.HasVisual {
		it.VisualCode = ""
		res.Outcome = VisualNone
		return res
	}

	code := strings.TrimSpace(it.VisualCode)
	if code == "" {
		stripVisual(it)
		res.Outcome = VisualStripped
		res.Detail = "visual promised but no fragment given"
		return res
	}

	probe, err := vr.compiler.Compile(ctx, code)
	if err != nil {
		stripVisual(it)
		res.Outcome = VisualStripped
		res.Detail = "compiler unavailable: " + TruncateByRunes(err.Error(), 200)
		return res
	}
	if probe.Success {
		res.Outcome = VisualCompiled
		return res
	}

	VerboseLog("Item %d visual failed to compile: %s", it.Number, probe.Diagnostic)

	patched, err := vr.requestFix(ctx, it, code, probe.Diagnostic)
	if err != nil {
		stripVisual(it)
		res.Outcome = VisualStripped
		res.Detail = "repair request failed: " + TruncateByRunes(err.Error(), 200)
		return res
	}

	probe, err = vr.compiler.Compile(ctx, patched)
	if err != nil || !probe.Success {
		stripVisual(it)
		res.Outcome = VisualStripped
		if err != nil {
			res.Detail = "compiler unavailable: " + TruncateByRunes(err.Error(), 200)
		} else {
			res.Detail = "patched fragment still fails: " + TruncateByRunes(probe.Diagnostic, 200)
		}
		return res
	}

	it.VisualCode = patched
	res.Outcome = VisualRepaired
	return res
}

// stripVisual drops an item's visual and any prose pointing at it
func stripVisual(it *Item) {
	it.HasVisual = false
	it.VisualCode = ""
	it.Content = StripFigureReferences(it.Content)
}

const repairSystemPrompt = "You fix broken TikZ pictures. You output only the corrected tikzpicture environment, with no explanation and no code fences."

func (vr *VisualRepairer) requestFix(ctx context.Context, it *Item, code, diagnostic string) (string, error) {
	var sb strings.Builder
	sb.WriteString("This TikZ picture fails to compile.\n\n")
	sb.WriteString("It illustrates this problem:\n")
	sb.WriteString(TruncateByRunes(it.Content, 400))
	sb.WriteString("\n\nFragment:\n")
	sb.WriteString(code)
	sb.WriteString("\n\nCompiler errors:\n")
	sb.WriteString(TruncateByRunes(diagnostic, maxDiagnosticRunes))
	sb.WriteString("\n\nReturn a corrected, self-contained tikzpicture. Use only the TikZ core and the libraries ")
	sb.WriteString("arrows.meta, calc, angles, quotes, patterns, positioning and shapes.geometric. ")
	sb.WriteString("Keep the same figure; change only what is needed to compile.\n")

	resp, err := callBackend(ctx, vr.backend, vr.timeout, BackendRequest{
		Purpose:   PurposeRepair,
		System:    repairSystemPrompt,
		User:      sb.String(),
		Seed:      tikzBegin,
		MaxTokens: vr.maxTokens,
	})
	if err != nil {
		return "", err
	}
	if resp.Truncated {
		return "", errors.New("repair output truncated")
	}
	return extractFragment(withSeed(tikzBegin, stripCodeFences(resp.Text)))
}

// extractFragment keeps the first complete tikzpicture environment
func extractFragment(text string) (string, error) {
	start := strings.Index(text, tikzBegin)
	if start < 0 {
		return "", fmt.Errorf("no %s in repair output", tikzBegin)
	}
	end := strings.Index(text[start:], tikzEnd)
	if end < 0 {
		return "", fmt.Errorf("no %s in repair output", tikzEnd)
	}
	return strings.TrimSpace(text[start : start+end+len(tikzEnd)]), nil
}
