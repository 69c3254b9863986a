package worksheetgen

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	goodFragment   = `\begin{tikzpicture}\draw (0,0) -- (1,1);\end{tikzpicture}`
	brokenFragment = `\begin{tikzpicture}\draw (0,0) -- (1,;\end{tikzpicture}`
)

// compilesUnless fails every fragment containing bad
func compilesUnless(bad string) *fakeCompiler {
	return &fakeCompiler{compile: func(code string) (CompileProbe, error) {
		if strings.Contains(code, bad) {
			return CompileProbe{Success: false, Diagnostic: "! Package tikz Error: Cannot parse this coordinate.\nl.5 \\draw (0,0) -- (1,;"}, nil
		}
		return CompileProbe{Success: true}, nil
	}}
}

func visualBatch(items ...Item) *Batch {
	return &Batch{ID: "visuals", Items: items}
}

func assertVisualConsistency(t *testing.T, b *Batch) {
	t.Helper()
	for _, it := range b.Items {
		assert.Equal(t, it.HasVisual, it.VisualCode != "", "item %d: flag and code disagree", it.Number)
	}
}

func TestVisualRepairer_Repair(t *testing.T) {
	t.Run("compiling fragments are kept", func(t *testing.T) {
		compiler := alwaysCompiles()
		vr := NewVisualRepairer(scriptedBackend(nil), compiler, 2000, 0)
		b := visualBatch(
			Item{Number: 1, Content: "Use the figure below.", HasVisual: true, VisualCode: goodFragment},
			Item{Number: 2, Content: "No picture", VisualCode: "stray"},
		)

		report := vr.Repair(context.Background(), b)
		require.Len(t, report.Results, 2)
		assert.Equal(t, VisualCompiled, report.Results[0].Outcome)
		assert.Equal(t, VisualNone, report.Results[1].Outcome)
		assert.Equal(t, goodFragment, b.Items[0].VisualCode)
		assert.Empty(t, b.Items[1].VisualCode)
		assert.Equal(t, 1, compiler.callCount())
		assertVisualConsistency(t, b)
	})

	t.Run("broken fragment is repaired once", func(t *testing.T) {
		backend := scriptedBackend(map[string][]reply{
			PurposeRepair: {{text: "```latex\n" + `\draw (0,0) -- (1,1);` + "\n" + tikzEnd + "\n```"}},
		})
		compiler := compilesUnless("(1,;")
		vr := NewVisualRepairer(backend, compiler, 2000, 0)
		b := visualBatch(Item{Number: 4, Content: "Find the slope of the line shown in the graph.", HasVisual: true, VisualCode: brokenFragment})

		report := vr.Repair(context.Background(), b)
		assert.Equal(t, VisualRepaired, report.Results[0].Outcome)
		assert.Equal(t, tikzBegin+`\draw (0,0) -- (1,1);`+"\n"+tikzEnd, b.Items[0].VisualCode)
		assert.True(t, b.Items[0].HasVisual)
		assert.Equal(t, "Find the slope of the line shown in the graph.", b.Items[0].Content)
		assert.Equal(t, 2, compiler.callCount())

		calls := backend.callsFor(PurposeRepair)
		require.Len(t, calls, 1)
		assert.Equal(t, tikzBegin, calls[0].Seed)
		assert.Contains(t, calls[0].User, "Cannot parse this coordinate")
		assert.Contains(t, calls[0].User, brokenFragment)
	})

	t.Run("second failure strips the visual and its references", func(t *testing.T) {
		backend := scriptedBackend(map[string][]reply{
			PurposeRepair: {{text: `\draw (0,0) -- (1,;` + tikzEnd}},
		})
		compiler := compilesUnless("(1,;")
		vr := NewVisualRepairer(backend, compiler, 2000, 0)
		b := visualBatch(Item{Number: 2, Content: "As shown in the diagram, the triangle is isosceles. Find x.", HasVisual: true, VisualCode: brokenFragment})

		report := vr.Repair(context.Background(), b)
		assert.Equal(t, VisualStripped, report.Results[0].Outcome)
		assert.Contains(t, report.Results[0].Detail, "still fails")
		assert.False(t, b.Items[0].HasVisual)
		assert.Empty(t, b.Items[0].VisualCode)
		assert.Equal(t, "The triangle is isosceles. Find x.", b.Items[0].Content)
		assert.Equal(t, 1, report.Count(VisualStripped))
		assert.Equal(t, 2, compiler.callCount(), "one compile before and one after the patch")
		assert.Len(t, backend.callsFor(PurposeRepair), 1, "exactly one repair request")
	})

	t.Run("promised visual without code is stripped", func(t *testing.T) {
		compiler := alwaysCompiles()
		backend := scriptedBackend(nil)
		vr := NewVisualRepairer(backend, compiler, 2000, 0)
		b := visualBatch(Item{Number: 1, Content: "Refer to the figure. What is the perimeter?", HasVisual: true})

		report := vr.Repair(context.Background(), b)
		assert.Equal(t, VisualStripped, report.Results[0].Outcome)
		assert.Equal(t, "What is the perimeter?", b.Items[0].Content)
		assert.Equal(t, 0, compiler.callCount())
		assert.Equal(t, 0, backend.totalCalls())
		assertVisualConsistency(t, b)
	})

	t.Run("unusable repair reply strips", func(t *testing.T) {
		backend := scriptedBackend(map[string][]reply{
			PurposeRepair: {{text: "I could not fix it, sorry."}},
		})
		compiler := compilesUnless("(1,;")
		vr := NewVisualRepairer(backend, compiler, 2000, 0)
		b := visualBatch(Item{Number: 1, Content: "Find the area (see figure).", HasVisual: true, VisualCode: brokenFragment})

		report := vr.Repair(context.Background(), b)
		assert.Equal(t, VisualStripped, report.Results[0].Outcome)
		assert.Equal(t, "Find the area.", b.Items[0].Content)
		assert.Equal(t, 1, compiler.callCount())
	})

	t.Run("repair backend failure strips", func(t *testing.T) {
		backend := scriptedBackend(map[string][]reply{
			PurposeRepair: {{err: errors.New("rate limit exceeded")}},
		})
		vr := NewVisualRepairer(backend, compilesUnless("(1,;"), 2000, 0)
		b := visualBatch(Item{Number: 1, Content: "Find x.", HasVisual: true, VisualCode: brokenFragment})

		report := vr.Repair(context.Background(), b)
		assert.Equal(t, VisualStripped, report.Results[0].Outcome)
		assertVisualConsistency(t, b)
	})

	t.Run("unavailable compiler strips", func(t *testing.T) {
		compiler := &fakeCompiler{compile: func(code string) (CompileProbe, error) {
			return CompileProbe{}, errors.New(`exec: "pdflatex": executable file not found in $PATH`)
		}}
		backend := scriptedBackend(nil)
		vr := NewVisualRepairer(backend, compiler, 2000, 0)
		b := visualBatch(Item{Number: 1, Content: "Find x.", HasVisual: true, VisualCode: goodFragment})

		report := vr.Repair(context.Background(), b)
		assert.Equal(t, VisualStripped, report.Results[0].Outcome)
		assert.Contains(t, report.Results[0].Detail, "compiler unavailable")
		assert.Equal(t, 0, backend.totalCalls())
		assertVisualConsistency(t, b)
	})
}

func TestExtractFragment(t *testing.T) {
	code, err := extractFragment("Here you go:\n" + goodFragment + "\nDone.")
	require.NoError(t, err)
	assert.Equal(t, goodFragment, code)

	_, err = extractFragment(tikzBegin + `\draw (0,0);`)
	assert.Error(t, err)

	_, err = extractFragment("nothing")
	assert.Error(t, err)
}
