package worksheetgen

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleLatexLog = `This is pdfTeX, Version 3.141592653-2.6-1.40.25 (TeX Live 2023)
entering extended mode
(./fragment.tex
LaTeX2e <2022-11-01>
! Package tikz Error: Cannot parse this coordinate.

See the tikz package documentation for explanation.
Type  H <return>  for immediate help.
 ...

l.5 \draw (0,0) -- (1,;

No pages of output.
Transcript written on fragment.log.
`

func TestExtractLatexErrors(t *testing.T) {
	t.Run("keeps error and context lines", func(t *testing.T) {
		got := extractLatexErrors(sampleLatexLog)
		assert.Equal(t, "! Package tikz Error: Cannot parse this coordinate.\nl.5 \\draw (0,0) -- (1,;", got)
	})

	t.Run("falls back to the tail", func(t *testing.T) {
		var lines []string
		for i := 0; i < 20; i++ {
			lines = append(lines, "line")
		}
		lines = append(lines, "last line")
		got := extractLatexErrors(strings.Join(lines, "\n"))
		assert.Len(t, strings.Split(got, "\n"), 10)
		assert.True(t, strings.HasSuffix(got, "last line"))
	})
}

func TestLatexCompiler(t *testing.T) {
	assert.Equal(t, "pdflatex", NewLatexCompiler("", time.Second).engine)
	assert.Equal(t, "lualatex", NewLatexCompiler("lualatex", time.Second).engine)

	t.Run("missing engine is an error, not a failed probe", func(t *testing.T) {
		lc := NewLatexCompiler("worksheetgen-no-such-engine", time.Second)
		probe, err := lc.Compile(context.Background(), goodFragment)
		require.Error(t, err)
		assert.False(t, probe.Success)

		var le *latexError
		assert.False(t, errors.As(err, &le))
	})
}

func TestLatexRenderer_MissingEngine(t *testing.T) {
	lr := NewLatexRenderer("worksheetgen-no-such-engine", time.Second)
	_, err := lr.Render(context.Background(), RenderJob{
		Name:      "worksheet",
		Body:      `\documentclass{article}\begin{document}x\end{document}`,
		Resources: map[string][]byte{logoFile: []byte("png")},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRenderFailure))
	assert.Equal(t, CategoryRenderFailed, CategorizeError(err).Category)
}
