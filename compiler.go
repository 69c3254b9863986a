package worksheetgen

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// maxDiagnosticRunes bounds compiler output reused in repair prompts
const maxDiagnosticRunes = 600

// FragmentCompiler test-compiles a single visual fragment. It is only a
// validity oracle; its output is discarded. A returned error means the
// toolchain itself could not run, not that the fragment is broken.
type FragmentCompiler interface {
	Compile(ctx context.Context, code string) (CompileProbe, error)
}

// LatexCompiler compiles TikZ fragments inside a standalone document
type LatexCompiler struct {
	engine  string
	timeout time.Duration
}

// NewLatexCompiler creates a compiler that runs engine (pdflatex by default)
func NewLatexCompiler(engine string, timeout time.Duration) *LatexCompiler {
	if engine == "" {
		engine = "pdflatex"
	}
	return &LatexCompiler{engine: engine, timeout: timeout}
}

const fragmentPreamble = `\documentclass[tikz,border=2pt]{standalone}
\usepackage{amsmath,amssymb}
\usetikzlibrary{arrows.meta,calc,angles,quotes,patterns,positioning,shapes.geometric}
\begin{document}
`

// Compile writes code into a standalone document and runs the engine on it
func (lc *LatexCompiler) Compile(ctx context.Context, code string) (CompileProbe, error) {
	tmpDir, err := os.MkdirTemp("", "worksheetgen-fragment-*")
	if err != nil {
		return CompileProbe{}, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	doc := fragmentPreamble + code + "\n\\end{document}\n"
	if err := os.WriteFile(filepath.Join(tmpDir, "fragment.tex"), []byte(doc), 0644); err != nil {
		return CompileProbe{}, fmt.Errorf("failed to write fragment: %w", err)
	}

	output, err := runLatex(ctx, lc.engine, lc.timeout, tmpDir, "fragment.tex")
	if err == nil {
		return CompileProbe{Success: true}, nil
	}

	var failed *latexError
	if errors.As(err, &failed) {
		return CompileProbe{Success: false, Diagnostic: TruncateByRunes(failed.diagnostic, maxDiagnosticRunes)}, nil
	}
	VerboseLog("fragment compile could not run: %v (%d bytes of output)", err, len(output))
	return CompileProbe{}, err
}

// latexError is a document the engine rejected
type latexError struct {
	diagnostic string
	err        error
}

func (e *latexError) Error() string {
	return "latex failed: " + e.diagnostic
}

func (e *latexError) Unwrap() error {
	return e.err
}

// runLatex runs engine on file inside dir. A non-zero exit or a timeout is a
// *latexError carrying the extracted diagnostic; anything else means the
// engine could not be started.
func runLatex(ctx context.Context, engine string, timeout time.Duration, dir, file string) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, engine,
		"-halt-on-error",
		"-interaction=nonstopmode",
		"-no-shell-escape",
		file,
	)
	cmd.Dir = dir

	output, err := cmd.CombinedOutput()
	if err == nil {
		return output, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return output, &latexError{diagnostic: fmt.Sprintf("%s timed out", engine), err: ctxErr}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return output, &latexError{diagnostic: extractLatexErrors(string(output)), err: err}
	}
	return output, fmt.Errorf("failed to run %s: %w", engine, err)
}

// extractLatexErrors keeps the "!" error lines and the "l.<n>" context line
// that follows each one. Without any, it falls back to the output's tail.
func extractLatexErrors(output string) string {
	var lines []string
	var all []string
	inError := false

	scanner := bufio.NewScanner(strings.NewReader(output))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), " \r")
		all = append(all, line)
		switch {
		case strings.HasPrefix(line, "!"):
			lines = append(lines, line)
			inError = true
		case inError && strings.HasPrefix(line, "l."):
			lines = append(lines, line)
			inError = false
		}
	}

	if len(lines) == 0 {
		tail := all
		if len(tail) > 10 {
			tail = tail[len(tail)-10:]
		}
		return strings.TrimSpace(strings.Join(tail, "\n"))
	}
	return strings.Join(lines, "\n")
}
