package worksheetgen

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"
)

//go:embed templates/*.tex
var templateFS embed.FS

// logoFile is the name a side-loaded logo is written under
const logoFile = "logo.png"

// RenderJob is one document to render plus the files it references
type RenderJob struct {
	Name      string
	Body      string
	Resources map[string][]byte
}

// Renderer turns a complete document body into a binary
type Renderer interface {
	Render(ctx context.Context, job RenderJob) ([]byte, error)
}

// LatexRenderer renders documents to PDF with a LaTeX engine
type LatexRenderer struct {
	engine  string
	timeout time.Duration
}

// NewLatexRenderer creates a renderer that runs engine (pdflatex by default)
func NewLatexRenderer(engine string, timeout time.Duration) *LatexRenderer {
	if engine == "" {
		engine = "pdflatex"
	}
	return &LatexRenderer{engine: engine, timeout: timeout}
}

// Render writes the body and resources to a temp dir and returns the PDF.
// Failures are ErrRenderFailure with the engine's diagnostic as detail.
func (lr *LatexRenderer) Render(ctx context.Context, job RenderJob) ([]byte, error) {
	tmpDir, err := os.MkdirTemp("", "worksheetgen-render-*")
	if err != nil {
		return nil, newGenerationError(KindRenderFailure, "", fmt.Errorf("failed to create temp dir: %w", err))
	}
	defer os.RemoveAll(tmpDir)

	for name, data := range job.Resources {
		if err := os.WriteFile(filepath.Join(tmpDir, filepath.Base(name)), data, 0644); err != nil {
			return nil, newGenerationError(KindRenderFailure, "", fmt.Errorf("failed to write resource %s: %w", name, err))
		}
	}
	if err := os.WriteFile(filepath.Join(tmpDir, "document.tex"), []byte(job.Body), 0644); err != nil {
		return nil, newGenerationError(KindRenderFailure, "", fmt.Errorf("failed to write document: %w", err))
	}

	if _, err := runLatex(ctx, lr.engine, lr.timeout, tmpDir, "document.tex"); err != nil {
		var failed *latexError
		if errors.As(err, &failed) {
			return nil, newGenerationError(KindRenderFailure, failed.diagnostic, err)
		}
		return nil, newGenerationError(KindRenderFailure, "", err)
	}

	pdf, err := os.ReadFile(filepath.Join(tmpDir, "document.pdf"))
	if err != nil {
		return nil, newGenerationError(KindRenderFailure, "no PDF produced", err)
	}
	return pdf, nil
}

// DocumentOptions controls the document header
type DocumentOptions struct {
	Title   string
	HasLogo bool
}

type documentData struct {
	Title    string
	Subtitle string
	HasLogo  bool
	LogoFile string
	Items    []Item
	Answers  []AnswerRecord
}

var documentTemplates = template.Must(
	template.New("documents").
		Delims("[[", "]]").
		Funcs(template.FuncMap{
			"latex":        escapeLatexText,
			"choiceLabels": func() []string { return ChoiceLabels },
		}).
		ParseFS(templateFS, "templates/*.tex"),
)

// BuildWorksheetDocument renders the student-facing document body for batch
func BuildWorksheetDocument(batch *Batch, opts DocumentOptions) (string, error) {
	return executeDocument("worksheet.tex", batch, opts)
}

// BuildAnswerKeyDocument renders the answer key body for batch
func BuildAnswerKeyDocument(batch *Batch, opts DocumentOptions) (string, error) {
	return executeDocument("answerkey.tex", batch, opts)
}

func executeDocument(name string, batch *Batch, opts DocumentOptions) (string, error) {
	data := documentData{
		Title:    opts.Title,
		Subtitle: documentSubtitle(batch),
		HasLogo:  opts.HasLogo,
		LogoFile: logoFile,
		Items:    batch.Items,
		Answers:  batch.Answers,
	}
	if data.Title == "" {
		data.Title = "Practice Worksheet"
	}

	var buf bytes.Buffer
	if err := documentTemplates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", newGenerationError(KindRenderFailure, "template failed", err)
	}
	return buf.String(), nil
}

func documentSubtitle(batch *Batch) string {
	topics := make([]string, 0, len(batch.Topics))
	for _, t := range batch.Topics {
		topics = append(topics, t.Subcategory)
	}
	diff := batch.Difficulty
	if diff != "" {
		diff = strings.ToUpper(diff[:1]) + diff[1:]
	}
	return fmt.Sprintf("%s | %s | %d problems", strings.Join(topics, ", "), diff, len(batch.Items))
}

// escapeLatexText escapes the text-mode specials that generated content does
// not intend as markup. Backslashes, braces and $ are left alone because the
// content carries inline math.
func escapeLatexText(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		escaped := i > 0 && s[i-1] == '\\'
		switch {
		case (c == '%' || c == '&' || c == '#') && !escaped:
			sb.WriteByte('\\')
			sb.WriteByte(c)
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}
