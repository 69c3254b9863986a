package worksheetgen

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// UsageRecorder counts completed worksheets per caller. Increments may be
// duplicated on retry but must not be lost.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, callerID, batchID string) error
	CountUsageSince(ctx context.Context, callerID string, since time.Time) (int, error)
}

// WorksheetArchive stores finished worksheets
type WorksheetArchive interface {
	SaveWorksheet(ctx context.Context, callerID string, res *Result) error
}

// Dependencies are the collaborators a WorksheetGenerator is built from.
// Renderer, Usage and Archive are optional.
type Dependencies struct {
	Backend  Backend
	Compiler FragmentCompiler
	Renderer Renderer
	Usage    UsageRecorder
	Archive  WorksheetArchive
}

// Result is everything a successful run produces
type Result struct {
	Batch            *Batch              `json:"batch"`
	Verification     VerificationOutcome `json:"verification"`
	Regenerated      []int               `json:"regenerated,omitempty"`
	ValidationIssues []Issue             `json:"validation_issues"`
	Visuals          RepairReport        `json:"visuals"`
	Attempts         int                 `json:"attempts"`
	WorksheetPDF     []byte              `json:"worksheet_pdf,omitempty"`
	AnswerKeyPDF     []byte              `json:"answer_key_pdf,omitempty"`
}

// WorksheetGenerator orchestrates generation, validation, verification,
// targeted regeneration and visual repair for one request at a time. It holds
// no per-request state and is safe for concurrent use.
type WorksheetGenerator struct {
	maker       *ProblemMaker
	checker     *ProblemChecker
	regenerator *ProblemRegenerator
	repairer    *VisualRepairer
	renderer    Renderer
	usage       UsageRecorder
	archive     WorksheetArchive
	cfg         Config
	logo        []byte
}

// NewWorksheetGenerator creates a new worksheet generator
func NewWorksheetGenerator(cfg Config, deps Dependencies) (*WorksheetGenerator, error) {
	if deps.Backend == nil {
		return nil, errors.New("a generation backend is required")
	}
	if deps.Compiler == nil {
		return nil, errors.New("a fragment compiler is required")
	}

	var logo []byte
	if cfg.Render.LogoPath != "" {
		data, err := os.ReadFile(cfg.Render.LogoPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read logo: %w", err)
		}
		logo = data
	}

	return &WorksheetGenerator{
		maker:       NewProblemMaker(deps.Backend, cfg.Generation, cfg.Timeouts.Generate),
		checker:     NewProblemChecker(deps.Backend, cfg.Generation.VerifyTokens, cfg.Timeouts.Verify),
		regenerator: NewProblemRegenerator(deps.Backend, cfg.Generation, cfg.Timeouts.Regenerate),
		repairer:    NewVisualRepairer(deps.Backend, deps.Compiler, cfg.Generation.RepairTokens, cfg.Timeouts.Repair),
		renderer:    deps.Renderer,
		usage:       deps.Usage,
		archive:     deps.Archive,
		cfg:         cfg,
		logo:        logo,
	}, nil
}

// Run takes a request through generation, validation, verification, at most
// one targeted regeneration with a recheck, and visual repair. Progress is
// reported to sink before each stage starts.
func (wg *WorksheetGenerator) Run(ctx context.Context, req GenerationRequest, sink ProgressSink) (*Result, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}
	if sink == nil {
		sink = ProgressFunc(func(ProgressEvent) {})
	}

	runID := uuid.NewString()
	if wg.cfg.Pipeline.TranscriptsEnabled {
		ll, err := NewLLMLogger(wg.cfg.Pipeline.TranscriptDir, runID, req)
		if err != nil {
			Log().Warn("transcript disabled for run", zap.String("run_id", runID), zap.Error(err))
		} else {
			defer ll.Close()
			ctx = WithTranscript(ctx, ll)
		}
	}

	Log().Info("starting worksheet generation",
		zap.String("run_id", runID),
		zap.Int("count", req.Count),
		zap.String("difficulty", req.Difficulty),
		zap.Int("topics", len(req.Topics)),
		zap.Strings("modifiers", req.ActiveModifiers()))

	batch, attempts, err := wg.generate(ctx, req, sink)
	if err != nil {
		return nil, err
	}
	batch.ID = runID
	res := &Result{Batch: batch, Attempts: attempts}

	emit(sink, StepValidating, "Checking worksheet structure")
	done := timeStage(StepValidating)
	res.ValidationIssues = validateBatch(runID, batch)
	done()

	emit(sink, StepVerifying, "Double-checking every answer")
	done = timeStage(StepVerifying)
	outcome := wg.checker.Verify(ctx, batch.Items, batch.Answers)
	done()

	if failed := outcome.FailedNumbers(); len(failed) > 0 {
		emit(sink, StepRegenerating, fmt.Sprintf("Rewriting %d problem(s) that did not check out", len(failed)))
		done = timeStage(StepRegenerating)
		regenerated, err := wg.regenerator.Regenerate(ctx, batch, failed, req, issueNotes(outcome))
		done()
		if err != nil {
			return nil, err
		}
		batch = regenerated
		res.Batch = batch
		res.Regenerated = failed
		// replacements can repeat content the first pass already checked
		res.ValidationIssues = validateBatch(runID, batch)

		emit(sink, StepReverifying, "Re-checking the rewritten problems")
		done = timeStage(StepReverifying)
		outcome = wg.checker.Verify(ctx, batch.Items, batch.Answers)
		done()
		if still := outcome.FailedNumbers(); len(still) > 0 {
			Log().Warn("items still failing after regeneration, continuing",
				zap.String("run_id", runID),
				zap.Ints("numbers", still))
		}
	}
	res.Verification = outcome

	emit(sink, StepRepairingVisuals, "Checking diagrams")
	done = timeStage(StepRepairingVisuals)
	res.Visuals = wg.repairer.Repair(ctx, batch)
	done()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	Log().Info("worksheet pipeline finished",
		zap.String("run_id", runID),
		zap.Int("attempts", res.Attempts),
		zap.Ints("regenerated", res.Regenerated),
		zap.String("verification", string(res.Verification.Status)),
		zap.Int("visuals_stripped", res.Visuals.Count(VisualStripped)))
	return res, nil
}

func validateBatch(runID string, batch *Batch) []Issue {
	issues := ValidateBatch(batch)
	if len(issues) > 0 {
		validationIssues.Add(float64(len(issues)))
		for _, issue := range issues {
			Log().Warn("structural issue", zap.String("run_id", runID), zap.Int("number", issue.Number), zap.String("issue", issue.Message))
		}
	}
	return issues
}

// generate calls the maker, retrying only on parse failures
func (wg *WorksheetGenerator) generate(ctx context.Context, req GenerationRequest, sink ProgressSink) (*Batch, int, error) {
	attempts := 1 + wg.cfg.Pipeline.ParseRetries
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		msg := fmt.Sprintf("Writing %d problems", req.Count)
		if attempt > 1 {
			msg = fmt.Sprintf("Output was malformed, writing again (attempt %d of %d)", attempt, attempts)
		}
		emit(sink, StepGenerating, msg)

		done := timeStage(StepGenerating)
		batch, err := wg.maker.GenerateBatch(ctx, req)
		done()
		if err == nil {
			return batch, attempt, nil
		}

		lastErr = err
		if !isRetryableGeneration(err) || ctx.Err() != nil {
			return nil, attempt, err
		}
		Log().Warn("generation attempt failed", zap.Int("attempt", attempt), zap.Int("of", attempts), zap.Error(err))
	}
	return nil, attempts, lastErr
}

// Render produces the worksheet and, when requested, the answer key. The two
// documents are rendered concurrently.
func (wg *WorksheetGenerator) Render(ctx context.Context, res *Result, includeAnswerKey bool) error {
	if wg.renderer == nil {
		return nil
	}

	opts := DocumentOptions{Title: wg.cfg.Render.Title, HasLogo: len(wg.logo) > 0}
	var resources map[string][]byte
	if opts.HasLogo {
		resources = map[string][]byte{logoFile: wg.logo}
	}

	worksheet, err := BuildWorksheetDocument(res.Batch, opts)
	if err != nil {
		return err
	}
	var answerKey string
	if includeAnswerKey {
		answerKey, err = BuildAnswerKeyDocument(res.Batch, opts)
		if err != nil {
			return err
		}
	}

	if wg.cfg.Timeouts.Render > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wg.cfg.Timeouts.Render)
		defer cancel()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		pdf, err := wg.renderer.Render(gctx, RenderJob{Name: "worksheet", Body: worksheet, Resources: resources})
		if err != nil {
			return err
		}
		res.WorksheetPDF = pdf
		return nil
	})
	if includeAnswerKey {
		g.Go(func() error {
			pdf, err := wg.renderer.Render(gctx, RenderJob{Name: "answer_key", Body: answerKey, Resources: resources})
			if err != nil {
				return err
			}
			res.AnswerKeyPDF = pdf
			return nil
		})
	}
	return g.Wait()
}

// usageAttempts bounds retries of the usage increment
const usageAttempts = 3

// Generate runs the full pipeline for callerID, renders the documents and
// records usage. The worksheet is archived only once everything succeeded.
func (wg *WorksheetGenerator) Generate(ctx context.Context, req GenerationRequest, callerID string, sink ProgressSink) (*Result, error) {
	res, err := wg.Run(ctx, req, sink)
	if err != nil {
		return nil, err
	}

	if wg.renderer != nil {
		emit(sink, StepRendering, "Typesetting the worksheet")
		done := timeStage(StepRendering)
		err = wg.Render(ctx, res, req.IncludeAnswerKey)
		done()
		if err != nil {
			return nil, err
		}
	}

	if err := wg.recordUsage(ctx, callerID, res.Batch.ID); err != nil {
		return nil, err
	}

	if wg.archive != nil {
		if err := wg.archive.SaveWorksheet(ctx, callerID, res); err != nil {
			Log().Error("failed to archive worksheet", zap.String("batch_id", res.Batch.ID), zap.Error(err))
		}
	}
	return res, nil
}

func (wg *WorksheetGenerator) recordUsage(ctx context.Context, callerID, batchID string) error {
	if wg.usage == nil {
		return nil
	}
	var err error
	for attempt := 1; attempt <= usageAttempts; attempt++ {
		if err = wg.usage.RecordUsage(ctx, callerID, batchID); err == nil {
			return nil
		}
		Log().Warn("usage increment failed", zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
		}
	}
	return fmt.Errorf("failed to record usage: %w", err)
}

// Stream runs Generate and writes NDJSON records to w: progress records in
// stage order, then exactly one complete or error record. The returned error
// is the internal one, for the host's logs; the caller only sees its
// categorized message.
func (wg *WorksheetGenerator) Stream(ctx context.Context, req GenerationRequest, callerID string, w io.Writer) error {
	sw := NewStreamWriter(w)
	start := time.Now()

	res, err := wg.Generate(ctx, req, callerID, sw)
	if werr := sw.Err(); werr != nil {
		Log().Warn("progress stream broken", zap.String("caller", callerID), zap.Error(werr))
	}
	if err != nil {
		ue := CategorizeError(err)
		pipelineRuns.WithLabelValues(string(ue.Category)).Inc()
		Log().Error("worksheet generation failed",
			zap.String("caller", callerID),
			zap.String("category", string(ue.Category)),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		if ferr := sw.Fail(ue.Message); ferr != nil {
			Log().Warn("failed to write error record", zap.Error(ferr))
		}
		return err
	}

	pipelineRuns.WithLabelValues("complete").Inc()
	Log().Info("worksheet delivered",
		zap.String("caller", callerID),
		zap.String("batch_id", res.Batch.ID),
		zap.Duration("elapsed", time.Since(start)))
	if err := sw.Complete(res); err != nil {
		return fmt.Errorf("failed to write complete record: %w", err)
	}
	return nil
}

func emit(sink ProgressSink, step Step, message string) {
	if sink == nil {
		return
	}
	sink.Progress(ProgressEvent{Step: step, Message: message, Percent: stepPercent[step]})
}

func timeStage(step Step) func() {
	start := time.Now()
	return func() {
		stageDuration.WithLabelValues(string(step)).Observe(time.Since(start).Seconds())
	}
}

func issueNotes(outcome VerificationOutcome) map[int]string {
	notes := make(map[int]string)
	for _, r := range outcome.Results {
		if !r.Passed && r.Issue != "" {
			notes[r.Number] = r.Issue
		}
	}
	return notes
}
