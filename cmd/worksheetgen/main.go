package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"worksheetgen"
)

var (
	configDir string
	verbose   bool
	provider  string
	cfg       *worksheetgen.Config

	topics     []string
	difficulty string
	count      int
	modifiers  []string
	answerKey  bool
	outDir     string
	callerID   string
	ndjson     bool
	noArchive  bool

	listLimit int
)

var rootCmd = &cobra.Command{
	Use:   "worksheetgen",
	Short: "Generate verified practice worksheets",
	Long: `worksheetgen writes test-prep worksheets with a language model, re-solves
every problem independently, rewrites the ones that do not check out, repairs
broken diagrams and typesets the result to PDF.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := worksheetgen.LoadConfig(configDir)
		if err != nil {
			return err
		}
		if provider != "" {
			loaded.LLM.Provider = provider
		}
		if verbose {
			loaded.Logging.Verbose = true
		}
		cfg = loaded
		worksheetgen.InitLogger(cfg.Logging)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = worksheetgen.Log().Sync()
	},
}

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate one worksheet",
	Long: `Generate a worksheet and write the PDFs and the batch JSON to --out-dir.

Topics are given as "Category/Subcategory"; repeat --topic (up to 3) for a
mixed worksheet.

Examples:
  worksheetgen generate --topic "Algebra/Quadratics" --count 10
  worksheetgen generate --topic "Geometry/Triangles" --topic "Algebra/Ratios" \
      --difficulty hard --modifier no_calculator --answer-key`,
	RunE: runGenerate,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List archived worksheets",
	RunE:  runList,
}

var showCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print an archived worksheet as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config", ".", "Directory containing config.yaml")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose debugging output")
	rootCmd.PersistentFlags().StringVar(&provider, "provider", "", "Generation backend: openai or gemini (overrides config)")

	generateCmd.Flags().StringArrayVar(&topics, "topic", nil, `Topic as "Category/Subcategory" (repeatable, required)`)
	generateCmd.Flags().StringVar(&difficulty, "difficulty", worksheetgen.DifficultyMedium, "Difficulty level (easy, medium, hard)")
	generateCmd.Flags().IntVar(&count, "count", 10, "Number of problems (10, 15 or 20)")
	generateCmd.Flags().StringSliceVar(&modifiers, "modifier", nil, "Generation modifier: "+strings.Join(worksheetgen.KnownModifiers(), ", "))
	generateCmd.Flags().BoolVar(&answerKey, "answer-key", false, "Also render an answer key")
	generateCmd.Flags().StringVar(&outDir, "out-dir", ".", "Directory for the PDFs and batch JSON")
	generateCmd.Flags().StringVar(&callerID, "caller", "cli", "Caller ID recorded for usage")
	generateCmd.Flags().BoolVar(&ndjson, "ndjson", false, "Write the raw NDJSON stream to stdout instead of files")
	generateCmd.Flags().BoolVar(&noArchive, "no-archive", false, "Do not record usage or archive the worksheet")
	generateCmd.MarkFlagRequired("topic")

	listCmd.Flags().IntVar(&listLimit, "limit", 20, "Maximum number of worksheets to list")

	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(showCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRequest() (worksheetgen.GenerationRequest, error) {
	req := worksheetgen.GenerationRequest{
		Difficulty:       strings.ToLower(difficulty),
		Count:            count,
		IncludeAnswerKey: answerKey,
	}
	for _, t := range topics {
		category, sub, ok := strings.Cut(t, "/")
		if !ok {
			return req, fmt.Errorf("topic %q must look like Category/Subcategory", t)
		}
		req.Topics = append(req.Topics, worksheetgen.Topic{
			Category:    strings.TrimSpace(category),
			Subcategory: strings.TrimSpace(sub),
		})
	}
	if len(modifiers) > 0 {
		req.Modifiers = make(map[string]bool, len(modifiers))
		for _, m := range modifiers {
			req.Modifiers[strings.TrimSpace(m)] = true
		}
	}
	return req, worksheetgen.ValidateRequest(req)
}

func runGenerate(cmd *cobra.Command, args []string) error {
	req, err := buildRequest()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Timeouts.Request)
	defer cancel()

	backend, err := worksheetgen.NewBackend(ctx, cfg.LLM)
	if err != nil {
		return err
	}

	deps := worksheetgen.Dependencies{
		Backend:  backend,
		Compiler: worksheetgen.NewLatexCompiler(cfg.Render.Engine, cfg.Timeouts.Compile),
		Renderer: worksheetgen.NewLatexRenderer(cfg.Render.Engine, cfg.Timeouts.Render),
	}
	if !noArchive {
		db, err := worksheetgen.OpenWorksheetDB(cfg.Database.Path)
		if err != nil {
			return err
		}
		defer db.Close()
		deps.Usage = db
		deps.Archive = db
	}

	generator, err := worksheetgen.NewWorksheetGenerator(*cfg, deps)
	if err != nil {
		return err
	}

	if ndjson {
		if err := generator.Stream(ctx, req, callerID, os.Stdout); err != nil {
			return errors.New(worksheetgen.CategorizeError(err).Message)
		}
		return nil
	}

	progress := worksheetgen.ProgressFunc(func(ev worksheetgen.ProgressEvent) {
		fmt.Fprintf(os.Stderr, "[%3d%%] %s\n", ev.Percent, ev.Message)
	})
	res, err := generator.Generate(ctx, req, callerID, progress)
	if err != nil {
		worksheetgen.Log().Debug("generation failed", zap.Error(err))
		return errors.New(worksheetgen.CategorizeError(err).Message)
	}
	return writeOutputs(res)
}

func writeOutputs(res *worksheetgen.Result) error {
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	base := filepath.Join(outDir, "worksheet-"+res.Batch.ID)

	data, err := json.MarshalIndent(res.Batch, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal batch: %w", err)
	}
	if err := os.WriteFile(base+".json", data, 0644); err != nil {
		return fmt.Errorf("failed to write batch: %w", err)
	}
	fmt.Printf("Batch saved to: %s.json\n", base)

	if len(res.WorksheetPDF) > 0 {
		if err := os.WriteFile(base+".pdf", res.WorksheetPDF, 0644); err != nil {
			return fmt.Errorf("failed to write worksheet: %w", err)
		}
		fmt.Printf("Worksheet saved to: %s.pdf\n", base)
	}
	if len(res.AnswerKeyPDF) > 0 {
		if err := os.WriteFile(base+"-key.pdf", res.AnswerKeyPDF, 0644); err != nil {
			return fmt.Errorf("failed to write answer key: %w", err)
		}
		fmt.Printf("Answer key saved to: %s-key.pdf\n", base)
	}

	fmt.Printf("Verification: %s", res.Verification.Status)
	if len(res.Regenerated) > 0 {
		fmt.Printf(", rewrote %v", res.Regenerated)
	}
	if n := res.Visuals.Count(worksheetgen.VisualStripped); n > 0 {
		fmt.Printf(", dropped %d diagram(s)", n)
	}
	fmt.Println()
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	db, err := worksheetgen.OpenWorksheetDB(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	worksheets, err := db.ListWorksheets(cmd.Context(), "", listLimit)
	if err != nil {
		return err
	}
	if len(worksheets) == 0 {
		fmt.Println("No worksheets archived yet.")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCREATED\tTOPICS\tDIFFICULTY\tITEMS\tVERIFIED\tREWRITTEN")
	for _, w := range worksheets {
		names := make([]string, 0, len(w.Topics))
		for _, t := range w.Topics {
			names = append(names, t.Subcategory)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%d\n",
			w.ID, w.CreatedAt.Local().Format("2006-01-02 15:04"), strings.Join(names, ", "),
			w.Difficulty, w.NumItems, w.VerificationStatus, w.Regenerated)
	}
	return tw.Flush()
}

func runShow(cmd *cobra.Command, args []string) error {
	db, err := worksheetgen.OpenWorksheetDB(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	ws, err := db.GetWorksheet(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(ws, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal worksheet: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
