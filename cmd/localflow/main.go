package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Lllllllleong/testcaseflow/internal/gcp"
	"github.com/Lllllllleong/testcaseflow/internal/models"
	"github.com/Lllllllleong/testcaseflow/internal/services"
	"github.com/Lllllllleong/testcaseflow/internal/store"
)

var (
	dbPath  string
	workDir string
)

var rootCmd = &cobra.Command{
	Use:   "localflow",
	Short: "Run the test case pipeline against a local SQLite store",
	Long: `localflow drives the document-to-test-case pipeline on a single
machine. State lives in a SQLite database and blobs in a work directory.
Recognition and generation still call Vertex AI, so GCP_PROJECT must be set
for the extract and generate commands.

Typical session:
  localflow create
  localflow upload <usecase-id> design.pdf
  localflow confirm <usecase-id> extraction
  localflow extract <usecase-id>
  localflow confirm <usecase-id> requirement
  localflow generate <usecase-id> requirement
  localflow status <usecase-id>`,
	SilenceUsage: true,
}

func init() {
	// Command output goes to stdout; keep the log stream quiet unless
	// something goes wrong.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	slog.SetDefault(logger)

	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "testcaseflow.db", "path to the SQLite database")
	rootCmd.PersistentFlags().StringVar(&workDir, "work", ".testcaseflow", "directory for local blobs")

	extractCmd.Flags().Int("workers", 4, "concurrent recognition batches")
	extractCmd.Flags().Int("batch-size", 3, "pages per recognition call")
	generateCmd.Flags().Int("pace", 5, "seconds between generation calls")

	rootCmd.AddCommand(createCmd, uploadCmd, confirmCmd, extractCmd, generateCmd, resetCmd, statusCmd, itemsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.New(color.FgRed).Sprintf("error: %v", err))
		os.Exit(1)
	}
}

func openStore() (*store.SQLite, error) {
	return store.OpenSQLite(dbPath)
}

func newVertexClient(ctx context.Context) (*gcp.VertexClient, error) {
	projectID := gcp.GetEnv("GCP_PROJECT", "")
	if projectID == "" {
		return nil, fmt.Errorf("GCP_PROJECT must be set, recognition and generation call Vertex AI")
	}
	return gcp.NewVertexClient(ctx, projectID, gcp.GetEnv("GCP_LOCATION", "us-central1"))
}

var createCmd = &cobra.Command{
	Use:   "create [id]",
	Short: "Create a new usecase",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		id := uuid.NewString()
		if len(args) == 1 {
			id = args[0]
		}
		u := models.NewUsecase(id, time.Now().UTC())
		if err := st.CreateUsecase(cmd.Context(), u); err != nil {
			return err
		}
		fmt.Printf("created usecase %s\n", color.New(color.FgHiGreen).Sprint(u.ID))
		return nil
	},
}

var uploadCmd = &cobra.Command{
	Use:   "upload <usecase-id> <file>",
	Short: "Register a source document for a usecase",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		usecaseID, srcPath := args[0], args[1]

		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		if _, err := st.GetUsecase(ctx, usecaseID); err != nil {
			return err
		}

		hash, err := hashLocalFile(srcPath)
		if err != nil {
			return err
		}
		if existing, err := st.FindFileByHash(ctx, usecaseID, hash); err != nil {
			return err
		} else if existing != nil {
			fmt.Printf("%s already uploaded as file %s\n",
				filepath.Base(srcPath), color.New(color.FgYellow).Sprint(existing.ID))
			return nil
		}

		destPath := filepath.Join(workDir, "uploads", usecaseID, filepath.Base(srcPath))
		src, err := os.Open(srcPath)
		if err != nil {
			return fmt.Errorf("could not open %s: %w", srcPath, err)
		}
		defer src.Close()
		if err := writeTo(destPath, src); err != nil {
			return err
		}

		file := &models.SourceFile{
			UsecaseID:        usecaseID,
			BlobURI:          destPath,
			OriginalFilename: filepath.Base(srcPath),
			FileHash:         hash,
			Status:           models.StatusNotStarted,
		}
		if err := st.CreateSourceFile(ctx, file); err != nil {
			return err
		}
		fmt.Printf("uploaded %s as file %s\n", filepath.Base(srcPath), color.New(color.FgHiGreen).Sprint(file.ID))
		return nil
	},
}

var confirmCmd = &cobra.Command{
	Use:   "confirm <usecase-id> <stage>",
	Short: "Confirm a stage so its first run can pass the gate",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		stage := models.Stage(args[1])
		if err := services.NewStageTracker(st).Confirm(cmd.Context(), args[0], stage); err != nil {
			return err
		}
		fmt.Printf("confirmed stage %s\n", color.New(color.FgHiGreen).Sprint(stage))
		return nil
	},
}

var extractCmd = &cobra.Command{
	Use:   "extract <usecase-id>",
	Short: "Run extraction for every pending file of a usecase",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		usecaseID := args[0]

		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		vertexClient, err := newVertexClient(ctx)
		if err != nil {
			return err
		}
		defer vertexClient.Close()

		workers, _ := cmd.Flags().GetInt("workers")
		batchSize, _ := cmd.Flags().GetInt("batch-size")
		fn, err := services.NewExtractionFunction(st, localBlobStore{}, gcp.NewGeminiRecognizer(vertexClient), services.ExtractionConfig{
			NumWorkers:       workers,
			BatchSize:        batchSize,
			MaxRetries:       3,
			RetryBackoff:     5 * time.Second,
			RecognizeTimeout: 2 * time.Minute,
			PageUnitBaseURI:  filepath.Join(workDir, "pages"),
		})
		if err != nil {
			return err
		}

		files, err := st.ListSourceFiles(ctx, usecaseID)
		if err != nil {
			return err
		}
		if len(files) == 0 {
			return fmt.Errorf("usecase %s has no uploaded files", usecaseID)
		}

		for _, file := range files {
			if file.Status != models.StatusNotStarted && file.Status != models.StatusFailed {
				continue
			}
			fmt.Printf("extracting %s ...\n", file.OriginalFilename)
			resp, err := fn.Process(ctx, &models.ExtractionRequest{
				UsecaseID:   usecaseID,
				FileID:      file.ID,
				ExecutionID: "localflow",
			})
			if err != nil {
				fmt.Printf("  %s %v\n", color.New(color.FgRed).Sprint("failed:"), err)
				continue
			}
			fmt.Printf("  %s %d pages, %d extracted, %d failed\n",
				color.New(color.FgHiGreen).Sprint("done:"), resp.PageCount, resp.CompletedPages, resp.ErrorPages)
		}
		return printStageLine(ctx, st, usecaseID, models.StageExtraction)
	},
}

var generateCmd = &cobra.Command{
	Use:   "generate <usecase-id> <stage>",
	Short: "Run a generation stage and wait for it to finish",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		usecaseID, stage := args[0], models.Stage(args[1])

		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		vertexClient, err := newVertexClient(ctx)
		if err != nil {
			return err
		}
		defer vertexClient.Close()

		pace, _ := cmd.Flags().GetInt("pace")
		scheduler := services.NewGoScheduler(context.Background())
		fn := services.NewGenerationFunction(st, gcp.NewGeminiGenerator(vertexClient), scheduler, services.GenerationConfig{
			PacingInterval: time.Duration(pace) * time.Second,
			CallTimeout:    5 * time.Minute,
		})

		if err := fn.Start(ctx, usecaseID, stage); err != nil {
			return err
		}
		fmt.Printf("generating %s ...\n", stage)
		scheduler.Wait()

		count, err := st.CountGeneratedItems(ctx, usecaseID, stage)
		if err != nil {
			return err
		}
		fmt.Printf("%d %s items\n", count, stage)
		return printStageLine(ctx, st, usecaseID, stage)
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset <usecase-id> <stage>",
	Short: "Return a terminal stage to NOT_STARTED",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		stage := models.Stage(args[1])
		if err := services.NewStageTracker(st).Reset(cmd.Context(), args[0], stage); err != nil {
			return err
		}
		fmt.Printf("reset stage %s\n", color.New(color.FgHiGreen).Sprint(stage))
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <usecase-id>",
	Short: "Show stages, files and item counts for a usecase",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		usecaseID := args[0]

		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		u, err := st.GetUsecase(ctx, usecaseID)
		if err != nil {
			return err
		}
		fmt.Printf("Usecase %s\n", color.New(color.FgHiCyan).Sprint(u.ID))
		for _, stage := range models.Stages {
			state, _ := u.Stage(stage)
			confirmed := ""
			if state.Confirmed {
				confirmed = "  (confirmed)"
			}
			fmt.Printf("  %-12s %s%s\n", stage, statusColor(state.Status).Sprint(state.Status), confirmed)
		}

		files, err := st.ListSourceFiles(ctx, usecaseID)
		if err != nil {
			return err
		}
		if len(files) > 0 {
			fmt.Println("Files:")
			for _, f := range files {
				fmt.Printf("  %-36s %-20s %s", f.ID, f.OriginalFilename, statusColor(f.Status).Sprint(f.Status))
				if f.PageCount > 0 {
					fmt.Printf("  %d pages, %d extracted, %d failed", f.PageCount, f.CompletedPages, f.ErrorPages)
				}
				fmt.Println()
			}
		}

		fmt.Println("Items:")
		for _, stage := range models.Stages {
			if !stage.GeneratesItems() {
				continue
			}
			count, err := st.CountGeneratedItems(ctx, usecaseID, stage)
			if err != nil {
				return err
			}
			fmt.Printf("  %-12s %d\n", stage, count)
		}
		return nil
	},
}

var itemsCmd = &cobra.Command{
	Use:   "items <usecase-id> <kind>",
	Short: "List generated items of one kind",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		items, err := st.ListGeneratedItems(cmd.Context(), args[0], models.Stage(args[1]))
		if err != nil {
			return err
		}
		for _, item := range items {
			fmt.Printf("%4d  %s\n", item.DisplayID, string(item.Payload))
		}
		if len(items) == 0 {
			fmt.Println("no items")
		}
		return nil
	},
}

func printStageLine(ctx context.Context, st *store.SQLite, usecaseID string, stage models.Stage) error {
	u, err := st.GetUsecase(ctx, usecaseID)
	if err != nil {
		return err
	}
	state, _ := u.Stage(stage)
	fmt.Printf("stage %s is %s\n", stage, statusColor(state.Status).Sprint(state.Status))
	return nil
}

func statusColor(s models.Status) *color.Color {
	switch s {
	case models.StatusCompleted:
		return color.New(color.FgHiGreen)
	case models.StatusInProgress:
		return color.New(color.FgYellow)
	case models.StatusFailed:
		return color.New(color.FgRed)
	default:
		return color.New(color.FgHiBlue)
	}
}

func hashLocalFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("could not open %s: %w", path, err)
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("could not hash %s: %w", path, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
