package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/ternarybob/tablemind/internal/app"
	"github.com/ternarybob/tablemind/internal/models"
	jobsvc "github.com/ternarybob/tablemind/internal/services/jobs"
)

// requestFlags are shared by estimate and submit
type requestFlags struct {
	prompt      string
	promptFile  string
	file        string
	mediaType   string
	model       string
	granularity string
	focus       string
	verbosity   string
	chunkSize   int
	sampleSize  int
}

func (f *requestFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.prompt, "prompt", "p", "", "Prompt applied to every row")
	cmd.Flags().StringVar(&f.promptFile, "prompt-file", "", "Read the prompt from a file")
	cmd.Flags().StringVarP(&f.file, "file", "f", "", "Dataset file (csv, tsv, xlsx)")
	cmd.Flags().StringVar(&f.mediaType, "type", "", "Declared media type (default: from the file extension)")
	cmd.Flags().StringVarP(&f.model, "model", "m", "", "Model ID or name")
	cmd.Flags().StringVarP(&f.granularity, "granularity", "g", string(models.GranularityPerRow), "PER_ROW or PER_CELL")
	cmd.Flags().StringVar(&f.focus, "focus", "", "Focus column for PER_CELL")
	cmd.Flags().StringVar(&f.verbosity, "verbosity", "BALANCED", "MINIMAL, CONCISE, BALANCED, DESCRIPTIVE, VERBOSE or a ratio between 0.1 and 2.0")
	cmd.Flags().IntVar(&f.chunkSize, "chunk-size", 0, "Rows per chunk (default: from config)")
	cmd.Flags().IntVar(&f.sampleSize, "sample", 0, "Rows sampled for the estimate (default: from config)")
	_ = cmd.MarkFlagRequired("file")
	_ = cmd.MarkFlagRequired("model")
}

// request registers the prompt and dataset and builds the job request
func (f *requestFlags) request(ctx context.Context, a *app.App) (*jobsvc.Request, error) {
	text := f.prompt
	if f.promptFile != "" {
		data, err := os.ReadFile(f.promptFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read prompt file: %w", err)
		}
		text = string(data)
	}

	granularity, err := models.ParseGranularity(f.granularity)
	if err != nil {
		return nil, err
	}
	verbosity, err := models.ParseVerbosity(f.verbosity)
	if err != nil {
		return nil, err
	}

	prompt, err := a.Catalog.RegisterPrompt(ctx, userID, text)
	if err != nil {
		return nil, err
	}
	media, err := a.Catalog.RegisterMedia(ctx, userID, f.file, models.MediaType(f.mediaType))
	if err != nil {
		return nil, err
	}

	return &jobsvc.Request{
		UserID:      userID,
		PromptID:    prompt.ID,
		MediaID:     media.ID,
		ModelID:     f.model,
		Granularity: granularity,
		FocusColumn: f.focus,
		Verbosity:   verbosity,
		ChunkSize:   f.chunkSize,
		SampleSize:  f.sampleSize,
	}, nil
}

var (
	estimateFlags requestFlags
	submitFlags   requestFlags
	submitWait    bool
	submitPoll    time.Duration
)

var estimateCmd = &cobra.Command{
	Use:   "estimate",
	Short: "Project tokens, cost and risk without creating a job",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app.App) error {
			ctx := cmd.Context()
			req, err := estimateFlags.request(ctx, a)
			if err != nil {
				return err
			}
			est, err := a.Jobs.Estimate(ctx, req)
			if err != nil {
				return err
			}
			printEstimate(cmd.OutOrStdout(), est)
			return nil
		})
	},
}

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Estimate, create and queue a job",
	Long: `Submits a job for the prompt, dataset and model. Submitting the same
combination again reuses the job with a fresh set of chunks. With --wait the
job is processed in this process and the command returns when it ends.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app.App) error {
			ctx := cmd.Context()
			req, err := submitFlags.request(ctx, a)
			if err != nil {
				return err
			}
			sub, err := a.Jobs.Submit(ctx, req)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			printEstimate(out, sub.Estimate)
			fmt.Fprintf(out, "\njob:     %s (generation %d, reused: %t)\n", sub.Job.ID, sub.Job.Generation, sub.Reused)
			fmt.Fprintf(out, "chunks:  %d\n", sub.Job.TotalChunks)
			if sub.TaskID != "" {
				fmt.Fprintf(out, "task:    %s\n", sub.TaskID)
			}

			if !submitWait || sub.Job.Status.IsTerminal() {
				return nil
			}
			if err := a.StartWorker(); err != nil {
				return err
			}
			return waitForJob(ctx, a, sub.Job.ID, submitPoll, cmd)
		})
	},
}

func init() {
	estimateFlags.bind(estimateCmd)
	submitFlags.bind(submitCmd)
	submitCmd.Flags().BoolVarP(&submitWait, "wait", "w", false, "Process the job here and wait for it to end")
	submitCmd.Flags().DurationVar(&submitPoll, "poll", 2*time.Second, "Progress interval with --wait")
}

// waitForJob prints progress until the job reaches a terminal status
func waitForJob(ctx context.Context, a *app.App, jobID string, every time.Duration, cmd *cobra.Command) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	out := cmd.OutOrStdout()
	for {
		status, err := a.Jobs.Status(ctx, userID, jobID)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s  %5.1f%%  finished %d  failed %d  of %d\n",
			status.Job.Status, status.Percent, status.Stats.Finished, status.Stats.Failed, status.Stats.Total)
		if status.Job.Status.IsTerminal() {
			if status.Job.Error != "" {
				fmt.Fprintf(out, "error: %s\n", status.Job.Error)
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
