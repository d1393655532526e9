package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/ternarybob/tablemind/internal/models"
	jobsvc "github.com/ternarybob/tablemind/internal/services/jobs"
)

func printEstimate(w io.Writer, est *models.EstimateResult) {
	fmt.Fprintf(w, "rows:          %d (sampled %d)\n", est.TotalRows, est.SampledRows)
	fmt.Fprintf(w, "input tokens:  %d\n", est.InputTokens)
	fmt.Fprintf(w, "output tokens: %d (verbosity %.2f)\n", est.OutputTokens, est.Verbosity)
	fmt.Fprintf(w, "cost:          %d %s (input %d, output %d, fee %d)\n",
		est.Cost.Total, est.Cost.Currency, est.Cost.InputCost, est.Cost.OutputCost, est.Cost.HandlingFee)
	fmt.Fprintf(w, "risk:          %s\n", est.Risk)
	if est.UsedFallback {
		fmt.Fprintln(w, "note:          token counts used the character fallback")
	}
}

func printStatus(w io.Writer, s *jobsvc.Status) {
	fmt.Fprintf(w, "job:        %s\n", s.Job.ID)
	fmt.Fprintf(w, "status:     %s\n", s.Job.Status)
	fmt.Fprintf(w, "generation: %d\n", s.Job.Generation)
	fmt.Fprintf(w, "progress:   %.1f%%\n", s.Percent)
	fmt.Fprintf(w, "chunks:     %d total, %d queued, %d running, %d finished, %d failed, %d cancelled\n",
		s.Stats.Total, s.Stats.Queued, s.Stats.Running, s.Stats.Finished, s.Stats.Failed, s.Stats.Cancelled)
	fmt.Fprintf(w, "tokens:     %d in / %d out (estimated %d / %d)\n",
		s.Job.ActualInputTokens, s.Job.ActualOutputTokens, s.Job.EstimatedInputTokens, s.Job.EstimatedOutputTokens)
	if s.Task != nil {
		fmt.Fprintf(w, "task:       %s %s\n", s.Task.ID, s.Task.State)
	}
	if s.Job.Error != "" {
		fmt.Fprintf(w, "error:      %s\n", s.Job.Error)
	}
}

func printJobs(w io.Writer, jobs []*models.Job) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tGEN\tCHUNKS\tROWS\tCREATED")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\n",
			j.ID, j.Status, j.Generation, j.TotalChunks, j.TotalRows, j.CreatedAt.Format(time.RFC3339))
	}
	tw.Flush()
}

func printModels(w io.Writer, list []*models.Model) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tPROVIDER\tACTIVE\tPREMIUM\tMAX OUT")
	for _, m := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%t\t%d\n", m.ID, m.Name, m.Provider, m.Active, m.Premium, m.MaxOutputTokens)
	}
	tw.Flush()
}
