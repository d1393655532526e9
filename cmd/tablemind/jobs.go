package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/ternarybob/tablemind/internal/app"
)

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show a job's status and chunk progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app.App) error {
			status, err := a.Jobs.Status(cmd.Context(), userID, args[0])
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), status)
			return nil
		})
	},
}

var resultsCmd = &cobra.Command{
	Use:   "results <job-id>",
	Short: "Print the rows of finished chunks as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app.App) error {
			set, err := a.Jobs.Results(cmd.Context(), userID, args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(set.Rows)
		})
	},
}

var (
	exportFormat  string
	exportNoInput bool
)

var exportCmd = &cobra.Command{
	Use:   "export <job-id>",
	Short: "Write a job's results to a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app.App) error {
			var includeInput *bool
			if cmd.Flags().Changed("no-input") {
				include := !exportNoInput
				includeInput = &include
			}
			path, err := a.Jobs.Export(cmd.Context(), userID, args[0], exportFormat, includeInput)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		})
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a queued or running job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app.App) error {
			job, err := a.Jobs.Cancel(cmd.Context(), userID, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", job.ID, job.Status)
			return nil
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <job-id>",
	Short: "Delete a job and its chunks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app.App) error {
			if err := a.Jobs.Delete(cmd.Context(), userID, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s deleted\n", args[0])
			return nil
		})
	},
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List the user's jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app.App) error {
			jobs, err := a.Jobs.List(cmd.Context(), userID)
			if err != nil {
				return err
			}
			printJobs(cmd.OutOrStdout(), jobs)
			return nil
		})
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFormat, "format", "", "csv, tsv, xlsx or json (default: follows the source file)")
	exportCmd.Flags().BoolVar(&exportNoInput, "no-input", false, "Leave the input columns out")
}
