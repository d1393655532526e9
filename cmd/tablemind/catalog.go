package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/ternarybob/tablemind/internal/app"
	"github.com/ternarybob/tablemind/internal/secrets"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List catalog models",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app.App) error {
			list, err := a.Catalog.ListModels(cmd.Context())
			if err != nil {
				return err
			}
			printModels(cmd.OutOrStdout(), list)
			return nil
		})
	},
}

var seedCmd = &cobra.Command{
	Use:   "seed <file>",
	Short: "Load tiers, users, models and API keys from a TOML or YAML file",
	Long: `Upserts catalog entries. API key values may reference variables as
{NAME}, resolved from the environment and then the configured .env file.
Keys whose reference stays unresolved are skipped.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app.App) error {
			summary, err := a.SeedCatalog(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "tiers %d, users %d, models %d, keys %d, skipped %d\n",
				summary.Tiers, summary.Users, summary.Models, summary.Keys, summary.Skipped)
			return nil
		})
	},
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a secrets key for [secrets] key",
	// No configuration needed
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := secrets.GenerateKey()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), key)
		return nil
	},
}
