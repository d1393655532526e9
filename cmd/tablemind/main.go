// -----------------------------------------------------------------------
// tablemind - run LLM prompts over every row of a table
// -----------------------------------------------------------------------

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/tablemind/internal/app"
	"github.com/ternarybob/tablemind/internal/common"
)

var (
	// Global flags
	configFiles []string
	userID      string

	// Global state, resolved in PersistentPreRunE
	config *common.Config
	logger arbor.ILogger
)

var rootCmd = &cobra.Command{
	Use:           "tablemind",
	Short:         "Apply an LLM prompt to every row of a spreadsheet",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Auto-discover config file if not specified
		if len(configFiles) == 0 {
			if _, err := os.Stat("tablemind.toml"); err == nil {
				configFiles = append(configFiles, "tablemind.toml")
			} else if _, err := os.Stat("deployments/local/tablemind.toml"); err == nil {
				configFiles = append(configFiles, "deployments/local/tablemind.toml")
			}
		}

		var err error
		config, err = common.LoadFromFiles(configFiles...)
		if err != nil {
			return fmt.Errorf("failed to load configuration %v: %w", configFiles, err)
		}
		logger = common.InitLogger(config)
		common.InstallCrashHandler(config.Logging.CrashDir)

		logger.Debug().
			Strs("config_files", configFiles).
			Str("log_level", config.Logging.Level).
			Strs("log_output", config.Logging.Output).
			Msg("Configuration loaded")
		return nil
	},
}

func init() {
	defaultUser := os.Getenv("TABLEMIND_USER")
	if defaultUser == "" {
		defaultUser = "local"
	}

	rootCmd.PersistentFlags().StringSliceVarP(&configFiles, "config", "c", nil, "Configuration file path (repeatable, later files override earlier ones)")
	rootCmd.PersistentFlags().StringVarP(&userID, "user", "u", defaultUser, "User the command acts for")

	rootCmd.AddCommand(
		workerCmd,
		estimateCmd,
		submitCmd,
		statusCmd,
		resultsCmd,
		exportCmd,
		cancelCmd,
		deleteCmd,
		jobsCmd,
		modelsCmd,
		seedCmd,
		keygenCmd,
		versionCmd,
	)
}

// withApp builds the application for one command and closes it afterwards
func withApp(fn func(a *app.App) error) error {
	a, err := app.New(config, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func main() {
	defer common.RecoverWithCrashFile()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}
