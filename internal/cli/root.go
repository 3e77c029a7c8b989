// Package cli implements the sequencer command line.
package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/opencode-ai/sequencer/internal/config"
	"github.com/opencode-ai/sequencer/internal/logging"
	"github.com/spf13/cobra"
)

var (
	cfgFile        string
	logLevel       string
	logFormat      string
	jsonOutput     bool
	jsonlOutput    bool
	nonInteractive bool
	noProgress     bool

	appConfig *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "sequencer",
	Short: "Run event orchestration scenarios",
	Long: `sequencer runs scenarios: named sequences of actions gated by triggers,
optionally grouped under a selection policy, all talking over one message bus.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig()
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default $XDG_CONFIG_HOME/sequencer/config.yaml)")
	flags.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.StringVar(&logFormat, "log-format", "", "log format: auto, console, json")
	flags.BoolVar(&jsonOutput, "json", false, "write JSON output")
	flags.BoolVar(&jsonlOutput, "jsonl", false, "write JSON lines output")
	flags.BoolVar(&nonInteractive, "non-interactive", false, "never prompt")
	flags.BoolVar(&noProgress, "no-progress", false, "suppress progress output")
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		printError(err)
		return err
	}
	return nil
}

// GetConfig returns the loaded configuration, or nil before a command runs.
func GetConfig() *config.Config {
	return appConfig
}

func initConfig() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if strings.TrimSpace(logLevel) != "" {
		cfg.Log.Level = logLevel
	}
	if strings.TrimSpace(logFormat) != "" {
		cfg.Log.Format = logFormat
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format}); err != nil {
		return err
	}
	appConfig = cfg
	return nil
}

// PreflightError is a user-facing error with a hint and a suggested next step.
type PreflightError struct {
	Message  string
	Hint     string
	NextStep string
}

func (e *PreflightError) Error() string {
	return e.Message
}

func printError(err error) {
	if pe, ok := err.(*PreflightError); ok {
		fmt.Fprintln(os.Stderr, colorize("error: "+pe.Message, colorRed))
		if pe.Hint != "" {
			fmt.Fprintln(os.Stderr, "  hint: "+pe.Hint)
		}
		if pe.NextStep != "" {
			fmt.Fprintln(os.Stderr, "  next: "+pe.NextStep)
		}
		return
	}
	fmt.Fprintln(os.Stderr, colorize("error: "+err.Error(), colorRed))
}
