package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/hikarukin/kagami/internal/config"
	kgerr "github.com/hikarukin/kagami/internal/errors"
	"github.com/hikarukin/kagami/internal/logger"

	"github.com/spf13/cobra"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "kagami",
	Short: "Session state synchronization daemon",
	Long: `Kagami keeps durable session state in a single SQLite database and
mirrors it into a token-budgeted JSON view file that external tools can
read and, within an allow list, edit. The daemon watches the view file
and folds edits back into the store; the store always wins conflicts.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cmd)
		if err != nil {
			return err
		}

		logger.Setup(cfg.Daemon.LogLevel)
		return nil
	},
}

// Exit codes follow sysexits conventions so scripts can branch on the
// failure class.
const (
	exitUsage       = 64
	exitData        = 65
	exitUnavailable = 69
	exitSoftware    = 70
	exitIOError     = 74
	exitTempFail    = 75
)

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, kgerr.ErrInvalidInput), errors.Is(err, kgerr.ErrValidation):
		return exitUsage
	case errors.Is(err, kgerr.ErrParse):
		return exitData
	case errors.Is(err, kgerr.ErrNotFound):
		return exitUnavailable
	case errors.Is(err, kgerr.ErrIO):
		return exitIOError
	case errors.Is(err, kgerr.ErrConflict), errors.Is(err, kgerr.ErrStaleVersion),
		errors.Is(err, kgerr.ErrResourceExceeded):
		return exitTempFail
	default:
		return exitSoftware
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.kagami/config.yaml)")
	rootCmd.PersistentFlags().String("daemon.log_level", config.DefaultDaemonLogLevel, "log level (debug, info, warn, error)")
}
