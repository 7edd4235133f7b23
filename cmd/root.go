package cmd

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"procflow/internal/session"
	"procflow/pkg/logging"
	"procflow/pkg/oauth"
)

// Exit codes for CLI commands. These follow common conventions so
// scripts can react to authentication states.
const (
	// ExitCodeSuccess indicates successful execution.
	ExitCodeSuccess = 0
	// ExitCodeError indicates a general error.
	ExitCodeError = 1
	// ExitCodeAuthRequired indicates no usable session is available.
	ExitCodeAuthRequired = 2
	// ExitCodeAuthFailed indicates the sign-in flow itself failed.
	ExitCodeAuthFailed = 3
)

// Global flags shared by all subcommands.
var (
	configPath string
	logDebug   bool
	quiet      bool
)

// rootCmd is the entry point when the application is called without any
// subcommands.
var rootCmd = &cobra.Command{
	Use:   "procflow-session",
	Short: "Manage the procflow workstation session",
	Long: `procflow-session keeps the shared sign-in session for all procflow
tools on this workstation: it signs in, refreshes tokens before they
expire, and coordinates session state across concurrently running
procflow processes.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := logging.LevelInfo
		if logDebug {
			level = logging.LevelDebug
		}
		if quiet {
			level = logging.LevelError
		}
		logging.Init(level, os.Stderr)
	},
}

// SetVersion sets the version for the root command. Called from main to
// inject the build version.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute runs the CLI. Called by main.main().
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "procflow-session version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(getExitCode(err))
	}
}

// getExitCode maps error types to semantic exit codes.
func getExitCode(err error) int {
	if errors.Is(err, session.ErrNoCredential) {
		return ExitCodeAuthRequired
	}

	var srvErr *oauth.ServerError
	if errors.As(err, &srvErr) {
		if oauth.IsSilentAuthFailure(err) || srvErr.Code == oauth.ErrorCodeInvalidGrant {
			return ExitCodeAuthRequired
		}
		return ExitCodeAuthFailed
	}

	return ExitCodeError
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config directory (default is $HOME/.config/procflow)")
	rootCmd.PersistentFlags().BoolVar(&logDebug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress informational output")

	rootCmd.AddCommand(newLoginCmd())
	rootCmd.AddCommand(newLogoutCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())
}
