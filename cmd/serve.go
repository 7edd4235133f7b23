package cmd

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"procflow/internal/session"
	"procflow/pkg/logging"
)

// newServeCmd creates the long-running session keeper command.
func newServeCmd() *cobra.Command {
	var refreshInterval time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Keep the workstation session alive",
		Long: `Run the session keeper in the foreground.

Bootstraps the session (hydrating the stored credential, syncing with
the identity provider, and attempting silent sign-in when needed),
then keeps it alive: tokens are refreshed before they expire, and
session changes from other procflow processes are picked up as they
happen. Stops on SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, refreshInterval)
		},
	}
	cmd.Flags().DurationVar(&refreshInterval, "refresh-interval", session.DefaultSchedulerInterval, "how often to check whether the token needs refreshing")
	return cmd
}

func runServe(cmd *cobra.Command, refreshInterval time.Duration) error {
	c, err := buildComponents()
	if err != nil {
		return err
	}
	defer c.close()

	if err := c.bus.Start(); err != nil {
		return fmt.Errorf("failed to start sync bus: %w", err)
	}

	bootstrap, err := session.NewBootstrap(session.BootstrapConfig{
		Coordinator: c.coordinator,
		Client:      c.client,
		Issuer:      c.cfg.Auth.Issuer,
		OnTransition: func(state session.State) {
			logging.Info("Serve", "Bootstrap state: %s", state)
		},
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := bootstrap.Run(ctx); err != nil {
		logging.Warn("Serve", "Bootstrap did not reach ready: %v", err)
	}

	status := bootstrap.Status()
	if status.Authenticated {
		logging.Info("Serve", "Session active, keeping it alive")
	} else {
		logging.Info("Serve", "No active session; run 'procflow-session login' to sign in")
		if status.RecommendedAction != "" {
			logging.Info("Serve", "Recommended action: %s", status.RecommendedAction)
		}
	}

	scheduler := session.NewScheduler(c.coordinator, session.WithInterval(refreshInterval))
	scheduler.Start()
	defer scheduler.Stop()

	if !quiet {
		fmt.Fprintln(cmd.OutOrStdout(), "Session keeper running. Press Ctrl+C to stop.")
	}

	<-ctx.Done()
	logging.Info("Serve", "Shutting down")
	return nil
}
