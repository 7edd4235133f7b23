package cmd

import (
	"fmt"
	"time"

	"github.com/briandowns/spinner"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"procflow/internal/login"
)

// newLoginCmd creates the interactive sign-in command.
func newLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Sign in through the browser",
		Long: `Sign in to the plant identity provider through the system browser.

The browser opens the provider's sign-in page; after completing it, the
session is stored encrypted on this workstation and shared with all
procflow processes.`,
		RunE: runLogin,
	}
}

func runLogin(cmd *cobra.Command, args []string) error {
	c, err := buildComponents()
	if err != nil {
		return err
	}
	defer c.close()

	flow, err := login.New(login.Config{
		Client:       c.client,
		Issuer:       c.cfg.Auth.Issuer,
		ClientID:     c.cfg.Auth.ClientID,
		Scope:        c.cfg.Auth.Scope,
		CallbackPort: c.cfg.Auth.CallbackPort,
		Prompt: func(url string) {
			fmt.Fprintf(cmd.OutOrStdout(), "Open this URL to sign in:\n\n  %s\n\n", url)
		},
	})
	if err != nil {
		return err
	}

	var s *spinner.Spinner
	if !quiet {
		s = spinner.New(spinner.CharSets[14], 100*time.Millisecond)
		s.Suffix = " Waiting for sign-in to complete in the browser..."
		s.Start()
	}

	token, err := flow.Run(cmd.Context())
	if s != nil {
		s.Stop()
	}
	if err != nil {
		return fmt.Errorf("sign-in failed: %w", err)
	}

	if err := c.coordinator.Adopt(token); err != nil {
		return err
	}
	// A completed interactive login invalidates any loop-detection state
	// accumulated from earlier automatic failures.
	c.guard.ManualReset()

	if !quiet {
		fmt.Fprintf(cmd.OutOrStdout(), "%s Signed in. Session valid until %s.\n",
			text.FgGreen.Sprint("✓"),
			token.ExpiresAt.Local().Format(time.RFC1123))
	}
	return nil
}
