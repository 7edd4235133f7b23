package cmd

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
)

// newLogoutCmd creates the sign-out command.
func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and clear the stored session",
		Long: `Sign out of the current session.

Revokes the tokens with the identity provider where possible, removes
the encrypted credential from this workstation, and notifies every
other procflow process so they drop the session too.`,
		RunE: runLogout,
	}
}

func runLogout(cmd *cobra.Command, args []string) error {
	c, err := buildComponents()
	if err != nil {
		return err
	}
	defer c.close()

	if !c.coordinator.Authenticated() {
		if !quiet {
			fmt.Fprintln(cmd.OutOrStdout(), "No active session.")
		}
		return nil
	}

	if err := c.coordinator.SignOut(cmd.Context()); err != nil {
		return fmt.Errorf("sign-out failed: %w", err)
	}

	if !quiet {
		fmt.Fprintf(cmd.OutOrStdout(), "%s Signed out.\n", text.FgGreen.Sprint("✓"))
	}
	return nil
}
