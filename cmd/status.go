package cmd

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"procflow/internal/session"
	"procflow/pkg/oauth"
)

// newStatusCmd creates the session status command.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current session status",
		Long: `Show the current workstation session status.

Displays whether a session is active, who it belongs to, and when the
access token expires. Exits with code 2 when no usable session exists,
so scripts can gate on authentication.`,
		RunE: runStatus,
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	c, err := buildComponents()
	if err != nil {
		return err
	}
	defer c.close()

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Procflow Session")
	fmt.Fprintf(out, "  Issuer:    %s\n", c.cfg.Auth.Issuer)

	token := c.coordinator.Current()
	if token == nil || (token.IsExpired() && !token.HasUsableRefreshToken()) {
		fmt.Fprintf(out, "  Status:    %s\n", text.FgYellow.Sprint("Not signed in"))
		fmt.Fprintln(out, "             Run: procflow-session login")
		return fmt.Errorf("not signed in: %w", session.ErrNoCredential)
	}

	if token.IsExpired() && token.HasUsableRefreshToken() {
		fmt.Fprintf(out, "  Status:    %s\n", text.FgYellow.Sprint("Expired (refresh available)"))
	} else {
		fmt.Fprintf(out, "  Status:    %s\n", text.FgGreen.Sprint("Signed in"))
	}

	if meta, err := c.vault.LoadSessionMeta(); err == nil && meta != nil {
		if meta.Subject != "" {
			fmt.Fprintf(out, "  Subject:   %s\n", meta.Subject)
		}
		if meta.Scope != "" {
			fmt.Fprintf(out, "  Scope:     %s\n", meta.Scope)
		}
	}

	if !token.ExpiresAt.IsZero() {
		fmt.Fprintf(out, "  Expires:   %s\n", formatExpiryWithDirection(token.ExpiresAt))
	}
	if token.HasUsableRefreshToken() {
		fmt.Fprintf(out, "  Refresh:   %s\n", text.FgGreen.Sprint("Available"))
	} else {
		fmt.Fprintf(out, "  Refresh:   %s\n", text.FgYellow.Sprint("Not available (sign in again on expiry)"))
	}

	if remaining := token.Remaining(); remaining > 0 && remaining < oauth.RefreshThreshold {
		fmt.Fprintf(out, "  Note:      %s\n", text.FgYellow.Sprint("Token is near expiry; the next request will refresh it"))
	}

	// Verify against the backend: a locally fresh token may already have
	// been invalidated server-side.
	if c.cfg.Server.BaseURL != "" {
		fmt.Fprintf(out, "  Backend:   %s\n", checkBackend(cmd.Context(), c))
	}

	return nil
}

// checkBackend probes the configured backend through the authenticated
// transport, which refreshes the session on a 401 before answering.
func checkBackend(ctx context.Context, c *components) string {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.Server.BaseURL, nil)
	if err != nil {
		return text.FgRed.Sprintf("invalid base URL: %v", err)
	}

	resp, err := c.backend.Do(req)
	if err != nil {
		return text.FgRed.Sprintf("unreachable (%v)", err)
	}
	resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return text.FgYellow.Sprint("session rejected by server")
	}
	return text.FgGreen.Sprint("reachable")
}

// formatExpiryWithDirection renders an expiry time relative to now,
// highlighting already expired tokens.
func formatExpiryWithDirection(expiresAt time.Time) string {
	remaining := time.Until(expiresAt)
	if remaining > 0 {
		return "in " + formatDuration(remaining)
	}
	return text.FgRed.Sprintf("expired %s ago", formatDuration(-remaining))
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return "< 1 minute"
	}
	if d < time.Hour {
		minutes := int(d.Minutes())
		if minutes == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", minutes)
	}
	if d < 24*time.Hour {
		hours := int(d.Hours())
		if hours == 1 {
			return "1 hour"
		}
		return fmt.Sprintf("%d hours", hours)
	}
	days := int(d.Hours() / 24)
	if days == 1 {
		return "1 day"
	}
	return fmt.Sprintf("%d days", days)
}
