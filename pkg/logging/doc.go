// Package logging provides structured logging for all procflow session
// subsystems on top of log/slog.
//
// Components log through subsystem-tagged helpers (Debug, Info, Warn, Error)
// so every line carries the component that produced it. Security-relevant
// events (token persistence, refresh attempts, sign-out, recovery) use
// Audit, which emits a structured SECURITY_AUDIT record with a stable event
// name instead of free-text.
//
// Token values are never logged. Identifiers that must appear in the audit
// trail are shortened with TruncateToken first.
package logging
