// Package guard detects authentication retry loops and blocks automatic
// attempts that would perpetuate them. Attempt history is session scoped
// and kept in memory only.
package guard

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"procflow/pkg/logging"
)

// AttemptKind distinguishes who initiated an authentication attempt.
type AttemptKind string

const (
	// AttemptAuto marks attempts initiated by the system (scheduler,
	// interceptor, bootstrap).
	AttemptAuto AttemptKind = "auto"

	// AttemptManual marks attempts explicitly initiated by the user.
	AttemptManual AttemptKind = "manual"
)

const (
	// maxRecords bounds the in-memory attempt history.
	maxRecords = 50

	// DefaultWindow is the rolling window over which failures count
	// toward loop detection.
	DefaultWindow = 2 * time.Minute

	// DefaultFailureThreshold is the number of matching failures that
	// blocks further automatic attempts.
	DefaultFailureThreshold = 3

	// burstWindow is the short span used to detect rapid-fire attempts.
	burstWindow = 30 * time.Second
)

// AttemptRecord captures one authentication attempt.
type AttemptRecord struct {
	Kind           AttemptKind
	Success        bool
	ErrorSignature string
	Path           string
	Timestamp      time.Time
}

// Decision is the answer to CanAttempt.
type Decision struct {
	Allowed         bool
	Reason          string
	SuggestedAction string
}

// LoopAssessment is the result of DetectLoop. Confidence ranges 0 to 100.
type LoopAssessment struct {
	InLoop     bool
	Confidence int
	Indicators []string
}

// RecoveryAction is one ranked suggestion for breaking a detected loop.
// Lower Rank means try first.
type RecoveryAction struct {
	Rank        int
	Action      string
	Description string
}

// Guard tracks attempt history and decides whether a new automatic
// attempt may proceed.
type Guard struct {
	mu sync.RWMutex

	records          []AttemptRecord
	window           time.Duration
	failureThreshold int

	now func() time.Time
}

// Option customizes a Guard.
type Option func(*Guard)

// WithWindow overrides the rolling detection window.
func WithWindow(d time.Duration) Option {
	return func(g *Guard) { g.window = d }
}

// WithFailureThreshold overrides the failure count that blocks automatic
// attempts.
func WithFailureThreshold(n int) Option {
	return func(g *Guard) { g.failureThreshold = n }
}

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// New creates a Guard with an empty history.
func New(opts ...Option) *Guard {
	g := &Guard{
		window:           DefaultWindow,
		failureThreshold: DefaultFailureThreshold,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Record appends an attempt to the history. A zero Timestamp is filled
// with the current time. The history is bounded; the oldest record is
// evicted once the bound is reached.
func (g *Guard) Record(record AttemptRecord) {
	if record.Timestamp.IsZero() {
		record.Timestamp = g.now()
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.records = append(g.records, record)
	if len(g.records) > maxRecords {
		g.records = g.records[len(g.records)-maxRecords:]
	}

	if !record.Success {
		logging.Debug("Guard", "Recorded failed %s attempt: signature=%s path=%s",
			record.Kind, record.ErrorSignature, record.Path)
	}
}

// CanAttempt reports whether a new attempt of the given kind may proceed.
// Manual attempts are always allowed. Automatic attempts are blocked once
// the recent history shows a likely loop.
func (g *Guard) CanAttempt(kind AttemptKind) Decision {
	if kind == AttemptManual {
		return Decision{Allowed: true, Reason: "manual attempts are always permitted"}
	}

	assessment := g.DetectLoop()
	if !assessment.InLoop {
		return Decision{Allowed: true, Reason: "no loop detected"}
	}

	actions := g.RecoveryActions()
	suggested := "retry later"
	if len(actions) > 0 {
		suggested = actions[0].Action
	}

	logging.Audit("auth_attempt_blocked",
		slog.Int("confidence", assessment.Confidence),
	)

	return Decision{
		Allowed:         false,
		Reason:          fmt.Sprintf("authentication loop detected (confidence %d)", assessment.Confidence),
		SuggestedAction: suggested,
	}
}

// DetectLoop combines burst rate, repeated error signatures, and repeated
// paths into a confidence score.
func (g *Guard) DetectLoop() LoopAssessment {
	g.mu.RLock()
	defer g.mu.RUnlock()

	now := g.now()
	var (
		recentFailures []AttemptRecord
		burstCount     int
	)
	for _, r := range g.records {
		if r.Success || now.Sub(r.Timestamp) > g.window {
			continue
		}
		recentFailures = append(recentFailures, r)
		if now.Sub(r.Timestamp) <= burstWindow {
			burstCount++
		}
	}

	assessment := LoopAssessment{}
	if len(recentFailures) == 0 {
		return assessment
	}

	signatures := make(map[string]int)
	paths := make(map[string]int)
	for _, r := range recentFailures {
		signatures[r.ErrorSignature]++
		paths[r.Path]++
	}

	maxSignature := 0
	for _, n := range signatures {
		if n > maxSignature {
			maxSignature = n
		}
	}
	maxPath := 0
	for _, n := range paths {
		if n > maxPath {
			maxPath = n
		}
	}

	confidence := 0
	if maxSignature >= g.failureThreshold {
		confidence += 40
		assessment.Indicators = append(assessment.Indicators,
			fmt.Sprintf("%d failures with identical error signature", maxSignature))
	}
	if maxPath >= g.failureThreshold {
		confidence += 30
		assessment.Indicators = append(assessment.Indicators,
			fmt.Sprintf("%d failures on the same path", maxPath))
	}
	if burstCount >= g.failureThreshold {
		confidence += 30
		assessment.Indicators = append(assessment.Indicators,
			fmt.Sprintf("%d failures within %s", burstCount, burstWindow))
	}

	if confidence > 100 {
		confidence = 100
	}
	assessment.Confidence = confidence
	assessment.InLoop = maxSignature >= g.failureThreshold && maxPath >= g.failureThreshold

	return assessment
}

// RecoveryActions returns suggestions for breaking a loop, ordered by
// preference.
func (g *Guard) RecoveryActions() []RecoveryAction {
	return []RecoveryAction{
		{Rank: 1, Action: "manual_login", Description: "Sign in interactively with the login command"},
		{Rank: 2, Action: "clear_session", Description: "Sign out to clear the stored credential, then sign in again"},
		{Rank: 3, Action: "wait_and_retry", Description: "Wait a few minutes before retrying; the identity provider may be degraded"},
		{Rank: 4, Action: "check_configuration", Description: "Verify the configured issuer URL and client ID"},
	}
}

// ManualReset clears the attempt history. Intended for explicit user
// action after resolving the underlying problem.
func (g *Guard) ManualReset() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.records = nil
	logging.Info("Guard", "Attempt history cleared by manual reset")
}

// History returns a copy of the recorded attempts, oldest first.
func (g *Guard) History() []AttemptRecord {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]AttemptRecord, len(g.records))
	copy(out, g.records)
	return out
}
