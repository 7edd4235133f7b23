package guard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func failedAttempt(signature, path string, at time.Time) AttemptRecord {
	return AttemptRecord{
		Kind:           AttemptAuto,
		Success:        false,
		ErrorSignature: signature,
		Path:           path,
		Timestamp:      at,
	}
}

func TestCanAttemptEmptyHistory(t *testing.T) {
	g := New()

	decision := g.CanAttempt(AttemptAuto)
	assert.True(t, decision.Allowed)

	decision = g.CanAttempt(AttemptManual)
	assert.True(t, decision.Allowed)
}

func TestAutoBlockedAfterRepeatedIdenticalFailures(t *testing.T) {
	now := time.Now()
	g := New(WithClock(func() time.Time { return now }))

	for i := 0; i < 3; i++ {
		g.Record(failedAttempt("token-invalid", "/refresh", now.Add(-time.Duration(i)*time.Second)))
	}

	decision := g.CanAttempt(AttemptAuto)
	assert.False(t, decision.Allowed)
	assert.NotEmpty(t, decision.Reason)
	assert.NotEmpty(t, decision.SuggestedAction)

	// Manual attempts stay allowed even inside a detected loop
	manual := g.CanAttempt(AttemptManual)
	assert.True(t, manual.Allowed)
}

func TestDifferentSignaturesNotALoop(t *testing.T) {
	now := time.Now()
	g := New(WithClock(func() time.Time { return now }))

	g.Record(failedAttempt("network", "/refresh", now))
	g.Record(failedAttempt("token-invalid", "/refresh", now))
	g.Record(failedAttempt("server", "/refresh", now))

	decision := g.CanAttempt(AttemptAuto)
	assert.True(t, decision.Allowed)
}

func TestOldFailuresOutsideWindowIgnored(t *testing.T) {
	now := time.Now()
	g := New(WithClock(func() time.Time { return now }))

	stale := now.Add(-10 * time.Minute)
	for i := 0; i < 5; i++ {
		g.Record(failedAttempt("token-invalid", "/refresh", stale))
	}

	decision := g.CanAttempt(AttemptAuto)
	assert.True(t, decision.Allowed, "failures outside the rolling window must not block")
}

func TestSuccessesDoNotCountTowardLoop(t *testing.T) {
	now := time.Now()
	g := New(WithClock(func() time.Time { return now }))

	for i := 0; i < 5; i++ {
		g.Record(AttemptRecord{Kind: AttemptAuto, Success: true, Path: "/refresh", Timestamp: now})
	}

	assessment := g.DetectLoop()
	assert.False(t, assessment.InLoop)
	assert.Equal(t, 0, assessment.Confidence)
}

func TestDetectLoopConfidenceAndIndicators(t *testing.T) {
	now := time.Now()
	g := New(WithClock(func() time.Time { return now }))

	// Rapid identical failures: signature, path, and burst indicators all fire
	for i := 0; i < 4; i++ {
		g.Record(failedAttempt("token-invalid", "/refresh", now.Add(-time.Duration(i)*time.Second)))
	}

	assessment := g.DetectLoop()
	assert.True(t, assessment.InLoop)
	assert.Equal(t, 100, assessment.Confidence)
	assert.Len(t, assessment.Indicators, 3)
}

func TestManualReset(t *testing.T) {
	now := time.Now()
	g := New(WithClock(func() time.Time { return now }))

	for i := 0; i < 3; i++ {
		g.Record(failedAttempt("token-invalid", "/refresh", now))
	}
	assert.False(t, g.CanAttempt(AttemptAuto).Allowed)

	g.ManualReset()

	assert.True(t, g.CanAttempt(AttemptAuto).Allowed)
	assert.Empty(t, g.History())
}

func TestHistoryBounded(t *testing.T) {
	g := New()

	for i := 0; i < maxRecords+20; i++ {
		g.Record(AttemptRecord{Kind: AttemptAuto, Success: true, Path: "/refresh"})
	}

	assert.Len(t, g.History(), maxRecords)
}

func TestRecoveryActionsRanked(t *testing.T) {
	g := New()

	actions := g.RecoveryActions()
	assert.NotEmpty(t, actions)
	for i := 1; i < len(actions); i++ {
		assert.Less(t, actions[i-1].Rank, actions[i].Rank)
	}
	assert.Equal(t, "manual_login", actions[0].Action)
}
