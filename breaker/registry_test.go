// breaker/registry_test.go
package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jthadison/tmt-sub006/config"
	"github.com/jthadison/tmt-sub006/health"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	cfg := config.NewConfig()
	r := NewRegistry(cfg.Thresholds, cfg.Recovery)
	t.Cleanup(r.Close)
	return r
}

// healthyMetrics is a fixture comfortably below every threshold and every
// warning fraction.
func healthyMetrics() health.SystemHealth {
	return health.SystemHealth{
		CPUUsage:       10,
		MemoryUsage:    20,
		DiskUsage:      30,
		ErrorRate:      0.01,
		ResponseTimeMS: 25,
	}
}

func calmMarket() *health.MarketConditions {
	return &health.MarketConditions{Volatility: 1.0}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from State
		to   State
		want bool
	}{
		{"normal to tripped", StateNormal, StateTripped, true},
		{"normal to warning", StateNormal, StateWarning, true},
		{"normal to half-open", StateNormal, StateHalfOpen, false},
		{"warning to tripped", StateWarning, StateTripped, true},
		{"tripped to half-open", StateTripped, StateHalfOpen, true},
		{"tripped to normal via manual reset", StateTripped, StateNormal, true},
		{"tripped to warning", StateTripped, StateWarning, false},
		{"half-open to normal", StateHalfOpen, StateNormal, true},
		{"half-open to tripped", StateHalfOpen, StateTripped, true},
		{"half-open to warning", StateHalfOpen, StateWarning, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestEvaluate_HealthySystemTripsNothing(t *testing.T) {
	r := newTestRegistry(t)

	result := r.Evaluate(healthyMetrics(), calmMarket(), map[string]health.AccountMetrics{
		"acct-1": {AccountID: "acct-1", DailyDrawdown: 0.01},
	})

	assert.Empty(t, result.Triggered)
	assert.Empty(t, result.Warnings)
	assert.Equal(t, StateNormal, result.SystemState)
	assert.Equal(t, 0, result.TotalTripped)

	snap := r.GetSnapshot()
	assert.True(t, snap.OverallHealthy)
	assert.Empty(t, snap.AccountBreakers)
	assert.Empty(t, snap.AgentBreakers)
}

func TestEvaluate_SystemChecksFirstMatchWins(t *testing.T) {
	tests := []struct {
		name     string
		health   health.SystemHealth
		market   *health.MarketConditions
		accounts map[string]health.AccountMetrics
		want     Reason
	}{
		{
			name:     "max drawdown beats everything",
			health:   health.SystemHealth{ErrorRate: 0.5, ResponseTimeMS: 500},
			market:   &health.MarketConditions{Volatility: 5.0},
			accounts: map[string]health.AccountMetrics{"acct-1": {MaxDrawdown: 0.09}},
			want:     ReasonMaxDrawdown,
		},
		{
			name:   "error rate beats response time",
			health: health.SystemHealth{ErrorRate: 0.25, ResponseTimeMS: 500},
			want:   ReasonErrorRate,
		},
		{
			name:   "response time",
			health: health.SystemHealth{ResponseTimeMS: 150},
			want:   ReasonResponseTime,
		},
		{
			name:   "volatility spike",
			health: healthyMetrics(),
			market: &health.MarketConditions{Volatility: 3.5},
			want:   ReasonVolatilitySpike,
		},
		{
			name:   "gap detection",
			health: healthyMetrics(),
			market: &health.MarketConditions{Volatility: 1.0, GapDetected: true, GapSize: 0.06},
			want:   ReasonGapDetection,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRegistry(t)
			result := r.Evaluate(tt.health, tt.market, tt.accounts)

			require.Len(t, result.Triggered, 1)
			ev := result.Triggered[0]
			assert.Equal(t, LevelSystem, ev.Level)
			assert.Equal(t, SystemIdentifier, ev.Identifier)
			assert.Equal(t, tt.want, ev.Reason)
			assert.Equal(t, StateTripped, result.SystemState)
		})
	}
}

func TestEvaluate_GapBelowThresholdDoesNotTrip(t *testing.T) {
	r := newTestRegistry(t)

	result := r.Evaluate(healthyMetrics(), &health.MarketConditions{
		Volatility: 1.0, GapDetected: true, GapSize: 0.04,
	}, nil)
	assert.Empty(t, result.Triggered)

	// A large gap that was never flagged as detected is also ignored.
	result = r.Evaluate(healthyMetrics(), &health.MarketConditions{
		Volatility: 1.0, GapDetected: false, GapSize: 0.10,
	}, nil)
	assert.Empty(t, result.Triggered)
}

func TestEvaluate_TrippedSystemShortCircuitsLowerLevels(t *testing.T) {
	r := newTestRegistry(t)

	// Error rate trips the system; the account drawdown and CPU overload in
	// the same cycle must produce no further triggers.
	bad := health.SystemHealth{ErrorRate: 0.25, CPUUsage: 95}
	accounts := map[string]health.AccountMetrics{
		"acct-1": {AccountID: "acct-1", DailyDrawdown: 0.07},
	}

	result := r.Evaluate(bad, calmMarket(), accounts)
	require.Len(t, result.Triggered, 1)
	assert.Equal(t, ReasonErrorRate, result.Triggered[0].Reason)
	assert.Equal(t, 1, result.TotalTripped)

	snap := r.GetSnapshot()
	assert.Empty(t, snap.AccountBreakers)
	assert.Empty(t, snap.AgentBreakers)

	// While the system stays tripped, later cycles skip everything. In
	// particular the system breaker is not re-triggered, which would reset
	// its recovery timer on every cycle.
	trippedAt := snap.SystemBreaker.TriggeredAt
	result = r.Evaluate(bad, calmMarket(), accounts)
	assert.Empty(t, result.Triggered)
	assert.Equal(t, 1, result.TotalTripped)
	assert.Equal(t, trippedAt, r.GetSnapshot().SystemBreaker.TriggeredAt)
}

func TestEvaluate_DailyDrawdownTripsOnlyTheBreachedAccount(t *testing.T) {
	r := newTestRegistry(t)

	result := r.Evaluate(healthyMetrics(), calmMarket(), map[string]health.AccountMetrics{
		"acct-1": {AccountID: "acct-1", DailyDrawdown: 0.07},
		"acct-2": {AccountID: "acct-2", DailyDrawdown: 0.01},
	})

	require.Len(t, result.Triggered, 1)
	ev := result.Triggered[0]
	assert.Equal(t, LevelAccount, ev.Level)
	assert.Equal(t, "acct-1", ev.Identifier)
	assert.Equal(t, ReasonDailyDrawdown, ev.Reason)
	assert.Equal(t, StateNormal, result.SystemState)

	st, ok := r.StatusOf(LevelAccount, "acct-1")
	require.True(t, ok)
	assert.Equal(t, StateTripped, st.State)

	_, ok = r.StatusOf(LevelAccount, "acct-2")
	assert.False(t, ok, "acct-2 never breached, no breaker should exist for it")

	// The already-tripped account is skipped on the next cycle.
	result = r.Evaluate(healthyMetrics(), calmMarket(), map[string]health.AccountMetrics{
		"acct-1": {AccountID: "acct-1", DailyDrawdown: 0.07},
	})
	assert.Empty(t, result.Triggered)
}

func TestEvaluate_ResourceExhaustionTripsSystemAgent(t *testing.T) {
	r := newTestRegistry(t)

	h := healthyMetrics()
	h.CPUUsage = 95

	result := r.Evaluate(h, calmMarket(), nil)
	require.Len(t, result.Triggered, 1)
	ev := result.Triggered[0]
	assert.Equal(t, LevelAgent, ev.Level)
	assert.Equal(t, SystemAgentIdentifier, ev.Identifier)
	assert.Equal(t, ReasonSystemFailure, ev.Reason)
	assert.Equal(t, StateNormal, result.SystemState)
}

func TestEvaluate_WarningsNearThresholds(t *testing.T) {
	r := newTestRegistry(t)

	h := health.SystemHealth{
		CPUUsage:       75,   // warn at 72, trip above 90
		MemoryUsage:    20,   // quiet
		ErrorRate:      0.18, // warn at 0.16, trip above 0.20
		ResponseTimeMS: 85,   // warn at 80, trip above 100
	}
	accounts := map[string]health.AccountMetrics{
		"acct-1": {AccountID: "acct-1", DailyDrawdown: 0.045}, // warn at 0.04
	}

	result := r.Evaluate(h, calmMarket(), accounts)
	assert.Empty(t, result.Triggered)

	metricsSeen := make(map[string]bool)
	for _, w := range result.Warnings {
		metricsSeen[w.Metric] = true
	}
	assert.True(t, metricsSeen["error_rate"])
	assert.True(t, metricsSeen["response_time_ms"])
	assert.True(t, metricsSeen["daily_drawdown"])
	assert.True(t, metricsSeen["cpu_usage"])
	assert.False(t, metricsSeen["memory_usage"])

	// Warnings never change breaker state.
	assert.True(t, r.GetSnapshot().OverallHealthy)
}

func TestTrigger_Validation(t *testing.T) {
	r := newTestRegistry(t)

	assert.Error(t, r.Trigger(Level(42), "x", ReasonManualTrigger, nil))
	assert.Error(t, r.Trigger(LevelAccount, "", ReasonManualTrigger, nil))
	assert.Error(t, r.Trigger(LevelSystem, "not-system", ReasonManualTrigger, nil))
	assert.Error(t, r.Trigger(LevelSystem, SystemIdentifier, "", nil))
}

func TestTrigger_CallbackFiresOutsideLock(t *testing.T) {
	r := newTestRegistry(t)

	var got []TriggerEvent
	r.SetTripCallback(func(ev TriggerEvent) {
		// Re-entering the registry here deadlocks if the callback were
		// fired under the lock.
		r.GetSnapshot()
		got = append(got, ev)
	})

	require.NoError(t, r.Trigger(LevelAccount, "acct-1", ReasonDailyDrawdown, map[string]string{"daily_drawdown": "0.07"}))
	require.Len(t, got, 1)
	assert.Equal(t, "acct-1", got[0].Identifier)
	assert.Equal(t, ReasonDailyDrawdown, got[0].Reason)
	assert.Equal(t, "0.07", got[0].Details["daily_drawdown"])
}

func TestHalfOpenRecoveryClosesAfterThreeSuccesses(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Trigger(LevelAccount, "acct-1", ReasonDailyDrawdown, nil))

	st, _ := r.StatusOf(LevelAccount, "acct-1")
	require.Equal(t, StateTripped, st.State)
	require.NotNil(t, st.RecoveryTimeout)

	// Drive the recovery attempt directly instead of waiting out the timer.
	r.AttemptRecovery(LevelAccount, "acct-1")
	st, _ = r.StatusOf(LevelAccount, "acct-1")
	assert.Equal(t, StateHalfOpen, st.State)
	assert.Equal(t, 0, st.SuccessCount)

	require.NoError(t, r.RecordSuccess(LevelAccount, "acct-1"))
	require.NoError(t, r.RecordSuccess(LevelAccount, "acct-1"))
	st, _ = r.StatusOf(LevelAccount, "acct-1")
	assert.Equal(t, StateHalfOpen, st.State, "two successes are not enough")
	assert.Equal(t, 2, st.SuccessCount)

	require.NoError(t, r.RecordSuccess(LevelAccount, "acct-1"))
	st, _ = r.StatusOf(LevelAccount, "acct-1")
	assert.Equal(t, StateNormal, st.State)
	assert.Equal(t, 0, st.SuccessCount)
	assert.Equal(t, 0, st.FailureCount)
	assert.Empty(t, st.TriggerReason)
	assert.Nil(t, st.RecoveryTimeout)
}

func TestHalfOpenFailureRetrips(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Trigger(LevelAccount, "acct-1", ReasonDailyDrawdown, nil))
	r.AttemptRecovery(LevelAccount, "acct-1")

	require.NoError(t, r.RecordSuccess(LevelAccount, "acct-1"))
	require.NoError(t, r.RecordSuccess(LevelAccount, "acct-1"))
	require.NoError(t, r.RecordFailure(LevelAccount, "acct-1"))

	st, _ := r.StatusOf(LevelAccount, "acct-1")
	assert.Equal(t, StateTripped, st.State)
	assert.Equal(t, 0, st.SuccessCount, "probation successes are discarded on failure")
	assert.NotNil(t, st.RecoveryTimeout, "re-trip schedules a fresh recovery window")
}

// newFastRecoveryRegistry shortens every recovery window to one second so
// the real time.AfterFunc wiring can be exercised.
func newFastRecoveryRegistry(t *testing.T) *Registry {
	t.Helper()
	cfg := config.NewConfig()
	r := NewRegistry(cfg.Thresholds, &config.RecoveryConfig{
		AgentTimeoutSeconds:   1,
		AccountTimeoutSeconds: 1,
		SystemTimeoutSeconds:  1,
		SuccessesToClose:      3,
	})
	t.Cleanup(r.Close)
	return r
}

func TestRecoveryTimer_FiresAfterTimeout(t *testing.T) {
	r := newFastRecoveryRegistry(t)
	require.NoError(t, r.Trigger(LevelAccount, "acct-1", ReasonDailyDrawdown, nil))

	// Well before the deadline the breaker must still be tripped.
	time.Sleep(500 * time.Millisecond)
	st, _ := r.StatusOf(LevelAccount, "acct-1")
	assert.Equal(t, StateTripped, st.State)

	require.Eventually(t, func() bool {
		st, _ := r.StatusOf(LevelAccount, "acct-1")
		return st.State == StateHalfOpen
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRecoveryTimer_RetriggerAcrossDeadlineKeepsFullWindow(t *testing.T) {
	r := newFastRecoveryRegistry(t)
	require.NoError(t, r.Trigger(LevelAgent, "agent-1", ReasonSystemFailure, nil))

	// Re-trigger in a tight loop across the first timer's deadline. The old
	// timer fires while replacements are being installed; a fired callback
	// that lost the race must not recover the freshly re-tripped breaker.
	loopEnd := time.Now().Add(1200 * time.Millisecond)
	for time.Now().Before(loopEnd) {
		require.NoError(t, r.Trigger(LevelAgent, "agent-1", ReasonSystemFailure, nil))
		time.Sleep(time.Millisecond)
	}
	lastTrip := time.Now()

	for time.Since(lastTrip) < 700*time.Millisecond {
		st, _ := r.StatusOf(LevelAgent, "agent-1")
		require.Equal(t, StateTripped, st.State,
			"recovered only %s after the last re-trigger (recovery timeout is 1s)", time.Since(lastTrip))
		time.Sleep(10 * time.Millisecond)
	}

	// The surviving timer is the last one installed and still fires.
	require.Eventually(t, func() bool {
		st, _ := r.StatusOf(LevelAgent, "agent-1")
		return st.State == StateHalfOpen
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTriggerUnlessTripped(t *testing.T) {
	r := newTestRegistry(t)

	prev, tripped, err := r.TriggerUnlessTripped(LevelAccount, "acct-1", ReasonDailyDrawdown, nil)
	require.NoError(t, err)
	assert.True(t, tripped)
	assert.Equal(t, StateNormal, prev)

	st, _ := r.StatusOf(LevelAccount, "acct-1")
	firstDeadline := st.RecoveryTimeout

	// Already tripped: no-op that leaves the recovery window untouched.
	prev, tripped, err = r.TriggerUnlessTripped(LevelAccount, "acct-1", ReasonErrorRate, nil)
	require.NoError(t, err)
	assert.False(t, tripped)
	assert.Equal(t, StateTripped, prev)

	st, _ = r.StatusOf(LevelAccount, "acct-1")
	assert.Equal(t, ReasonDailyDrawdown, st.TriggerReason)
	assert.Equal(t, firstDeadline, st.RecoveryTimeout)

	// Half-open is not tripped, so the trip proceeds.
	r.AttemptRecovery(LevelAccount, "acct-1")
	prev, tripped, err = r.TriggerUnlessTripped(LevelAccount, "acct-1", ReasonErrorRate, nil)
	require.NoError(t, err)
	assert.True(t, tripped)
	assert.Equal(t, StateHalfOpen, prev)
}

func TestAttemptRecovery_NoopUnlessTripped(t *testing.T) {
	r := newTestRegistry(t)

	// Never-tripped system breaker stays normal.
	r.AttemptRecovery(LevelSystem, SystemIdentifier)
	st, _ := r.StatusOf(LevelSystem, SystemIdentifier)
	assert.Equal(t, StateNormal, st.State)

	// A breaker manually reset before its timer fires is left alone.
	require.NoError(t, r.Trigger(LevelAccount, "acct-1", ReasonDailyDrawdown, nil))
	require.NoError(t, r.ManualReset(LevelAccount, "acct-1"))
	r.AttemptRecovery(LevelAccount, "acct-1")
	st, _ = r.StatusOf(LevelAccount, "acct-1")
	assert.Equal(t, StateNormal, st.State)
}

func TestRecordOutcomes_OutsideHalfOpen(t *testing.T) {
	r := newTestRegistry(t)

	// Success for a breaker that was never created is a silent no-op.
	require.NoError(t, r.RecordSuccess(LevelAccount, "ghost"))
	_, ok := r.StatusOf(LevelAccount, "ghost")
	assert.False(t, ok)

	// Failure creates the breaker but never trips it on its own.
	require.NoError(t, r.RecordFailure(LevelAgent, "agent-7"))
	st, ok := r.StatusOf(LevelAgent, "agent-7")
	require.True(t, ok)
	assert.Equal(t, StateNormal, st.State)
	assert.Equal(t, 1, st.FailureCount)
	assert.NotNil(t, st.LastFailureAt)
}

func TestManualTriggerResetRoundTrip(t *testing.T) {
	r := newTestRegistry(t)

	require.NoError(t, r.ManualTrigger(LevelSystem, SystemIdentifier, map[string]string{"operator": "ops-1"}))
	st, _ := r.StatusOf(LevelSystem, SystemIdentifier)
	assert.Equal(t, StateTripped, st.State)
	assert.Equal(t, ReasonManualTrigger, st.TriggerReason)
	assert.Equal(t, "ops-1", st.TriggerDetails["operator"])
	assert.False(t, r.GetSnapshot().OverallHealthy)

	require.NoError(t, r.ManualReset(LevelSystem, SystemIdentifier))
	st, _ = r.StatusOf(LevelSystem, SystemIdentifier)

	// Everything except reset_at reads like a fresh breaker.
	assert.Equal(t, StateNormal, st.State)
	assert.Nil(t, st.TriggeredAt)
	assert.Empty(t, st.TriggerReason)
	assert.Nil(t, st.TriggerDetails)
	assert.Equal(t, 0, st.FailureCount)
	assert.Equal(t, 0, st.SuccessCount)
	assert.Nil(t, st.LastFailureAt)
	assert.Nil(t, st.RecoveryTimeout)
	assert.NotNil(t, st.ResetAt)
	assert.True(t, r.GetSnapshot().OverallHealthy)
}

func TestManualReset_UnknownBreaker(t *testing.T) {
	r := newTestRegistry(t)
	assert.Error(t, r.ManualReset(LevelAccount, "never-seen"))
}

func TestGetSnapshot_CopiesAreIndependent(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Trigger(LevelAccount, "acct-1", ReasonDailyDrawdown, map[string]string{"daily_drawdown": "0.07"}))

	snap := r.GetSnapshot()
	st := snap.AccountBreakers["acct-1"]
	st.TriggerDetails["daily_drawdown"] = "tampered"

	fresh, _ := r.StatusOf(LevelAccount, "acct-1")
	assert.Equal(t, "0.07", fresh.TriggerDetails["daily_drawdown"])
}

func TestClose_RefusesFurtherMutation(t *testing.T) {
	cfg := config.NewConfig()
	r := NewRegistry(cfg.Thresholds, cfg.Recovery)
	r.Close()

	assert.Error(t, r.Trigger(LevelSystem, SystemIdentifier, ReasonManualTrigger, nil))

	result := r.Evaluate(health.SystemHealth{ErrorRate: 0.9}, nil, nil)
	assert.Empty(t, result.Triggered)

	// Closing twice is harmless.
	r.Close()
}
