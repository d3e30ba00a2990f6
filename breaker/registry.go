// breaker/registry.go
package breaker

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jthadison/tmt-sub006/config"
	"github.com/jthadison/tmt-sub006/health"
	"github.com/jthadison/tmt-sub006/logs"
	"github.com/jthadison/tmt-sub006/metrics"
)

// warnFraction of a trip threshold emits an advisory warning.
const warnFraction = 0.8

// TripCallback is invoked after a breaker trips, outside the registry lock.
type TripCallback func(TriggerEvent)

// Registry owns every breaker in the process: the system singleton, the
// lazily created account breakers and agent breakers. All state is mutated
// under a single lock so the periodic evaluator, administrative calls and
// recovery timers never race. Triggering is synchronous and in-memory.
type Registry struct {
	mu         sync.Mutex
	thresholds *config.ThresholdConfig
	recovery   *config.RecoveryConfig

	system   *Status
	accounts map[string]*Status
	agents   map[string]*Status

	// Recovery timer handles keyed by level:identifier. Re-triggering
	// cancels and replaces; Close stops them all.
	timers map[string]*time.Timer

	onTrip TripCallback
	closed bool
}

// NewRegistry creates a registry with a system breaker in the normal state.
func NewRegistry(thresholds *config.ThresholdConfig, recovery *config.RecoveryConfig) *Registry {
	return &Registry{
		thresholds: thresholds,
		recovery:   recovery,
		system: &Status{
			Level:      LevelSystem,
			Identifier: SystemIdentifier,
			State:      StateNormal,
		},
		accounts: make(map[string]*Status),
		agents:   make(map[string]*Status),
		timers:   make(map[string]*time.Timer),
	}
}

// SetTripCallback installs a callback fired for every trip. Must be set
// before the registry is shared across goroutines.
func (r *Registry) SetTripCallback(cb TripCallback) {
	r.onTrip = cb
}

// Evaluate runs one priority-ordered evaluation cycle over the sampled
// metrics. System checks run first and first match wins; while the system
// breaker is tripped, account- and agent-level checks are skipped entirely.
func (r *Registry) Evaluate(h health.SystemHealth, market *health.MarketConditions, accounts map[string]health.AccountMetrics) EvaluationResult {
	start := time.Now()

	r.mu.Lock()
	var result EvaluationResult
	if !r.closed {
		result = r.evaluateLocked(h, market, accounts, start)
	}
	result.SystemState = r.system.State
	result.TotalTripped = r.countTrippedLocked()
	r.mu.Unlock()

	result.EvalTimeMS = float64(time.Since(start).Microseconds()) / 1000.0
	metrics.EvaluationLatency.Observe(result.EvalTimeMS)

	r.fireCallbacks(result.Triggered)
	return result
}

func (r *Registry) evaluateLocked(h health.SystemHealth, market *health.MarketConditions, accounts map[string]health.AccountMetrics, now time.Time) EvaluationResult {
	var result EvaluationResult
	t := r.thresholds

	// System-level checks, first match wins for the cycle. A breaker that
	// is already tripped is not re-triggered; doing so would reset its
	// recovery timer on every cycle and it could never recover.
	if r.system.State != StateTripped {
		if ev := r.systemCheckLocked(h, market, accounts, now); ev != nil {
			result.Triggered = append(result.Triggered, *ev)
		} else {
			if h.ErrorRate >= warnFraction*t.MaxErrorRate {
				result.Warnings = append(result.Warnings, Warning{
					Level: LevelSystem, Identifier: SystemIdentifier,
					Metric: "error_rate", Value: h.ErrorRate, Threshold: t.MaxErrorRate,
				})
			}
			if h.ResponseTimeMS >= warnFraction*t.MaxResponseTimeMS {
				result.Warnings = append(result.Warnings, Warning{
					Level: LevelSystem, Identifier: SystemIdentifier,
					Metric: "response_time_ms", Value: h.ResponseTimeMS, Threshold: t.MaxResponseTimeMS,
				})
			}
		}
	}

	// A tripped system breaker short-circuits the lower levels.
	if r.system.State == StateTripped {
		return result
	}

	// Account-level checks. Each account is evaluated independently.
	for _, id := range sortedAccountIDs(accounts) {
		am := accounts[id]
		if st, ok := r.accounts[id]; ok && st.State == StateTripped {
			continue
		}
		if am.DailyDrawdown > t.DailyDrawdown {
			ev := r.triggerLocked(LevelAccount, id, ReasonDailyDrawdown, map[string]string{
				"daily_drawdown": fmt.Sprintf("%.4f", am.DailyDrawdown),
				"threshold":      fmt.Sprintf("%.4f", t.DailyDrawdown),
			}, now)
			result.Triggered = append(result.Triggered, ev)
		} else if am.DailyDrawdown >= warnFraction*t.DailyDrawdown {
			result.Warnings = append(result.Warnings, Warning{
				Level: LevelAccount, Identifier: id,
				Metric: "daily_drawdown", Value: am.DailyDrawdown, Threshold: t.DailyDrawdown,
			})
		}
	}

	// Agent-level checks: host resource exhaustion, attributed to the
	// designated system agent.
	if st, ok := r.agents[SystemAgentIdentifier]; !ok || st.State != StateTripped {
		if h.CPUUsage > t.MaxCPUUsage || h.MemoryUsage > t.MaxMemoryUsage {
			ev := r.triggerLocked(LevelAgent, SystemAgentIdentifier, ReasonSystemFailure, map[string]string{
				"cpu_usage":    fmt.Sprintf("%.2f", h.CPUUsage),
				"memory_usage": fmt.Sprintf("%.2f", h.MemoryUsage),
			}, now)
			result.Triggered = append(result.Triggered, ev)
		} else {
			if h.CPUUsage >= warnFraction*t.MaxCPUUsage {
				result.Warnings = append(result.Warnings, Warning{
					Level: LevelAgent, Identifier: SystemAgentIdentifier,
					Metric: "cpu_usage", Value: h.CPUUsage, Threshold: t.MaxCPUUsage,
				})
			}
			if h.MemoryUsage >= warnFraction*t.MaxMemoryUsage {
				result.Warnings = append(result.Warnings, Warning{
					Level: LevelAgent, Identifier: SystemAgentIdentifier,
					Metric: "memory_usage", Value: h.MemoryUsage, Threshold: t.MaxMemoryUsage,
				})
			}
		}
	}

	return result
}

// systemCheckLocked runs the ordered system-level checks and trips the
// system breaker on the first match.
func (r *Registry) systemCheckLocked(h health.SystemHealth, market *health.MarketConditions, accounts map[string]health.AccountMetrics, now time.Time) *TriggerEvent {
	t := r.thresholds

	maxDD, worst := maxAccountDrawdown(accounts)
	if maxDD > t.MaxAccountDrawdown {
		ev := r.triggerLocked(LevelSystem, SystemIdentifier, ReasonMaxDrawdown, map[string]string{
			"max_drawdown": fmt.Sprintf("%.4f", maxDD),
			"account_id":   worst,
			"threshold":    fmt.Sprintf("%.4f", t.MaxAccountDrawdown),
		}, now)
		return &ev
	}
	if h.ErrorRate > t.MaxErrorRate {
		ev := r.triggerLocked(LevelSystem, SystemIdentifier, ReasonErrorRate, map[string]string{
			"error_rate": fmt.Sprintf("%.4f", h.ErrorRate),
			"threshold":  fmt.Sprintf("%.4f", t.MaxErrorRate),
		}, now)
		return &ev
	}
	if h.ResponseTimeMS > t.MaxResponseTimeMS {
		ev := r.triggerLocked(LevelSystem, SystemIdentifier, ReasonResponseTime, map[string]string{
			"response_time_ms": fmt.Sprintf("%.2f", h.ResponseTimeMS),
			"threshold":        fmt.Sprintf("%.2f", t.MaxResponseTimeMS),
		}, now)
		return &ev
	}
	if market != nil {
		if market.Volatility > t.MaxVolatility {
			ev := r.triggerLocked(LevelSystem, SystemIdentifier, ReasonVolatilitySpike, map[string]string{
				"volatility": fmt.Sprintf("%.2f", market.Volatility),
				"threshold":  fmt.Sprintf("%.2f", t.MaxVolatility),
			}, now)
			return &ev
		}
		if market.GapDetected && market.GapSize > t.MaxGapSize {
			ev := r.triggerLocked(LevelSystem, SystemIdentifier, ReasonGapDetection, map[string]string{
				"gap_size":  fmt.Sprintf("%.4f", market.GapSize),
				"threshold": fmt.Sprintf("%.4f", t.MaxGapSize),
			}, now)
			return &ev
		}
	}
	return nil
}

// Trigger trips a breaker. It is synchronous, in-memory only, and must stay
// on the microsecond scale; no I/O happens under the lock.
func (r *Registry) Trigger(level Level, identifier string, reason Reason, details map[string]string) error {
	if err := validateKey(level, identifier); err != nil {
		return err
	}
	if reason == "" {
		return fmt.Errorf("trigger reason must not be empty")
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return fmt.Errorf("breaker registry is closed")
	}
	ev := r.triggerLocked(level, identifier, reason, details, time.Now())
	r.mu.Unlock()

	r.fireCallbacks([]TriggerEvent{ev})
	return nil
}

// TriggerUnlessTripped trips the breaker only when it is not already
// tripped, returning the prior state and whether a trip happened. The check
// and the trip run under one lock, so of any number of concurrent callers
// exactly one trips; the rest observe tripped and do nothing. An untripped
// no-op also leaves the running recovery window untouched.
func (r *Registry) TriggerUnlessTripped(level Level, identifier string, reason Reason, details map[string]string) (State, bool, error) {
	if err := validateKey(level, identifier); err != nil {
		return StateNormal, false, err
	}
	if reason == "" {
		return StateNormal, false, fmt.Errorf("trigger reason must not be empty")
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return StateNormal, false, fmt.Errorf("breaker registry is closed")
	}
	prev := StateNormal
	if st := r.lookupLocked(level, identifier); st != nil {
		prev = st.State
	}
	if prev == StateTripped {
		r.mu.Unlock()
		return prev, false, nil
	}
	ev := r.triggerLocked(level, identifier, reason, details, time.Now())
	r.mu.Unlock()

	r.fireCallbacks([]TriggerEvent{ev})
	return prev, true, nil
}

// triggerLocked performs the trip: state, bookkeeping and the cancel-and-
// replace recovery timer for the (level, identifier) key.
func (r *Registry) triggerLocked(level Level, identifier string, reason Reason, details map[string]string, now time.Time) TriggerEvent {
	st := r.getOrCreateLocked(level, identifier)

	st.TriggerReason = reason
	st.TriggerDetails = details
	st.FailureCount++
	st.SuccessCount = 0
	triggeredAt := now
	st.TriggeredAt = &triggeredAt
	st.LastFailureAt = &triggeredAt
	r.setStateLocked(st, StateTripped)

	timeout := r.timeoutFor(level)
	deadline := now.Add(timeout)
	st.RecoveryTimeout = &deadline
	r.scheduleRecoveryLocked(level, identifier, timeout)

	metrics.BreakerTrips.WithLabelValues(level.String(), string(reason)).Inc()
	logs.Warnf("[Breaker] %s/%s tripped: %s (recovery in %s)", level, identifier, reason, timeout)

	return TriggerEvent{
		Level:      level,
		Identifier: identifier,
		Reason:     reason,
		Details:    details,
		At:         now,
	}
}

// scheduleRecoveryLocked cancels any pending recovery timer for the key and
// installs a fresh one. Stop on a timer that already fired is a no-op, so
// the fired callback may still be waiting on the lock while the replacement
// is installed; each callback therefore checks that the map still holds its
// own handle and backs off when it was superseded.
func (r *Registry) scheduleRecoveryLocked(level Level, identifier string, timeout time.Duration) {
	key := timerKey(level, identifier)
	if old, ok := r.timers[key]; ok {
		old.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(timeout, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.closed || r.timers[key] != t {
			return
		}
		delete(r.timers, key)
		r.recoverLocked(level, identifier)
	})
	r.timers[key] = t
}

// AttemptRecovery moves a still-tripped breaker to half-open without waiting
// out its recovery timer. Any pending timer for the key is cancelled; a
// breaker that is not tripped is left alone.
func (r *Registry) AttemptRecovery(level Level, identifier string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	key := timerKey(level, identifier)
	if t, ok := r.timers[key]; ok {
		t.Stop()
		delete(r.timers, key)
	}
	r.recoverLocked(level, identifier)
}

func (r *Registry) recoverLocked(level Level, identifier string) {
	st := r.lookupLocked(level, identifier)
	if st == nil || st.State != StateTripped {
		return
	}
	st.SuccessCount = 0
	r.setStateLocked(st, StateHalfOpen)
	logs.Infof("[Breaker] %s/%s entering half-open probation", level, identifier)
}

// RecordSuccess records an observed trading success on a breaker. In
// half-open, enough consecutive successes close the breaker; in other
// states the count is kept but the state does not change. Recording a
// success for a breaker that was never created is a no-op.
func (r *Registry) RecordSuccess(level Level, identifier string) error {
	if err := validateKey(level, identifier); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.lookupLocked(level, identifier)
	if st == nil {
		return nil
	}
	st.SuccessCount++
	if st.State == StateHalfOpen && st.SuccessCount >= r.recovery.SuccessesToClose {
		st.SuccessCount = 0
		st.FailureCount = 0
		st.TriggerReason = ""
		st.TriggerDetails = nil
		st.RecoveryTimeout = nil
		r.setStateLocked(st, StateNormal)
		logs.Infof("[Breaker] %s/%s recovered and closed", level, identifier)
	}
	return nil
}

// RecordFailure records an observed trading failure on a breaker, creating
// it on first failure. Any failure while half-open immediately re-trips.
func (r *Registry) RecordFailure(level Level, identifier string) error {
	if err := validateKey(level, identifier); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.getOrCreateLocked(level, identifier)
	now := time.Now()
	st.FailureCount++
	st.LastFailureAt = &now

	if st.State == StateHalfOpen {
		st.SuccessCount = 0
		triggeredAt := now
		st.TriggeredAt = &triggeredAt
		timeout := r.timeoutFor(level)
		deadline := now.Add(timeout)
		st.RecoveryTimeout = &deadline
		r.setStateLocked(st, StateTripped)
		r.scheduleRecoveryLocked(level, identifier, timeout)
		logs.Warnf("[Breaker] %s/%s failed during half-open probation, re-tripped", level, identifier)
	}
	return nil
}

// ManualTrigger is the administrative trip: it behaves like an automatic
// trigger with reason MANUAL_TRIGGER and works from any state.
func (r *Registry) ManualTrigger(level Level, identifier string, details map[string]string) error {
	return r.Trigger(level, identifier, ReasonManualTrigger, details)
}

// ManualReset forces a breaker back to normal and clears its counters. This
// is the only path out of tripped that skips half-open. Resetting an
// already-normal breaker only refreshes reset_at.
func (r *Registry) ManualReset(level Level, identifier string) error {
	if err := validateKey(level, identifier); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.lookupLocked(level, identifier)
	if st == nil {
		return fmt.Errorf("no %s breaker exists for identifier %q", level, identifier)
	}

	st.TriggeredAt = nil
	st.TriggerReason = ""
	st.TriggerDetails = nil
	st.FailureCount = 0
	st.SuccessCount = 0
	st.LastFailureAt = nil
	st.RecoveryTimeout = nil
	now := time.Now()
	st.ResetAt = &now
	r.setStateLocked(st, StateNormal)

	metrics.BreakerResets.WithLabelValues(level.String()).Inc()
	logs.Infof("[Breaker] %s/%s manually reset", level, identifier)
	return nil
}

// StatusOf returns a copy of one breaker's status.
func (r *Registry) StatusOf(level Level, identifier string) (Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.lookupLocked(level, identifier)
	if st == nil {
		return Status{}, false
	}
	return copyStatus(st), true
}

// GetSnapshot returns copies of all breaker statuses. It never errors: a
// registry with no activity reports a normal system breaker and empty maps.
func (r *Registry) GetSnapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := Snapshot{
		SystemBreaker:   copyStatus(r.system),
		AccountBreakers: make(map[string]Status, len(r.accounts)),
		AgentBreakers:   make(map[string]Status, len(r.agents)),
		OverallHealthy:  r.system.State == StateNormal,
	}
	for id, st := range r.accounts {
		snap.AccountBreakers[id] = copyStatus(st)
		if st.State != StateNormal {
			snap.OverallHealthy = false
		}
	}
	for id, st := range r.agents {
		snap.AgentBreakers[id] = copyStatus(st)
		if st.State != StateNormal {
			snap.OverallHealthy = false
		}
	}
	return snap
}

// Close cancels all pending recovery timers and refuses further mutation.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for key, timer := range r.timers {
		timer.Stop()
		delete(r.timers, key)
	}
	logs.Info("[Breaker] Registry closed, recovery timers cancelled.")
}

// --- internals ---

func (r *Registry) setStateLocked(st *Status, newState State) {
	if st.State == newState {
		return
	}
	old := st.State
	st.State = newState

	gauge := metrics.TrippedBreakers.WithLabelValues(st.Level.String())
	if old == StateTripped {
		gauge.Dec()
	}
	if newState == StateTripped {
		gauge.Inc()
	}
	logs.Debugf("[Breaker] %s/%s state %s -> %s", st.Level, st.Identifier, old, newState)
}

func (r *Registry) getOrCreateLocked(level Level, identifier string) *Status {
	if st := r.lookupLocked(level, identifier); st != nil {
		return st
	}
	st := &Status{Level: level, Identifier: identifier, State: StateNormal}
	switch level {
	case LevelAccount:
		r.accounts[identifier] = st
	case LevelAgent:
		r.agents[identifier] = st
	}
	return st
}

func (r *Registry) lookupLocked(level Level, identifier string) *Status {
	switch level {
	case LevelSystem:
		return r.system
	case LevelAccount:
		return r.accounts[identifier]
	case LevelAgent:
		return r.agents[identifier]
	default:
		return nil
	}
}

func (r *Registry) countTrippedLocked() int {
	count := 0
	if r.system.State == StateTripped {
		count++
	}
	for _, st := range r.accounts {
		if st.State == StateTripped {
			count++
		}
	}
	for _, st := range r.agents {
		if st.State == StateTripped {
			count++
		}
	}
	return count
}

func (r *Registry) timeoutFor(level Level) time.Duration {
	switch level {
	case LevelAgent:
		return r.recovery.AgentTimeout()
	case LevelAccount:
		return r.recovery.AccountTimeout()
	default:
		return r.recovery.SystemTimeout()
	}
}

func (r *Registry) fireCallbacks(events []TriggerEvent) {
	if r.onTrip == nil {
		return
	}
	for _, ev := range events {
		r.onTrip(ev)
	}
}

func validateKey(level Level, identifier string) error {
	if !level.Valid() {
		return fmt.Errorf("invalid breaker level %d", int(level))
	}
	if identifier == "" {
		return fmt.Errorf("breaker identifier must not be empty")
	}
	if level == LevelSystem && identifier != SystemIdentifier {
		return fmt.Errorf("system breaker identifier must be %q, got %q", SystemIdentifier, identifier)
	}
	return nil
}

func timerKey(level Level, identifier string) string {
	return level.String() + ":" + identifier
}

func copyStatus(st *Status) Status {
	out := *st
	if st.TriggerDetails != nil {
		out.TriggerDetails = make(map[string]string, len(st.TriggerDetails))
		for k, v := range st.TriggerDetails {
			out.TriggerDetails[k] = v
		}
	}
	return out
}

func maxAccountDrawdown(accounts map[string]health.AccountMetrics) (float64, string) {
	var maxDD float64
	var worst string
	for id, am := range accounts {
		if am.MaxDrawdown > maxDD {
			maxDD = am.MaxDrawdown
			worst = id
		}
	}
	return maxDD, worst
}

func sortedAccountIDs(accounts map[string]health.AccountMetrics) []string {
	ids := make([]string, 0, len(accounts))
	for id := range accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
