// monitor/loop.go
package monitor

import (
	"time"

	"github.com/jthadison/tmt-sub006/breaker"
	"github.com/jthadison/tmt-sub006/health"
	"github.com/jthadison/tmt-sub006/logs"
	"github.com/jthadison/tmt-sub006/metrics"
)

// Callback is invoked after each evaluation cycle (broadcast, audit, etc.).
// Callbacks run inside the iteration's panic guard; a panicking callback is
// logged and the loop continues.
type Callback func(result breaker.EvaluationResult, h health.SystemHealth)

// Start runs the periodic monitor cycle: sample health, market and account
// metrics, evaluate the breaker registry, then run the callbacks. The loop
// is part of the safety system and must be fail-safe: no single iteration's
// failure may terminate it. Blocks until stopChan is closed.
func Start(
	sampler *health.Sampler,
	registry *breaker.Registry,
	callbacks []Callback,
	interval time.Duration,
	stopChan <-chan struct{},
) {
	logs.Infof("[Monitor] Loop started, interval %s.", interval)

	for {
		started := time.Now()
		runIteration(sampler, registry, callbacks)

		elapsed := time.Since(started)
		if elapsed > interval {
			metrics.MonitorLag.Inc()
			logs.Warnf("[Monitor] Iteration took %s, exceeding the %s interval.", elapsed, interval)
		}

		// Sleep the remaining time, clamped to zero. No skipped cycles, no
		// drift correction beyond that.
		remaining := interval - elapsed
		if remaining < 0 {
			remaining = 0
		}
		timer := time.NewTimer(remaining)
		select {
		case <-stopChan:
			timer.Stop()
			logs.Info("[Monitor] Received stop signal, exiting.")
			return
		case <-timer.C:
		}
	}
}

// runIteration executes one cycle under a panic guard.
func runIteration(sampler *health.Sampler, registry *breaker.Registry, callbacks []Callback) {
	defer func() {
		if rec := recover(); rec != nil {
			logs.Errorf("[Monitor] Iteration panicked, continuing: %v", rec)
		}
	}()

	h := sampler.SampleHealth()
	market := sampler.SampleMarket()
	accounts := sampler.SampleAccounts()

	result := registry.Evaluate(h, market, accounts)
	if len(result.Triggered) > 0 {
		logs.Warnf("[Monitor] Evaluation tripped %d breaker(s), system state: %s", len(result.Triggered), result.SystemState)
	}
	for _, w := range result.Warnings {
		logs.Warnf("[Monitor] Warning: %s/%s %s=%.4f approaching threshold %.4f", w.Level, w.Identifier, w.Metric, w.Value, w.Threshold)
	}

	for _, cb := range callbacks {
		cb(result, h)
	}
}
