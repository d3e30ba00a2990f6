// monitor/loop_test.go
package monitor

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jthadison/tmt-sub006/breaker"
	"github.com/jthadison/tmt-sub006/config"
	"github.com/jthadison/tmt-sub006/health"
)

// stubProbe keeps OS sampling deterministic inside loop tests.
type stubProbe struct {
	cpu, mem, disk float64
}

func (p stubProbe) CPUPercent() (float64, error)    { return p.cpu, nil }
func (p stubProbe) MemoryPercent() (float64, error) { return p.mem, nil }
func (p stubProbe) DiskPercent() (float64, error)   { return p.disk, nil }

func newLoopFixture(t *testing.T, probe health.SystemProbe) (*health.Sampler, *breaker.Registry) {
	t.Helper()
	cfg := config.NewConfig()
	registry := breaker.NewRegistry(cfg.Thresholds, cfg.Recovery)
	t.Cleanup(registry.Close)
	return health.NewSamplerWithProbe(probe, nil, nil), registry
}

func waitForCount(t *testing.T, counter *atomic.Int64, want int64) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for counter.Load() < want {
		select {
		case <-deadline:
			t.Fatalf("callback ran %d times, wanted at least %d", counter.Load(), want)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestStart_RunsIterationsUntilStopped(t *testing.T) {
	sampler, registry := newLoopFixture(t, stubProbe{cpu: 10, mem: 20, disk: 30})

	var count atomic.Int64
	stopChan := make(chan struct{})
	exited := make(chan struct{})

	go func() {
		Start(sampler, registry, []Callback{
			func(result breaker.EvaluationResult, h health.SystemHealth) {
				count.Add(1)
			},
		}, 10*time.Millisecond, stopChan)
		close(exited)
	}()

	waitForCount(t, &count, 3)
	close(stopChan)

	select {
	case <-exited:
	case <-time.After(time.Second):
		t.Fatal("loop did not exit after stop")
	}
}

func TestStart_SurvivesPanickingCallback(t *testing.T) {
	sampler, registry := newLoopFixture(t, stubProbe{cpu: 10, mem: 20, disk: 30})

	var panics, healthy atomic.Int64
	stopChan := make(chan struct{})
	defer close(stopChan)

	go Start(sampler, registry, []Callback{
		func(result breaker.EvaluationResult, h health.SystemHealth) {
			panics.Add(1)
			panic("broadcast backend down")
		},
		func(result breaker.EvaluationResult, h health.SystemHealth) {
			healthy.Add(1)
		},
	}, 5*time.Millisecond, stopChan)

	// The panic aborts the rest of the iteration but never the loop itself.
	waitForCount(t, &panics, 3)
	assert.Zero(t, healthy.Load())
}

func TestStart_IterationTripsBreakers(t *testing.T) {
	sampler, registry := newLoopFixture(t, stubProbe{cpu: 95, mem: 20, disk: 30})

	var lastResult atomic.Pointer[breaker.EvaluationResult]
	stopChan := make(chan struct{})
	defer close(stopChan)

	go Start(sampler, registry, []Callback{
		func(result breaker.EvaluationResult, h health.SystemHealth) {
			lastResult.Store(&result)
		},
	}, 5*time.Millisecond, stopChan)

	require.Eventually(t, func() bool {
		st, ok := registry.StatusOf(breaker.LevelAgent, breaker.SystemAgentIdentifier)
		return ok && st.State == breaker.StateTripped
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		res := lastResult.Load()
		return res != nil && res.TotalTripped == 1
	}, 2*time.Second, 5*time.Millisecond)
}
