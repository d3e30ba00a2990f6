// health/sampler.go
package health

import (
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/jthadison/tmt-sub006/logs"
	"github.com/jthadison/tmt-sub006/metrics"
	"github.com/jthadison/tmt-sub006/utils"
)

const (
	// windowSize bounds the rolling response-time and outcome windows.
	windowSize = 100

	// degradedResponseTimeMS is the sentinel reported when sampling fails.
	// It exceeds every response-time threshold so a blind sampler trips the
	// system breaker instead of silently passing.
	degradedResponseTimeMS = 10000
)

// SystemProbe reads raw OS metrics. Narrow interface so tests can substitute
// a deterministic probe.
type SystemProbe interface {
	CPUPercent() (float64, error)
	MemoryPercent() (float64, error)
	DiskPercent() (float64, error)
}

// gopsutilProbe is the production probe backed by gopsutil.
type gopsutilProbe struct{}

func (gopsutilProbe) CPUPercent() (float64, error) {
	percents, err := cpu.Percent(0, false)
	if err != nil {
		return 0, err
	}
	if len(percents) == 0 {
		return 0, nil
	}
	return percents[0], nil
}

func (gopsutilProbe) MemoryPercent() (float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}

func (gopsutilProbe) DiskPercent() (float64, error) {
	du, err := disk.Usage("/")
	if err != nil {
		return 0, err
	}
	return du.UsedPercent, nil
}

// Sampler produces SystemHealth, MarketConditions and AccountMetrics
// snapshots for the evaluation loop. It owns two rolling windows (recent
// response times and recent call outcomes) fed by whoever observes real
// trading traffic. A sampler has a single owner; only the record methods
// and SetActiveConnections are safe for concurrent callers.
type Sampler struct {
	mu       sync.Mutex
	probe    SystemProbe
	market   MarketSource  // optional
	accounts AccountSource // optional

	respTimesMS []float64
	outcomes    []bool // true = error

	activeConnections int
	lastHealth        *SystemHealth
}

// NewSampler creates a sampler using the OS-backed probe. Market and account
// sources may be nil; the corresponding snapshots are then omitted.
func NewSampler(market MarketSource, accounts AccountSource) *Sampler {
	return NewSamplerWithProbe(gopsutilProbe{}, market, accounts)
}

// NewSamplerWithProbe creates a sampler with an explicit probe, for tests.
func NewSamplerWithProbe(probe SystemProbe, market MarketSource, accounts AccountSource) *Sampler {
	return &Sampler{
		probe:       probe,
		market:      market,
		accounts:    accounts,
		respTimesMS: make([]float64, 0, windowSize),
		outcomes:    make([]bool, 0, windowSize),
	}
}

// RecordResponseTime adds one observed call latency to the rolling window.
func (s *Sampler) RecordResponseTime(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.respTimesMS) >= windowSize {
		s.respTimesMS = s.respTimesMS[1:]
	}
	s.respTimesMS = append(s.respTimesMS, float64(d.Milliseconds()))
}

// RecordOutcome adds one observed call outcome to the rolling window.
func (s *Sampler) RecordOutcome(failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.outcomes) >= windowSize {
		s.outcomes = s.outcomes[1:]
	}
	s.outcomes = append(s.outcomes, failed)
}

// SetActiveConnections updates the connection count reported in snapshots.
func (s *Sampler) SetActiveConnections(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n < 0 {
		n = 0
	}
	s.activeConnections = n
}

// SampleHealth produces one SystemHealth snapshot. It never fails: if the
// OS probe errors, a maximally conservative snapshot is returned so the
// evaluation loop always has a value to act on.
func (s *Sampler) SampleHealth() SystemHealth {
	cpuPct, cpuErr := s.probe.CPUPercent()
	memPct, memErr := s.probe.MemoryPercent()
	diskPct, diskErr := s.probe.DiskPercent()

	s.mu.Lock()
	defer s.mu.Unlock()

	h := SystemHealth{
		ActiveConnections: s.activeConnections,
		Timestamp:         time.Now(),
	}

	if cpuErr != nil || memErr != nil || diskErr != nil {
		logs.Errorf("[Health] OS metrics sampling failed (cpu=%v, mem=%v, disk=%v), returning degraded snapshot", cpuErr, memErr, diskErr)
		metrics.SamplerFailures.Inc()
		h.CPUUsage = 100
		h.MemoryUsage = 100
		h.DiskUsage = 100
		h.ErrorRate = 1.0
		h.ResponseTimeMS = degradedResponseTimeMS
	} else {
		h.CPUUsage = utils.Clamp(cpuPct, 0, 100)
		h.MemoryUsage = utils.Clamp(memPct, 0, 100)
		h.DiskUsage = utils.Clamp(diskPct, 0, 100)
		h.ErrorRate = s.errorRateLocked()
		h.ResponseTimeMS = utils.Mean(s.respTimesMS)
	}

	copied := h
	s.lastHealth = &copied
	return h
}

// SampleMarket produces a market snapshot, or nil when no source is wired
// or the source fails (market checks are then skipped for the cycle).
func (s *Sampler) SampleMarket() *MarketConditions {
	if s.market == nil {
		return nil
	}
	mc, err := s.market.Conditions()
	if err != nil {
		logs.Errorf("[Health] Market sampling failed: %v", err)
		return nil
	}
	return &mc
}

// SampleAccounts produces the per-account metrics map, empty on failure.
func (s *Sampler) SampleAccounts() map[string]AccountMetrics {
	if s.accounts == nil {
		return map[string]AccountMetrics{}
	}
	snap, err := s.accounts.Snapshot()
	if err != nil {
		logs.Errorf("[Health] Account sampling failed: %v", err)
		return map[string]AccountMetrics{}
	}
	return snap
}

// LastHealth returns the most recent snapshot for external queries, or a
// zeroed conservative default when nothing has been sampled yet.
func (s *Sampler) LastHealth() SystemHealth {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastHealth == nil {
		return SystemHealth{Timestamp: time.Now()}
	}
	return *s.lastHealth
}

// errorRateLocked computes errors / (errors + successes) over the window.
func (s *Sampler) errorRateLocked() float64 {
	if len(s.outcomes) == 0 {
		return 0
	}
	var errorCount int
	for _, failed := range s.outcomes {
		if failed {
			errorCount++
		}
	}
	return float64(errorCount) / float64(len(s.outcomes))
}
