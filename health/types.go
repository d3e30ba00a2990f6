// health/types.go
package health

import "time"

// SystemHealth is one snapshot of process and platform health. CPU, memory
// and disk are percentages in [0,100]; error rate is a fraction in [0,1].
type SystemHealth struct {
	CPUUsage          float64   `json:"cpu_usage"`
	MemoryUsage       float64   `json:"memory_usage"`
	DiskUsage         float64   `json:"disk_usage"`
	ErrorRate         float64   `json:"error_rate"`
	ResponseTimeMS    float64   `json:"response_time_ms"`
	ActiveConnections int       `json:"active_connections"`
	Timestamp         time.Time `json:"timestamp"`
}

// MarketConditions is one snapshot of market stress indicators.
// Volatility is expressed in sigma units; GapSize is a fraction of price.
type MarketConditions struct {
	Volatility           float64 `json:"volatility"`
	GapDetected          bool    `json:"gap_detected"`
	GapSize              float64 `json:"gap_size,omitempty"`
	CorrelationBreakdown bool    `json:"correlation_breakdown"`
	UnusualVolume        bool    `json:"unusual_volume"`
}

// AccountMetrics is one snapshot of a trading account's risk posture.
// Drawdowns are fractions in [0,1].
type AccountMetrics struct {
	AccountID     string    `json:"account_id"`
	DailyPnL      float64   `json:"daily_pnl"`
	DailyDrawdown float64   `json:"daily_drawdown"`
	MaxDrawdown   float64   `json:"max_drawdown"`
	PositionCount int       `json:"position_count"`
	TotalExposure float64   `json:"total_exposure"`
	LastTradeTime time.Time `json:"last_trade_time"`
}

// MarketSource provides market condition snapshots to the sampler.
type MarketSource interface {
	Conditions() (MarketConditions, error)
}

// AccountSource provides per-account metrics snapshots to the sampler.
type AccountSource interface {
	Snapshot() (map[string]AccountMetrics, error)
}
