// health/accounts.go
package health

import (
	"fmt"
	"sync"
	"time"

	"github.com/jthadison/tmt-sub006/utils"
)

// AccountStore tracks per-account risk metrics from recorded trades and
// exposure updates. It is the default AccountSource implementation; a live
// deployment may replace it with a store backed by the position service.
type AccountStore struct {
	mu       sync.RWMutex
	accounts map[string]*accountState
}

type accountState struct {
	accountID      string
	startingEquity float64
	dailyPnL       float64
	peakEquity     float64
	maxDrawdown    float64
	positionCount  int
	totalExposure  float64
	lastTradeTime  time.Time
}

// NewAccountStore creates an empty account store.
func NewAccountStore() *AccountStore {
	return &AccountStore{accounts: make(map[string]*accountState)}
}

// Register adds an account with its starting equity. Recording a trade for
// an unknown account registers it implicitly with zero starting equity, so
// Register is only required when drawdown fractions should be meaningful.
func (as *AccountStore) Register(accountID string, startingEquity float64) error {
	if accountID == "" {
		return fmt.Errorf("account id must not be empty")
	}
	if startingEquity < 0 {
		return fmt.Errorf("starting equity must not be negative, got %.4f", startingEquity)
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	as.accounts[accountID] = &accountState{
		accountID:      accountID,
		startingEquity: startingEquity,
		peakEquity:     startingEquity,
	}
	return nil
}

// RecordTrade applies one realized trade PnL to the account and refreshes
// its drawdown figures.
func (as *AccountStore) RecordTrade(accountID string, pnl float64) {
	as.mu.Lock()
	defer as.mu.Unlock()
	st := as.getOrCreateLocked(accountID)
	st.dailyPnL += pnl
	st.lastTradeTime = time.Now()

	equity := st.startingEquity + st.dailyPnL
	if equity > st.peakEquity {
		st.peakEquity = equity
	}
	if dd := drawdown(st.peakEquity, equity); dd > st.maxDrawdown {
		st.maxDrawdown = dd
	}
}

// UpdateExposure refreshes the open-position figures for an account.
func (as *AccountStore) UpdateExposure(accountID string, positionCount int, totalExposure float64) {
	as.mu.Lock()
	defer as.mu.Unlock()
	st := as.getOrCreateLocked(accountID)
	st.positionCount = positionCount
	st.totalExposure = totalExposure
}

// ResetDaily starts a new trading day: daily PnL and peaks are rebased on
// current equity. Max drawdown is deliberately retained.
func (as *AccountStore) ResetDaily() {
	as.mu.Lock()
	defer as.mu.Unlock()
	for _, st := range as.accounts {
		st.startingEquity += st.dailyPnL
		st.dailyPnL = 0
		st.peakEquity = st.startingEquity
	}
}

// Snapshot implements AccountSource.
func (as *AccountStore) Snapshot() (map[string]AccountMetrics, error) {
	as.mu.RLock()
	defer as.mu.RUnlock()
	out := make(map[string]AccountMetrics, len(as.accounts))
	for id, st := range as.accounts {
		equity := st.startingEquity + st.dailyPnL
		out[id] = AccountMetrics{
			AccountID:     st.accountID,
			DailyPnL:      st.dailyPnL,
			DailyDrawdown: drawdown(st.peakEquity, equity),
			MaxDrawdown:   st.maxDrawdown,
			PositionCount: st.positionCount,
			TotalExposure: st.totalExposure,
			LastTradeTime: st.lastTradeTime,
		}
	}
	return out, nil
}

func (as *AccountStore) getOrCreateLocked(accountID string) *accountState {
	st, ok := as.accounts[accountID]
	if !ok {
		st = &accountState{accountID: accountID}
		as.accounts[accountID] = st
	}
	return st
}

// drawdown returns the peak-to-current decline as a fraction of the peak.
func drawdown(peak, current float64) float64 {
	if peak <= 0 || current >= peak {
		return 0
	}
	return utils.Clamp((peak-current)/peak, 0, 1)
}

// SimulatedMarket is a MarketSource with externally settable conditions,
// used in simulation mode and in tests.
type SimulatedMarket struct {
	mu         sync.RWMutex
	conditions MarketConditions
}

// NewSimulatedMarket starts with calm conditions.
func NewSimulatedMarket() *SimulatedMarket {
	return &SimulatedMarket{conditions: MarketConditions{Volatility: 1.0}}
}

// Set replaces the current simulated conditions.
func (m *SimulatedMarket) Set(mc MarketConditions) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conditions = mc
}

// Conditions implements MarketSource.
func (m *SimulatedMarket) Conditions() (MarketConditions, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conditions, nil
}
