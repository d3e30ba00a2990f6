// execution/mock_client.go
package execution

import (
	"context"
	"fmt"
	"sync"
	"time"
)

//
// Mock execution engine for running and testing the stop path without a
// real engine behind it.
//

// Ensure MockClient implements EngineClient interface
var _ EngineClient = (*MockClient)(nil)

// MockCall records one call made against the mock engine.
type MockCall struct {
	Method        string
	AccountID     string
	CorrelationID string
	At            time.Time
}

// MockClient simulates the execution engine. Positions are registered per
// account; latency and failures are injectable for tests and simulation
// runs. All methods are safe for concurrent use.
type MockClient struct {
	mu        sync.Mutex
	positions map[string][]string // account id -> open position ids
	calls     []MockCall

	latency      time.Duration
	failNext     bool
	failAlways   bool
	partialFails int // positions per call reported as failed to close
}

// NewMockClient creates a mock engine with no open positions.
func NewMockClient() *MockClient {
	return &MockClient{positions: make(map[string][]string)}
}

// AddPosition registers an open position for an account.
func (m *MockClient) AddPosition(accountID, positionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[accountID] = append(m.positions[accountID], positionID)
}

// SetLatency makes every call take at least d before responding.
func (m *MockClient) SetLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency = d
}

// FailNext makes the next call return a transport error.
func (m *MockClient) FailNext() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = true
}

// SetFailAlways makes every call return a transport error.
func (m *MockClient) SetFailAlways(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAlways = fail
}

// SetPartialFailures makes each call report n positions as failed to close.
func (m *MockClient) SetPartialFailures(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.partialFails = n
}

// Calls returns a copy of the recorded call journal.
func (m *MockClient) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// CloseAllPositions implements EngineClient.
func (m *MockClient) CloseAllPositions(ctx context.Context, correlationID string) (CloseResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, MockCall{Method: "CloseAllPositions", CorrelationID: correlationID, At: time.Now()})
	var all []string
	for _, ids := range m.positions {
		all = append(all, ids...)
	}
	latency, failed := m.latency, m.consumeFailureLocked()
	m.mu.Unlock()

	if err := wait(ctx, latency); err != nil {
		return CloseResult{Errors: []string{err.Error()}}, err
	}
	if failed {
		err := fmt.Errorf("simulated engine failure")
		return CloseResult{Errors: []string{err.Error()}}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions = make(map[string][]string)
	return m.resultLocked(all), nil
}

// CloseAccountPositions implements EngineClient.
func (m *MockClient) CloseAccountPositions(ctx context.Context, accountID, correlationID string) (CloseResult, error) {
	if accountID == "" {
		return CloseResult{}, fmt.Errorf("account id must not be empty")
	}

	m.mu.Lock()
	m.calls = append(m.calls, MockCall{Method: "CloseAccountPositions", AccountID: accountID, CorrelationID: correlationID, At: time.Now()})
	ids := m.positions[accountID]
	latency, failed := m.latency, m.consumeFailureLocked()
	m.mu.Unlock()

	if err := wait(ctx, latency); err != nil {
		return CloseResult{Errors: []string{err.Error()}}, err
	}
	if failed {
		err := fmt.Errorf("simulated engine failure")
		return CloseResult{Errors: []string{err.Error()}}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.positions, accountID)
	return m.resultLocked(ids), nil
}

func (m *MockClient) consumeFailureLocked() bool {
	if m.failAlways {
		return true
	}
	if m.failNext {
		m.failNext = false
		return true
	}
	return false
}

func (m *MockClient) resultLocked(closed []string) CloseResult {
	res := CloseResult{Closed: len(closed)}
	if m.partialFails > 0 {
		n := m.partialFails
		if n > len(closed) {
			n = len(closed)
		}
		res.Closed = len(closed) - n
		res.Failed = n
		res.FailedIDs = append(res.FailedIDs, closed[:n]...)
		for _, id := range closed[:n] {
			res.Errors = append(res.Errors, fmt.Sprintf("simulated close failure for %s", id))
		}
	}
	return res
}

// wait sleeps for d but aborts early when the context expires.
func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
