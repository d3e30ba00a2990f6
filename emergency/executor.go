// emergency/executor.go
package emergency

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jthadison/tmt-sub006/breaker"
	"github.com/jthadison/tmt-sub006/events"
	"github.com/jthadison/tmt-sub006/execution"
	"github.com/jthadison/tmt-sub006/logs"
	"github.com/jthadison/tmt-sub006/metrics"
)

// StopRequest asks for an emergency stop of one breaker scope.
type StopRequest struct {
	Level         breaker.Level     `json:"level"`
	Identifier    string            `json:"identifier"`
	Reason        breaker.Reason    `json:"reason"`
	Details       map[string]string `json:"details,omitempty"`
	Force         bool              `json:"force"`
	CorrelationID string            `json:"correlation_id,omitempty"`
}

// StopResponse reports the synchronous outcome of a stop request. Position
// closure runs detached; its outcome is a separate fact reported through
// VerifyPositionClosure or event publication.
type StopResponse struct {
	Success        bool           `json:"success"`
	Level          breaker.Level  `json:"level"`
	Identifier     string         `json:"identifier"`
	PreviousState  breaker.State  `json:"previous_state"`
	NewState       breaker.State  `json:"new_state"`
	Message        string         `json:"message,omitempty"`
	ResponseTimeMS float64        `json:"response_time_ms"`
	CorrelationID  string         `json:"correlation_id"`
}

// ClosureResult is the joined outcome of a detached closure task.
type ClosureResult struct {
	CorrelationID   string    `json:"correlation_id"`
	Found           bool      `json:"found"`
	Completed       bool      `json:"completed"`
	Success         bool      `json:"success"`
	PositionsClosed int       `json:"positions_closed"`
	PositionsFailed int       `json:"positions_failed"`
	Errors          []string  `json:"errors,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at,omitempty"`
}

// stopTask is the handle of one detached closure task. result is written
// exactly once, before done is closed.
type stopTask struct {
	correlationID string
	startedAt     time.Time
	done          chan struct{}
	result        *ClosureResult
}

// Executor performs emergency stops: it trips the targeted breaker
// synchronously and launches position closure as a detached, tracked task.
// The breaker trip is authoritative and is never rolled back; a failed
// closure is reported, not retried on the stop path.
type Executor struct {
	registry  *breaker.Registry
	engine    execution.EngineClient
	publisher events.Publisher // optional

	closureTimeout time.Duration
	completedCap   int

	mu             sync.Mutex
	active         map[string]*stopTask
	completed      map[string]*ClosureResult
	completedOrder []string
	closed         bool

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewExecutor creates an executor. publisher may be nil.
func NewExecutor(registry *breaker.Registry, engine execution.EngineClient, publisher events.Publisher, closureTimeout time.Duration, completedCap int) *Executor {
	if closureTimeout <= 0 {
		closureTimeout = 5 * time.Second
	}
	if completedCap <= 0 {
		completedCap = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		registry:       registry,
		engine:         engine,
		publisher:      publisher,
		closureTimeout: closureTimeout,
		completedCap:   completedCap,
		active:         make(map[string]*stopTask),
		completed:      make(map[string]*ClosureResult),
		baseCtx:        ctx,
		cancel:         cancel,
	}
}

// Stop executes an emergency stop. The returned response covers only the
// in-process work; the position-closure network call is strictly
// fire-and-forget from this method's perspective. A non-forced stop of an
// already-tripped breaker is an idempotent no-op.
func (e *Executor) Stop(req StopRequest) (StopResponse, error) {
	start := time.Now()

	level, identifier, accountID, err := normalizeTarget(req)
	if err != nil {
		return StopResponse{}, err
	}
	reason := req.Reason
	if reason == "" {
		reason = breaker.ReasonManualTrigger
	}
	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	details := make(map[string]string, len(req.Details)+1)
	for k, v := range req.Details {
		details[k] = v
	}
	details["correlation_id"] = correlationID

	// The already-tripped check and the trip must be one atomic step, so
	// concurrent non-forced stops cannot both pass the check and launch
	// duplicate closure tasks.
	var prevState breaker.State
	if req.Force {
		if st, ok := e.registry.StatusOf(level, identifier); ok {
			prevState = st.State
		}
		if err := e.registry.Trigger(level, identifier, reason, details); err != nil {
			return StopResponse{}, fmt.Errorf("failed to trip %s/%s: %w", level, identifier, err)
		}
	} else {
		prev, tripped, err := e.registry.TriggerUnlessTripped(level, identifier, reason, details)
		if err != nil {
			return StopResponse{}, fmt.Errorf("failed to trip %s/%s: %w", level, identifier, err)
		}
		prevState = prev
		if !tripped {
			return StopResponse{
				Success:        true,
				Level:          level,
				Identifier:     identifier,
				PreviousState:  prevState,
				NewState:       breaker.StateTripped,
				Message:        "already tripped",
				ResponseTimeMS: elapsedMS(start),
				CorrelationID:  correlationID,
			}, nil
		}
	}

	// Agents own no positions; only system- and account-level stops launch
	// a closure task.
	if level != breaker.LevelAgent {
		if err := e.launchClosure(level, accountID, correlationID); err != nil {
			logs.Errorf("[Emergency] could not launch closure task for %s: %v", correlationID, err)
		}
	}

	if e.publisher != nil {
		e.publisher.PublishTriggered(level, identifier, reason, details, correlationID)
	}

	elapsed := elapsedMS(start)
	metrics.EmergencyStopLatency.Observe(elapsed)
	logs.Warnf("[Emergency] %s/%s stopped in %.2fms (corr=%s)", level, identifier, elapsed, correlationID)

	return StopResponse{
		Success:        true,
		Level:          level,
		Identifier:     identifier,
		PreviousState:  prevState,
		NewState:       breaker.StateTripped,
		ResponseTimeMS: elapsed,
		CorrelationID:  correlationID,
	}, nil
}

// launchClosure registers the task under its correlation id and spawns the
// detached goroutine. Registration happens before Stop returns.
func (e *Executor) launchClosure(level breaker.Level, accountID, correlationID string) error {
	task := &stopTask{
		correlationID: correlationID,
		startedAt:     time.Now(),
		done:          make(chan struct{}),
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return fmt.Errorf("executor is shut down")
	}
	if _, exists := e.active[correlationID]; exists {
		e.mu.Unlock()
		return fmt.Errorf("closure task already active for correlation id %s", correlationID)
	}
	e.active[correlationID] = task
	e.wg.Add(1)
	e.mu.Unlock()

	go e.runClosure(task, level, accountID)
	return nil
}

// runClosure is the detached closure task. Its failures land on its own
// result, never on the already-returned stop response.
func (e *Executor) runClosure(task *stopTask, level breaker.Level, accountID string) {
	defer e.wg.Done()

	ctx, cancel := context.WithTimeout(e.baseCtx, e.closureTimeout)
	defer cancel()

	var res execution.CloseResult
	var err error
	switch level {
	case breaker.LevelSystem:
		res, err = e.engine.CloseAllPositions(ctx, task.correlationID)
	case breaker.LevelAccount:
		res, err = e.engine.CloseAccountPositions(ctx, accountID, task.correlationID)
	}

	result := &ClosureResult{
		CorrelationID:   task.correlationID,
		Found:           true,
		Completed:       true,
		Success:         err == nil && res.Failed == 0,
		PositionsClosed: res.Closed,
		PositionsFailed: res.Failed,
		Errors:          res.Errors,
		StartedAt:       task.startedAt,
		FinishedAt:      time.Now(),
	}
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
	}

	if result.Success {
		metrics.PositionClosures.WithLabelValues("success").Inc()
		logs.Infof("[Emergency] closure %s complete: %d positions closed", task.correlationID, res.Closed)
	} else {
		metrics.PositionClosures.WithLabelValues("failure").Inc()
		logs.Errorf("[Emergency] closure %s failed: closed=%d failed=%d err=%v", task.correlationID, res.Closed, res.Failed, err)
		if e.publisher != nil {
			e.publisher.PublishAlert("position_closure_failed",
				fmt.Sprintf("position closure incomplete: %d closed, %d failed", res.Closed, res.Failed),
				events.SeverityCritical,
				map[string]string{"level": level.String(), "account_id": accountID},
				task.correlationID)
		}
	}

	// Publish the result, move it to the completed buffer and wake joiners.
	e.mu.Lock()
	task.result = result
	delete(e.active, task.correlationID)
	e.retainCompletedLocked(result)
	e.mu.Unlock()
	close(task.done)
}

// retainCompletedLocked keeps the result for late verification, evicting
// the oldest entry past capacity.
func (e *Executor) retainCompletedLocked(result *ClosureResult) {
	if len(e.completedOrder) >= e.completedCap {
		oldest := e.completedOrder[0]
		e.completedOrder = e.completedOrder[1:]
		delete(e.completed, oldest)
	}
	e.completed[result.CorrelationID] = result
	e.completedOrder = append(e.completedOrder, result.CorrelationID)
}

// VerifyPositionClosure joins on a previously detached closure task,
// waiting up to timeout. Completed tasks resolve from the retained results;
// unknown correlation ids report not-found.
func (e *Executor) VerifyPositionClosure(correlationID string, timeout time.Duration) ClosureResult {
	e.mu.Lock()
	if task, ok := e.active[correlationID]; ok {
		e.mu.Unlock()
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-task.done:
			return *task.result
		case <-timer.C:
			return ClosureResult{
				CorrelationID: correlationID,
				Found:         true,
				Completed:     false,
				StartedAt:     task.startedAt,
				Errors:        []string{fmt.Sprintf("closure still in flight after %s", timeout)},
			}
		}
	}
	if result, ok := e.completed[correlationID]; ok {
		e.mu.Unlock()
		return *result
	}
	e.mu.Unlock()
	return ClosureResult{CorrelationID: correlationID, Found: false}
}

// ActiveStops returns the correlation ids of in-flight closure tasks.
func (e *Executor) ActiveStops() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}
	return ids
}

// Close stops accepting work, cancels in-flight closure contexts and waits
// for tasks up to the grace period.
func (e *Executor) Close(grace time.Duration) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	inFlight := len(e.active)
	e.mu.Unlock()

	if inFlight > 0 {
		logs.Warnf("[Emergency] shutting down with %d closure task(s) in flight, waiting up to %s", inFlight, grace)
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		e.cancel()
		<-done
	}
	e.cancel()
	logs.Info("[Emergency] executor closed.")
}

// normalizeTarget validates the request target and resolves the breaker
// identifier plus the account id used for closure.
func normalizeTarget(req StopRequest) (breaker.Level, string, string, error) {
	if !req.Level.Valid() {
		return 0, "", "", fmt.Errorf("invalid breaker level %d", int(req.Level))
	}
	switch req.Level {
	case breaker.LevelSystem:
		return breaker.LevelSystem, breaker.SystemIdentifier, "", nil
	case breaker.LevelAccount:
		accountID := req.Identifier
		if accountID == "" {
			accountID = req.Details["account_id"]
		}
		if accountID == "" {
			return 0, "", "", fmt.Errorf("account-level stop requires an account id")
		}
		return breaker.LevelAccount, accountID, accountID, nil
	default:
		if req.Identifier == "" {
			return 0, "", "", fmt.Errorf("agent-level stop requires an agent id")
		}
		return breaker.LevelAgent, req.Identifier, "", nil
	}
}

func elapsedMS(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
