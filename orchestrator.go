// orchestrator.go
package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jthadison/tmt-sub006/breaker"
	"github.com/jthadison/tmt-sub006/config"
	"github.com/jthadison/tmt-sub006/emergency"
	"github.com/jthadison/tmt-sub006/events"
	"github.com/jthadison/tmt-sub006/execution"
	"github.com/jthadison/tmt-sub006/health"
	"github.com/jthadison/tmt-sub006/logs"
	"github.com/jthadison/tmt-sub006/monitor"
)

// Orchestrator wires the sampler, registry, executor and monitor loop into
// one process and owns their lifecycle.
type Orchestrator struct {
	cfg       *config.Config
	engine    execution.EngineClient
	publisher events.Publisher
	advisor   events.Advisor // optional, never on the decision path

	market   *health.SimulatedMarket
	accounts *health.AccountStore
	sampler  *health.Sampler
	registry *breaker.Registry
	executor *emergency.Executor

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewOrchestrator(cfg *config.Config, envCfg *config.EnvConfig) (*Orchestrator, error) {
	var engine execution.EngineClient
	if cfg.UseSimulation {
		engine = execution.NewMockClient()
		logs.Warnf("<<<<<<<<<< WARNING: Running in simulation mode >>>>>>>>>>")
	} else {
		client, err := execution.NewHTTPClient(envCfg.EngineBaseURL, envCfg.EngineAPIKey, cfg.Emergency.ClosureTimeoutSeconds)
		if err != nil {
			return nil, fmt.Errorf("failed to create execution engine client: %w", err)
		}
		engine = client
	}

	market := health.NewSimulatedMarket()
	accounts := health.NewAccountStore()
	sampler := health.NewSampler(market, accounts)
	registry := breaker.NewRegistry(cfg.Thresholds, cfg.Recovery)
	publisher := events.NewLogPublisher()

	executor := emergency.NewExecutor(
		registry,
		engine,
		publisher,
		time.Duration(cfg.Emergency.ClosureTimeoutSeconds)*time.Second,
		cfg.Emergency.CompletedResultsBuffer,
	)

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:       cfg,
		engine:    engine,
		publisher: publisher,
		market:    market,
		accounts:  accounts,
		sampler:   sampler,
		registry:  registry,
		executor:  executor,
		ctx:       ctx,
		cancel:    cancel,
	}

	registry.SetTripCallback(o.onTrip)
	return o, nil
}

// SetAdvisor installs the optional narration hook. Must be called before
// Start.
func (o *Orchestrator) SetAdvisor(a events.Advisor) {
	o.advisor = a
}

// onTrip publishes every trip and, when an advisor is wired, asks it for a
// narration off the critical path.
func (o *Orchestrator) onTrip(ev breaker.TriggerEvent) {
	correlationID := ev.Details["correlation_id"]
	o.publisher.PublishTriggered(ev.Level, ev.Identifier, ev.Reason, ev.Details, correlationID)

	if o.advisor == nil {
		return
	}
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				logs.Errorf("[Orchestrator] Advisor panicked: %v", rec)
			}
		}()
		ctx, cancel := context.WithTimeout(o.ctx, 10*time.Second)
		defer cancel()
		narration, err := o.advisor.Explain(ctx, ev)
		if err != nil {
			logs.Errorf("[Orchestrator] Advisor failed for %s/%s: %v", ev.Level, ev.Identifier, err)
			return
		}
		logs.Infof("[Advisor] %s/%s: %s", ev.Level, ev.Identifier, narration)
	}()
}

// Start launches the monitor loop.
func (o *Orchestrator) Start() {
	callbacks := []monitor.Callback{
		func(result breaker.EvaluationResult, h health.SystemHealth) {
			if len(result.Triggered) > 0 {
				o.publisher.PublishStatusUpdate(o.registry.GetSnapshot(), "")
			}
		},
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		monitor.Start(
			o.sampler,
			o.registry,
			callbacks,
			time.Duration(o.cfg.Monitor.IntervalSeconds)*time.Second,
			o.ctx.Done(),
		)
	}()
	logs.Info("Circuit breaker core started, press Ctrl+C to exit.")
}

// TriggerStop executes an emergency stop request.
func (o *Orchestrator) TriggerStop(req emergency.StopRequest) (emergency.StopResponse, error) {
	return o.executor.Stop(req)
}

// VerifyPositionClosure joins on a detached closure task.
func (o *Orchestrator) VerifyPositionClosure(correlationID string, timeout time.Duration) emergency.ClosureResult {
	return o.executor.VerifyPositionClosure(correlationID, timeout)
}

// ResetBreaker is the administrative reset surface.
func (o *Orchestrator) ResetBreaker(level breaker.Level, identifier string) error {
	return o.registry.ManualReset(level, identifier)
}

// GetStatus returns the current breaker snapshot. It never errors; before
// the first sample it reports a normal system breaker and empty maps.
func (o *Orchestrator) GetStatus() breaker.Snapshot {
	return o.registry.GetSnapshot()
}

// LastHealth returns the most recent health snapshot for external queries.
func (o *Orchestrator) LastHealth() health.SystemHealth {
	return o.sampler.LastHealth()
}

// AccountStore exposes the account metrics store so trade outcomes can be
// recorded by the embedding service.
func (o *Orchestrator) AccountStore() *health.AccountStore {
	return o.accounts
}

// Stop shuts everything down: monitor loop first so no new evaluations
// fire, then recovery timers, then in-flight closure tasks with a grace
// period.
func (o *Orchestrator) Stop() {
	logs.Info("Received close signal, starting graceful shutdown...")

	o.cancel()
	o.wg.Wait()

	o.registry.Close()
	o.executor.Close(time.Duration(o.cfg.Emergency.ShutdownGraceSeconds) * time.Second)

	snapshot := o.registry.GetSnapshot()
	logs.Infof("Final state: system=%s, account breakers=%d, agent breakers=%d, healthy=%t",
		snapshot.SystemBreaker.State, len(snapshot.AccountBreakers), len(snapshot.AgentBreakers), snapshot.OverallHealthy)
	logs.Info("All services stopped successfully.")
}
