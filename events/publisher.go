// events/publisher.go
package events

import (
	"context"

	"github.com/jthadison/tmt-sub006/breaker"
	"github.com/jthadison/tmt-sub006/logs"
)

// Severity classifies alerts.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Publisher delivers breaker events to the outside world. Implementations
// are best-effort and fire-and-forget: they log their own failures and must
// never block or panic into the core. The core never depends on a concrete
// broker client.
type Publisher interface {
	PublishTriggered(level breaker.Level, identifier string, reason breaker.Reason, details map[string]string, correlationID string)
	PublishStatusUpdate(snapshot breaker.Snapshot, correlationID string)
	PublishAlert(alertType, message string, severity Severity, details map[string]string, correlationID string)
}

// Advisor produces an optional human-readable narration of a trip. It is
// consulted after the fact and never sits on the decision path: the breaker
// trips correctly with no advisor present.
type Advisor interface {
	Explain(ctx context.Context, event breaker.TriggerEvent) (string, error)
}

// Ensure LogPublisher implements Publisher interface
var _ Publisher = (*LogPublisher)(nil)

// LogPublisher is the default publisher: everything goes to the log. A
// deployment with an event bus swaps this for a broker-backed publisher.
type LogPublisher struct{}

// NewLogPublisher creates a log-backed publisher.
func NewLogPublisher() *LogPublisher {
	return &LogPublisher{}
}

func (p *LogPublisher) PublishTriggered(level breaker.Level, identifier string, reason breaker.Reason, details map[string]string, correlationID string) {
	logs.Warnf("[Events] breaker triggered: level=%s id=%s reason=%s corr=%s details=%v", level, identifier, reason, correlationID, details)
}

func (p *LogPublisher) PublishStatusUpdate(snapshot breaker.Snapshot, correlationID string) {
	logs.Infof("[Events] status update: system=%s accounts=%d agents=%d healthy=%t corr=%s",
		snapshot.SystemBreaker.State, len(snapshot.AccountBreakers), len(snapshot.AgentBreakers), snapshot.OverallHealthy, correlationID)
}

func (p *LogPublisher) PublishAlert(alertType, message string, severity Severity, details map[string]string, correlationID string) {
	switch severity {
	case SeverityCritical:
		logs.Errorf("[Events] alert %s (%s): %s corr=%s details=%v", alertType, severity, message, correlationID, details)
	case SeverityWarning:
		logs.Warnf("[Events] alert %s (%s): %s corr=%s details=%v", alertType, severity, message, correlationID, details)
	default:
		logs.Infof("[Events] alert %s (%s): %s corr=%s details=%v", alertType, severity, message, correlationID, details)
	}
}
