// execution/interface.go
package execution

import "context"

// CloseResult reports the outcome of a position-closure call. Clients
// always return a usable result object; partial failures are described by
// Failed/FailedIDs/Errors rather than by panicking.
type CloseResult struct {
	Closed    int      `json:"closed"`
	Failed    int      `json:"failed"`
	FailedIDs []string `json:"failed_ids,omitempty"`
	Errors    []string `json:"errors,omitempty"`
}

// EngineClient is the contract the execution engine must implement. Both
// calls honor the caller's context deadline and must never panic past this
// boundary.
type EngineClient interface {
	// CloseAllPositions closes every open position on the engine.
	CloseAllPositions(ctx context.Context, correlationID string) (CloseResult, error)

	// CloseAccountPositions closes all positions held by one account.
	CloseAccountPositions(ctx context.Context, accountID, correlationID string) (CloseResult, error)
}
