package metrics

import "time"

// CircuitState mirrors the data store circuit breaker state.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Collector receives engine events. Implementations must be safe for concurrent use.
type Collector interface {
	// RecordTransaction counts a transaction created or transitioned into status.
	RecordTransaction(category, status string)
	// RecordWithdrawal counts a withdrawal request created or transitioned into status.
	RecordWithdrawal(status string)
	// RecordBalanceCredit tracks money moved into a balance kind (wallet or top_up).
	RecordBalanceCredit(kind string, amount float64)
	// RecordQuotaRejection counts a create/promote refused by a plan limit.
	RecordQuotaRejection(dimension string)
	// RecordCheckout counts a checkout attempt by outcome with its line count.
	RecordCheckout(outcome string, lines int)
	// RecordStoreCall tracks a data store call.
	RecordStoreCall(op string, success bool, duration time.Duration)
	// RecordCircuitState reports a circuit breaker transition.
	RecordCircuitState(name string, state CircuitState)
}

// NoOpCollector discards all events.
type NoOpCollector struct{}

func (NoOpCollector) RecordTransaction(string, string) {}
func (NoOpCollector) RecordWithdrawal(string) {}
func (NoOpCollector) RecordBalanceCredit(string, float64) {}
func (NoOpCollector) RecordQuotaRejection(string) {}
func (NoOpCollector) RecordCheckout(string, int) {}
func (NoOpCollector) RecordStoreCall(string, bool, time.Duration) {}
func (NoOpCollector) RecordCircuitState(string, CircuitState) {}

// OrNoOp returns c, or a NoOpCollector when c is nil.
func OrNoOp(c Collector) Collector {
	if c == nil {
		return NoOpCollector{}
	}
	return c
}
