package reliability

import (
	"fmt"
	"time"

	"github.com/glimte/mmate-oms/contracts"
)

// CircuitBreakerError is returned when the breaker refuses a send. It is a
// runtime failure in the send taxonomy.
type CircuitBreakerError struct {
	Name             string
	State            State
	Failures         int
	FailureThreshold int
	LastFailure      time.Time
	NextRetry        time.Time
}

func (e *CircuitBreakerError) Error() string {
	switch e.State {
	case StateOpen:
		retryIn := time.Until(e.NextRetry).Round(time.Millisecond)
		return fmt.Sprintf("circuit breaker %s open: send blocked (failures=%d/%d, retry in %v)",
			e.Name, e.Failures, e.FailureThreshold, retryIn)
	case StateHalfOpen:
		return fmt.Sprintf("circuit breaker %s half-open: probe limit reached", e.Name)
	default:
		return fmt.Sprintf("circuit breaker %s: send refused in state %v", e.Name, e.State)
	}
}

func (e *CircuitBreakerError) Unwrap() error {
	return contracts.ErrRuntime
}

// RetryError reports a retry loop cut short by its context
type RetryError struct {
	Attempts    int
	MaxAttempts int
	LastError   error
	Cause       error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry stopped after %d/%d attempts: %v: %v",
		e.Attempts, e.MaxAttempts, e.Cause, e.LastError)
}

func (e *RetryError) Unwrap() []error {
	return []error{e.LastError, e.Cause}
}
