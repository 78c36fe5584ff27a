package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zyndor1548/storefront-payments/internal/logging"
	"github.com/zyndor1548/storefront-payments/internal/payerrors"
)

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreakerConfig holds configuration for circuit breaker
type CircuitBreakerConfig struct {
	FailureThreshold    int           // consecutive failures before opening
	ErrorRateThreshold  float64       // error rate (0.0-1.0) over window before opening
	MinRequests         int           // requests in window before the rate counts
	WindowDuration      time.Duration // duration for error rate calculation
	CooldownPeriod      time.Duration // time in OPEN before probing
	HalfOpenMaxRequests int           // successful probes before CLOSED
}

// DefaultCircuitBreakerConfig returns production defaults
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:    10,
		ErrorRateThreshold:  0.5,
		MinRequests:         10,
		WindowDuration:      60 * time.Second,
		CooldownPeriod:      30 * time.Second,
		HalfOpenMaxRequests: 5,
	}
}

// CircuitBreaker stops hammering a provider that keeps failing. Only
// retryable failures count; a provider rejecting a bad request is healthy.
type CircuitBreaker struct {
	name            string
	state           CircuitState
	failureCount    int
	successCount    int
	totalRequests   int
	errorCount      int
	lastStateChange time.Time
	lastError       error
	mu              sync.RWMutex
	config          CircuitBreakerConfig
	requestHistory  []requestRecord
	logger          *logging.StructuredLogger
	now             func() time.Time
}

type requestRecord struct {
	timestamp time.Time
	success   bool
}

// NewCircuitBreaker creates a new circuit breaker with given config
func NewCircuitBreaker(name string, config CircuitBreakerConfig, logger *logging.StructuredLogger) *CircuitBreaker {
	return &CircuitBreaker{
		name:            name,
		state:           StateClosed,
		config:          config,
		lastStateChange: time.Now(),
		logger:          logger,
		now:             time.Now,
	}
}

// Execute runs fn with circuit breaker protection
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.beforeRequest(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.afterRequest(err)
	return err
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.now().Sub(cb.lastStateChange) > cb.config.CooldownPeriod {
			cb.transitionTo(StateHalfOpen, "cooldown elapsed")
			return nil
		}
		e := payerrors.API(503, fmt.Sprintf("circuit breaker open for %s", cb.name), "")
		e.Message = "payment provider temporarily unavailable"
		return e
	}
	return nil
}

func (cb *CircuitBreaker) afterRequest(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	failed := err != nil && payerrors.IsRetryable(err)

	cb.requestHistory = append(cb.requestHistory, requestRecord{timestamp: cb.now(), success: !failed})
	cb.cleanOldHistory()
	cb.totalRequests++

	if failed {
		cb.errorCount++
		cb.failureCount++
		cb.successCount = 0
		cb.lastError = err

		switch cb.state {
		case StateClosed:
			if cb.shouldOpen() {
				cb.transitionTo(StateOpen, fmt.Sprintf("%d consecutive failures, error rate %.2f%%",
					cb.failureCount, cb.calculateErrorRate()*100))
			}
		case StateHalfOpen:
			cb.transitionTo(StateOpen, "failure while half-open")
		}
		return
	}

	cb.failureCount = 0
	cb.successCount++
	if cb.state == StateHalfOpen && cb.successCount >= cb.config.HalfOpenMaxRequests {
		cb.transitionTo(StateClosed, "probes succeeded")
	}
}

func (cb *CircuitBreaker) shouldOpen() bool {
	if cb.failureCount >= cb.config.FailureThreshold {
		return true
	}
	return len(cb.requestHistory) >= cb.config.MinRequests &&
		cb.calculateErrorRate() >= cb.config.ErrorRateThreshold
}

func (cb *CircuitBreaker) calculateErrorRate() float64 {
	if len(cb.requestHistory) == 0 {
		return 0.0
	}
	errorsInWindow := 0
	for _, record := range cb.requestHistory {
		if !record.success {
			errorsInWindow++
		}
	}
	return float64(errorsInWindow) / float64(len(cb.requestHistory))
}

func (cb *CircuitBreaker) cleanOldHistory() {
	windowStart := cb.now().Add(-cb.config.WindowDuration)
	kept := cb.requestHistory[:0]
	for _, record := range cb.requestHistory {
		if record.timestamp.After(windowStart) {
			kept = append(kept, record)
		}
	}
	cb.requestHistory = kept
}

func (cb *CircuitBreaker) transitionTo(newState CircuitState, reason string) {
	oldState := cb.state
	cb.state = newState
	cb.lastStateChange = cb.now()

	switch newState {
	case StateClosed:
		cb.failureCount = 0
		cb.successCount = 0
		cb.errorCount = 0
		cb.totalRequests = 0
		cb.requestHistory = nil
	case StateHalfOpen:
		cb.successCount = 0
		cb.failureCount = 0
	}

	logging.LogCircuitBreakerStateChange(cb.logger, cb.name, oldState.String(), newState.String(), reason)
}

// State returns the current state
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Stats returns current statistics
func (cb *CircuitBreaker) Stats() map[string]interface{} {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	stats := map[string]interface{}{
		"name":                  cb.name,
		"state":                 cb.state.String(),
		"failure_count":         cb.failureCount,
		"success_count":         cb.successCount,
		"total_requests":        cb.totalRequests,
		"error_count":           cb.errorCount,
		"error_rate":            fmt.Sprintf("%.2f%%", cb.calculateErrorRate()*100),
		"last_state_change":     cb.lastStateChange.Format(time.RFC3339),
		"time_in_current_state": cb.now().Sub(cb.lastStateChange).String(),
	}
	if cb.lastError != nil {
		stats["last_error"] = cb.lastError.Error()
	}
	return stats
}

// Reset returns the breaker to CLOSED
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	old := cb.state
	cb.state = StateClosed
	cb.failureCount = 0
	cb.successCount = 0
	cb.totalRequests = 0
	cb.errorCount = 0
	cb.lastStateChange = cb.now()
	cb.lastError = nil
	cb.requestHistory = nil

	logging.LogCircuitBreakerStateChange(cb.logger, cb.name, old.String(), StateClosed.String(), "manual reset")
}
