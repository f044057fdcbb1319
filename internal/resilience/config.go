package resilience

import "time"

// FromProviderConfig builds the provider retry schedule from config values
// expressed in seconds. Zero values keep the defaults.
func FromProviderConfig(maxAttempts int, initialBackoffSecs, maxBackoffSecs float64) RetryConfig {
	cfg := ProviderRetryConfig()
	if maxAttempts > 0 {
		cfg.MaxAttempts = maxAttempts
	}
	if initialBackoffSecs > 0 {
		cfg.InitialBackoff = time.Duration(initialBackoffSecs * float64(time.Second))
	}
	if maxBackoffSecs > 0 {
		cfg.MaxBackoff = time.Duration(maxBackoffSecs * float64(time.Second))
	}
	return cfg
}

// FromCircuitConfig converts config values to a CircuitBreakerConfig.
func FromCircuitConfig(failureThreshold, resetTimeoutSecs int) CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	if failureThreshold > 0 {
		cfg.FailureThreshold = failureThreshold
	}
	if resetTimeoutSecs > 0 {
		cfg.ResetTimeout = time.Duration(resetTimeoutSecs) * time.Second
	}
	return cfg
}
