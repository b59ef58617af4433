package resilience

import "time"

// Circuit breaker configuration constants
const (
	DefaultThreshold         = 5
	DefaultResetTimeout      = 5 * time.Second
	DefaultHalfOpenSuccesses = 1
)

// Config holds circuit breaker settings.
type Config struct {
	Name              string        // used in logs
	Threshold         int           // consecutive failures before opening
	ResetTimeout      time.Duration // wait before a half-open probe
	HalfOpenSuccesses int           // probe successes needed to close
}

// DefaultConfig returns the defaults used for screen capture.
func DefaultConfig() Config {
	return Config{
		Name:              "capture",
		Threshold:         DefaultThreshold,
		ResetTimeout:      DefaultResetTimeout,
		HalfOpenSuccesses: DefaultHalfOpenSuccesses,
	}
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "breaker"
	}
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = DefaultResetTimeout
	}
	if c.HalfOpenSuccesses <= 0 {
		c.HalfOpenSuccesses = DefaultHalfOpenSuccesses
	}
	return c
}
