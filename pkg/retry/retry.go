package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultMaxAttempts is the total number of attempts for a task,
	// including the first one.
	DefaultMaxAttempts = 3

	// DefaultInitialDelay is the delay before the first retry.
	DefaultInitialDelay = 5 * time.Second

	// DefaultMaxDelay caps the backoff delay.
	DefaultMaxDelay = 60 * time.Second

	// DefaultMultiplier doubles the delay on each retry.
	DefaultMultiplier = 2.0
)

// Config controls retry behavior for a task's external call.
type Config struct {
	MaxAttempts  int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay" mapstructure:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay" mapstructure:"max_delay"`
	Multiplier   float64       `yaml:"multiplier" mapstructure:"multiplier"`
	Jitter       float64       `yaml:"jitter" mapstructure:"jitter"`
}

// DefaultConfig returns the retry defaults used across all stages.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  DefaultMaxAttempts,
		InitialDelay: DefaultInitialDelay,
		MaxDelay:     DefaultMaxDelay,
		Multiplier:   DefaultMultiplier,
		Jitter:       0.1,
	}
}

// withDefaults fills zero fields so partially-specified configs behave sanely.
func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}

	if c.InitialDelay <= 0 {
		c.InitialDelay = DefaultInitialDelay
	}

	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}

	if c.Multiplier <= 1 {
		c.Multiplier = DefaultMultiplier
	}

	return c
}

// Func is an operation eligible for retry.
type Func func(ctx context.Context) error

// Do runs fn up to cfg.MaxAttempts times, backing off between attempts.
// Transient failures are retried; permanent failures and context
// cancellation return immediately. Each attempt's outcome is logged with
// its number and duration. The last error is returned once the budget is
// exhausted.
func Do(ctx context.Context, cfg Config, log logrus.FieldLogger, fn Func) error {
	cfg = cfg.withDefaults()

	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		start := time.Now()
		err := fn(ctx)
		elapsed := time.Since(start).Round(time.Millisecond)

		if err == nil {
			if attempt > 1 {
				log.WithFields(logrus.Fields{
					"attempt":  attempt,
					"duration": elapsed,
				}).Info("Attempt succeeded after retry")
			}

			return nil
		}

		lastErr = err

		if IsPermanent(err) {
			log.WithFields(logrus.Fields{
				"attempt":  attempt,
				"duration": elapsed,
			}).WithError(err).Warn("Permanent failure, not retrying")

			return err
		}

		if attempt == cfg.MaxAttempts {
			break
		}

		delay := backoffDelay(cfg, attempt)

		log.WithFields(logrus.Fields{
			"attempt":  attempt,
			"duration": elapsed,
			"delay":    delay.Round(time.Millisecond),
		}).WithError(err).Warn("Transient failure, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	log.WithField("attempts", cfg.MaxAttempts).WithError(lastErr).
		Warn("Retry budget exhausted")

	return lastErr
}

// backoffDelay computes the exponential backoff delay after the given
// attempt (1-based), with jitter applied.
func backoffDelay(cfg Config, attempt int) time.Duration {
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))

	if delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}

	if cfg.Jitter > 0 {
		span := delay * cfg.Jitter
		delay = delay - span + rand.Float64()*2*span
	}

	return time.Duration(delay)
}
