// pkg/backoff/backoff.go

package backoff

import (
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
)

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Config holds the exponential back-off tunables.
//
// The delay for attempt n is min(InitialInterval * Multiplier^(n-1),
// MaxInterval), jittered by ±RandomizationFactor. A RandomizationFactor of 0
// yields the deterministic schedule.
type Config struct {
	InitialInterval     time.Duration `mapstructure:"initial_interval"`
	RandomizationFactor float64       `mapstructure:"randomization_factor"`
	Multiplier          float64       `mapstructure:"multiplier"`
	MaxInterval         time.Duration `mapstructure:"max_interval"`

	// MaxRetries bounds consecutive failed attempts. Zero means unlimited.
	MaxRetries int `mapstructure:"max_retries"`
}

func (c *Config) applyDefaults() {
	if c.InitialInterval <= 0 {
		c.InitialInterval = time.Second
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2.0
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 60 * time.Second
	}
}

func (c Config) validate() error {
	if c.RandomizationFactor < 0 || c.RandomizationFactor > 1 {
		return fmt.Errorf("backoff: RandomizationFactor must be in [0,1]")
	}
	if c.Multiplier < 1 {
		return fmt.Errorf("backoff: Multiplier must be >= 1")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("backoff: MaxRetries must be >= 0")
	}
	return nil
}

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

// ErrRetriesExhausted is returned by Next once MaxRetries consecutive
// attempts have been consumed without an intervening Reset.
type ErrRetriesExhausted struct {
	Attempts int
}

func (e *ErrRetriesExhausted) Error() string {
	return fmt.Sprintf("backoff: retry ceiling reached after %d attempt(s)", e.Attempts)
}

// -----------------------------------------------------------------------------
// Metrics
// -----------------------------------------------------------------------------

var (
	retriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "feedbridge", Subsystem: "backoff", Name: "retries_total",
		Help: "Number of back-off delays handed out",
	})
	exhaustedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "feedbridge", Subsystem: "backoff", Name: "exhausted_total",
		Help: "Number of times the retry ceiling was reached",
	})
	retryDelayHistogram = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "feedbridge", Subsystem: "backoff", Name: "retry_delay_seconds",
		Help:    "Histogram of back-off delays in seconds",
		Buckets: prometheus.DefBuckets,
	})

	registerOnce sync.Once
)

// RegisterMetrics registers the back-off metrics. Passing nil uses the
// default registerer.
func RegisterMetrics(r prometheus.Registerer) {
	registerOnce.Do(func() {
		if r == nil {
			r = prometheus.DefaultRegisterer
		}
		r.MustRegister(retriesTotal, exhaustedTotal, retryDelayHistogram)
	})
}

// -----------------------------------------------------------------------------
// Policy
// -----------------------------------------------------------------------------

// Policy is a resettable exponential back-off schedule. It is not safe for
// concurrent use; the owning loop calls Next after each failure and Reset
// once the guarded operation has demonstrably recovered.
type Policy struct {
	cfg      Config
	bo       *backoff.ExponentialBackOff
	attempts int
}

// New builds a Policy from cfg.
func New(cfg Config) (*Policy, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.InitialInterval
	bo.RandomizationFactor = cfg.RandomizationFactor
	bo.Multiplier = cfg.Multiplier
	bo.MaxInterval = cfg.MaxInterval
	bo.MaxElapsedTime = 0 // the ceiling is attempt-based, not time-based
	bo.Reset()

	return &Policy{cfg: cfg, bo: bo}, nil
}

// Next records a failed attempt and returns the delay to wait before the
// next one, or ErrRetriesExhausted once the ceiling is hit.
func (p *Policy) Next() (time.Duration, error) {
	p.attempts++
	if p.cfg.MaxRetries > 0 && p.attempts > p.cfg.MaxRetries {
		exhaustedTotal.Inc()
		return 0, &ErrRetriesExhausted{Attempts: p.attempts - 1}
	}
	d := p.bo.NextBackOff()
	retriesTotal.Inc()
	retryDelayHistogram.Observe(d.Seconds())
	return d, nil
}

// Reset clears the attempt counter and restarts the schedule from
// InitialInterval.
func (p *Policy) Reset() {
	p.attempts = 0
	p.bo.Reset()
}

// Attempts reports consecutive failed attempts since the last Reset.
func (p *Policy) Attempts() int { return p.attempts }
