// pkg/backoff/backoff_test.go
package backoff

import (
	"errors"
	"testing"
	"time"
)

// Deterministic schedule: base=1s, multiplier=2, max=60s, no jitter.
func TestPolicy_DeterministicSchedule(t *testing.T) {
	p, err := New(Config{
		InitialInterval:     time.Second,
		RandomizationFactor: 0,
		Multiplier:          2.0,
		MaxInterval:         60 * time.Second,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	want := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 32 * time.Second, 60 * time.Second, 60 * time.Second,
	}
	for i, w := range want {
		d, err := p.Next()
		if err != nil {
			t.Fatalf("attempt %d: unexpected error %v", i+1, err)
		}
		if d != w {
			t.Errorf("attempt %d: delay = %v; want %v", i+1, d, w)
		}
	}
}

func TestPolicy_ResetRestartsSchedule(t *testing.T) {
	p, err := New(Config{
		InitialInterval:     time.Second,
		RandomizationFactor: 0,
		Multiplier:          2.0,
		MaxInterval:         60 * time.Second,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for i := 0; i < 4; i++ {
		if _, err := p.Next(); err != nil {
			t.Fatalf("Next: %v", err)
		}
	}
	if got := p.Attempts(); got != 4 {
		t.Errorf("Attempts = %d; want 4", got)
	}

	p.Reset()
	if got := p.Attempts(); got != 0 {
		t.Errorf("Attempts after Reset = %d; want 0", got)
	}
	d, err := p.Next()
	if err != nil {
		t.Fatalf("Next after Reset: %v", err)
	}
	if d != time.Second {
		t.Errorf("delay after Reset = %v; want 1s", d)
	}
}

func TestPolicy_RetryCeiling(t *testing.T) {
	p, err := New(Config{
		InitialInterval:     time.Millisecond,
		RandomizationFactor: 0,
		Multiplier:          2.0,
		MaxInterval:         time.Second,
		MaxRetries:          3,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := p.Next(); err != nil {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
	}
	_, err = p.Next()
	var exhausted *ErrRetriesExhausted
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ErrRetriesExhausted, got %v", err)
	}
	if exhausted.Attempts != 3 {
		t.Errorf("Attempts = %d; want 3", exhausted.Attempts)
	}

	// Reset clears the ceiling too
	p.Reset()
	if _, err := p.Next(); err != nil {
		t.Errorf("Next after Reset: %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	cases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"zero is fine", Config{}, false},
		{"bad jitter", Config{RandomizationFactor: 1.5}, true},
		{"bad multiplier", Config{Multiplier: 0.5}, true},
		{"negative retries", Config{MaxRetries: -1}, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := New(c.cfg)
			if (err != nil) != c.wantErr {
				t.Errorf("New(%+v) error = %v; wantErr %v", c.cfg, err, c.wantErr)
			}
		})
	}
}
