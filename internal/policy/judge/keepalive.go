package judge

import (
	"context"
	"time"
)

// Option adjusts defaults applied to every policy built by a registration
// factory.
type Option func(*registerDefaults)

type registerDefaults struct {
	keepaliveInterval time.Duration
}

// WithKeepaliveInterval sets how often keepalive frames are emitted while a
// judge round is in flight.
func WithKeepaliveInterval(d time.Duration) Option {
	return func(defs *registerDefaults) { defs.keepaliveInterval = d }
}

func applyOptions(opts []Option) registerDefaults {
	var defs registerDefaults
	for _, opt := range opts {
		opt(&defs)
	}
	return defs
}

// assessWithKeepalive runs one judge round while periodically invoking the
// transaction keepalive so the client connection survives a slow judge.
func assessWithKeepalive(ctx context.Context, j Judge, prompt string, keepalive func(), interval time.Duration) (Assessment, error) {
	if interval <= 0 {
		interval = 5 * time.Second
	}

	type result struct {
		assessment Assessment
		err        error
	}
	done := make(chan result, 1)
	go func() {
		a, err := j.Assess(ctx, prompt)
		done <- result{a, err}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case res := <-done:
			return res.assessment, res.err
		case <-ticker.C:
			if keepalive != nil {
				keepalive()
			}
		case <-ctx.Done():
			return Assessment{}, ctx.Err()
		}
	}
}
