// Package backoff computes reconnect delays for failed WebSocket
// connections: exponential growth from a base delay plus bounded random
// jitter to avoid synchronized retry storms.
package backoff

import (
	"math/rand"
	"time"

	"github.com/flex3r/dankchat-realtime/internal/constants"
)

// Policy computes the delay before a reconnect attempt. The zero value is
// not usable; construct with Default or fill all fields.
type Policy struct {
	// Base is the delay of the first attempt.
	Base time.Duration
	// MaxJitter is the exclusive upper bound of the random jitter added
	// to every delay.
	MaxJitter time.Duration
	// MaxAttempts caps the exponent: attempts beyond it reuse the
	// MaxAttempts delay.
	MaxAttempts uint

	// jitter overrides the random source in tests.
	jitter func(max time.Duration) time.Duration
}

// Default returns the policy used against the Twitch push services:
// 1s base doubling per attempt, capped at attempt 6, with up to 250ms jitter.
func Default() Policy {
	return Policy{
		Base:        constants.BackoffBase,
		MaxJitter:   constants.BackoffMaxJitter,
		MaxAttempts: constants.MaxReconnectAttempts,
	}
}

// Next returns the delay before the given attempt. Attempts are 1-based;
// attempt 0 is treated as 1.
func (p Policy) Next(attempt uint) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > p.MaxAttempts {
		attempt = p.MaxAttempts
	}

	delay := p.Base << (attempt - 1)

	jitter := p.jitter
	if jitter == nil {
		jitter = randomJitter
	}
	return delay + jitter(p.MaxJitter)
}

// Clamp advances an attempt counter without letting it run past
// MaxAttempts, keeping the exponent bounded on repeated failure.
func (p Policy) Clamp(attempt uint) uint {
	if attempt >= p.MaxAttempts {
		return p.MaxAttempts
	}
	return attempt + 1
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}
