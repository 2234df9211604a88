package gateway

import (
	"errors"
	"fmt"
	"time"
)

// ErrQuotaExhausted means no key has daily budget left for the operation.
// The episode loop treats it as a clean stop signal: remaining work stays
// PENDING for the next day rather than failing.
var ErrQuotaExhausted = errors.New("gateway: daily quota exhausted on all keys")

// ErrMalformedResponse means the model kept returning output that failed
// schema validation after every corrective retry. Callers degrade gracefully
// instead of failing the episode.
var ErrMalformedResponse = errors.New("gateway: malformed model response")

// CircuitOpenError reports that every usable key is cooling down. No request
// was made; the episode can be skipped and retried once a breaker admits a
// probe.
type CircuitOpenError struct {
	// Keys is how many keys were skipped for an open breaker.
	Keys int

	// RecoveryTime is the earliest instant any breaker becomes probe-eligible.
	RecoveryTime time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("gateway: all %d key(s) cooling down, earliest recovery %s",
		e.Keys, e.RecoveryTime.Format(time.RFC3339))
}
