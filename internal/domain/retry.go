// Package domain: retry policy for dispatch attempts.
package domain

import (
	"errors"
	"math/rand"
	"time"
)

// RetryPolicy controls redelivery backoff for transient failures.
type RetryPolicy struct {
	// MaxRetries is the per-tier attempt cap (retries, not total attempts).
	MaxRetries int
	// BaseDelay is the backoff base; delay = BaseDelay * 2^retryCount.
	BaseDelay time.Duration
	// MaxDelay caps the computed delay.
	MaxDelay time.Duration
	// Jitter adds +/-20% randomness to avoid thundering herds.
	Jitter bool
}

// DefaultRetryPolicy matches the dispatch contract: base 1s, cap 60s,
// three retries per tier.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   60 * time.Second,
		Jitter:     true,
	}
}

// Delay computes the redelivery delay for the given retry count.
func (p RetryPolicy) Delay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	d := p.BaseDelay
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter {
		// +/- 20%
		f := 0.8 + rand.Float64()*0.4
		d = time.Duration(float64(d) * f)
	}
	return d
}

// Transient reports whether err is retryable with backoff.
func Transient(err error) bool {
	return errors.Is(err, ErrModelTransient) ||
		errors.Is(err, ErrQueueUnavailable)
}

// Permanent reports whether err must block the order without retry.
func Permanent(err error) bool {
	return errors.Is(err, ErrModelPermanent)
}
