package domain_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/fairyhunter13/agent-scheduler/internal/domain"
)

func TestRetryPolicy_DelayGrowsAndCaps(t *testing.T) {
	t.Parallel()
	p := domain.RetryPolicy{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: 60 * time.Second}

	assert.Equal(t, time.Second, p.Delay(0))
	assert.Equal(t, 2*time.Second, p.Delay(1))
	assert.Equal(t, 4*time.Second, p.Delay(2))
	assert.Equal(t, 60*time.Second, p.Delay(10), "delay must cap at MaxDelay")
}

func TestRetryPolicy_JitterStaysInBand(t *testing.T) {
	t.Parallel()
	p := domain.RetryPolicy{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: 60 * time.Second, Jitter: true}
	for i := 0; i < 50; i++ {
		d := p.Delay(2) // nominal 4s
		assert.GreaterOrEqual(t, d, time.Duration(float64(4*time.Second)*0.8)-time.Millisecond)
		assert.LessOrEqual(t, d, time.Duration(float64(4*time.Second)*1.2)+time.Millisecond)
	}
}

func TestTransientAndPermanentClassification(t *testing.T) {
	t.Parallel()
	assert.True(t, domain.Transient(fmt.Errorf("call: %w", domain.ErrModelTransient)))
	assert.True(t, domain.Transient(domain.ErrQueueUnavailable))
	assert.False(t, domain.Transient(domain.ErrModelPermanent))

	assert.True(t, domain.Permanent(fmt.Errorf("auth: %w", domain.ErrModelPermanent)))
	assert.False(t, domain.Permanent(domain.ErrModelTransient))
}
