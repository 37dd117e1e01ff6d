package client

import (
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestBackOffNeverExceedsMax(t *testing.T) {
	d := &Driver{opts: Options{BackoffInitial: 2 * time.Second, BackoffMax: 10 * time.Second}}
	b := d.newBackOff()
	for i := 0; i < 200; i++ {
		next := b.NextBackOff()
		assert.Greater(t, next, time.Duration(0))
		assert.LessOrEqual(t, next, 10*time.Second, "attempt %d", i)
	}

	// reaching the cap is still possible
	capped := false
	for i := 0; i < 200 && !capped; i++ {
		capped = b.NextBackOff() == 10*time.Second
	}
	assert.True(t, capped)
}

func TestPropertyBackOffStaysWithinMax(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		initial := time.Duration(rapid.Int64Range(int64(time.Millisecond), int64(time.Second)).Draw(t, "initial"))
		limit := initial + time.Duration(rapid.Int64Range(0, int64(time.Minute)).Draw(t, "extra"))
		d := &Driver{opts: Options{BackoffInitial: initial, BackoffMax: limit}}
		b := d.newBackOff()
		steps := rapid.IntRange(1, 60).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			next := b.NextBackOff()
			if next == backoff.Stop || next <= 0 || next > limit {
				t.Fatalf("step %d: delay %v outside (0, %v]", i, next, limit)
			}
		}
	})
}
