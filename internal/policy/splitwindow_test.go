package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCountAndRecordExcludesCurrent(t *testing.T) {
	sw := NewSplitWindows()
	window := 10 * time.Minute

	assert.Equal(t, 0, sw.CountAndRecord("a", "transfer", window))
	assert.Equal(t, 1, sw.CountAndRecord("a", "transfer", window))
	assert.Equal(t, 2, sw.CountAndRecord("a", "transfer", window))

	// Other agents and action types are independent.
	assert.Equal(t, 0, sw.CountAndRecord("b", "transfer", window))
	assert.Equal(t, 0, sw.CountAndRecord("a", "read", window))
}

func TestWindowSlides(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	sw := NewSplitWindows()
	sw.now = func() time.Time { return now }

	sw.CountAndRecord("a", "transfer", 10*time.Minute)
	sw.CountAndRecord("a", "transfer", 10*time.Minute)

	now = now.Add(11 * time.Minute)
	assert.Equal(t, 0, sw.CountAndRecord("a", "transfer", 10*time.Minute))
}

func TestExpireDropsOldEntries(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	sw := NewSplitWindows()
	sw.now = func() time.Time { return now }

	sw.CountAndRecord("a", "transfer", 10*time.Minute)
	now = now.Add(12 * time.Minute)
	sw.Expire(10 * time.Minute)

	// The entry fell outside window+grace and was dropped entirely.
	assert.Equal(t, 0, sw.CountAndRecord("a", "transfer", time.Hour))
}
