package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeAfterFuncFiresOnAdvance(t *testing.T) {
	c := Fake(epoch)
	fired := 0
	c.AfterFunc(time.Second, func() { fired++ })

	c.Advance(999 * time.Millisecond)
	assert.Equal(t, 0, fired)
	c.Advance(time.Millisecond)
	assert.Equal(t, 1, fired)
	c.Advance(time.Hour)
	assert.Equal(t, 1, fired)
}

func TestFakeTimerResetPushesDeadline(t *testing.T) {
	c := Fake(epoch)
	fired := 0
	timer := c.AfterFunc(time.Second, func() { fired++ })

	c.Advance(800 * time.Millisecond)
	require.True(t, timer.Reset(time.Second))
	c.Advance(800 * time.Millisecond)
	assert.Equal(t, 0, fired)
	c.Advance(200 * time.Millisecond)
	assert.Equal(t, 1, fired)

	assert.False(t, timer.Reset(time.Second))
	c.Advance(time.Second)
	assert.Equal(t, 2, fired)
}

func TestFakeStopPreventsFire(t *testing.T) {
	c := Fake(epoch)
	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })
	require.True(t, timer.Stop())
	c.Advance(2 * time.Second)
	assert.False(t, fired)
	assert.Equal(t, 0, c.PendingCount())
}

func TestFakeAfterChannel(t *testing.T) {
	c := Fake(epoch)
	ch := c.After(5 * time.Second)
	select {
	case <-ch:
		t.Fatal("fired early")
	default:
	}
	c.Advance(5 * time.Second)
	got := <-ch
	assert.Equal(t, epoch.Add(5*time.Second), got)
	assert.Equal(t, epoch.Add(5*time.Second), c.Now())
}
