package reveal

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdvancePacesBurst(t *testing.T) {
	s := NewSession()
	s.Start()
	full := strings.Repeat("a", 1000)
	s.AppendChunk(full)

	now := time.Now()
	visible, changed := s.Advance(now)
	assert.True(t, changed)
	assert.Greater(t, len(visible), 0)
	assert.Less(t, len(visible), 1000, "a burst should not be revealed in one frame")

	for i := 0; i < 2000 && len(visible) < 1000; i++ {
		now = now.Add(33 * time.Millisecond)
		visible, _ = s.Advance(now)
	}
	assert.Equal(t, full, visible)

	// fully revealed and nothing queued: the frame is a no-op
	_, changed = s.Advance(now.Add(33 * time.Millisecond))
	assert.False(t, changed)
}

func TestAdvanceRevealsAtLeastOneChar(t *testing.T) {
	s := NewSession()
	s.Start()
	s.AppendChunk("hello")

	// zero elapsed time between frames still moves the cursor
	now := time.Now()
	for want := 1; want <= 5; want++ {
		visible, changed := s.Advance(now)
		assert.True(t, changed)
		assert.Len(t, visible, want)
	}
	assert.Equal(t, "hello", s.Visible())
}

func TestRevealRateTracksArrivalWindow(t *testing.T) {
	s := NewSession()
	s.Start()
	s.AppendChunk(strings.Repeat("x", 100))

	// first frame merges the sample; elapsed is zero, so only the one-char
	// minimum applies
	t0 := time.Now()
	visible, _ := s.Advance(t0)
	require.Len(t, visible, 1)

	// 100 chars in the 2s window at multiplier 1.25 is 62.5 chars/s; over a
	// 100ms frame that advances 6 more
	visible, _ = s.Advance(t0.Add(100 * time.Millisecond))
	assert.Len(t, visible, 7)

	// past the window the sample is gone and the rate floor takes over,
	// with the frame gap clamped: 12 chars/s over 250ms is 3
	visible, _ = s.Advance(t0.Add(2200 * time.Millisecond))
	assert.Len(t, visible, 10)
}

func TestSetContentRevealsInstantly(t *testing.T) {
	s := NewSession()
	s.Start()
	s.AppendChunk("slow typing that never shows")

	s.SetContent("the whole snapshot")
	assert.Equal(t, "the whole snapshot", s.Visible())
	assert.Zero(t, s.Lag())

	// chunks after the snapshot pace in as usual
	s.AppendChunk("!")
	visible, changed := s.Advance(time.Now())
	assert.True(t, changed)
	assert.Equal(t, "the whole snapshot!", visible)
}

func TestFinalizeRevealsRemainder(t *testing.T) {
	s := NewSession()
	s.Start()
	s.AppendChunk(strings.Repeat("b", 500))

	visible, _ := s.Advance(time.Now())
	require.Less(t, len(visible), 500)

	final := s.Finalize()
	assert.Equal(t, strings.Repeat("b", 500), final)
	assert.Equal(t, final, s.Visible())
	assert.False(t, s.Active())

	// finishing again just hands the text back
	assert.Equal(t, final, s.Finalize())
	assert.Equal(t, final, s.Cancel())
}

func TestCancelKeepsPartialText(t *testing.T) {
	s := NewSession()
	s.Start()
	s.AppendChunk("cut ")
	s.AppendChunk("short")

	final := s.Cancel()
	assert.Equal(t, "cut short", final)
	assert.False(t, s.Active())
}

func TestAppendAfterFinishIsIgnored(t *testing.T) {
	s := NewSession()
	s.Start()
	s.AppendChunk("done")
	s.Finalize()

	s.AppendChunk(" and more")
	s.SetContent("rewritten")
	assert.Equal(t, "done", s.Truth())
	assert.Equal(t, "done", s.Visible())
}

func TestTimerFallbackFlushesInFull(t *testing.T) {
	s := NewSession()
	s.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := make(chan string, 16)
	loopDone := make(chan struct{})
	go func() {
		s.RunTimer(ctx, 5*time.Millisecond, func(visible string) { updates <- visible })
		close(loopDone)
	}()

	s.AppendChunk("all at once")
	waitForUpdate(t, updates, "all at once")

	s.AppendChunk(", no pacing")
	s.Finalize()
	waitForUpdate(t, updates, "all at once, no pacing")

	select {
	case <-loopDone:
	case <-time.After(time.Second):
		t.Fatal("timer loop did not stop after finalize")
	}
}

func TestStartOverStopsPreviousTimer(t *testing.T) {
	s := NewSession()
	s.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := make(chan string, 16)
	loopDone := make(chan struct{})
	go func() {
		s.RunTimer(ctx, 5*time.Millisecond, func(visible string) { updates <- visible })
		close(loopDone)
	}()

	s.Start()

	select {
	case <-loopDone:
	case <-time.After(time.Second):
		t.Fatal("timer loop did not stop when the session restarted")
	}
	// a restart owes the loop no final notification
	select {
	case visible := <-updates:
		t.Fatalf("unexpected update after restart: %q", visible)
	default:
	}
}

func waitForUpdate(t *testing.T, updates <-chan string, want string) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case visible := <-updates:
			if visible == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}
