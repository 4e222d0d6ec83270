// Package reveal smooths streamed text for display. Chunks arrive in bursts
// of irregular size and timing; rendering them verbatim looks jittery. A
// Session keeps the truth (all text received) apart from the revealed prefix
// (what the display shows) and advances the prefix once per frame at a rate
// derived from recent arrival speed, so bursts play out as a steady reveal.
package reveal

import (
	"context"
	"sync"
	"time"
)

const (
	DefaultWindow       = 2 * time.Second
	DefaultMultiplier   = 1.25
	DefaultMinRate      = 12.0
	DefaultLagThreshold = 120
	DefaultCatchUp      = 0.2

	// DefaultTimerInterval is the flush cadence of the no-frame fallback.
	DefaultTimerInterval = 50 * time.Millisecond

	// a frame gap longer than this counts as a stall, not as elapsed reveal
	// time; the catch-up term absorbs the backlog instead
	maxFrameElapsed = 250 * time.Millisecond
)

type sample struct {
	at    time.Time
	chars int
}

type SessionOption func(*Session)

// WithWindow sets the sliding window over which the arrival rate is
// measured.
func WithWindow(window time.Duration) SessionOption {
	return func(s *Session) {
		if window > 0 {
			s.window = window
		}
	}
}

// WithMultiplier sets the factor applied on top of the measured arrival
// rate. It has to stay above 1 or the cursor would perpetually trail the
// truth.
func WithMultiplier(multiplier float64) SessionOption {
	return func(s *Session) {
		if multiplier > 1 {
			s.multiplier = multiplier
		}
	}
}

// WithMinRate sets the floor, in characters per second, below which the
// reveal never drops. It keeps the cursor moving through network lulls.
func WithMinRate(rate float64) SessionOption {
	return func(s *Session) {
		if rate > 0 {
			s.minRate = rate
		}
	}
}

// WithLagThreshold sets how many characters the cursor may trail the truth
// before the catch-up term kicks in.
func WithLagThreshold(chars int) SessionOption {
	return func(s *Session) {
		if chars > 0 {
			s.lagThreshold = chars
		}
	}
}

// WithCatchUpFactor sets the fraction of the excess lag added to each
// frame's advance once the lag threshold is crossed.
func WithCatchUpFactor(factor float64) SessionOption {
	return func(s *Session) {
		if factor > 0 {
			s.catchUp = factor
		}
	}
}

// Session is the reveal state for one streamed message. Chunks are queued by
// the transport goroutine and folded into the truth on the next frame, so
// the display loop is the only thing that moves the cursor.
//
// A Session is reused across streams: Start resets it and tears down
// whatever the previous stream left running.
type Session struct {
	mu sync.Mutex

	window       time.Duration
	multiplier   float64
	minRate      float64
	lagThreshold int
	catchUp      float64

	active    bool
	truth     []rune
	queued    []rune
	revealed  int
	samples   []sample
	lastFrame time.Time
	done      chan struct{}
}

func NewSession(options ...SessionOption) *Session {
	s := &Session{
		window:       DefaultWindow,
		multiplier:   DefaultMultiplier,
		minRate:      DefaultMinRate,
		lagThreshold: DefaultLagThreshold,
		catchUp:      DefaultCatchUp,
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Start resets all state and begins a new session. Any timer loop from the
// previous session is stopped before the reset.
func (s *Session) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		close(s.done)
	}
	s.active = true
	s.truth = nil
	s.queued = nil
	s.revealed = 0
	s.samples = nil
	s.lastFrame = time.Time{}
	s.done = make(chan struct{})
}

func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// AppendChunk queues raw text. Nothing is revealed until the next frame.
func (s *Session) AppendChunk(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return
	}
	s.queued = append(s.queued, []rune(text)...)
}

// SetContent replaces the truth wholesale and reveals it instantly. Used for
// catch-up snapshots, where pacing a typing effect would be meaningless.
func (s *Session) SetContent(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return
	}
	s.truth = []rune(text)
	s.queued = nil
	s.samples = nil
	s.revealed = len(s.truth)
}

// Advance runs one frame: queued chunks are folded into the truth and
// recorded as an arrival sample, the reveal rate is recomputed from the
// samples still inside the window, and the cursor moves by rate times the
// frame's elapsed time, never by less than one character while text remains.
// When the cursor trails the truth by more than the lag threshold, a term
// proportional to the excess is added so bursts do not look stalled.
//
// Returns the revealed prefix and whether it changed this frame.
func (s *Session) Advance(now time.Time) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return string(s.truth[:s.revealed]), false
	}

	if len(s.queued) > 0 {
		s.truth = append(s.truth, s.queued...)
		s.samples = append(s.samples, sample{at: now, chars: len(s.queued)})
		s.queued = s.queued[:0]
	}

	cutoff := now.Add(-s.window)
	kept := s.samples[:0]
	for _, smp := range s.samples {
		if smp.at.After(cutoff) {
			kept = append(kept, smp)
		}
	}
	s.samples = kept

	var elapsed time.Duration
	if !s.lastFrame.IsZero() {
		elapsed = now.Sub(s.lastFrame)
	}
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed > maxFrameElapsed {
		elapsed = maxFrameElapsed
	}
	s.lastFrame = now

	var chars int
	for _, smp := range s.samples {
		chars += smp.chars
	}
	rate := float64(chars) / s.window.Seconds() * s.multiplier
	if rate < s.minRate {
		rate = s.minRate
	}

	step := rate * elapsed.Seconds()
	if lag := len(s.truth) - s.revealed; lag > s.lagThreshold {
		step += s.catchUp * float64(lag-s.lagThreshold)
	}
	advance := int(step)
	if advance < 1 {
		advance = 1
	}

	before := s.revealed
	s.revealed += advance
	if s.revealed > len(s.truth) {
		s.revealed = len(s.truth)
	}
	return string(s.truth[:s.revealed]), s.revealed != before
}

// Finalize reveals whatever truth remains, ends the session and returns the
// final text. Calling it on an ended session just returns the text again.
func (s *Session) Finalize() string {
	return s.finish()
}

// Cancel ends the session the same way Finalize does: the text received so
// far is worth showing in full even when the stream was cut short.
func (s *Session) Cancel() string {
	return s.finish()
}

func (s *Session) finish() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return string(s.truth)
	}
	s.truth = append(s.truth, s.queued...)
	s.queued = nil
	s.revealed = len(s.truth)
	s.samples = nil
	s.active = false
	close(s.done)
	s.done = nil
	return string(s.truth)
}

// Visible returns the revealed prefix.
func (s *Session) Visible() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.truth[:s.revealed])
}

// Truth returns all text received so far, revealed or not.
func (s *Session) Truth() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.truth) + string(s.queued)
}

// Lag returns how many characters the cursor trails the merged truth.
func (s *Session) Lag() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.truth) + len(s.queued) - s.revealed
}

// RunTimer is the fallback for environments without a per-frame callback:
// queued text is flushed and revealed in full on a fixed interval, with no
// smoothing. It returns when the context is cancelled or the session ends,
// pushing the final text to notify on the way out.
func (s *Session) RunTimer(ctx context.Context, interval time.Duration, notify func(visible string)) {
	if interval <= 0 {
		interval = DefaultTimerInterval
	}
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			// done closes on finish and on restart; only a finished session
			// still owes its final text
			if !s.Active() {
				notify(s.Visible())
			}
			return
		case <-ticker.C:
			if visible, changed := s.flushAll(); changed {
				notify(visible)
			}
		}
	}
}

func (s *Session) flushAll() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queued) > 0 {
		s.truth = append(s.truth, s.queued...)
		s.queued = s.queued[:0]
	}
	before := s.revealed
	s.revealed = len(s.truth)
	return string(s.truth), s.revealed != before
}
