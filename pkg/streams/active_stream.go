package streams

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/go-go-golems/marionette/pkg/conversation"
)

// ActiveStream is one in-flight generation: the stream identity broadcast to
// viewers, where the finished message will attach, the node id it was
// pre-assigned, and the text accumulated so far.
type ActiveStream struct {
	ID             string
	ConversationID conversation.ConversationID
	ParentID       *conversation.NodeID
	SpeakerID      string
	NodeID         conversation.NodeID
	StartedAt      time.Time

	mu      sync.Mutex
	content strings.Builder
	chunks  int
	cancel  context.CancelFunc
}

// Append adds a delta to the accumulated content and returns the delta's
// position in the stream, counted from zero.
func (s *ActiveStream) Append(delta string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.content.WriteString(delta)
	index := s.chunks
	s.chunks++
	return index
}

// Content returns the text accumulated so far.
func (s *ActiveStream) Content() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.content.String()
}

// Progress returns the accumulated text together with the number of deltas
// it folds, read under one lock so the pair is consistent.
func (s *ActiveStream) Progress() (string, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.content.String(), s.chunks
}

func (s *ActiveStream) setCancel(cancel context.CancelFunc) {
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
}

// Cancel aborts the stream's provider request or test ticker, if one has
// been attached yet.
func (s *ActiveStream) Cancel() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
