package client

import (
	"strings"
	"sync"
	"time"

	"github.com/go-go-golems/marionette/pkg/conversation"
	"github.com/go-go-golems/marionette/pkg/events"
)

// StreamingMeta mirrors the server's ActiveStream while one is in flight.
// It flips between nil and a value exactly when streaming starts and stops;
// chunk arrival does not touch it.
type StreamingMeta struct {
	StreamID  string
	ParentID  *conversation.NodeID
	SpeakerID string
	NodeID    conversation.NodeID
	StartedAt time.Time
}

// ApplyResult tells the transport layer whether an event needs a reaction
// beyond what the mirror already did with it.
type ApplyResult int

const (
	ApplyOK ApplyResult = iota
	// ApplyStale marks a chunk the content snapshot already covered; it
	// carried no new text and must not reach the display layer twice.
	ApplyStale
	// ApplyGap means at least one chunk was missed. A fresh subscribe brings
	// a snapshot that covers the hole.
	ApplyGap
	// ApplyIgnored marks events for other conversations or dead streams.
	ApplyIgnored
)

// maxInsertAttempts bounds how often a queued placeholder insert is retried
// before it is surfaced as a hard failure.
const maxInsertAttempts = 20

type pendingInsert struct {
	meta     *StreamingMeta
	attempts int
}

// Mirror is the client's local copy of one conversation tree plus the
// transient state of the stream currently playing into it.
//
// Events applied here keep the copy consistent with what the server holds. A
// stream-start inserts an optimistic placeholder under the server-announced
// node id; chunks accumulate into a truth buffer the placeholder's message
// tracks; end and cancelled promote the placeholder to its final text; error
// rolls the placeholder back out, restoring the parent's child list and
// active index. When the tree is not loaded yet, placeholder inserts wait in
// a pending queue drained on load or by timed retries.
//
// Chunk events carry their position in the stream, so a mirror seeded from a
// snapshot drops deltas the snapshot already contained and can tell when it
// missed one.
type Mirror struct {
	mu sync.Mutex

	conversationID conversation.ConversationID
	tree           *conversation.Tree
	loaded         bool

	streaming *StreamingMeta
	truth     strings.Builder
	next      int

	// active index of the placeholder's parent before the insert, kept so an
	// error rollback restores it instead of guessing
	prevActive      *int
	prevActiveValid bool

	pending    map[conversation.NodeID]*pendingInsert
	retryArmed bool
}

func NewMirror(conversationID conversation.ConversationID) *Mirror {
	return &Mirror{
		conversationID: conversationID,
		tree:           conversation.NewTree(),
		pending:        make(map[conversation.NodeID]*pendingInsert),
	}
}

func (m *Mirror) ConversationID() conversation.ConversationID {
	return m.conversationID
}

func (m *Mirror) Loaded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loaded
}

// Load replaces the mirror's tree with a freshly fetched one and reconciles
// the in-flight stream against it: a stream whose node the server has
// persisted is over, one whose node is still absent keeps its placeholder.
// Queued placeholder inserts are drained against the new tree.
func (m *Mirror) Load(nodes map[conversation.NodeID]*conversation.ChatNode) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tree := conversation.NewTree()
	for id, node := range nodes {
		copied := node.Clone()
		tree.Nodes[id] = copied
		if copied.ParentID == nil {
			rootID := id
			tree.RootID = &rootID
		}
	}
	m.tree = tree
	m.loaded = true
	m.prevActiveValid = false

	if m.streaming != nil {
		if _, persisted := tree.Node(m.streaming.NodeID); persisted {
			m.clearStreamLocked()
		} else if !m.insertPlaceholderLocked(m.streaming) {
			if _, queued := m.pending[m.streaming.NodeID]; !queued {
				m.pending[m.streaming.NodeID] = &pendingInsert{meta: m.streaming}
			}
		}
	}
	m.drainPendingLocked()
}

// Apply folds one stream event into the mirror.
func (m *Mirror) Apply(event events.Event) ApplyResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	if event.Metadata().ConversationID != m.conversationID {
		return ApplyIgnored
	}

	switch ev := event.(type) {
	case *events.EventStreamStart:
		return m.applyStartLocked(ev)
	case *events.EventStreamChunk:
		return m.applyChunkLocked(ev)
	case *events.EventStreamContent:
		return m.applyContentLocked(ev)
	case *events.EventStreamEnd:
		return m.finishLocked(ev.NodeID)
	case *events.EventStreamCancelled:
		return m.finishLocked(ev.NodeID)
	case *events.EventStreamError:
		return m.applyErrorLocked()
	}
	return ApplyIgnored
}

func (m *Mirror) applyStartLocked(ev *events.EventStreamStart) ApplyResult {
	if m.streaming != nil && m.streaming.NodeID != ev.NodeID {
		// the previous stream never closed on this client; its placeholder
		// holds nothing durable, so take it back out before tracking the new
		// stream
		delete(m.pending, m.streaming.NodeID)
		m.rollbackLocked(m.streaming.NodeID)
		m.clearStreamLocked()
	}

	catchUp := m.streaming != nil && m.streaming.NodeID == ev.NodeID
	m.streaming = &StreamingMeta{
		StreamID:  ev.Metadata().StreamID,
		ParentID:  ev.ParentID,
		SpeakerID: ev.SpeakerID,
		NodeID:    ev.NodeID,
		StartedAt: time.Now(),
	}
	if !catchUp {
		m.truth.Reset()
		m.next = 0
	}

	if !m.loaded || !m.insertPlaceholderLocked(m.streaming) {
		if _, queued := m.pending[ev.NodeID]; !queued {
			m.pending[ev.NodeID] = &pendingInsert{meta: m.streaming}
		}
	}
	return ApplyOK
}

func (m *Mirror) applyChunkLocked(ev *events.EventStreamChunk) ApplyResult {
	if m.streaming == nil || ev.Metadata().StreamID != m.streaming.StreamID {
		return ApplyIgnored
	}
	if ev.Index < m.next {
		return ApplyStale
	}
	if ev.Index > m.next {
		return ApplyGap
	}

	_, _ = m.truth.WriteString(ev.Delta)
	m.next++
	m.syncPlaceholderLocked()
	return ApplyOK
}

func (m *Mirror) applyContentLocked(ev *events.EventStreamContent) ApplyResult {
	if m.streaming == nil || ev.Metadata().StreamID != m.streaming.StreamID {
		return ApplyIgnored
	}

	m.truth.Reset()
	_, _ = m.truth.WriteString(ev.Content)
	m.next = ev.Chunks
	m.syncPlaceholderLocked()
	return ApplyOK
}

func (m *Mirror) finishLocked(nodeID conversation.NodeID) ApplyResult {
	if m.streaming == nil {
		return ApplyIgnored
	}

	delete(m.pending, nodeID)
	final := m.truth.String()
	if node, ok := m.tree.Node(nodeID); ok {
		node.Message = final
	} else if m.loaded {
		// the placeholder never made it in; add the finished node directly
		node := &conversation.ChatNode{
			ID:        nodeID,
			ParentID:  m.streaming.ParentID,
			SpeakerID: m.streaming.SpeakerID,
			Message:   final,
			IsBot:     true,
			CreatedAt: m.streaming.StartedAt,
		}
		_, _ = m.tree.AddNode(node)
	}
	m.clearStreamLocked()
	return ApplyOK
}

func (m *Mirror) applyErrorLocked() ApplyResult {
	if m.streaming == nil {
		return ApplyIgnored
	}

	delete(m.pending, m.streaming.NodeID)
	m.rollbackLocked(m.streaming.NodeID)
	m.clearStreamLocked()
	return ApplyOK
}

func (m *Mirror) clearStreamLocked() {
	m.streaming = nil
	m.truth.Reset()
	m.next = 0
	m.prevActiveValid = false
}

// insertPlaceholderLocked puts the stream's placeholder node into the tree.
// Returns false when the parent is not present yet, leaving the insert to
// the pending queue.
func (m *Mirror) insertPlaceholderLocked(meta *StreamingMeta) bool {
	if _, ok := m.tree.Node(meta.NodeID); ok {
		return true
	}

	if meta.ParentID != nil {
		parent, ok := m.tree.Node(*meta.ParentID)
		if !ok {
			return false
		}
		m.prevActive = nil
		if parent.ActiveChildIndex != nil {
			idx := *parent.ActiveChildIndex
			m.prevActive = &idx
		}
		m.prevActiveValid = true
	}

	node := &conversation.ChatNode{
		ID:        meta.NodeID,
		ParentID:  meta.ParentID,
		SpeakerID: meta.SpeakerID,
		Message:   m.truth.String(),
		IsBot:     true,
		CreatedAt: meta.StartedAt,
	}
	result, err := m.tree.AddNode(node)
	if err != nil || result == nil {
		m.prevActiveValid = false
		return false
	}
	return true
}

func (m *Mirror) syncPlaceholderLocked() {
	if m.streaming == nil {
		return
	}
	if node, ok := m.tree.Node(m.streaming.NodeID); ok {
		node.Message = m.truth.String()
	}
}

// rollbackLocked removes a placeholder and restores the parent's active
// index to what it was before the insert, so a failed generation leaves the
// tree exactly as it found it.
func (m *Mirror) rollbackLocked(nodeID conversation.NodeID) {
	node, ok := m.tree.Node(nodeID)
	if !ok {
		return
	}
	parentID := node.ParentID

	_, _ = m.tree.DeleteNode(nodeID)

	if !m.prevActiveValid || parentID == nil {
		return
	}
	parent, ok := m.tree.Node(*parentID)
	if !ok {
		return
	}
	switch {
	case m.prevActive == nil && len(parent.ChildIDs) == 0:
		parent.ActiveChildIndex = nil
	case m.prevActive != nil && *m.prevActive < len(parent.ChildIDs):
		idx := *m.prevActive
		parent.ActiveChildIndex = &idx
	}
	m.prevActiveValid = false
}

// RetryPending reattempts queued placeholder inserts and returns the node
// ids whose retry budget ran out.
func (m *Mirror) RetryPending() []conversation.NodeID {
	m.mu.Lock()
	defer m.mu.Unlock()

	var failed []conversation.NodeID
	for id, p := range m.pending {
		if m.loaded && m.insertPlaceholderLocked(p.meta) {
			delete(m.pending, id)
			continue
		}
		p.attempts++
		if p.attempts >= maxInsertAttempts {
			delete(m.pending, id)
			failed = append(failed, id)
		}
	}
	return failed
}

func (m *Mirror) drainPendingLocked() {
	for id, p := range m.pending {
		if m.insertPlaceholderLocked(p.meta) {
			delete(m.pending, id)
		}
	}
}

func (m *Mirror) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// tryArmRetry marks the retry pump as running. Returns false when a pump is
// already active.
func (m *Mirror) tryArmRetry() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.retryArmed {
		return false
	}
	m.retryArmed = true
	return true
}

func (m *Mirror) disarmRetry() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retryArmed = false
}

// Streaming returns a copy of the in-flight stream's metadata, or nil when
// the conversation is idle.
func (m *Mirror) Streaming() *StreamingMeta {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.streaming == nil {
		return nil
	}
	meta := *m.streaming
	return &meta
}

// Truth returns the accumulated text of the in-flight stream.
func (m *Mirror) Truth() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.truth.String()
}

func (m *Mirror) Node(id conversation.NodeID) *conversation.ChatNode {
	m.mu.Lock()
	defer m.mu.Unlock()
	node, ok := m.tree.Node(id)
	if !ok {
		return nil
	}
	return node.Clone()
}

func (m *Mirror) Root() *conversation.ChatNode {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tree.RootID == nil {
		return nil
	}
	node, ok := m.tree.Node(*m.tree.RootID)
	if !ok {
		return nil
	}
	return node.Clone()
}

func (m *Mirror) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tree.Len()
}

// ActivePath returns the linear view: root to leaf, following each node's
// active child.
func (m *Mirror) ActivePath() []*conversation.ChatNode {
	m.mu.Lock()
	defer m.mu.Unlock()
	path := m.tree.ActivePath()
	ret := make([]*conversation.ChatNode, 0, len(path))
	for _, node := range path {
		ret = append(ret, node.Clone())
	}
	return ret
}

// Upsert folds nodes returned by REST mutations into the mirror, so the
// local view tracks add/edit/switch/swipe answers without a full reload.
func (m *Mirror) Upsert(nodes ...*conversation.ChatNode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, node := range nodes {
		if node == nil {
			continue
		}
		copied := node.Clone()
		m.tree.Nodes[copied.ID] = copied
		if copied.ParentID == nil {
			rootID := copied.ID
			m.tree.RootID = &rootID
		}
	}
}

// Remove drops a node and its subtree from the mirror after a server-side
// delete.
func (m *Mirror) Remove(id conversation.NodeID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, _ = m.tree.DeleteNode(id)
}
