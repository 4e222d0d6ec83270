package streams

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/go-go-golems/marionette/pkg/conversation"
	"github.com/go-go-golems/marionette/pkg/events"
	"github.com/go-go-golems/marionette/pkg/prompt"
	"github.com/go-go-golems/marionette/pkg/providers"
	"github.com/go-go-golems/marionette/pkg/providers/factory"
	"github.com/lithammer/shortuuid/v3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var (
	// ErrAlreadyStreaming rejects a second generation for a conversation
	// that already has one in flight.
	ErrAlreadyStreaming = errors.New("conversation is already streaming")
	// ErrNoMessages indicates the conversation does not exist or holds no
	// nodes to generate from.
	ErrNoMessages = errors.New("conversation has no messages")
	// ErrNoActivePath indicates the active-branch walk produced nothing.
	ErrNoActivePath = errors.New("conversation has no active path")
	// ErrNoBotSpeaker indicates no non-user speaker is registered.
	ErrNoBotSpeaker = errors.New("conversation has no bot speaker")
)

const (
	defaultTestText     = "This is a test stream that delivers one word per tick so the reveal pacing can be exercised without spending any tokens."
	defaultTestInterval = 250 * time.Millisecond
)

// StartGenerationRequest asks the manager to resolve the insertion point
// itself: the reply attaches to the active path's leaf, or replaces it as a
// sibling when Regenerate is set and the leaf is a bot message. A zero
// NodeID lets the manager assign one.
type StartGenerationRequest struct {
	ConversationID conversation.ConversationID
	Model          string
	Provider       string
	NodeID         conversation.NodeID
	Regenerate     bool
}

// StartStreamRequest names the insertion point explicitly. Model and
// Provider are ignored for test streams.
type StartStreamRequest struct {
	ConversationID conversation.ConversationID
	ParentID       *conversation.NodeID
	SpeakerID      string
	Model          string
	Provider       string
	NodeID         conversation.NodeID
}

// StreamSnapshot is the catch-up view handed to a subscriber that joins a
// conversation mid-stream. Chunks counts the deltas folded into Content, so
// the subscriber can discard live chunks the snapshot already covers.
type StreamSnapshot struct {
	StreamID       string
	ConversationID conversation.ConversationID
	ParentID       *conversation.NodeID
	SpeakerID      string
	NodeID         conversation.NodeID
	Content        string
	Chunks         int
}

// Manager orchestrates the generation lifecycle, one stream per conversation
// at most.
//
// It keeps two maps, conversation id to stream id and stream id to
// ActiveStream, strictly in sync under one mutex: a conversation appears in
// the first iff its stream appears in the second, and admission is an atomic
// check-then-insert on that mutex. Everything after admission runs in a
// per-stream goroutine; terminal transitions claim the map entries first, so
// exactly one of finalize, cancel or error speaks for any stream.
type Manager struct {
	store     conversation.Store
	assembler prompt.Assembler
	engines   factory.EngineFactory
	settings  *providers.Settings
	sink      events.EventSink

	mu             sync.Mutex
	byConversation map[conversation.ConversationID]string
	byStream       map[string]*ActiveStream

	testText     string
	testInterval time.Duration
}

type ManagerOption func(*Manager)

// WithTestText overrides the canned text test streams deliver.
func WithTestText(text string) ManagerOption {
	return func(m *Manager) {
		m.testText = text
	}
}

// WithTestInterval overrides the word cadence of test streams.
func WithTestInterval(interval time.Duration) ManagerOption {
	return func(m *Manager) {
		m.testInterval = interval
	}
}

func NewManager(
	store conversation.Store,
	assembler prompt.Assembler,
	engines factory.EngineFactory,
	settings *providers.Settings,
	sink events.EventSink,
	options ...ManagerOption,
) *Manager {
	ret := &Manager{
		store:          store,
		assembler:      assembler,
		engines:        engines,
		settings:       settings,
		sink:           sink,
		byConversation: map[conversation.ConversationID]string{},
		byStream:       map[string]*ActiveStream{},
		testText:       defaultTestText,
		testInterval:   defaultTestInterval,
	}

	for _, option := range options {
		option(ret)
	}

	return ret
}

// StartGeneration resolves where the reply attaches and who speaks, then
// delegates to StartAIStream. The insertion point is the active path's leaf;
// with Regenerate set and a bot message at the leaf, the reply becomes a
// sibling of that leaf instead. The speaker is the conversation's first
// non-user speaker.
func (m *Manager) StartGeneration(ctx context.Context, req StartGenerationRequest) (*ActiveStream, error) {
	if m.IsStreaming(req.ConversationID) {
		return nil, ErrAlreadyStreaming
	}

	tree, err := m.store.GetChatTree(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	if len(tree) == 0 {
		return nil, ErrNoMessages
	}

	path, err := m.store.ActivePath(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	if len(path) == 0 {
		return nil, ErrNoActivePath
	}
	leaf := path[len(path)-1]

	conv, err := m.store.GetConversation(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, ErrNoMessages
	}
	bot, ok := conv.FirstBotSpeaker()
	if !ok {
		return nil, ErrNoBotSpeaker
	}

	leafID := leaf.ID
	parentID := &leafID
	if req.Regenerate && leaf.IsBot && leaf.ParentID != nil {
		pid := *leaf.ParentID
		parentID = &pid
	}

	return m.StartAIStream(ctx, StartStreamRequest{
		ConversationID: req.ConversationID,
		ParentID:       parentID,
		SpeakerID:      bot.ID,
		Model:          req.Model,
		Provider:       req.Provider,
		NodeID:         req.NodeID,
	})
}

// StartAIStream admits a stream and pulls tokens from the model provider.
// Engine creation happens before admission so an unconfigured provider
// surfaces as a typed error to the caller rather than a broadcast.
func (m *Manager) StartAIStream(ctx context.Context, req StartStreamRequest) (*ActiveStream, error) {
	engine, err := m.createEngine(req.Model, req.Provider)
	if err != nil {
		return nil, err
	}

	stream, err := m.admit(req)
	if err != nil {
		return nil, err
	}

	metadata := m.metadata(stream)
	m.publish(events.NewStreamStartEvent(metadata, stream.ParentID, stream.SpeakerID, stream.NodeID))

	// Detached from the request context: the generation belongs to the
	// conversation, not to the connection that started it.
	streamCtx, cancel := context.WithCancel(context.Background())
	stream.setCancel(cancel)

	log.Debug().
		Str("stream_id", stream.ID).
		Str("conversation_id", stream.ConversationID.String()).
		Str("node_id", stream.NodeID.String()).
		Msg("ai stream admitted")

	go m.runAIStream(streamCtx, stream, engine)

	return stream, nil
}

// StartTestStream admits a stream that delivers canned words on a fixed
// interval, exercising the full broadcast and persistence path without
// calling any provider.
func (m *Manager) StartTestStream(ctx context.Context, req StartStreamRequest) (*ActiveStream, error) {
	stream, err := m.admit(req)
	if err != nil {
		return nil, err
	}

	metadata := m.metadata(stream)
	m.publish(events.NewStreamStartEvent(metadata, stream.ParentID, stream.SpeakerID, stream.NodeID))

	streamCtx, cancel := context.WithCancel(context.Background())
	stream.setCancel(cancel)

	log.Debug().
		Str("stream_id", stream.ID).
		Str("conversation_id", stream.ConversationID.String()).
		Msg("test stream admitted")

	go m.runTestStream(streamCtx, stream)

	return stream, nil
}

// CancelStream aborts a conversation's in-flight generation. If any content
// accumulated it is persisted as a real node under the pre-assigned id and a
// cancelled event announces it; with nothing accumulated an error event goes
// out instead so viewers drop their placeholders. Returns false when no
// stream was active.
func (m *Manager) CancelStream(ctx context.Context, conversationID conversation.ConversationID) bool {
	m.mu.Lock()
	streamID, exists := m.byConversation[conversationID]
	var stream *ActiveStream
	if exists {
		stream = m.byStream[streamID]
		delete(m.byStream, streamID)
		delete(m.byConversation, conversationID)
	}
	m.mu.Unlock()

	if stream == nil {
		return false
	}

	stream.Cancel()

	metadata := m.metadata(stream)
	content := stream.Content()

	log.Debug().
		Str("stream_id", stream.ID).
		Str("conversation_id", conversationID.String()).
		Int("content_length", len(content)).
		Msg("stream cancelled")

	if content == "" {
		m.publish(events.NewStreamErrorEvent(metadata, errors.New("generation cancelled before any content arrived")))
		return true
	}

	result, err := m.store.AddMessage(ctx, stream.ConversationID, stream.ParentID, stream.SpeakerID, content, true,
		conversation.WithNodeID(stream.NodeID))
	if err != nil {
		log.Error().Err(err).Str("stream_id", stream.ID).Msg("failed to persist cancelled stream")
		m.publish(events.NewStreamErrorEvent(metadata, err))
		return true
	}
	if result == nil {
		m.publish(events.NewStreamErrorEvent(metadata, errors.New("parent node no longer exists")))
		return true
	}

	m.publish(events.NewStreamCancelledEvent(metadata, stream.NodeID))
	return true
}

// IsStreaming reports whether the conversation has an active stream.
func (m *Manager) IsStreaming(conversationID conversation.ConversationID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, exists := m.byConversation[conversationID]
	return exists
}

// OwnsNode reports whether any active stream will persist under nodeID.
// Mutating such a node mid-stream would race the finalization write, so the
// API layer rejects edits on owned ids.
func (m *Manager) OwnsNode(nodeID conversation.NodeID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, stream := range m.byStream {
		if stream.NodeID == nodeID {
			return true
		}
	}
	return false
}

// Snapshot returns the current state of a conversation's active stream so
// the transport can catch a late subscriber up with a synthetic start and a
// full-content event.
func (m *Manager) Snapshot(conversationID conversation.ConversationID) (*StreamSnapshot, bool) {
	m.mu.Lock()
	streamID, exists := m.byConversation[conversationID]
	var stream *ActiveStream
	if exists {
		stream = m.byStream[streamID]
	}
	m.mu.Unlock()

	if stream == nil {
		return nil, false
	}

	var parentID *conversation.NodeID
	if stream.ParentID != nil {
		pid := *stream.ParentID
		parentID = &pid
	}

	content, chunks := stream.Progress()

	return &StreamSnapshot{
		StreamID:       stream.ID,
		ConversationID: stream.ConversationID,
		ParentID:       parentID,
		SpeakerID:      stream.SpeakerID,
		NodeID:         stream.NodeID,
		Content:        content,
		Chunks:         chunks,
	}, true
}

// Shutdown cancels every active stream, persisting partials like any other
// cancellation.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	ids := make([]conversation.ConversationID, 0, len(m.byConversation))
	for id := range m.byConversation {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.CancelStream(ctx, id)
	}
}

func (m *Manager) admit(req StartStreamRequest) (*ActiveStream, error) {
	nodeID := req.NodeID
	if nodeID == conversation.NullNode {
		nodeID = conversation.NewNodeID()
	}

	var parentID *conversation.NodeID
	if req.ParentID != nil {
		pid := *req.ParentID
		parentID = &pid
	}

	stream := &ActiveStream{
		ID:             "stream_" + shortuuid.New(),
		ConversationID: req.ConversationID,
		ParentID:       parentID,
		SpeakerID:      req.SpeakerID,
		NodeID:         nodeID,
		StartedAt:      time.Now().UTC(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byConversation[req.ConversationID]; exists {
		return nil, ErrAlreadyStreaming
	}
	m.byConversation[req.ConversationID] = stream.ID
	m.byStream[stream.ID] = stream

	return stream, nil
}

// remove claims a stream's map entries. Exactly one caller gets the stream
// back; everyone else sees nil and stays silent.
func (m *Manager) remove(streamID string) *ActiveStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	stream, exists := m.byStream[streamID]
	if !exists {
		return nil
	}
	delete(m.byStream, streamID)
	delete(m.byConversation, stream.ConversationID)
	return stream
}

func (m *Manager) isActive(streamID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, exists := m.byStream[streamID]
	return exists
}

func (m *Manager) createEngine(model string, provider string) (providers.Engine, error) {
	settings_ := m.settings.Clone()
	if model != "" {
		settings_.Chat.Engine = &model
	}
	if provider != "" {
		apiType := providers.ApiType(provider)
		settings_.Chat.ApiType = &apiType
	}
	return m.engines.CreateEngine(settings_)
}

func (m *Manager) runAIStream(ctx context.Context, stream *ActiveStream, engine providers.Engine) {
	metadata := m.metadata(stream)

	messages, err := m.assembler.Assemble(ctx, stream.ConversationID)
	if err == nil && messages == nil {
		err = errors.New("could not assemble prompt")
	}
	if err != nil {
		if m.remove(stream.ID) != nil {
			m.publish(events.NewStreamErrorEvent(metadata, err))
		}
		return
	}

	tokenCh, cancelTokens, err := engine.Stream(ctx, messages)
	if err != nil {
		if m.remove(stream.ID) != nil {
			m.publish(events.NewStreamErrorEvent(metadata, err))
		}
		return
	}
	defer cancelTokens()

	for result := range tokenCh {
		delta, err := result.Value()
		if err != nil {
			if m.remove(stream.ID) != nil {
				m.publish(events.NewStreamErrorEvent(metadata, err))
			}
			return
		}
		if !m.isActive(stream.ID) {
			return
		}
		index := stream.Append(delta)
		m.publish(events.NewStreamChunkEvent(metadata, delta, index))
	}

	m.finalize(stream)
}

func (m *Manager) runTestStream(ctx context.Context, stream *ActiveStream) {
	metadata := m.metadata(stream)
	words := strings.Fields(m.testText)

	ticker := time.NewTicker(m.testInterval)
	defer ticker.Stop()

	for i, word := range words {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if !m.isActive(stream.ID) {
			return
		}

		delta := word
		if i < len(words)-1 {
			delta += " "
		}
		index := stream.Append(delta)
		m.publish(events.NewStreamChunkEvent(metadata, delta, index))
	}

	m.finalize(stream)
}

// finalize persists a stream that ran to completion and announces the end.
// The persist uses a fresh context: by this point the text exists and must
// land even while the server is shutting down.
func (m *Manager) finalize(stream *ActiveStream) {
	if m.remove(stream.ID) == nil {
		return
	}

	metadata := m.metadata(stream)
	content := stream.Content()

	result, err := m.store.AddMessage(context.Background(), stream.ConversationID, stream.ParentID, stream.SpeakerID, content, true,
		conversation.WithNodeID(stream.NodeID))
	if err != nil {
		log.Error().Err(err).Str("stream_id", stream.ID).Msg("failed to persist finished stream")
		m.publish(events.NewStreamErrorEvent(metadata, err))
		return
	}
	if result == nil {
		m.publish(events.NewStreamErrorEvent(metadata, errors.New("parent node no longer exists")))
		return
	}

	log.Debug().
		Str("stream_id", stream.ID).
		Str("node_id", stream.NodeID.String()).
		Int("content_length", len(content)).
		Msg("stream finalized")

	m.publish(events.NewStreamEndEvent(metadata, stream.NodeID))
}

func (m *Manager) metadata(stream *ActiveStream) events.EventMetadata {
	return events.EventMetadata{
		ConversationID: stream.ConversationID,
		StreamID:       stream.ID,
	}
}

func (m *Manager) publish(event events.Event) {
	if err := m.sink.PublishEvent(event); err != nil {
		log.Warn().Err(err).Str("event_type", string(event.Type())).Msg("failed to publish stream event")
	}
}
