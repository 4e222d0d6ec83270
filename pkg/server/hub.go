package server

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/marionette/pkg/conversation"
	"github.com/go-go-golems/marionette/pkg/events"
	"github.com/go-go-golems/marionette/pkg/streams"
)

// Hub is the subscription registry: which connections listen to which
// conversation. One watermill subscription per conversation topic is shared
// by all listening connections and torn down when the last one leaves.
//
// A connection joining a conversation mid-stream is caught up with a
// synthetic start event and a full-content snapshot, so it renders the
// in-flight message without replaying every historical chunk. Registration
// happens before the snapshot is taken, so no delta can fall between the
// snapshot and the live tail; deltas covered by both are dropped client-side
// by their chunk index.
type Hub struct {
	subscriber message.Subscriber
	manager    *streams.Manager

	mu     sync.Mutex
	topics map[conversation.ConversationID]*topicReader
}

type topicReader struct {
	cancel context.CancelFunc
	conns  map[*Conn]bool
}

func NewHub(subscriber message.Subscriber, manager *streams.Manager) *Hub {
	return &Hub{
		subscriber: subscriber,
		manager:    manager,
		topics:     map[conversation.ConversationID]*topicReader{},
	}
}

// Subscribe registers a connection for a conversation's stream events and
// sends it the catch-up pair if a generation is already in flight.
func (h *Hub) Subscribe(conn *Conn, conversationID conversation.ConversationID) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	reader, exists := h.topics[conversationID]
	if !exists {
		// The reader outlives any one connection; it stops when the last
		// subscriber leaves, not when the starting request finishes.
		readerCtx, cancel := context.WithCancel(context.Background())
		ch, err := h.subscriber.Subscribe(readerCtx, events.StreamTopic(conversationID))
		if err != nil {
			cancel()
			return errors.Wrap(err, "subscribe to conversation topic")
		}
		reader = &topicReader{cancel: cancel, conns: map[*Conn]bool{}}
		h.topics[conversationID] = reader
		go h.forward(conversationID, reader, ch)
	}
	reader.conns[conn] = true

	log.Debug().
		Str("conversation_id", conversationID.String()).
		Int("subscribers", len(reader.conns)).
		Msg("connection subscribed")

	if snapshot, ok := h.manager.Snapshot(conversationID); ok {
		metadata := events.EventMetadata{
			ConversationID: snapshot.ConversationID,
			StreamID:       snapshot.StreamID,
		}
		conn.sendEvent(events.NewStreamStartEvent(metadata, snapshot.ParentID, snapshot.SpeakerID, snapshot.NodeID))
		conn.sendEvent(events.NewStreamContentEvent(metadata, snapshot.Content, snapshot.Chunks))
	}

	return nil
}

// Unsubscribe removes a connection from one conversation. The shared
// websocket stays open; only the topic membership changes.
func (h *Hub) Unsubscribe(conn *Conn, conversationID conversation.ConversationID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(conn, conversationID)
}

// Drop removes a closing connection from every conversation it was
// subscribed to.
func (h *Hub) Drop(conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conversationID, reader := range h.topics {
		if reader.conns[conn] {
			h.dropLocked(conn, conversationID)
		}
	}
}

func (h *Hub) dropLocked(conn *Conn, conversationID conversation.ConversationID) {
	reader, exists := h.topics[conversationID]
	if !exists {
		return
	}
	delete(reader.conns, conn)
	if len(reader.conns) == 0 {
		reader.cancel()
		delete(h.topics, conversationID)
		log.Debug().
			Str("conversation_id", conversationID.String()).
			Msg("last subscriber left, topic reader stopped")
	}
}

// forward fans one conversation topic out to its subscribed connections.
// Publish failures to individual connections never reach the generation; a
// slow consumer drops frames instead of stalling everyone else.
func (h *Hub) forward(conversationID conversation.ConversationID, reader *topicReader, ch <-chan *message.Message) {
	for msg := range ch {
		msg.Ack()

		h.mu.Lock()
		conns := make([]*Conn, 0, len(reader.conns))
		for c := range reader.conns {
			conns = append(conns, c)
		}
		h.mu.Unlock()

		for _, c := range conns {
			c.trySend(msg.Payload)
		}
	}

	log.Debug().
		Str("conversation_id", conversationID.String()).
		Msg("topic reader exited")
}
