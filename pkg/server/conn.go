package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/marionette/pkg/conversation"
	"github.com/go-go-golems/marionette/pkg/events"
	"github.com/go-go-golems/marionette/pkg/streams"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8192
	sendBufferSize = 256
)

// Conn is one websocket connection. Inbound control frames are dispatched to
// the stream manager and the hub; outbound event frames arrive through a
// buffered send channel fed by the hub's topic readers.
type Conn struct {
	ws      *websocket.Conn
	hub     *Hub
	manager *streams.Manager

	send chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func newConn(ws *websocket.Conn, hub *Hub, manager *streams.Manager) *Conn {
	return &Conn{
		ws:      ws,
		hub:     hub,
		manager: manager,
		send:    make(chan []byte, sendBufferSize),
		done:    make(chan struct{}),
	}
}

// trySend queues a frame without blocking. A consumer that cannot keep up
// loses frames rather than stalling the fan-out; the client resynchronizes
// from the chunk indices when it notices the gap.
func (c *Conn) trySend(payload []byte) {
	select {
	case c.send <- payload:
	default:
		log.Warn().Msg("dropping frame, send buffer full")
	}
}

func (c *Conn) sendEvent(event events.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal event")
		return
	}
	c.trySend(payload)
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.hub.Drop(c)
		_ = c.ws.Close()
	})
}

// readPump consumes control frames until the connection dies. Malformed
// frames are ignored and the connection stays open.
func (c *Conn) readPump() {
	defer c.close()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Msg("websocket read failed")
			}
			return
		}
		c.handleMessage(raw)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case payload := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Conn) handleMessage(raw []byte) {
	var msg events.ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Debug().Err(err).Msg("ignoring malformed client message")
		return
	}

	ctx := context.Background()

	switch msg.Type {
	case events.ClientSubscribe:
		if err := c.hub.Subscribe(c, msg.ConversationID); err != nil {
			log.Error().Err(err).
				Str("conversation_id", msg.ConversationID.String()).
				Msg("subscribe failed")
		}

	case events.ClientUnsubscribe:
		c.hub.Unsubscribe(c, msg.ConversationID)

	case events.ClientStartGeneration:
		_, err := c.manager.StartGeneration(ctx, streams.StartGenerationRequest{
			ConversationID: msg.ConversationID,
			Model:          msg.Model,
			Provider:       msg.Provider,
			NodeID:         msg.NodeID,
			Regenerate:     msg.Regenerate,
		})
		if err != nil {
			c.rejectStart(msg.ConversationID, err)
		}

	case events.ClientStartTestStream:
		_, err := c.manager.StartTestStream(ctx, streams.StartStreamRequest{
			ConversationID: msg.ConversationID,
			ParentID:       msg.ParentID,
			SpeakerID:      msg.SpeakerID,
			NodeID:         msg.NodeID,
		})
		if err != nil {
			c.rejectStart(msg.ConversationID, err)
		}

	case events.ClientStartAIStream:
		_, err := c.manager.StartAIStream(ctx, streams.StartStreamRequest{
			ConversationID: msg.ConversationID,
			ParentID:       msg.ParentID,
			SpeakerID:      msg.SpeakerID,
			Model:          msg.Model,
			Provider:       msg.Provider,
			NodeID:         msg.NodeID,
		})
		if err != nil {
			c.rejectStart(msg.ConversationID, err)
		}

	case events.ClientCancel:
		if !c.manager.CancelStream(ctx, msg.ConversationID) {
			log.Debug().
				Str("conversation_id", msg.ConversationID.String()).
				Msg("cancel with no active stream")
		}

	default:
		log.Debug().Str("type", string(msg.Type)).Msg("ignoring unknown client message type")
	}
}

// rejectStart reports a start that failed before a stream was admitted. The
// error goes to the requesting connection only, never the broadcast topic:
// other viewers saw no start event, so there is nothing for them to roll
// back.
func (c *Conn) rejectStart(conversationID conversation.ConversationID, err error) {
	log.Debug().Err(err).
		Str("conversation_id", conversationID.String()).
		Msg("generation rejected")

	metadata := events.EventMetadata{ConversationID: conversationID}
	c.sendEvent(events.NewStreamErrorEvent(metadata, err))
}
