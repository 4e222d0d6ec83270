package server

import (
	"context"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/marionette/pkg/conversation"
	"github.com/go-go-golems/marionette/pkg/events"
	"github.com/go-go-golems/marionette/pkg/prompt"
	"github.com/go-go-golems/marionette/pkg/providers"
	"github.com/go-go-golems/marionette/pkg/providers/factory"
	"github.com/go-go-golems/marionette/pkg/streams"
)

type wsFixture struct {
	store   *conversation.MemoryStore
	manager *streams.Manager
	ts      *httptest.Server
}

func newWSFixture(t *testing.T, options ...streams.ManagerOption) *wsFixture {
	t.Helper()

	router, err := events.NewEventRouter()
	require.NoError(t, err)
	t.Cleanup(func() { _ = router.Close() })

	store := conversation.NewMemoryStore()
	manager := streams.NewManager(
		store,
		prompt.NewTreeAssembler(store),
		factory.NewStandardEngineFactory(),
		providers.NewSettings(),
		events.NewWatermillSink(router.Publisher),
		options...,
	)

	hub := NewHub(router.Subscriber, manager)
	srv := NewServer("127.0.0.1:0", store, manager, hub)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(func() { manager.Shutdown(context.Background()) })

	return &wsFixture{store: store, manager: manager, ts: ts}
}

func (f *wsFixture) seed(t *testing.T) (*conversation.Conversation, conversation.NodeID) {
	t.Helper()
	conv, err := f.store.CreateConversation(context.Background(), "The Old Mill", []conversation.Speaker{
		{ID: "user", Name: "Traveler", IsUser: true},
		{ID: "narrator", Name: "Narrator"},
	})
	require.NoError(t, err)
	result, err := f.store.AddMessage(context.Background(), conv.ID, nil, "user", "Hello?", false)
	require.NoError(t, err)
	return conv, result.Node.ID
}

func (f *wsFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws"
	ws, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func sendMessage(t *testing.T, ws *websocket.Conn, msg events.ClientMessage) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(msg))
}

func readEvent(t *testing.T, ws *websocket.Conn) events.Event {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := ws.ReadMessage()
	require.NoError(t, err)
	e, err := events.NewEventFromJson(payload)
	require.NoError(t, err)
	return e
}

// readUntil consumes events until one of the wanted type arrives, returning
// everything read along the way, the wanted event last.
func readUntil(t *testing.T, ws *websocket.Conn, eventType events.EventType) []events.Event {
	t.Helper()
	var collected []events.Event
	for i := 0; i < 1000; i++ {
		e := readEvent(t, ws)
		collected = append(collected, e)
		if e.Type() == eventType {
			return collected
		}
	}
	t.Fatalf("gave up waiting for %s", eventType)
	return nil
}

func TestStreamOverWebsocket(t *testing.T) {
	f := newWSFixture(t,
		streams.WithTestText("alpha beta gamma"),
		streams.WithTestInterval(time.Millisecond))
	conv, rootID := f.seed(t)

	ws := f.dial(t)
	sendMessage(t, ws, events.ClientMessage{Type: events.ClientSubscribe, ConversationID: conv.ID})

	nodeID := conversation.NewNodeID()
	sendMessage(t, ws, events.ClientMessage{
		Type:           events.ClientStartTestStream,
		ConversationID: conv.ID,
		ParentID:       &rootID,
		SpeakerID:      "narrator",
		NodeID:         nodeID,
	})

	collected := readUntil(t, ws, events.EventTypeStreamEnd)

	start, ok := collected[0].(*events.EventStreamStart)
	require.True(t, ok, "first event should be the start, got %s", collected[0].Type())
	assert.Equal(t, nodeID, start.NodeID)
	assert.Equal(t, "narrator", start.SpeakerID)
	require.NotNil(t, start.ParentID)
	assert.Equal(t, rootID, *start.ParentID)

	var text string
	for _, e := range collected {
		if chunk, ok := e.(*events.EventStreamChunk); ok {
			text += chunk.Delta
		}
	}
	assert.Equal(t, "alpha beta gamma", text)

	end := collected[len(collected)-1].(*events.EventStreamEnd)
	assert.Equal(t, nodeID, end.NodeID)

	tree, err := f.store.GetChatTree(context.Background(), conv.ID)
	require.NoError(t, err)
	require.NotNil(t, tree[nodeID])
	assert.Equal(t, "alpha beta gamma", tree[nodeID].Message)
}

func TestLateSubscriberCatchesUp(t *testing.T) {
	f := newWSFixture(t,
		streams.WithTestText(strings.TrimSpace(strings.Repeat("lorem ", 200))),
		streams.WithTestInterval(5*time.Millisecond))
	conv, rootID := f.seed(t)

	first := f.dial(t)
	sendMessage(t, first, events.ClientMessage{Type: events.ClientSubscribe, ConversationID: conv.ID})
	sendMessage(t, first, events.ClientMessage{
		Type:           events.ClientStartTestStream,
		ConversationID: conv.ID,
		ParentID:       &rootID,
		SpeakerID:      "narrator",
		NodeID:         conversation.NewNodeID(),
	})

	readUntil(t, first, events.EventTypeStreamChunk)

	second := f.dial(t)
	sendMessage(t, second, events.ClientMessage{Type: events.ClientSubscribe, ConversationID: conv.ID})

	start, ok := readEvent(t, second).(*events.EventStreamStart)
	require.True(t, ok, "late subscriber should first see a synthetic start")
	assert.Equal(t, "narrator", start.SpeakerID)

	content, ok := readEvent(t, second).(*events.EventStreamContent)
	require.True(t, ok, "synthetic start should be followed by a content snapshot")
	require.Greater(t, content.Chunks, 0)
	require.Less(t, content.Chunks, 200)
	assert.Equal(t, strings.Repeat("lorem ", content.Chunks), content.Content)

	// live tail starts at or after the snapshot boundary
	chunkEvents := readUntil(t, second, events.EventTypeStreamChunk)
	chunk := chunkEvents[len(chunkEvents)-1].(*events.EventStreamChunk)
	assert.GreaterOrEqual(t, chunk.Index, content.Chunks)

	sendMessage(t, second, events.ClientMessage{Type: events.ClientCancel, ConversationID: conv.ID})
	readUntil(t, first, events.EventTypeStreamCancelled)
	readUntil(t, second, events.EventTypeStreamCancelled)
}

func TestRejectedStartAnswersOnlyTheRequester(t *testing.T) {
	f := newWSFixture(t)
	conv, err := f.store.CreateConversation(context.Background(), "empty", []conversation.Speaker{
		{ID: "user", Name: "Traveler", IsUser: true},
		{ID: "narrator", Name: "Narrator"},
	})
	require.NoError(t, err)

	watcher := f.dial(t)
	sendMessage(t, watcher, events.ClientMessage{Type: events.ClientSubscribe, ConversationID: conv.ID})

	requester := f.dial(t)
	sendMessage(t, requester, events.ClientMessage{Type: events.ClientSubscribe, ConversationID: conv.ID})
	sendMessage(t, requester, events.ClientMessage{Type: events.ClientStartGeneration, ConversationID: conv.ID})

	errEvent, ok := readEvent(t, requester).(*events.EventStreamError)
	require.True(t, ok)
	assert.Contains(t, errEvent.ErrorString, "no messages")

	// nothing was admitted, so the watcher hears nothing
	require.NoError(t, watcher.SetReadDeadline(time.Now().Add(250*time.Millisecond)))
	_, _, err = watcher.ReadMessage()
	require.Error(t, err)
	netErr, ok := err.(net.Error)
	require.True(t, ok)
	assert.True(t, netErr.Timeout())
}

func TestUnsubscribeStopsDeliveryWithoutClosing(t *testing.T) {
	f := newWSFixture(t,
		streams.WithTestText(strings.TrimSpace(strings.Repeat("tick ", 100))),
		streams.WithTestInterval(50*time.Millisecond))
	conv, rootID := f.seed(t)

	ws := f.dial(t)
	sendMessage(t, ws, events.ClientMessage{Type: events.ClientSubscribe, ConversationID: conv.ID})
	sendMessage(t, ws, events.ClientMessage{
		Type:           events.ClientStartTestStream,
		ConversationID: conv.ID,
		ParentID:       &rootID,
		SpeakerID:      "narrator",
		NodeID:         conversation.NewNodeID(),
	})

	readUntil(t, ws, events.EventTypeStreamStart)
	sendMessage(t, ws, events.ClientMessage{Type: events.ClientUnsubscribe, ConversationID: conv.ID})

	// the stream keeps running server-side, but no more frames arrive here
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			netErr, ok := err.(net.Error)
			require.True(t, ok, "expected a timeout, got %v", err)
			assert.True(t, netErr.Timeout())
			break
		}
		// frames already queued before the unsubscribe may still drain
	}

	assert.True(t, f.manager.IsStreaming(conv.ID))

	// the connection itself is still usable for control traffic
	sendMessage(t, ws, events.ClientMessage{Type: events.ClientCancel, ConversationID: conv.ID})

	deadline := time.Now().Add(2 * time.Second)
	for f.manager.IsStreaming(conv.ID) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.False(t, f.manager.IsStreaming(conv.ID))
}
