package client

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/marionette/pkg/conversation"
	"github.com/go-go-golems/marionette/pkg/events"
	"github.com/go-go-golems/marionette/pkg/prompt"
	"github.com/go-go-golems/marionette/pkg/providers"
	"github.com/go-go-golems/marionette/pkg/providers/factory"
	"github.com/go-go-golems/marionette/pkg/server"
	"github.com/go-go-golems/marionette/pkg/streams"
)

type serverStack struct {
	store   *conversation.MemoryStore
	manager *streams.Manager
	handler http.Handler
}

func newServerStack(t *testing.T, options ...streams.ManagerOption) *serverStack {
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
	t.Cleanup(func() { manager.Shutdown(context.Background()) })

	hub := server.NewHub(router.Subscriber, manager)
	srv := server.NewServer("127.0.0.1:0", store, manager, hub)

	return &serverStack{store: store, manager: manager, handler: srv.Handler()}
}

func (s *serverStack) seed(t *testing.T) (*conversation.Conversation, conversation.NodeID) {
	t.Helper()
	conv, err := s.store.CreateConversation(context.Background(), "The Old Mill", []conversation.Speaker{
		{ID: "user", Name: "Traveler", IsUser: true},
		{ID: "narrator", Name: "Narrator"},
	})
	require.NoError(t, err)
	result, err := s.store.AddMessage(context.Background(), conv.ID, nil, "user", "Hello?", false)
	require.NoError(t, err)
	return conv, result.Node.ID
}

func fastBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxInterval = 100 * time.Millisecond
	bo.MaxElapsedTime = 0
	return bo
}

func waitState(t *testing.T, states <-chan ConnState, want ConnState) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case got := <-states:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for connection state %s", want)
		}
	}
}

func TestClientStreamsAndReconciles(t *testing.T) {
	stack := newServerStack(t,
		streams.WithTestText("alpha beta gamma"),
		streams.WithTestInterval(time.Millisecond),
	)
	conv, rootID := stack.seed(t)

	ts := httptest.NewServer(stack.handler)
	t.Cleanup(ts.Close)

	states := make(chan ConnState, 16)
	cl := NewClient(ts.URL,
		WithBackOffFactory(fastBackOff),
		WithStateHandler(func(s ConnState) { states <- s }),
	)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = cl.Run(ctx) }()
	waitState(t, states, StateConnected)

	mirror, err := cl.EnterConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.True(t, mirror.Loaded())
	require.Equal(t, 1, mirror.Len())

	nodeID, err := cl.StartTestStream(conv.ID, &rootID, "narrator")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		node := mirror.Node(nodeID)
		return node != nil && node.Message == "alpha beta gamma" && mirror.Streaming() == nil
	}, 5*time.Second, 10*time.Millisecond)

	path := mirror.ActivePath()
	require.Len(t, path, 2)
	assert.Equal(t, rootID, path[0].ID)
	assert.Equal(t, nodeID, path[1].ID)
	assert.Equal(t, "narrator", path[1].SpeakerID)
	assert.True(t, path[1].IsBot)

	// the server persisted the same node the mirror shows
	tree, err := stack.store.GetChatTree(ctx, conv.ID)
	require.NoError(t, err)
	require.Contains(t, tree, nodeID)
	assert.Equal(t, "alpha beta gamma", tree[nodeID].Message)
}

func TestClientReconnectsAndResubscribes(t *testing.T) {
	stack := newServerStack(t,
		streams.WithTestText(strings.TrimSpace(strings.Repeat("storm ", 20))),
		streams.WithTestInterval(25*time.Millisecond),
	)
	conv, rootID := stack.seed(t)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()

	first := &http.Server{Handler: stack.handler}
	go func() { _ = first.Serve(listener) }()

	states := make(chan ConnState, 16)
	cl := NewClient("http://"+addr,
		WithBackOffFactory(fastBackOff),
		WithStateHandler(func(s ConnState) { states <- s }),
	)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = cl.Run(ctx) }()
	waitState(t, states, StateConnected)

	mirror, err := cl.EnterConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.True(t, mirror.Loaded())

	// take the server down, connection included
	require.NoError(t, first.Close())
	waitState(t, states, StateDisconnected)

	// bring it back on the same address
	var relisten net.Listener
	require.Eventually(t, func() bool {
		var lerr error
		relisten, lerr = net.Listen("tcp", addr)
		return lerr == nil
	}, 2*time.Second, 10*time.Millisecond)
	second := &http.Server{Handler: stack.handler}
	go func() { _ = second.Serve(relisten) }()
	t.Cleanup(func() { _ = second.Close() })

	waitState(t, states, StateConnected)

	// the re-subscribed connection carries a fresh stream end to end
	nodeID, err := cl.StartTestStream(conv.ID, &rootID, "narrator")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		node := mirror.Node(nodeID)
		return node != nil &&
			node.Message == strings.TrimSpace(strings.Repeat("storm ", 20)) &&
			mirror.Streaming() == nil
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRejectedStartReachesEventHandler(t *testing.T) {
	stack := newServerStack(t)
	conv, err := stack.store.CreateConversation(context.Background(), "Empty Room", []conversation.Speaker{
		{ID: "user", Name: "Traveler", IsUser: true},
		{ID: "narrator", Name: "Narrator"},
	})
	require.NoError(t, err)

	ts := httptest.NewServer(stack.handler)
	t.Cleanup(ts.Close)

	states := make(chan ConnState, 16)
	errCh := make(chan *events.EventStreamError, 4)
	cl := NewClient(ts.URL,
		WithBackOffFactory(fastBackOff),
		WithStateHandler(func(s ConnState) { states <- s }),
		WithEventHandler(func(e events.Event) {
			if ev, ok := e.(*events.EventStreamError); ok {
				errCh <- ev
			}
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = cl.Run(ctx) }()
	waitState(t, states, StateConnected)

	mirror, err := cl.EnterConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.True(t, mirror.Loaded())
	require.Zero(t, mirror.Len())

	_, err = cl.StartGeneration(conv.ID, "", "", false)
	require.NoError(t, err)

	select {
	case ev := <-errCh:
		assert.Contains(t, ev.ErrorString, "no messages")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the rejection event")
	}

	// nothing was inserted anywhere
	assert.Zero(t, mirror.Len())
	assert.Nil(t, mirror.Streaming())
}
