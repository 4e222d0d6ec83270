package client

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/marionette/pkg/conversation"
	"github.com/go-go-golems/marionette/pkg/events"
)

// ConnState tracks the websocket link, not the client as a whole: the client
// keeps running through disconnects and dials again on its own.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// ErrNotConnected is returned by control sends while the websocket is down.
// Subscriptions recover on their own after a reconnect; stream starts do not
// and the caller has to retry.
var ErrNotConnected = errors.New("websocket is not connected")

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultRetryInterval    = 250 * time.Millisecond
)

type ClientOption func(*Client)

func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.api = NewAPI(c.baseURL, httpClient)
	}
}

func WithDialer(dialer *websocket.Dialer) ClientOption {
	return func(c *Client) {
		c.dialer = dialer
	}
}

// WithEventHandler registers the callback invoked for every stream event
// after the mirror has absorbed it. Stale chunks are filtered out before the
// handler sees them.
func WithEventHandler(handler func(events.Event)) ClientOption {
	return func(c *Client) {
		c.onEvent = handler
	}
}

func WithStateHandler(handler func(ConnState)) ClientOption {
	return func(c *Client) {
		c.onState = handler
	}
}

// WithInsertFailureHandler registers the callback invoked when a queued
// placeholder insert runs out of retries.
func WithInsertFailureHandler(handler func(conversation.NodeID)) ClientOption {
	return func(c *Client) {
		c.onInsertFailure = handler
	}
}

// WithBackOffFactory overrides the reconnect schedule. The factory is called
// once per Run, so backoff state never leaks across restarts.
func WithBackOffFactory(factory func() backoff.BackOff) ClientOption {
	return func(c *Client) {
		c.newBackOff = factory
	}
}

// WithRetryInterval sets the cadence of queued placeholder insert retries.
func WithRetryInterval(interval time.Duration) ClientOption {
	return func(c *Client) {
		c.retryInterval = interval
	}
}

// Client is the conversation client: a REST API wrapper plus one persistent
// websocket that lives as long as Run does. The websocket is dialed with
// exponential backoff and jitter, and a successful reconnect re-subscribes
// the active conversation and refreshes its tree so no event or edit made
// during the outage is lost.
type Client struct {
	baseURL string
	wsURL   string
	api     *API
	dialer  *websocket.Dialer

	newBackOff    func() backoff.BackOff
	retryInterval time.Duration

	onEvent         func(events.Event)
	onState         func(ConnState)
	onInsertFailure func(conversation.NodeID)

	mu     sync.Mutex
	conn   *websocket.Conn
	mirror *Mirror

	writeMu sync.Mutex
}

func NewClient(baseURL string, options ...ClientOption) *Client {
	base := strings.TrimRight(baseURL, "/")
	c := &Client{
		baseURL: base,
		wsURL:   "ws" + strings.TrimPrefix(base, "http") + "/ws",
		api:     NewAPI(base, nil),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: defaultHandshakeTimeout,
		},
		newBackOff:    defaultBackOff,
		retryInterval: defaultRetryInterval,
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

func defaultBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0
	return bo
}

// SetEventHandler installs the event callback after construction, for
// callers that need the client built before the consumer exists. Call it
// before Run.
func (c *Client) SetEventHandler(handler func(events.Event)) {
	c.onEvent = handler
}

// SetStateHandler installs the state callback after construction. Call it
// before Run.
func (c *Client) SetStateHandler(handler func(ConnState)) {
	c.onState = handler
}

// API exposes the REST side for tree mutations.
func (c *Client) API() *API {
	return c.api
}

// Mirror returns the mirror of the conversation currently entered, or nil.
func (c *Client) Mirror() *Mirror {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mirror
}

// Run dials the websocket and keeps it alive until the context is
// cancelled. Dial failures and dropped connections feed the backoff
// schedule; any successful connection resets it.
func (c *Client) Run(ctx context.Context) error {
	bo := c.newBackOff()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, _, err := c.dialer.DialContext(ctx, c.wsURL, nil)
		if err != nil {
			wait := bo.NextBackOff()
			if wait == backoff.Stop {
				return errors.Wrap(err, "websocket reconnect gave up")
			}
			log.Debug().Err(err).Dur("retry_in", wait).Msg("websocket dial failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}

		bo.Reset()
		c.setConn(conn)
		c.notifyState(StateConnected)
		c.resubscribe(ctx)

		err = c.readLoop(ctx, conn)
		c.setConn(nil)
		c.notifyState(StateDisconnected)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Debug().Err(err).Msg("websocket connection lost")
	}
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
}

func (c *Client) notifyState(state ConnState) {
	if c.onState != nil {
		c.onState(state)
	}
}

// readLoop pumps frames off one connection until it dies or the context is
// cancelled. The server pings on its own schedule; gorilla's default ping
// handler answers with pongs, so no write ticker is needed here.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			return err
		}
		c.handleFrame(payload)
	}
}

func (c *Client) handleFrame(payload []byte) {
	event, err := events.NewEventFromJson(payload)
	if err != nil {
		log.Debug().Err(err).Msg("ignoring malformed server frame")
		return
	}

	mirror := c.Mirror()
	if mirror == nil {
		return
	}

	switch mirror.Apply(event) {
	case ApplyStale:
		return
	case ApplyGap:
		log.Debug().
			Str("conversation_id", mirror.ConversationID().String()).
			Msg("missed a stream chunk, re-subscribing for a snapshot")
		if err := c.sendSubscribe(mirror.ConversationID()); err != nil {
			log.Debug().Err(err).Msg("gap re-subscribe failed")
		}
		return
	}

	if c.onEvent != nil {
		c.onEvent(event)
	}
	if mirror.PendingCount() > 0 {
		c.kickRetry(mirror)
	}
}

// kickRetry starts one retry pump per mirror that keeps reattempting queued
// placeholder inserts until the queue drains or entries exhaust their
// budget. Exhausted entries are surfaced through the insert failure handler.
func (c *Client) kickRetry(mirror *Mirror) {
	if !mirror.tryArmRetry() {
		return
	}
	go func() {
		defer mirror.disarmRetry()
		ticker := time.NewTicker(c.retryInterval)
		defer ticker.Stop()
		for range ticker.C {
			failed := mirror.RetryPending()
			for _, id := range failed {
				log.Error().
					Str("node_id", id.String()).
					Msg("placeholder insert failed permanently")
				if c.onInsertFailure != nil {
					c.onInsertFailure(id)
				}
			}
			if mirror.PendingCount() == 0 {
				return
			}
		}
	}()
}

// EnterConversation makes the given conversation the active one: it swaps in
// a fresh mirror, subscribes over the websocket and loads the tree over
// REST. Subscribing first means events racing the tree fetch queue up in the
// mirror and drain once the load lands.
func (c *Client) EnterConversation(ctx context.Context, id conversation.ConversationID) (*Mirror, error) {
	mirror := NewMirror(id)

	c.mu.Lock()
	previous := c.mirror
	c.mirror = mirror
	c.mu.Unlock()

	if previous != nil {
		if err := c.sendUnsubscribe(previous.ConversationID()); err != nil {
			log.Debug().Err(err).Msg("unsubscribe from previous conversation failed")
		}
	}
	if err := c.sendSubscribe(id); err != nil {
		// not fatal: the mirror is installed, so the next successful connect
		// re-subscribes and refreshes on its own
		log.Debug().Err(err).Msg("subscribe deferred until the websocket is up")
	}

	nodes, err := c.api.GetTree(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load conversation tree")
	}
	mirror.Load(nodes)
	return mirror, nil
}

// LeaveConversation unsubscribes from the active conversation and drops its
// mirror. The websocket stays open for whatever is entered next.
func (c *Client) LeaveConversation() {
	c.mu.Lock()
	mirror := c.mirror
	c.mirror = nil
	c.mu.Unlock()

	if mirror != nil {
		if err := c.sendUnsubscribe(mirror.ConversationID()); err != nil {
			log.Debug().Err(err).Msg("unsubscribe failed")
		}
	}
}

// resubscribe restores the active conversation on a fresh connection and
// refreshes its tree, picking up whatever happened during the outage.
func (c *Client) resubscribe(ctx context.Context) {
	mirror := c.Mirror()
	if mirror == nil {
		return
	}
	id := mirror.ConversationID()
	if err := c.sendSubscribe(id); err != nil {
		log.Warn().Err(err).
			Str("conversation_id", id.String()).
			Msg("re-subscribe after reconnect failed")
		return
	}
	nodes, err := c.api.GetTree(ctx, id)
	if err != nil {
		log.Warn().Err(err).
			Str("conversation_id", id.String()).
			Msg("tree refresh after reconnect failed")
		return
	}
	mirror.Load(nodes)
}

func (c *Client) sendSubscribe(id conversation.ConversationID) error {
	return c.sendControl(events.ClientMessage{
		Type:           events.ClientSubscribe,
		ConversationID: id,
	})
}

func (c *Client) sendUnsubscribe(id conversation.ConversationID) error {
	return c.sendControl(events.ClientMessage{
		Type:           events.ClientUnsubscribe,
		ConversationID: id,
	})
}

func (c *Client) sendControl(msg events.ClientMessage) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return errors.Wrapf(conn.WriteJSON(msg), "failed to send %s", msg.Type)
}

// StartGeneration asks the server to stream the next reply on the active
// path. The node id is chosen here and travels with the request, so the
// placeholder the broadcast start event announces is already known to the
// caller.
func (c *Client) StartGeneration(conversationID conversation.ConversationID, model, provider string, regenerate bool) (conversation.NodeID, error) {
	nodeID := conversation.NewNodeID()
	err := c.sendControl(events.ClientMessage{
		Type:           events.ClientStartGeneration,
		ConversationID: conversationID,
		Model:          model,
		Provider:       provider,
		NodeID:         nodeID,
		Regenerate:     regenerate,
	})
	if err != nil {
		return conversation.NullNode, err
	}
	return nodeID, nil
}

// StartTestStream asks the server for a canned stream under the given
// parent, for exercising the pipeline without a provider.
func (c *Client) StartTestStream(conversationID conversation.ConversationID, parentID *conversation.NodeID, speakerID string) (conversation.NodeID, error) {
	nodeID := conversation.NewNodeID()
	err := c.sendControl(events.ClientMessage{
		Type:           events.ClientStartTestStream,
		ConversationID: conversationID,
		ParentID:       parentID,
		SpeakerID:      speakerID,
		NodeID:         nodeID,
	})
	if err != nil {
		return conversation.NullNode, err
	}
	return nodeID, nil
}

// StartAIStream asks the server to stream a provider completion under an
// explicit parent and speaker.
func (c *Client) StartAIStream(conversationID conversation.ConversationID, parentID *conversation.NodeID, speakerID, model, provider string) (conversation.NodeID, error) {
	nodeID := conversation.NewNodeID()
	err := c.sendControl(events.ClientMessage{
		Type:           events.ClientStartAIStream,
		ConversationID: conversationID,
		ParentID:       parentID,
		SpeakerID:      speakerID,
		Model:          model,
		Provider:       provider,
		NodeID:         nodeID,
	})
	if err != nil {
		return conversation.NullNode, err
	}
	return nodeID, nil
}

// Cancel stops the conversation's in-flight stream. The partial text is
// persisted server-side and the cancelled event carries the node id.
func (c *Client) Cancel(conversationID conversation.ConversationID) error {
	return c.sendControl(events.ClientMessage{
		Type:           events.ClientCancel,
		ConversationID: conversationID,
	})
}
