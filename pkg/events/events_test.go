package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/marionette/pkg/conversation"
)

func fixtureMetadata() EventMetadata {
	return EventMetadata{
		ConversationID: conversation.NewConversationID(),
		StreamID:       "stream-1",
	}
}

func TestStreamStartRoundTrip(t *testing.T) {
	metadata := fixtureMetadata()
	parentID := conversation.NewNodeID()
	nodeID := conversation.NewNodeID()

	payload, err := json.Marshal(NewStreamStartEvent(metadata, &parentID, "narrator", nodeID))
	require.NoError(t, err)

	e, err := NewEventFromJson(payload)
	require.NoError(t, err)

	start, ok := e.(*EventStreamStart)
	require.True(t, ok)
	require.Equal(t, EventTypeStreamStart, start.Type())
	require.Equal(t, metadata.ConversationID, start.Metadata().ConversationID)
	require.Equal(t, "stream-1", start.Metadata().StreamID)
	require.NotNil(t, start.ParentID)
	require.Equal(t, parentID, *start.ParentID)
	require.Equal(t, "narrator", start.SpeakerID)
	require.Equal(t, nodeID, start.NodeID)
}

func TestStreamStartWithoutParent(t *testing.T) {
	payload, err := json.Marshal(NewStreamStartEvent(fixtureMetadata(), nil, "narrator", conversation.NewNodeID()))
	require.NoError(t, err)

	e, err := NewEventFromJson(payload)
	require.NoError(t, err)

	start, ok := e.(*EventStreamStart)
	require.True(t, ok)
	require.Nil(t, start.ParentID)
}

func TestChunkAndContentRoundTrip(t *testing.T) {
	metadata := fixtureMetadata()

	payload, err := json.Marshal(NewStreamChunkEvent(metadata, "wor", 3))
	require.NoError(t, err)
	e, err := NewEventFromJson(payload)
	require.NoError(t, err)
	chunk, ok := e.(*EventStreamChunk)
	require.True(t, ok)
	require.Equal(t, "wor", chunk.Delta)
	require.Equal(t, 3, chunk.Index)

	payload, err = json.Marshal(NewStreamContentEvent(metadata, "world so far", 4))
	require.NoError(t, err)
	e, err = NewEventFromJson(payload)
	require.NoError(t, err)
	content, ok := e.(*EventStreamContent)
	require.True(t, ok)
	require.Equal(t, "world so far", content.Content)
	require.Equal(t, 4, content.Chunks)
}

func TestTerminalEventsRoundTrip(t *testing.T) {
	metadata := fixtureMetadata()
	nodeID := conversation.NewNodeID()

	payload, err := json.Marshal(NewStreamEndEvent(metadata, nodeID))
	require.NoError(t, err)
	e, err := NewEventFromJson(payload)
	require.NoError(t, err)
	end, ok := e.(*EventStreamEnd)
	require.True(t, ok)
	require.Equal(t, nodeID, end.NodeID)

	payload, err = json.Marshal(NewStreamCancelledEvent(metadata, nodeID))
	require.NoError(t, err)
	e, err = NewEventFromJson(payload)
	require.NoError(t, err)
	cancelled, ok := e.(*EventStreamCancelled)
	require.True(t, ok)
	require.Equal(t, nodeID, cancelled.NodeID)

	payload, err = json.Marshal(NewStreamErrorEvent(metadata, errors.New("provider went away")))
	require.NoError(t, err)
	e, err = NewEventFromJson(payload)
	require.NoError(t, err)
	streamErr, ok := e.(*EventStreamError)
	require.True(t, ok)
	require.Equal(t, "provider went away", streamErr.ErrorString)
}

func TestUnknownEventType(t *testing.T) {
	_, err := NewEventFromJson([]byte(`{"type":"stream-rewind","meta":{}}`))
	require.Error(t, err)
}

type capturingPublisher struct {
	topics   []string
	messages []*message.Message
}

func (p *capturingPublisher) Publish(topic string, messages ...*message.Message) error {
	for _, msg := range messages {
		p.topics = append(p.topics, topic)
		p.messages = append(p.messages, msg)
	}
	return nil
}

func (p *capturingPublisher) Close() error { return nil }

func TestWatermillSinkPublishesToConversationTopic(t *testing.T) {
	publisher := &capturingPublisher{}
	sink := NewWatermillSink(publisher)

	metadata := fixtureMetadata()
	require.NoError(t, sink.PublishEvent(NewStreamChunkEvent(metadata, "hi", 0)))
	require.NoError(t, sink.PublishEvent(NewStreamChunkEvent(metadata, "there", 1)))

	require.Len(t, publisher.messages, 2)
	require.Equal(t, StreamTopic(metadata.ConversationID), publisher.topics[0])
	require.Equal(t, "1", publisher.messages[0].Metadata.Get("sequence_number"))
	require.Equal(t, "2", publisher.messages[1].Metadata.Get("sequence_number"))

	e, err := NewEventFromJson(publisher.messages[0].Payload)
	require.NoError(t, err)
	require.Equal(t, EventTypeStreamChunk, e.Type())
}

func TestRouterDeliversToHandler(t *testing.T) {
	router, err := NewEventRouter()
	require.NoError(t, err)
	defer func() { _ = router.Close() }()

	metadata := fixtureMetadata()

	received := make(chan Event, 1)
	router.AddHandler("collect", StreamTopic(metadata.ConversationID), func(msg *message.Message) error {
		e, err := NewEventFromJson(msg.Payload)
		if err != nil {
			return err
		}
		select {
		case received <- e:
		default:
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() {
		runErr <- router.Run(ctx)
	}()

	select {
	case <-router.Running():
	case <-time.After(5 * time.Second):
		t.Fatal("router did not start")
	}
	require.True(t, router.IsRunning())

	sink := NewWatermillSink(router.Publisher)
	require.NoError(t, sink.PublishEvent(NewStreamChunkEvent(metadata, "hi", 0)))

	select {
	case e := <-received:
		chunk, ok := e.(*EventStreamChunk)
		require.True(t, ok)
		require.Equal(t, "hi", chunk.Delta)
		require.Equal(t, metadata.ConversationID, chunk.Metadata().ConversationID)
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not receive the published event")
	}

	cancel()
	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("router did not shut down")
	}
}

func TestCollectorSink(t *testing.T) {
	sink := NewCollectorSink()
	metadata := fixtureMetadata()

	require.NoError(t, sink.PublishEvent(NewStreamChunkEvent(metadata, "a", 0)))
	require.NoError(t, sink.PublishEvent(NewStreamChunkEvent(metadata, "b", 1)))

	collected := sink.Events()
	require.Len(t, collected, 2)

	sink.Clear()
	require.Empty(t, sink.Events())
}
