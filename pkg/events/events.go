package events

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/go-go-golems/marionette/pkg/conversation"
)

type EventType string

const (
	// EventTypeStreamStart opens a generation: it tells viewers where the
	// incoming message will attach and under which node id it will land.
	EventTypeStreamStart EventType = "stream-start"
	// EventTypeStreamChunk carries one token delta.
	EventTypeStreamChunk EventType = "stream-chunk"
	// EventTypeStreamContent is a full snapshot of the accumulated text,
	// sent to late subscribers so they do not need every historical chunk.
	EventTypeStreamContent EventType = "stream-content"
	// EventTypeStreamEnd closes a generation that ran to completion; the
	// text has been persisted under the announced node id.
	EventTypeStreamEnd EventType = "stream-end"
	// EventTypeStreamCancelled closes a cancelled generation whose partial
	// text was persisted under the announced node id.
	EventTypeStreamCancelled EventType = "stream-cancelled"
	// EventTypeStreamError closes a generation that produced nothing
	// durable; viewers roll back their optimistic placeholder.
	EventTypeStreamError EventType = "stream-error"
)

type Event interface {
	Type() EventType
	Metadata() EventMetadata
	Payload() []byte
}

type EventImpl struct {
	Type_     EventType     `json:"type"`
	Metadata_ EventMetadata `json:"meta"`

	// raw JSON the event was decoded from, kept for ToTypedEvent
	payload []byte
}

func (e *EventImpl) Type() EventType {
	return e.Type_
}

func (e *EventImpl) Metadata() EventMetadata {
	return e.Metadata_
}

func (e *EventImpl) Payload() []byte {
	return e.payload
}

func (e *EventImpl) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("type", string(e.Type_))
	ev.Object("meta", e.Metadata_)
}

var _ Event = &EventImpl{}

// EventMetadata identifies which stream of which conversation an event
// belongs to. It travels with every watermill message and every wire frame.
type EventMetadata struct {
	ConversationID conversation.ConversationID `json:"conversation_id"`
	StreamID       string                      `json:"stream_id"`
	Extra          map[string]interface{}      `json:"extra,omitempty"`
}

func (em EventMetadata) MarshalZerologObject(e *zerolog.Event) {
	e.Str("conversation_id", em.ConversationID.String())
	e.Str("stream_id", em.StreamID)
	if len(em.Extra) > 0 {
		e.Dict("extra", zerolog.Dict().Fields(em.Extra))
	}
}

type EventStreamStart struct {
	EventImpl
	ParentID  *conversation.NodeID `json:"parent_id"`
	SpeakerID string               `json:"speaker_id"`
	NodeID    conversation.NodeID  `json:"node_id"`
}

func NewStreamStartEvent(metadata EventMetadata, parentID *conversation.NodeID, speakerID string, nodeID conversation.NodeID) *EventStreamStart {
	return &EventStreamStart{
		EventImpl: EventImpl{
			Type_:     EventTypeStreamStart,
			Metadata_: metadata,
		},
		ParentID:  parentID,
		SpeakerID: speakerID,
		NodeID:    nodeID,
	}
}

var _ Event = &EventStreamStart{}

// Index counts deltas from zero within one stream. A late joiner seeded with
// a content snapshot drops any chunk whose Index falls below the snapshot's
// Chunks count, so the snapshot and the live tail never overlap.
type EventStreamChunk struct {
	EventImpl
	Delta string `json:"delta"`
	Index int    `json:"index"`
}

func NewStreamChunkEvent(metadata EventMetadata, delta string, index int) *EventStreamChunk {
	return &EventStreamChunk{
		EventImpl: EventImpl{
			Type_:     EventTypeStreamChunk,
			Metadata_: metadata,
		},
		Delta: delta,
		Index: index,
	}
}

var _ Event = &EventStreamChunk{}

// Chunks is the number of deltas folded into Content.
type EventStreamContent struct {
	EventImpl
	Content string `json:"content"`
	Chunks  int    `json:"chunks"`
}

func NewStreamContentEvent(metadata EventMetadata, content string, chunks int) *EventStreamContent {
	return &EventStreamContent{
		EventImpl: EventImpl{
			Type_:     EventTypeStreamContent,
			Metadata_: metadata,
		},
		Content: content,
		Chunks:  chunks,
	}
}

var _ Event = &EventStreamContent{}

type EventStreamEnd struct {
	EventImpl
	NodeID conversation.NodeID `json:"node_id"`
}

func NewStreamEndEvent(metadata EventMetadata, nodeID conversation.NodeID) *EventStreamEnd {
	return &EventStreamEnd{
		EventImpl: EventImpl{
			Type_:     EventTypeStreamEnd,
			Metadata_: metadata,
		},
		NodeID: nodeID,
	}
}

var _ Event = &EventStreamEnd{}

type EventStreamCancelled struct {
	EventImpl
	NodeID conversation.NodeID `json:"node_id"`
}

func NewStreamCancelledEvent(metadata EventMetadata, nodeID conversation.NodeID) *EventStreamCancelled {
	return &EventStreamCancelled{
		EventImpl: EventImpl{
			Type_:     EventTypeStreamCancelled,
			Metadata_: metadata,
		},
		NodeID: nodeID,
	}
}

var _ Event = &EventStreamCancelled{}

type EventStreamError struct {
	EventImpl
	ErrorString string `json:"error"`
}

func NewStreamErrorEvent(metadata EventMetadata, err error) *EventStreamError {
	return &EventStreamError{
		EventImpl: EventImpl{
			Type_:     EventTypeStreamError,
			Metadata_: metadata,
		},
		ErrorString: err.Error(),
	}
}

var _ Event = &EventStreamError{}

func NewEventFromJson(b []byte) (Event, error) {
	var e *EventImpl
	err := json.Unmarshal(b, &e)
	if err != nil {
		return nil, err
	}

	e.payload = b

	switch e.Type_ {
	case EventTypeStreamStart:
		ret, ok := ToTypedEvent[EventStreamStart](e)
		if !ok {
			return nil, fmt.Errorf("could not cast event to EventStreamStart")
		}
		return ret, nil
	case EventTypeStreamChunk:
		ret, ok := ToTypedEvent[EventStreamChunk](e)
		if !ok {
			return nil, fmt.Errorf("could not cast event to EventStreamChunk")
		}
		return ret, nil
	case EventTypeStreamContent:
		ret, ok := ToTypedEvent[EventStreamContent](e)
		if !ok {
			return nil, fmt.Errorf("could not cast event to EventStreamContent")
		}
		return ret, nil
	case EventTypeStreamEnd:
		ret, ok := ToTypedEvent[EventStreamEnd](e)
		if !ok {
			return nil, fmt.Errorf("could not cast event to EventStreamEnd")
		}
		return ret, nil
	case EventTypeStreamCancelled:
		ret, ok := ToTypedEvent[EventStreamCancelled](e)
		if !ok {
			return nil, fmt.Errorf("could not cast event to EventStreamCancelled")
		}
		return ret, nil
	case EventTypeStreamError:
		ret, ok := ToTypedEvent[EventStreamError](e)
		if !ok {
			return nil, fmt.Errorf("could not cast event to EventStreamError")
		}
		return ret, nil
	}

	return nil, fmt.Errorf("unknown event type %q", e.Type_)
}

// ToTypedEvent decodes an event into its concrete type by re-reading the raw
// payload the event was parsed from.
func ToTypedEvent[T any](e Event) (*T, bool) {
	var ret *T
	err := json.Unmarshal(e.Payload(), &ret)
	if err != nil {
		return nil, false
	}

	return ret, true
}
