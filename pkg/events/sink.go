package events

import (
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog/log"
)

// EventSink is a destination for stream events. The stream manager publishes
// through sinks so tests can collect events in memory while the server fans
// them out over watermill.
type EventSink interface {
	PublishEvent(event Event) error
}

// WatermillSink publishes events to a watermill Publisher on the topic of
// the conversation named in the event metadata. A monotonically increasing
// sequence number rides along in the message metadata so subscribers can
// detect reordering.
type WatermillSink struct {
	publisher message.Publisher
	sequence  atomic.Uint64
}

func NewWatermillSink(publisher message.Publisher) *WatermillSink {
	return &WatermillSink{publisher: publisher}
}

func (w *WatermillSink) PublishEvent(event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal event to JSON")
		return err
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("sequence_number", strconv.FormatUint(w.sequence.Add(1), 10))

	topic := StreamTopic(event.Metadata().ConversationID)
	err = w.publisher.Publish(topic, msg)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("failed to publish event to watermill")
		return err
	}

	log.Trace().Str("topic", topic).Str("event_type", string(event.Type())).Msg("published event to watermill")
	return nil
}

var _ EventSink = (*WatermillSink)(nil)

// NullSink discards all events.
type NullSink struct{}

func NewNullSink() *NullSink {
	return &NullSink{}
}

func (n *NullSink) PublishEvent(event Event) error {
	return nil
}

var _ EventSink = (*NullSink)(nil)

// CollectorSink records events in memory, for tests and debugging.
type CollectorSink struct {
	mu     sync.Mutex
	events []Event
}

func NewCollectorSink() *CollectorSink {
	return &CollectorSink{}
}

func (c *CollectorSink) PublishEvent(event Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

// Events returns a snapshot of everything published so far.
func (c *CollectorSink) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event{}, c.events...)
}

func (c *CollectorSink) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = nil
}

var _ EventSink = (*CollectorSink)(nil)
