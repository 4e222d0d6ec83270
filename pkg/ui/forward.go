package ui

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/go-go-golems/marionette/pkg/client"
	"github.com/go-go-golems/marionette/pkg/conversation"
	"github.com/go-go-golems/marionette/pkg/events"
)

// StreamStartMsg announces a stream the server admitted, whether this client
// or another subscriber asked for it.
type StreamStartMsg struct {
	StreamID  string
	NodeID    conversation.NodeID
	ParentID  *conversation.NodeID
	SpeakerID string
}

// StreamDeltaMsg carries one in-order chunk. Out-of-order chunks never reach
// the program; the client mirror drops stale ones and heals gaps by
// re-subscribing for a snapshot.
type StreamDeltaMsg struct {
	Delta string
}

// StreamSnapshotMsg replaces everything buffered so far, sent when the client
// joined a stream late and caught up from a content snapshot.
type StreamSnapshotMsg struct {
	Content string
}

type StreamDoneMsg struct {
	NodeID    conversation.NodeID
	Cancelled bool
}

type StreamErrorMsg struct {
	Err string
}

// ConnStateMsg reports websocket connectivity flips.
type ConnStateMsg struct {
	State client.ConnState
}

// EventForwardFunc bridges stream events from the client's read loop into the
// running program. Wire it with SetEventHandler before the client runs.
func EventForwardFunc(p *tea.Program) func(events.Event) {
	return func(e events.Event) {
		switch ev := e.(type) {
		case *events.EventStreamStart:
			p.Send(StreamStartMsg{
				StreamID:  ev.Metadata().StreamID,
				NodeID:    ev.NodeID,
				ParentID:  ev.ParentID,
				SpeakerID: ev.SpeakerID,
			})
		case *events.EventStreamChunk:
			p.Send(StreamDeltaMsg{Delta: ev.Delta})
		case *events.EventStreamContent:
			p.Send(StreamSnapshotMsg{Content: ev.Content})
		case *events.EventStreamEnd:
			p.Send(StreamDoneMsg{NodeID: ev.NodeID})
		case *events.EventStreamCancelled:
			p.Send(StreamDoneMsg{NodeID: ev.NodeID, Cancelled: true})
		case *events.EventStreamError:
			p.Send(StreamErrorMsg{Err: ev.ErrorString})
		}
	}
}

// StateForwardFunc surfaces connection state changes in the UI.
func StateForwardFunc(p *tea.Program) func(client.ConnState) {
	return func(state client.ConnState) {
		p.Send(ConnStateMsg{State: state})
	}
}
