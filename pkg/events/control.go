package events

import (
	"github.com/go-go-golems/marionette/pkg/conversation"
)

// ClientMessageType discriminates the control frames a client sends to the
// server. All client traffic rides one persistent websocket; switching
// conversations is a subscribe/unsubscribe pair, never a reconnect.
type ClientMessageType string

const (
	ClientSubscribe       ClientMessageType = "subscribe"
	ClientUnsubscribe     ClientMessageType = "unsubscribe"
	ClientStartGeneration ClientMessageType = "start-generation"
	ClientStartTestStream ClientMessageType = "start-test-stream"
	ClientStartAIStream   ClientMessageType = "start-ai-stream"
	ClientCancel          ClientMessageType = "cancel"
)

// ClientMessage is one control frame. Which fields matter depends on Type;
// unused fields are left at their zero value. NodeID is assigned by the
// client before it starts a generation, so its optimistic placeholder and
// the eventually persisted node share one identity.
type ClientMessage struct {
	Type           ClientMessageType           `json:"type"`
	ConversationID conversation.ConversationID `json:"conversationId"`
	ParentID       *conversation.NodeID        `json:"parentId,omitempty"`
	SpeakerID      string                      `json:"speakerId,omitempty"`
	Model          string                      `json:"model,omitempty"`
	Provider       string                      `json:"provider,omitempty"`
	NodeID         conversation.NodeID         `json:"nodeId"`
	Regenerate     bool                        `json:"regenerate,omitempty"`
}
