package conversation

import (
	"time"

	"github.com/google/uuid"
	"github.com/huandu/go-clone"
	"github.com/pkg/errors"
)

type NodeID uuid.UUID

// MarshalText lets node ids serve as JSON map keys in tree payloads.
func (id NodeID) MarshalText() ([]byte, error) {
	return []byte(uuid.UUID(id).String()), nil
}

func (id *NodeID) UnmarshalText(text []byte) error {
	u, err := uuid.ParseBytes(text)
	if err != nil {
		return err
	}
	*id = NodeID(u)
	return nil
}

func (id NodeID) String() string {
	return uuid.UUID(id).String()
}

func NewNodeID() NodeID {
	return NodeID(uuid.New())
}

func ParseNodeID(s string) (NodeID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return NullNode, errors.Wrapf(err, "invalid node id %q", s)
	}
	return NodeID(u), nil
}

var NullNode NodeID = NodeID(uuid.Nil)

// ConversationID identifies one conversation. It doubles as the key for the
// broadcast topic that carries the conversation's stream events.
type ConversationID uuid.UUID

func (id ConversationID) MarshalText() ([]byte, error) {
	return []byte(uuid.UUID(id).String()), nil
}

func (id *ConversationID) UnmarshalText(text []byte) error {
	u, err := uuid.ParseBytes(text)
	if err != nil {
		return err
	}
	*id = ConversationID(u)
	return nil
}

func (id ConversationID) String() string {
	return uuid.UUID(id).String()
}

func NewConversationID() ConversationID {
	return ConversationID(uuid.New())
}

func ParseConversationID(s string) (ConversationID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ConversationID(uuid.Nil), errors.Wrapf(err, "invalid conversation id %q", s)
	}
	return ConversationID(u), nil
}

// ChatNode is a single message in the branching conversation tree.
//
// Branching works through ChildIDs and ActiveChildIndex: every regeneration or
// "swipe" appends a sibling to the parent's ChildIDs, and ActiveChildIndex
// marks which of those siblings the linear view follows. ChildIDs keeps
// insertion order, so sibling order is creation order.
//
// ParentID is nil only for the conversation root. ActiveChildIndex is nil iff
// ChildIDs is empty, otherwise it is a valid index into ChildIDs.
type ChatNode struct {
	ID               NodeID     `json:"id"`
	ClientID         string     `json:"clientId,omitempty"`
	ParentID         *NodeID    `json:"parentId"`
	ChildIDs         []NodeID   `json:"childIds"`
	ActiveChildIndex *int       `json:"activeChildIndex"`
	SpeakerID        string     `json:"speakerId"`
	Message          string     `json:"message"`
	IsBot            bool       `json:"isBot"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        *time.Time `json:"updatedAt,omitempty"`
}

func (n *ChatNode) IsRoot() bool {
	return n.ParentID == nil
}

// ActiveChildID returns the id of the child the linear view follows, if any.
func (n *ChatNode) ActiveChildID() (NodeID, bool) {
	if n.ActiveChildIndex == nil {
		return NullNode, false
	}
	idx := *n.ActiveChildIndex
	if idx < 0 || idx >= len(n.ChildIDs) {
		return NullNode, false
	}
	return n.ChildIDs[idx], true
}

func (n *ChatNode) Clone() *ChatNode {
	return clone.Clone(n).(*ChatNode)
}

type NodeOption func(*ChatNode)

func WithNodeID(id NodeID) NodeOption {
	return func(node *ChatNode) {
		node.ID = id
	}
}

func WithClientID(clientID string) NodeOption {
	return func(node *ChatNode) {
		node.ClientID = clientID
	}
}

func WithParentID(parentID NodeID) NodeOption {
	return func(node *ChatNode) {
		node.ParentID = &parentID
	}
}

func WithCreatedAt(t time.Time) NodeOption {
	return func(node *ChatNode) {
		node.CreatedAt = t
	}
}

func NewChatNode(speakerID string, message string, isBot bool, options ...NodeOption) *ChatNode {
	ret := &ChatNode{
		ID:        NewNodeID(),
		SpeakerID: speakerID,
		Message:   message,
		IsBot:     isBot,
		CreatedAt: time.Now().UTC(),
	}

	for _, option := range options {
		option(ret)
	}

	return ret
}

// Speaker is a participant registered on a conversation, either the user's
// persona or one of the bot characters. SystemPrompt may contain {{.Char}} and
// {{.User}} macros, expanded by the prompt assembler.
type Speaker struct {
	ID           string `json:"id" yaml:"id"`
	Name         string `json:"name" yaml:"name"`
	IsUser       bool   `json:"isUser" yaml:"is-user"`
	SystemPrompt string `json:"systemPrompt,omitempty" yaml:"system-prompt,omitempty"`
}

// Conversation is the registry record for one branching chat: its root
// pointer and the speakers that participate in it. The nodes themselves live
// in the Store.
type Conversation struct {
	ID        ConversationID `json:"id"`
	Title     string         `json:"title"`
	RootID    *NodeID        `json:"rootId"`
	Speakers  []Speaker      `json:"speakers"`
	CreatedAt time.Time      `json:"createdAt"`
}

// FirstBotSpeaker returns the first registered speaker that is not the user,
// which is the default target when a generation does not name one.
func (c *Conversation) FirstBotSpeaker() (*Speaker, bool) {
	for i := range c.Speakers {
		if !c.Speakers[i].IsUser {
			return &c.Speakers[i], true
		}
	}
	return nil, false
}

// FirstUserSpeaker returns the first registered speaker flagged as the user.
func (c *Conversation) FirstUserSpeaker() (*Speaker, bool) {
	for i := range c.Speakers {
		if c.Speakers[i].IsUser {
			return &c.Speakers[i], true
		}
	}
	return nil, false
}

func (c *Conversation) Speaker(id string) (*Speaker, bool) {
	for i := range c.Speakers {
		if c.Speakers[i].ID == id {
			return &c.Speakers[i], true
		}
	}
	return nil, false
}

func (c *Conversation) Clone() *Conversation {
	return clone.Clone(c).(*Conversation)
}

type SwipeDirection string

const (
	SwipePrev SwipeDirection = "prev"
	SwipeNext SwipeDirection = "next"
)
