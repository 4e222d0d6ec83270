package conversation

import (
	"context"
)

// Err is a string-based error so stores can declare const sentinels.
type Err string

func (e Err) Error() string { return string(e) }

const (
	// ErrRootExists is returned when a parentless add hits a conversation
	// that already has a root. The first root-set is authoritative;
	// re-rooting would orphan the existing subtree.
	ErrRootExists Err = "conversation already has a root"
)

// Store persists conversations and their branching trees.
//
// Not-found conditions come back as nil/false with a nil error so callers
// decide how to surface them; a non-nil error always means the storage layer
// itself failed.
type Store interface {
	CreateConversation(ctx context.Context, title string, speakers []Speaker) (*Conversation, error)
	GetConversation(ctx context.Context, id ConversationID) (*Conversation, error)
	ListConversations(ctx context.Context) ([]*Conversation, error)

	// AddMessage creates a node. A nil parentID sets the conversation root
	// (ErrRootExists when one is present); otherwise the node is appended to
	// the parent's children and becomes the active branch. Returns nil when
	// the conversation or the parent does not exist.
	AddMessage(ctx context.Context, conversationID ConversationID, parentID *NodeID, speakerID string, text string, isBot bool, options ...NodeOption) (*AddResult, error)

	// EditMessage replaces a node's text and stamps UpdatedAt. Returns nil
	// when the node does not exist.
	EditMessage(ctx context.Context, nodeID NodeID, text string) (*ChatNode, error)

	// DeleteMessage removes a node and its whole subtree, fixing up the
	// former parent. Returns false when the node does not exist.
	DeleteMessage(ctx context.Context, nodeID NodeID) (bool, error)

	// SwitchBranch activates the path leading to target and returns the
	// ancestors whose active index actually moved. Returns nil when target
	// does not exist; an empty slice means it was already active.
	SwitchBranch(ctx context.Context, conversationID ConversationID, target NodeID) ([]*ChatNode, error)

	// SwipeSibling steps the active selection among a node's siblings.
	// Returns nil at a boundary, on the root, and for unknown nodes.
	SwipeSibling(ctx context.Context, nodeID NodeID, direction SwipeDirection) (*SwipeResult, error)

	// GetChatTree returns every node of the conversation keyed by id.
	// Returns nil when the conversation does not exist.
	GetChatTree(ctx context.Context, conversationID ConversationID) (map[NodeID]*ChatNode, error)

	// ActivePath returns the linear root-to-leaf view along the active
	// child indices. Returns nil when the conversation has no root.
	ActivePath(ctx context.Context, conversationID ConversationID) ([]*ChatNode, error)
}
