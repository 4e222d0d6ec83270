package ui

import (
	"fmt"

	"github.com/go-go-golems/marionette/pkg/client"
	"github.com/go-go-golems/marionette/pkg/conversation"
)

// speakerLabel resolves a node's speaker to a display name, falling back to
// the raw speaker id and finally to the node's role.
func speakerLabel(conv *conversation.Conversation, node *conversation.ChatNode) string {
	if conv != nil {
		if sp, ok := conv.Speaker(node.SpeakerID); ok && sp.Name != "" {
			return sp.Name
		}
	}
	if node.SpeakerID != "" {
		return node.SpeakerID
	}
	if node.IsBot {
		return "bot"
	}
	return "user"
}

// branchBadge renders the node's position among its siblings. Empty when
// there is nothing to swipe to.
func branchBadge(m *client.Mirror, node *conversation.ChatNode) string {
	if m == nil || node.ParentID == nil {
		return ""
	}
	parent := m.Node(*node.ParentID)
	if parent == nil || len(parent.ChildIDs) < 2 {
		return ""
	}
	pos := 0
	for i, id := range parent.ChildIDs {
		if id == node.ID {
			pos = i + 1
			break
		}
	}
	return fmt.Sprintf("‹%d/%d›", pos, len(parent.ChildIDs))
}
