package client

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/marionette/pkg/conversation"
	"github.com/go-go-golems/marionette/pkg/events"
)

func streamMeta(convID conversation.ConversationID, streamID string) events.EventMetadata {
	return events.EventMetadata{ConversationID: convID, StreamID: streamID}
}

func nodeMap(nodes ...*conversation.ChatNode) map[conversation.NodeID]*conversation.ChatNode {
	m := make(map[conversation.NodeID]*conversation.ChatNode, len(nodes))
	for _, node := range nodes {
		m[node.ID] = node
	}
	return m
}

func TestStartBeforeLoadQueuesPlaceholder(t *testing.T) {
	convID := conversation.NewConversationID()
	rootID := conversation.NewNodeID()
	nodeID := conversation.NewNodeID()
	meta := streamMeta(convID, "s1")

	m := NewMirror(convID)

	res := m.Apply(events.NewStreamStartEvent(meta, &rootID, "narrator", nodeID))
	assert.Equal(t, ApplyOK, res)
	assert.Equal(t, 1, m.PendingCount())
	assert.Nil(t, m.Node(nodeID))

	assert.Equal(t, ApplyOK, m.Apply(events.NewStreamChunkEvent(meta, "Once ", 0)))
	assert.Equal(t, ApplyOK, m.Apply(events.NewStreamChunkEvent(meta, "upon", 1)))
	assert.Equal(t, "Once upon", m.Truth())

	root := conversation.NewChatNode("user", "Hello?", false, conversation.WithNodeID(rootID))
	m.Load(nodeMap(root))

	assert.Zero(t, m.PendingCount())
	node := m.Node(nodeID)
	require.NotNil(t, node)
	assert.Equal(t, "Once upon", node.Message)
	assert.True(t, node.IsBot)

	parent := m.Node(rootID)
	require.NotNil(t, parent)
	assert.Equal(t, []conversation.NodeID{nodeID}, parent.ChildIDs)
	require.NotNil(t, parent.ActiveChildIndex)
	assert.Equal(t, 0, *parent.ActiveChildIndex)
}

func TestChunkOrdering(t *testing.T) {
	convID := conversation.NewConversationID()
	rootID := conversation.NewNodeID()
	nodeID := conversation.NewNodeID()
	meta := streamMeta(convID, "s1")

	m := NewMirror(convID)
	m.Load(nodeMap(conversation.NewChatNode("user", "Hello?", false, conversation.WithNodeID(rootID))))
	require.Equal(t, ApplyOK, m.Apply(events.NewStreamStartEvent(meta, &rootID, "narrator", nodeID)))

	// a content snapshot covers the first two chunks
	assert.Equal(t, ApplyOK, m.Apply(events.NewStreamContentEvent(meta, "alpha beta ", 2)))
	assert.Equal(t, "alpha beta ", m.Truth())

	// a re-delivered chunk from before the snapshot carries nothing new
	assert.Equal(t, ApplyStale, m.Apply(events.NewStreamChunkEvent(meta, "alpha ", 0)))
	assert.Equal(t, "alpha beta ", m.Truth())

	assert.Equal(t, ApplyOK, m.Apply(events.NewStreamChunkEvent(meta, "gamma", 2)))
	assert.Equal(t, "alpha beta gamma", m.Truth())

	// a jump in the index means chunks were missed
	assert.Equal(t, ApplyGap, m.Apply(events.NewStreamChunkEvent(meta, "omega", 5)))
	assert.Equal(t, "alpha beta gamma", m.Truth())

	otherStream := streamMeta(convID, "s2")
	assert.Equal(t, ApplyIgnored, m.Apply(events.NewStreamChunkEvent(otherStream, "noise", 3)))

	otherConv := streamMeta(conversation.NewConversationID(), "s1")
	assert.Equal(t, ApplyIgnored, m.Apply(events.NewStreamChunkEvent(otherConv, "noise", 3)))
}

func TestEndPromotesPlaceholder(t *testing.T) {
	convID := conversation.NewConversationID()
	rootID := conversation.NewNodeID()
	nodeID := conversation.NewNodeID()
	meta := streamMeta(convID, "s1")

	m := NewMirror(convID)
	m.Load(nodeMap(conversation.NewChatNode("user", "Hello?", false, conversation.WithNodeID(rootID))))

	require.Equal(t, ApplyOK, m.Apply(events.NewStreamStartEvent(meta, &rootID, "narrator", nodeID)))
	require.Equal(t, ApplyOK, m.Apply(events.NewStreamChunkEvent(meta, "The mill ", 0)))
	require.Equal(t, ApplyOK, m.Apply(events.NewStreamChunkEvent(meta, "turned.", 1)))

	assert.Equal(t, ApplyOK, m.Apply(events.NewStreamEndEvent(meta, nodeID)))
	assert.Nil(t, m.Streaming())

	node := m.Node(nodeID)
	require.NotNil(t, node)
	assert.Equal(t, "The mill turned.", node.Message)

	path := m.ActivePath()
	require.Len(t, path, 2)
	assert.Equal(t, nodeID, path[1].ID)
}

func TestCancelledKeepsPartialText(t *testing.T) {
	convID := conversation.NewConversationID()
	rootID := conversation.NewNodeID()
	nodeID := conversation.NewNodeID()
	meta := streamMeta(convID, "s1")

	m := NewMirror(convID)
	m.Load(nodeMap(conversation.NewChatNode("user", "Hello?", false, conversation.WithNodeID(rootID))))

	require.Equal(t, ApplyOK, m.Apply(events.NewStreamStartEvent(meta, &rootID, "narrator", nodeID)))
	require.Equal(t, ApplyOK, m.Apply(events.NewStreamChunkEvent(meta, "Half a ", 0)))

	assert.Equal(t, ApplyOK, m.Apply(events.NewStreamCancelledEvent(meta, nodeID)))
	assert.Nil(t, m.Streaming())

	node := m.Node(nodeID)
	require.NotNil(t, node)
	assert.Equal(t, "Half a ", node.Message)
}

func TestErrorRollsBackPlaceholder(t *testing.T) {
	convID := conversation.NewConversationID()
	rootID := conversation.NewNodeID()
	firstID := conversation.NewNodeID()
	nodeID := conversation.NewNodeID()
	meta := streamMeta(convID, "s1")

	root := conversation.NewChatNode("user", "Hello?", false, conversation.WithNodeID(rootID))
	first := conversation.NewChatNode("narrator", "A reply.", true,
		conversation.WithNodeID(firstID), conversation.WithParentID(rootID))
	root.ChildIDs = []conversation.NodeID{firstID}
	idx := 0
	root.ActiveChildIndex = &idx

	m := NewMirror(convID)
	m.Load(nodeMap(root, first))

	require.Equal(t, ApplyOK, m.Apply(events.NewStreamStartEvent(meta, &rootID, "narrator", nodeID)))
	parent := m.Node(rootID)
	require.NotNil(t, parent.ActiveChildIndex)
	assert.Equal(t, 1, *parent.ActiveChildIndex)

	require.Equal(t, ApplyOK, m.Apply(events.NewStreamChunkEvent(meta, "doomed", 0)))

	assert.Equal(t, ApplyOK, m.Apply(events.NewStreamErrorEvent(meta, errors.New("provider exploded"))))
	assert.Nil(t, m.Streaming())
	assert.Nil(t, m.Node(nodeID))

	parent = m.Node(rootID)
	assert.Equal(t, []conversation.NodeID{firstID}, parent.ChildIDs)
	require.NotNil(t, parent.ActiveChildIndex)
	assert.Equal(t, 0, *parent.ActiveChildIndex)

	// a second error for the same already-dead stream changes nothing
	assert.Equal(t, ApplyIgnored, m.Apply(events.NewStreamErrorEvent(meta, errors.New("again"))))
}

func TestNewStartSupersedesUnfinishedStream(t *testing.T) {
	convID := conversation.NewConversationID()
	rootID := conversation.NewNodeID()
	oldID := conversation.NewNodeID()
	newID := conversation.NewNodeID()

	m := NewMirror(convID)
	m.Load(nodeMap(conversation.NewChatNode("user", "Hello?", false, conversation.WithNodeID(rootID))))

	oldMeta := streamMeta(convID, "s1")
	require.Equal(t, ApplyOK, m.Apply(events.NewStreamStartEvent(oldMeta, &rootID, "narrator", oldID)))
	require.Equal(t, ApplyOK, m.Apply(events.NewStreamChunkEvent(oldMeta, "orphaned", 0)))

	// the old stream never closed on this client; a start for a different
	// node evicts its placeholder before tracking the new one
	newMeta := streamMeta(convID, "s2")
	assert.Equal(t, ApplyOK, m.Apply(events.NewStreamStartEvent(newMeta, &rootID, "narrator", newID)))

	assert.Nil(t, m.Node(oldID))
	require.NotNil(t, m.Node(newID))
	assert.Equal(t, "", m.Truth())

	streaming := m.Streaming()
	require.NotNil(t, streaming)
	assert.Equal(t, "s2", streaming.StreamID)
	assert.Equal(t, newID, streaming.NodeID)
}

func TestLoadReconcilesInFlightStream(t *testing.T) {
	convID := conversation.NewConversationID()
	rootID := conversation.NewNodeID()
	nodeID := conversation.NewNodeID()
	meta := streamMeta(convID, "s1")

	m := NewMirror(convID)
	m.Load(nodeMap(conversation.NewChatNode("user", "Hello?", false, conversation.WithNodeID(rootID))))
	require.Equal(t, ApplyOK, m.Apply(events.NewStreamStartEvent(meta, &rootID, "narrator", nodeID)))
	require.Equal(t, ApplyOK, m.Apply(events.NewStreamChunkEvent(meta, "partial", 0)))

	// reload with a tree that still lacks the node: the stream is alive, the
	// placeholder comes back carrying the accumulated text
	m.Load(nodeMap(conversation.NewChatNode("user", "Hello?", false, conversation.WithNodeID(rootID))))
	require.NotNil(t, m.Streaming())
	node := m.Node(nodeID)
	require.NotNil(t, node)
	assert.Equal(t, "partial", node.Message)

	// reload with a tree that contains the node: the server persisted it, so
	// the stream is over and the server's text wins
	root := conversation.NewChatNode("user", "Hello?", false, conversation.WithNodeID(rootID))
	final := conversation.NewChatNode("narrator", "partial and the rest", true,
		conversation.WithNodeID(nodeID), conversation.WithParentID(rootID))
	root.ChildIDs = []conversation.NodeID{nodeID}
	idx := 0
	root.ActiveChildIndex = &idx
	m.Load(nodeMap(root, final))

	assert.Nil(t, m.Streaming())
	assert.Equal(t, "", m.Truth())
	node = m.Node(nodeID)
	require.NotNil(t, node)
	assert.Equal(t, "partial and the rest", node.Message)
}

func TestRetryPendingGivesUpAfterBudget(t *testing.T) {
	convID := conversation.NewConversationID()
	rootID := conversation.NewNodeID()
	missingParent := conversation.NewNodeID()
	nodeID := conversation.NewNodeID()
	meta := streamMeta(convID, "s1")

	m := NewMirror(convID)
	m.Load(nodeMap(conversation.NewChatNode("user", "Hello?", false, conversation.WithNodeID(rootID))))

	// the announced parent is not in our tree, so the insert has to wait
	require.Equal(t, ApplyOK, m.Apply(events.NewStreamStartEvent(meta, &missingParent, "narrator", nodeID)))
	assert.Equal(t, 1, m.PendingCount())

	for i := 0; i < maxInsertAttempts-1; i++ {
		assert.Empty(t, m.RetryPending())
	}
	assert.Equal(t, 1, m.PendingCount())

	failed := m.RetryPending()
	assert.Equal(t, []conversation.NodeID{nodeID}, failed)
	assert.Zero(t, m.PendingCount())
}

func TestUpsertAndRemoveTrackRestResults(t *testing.T) {
	convID := conversation.NewConversationID()
	rootID := conversation.NewNodeID()
	childID := conversation.NewNodeID()

	m := NewMirror(convID)
	root := conversation.NewChatNode("user", "Hello?", false, conversation.WithNodeID(rootID))
	m.Load(nodeMap(root))

	child := conversation.NewChatNode("narrator", "A reply.", true,
		conversation.WithNodeID(childID), conversation.WithParentID(rootID))
	updatedRoot := root.Clone()
	updatedRoot.ChildIDs = []conversation.NodeID{childID}
	idx := 0
	updatedRoot.ActiveChildIndex = &idx
	m.Upsert(child, updatedRoot)

	assert.Equal(t, 2, m.Len())
	path := m.ActivePath()
	require.Len(t, path, 2)
	assert.Equal(t, childID, path[1].ID)

	m.Remove(childID)
	assert.Equal(t, 1, m.Len())
	assert.Nil(t, m.Node(childID))
}
