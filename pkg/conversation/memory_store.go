package conversation

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps conversations and trees in process memory. It guards the
// trees with a single RWMutex and hands out clones, so callers can never
// mutate store state through a returned node.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[ConversationID]*Conversation
	trees         map[ConversationID]*Tree
	nodeIndex     map[NodeID]ConversationID
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[ConversationID]*Conversation),
		trees:         make(map[ConversationID]*Tree),
		nodeIndex:     make(map[NodeID]ConversationID),
	}
}

func (s *MemoryStore) CreateConversation(ctx context.Context, title string, speakers []Speaker) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv := &Conversation{
		ID:        NewConversationID(),
		Title:     title,
		Speakers:  append([]Speaker{}, speakers...),
		CreatedAt: time.Now().UTC(),
	}
	s.conversations[conv.ID] = conv
	s.trees[conv.ID] = NewTree()

	return conv.Clone(), nil
}

func (s *MemoryStore) GetConversation(ctx context.Context, id ConversationID) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, exists := s.conversations[id]
	if !exists {
		return nil, nil
	}
	return conv.Clone(), nil
}

func (s *MemoryStore) ListConversations(ctx context.Context) ([]*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ret := make([]*Conversation, 0, len(s.conversations))
	for _, conv := range s.conversations {
		ret = append(ret, conv.Clone())
	}
	sort.Slice(ret, func(i, j int) bool {
		if !ret[i].CreatedAt.Equal(ret[j].CreatedAt) {
			return ret[i].CreatedAt.Before(ret[j].CreatedAt)
		}
		return ret[i].ID.String() < ret[j].ID.String()
	})

	return ret, nil
}

func (s *MemoryStore) AddMessage(
	ctx context.Context,
	conversationID ConversationID,
	parentID *NodeID,
	speakerID string,
	text string,
	isBot bool,
	options ...NodeOption,
) (*AddResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, exists := s.conversations[conversationID]
	if !exists {
		return nil, nil
	}
	tree := s.trees[conversationID]

	node := NewChatNode(speakerID, text, isBot, options...)
	if parentID != nil {
		pid := *parentID
		node.ParentID = &pid
	} else {
		node.ParentID = nil
	}

	result, err := tree.AddNode(node)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}

	s.nodeIndex[node.ID] = conversationID
	if node.ParentID == nil {
		id := node.ID
		conv.RootID = &id
	}

	return cloneAddResult(result), nil
}

func (s *MemoryStore) EditMessage(ctx context.Context, nodeID NodeID, text string) (*ChatNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conversationID, exists := s.nodeIndex[nodeID]
	if !exists {
		return nil, nil
	}

	node := s.trees[conversationID].EditNode(nodeID, text)
	if node == nil {
		return nil, nil
	}
	return node.Clone(), nil
}

func (s *MemoryStore) DeleteMessage(ctx context.Context, nodeID NodeID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conversationID, exists := s.nodeIndex[nodeID]
	if !exists {
		return false, nil
	}

	result, ok := s.trees[conversationID].DeleteNode(nodeID)
	if !ok {
		return false, nil
	}

	for _, id := range result.RemovedIDs {
		delete(s.nodeIndex, id)
	}
	if conv, exists := s.conversations[conversationID]; exists {
		if conv.RootID != nil && *conv.RootID == nodeID {
			conv.RootID = nil
		}
	}

	return true, nil
}

func (s *MemoryStore) SwitchBranch(ctx context.Context, conversationID ConversationID, target NodeID) ([]*ChatNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tree, exists := s.trees[conversationID]
	if !exists {
		return nil, nil
	}

	changed, ok := tree.SwitchBranch(target)
	if !ok {
		return nil, nil
	}

	ret := make([]*ChatNode, 0, len(changed))
	for _, node := range changed {
		ret = append(ret, node.Clone())
	}
	return ret, nil
}

func (s *MemoryStore) SwipeSibling(ctx context.Context, nodeID NodeID, direction SwipeDirection) (*SwipeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conversationID, exists := s.nodeIndex[nodeID]
	if !exists {
		return nil, nil
	}

	result := s.trees[conversationID].SwipeSibling(nodeID, direction)
	if result == nil {
		return nil, nil
	}

	return &SwipeResult{
		UpdatedParent: result.UpdatedParent.Clone(),
		ActiveSibling: result.ActiveSibling.Clone(),
	}, nil
}

func (s *MemoryStore) GetChatTree(ctx context.Context, conversationID ConversationID) (map[NodeID]*ChatNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tree, exists := s.trees[conversationID]
	if !exists {
		return nil, nil
	}

	ret := make(map[NodeID]*ChatNode, len(tree.Nodes))
	for id, node := range tree.Nodes {
		ret[id] = node.Clone()
	}
	return ret, nil
}

func (s *MemoryStore) ActivePath(ctx context.Context, conversationID ConversationID) ([]*ChatNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tree, exists := s.trees[conversationID]
	if !exists {
		return nil, nil
	}

	path := tree.ActivePath()
	ret := make([]*ChatNode, 0, len(path))
	for _, node := range path {
		ret = append(ret, node.Clone())
	}
	return ret, nil
}

func cloneAddResult(result *AddResult) *AddResult {
	ret := &AddResult{Node: result.Node.Clone()}
	if result.UpdatedParent != nil {
		ret.UpdatedParent = result.UpdatedParent.Clone()
	}
	return ret
}
