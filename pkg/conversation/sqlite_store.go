package conversation

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// SQLiteStore persists conversations in a SQLite database. Mutations load the
// conversation's nodes into a Tree, apply the in-memory rules, and write back
// only the rows the operation touched, all inside one transaction.
type SQLiteStore struct{ db *sql.DB }

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite database")
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS conversations (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL,
    root_id TEXT,
    created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS speakers (
    conversation_id TEXT NOT NULL,
    id TEXT NOT NULL,
    name TEXT NOT NULL,
    is_user INTEGER NOT NULL,
    system_prompt TEXT NOT NULL DEFAULT '',
    position INTEGER NOT NULL,
    PRIMARY KEY (conversation_id, id)
);
CREATE TABLE IF NOT EXISTS nodes (
    id TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL,
    client_id TEXT,
    parent_id TEXT,
    child_ids TEXT NOT NULL DEFAULT '[]',
    active_child_index INTEGER,
    speaker_id TEXT NOT NULL,
    message TEXT NOT NULL,
    is_bot INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_nodes_conversation_id ON nodes(conversation_id);
`)
	return errors.Wrap(err, "migrate schema")
}

// dbtx is the subset of sql.DB and sql.Tx the store helpers run against.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (s *SQLiteStore) CreateConversation(ctx context.Context, title string, speakers []Speaker) (*Conversation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	conv := &Conversation{
		ID:        NewConversationID(),
		Title:     title,
		Speakers:  append([]Speaker{}, speakers...),
		CreatedAt: time.Now().UTC(),
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO conversations (id, title, root_id, created_at) VALUES (?, ?, NULL, ?)`,
		conv.ID.String(), conv.Title, conv.CreatedAt)
	if err != nil {
		return nil, errors.Wrap(err, "insert conversation")
	}

	for i, speaker := range conv.Speakers {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO speakers (conversation_id, id, name, is_user, system_prompt, position) VALUES (?, ?, ?, ?, ?, ?)`,
			conv.ID.String(), speaker.ID, speaker.Name, speaker.IsUser, speaker.SystemPrompt, i)
		if err != nil {
			return nil, errors.Wrapf(err, "insert speaker %s", speaker.ID)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit transaction")
	}
	return conv, nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id ConversationID) (*Conversation, error) {
	return getConversation(ctx, s.db, id)
}

func getConversation(ctx context.Context, q dbtx, id ConversationID) (*Conversation, error) {
	row := q.QueryRowContext(ctx,
		`SELECT id, title, root_id, created_at FROM conversations WHERE id = ?`, id.String())

	conv, err := scanConversation(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, err
	}

	conv.Speakers, err = loadSpeakers(ctx, q, id)
	if err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *SQLiteStore) ListConversations(ctx context.Context) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, root_id, created_at FROM conversations ORDER BY created_at, id`)
	if err != nil {
		return nil, errors.Wrap(err, "query conversations")
	}
	defer func() { _ = rows.Close() }()

	var ret []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		ret = append(ret, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate conversations")
	}

	for _, conv := range ret {
		conv.Speakers, err = loadSpeakers(ctx, s.db, conv.ID)
		if err != nil {
			return nil, err
		}
	}
	return ret, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var (
		id        string
		title     string
		rootID    sql.NullString
		createdAt time.Time
	)
	if err := row.Scan(&id, &title, &rootID, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, errors.Wrap(err, "scan conversation")
	}

	conversationID, err := ParseConversationID(id)
	if err != nil {
		return nil, err
	}
	conv := &Conversation{
		ID:        conversationID,
		Title:     title,
		CreatedAt: createdAt,
	}
	if rootID.Valid {
		nid, err := ParseNodeID(rootID.String)
		if err != nil {
			return nil, err
		}
		conv.RootID = &nid
	}
	return conv, nil
}

func loadSpeakers(ctx context.Context, q dbtx, id ConversationID) ([]Speaker, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, name, is_user, system_prompt FROM speakers WHERE conversation_id = ? ORDER BY position`,
		id.String())
	if err != nil {
		return nil, errors.Wrap(err, "query speakers")
	}
	defer func() { _ = rows.Close() }()

	var speakers []Speaker
	for rows.Next() {
		var speaker Speaker
		if err := rows.Scan(&speaker.ID, &speaker.Name, &speaker.IsUser, &speaker.SystemPrompt); err != nil {
			return nil, errors.Wrap(err, "scan speaker")
		}
		speakers = append(speakers, speaker)
	}
	return speakers, errors.Wrap(rows.Err(), "iterate speakers")
}

func (s *SQLiteStore) AddMessage(
	ctx context.Context,
	conversationID ConversationID,
	parentID *NodeID,
	speakerID string,
	text string,
	isBot bool,
	options ...NodeOption,
) (*AddResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	conv, err := getConversation(ctx, tx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, nil
	}

	tree, err := loadTree(ctx, tx, conversationID)
	if err != nil {
		return nil, err
	}

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

	if err := insertNode(ctx, tx, conversationID, node); err != nil {
		return nil, err
	}
	if result.UpdatedParent != nil {
		if err := updateNodeLinks(ctx, tx, result.UpdatedParent); err != nil {
			return nil, err
		}
	}
	if node.ParentID == nil {
		_, err = tx.ExecContext(ctx,
			`UPDATE conversations SET root_id = ? WHERE id = ?`,
			node.ID.String(), conversationID.String())
		if err != nil {
			return nil, errors.Wrap(err, "update root pointer")
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit transaction")
	}
	return result, nil
}

func (s *SQLiteStore) EditMessage(ctx context.Context, nodeID NodeID, text string) (*ChatNode, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	node, _, err := getNode(ctx, tx, nodeID)
	if err != nil {
		return nil, err
	}
	if node == nil {
		return nil, nil
	}

	node.Message = text
	now := time.Now().UTC()
	node.UpdatedAt = &now

	_, err = tx.ExecContext(ctx,
		`UPDATE nodes SET message = ?, updated_at = ? WHERE id = ?`,
		node.Message, *node.UpdatedAt, node.ID.String())
	if err != nil {
		return nil, errors.Wrap(err, "update node message")
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit transaction")
	}
	return node, nil
}

func (s *SQLiteStore) DeleteMessage(ctx context.Context, nodeID NodeID) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, errors.Wrap(err, "begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	node, conversationID, err := getNode(ctx, tx, nodeID)
	if err != nil {
		return false, err
	}
	if node == nil {
		return false, nil
	}

	tree, err := loadTree(ctx, tx, conversationID)
	if err != nil {
		return false, err
	}

	result, ok := tree.DeleteNode(nodeID)
	if !ok {
		return false, nil
	}

	if err := deleteNodes(ctx, tx, result.RemovedIDs); err != nil {
		return false, err
	}
	if result.UpdatedParent != nil {
		if err := updateNodeLinks(ctx, tx, result.UpdatedParent); err != nil {
			return false, err
		}
	}
	if node.ParentID == nil {
		_, err = tx.ExecContext(ctx,
			`UPDATE conversations SET root_id = NULL WHERE id = ?`, conversationID.String())
		if err != nil {
			return false, errors.Wrap(err, "clear root pointer")
		}
	}

	if err := tx.Commit(); err != nil {
		return false, errors.Wrap(err, "commit transaction")
	}
	return true, nil
}

func (s *SQLiteStore) SwitchBranch(ctx context.Context, conversationID ConversationID, target NodeID) ([]*ChatNode, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	tree, err := loadTree(ctx, tx, conversationID)
	if err != nil {
		return nil, err
	}

	changed, ok := tree.SwitchBranch(target)
	if !ok {
		return nil, nil
	}

	for _, node := range changed {
		if err := updateNodeLinks(ctx, tx, node); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit transaction")
	}
	return changed, nil
}

func (s *SQLiteStore) SwipeSibling(ctx context.Context, nodeID NodeID, direction SwipeDirection) (*SwipeResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	node, conversationID, err := getNode(ctx, tx, nodeID)
	if err != nil {
		return nil, err
	}
	if node == nil {
		return nil, nil
	}

	tree, err := loadTree(ctx, tx, conversationID)
	if err != nil {
		return nil, err
	}

	result := tree.SwipeSibling(nodeID, direction)
	if result == nil {
		return nil, nil
	}

	if err := updateNodeLinks(ctx, tx, result.UpdatedParent); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit transaction")
	}
	return result, nil
}

func (s *SQLiteStore) GetChatTree(ctx context.Context, conversationID ConversationID) (map[NodeID]*ChatNode, error) {
	conv, err := getConversation(ctx, s.db, conversationID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, nil
	}

	tree, err := loadTree(ctx, s.db, conversationID)
	if err != nil {
		return nil, err
	}
	return tree.Nodes, nil
}

func (s *SQLiteStore) ActivePath(ctx context.Context, conversationID ConversationID) ([]*ChatNode, error) {
	tree, err := loadTree(ctx, s.db, conversationID)
	if err != nil {
		return nil, err
	}
	return tree.ActivePath(), nil
}

func loadTree(ctx context.Context, q dbtx, conversationID ConversationID) (*Tree, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, client_id, parent_id, child_ids, active_child_index, speaker_id, message, is_bot, created_at, updated_at
		 FROM nodes WHERE conversation_id = ?`, conversationID.String())
	if err != nil {
		return nil, errors.Wrap(err, "query nodes")
	}
	defer func() { _ = rows.Close() }()

	tree := NewTree()
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		tree.Nodes[node.ID] = node
		if node.ParentID == nil {
			id := node.ID
			tree.RootID = &id
		}
	}
	return tree, errors.Wrap(rows.Err(), "iterate nodes")
}

func getNode(ctx context.Context, q dbtx, nodeID NodeID) (*ChatNode, ConversationID, error) {
	row := q.QueryRowContext(ctx,
		`SELECT conversation_id, id, client_id, parent_id, child_ids, active_child_index, speaker_id, message, is_bot, created_at, updated_at
		 FROM nodes WHERE id = ?`, nodeID.String())

	var conversationID string
	node, err := scanNodeWith(row, &conversationID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, ConversationID{}, nil
	case err != nil:
		return nil, ConversationID{}, err
	}

	cid, err := ParseConversationID(conversationID)
	if err != nil {
		return nil, ConversationID{}, err
	}
	return node, cid, nil
}

func scanNode(row rowScanner) (*ChatNode, error) {
	return scanNodeWith(row, nil)
}

func scanNodeWith(row rowScanner, conversationID *string) (*ChatNode, error) {
	var (
		id          string
		clientID    sql.NullString
		parentID    sql.NullString
		childIDs    string
		activeIndex sql.NullInt64
		speakerID   string
		message     string
		isBot       bool
		createdAt   time.Time
		updatedAt   sql.NullTime
	)

	dest := []interface{}{&id, &clientID, &parentID, &childIDs, &activeIndex, &speakerID, &message, &isBot, &createdAt, &updatedAt}
	if conversationID != nil {
		dest = append([]interface{}{conversationID}, dest...)
	}
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, errors.Wrap(err, "scan node")
	}

	nodeID, err := ParseNodeID(id)
	if err != nil {
		return nil, err
	}
	node := &ChatNode{
		ID:        nodeID,
		ClientID:  clientID.String,
		SpeakerID: speakerID,
		Message:   message,
		IsBot:     isBot,
		CreatedAt: createdAt,
	}
	if parentID.Valid {
		pid, err := ParseNodeID(parentID.String)
		if err != nil {
			return nil, err
		}
		node.ParentID = &pid
	}
	if err := json.Unmarshal([]byte(childIDs), &node.ChildIDs); err != nil {
		return nil, errors.Wrapf(err, "decode child ids of node %s", id)
	}
	if activeIndex.Valid {
		idx := int(activeIndex.Int64)
		node.ActiveChildIndex = &idx
	}
	if updatedAt.Valid {
		t := updatedAt.Time
		node.UpdatedAt = &t
	}
	return node, nil
}

func insertNode(ctx context.Context, q dbtx, conversationID ConversationID, node *ChatNode) error {
	childIDs, err := marshalChildIDs(node.ChildIDs)
	if err != nil {
		return err
	}

	var parentID interface{}
	if node.ParentID != nil {
		parentID = node.ParentID.String()
	}
	var clientID interface{}
	if node.ClientID != "" {
		clientID = node.ClientID
	}
	var activeIndex interface{}
	if node.ActiveChildIndex != nil {
		activeIndex = *node.ActiveChildIndex
	}
	var updatedAt interface{}
	if node.UpdatedAt != nil {
		updatedAt = *node.UpdatedAt
	}

	_, err = q.ExecContext(ctx,
		`INSERT INTO nodes (id, conversation_id, client_id, parent_id, child_ids, active_child_index, speaker_id, message, is_bot, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		node.ID.String(), conversationID.String(), clientID, parentID, childIDs, activeIndex,
		node.SpeakerID, node.Message, node.IsBot, node.CreatedAt, updatedAt)
	return errors.Wrapf(err, "insert node %s", node.ID)
}

func updateNodeLinks(ctx context.Context, q dbtx, node *ChatNode) error {
	childIDs, err := marshalChildIDs(node.ChildIDs)
	if err != nil {
		return err
	}

	var activeIndex interface{}
	if node.ActiveChildIndex != nil {
		activeIndex = *node.ActiveChildIndex
	}

	_, err = q.ExecContext(ctx,
		`UPDATE nodes SET child_ids = ?, active_child_index = ? WHERE id = ?`,
		childIDs, activeIndex, node.ID.String())
	return errors.Wrapf(err, "update node %s links", node.ID)
}

func deleteNodes(ctx context.Context, q dbtx, ids []NodeID) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, 0, len(ids))
	for _, id := range ids {
		args = append(args, id.String())
	}
	_, err := q.ExecContext(ctx, `DELETE FROM nodes WHERE id IN (`+placeholders+`)`, args...)
	return errors.Wrap(err, "delete nodes")
}

func marshalChildIDs(ids []NodeID) (string, error) {
	if len(ids) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return "", errors.Wrap(err, "encode child ids")
	}
	return string(data), nil
}
