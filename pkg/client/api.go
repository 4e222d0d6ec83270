package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"

	"github.com/go-go-golems/marionette/pkg/conversation"
)

// HTTPError is a non-2xx answer from the REST API, with the server's error
// message when one was sent.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("api error %d", e.StatusCode)
}

// IsNotFound reports whether err is an HTTP 404 from the API.
func IsNotFound(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound
}

// IsConflict reports whether err is an HTTP 409 from the API, which the
// server sends for duplicate roots and for edits on nodes an active stream
// still owns.
func IsConflict(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusConflict
}

// API talks to the REST surface for conversation and tree operations.
// Everything durable goes through here; stream control rides the websocket.
type API struct {
	baseURL    string
	httpClient *http.Client
}

func NewAPI(baseURL string, httpClient *http.Client) *API {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &API{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// AddMessageRequest describes one node insert. A nil ParentID targets the
// root slot. NodeID pre-assigns the node's identity; ClientID tags it for
// optimistic-insert deduplication.
type AddMessageRequest struct {
	ParentID  *conversation.NodeID `json:"parentId"`
	SpeakerID string               `json:"speakerId"`
	Text      string               `json:"text"`
	IsBot     bool                 `json:"isBot"`
	NodeID    *conversation.NodeID `json:"nodeId,omitempty"`
	ClientID  string               `json:"clientId,omitempty"`
}

// AddMessageResult carries the created node and, when a parent's child list
// and active index moved, that updated parent.
type AddMessageResult struct {
	Node          *conversation.ChatNode `json:"node"`
	UpdatedParent *conversation.ChatNode `json:"updatedParent,omitempty"`
}

// SwipeResult mirrors the server's swipe answer: the parent whose active
// index moved and the sibling now active.
type SwipeResult struct {
	UpdatedParent *conversation.ChatNode `json:"updatedParent"`
	ActiveSibling *conversation.ChatNode `json:"activeSibling"`
}

func (a *API) CreateConversation(ctx context.Context, title string, speakers []conversation.Speaker) (*conversation.Conversation, error) {
	body := struct {
		Title    string                 `json:"title"`
		Speakers []conversation.Speaker `json:"speakers"`
	}{Title: title, Speakers: speakers}

	var conv conversation.Conversation
	if err := a.doJSON(ctx, http.MethodPost, "/api/conversations", body, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

func (a *API) ListConversations(ctx context.Context) ([]*conversation.Conversation, error) {
	var conversations []*conversation.Conversation
	if err := a.doJSON(ctx, http.MethodGet, "/api/conversations", nil, &conversations); err != nil {
		return nil, err
	}
	return conversations, nil
}

func (a *API) GetConversation(ctx context.Context, id conversation.ConversationID) (*conversation.Conversation, error) {
	var conv conversation.Conversation
	if err := a.doJSON(ctx, http.MethodGet, "/api/conversations/"+id.String(), nil, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

func (a *API) GetTree(ctx context.Context, id conversation.ConversationID) (map[conversation.NodeID]*conversation.ChatNode, error) {
	var tree map[conversation.NodeID]*conversation.ChatNode
	if err := a.doJSON(ctx, http.MethodGet, "/api/conversations/"+id.String()+"/tree", nil, &tree); err != nil {
		return nil, err
	}
	return tree, nil
}

func (a *API) GetActivePath(ctx context.Context, id conversation.ConversationID) ([]*conversation.ChatNode, error) {
	var path []*conversation.ChatNode
	if err := a.doJSON(ctx, http.MethodGet, "/api/conversations/"+id.String()+"/path", nil, &path); err != nil {
		return nil, err
	}
	return path, nil
}

func (a *API) AddMessage(ctx context.Context, id conversation.ConversationID, req AddMessageRequest) (*AddMessageResult, error) {
	var result AddMessageResult
	if err := a.doJSON(ctx, http.MethodPost, "/api/conversations/"+id.String()+"/messages", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (a *API) EditMessage(ctx context.Context, nodeID conversation.NodeID, text string) (*conversation.ChatNode, error) {
	body := struct {
		Text string `json:"text"`
	}{Text: text}

	var node conversation.ChatNode
	if err := a.doJSON(ctx, http.MethodPatch, "/api/messages/"+nodeID.String(), body, &node); err != nil {
		return nil, err
	}
	return &node, nil
}

func (a *API) DeleteMessage(ctx context.Context, nodeID conversation.NodeID) error {
	return a.doJSON(ctx, http.MethodDelete, "/api/messages/"+nodeID.String(), nil, nil)
}

// SwitchBranch makes the path to target the active one. The returned nodes
// are the ancestors whose active index actually moved.
func (a *API) SwitchBranch(ctx context.Context, id conversation.ConversationID, target conversation.NodeID) ([]*conversation.ChatNode, error) {
	body := struct {
		NodeID conversation.NodeID `json:"nodeId"`
	}{NodeID: target}

	var result struct {
		Changed []*conversation.ChatNode `json:"changed"`
	}
	if err := a.doJSON(ctx, http.MethodPost, "/api/conversations/"+id.String()+"/switch", body, &result); err != nil {
		return nil, err
	}
	return result.Changed, nil
}

// SwipeSibling moves the active selection to an adjacent sibling. A nil
// result with nil error is the boundary answer: first sibling on prev, last
// on next, or a root with no parent.
func (a *API) SwipeSibling(ctx context.Context, id conversation.ConversationID, nodeID conversation.NodeID, direction conversation.SwipeDirection) (*SwipeResult, error) {
	body := struct {
		NodeID    conversation.NodeID         `json:"nodeId"`
		Direction conversation.SwipeDirection `json:"direction"`
	}{NodeID: nodeID, Direction: direction}

	var result *SwipeResult
	if err := a.doJSON(ctx, http.MethodPost, "/api/conversations/"+id.String()+"/swipe", body, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func (a *API) doJSON(ctx context.Context, method string, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return errors.Wrap(err, "failed to encode request body")
		}
		reader = buf
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return errors.Wrapf(err, "failed to build %s %s", method, path)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s failed", method, path)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errors.Wrap(err, "failed to read response body")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return parseAPIError(resp.StatusCode, raw)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errors.Wrapf(err, "failed to decode %s %s response", method, path)
	}
	return nil
}

func parseAPIError(status int, raw []byte) error {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Error != "" {
		return &HTTPError{StatusCode: status, Message: payload.Error}
	}
	return &HTTPError{StatusCode: status, Message: strings.TrimSpace(string(raw))}
}
