package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/marionette/pkg/conversation"
	"github.com/go-go-golems/marionette/pkg/streams"
)

// APIHandler serves the tree CRUD surface. Stream lifecycle stays on the
// websocket; this is the request/response side clients use to load and
// mutate conversations.
type APIHandler struct {
	store   conversation.Store
	manager *streams.Manager
}

func NewAPIHandler(store conversation.Store, manager *streams.Manager) *APIHandler {
	return &APIHandler{store: store, manager: manager}
}

type createConversationRequest struct {
	Title    string                 `json:"title"`
	Speakers []conversation.Speaker `json:"speakers"`
}

type addMessageRequest struct {
	ParentID  *conversation.NodeID `json:"parentId"`
	SpeakerID string               `json:"speakerId"`
	Text      string               `json:"text"`
	IsBot     bool                 `json:"isBot"`
	NodeID    *conversation.NodeID `json:"nodeId,omitempty"`
	ClientID  string               `json:"clientId,omitempty"`
}

type addMessageResponse struct {
	Node          *conversation.ChatNode `json:"node"`
	UpdatedParent *conversation.ChatNode `json:"updatedParent,omitempty"`
}

type editMessageRequest struct {
	Text string `json:"text"`
}

type switchBranchRequest struct {
	NodeID conversation.NodeID `json:"nodeId"`
}

type switchBranchResponse struct {
	Changed []*conversation.ChatNode `json:"changed"`
}

type swipeRequest struct {
	NodeID    conversation.NodeID         `json:"nodeId"`
	Direction conversation.SwipeDirection `json:"direction"`
}

type swipeResponse struct {
	UpdatedParent *conversation.ChatNode `json:"updatedParent"`
	ActiveSibling *conversation.ChatNode `json:"activeSibling"`
}

// ConversationsHandler serves /api/conversations.
func (h *APIHandler) ConversationsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		conversations, err := h.store.ListConversations(r.Context())
		if err != nil {
			log.Error().Err(err).Msg("failed to list conversations")
			writeError(w, http.StatusInternalServerError, "failed to list conversations")
			return
		}
		if conversations == nil {
			conversations = []*conversation.Conversation{}
		}
		writeJSON(w, http.StatusOK, conversations)

	case http.MethodPost:
		var req createConversationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		conv, err := h.store.CreateConversation(r.Context(), req.Title, req.Speakers)
		if err != nil {
			log.Error().Err(err).Msg("failed to create conversation")
			writeError(w, http.StatusInternalServerError, "failed to create conversation")
			return
		}
		writeJSON(w, http.StatusCreated, conv)

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// ConversationHandler serves /api/conversations/{id} and its subresources
// tree, path, messages, switch and swipe.
func (h *APIHandler) ConversationHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/conversations/")
	idPart, subresource, _ := strings.Cut(rest, "/")

	conversationID, err := conversation.ParseConversationID(idPart)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid conversation id")
		return
	}

	switch subresource {
	case "":
		h.getConversation(w, r, conversationID)
	case "tree":
		h.getTree(w, r, conversationID)
	case "path":
		h.getPath(w, r, conversationID)
	case "messages":
		h.addMessage(w, r, conversationID)
	case "switch":
		h.switchBranch(w, r, conversationID)
	case "swipe":
		h.swipeSibling(w, r, conversationID)
	default:
		writeError(w, http.StatusNotFound, "unknown resource")
	}
}

func (h *APIHandler) getConversation(w http.ResponseWriter, r *http.Request, id conversation.ConversationID) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	conv, err := h.store.GetConversation(r.Context(), id)
	if err != nil {
		log.Error().Err(err).Str("conversation_id", id.String()).Msg("failed to load conversation")
		writeError(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}
	if conv == nil {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h *APIHandler) getTree(w http.ResponseWriter, r *http.Request, id conversation.ConversationID) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	tree, err := h.store.GetChatTree(r.Context(), id)
	if err != nil {
		log.Error().Err(err).Str("conversation_id", id.String()).Msg("failed to load tree")
		writeError(w, http.StatusInternalServerError, "failed to load tree")
		return
	}
	if tree == nil {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	writeJSON(w, http.StatusOK, tree)
}

func (h *APIHandler) getPath(w http.ResponseWriter, r *http.Request, id conversation.ConversationID) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	path, err := h.store.ActivePath(r.Context(), id)
	if err != nil {
		log.Error().Err(err).Str("conversation_id", id.String()).Msg("failed to load active path")
		writeError(w, http.StatusInternalServerError, "failed to load active path")
		return
	}
	if path == nil {
		path = []*conversation.ChatNode{}
	}
	writeJSON(w, http.StatusOK, path)
}

func (h *APIHandler) addMessage(w http.ResponseWriter, r *http.Request, id conversation.ConversationID) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req addMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var options []conversation.NodeOption
	if req.NodeID != nil {
		options = append(options, conversation.WithNodeID(*req.NodeID))
	}
	if req.ClientID != "" {
		options = append(options, conversation.WithClientID(req.ClientID))
	}

	result, err := h.store.AddMessage(r.Context(), id, req.ParentID, req.SpeakerID, req.Text, req.IsBot, options...)
	if errors.Is(err, conversation.ErrRootExists) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		log.Error().Err(err).Str("conversation_id", id.String()).Msg("failed to add message")
		writeError(w, http.StatusInternalServerError, "failed to add message")
		return
	}
	if result == nil {
		writeError(w, http.StatusNotFound, "conversation or parent not found")
		return
	}

	writeJSON(w, http.StatusCreated, addMessageResponse{
		Node:          result.Node,
		UpdatedParent: result.UpdatedParent,
	})
}

func (h *APIHandler) switchBranch(w http.ResponseWriter, r *http.Request, id conversation.ConversationID) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req switchBranchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	changed, err := h.store.SwitchBranch(r.Context(), id, req.NodeID)
	if err != nil {
		log.Error().Err(err).Str("conversation_id", id.String()).Msg("failed to switch branch")
		writeError(w, http.StatusInternalServerError, "failed to switch branch")
		return
	}
	if changed == nil {
		writeError(w, http.StatusNotFound, "target node not found")
		return
	}
	writeJSON(w, http.StatusOK, switchBranchResponse{Changed: changed})
}

func (h *APIHandler) swipeSibling(w http.ResponseWriter, r *http.Request, id conversation.ConversationID) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req swipeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.store.SwipeSibling(r.Context(), req.NodeID, req.Direction)
	if err != nil {
		log.Error().Err(err).Str("conversation_id", id.String()).Msg("failed to swipe sibling")
		writeError(w, http.StatusInternalServerError, "failed to swipe sibling")
		return
	}
	if result == nil {
		// boundary or root, a normal nothing-to-do signal
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, swipeResponse{
		UpdatedParent: result.UpdatedParent,
		ActiveSibling: result.ActiveSibling,
	})
}

// MessageHandler serves /api/messages/{id}: PATCH edits, DELETE removes.
// Both are rejected with a conflict while the node id is owned by an active
// stream, since the finalization write would race the mutation.
func (h *APIHandler) MessageHandler(w http.ResponseWriter, r *http.Request) {
	idPart := strings.TrimPrefix(r.URL.Path, "/api/messages/")
	nodeID, err := conversation.ParseNodeID(idPart)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid node id")
		return
	}

	if h.manager != nil && h.manager.OwnsNode(nodeID) {
		writeError(w, http.StatusConflict, "node is owned by an active stream")
		return
	}

	switch r.Method {
	case http.MethodPatch:
		var req editMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		node, err := h.store.EditMessage(r.Context(), nodeID, req.Text)
		if err != nil {
			log.Error().Err(err).Str("node_id", nodeID.String()).Msg("failed to edit message")
			writeError(w, http.StatusInternalServerError, "failed to edit message")
			return
		}
		if node == nil {
			writeError(w, http.StatusNotFound, "node not found")
			return
		}
		writeJSON(w, http.StatusOK, node)

	case http.MethodDelete:
		deleted, err := h.store.DeleteMessage(r.Context(), nodeID)
		if err != nil {
			log.Error().Err(err).Str("node_id", nodeID.String()).Msg("failed to delete message")
			writeError(w, http.StatusInternalServerError, "failed to delete message")
			return
		}
		if !deleted {
			writeError(w, http.StatusNotFound, "node not found")
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
