package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ledgerline/opshub/internal/db"
	"github.com/ledgerline/opshub/internal/policy"
	"github.com/ledgerline/opshub/internal/streaming"
)

const (
	maxChannelName = 80
	maxChatMessage = 4000
)

// ChatPublisher fans a chat event out to every instance.
type ChatPublisher interface {
	Publish(ctx context.Context, channelID string, evt streaming.Event) (streaming.Event, error)
}

// ChatSocket streams channel events over a WebSocket.
type ChatSocket interface {
	Serve(w http.ResponseWriter, r *http.Request, channelID string, since uint64)
}

type ChatHandler struct {
	base
	publisher ChatPublisher
	socket    ChatSocket
}

func NewChatHandler(database db.DB, authz policy.Authorizer, audit Auditor, publisher ChatPublisher, socket ChatSocket, logger *zap.Logger) *ChatHandler {
	return &ChatHandler{
		base:      newBase(database, authz, audit, logger),
		publisher: publisher,
		socket:    socket,
	}
}

// ListChannels handles GET /api/chat/channels
func (h *ChatHandler) ListChannels(w http.ResponseWriter, r *http.Request) {
	user, ok := h.principal(w, r)
	if !ok || !h.allow(w, r, user, policy.ActionRead, policy.ResourceChat, nil) {
		return
	}
	channels := []db.ChatChannel{}
	if err := h.db.SelectContext(r.Context(), &channels,
		`SELECT id, name, created_by, created_at FROM chat_channels ORDER BY name`); err != nil {
		h.fail(w, r, err, "Channel")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"channels": channels})
}

// CreateChannel handles POST /api/chat/channels
func (h *ChatHandler) CreateChannel(w http.ResponseWriter, r *http.Request) {
	user, ok := h.principal(w, r)
	if !ok || !h.allow(w, r, user, policy.ActionWrite, policy.ResourceChat, nil) {
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if !decodeJSON(w, r, &req, false) {
		return
	}
	name := strings.ToLower(strings.TrimSpace(req.Name))
	if name == "" || len(name) > maxChannelName {
		sendError(w, "Channel name must be 1-"+strconv.Itoa(maxChannelName)+" characters", http.StatusBadRequest)
		return
	}

	creator := user.UserID
	channel := db.ChatChannel{Name: name, CreatedBy: &creator}
	err := h.db.QueryRowxContext(r.Context(),
		`INSERT INTO chat_channels (name, created_by) VALUES ($1, $2) RETURNING id, created_at`,
		channel.Name, channel.CreatedBy,
	).Scan(&channel.ID, &channel.CreatedAt)
	if err != nil {
		if db.IsUniqueViolation(err) {
			sendError(w, "Channel already exists", http.StatusConflict)
			return
		}
		h.fail(w, r, err, "Channel")
		return
	}

	h.logger.Info("Chat channel created",
		zap.String("channel_id", channel.ID.String()),
		zap.String("name", channel.Name),
	)
	h.record(user, r, "chat.channel_created", "chat_channel", channel.ID.String(), nil)
	writeJSON(w, http.StatusCreated, channel)
}

// ListMessages handles GET /api/chat/channels/{id}/messages. before pages
// backwards through history; results are newest first.
func (h *ChatHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	user, ok := h.principal(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok || !h.allow(w, r, user, policy.ActionRead, policy.ResourceChat, nil) {
		return
	}
	if _, err := db.GetChatChannel(r.Context(), h.db, id); err != nil {
		h.fail(w, r, err, "Channel")
		return
	}

	var f filter
	f.add("channel_id = ?", id)
	if raw := r.URL.Query().Get("before"); raw != "" {
		before, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			sendError(w, "Invalid before", http.StatusBadRequest)
			return
		}
		f.add("created_at < ?", before)
	}
	limit, offset := pagination(r)
	query := `SELECT ` + db.ChatMessageColumns() + ` FROM chat_messages` + f.where() +
		` ORDER BY created_at DESC` + f.page(limit, offset)

	messages := []db.ChatMessage{}
	if err := h.db.SelectContext(r.Context(), &messages, query, f.args...); err != nil {
		h.fail(w, r, err, "Message")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": messages})
}

// PostMessage handles POST /api/chat/channels/{id}/messages. The message is
// stored first; a relay failure only affects live delivery.
func (h *ChatHandler) PostMessage(w http.ResponseWriter, r *http.Request) {
	user, ok := h.principal(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok || !h.allow(w, r, user, policy.ActionWrite, policy.ResourceChat, nil) {
		return
	}
	var req struct {
		Body string `json:"body"`
	}
	if !decodeJSON(w, r, &req, false) {
		return
	}
	body := strings.TrimSpace(req.Body)
	if body == "" || len(body) > maxChatMessage {
		sendError(w, "Message must be 1-"+strconv.Itoa(maxChatMessage)+" characters", http.StatusBadRequest)
		return
	}

	author := user.UserID
	msg := &db.ChatMessage{ChannelID: id, UserID: &author, Body: body}
	if err := db.InsertChatMessage(r.Context(), h.db, msg); err != nil {
		h.fail(w, r, err, "Channel")
		return
	}

	var seq uint64
	if h.publisher != nil {
		evt, err := h.publisher.Publish(r.Context(), id.String(), streaming.Event{
			ChannelID: id.String(),
			Type:      streaming.EventMessage,
			MessageID: msg.ID.String(),
			UserID:    author.String(),
			UserName:  user.FullName,
			Body:      msg.Body,
			CreatedAt: msg.CreatedAt,
		})
		if err != nil {
			h.logger.Warn("Chat message stored but not relayed",
				zap.String("message_id", msg.ID.String()),
				zap.Error(err),
			)
		}
		seq = evt.Seq
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"message": msg,
		"seq":     seq,
	})
}

// DeleteMessage handles DELETE /api/chat/channels/{id}/messages/{messageID}.
// Staff may delete their own messages.
func (h *ChatHandler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	user, ok := h.principal(w, r)
	if !ok {
		return
	}
	channelID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	messageID, ok := pathID(w, r, "messageID")
	if !ok {
		return
	}

	var msg db.ChatMessage
	if err := h.db.GetContext(r.Context(), &msg,
		`SELECT `+db.ChatMessageColumns()+` FROM chat_messages WHERE id = $1 AND channel_id = $2`,
		messageID, channelID); err != nil {
		h.fail(w, r, db.NotFound(err), "Message")
		return
	}
	if !h.allow(w, r, user, policy.ActionDelete, policy.ResourceChat, msg.UserID) {
		return
	}
	if _, err := h.db.ExecContext(r.Context(), `DELETE FROM chat_messages WHERE id = $1`, messageID); err != nil {
		h.fail(w, r, err, "Message")
		return
	}

	if h.publisher != nil {
		if _, err := h.publisher.Publish(r.Context(), channelID.String(), streaming.Event{
			ChannelID: channelID.String(),
			Type:      streaming.EventDeleted,
			MessageID: messageID.String(),
			UserID:    user.UserID.String(),
			CreatedAt: time.Now().UTC(),
		}); err != nil {
			h.logger.Warn("Chat deletion not relayed", zap.String("message_id", messageID.String()), zap.Error(err))
		}
	}
	h.record(user, r, "chat.message_deleted", "chat_message", messageID.String(), nil)
	w.WriteHeader(http.StatusNoContent)
}

// Stream handles GET /api/chat/channels/{id}/ws?since=<seq>
func (h *ChatHandler) Stream(w http.ResponseWriter, r *http.Request) {
	user, ok := h.principal(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok || !h.allow(w, r, user, policy.ActionRead, policy.ResourceChat, nil) {
		return
	}
	var since uint64
	if raw := r.URL.Query().Get("since"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			sendError(w, "Invalid since", http.StatusBadRequest)
			return
		}
		since = v
	}
	if _, err := db.GetChatChannel(r.Context(), h.db, id); err != nil {
		h.fail(w, r, err, "Channel")
		return
	}
	if h.socket == nil {
		sendError(w, "Streaming not available", http.StatusServiceUnavailable)
		return
	}

	h.logger.Debug("Chat stream opened",
		zap.String("channel_id", id.String()),
		zap.String("user_id", user.UserID.String()),
		zap.Uint64("since", since),
	)
	h.socket.Serve(w, r, id.String(), since)
}
