package handlers

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/MegaGrindStone/cadre-chat/internal/chat"
	"github.com/MegaGrindStone/cadre-chat/internal/models"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

type chatTitle struct {
	ID    string
	Title string

	Active bool
}

type message struct {
	ID      string
	Role    string
	Content template.HTML

	StreamingState string
}

type chatboxData struct {
	CurrentChatID string
	Messages      []message
}

// SSE event types for real-time updates.
var (
	chatsSSEType        = sse.Type("chats")
	messagesSSEType     = sse.Type("messages")
	closeMessageSSEType = sse.Type("closeMessage")
	closeChatSSEType    = sse.Type("closeChat")
)

// Streaming states of a rendered message, used by the client to decide whether to keep listening.
const (
	streamingStateLoading   = "loading"
	streamingStateStreaming = "streaming"
	streamingStateEnded     = "ended"
	streamingStateFailed    = "failed"
)

// HandleChats sends a message to a conversation through HTTP POST requests. It accepts the message through
// the "message" form field and an optional "chat_id" field; without a chat_id a new conversation is
// started. The reply is streamed asynchronously and pushed to the browser through Server-Sent Events.
//
// For new chats it renders the complete chatbox, for existing chats only the user message and the
// assistant placeholder. It responds with 400 for an empty message, 404 for an unknown chat, and 409 while
// the previous reply of the chat is still streaming.
func (m Main) HandleChats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	msg := r.FormValue("message")
	if strings.TrimSpace(msg) == "" {
		http.Error(w, "Message is required", http.StatusBadRequest)
		return
	}

	chatID := r.FormValue("chat_id")
	// We track if this is a new chat to determine the appropriate template rendering strategy
	isNewChat := chatID == ""

	var entry *chatEntry
	if isNewChat {
		chatID = uuid.New().String()
		entry = m.newChatEntry(chatID)
	} else {
		var ok bool
		entry, ok = m.chats.get(chatID)
		if !ok {
			http.Error(w, "Chat not found", http.StatusNotFound)
			return
		}
	}

	// The reply outlives this request, so it must not be cancelled when the response is written.
	turn, err := entry.session.Send(context.WithoutCancel(r.Context()), msg, m.token(r.Context()))
	if err != nil {
		if isNewChat {
			entry.close()
		}
		switch {
		case errors.Is(err, chat.ErrEmptyMessage):
			http.Error(w, "Message is required", http.StatusBadRequest)
		case errors.Is(err, chat.ErrBusy):
			http.Error(w, "A reply is still streaming", http.StatusConflict)
		case errors.Is(err, chat.ErrClosed):
			http.Error(w, "Chat not found", http.StatusNotFound)
		default:
			m.logger.Error("Failed to send message",
				slog.String("chatID", chatID),
				slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	if isNewChat {
		entry.info.Title = models.ChatTitle(entry.session.Messages())
		m.chats.add(entry)
		if err := m.publishChats(chatID); err != nil {
			m.logger.Error("Failed to publish chats", slog.String(errLoggerKey, err.Error()))
		}
	} else {
		m.chats.touch(chatID, time.Now())
	}

	if isNewChat {
		data, err := m.chatboxData(chatID, entry.session)
		if err != nil {
			m.logger.Error("Failed to render messages",
				slog.String("chatID", chatID),
				slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if err := m.templates.ExecuteTemplate(w, "chatbox", data); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	userMsg, err := messageView(chatID, turn.Index()-1, models.ChatMessage{Role: models.RoleUser, Content: msg}, -1, false)
	if err != nil {
		m.logger.Error("Failed to render content",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := m.templates.ExecuteTemplate(w, "user_message", userMsg); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// The reply may already have progressed, or even ended, while the user message was written. Its
	// events reach the browser before this placeholder does, so it is rendered as it stands now.
	snap := entry.session.Snapshot()
	aiMsg, err := messageView(chatID, turn.Index(), snap.Messages[turn.Index()], snap.Pending, snap.Failed(turn.Index()))
	if err != nil {
		m.logger.Error("Failed to render content",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		return
	}
	if err := m.templates.ExecuteTemplate(w, "ai_message", aiMsg); err != nil {
		m.logger.Error("Failed to execute ai_message template", slog.String(errLoggerKey, err.Error()))
	}
}

// HandleChat renders the chatbox of an existing conversation with its current transcript. The browser
// fetches it after subscribing to the conversation's events, so updates published before the
// subscription are not lost.
func (m Main) HandleChat(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "id")
	entry, ok := m.chats.get(chatID)
	if !ok {
		http.Error(w, "Chat not found", http.StatusNotFound)
		return
	}

	data, err := m.chatboxData(chatID, entry.session)
	if err != nil {
		m.logger.Error("Failed to render messages",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := m.templates.ExecuteTemplate(w, "chatbox", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleCloseChat discards a conversation. A reply still streaming is abandoned and its remaining
// updates are dropped.
func (m Main) HandleCloseChat(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "id")
	entry, ok := m.chats.remove(chatID)
	if !ok {
		http.Error(w, "Chat not found", http.StatusNotFound)
		return
	}
	entry.close()

	e := &sse.Message{Type: closeChatSSEType}
	e.AppendData(chatID)
	if err := m.sseSrv.Publish(e, chatIDTopic(chatID)); err != nil {
		m.logger.Error("Failed to publish close chat",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
	}
	if err := m.publishChats(""); err != nil {
		m.logger.Error("Failed to publish chats", slog.String(errLoggerKey, err.Error()))
	}

	w.WriteHeader(http.StatusNoContent)
}

func (m Main) newChatEntry(chatID string) *chatEntry {
	session := chat.NewSession(m.transport, m.chatCfg)
	return &chatEntry{
		info: models.Chat{
			ID:      chatID,
			Updated: time.Now(),
		},
		session:     session,
		unsubscribe: session.Subscribe(m.publisher(chatID)),
	}
}

// token returns the stored bearer token. A missing or unreadable token is sent as empty, and the chat
// endpoint decides whether to accept the request.
func (m Main) token(ctx context.Context) string {
	token, err := m.credentials.Token(ctx, defaultProfile)
	if err != nil {
		m.logger.Warn("Failed to read token, sending request without it",
			slog.String(errLoggerKey, err.Error()))
		return ""
	}
	return token
}

// publisher pushes every update of a conversation's pending reply to the browser as a rendered message.
func (m Main) publisher(chatID string) chat.Listener {
	return chat.ListenerFunc(func(e chat.Event) {
		state := streamingStateStreaming
		switch e.Type {
		case chat.EventCompleted:
			state = streamingStateEnded
		case chat.EventFailed:
			state = streamingStateFailed
		}

		if err := m.publishMessage(chatID, e.Index, e.Content, state); err != nil {
			m.logger.Error("Failed to publish message",
				slog.String("chatID", chatID),
				slog.Int("index", e.Index),
				slog.String(errLoggerKey, err.Error()))
		}

		if e.Type == chat.EventDelta {
			return
		}

		m.chats.touch(chatID, time.Now())

		msg := &sse.Message{Type: closeMessageSSEType}
		msg.AppendData(messageID(chatID, e.Index))
		_ = m.sseSrv.Publish(msg, chatIDTopic(chatID))
	})
}

func (m Main) publishMessage(chatID string, index int, content, state string) error {
	rendered, err := m.renderMessage(message{
		ID:             messageID(chatID, index),
		Role:           string(models.RoleAssistant),
		StreamingState: state,
	}, content)
	if err != nil {
		return err
	}

	msg := &sse.Message{Type: messagesSSEType}
	msg.AppendData(rendered)
	if err := m.sseSrv.Publish(msg, chatIDTopic(chatID)); err != nil {
		return fmt.Errorf("failed to publish: %w", err)
	}
	return nil
}

func (m Main) renderMessage(msg message, content string) (string, error) {
	rc, err := models.RenderContent(content)
	if err != nil {
		return "", fmt.Errorf("failed to render content: %w", err)
	}
	msg.Content = template.HTML(rc)

	var sb strings.Builder
	if err := m.templates.ExecuteTemplate(&sb, "ai_message", msg); err != nil {
		return "", fmt.Errorf("failed to execute ai_message template: %w", err)
	}
	return sb.String(), nil
}

func (m Main) chatboxData(chatID string, session *chat.Session) (chatboxData, error) {
	snap := session.Snapshot()

	msgs := make([]message, len(snap.Messages))
	for i, msg := range snap.Messages {
		view, err := messageView(chatID, i, msg, snap.Pending, snap.Failed(i))
		if err != nil {
			return chatboxData{}, err
		}
		msgs[i] = view
	}

	return chatboxData{
		CurrentChatID: chatID,
		Messages:      msgs,
	}, nil
}

// messageView renders message i of a conversation. pending is the index of the message being filled,
// or -1.
func messageView(chatID string, i int, msg models.ChatMessage, pending int, failed bool) (message, error) {
	state := streamingStateEnded
	switch {
	case i == pending && msg.Content == "":
		state = streamingStateLoading
	case i == pending:
		state = streamingStateStreaming
	case failed:
		state = streamingStateFailed
	}

	content, err := models.RenderContent(msg.Content)
	if err != nil {
		return message{}, fmt.Errorf("failed to render message %d: %w", i, err)
	}
	return message{
		ID:             messageID(chatID, i),
		Role:           string(msg.Role),
		Content:        template.HTML(content),
		StreamingState: state,
	}, nil
}

func (m Main) publishChats(activeID string) error {
	divs, err := m.chatDivs(activeID)
	if err != nil {
		return err
	}

	msg := &sse.Message{Type: chatsSSEType}
	msg.AppendData(divs)
	if err := m.sseSrv.Publish(msg, chatsSSETopic); err != nil {
		return fmt.Errorf("failed to publish chats: %w", err)
	}
	return nil
}

func (m Main) chatDivs(activeID string) (string, error) {
	var sb strings.Builder
	for _, ch := range m.chats.list() {
		err := m.templates.ExecuteTemplate(&sb, "chat_title", chatTitle{
			ID:     ch.ID,
			Title:  ch.Title,
			Active: ch.ID == activeID,
		})
		if err != nil {
			return "", fmt.Errorf("failed to execute chat_title template: %w", err)
		}
	}
	return sb.String(), nil
}

func messageID(chatID string, index int) string {
	return fmt.Sprintf("message-%s-%d", chatID, index)
}

func (e *chatEntry) close() {
	e.unsubscribe()
	e.session.Close()
}

func (c *chatRegistry) add(e *chatEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chats[e.info.ID] = e
}

func (c *chatRegistry) get(id string) (*chatEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.chats[id]
	return e, ok
}

func (c *chatRegistry) remove(id string) (*chatEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.chats[id]
	if ok {
		delete(c.chats, id)
	}
	return e, ok
}

func (c *chatRegistry) drain() []*chatEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*chatEntry, 0, len(c.chats))
	for id, e := range c.chats {
		out = append(out, e)
		delete(c.chats, id)
	}
	return out
}

func (c *chatRegistry) touch(id string, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.chats[id]; ok {
		e.info.Updated = at
	}
}

// list returns the chats, most recently updated first.
func (c *chatRegistry) list() []models.Chat {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Chat, 0, len(c.chats))
	for _, e := range c.chats {
		out = append(out, e.info)
	}
	slices.SortFunc(out, func(a, b models.Chat) int {
		if n := b.Updated.Compare(a.Updated); n != 0 {
			return n
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}
