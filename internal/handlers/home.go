package handlers

import (
	"log/slog"
	"net/http"
)

type homePageData struct {
	Chats []chatTitle

	CurrentChatID string
	Messages      []message
}

// HandleHome renders the chat panel. With a chat_id query parameter of an open conversation, the
// conversation is shown with its transcript; otherwise an empty chatbox starts a new one.
func (m Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	var data homePageData

	chatID := r.URL.Query().Get("chat_id")
	if entry, ok := m.chats.get(chatID); ok {
		cd, err := m.chatboxData(chatID, entry.session)
		if err != nil {
			m.logger.Error("Failed to render messages",
				slog.String("chatID", chatID),
				slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		data.CurrentChatID = cd.CurrentChatID
		data.Messages = cd.Messages
	} else if chatID != "" {
		m.logger.Warn("Unknown chat requested", slog.String("chatID", chatID))
	}

	for _, ch := range m.chats.list() {
		data.Chats = append(data.Chats, chatTitle{
			ID:     ch.ID,
			Title:  ch.Title,
			Active: ch.ID == data.CurrentChatID,
		})
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := m.templates.ExecuteTemplate(w, "home.html", data); err != nil {
		m.logger.Error("Failed to render home page", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
