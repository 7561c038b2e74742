package handlers

import (
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"sync"
	"time"

	cadrechat "github.com/MegaGrindStone/cadre-chat"
	"github.com/MegaGrindStone/cadre-chat/internal/chat"
	"github.com/MegaGrindStone/cadre-chat/internal/models"
	"github.com/tmaxmax/go-sse"
)

// CredentialStore keeps the bearer tokens sent with chat requests, keyed by profile.
type CredentialStore interface {
	Token(ctx context.Context, profile string) (string, error)
	SetToken(ctx context.Context, profile, token string) error
}

// Main handles the chat panel: HTML pages, server-sent events, and the conversations that stream their
// replies from the weekly-report chat endpoint.
type Main struct {
	sseSrv    *sse.Server
	templates *template.Template

	transport   chat.Transport
	credentials CredentialStore
	chatCfg     chat.Config

	chats *chatRegistry

	logger *slog.Logger
}

type chatRegistry struct {
	mu    sync.Mutex
	chats map[string]*chatEntry
}

type chatEntry struct {
	// info is guarded by the registry mutex.
	info        models.Chat
	session     *chat.Session
	unsubscribe func()
}

const (
	chatsSSETopic = "chats"

	// defaultProfile is the credential profile used by the panel.
	defaultProfile = "default"

	shutdownTimeout = 5 * time.Second

	errLoggerKey = "err"
)

// NewMain creates a new Main instance. Conversations open their reply streams through transport, and read
// the bearer token from credentials before every send. It parses the HTML templates from the embedded
// filesystem and prepares the SSE server, which subscribes every client to the chat list and, when a
// chat_id query parameter is given, to the updates of that conversation.
func NewMain(transport chat.Transport, credentials CredentialStore, chatCfg chat.Config, logger *slog.Logger) (Main, error) {
	// We parse templates from three distinct directories to separate layout, pages, and partial views
	tmpl, err := template.ParseFS(
		cadrechat.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return Main{}, fmt.Errorf("failed to parse templates: %w", err)
	}

	if chatCfg.Logger == nil {
		chatCfg.Logger = logger
	}

	return Main{
		sseSrv: &sse.Server{
			OnSession: func(_ http.ResponseWriter, r *http.Request) ([]string, bool) {
				topics := []string{sse.DefaultTopic, chatsSSETopic}

				if chatID := r.URL.Query().Get("chat_id"); chatID != "" {
					topics = append(topics, chatIDTopic(chatID))
				}

				return topics, true
			},
		},
		templates:   tmpl,
		transport:   transport,
		credentials: credentials,
		chatCfg:     chatCfg,
		chats: &chatRegistry{
			chats: make(map[string]*chatEntry),
		},
		logger: logger.With(slog.String("module", "main")),
	}, nil
}

func chatIDTopic(chatID string) string {
	return fmt.Sprintf("chat-%s", chatID)
}

// HandleSSE serves the event stream the browser subscribes to.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}

// HandleHealth reports that the server is up.
func (m Main) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

// HandleToken stores the bearer token sent with subsequent chat requests. An empty token clears it.
func (m Main) HandleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := m.credentials.SetToken(r.Context(), defaultProfile, r.FormValue("token")); err != nil {
		m.logger.Error("Failed to store token", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Shutdown gracefully terminates the Main instance. It broadcasts a close event to all connected clients,
// closes every conversation so in-flight replies stop publishing, and waits up to 5 seconds for the SSE
// connections to terminate. After the timeout, any remaining connections are forcefully closed.
func (m Main) Shutdown(ctx context.Context) error {
	e := &sse.Message{Type: closeChatSSEType}
	// Browsers drop events without data.
	e.AppendData("bye")

	// We ignore the error here since we're shutting down anyway
	_ = m.sseSrv.Publish(e)

	for _, entry := range m.chats.drain() {
		entry.close()
	}

	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}
