// Package backend implements a development stand-in for the weekly-report chat endpoint. It accepts the same
// request the chat consumer sends and streams the reply of a language model back as data-framed events.
package backend

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MegaGrindStone/cadre-chat/internal/chat"
	"github.com/MegaGrindStone/cadre-chat/internal/models"
	"github.com/tmaxmax/go-sse"
)

// LLM represents a large language model that streams its reply to a conversation as text chunks.
type LLM interface {
	Chat(ctx context.Context, messages []models.ChatMessage) iter.Seq2[string, error]
}

// Handler serves the weekly-report chat endpoint.
type Handler struct {
	llm    LLM
	token  string
	logger *slog.Logger
}

type deltaPayload struct {
	Content string `json:"content"`
}

const (
	// Path is the route the chat consumer posts to.
	Path = "/weekly-report/ai-chat"

	doneData       = "[DONE]"
	maxRequestBody = 1 << 20

	errLoggerKey = "err"
)

// NewHandler creates a Handler backed by llm. When token is non-empty, requests must carry it as a bearer
// credential.
func NewHandler(llm LLM, token string, logger *slog.Logger) Handler {
	return Handler{
		llm:    llm,
		token:  token,
		logger: logger.With(slog.String("module", "backend")),
	}
}

func (h Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !h.authorized(r) {
		h.logger.Warn("Rejected request with invalid credential", slog.String("remoteAddr", r.RemoteAddr))
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req chat.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		h.logger.Warn("Failed to decode request", slog.String(errLoggerKey, err.Error()))
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		http.Error(w, "Message is required", http.StatusBadRequest)
		return
	}

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", slog.String(errLoggerKey, err.Error()))
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	messages := make([]models.ChatMessage, 0, len(req.History)+1)
	messages = append(messages, req.History...)
	messages = append(messages, models.ChatMessage{Role: models.RoleUser, Content: req.Message})

	h.logger.Debug("Streaming reply", slog.Int("historyLength", len(req.History)))

	if err := h.stream(r.Context(), sess, messages); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		h.logger.Error("Failed to stream reply", slog.String(errLoggerKey, err.Error()))
	}
}

func (h Handler) authorized(r *http.Request) bool {
	if h.token == "" {
		return true
	}
	got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) == 1
}

func (h Handler) stream(ctx context.Context, sess *sse.Session, messages []models.ChatMessage) error {
	for content, err := range h.llm.Chat(ctx, messages) {
		if err != nil {
			return fmt.Errorf("error from llm: %w", err)
		}
		if err := sendDelta(sess, content); err != nil {
			return err
		}
	}

	e := &sse.Message{}
	e.AppendData(doneData)
	if err := sess.Send(e); err != nil {
		return fmt.Errorf("error sending done event: %w", err)
	}
	if err := sess.Flush(); err != nil {
		return fmt.Errorf("error flushing done event: %w", err)
	}
	return nil
}

func sendDelta(sess *sse.Session, content string) error {
	data, err := json.Marshal(deltaPayload{Content: content})
	if err != nil {
		return fmt.Errorf("error marshaling delta: %w", err)
	}

	e := &sse.Message{}
	e.AppendData(string(data))
	if err := sess.Send(e); err != nil {
		return fmt.Errorf("error sending delta: %w", err)
	}
	if err := sess.Flush(); err != nil {
		return fmt.Errorf("error flushing delta: %w", err)
	}
	return nil
}
