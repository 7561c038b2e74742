package main

import (
	"context"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/MegaGrindStone/cadre-chat/internal/backend"
	"github.com/MegaGrindStone/cadre-chat/internal/chat"
	"github.com/MegaGrindStone/cadre-chat/internal/handlers"
	"github.com/MegaGrindStone/cadre-chat/internal/models"
	"github.com/MegaGrindStone/cadre-chat/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoLLM struct{}

func (echoLLM) Chat(_ context.Context, messages []models.ChatMessage) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		last := messages[len(messages)-1].Content
		for _, word := range strings.Fields("You said: " + last) {
			if !yield(word+" ", nil) {
				return
			}
		}
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// The panel talks to the development backend mounted on the same server.
func TestRouterWithBackend(t *testing.T) {
	ctx := context.Background()
	logger := discardLogger()

	srv := httptest.NewUnstartedServer(nil)
	// Start refuses a preset URL, so the address is taken from the listener.
	baseURL := "http://" + srv.Listener.Addr().String()
	defer srv.Close()

	store, err := services.NewBoltDB(t.TempDir() + "/store.db")
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.SetToken(ctx, "default", "secret"))

	m, err := handlers.NewMain(services.NewWeeklyReport(baseURL, nil, logger), store, chat.Config{}, logger)
	require.NoError(t, err)
	defer m.Shutdown(ctx)

	h, err := newRouter(m, backend.NewHandler(echoLLM{}, "secret", logger), logger)
	require.NoError(t, err)
	srv.Config.Handler = h
	srv.Start()

	for _, path := range []string{"/healthz", "/static/app.js", "/static/style.css", "/"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}

	resp, err := http.PostForm(srv.URL+"/chats", url.Values{"message": {"weekly totals"}})
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	match := regexp.MustCompile(`data-chat-id="([0-9a-f-]{36})"`).FindStringSubmatch(string(body))
	require.NotNil(t, match)
	chatID := match[1]

	require.Eventually(t, func() bool {
		resp, err := http.Get(srv.URL + "/chats/" + chatID)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return strings.Contains(string(b), "You said: weekly totals") &&
			strings.Contains(string(b), `data-state="ended"`)
	}, 5*time.Second, 20*time.Millisecond)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/chats/"+chatID, nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

// A wrong stored token is rejected by the backend and shown as the failure message.
func TestRouterWithBackendUnauthorized(t *testing.T) {
	ctx := context.Background()
	logger := discardLogger()

	srv := httptest.NewUnstartedServer(nil)
	// Start refuses a preset URL, so the address is taken from the listener.
	baseURL := "http://" + srv.Listener.Addr().String()
	defer srv.Close()

	store, err := services.NewBoltDB(t.TempDir() + "/store.db")
	require.NoError(t, err)
	defer store.Close()

	m, err := handlers.NewMain(services.NewWeeklyReport(baseURL, nil, logger), store, chat.Config{}, logger)
	require.NoError(t, err)
	defer m.Shutdown(ctx)

	h, err := newRouter(m, backend.NewHandler(echoLLM{}, "secret", logger), logger)
	require.NoError(t, err)
	srv.Config.Handler = h
	srv.Start()

	resp, err := http.PostForm(srv.URL+"/chats", url.Values{"message": {"weekly totals"}})
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	chatID := regexp.MustCompile(`data-chat-id="([0-9a-f-]{36})"`).FindStringSubmatch(string(body))[1]

	require.Eventually(t, func() bool {
		resp, err := http.Get(srv.URL + "/chats/" + chatID)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return strings.Contains(string(b), `data-state="failed"`)
	}, 5*time.Second, 20*time.Millisecond)
}
