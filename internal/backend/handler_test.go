package backend_test

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MegaGrindStone/cadre-chat/internal/backend"
	"github.com/MegaGrindStone/cadre-chat/internal/chat"
	"github.com/MegaGrindStone/cadre-chat/internal/models"
	"github.com/MegaGrindStone/cadre-chat/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmaxmax/go-sse"
)

type mockLLM struct {
	chunks []string
	err    error

	got []models.ChatMessage
}

func (m *mockLLM) Chat(_ context.Context, messages []models.ChatMessage) iter.Seq2[string, error] {
	m.got = messages
	return func(yield func(string, error) bool) {
		for _, c := range m.chunks {
			if !yield(c, nil) {
				return
			}
		}
		if m.err != nil {
			yield("", m.err)
		}
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func post(h http.Handler, body, auth string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, backend.Path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandlerStreams(t *testing.T) {
	llm := &mockLLM{chunks: []string{"Team ", "output <up>", " 12%"}}
	h := backend.NewHandler(llm, "", discardLogger())

	rec := post(h, `{"message":"how was the week?","history":[{"role":"user","content":"hi"},{"role":"assistant","content":"hello"}]}`, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	assert.Equal(t, []models.ChatMessage{
		{Role: models.RoleUser, Content: "hi"},
		{Role: models.RoleAssistant, Content: "hello"},
		{Role: models.RoleUser, Content: "how was the week?"},
	}, llm.got)

	var content strings.Builder
	var kinds []chat.FrameKind
	for f, err := range chat.Decode(strings.NewReader(rec.Body.String()), chat.DefaultChunkSize) {
		require.NoError(t, err)
		kinds = append(kinds, f.Kind)
		content.WriteString(f.Content)
	}
	assert.Equal(t, "Team output <up> 12%", content.String())
	assert.Equal(t, []chat.FrameKind{chat.FrameDelta, chat.FrameDelta, chat.FrameDelta, chat.FrameDone}, kinds)

	var data []string
	for ev, err := range sse.Read(strings.NewReader(rec.Body.String()), nil) {
		require.NoError(t, err)
		data = append(data, ev.Data)
	}
	require.Len(t, data, 4)
	assert.Equal(t, "[DONE]", data[3])
}

func TestHandlerLLMError(t *testing.T) {
	llm := &mockLLM{chunks: []string{"partial"}, err: errors.New("model unloaded")}
	h := backend.NewHandler(llm, "", discardLogger())

	rec := post(h, `{"message":"hi","history":[]}`, "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, `data: {"content":"partial"}`)
	assert.NotContains(t, body, "[DONE]")
}

func TestHandlerRejects(t *testing.T) {
	tests := []struct {
		name     string
		method   string
		body     string
		auth     string
		wantCode int
	}{
		{
			name:     "Wrong method",
			method:   http.MethodGet,
			auth:     "Bearer secret",
			wantCode: http.StatusMethodNotAllowed,
		},
		{
			name:     "Missing credential",
			method:   http.MethodPost,
			body:     `{"message":"hi"}`,
			wantCode: http.StatusUnauthorized,
		},
		{
			name:     "Wrong credential",
			method:   http.MethodPost,
			body:     `{"message":"hi"}`,
			auth:     "Bearer nope",
			wantCode: http.StatusUnauthorized,
		},
		{
			name:     "Invalid body",
			method:   http.MethodPost,
			body:     `{"message":`,
			auth:     "Bearer secret",
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "Blank message",
			method:   http.MethodPost,
			body:     `{"message":"  ","history":[]}`,
			auth:     "Bearer secret",
			wantCode: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			llm := &mockLLM{chunks: []string{"never"}}
			h := backend.NewHandler(llm, "secret", discardLogger())

			req := httptest.NewRequest(tt.method, backend.Path, strings.NewReader(tt.body))
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Nil(t, llm.got)
		})
	}
}

func TestHandlerWithSession(t *testing.T) {
	llm := &mockLLM{chunks: []string{"Hel", "lo"}}
	mux := http.NewServeMux()
	mux.Handle(backend.Path, backend.NewHandler(llm, "secret", discardLogger()))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	s := chat.NewSession(services.NewWeeklyReport(srv.URL, nil, discardLogger()), chat.Config{
		Logger: discardLogger(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	turn, err := s.Send(ctx, "hi", "secret")
	require.NoError(t, err)
	require.NoError(t, turn.Wait(ctx))
	assert.Equal(t, chat.StateCompleted, turn.State())
	assert.Equal(t, "Hello", s.Messages()[1].Content)

	// A wrong credential fails the turn with the fixed message.
	turn, err = s.Send(ctx, "again", "wrong")
	require.NoError(t, err)

	var statusErr *chat.StatusError
	require.ErrorAs(t, turn.Wait(ctx), &statusErr)
	assert.Equal(t, http.StatusUnauthorized, statusErr.Code)
	assert.Equal(t, chat.FailureMessage, s.Messages()[3].Content)
}
