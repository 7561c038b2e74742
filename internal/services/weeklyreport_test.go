package services_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MegaGrindStone/cadre-chat/internal/chat"
	"github.com/MegaGrindStone/cadre-chat/internal/models"
	"github.com/MegaGrindStone/cadre-chat/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWeeklyReportOpen(t *testing.T) {
	var (
		gotMethod string
		gotPath   string
		gotAuth   string
		gotType   string
		gotBody   map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotType = r.Header.Get("Content-Type")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"content\":\"hi\"}\n\ndata: [DONE]\n\n")
	}))
	defer srv.Close()

	wr := services.NewWeeklyReport(srv.URL+"/", nil, discardLogger())
	assert.Equal(t, srv.URL+"/weekly-report/ai-chat", wr.Endpoint())

	body, err := wr.Open(context.Background(), chat.Request{
		Message: "hello",
		History: []models.ChatMessage{{Role: models.RoleUser, Content: "before"}},
		Token:   "tok",
	})
	require.NoError(t, err)
	defer body.Close()

	raw, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "data: [DONE]")

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/weekly-report/ai-chat", gotPath)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "application/json", gotType)
	assert.Equal(t, "hello", gotBody["message"])
	assert.Equal(t, []any{map[string]any{"role": "user", "content": "before"}}, gotBody["history"])
	assert.NotContains(t, gotBody, "Token")
}

func TestWeeklyReportOpenWithoutToken(t *testing.T) {
	var gotAuth []string
	var gotHistory json.RawMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Values("Authorization")
		var body struct {
			History json.RawMessage `json:"history"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotHistory = body.History
	}))
	defer srv.Close()

	wr := services.NewWeeklyReport(srv.URL, nil, discardLogger())
	body, err := wr.Open(context.Background(), chat.Request{Message: "hello"})
	require.NoError(t, err)
	body.Close()

	// The header is still sent; net/http trims the trailing space of "Bearer ".
	require.Len(t, gotAuth, 1)
	assert.Equal(t, "Bearer", gotAuth[0])
	assert.JSONEq(t, "[]", string(gotHistory))
}

func TestWeeklyReportOpenStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "internal failure", http.StatusInternalServerError)
	}))
	defer srv.Close()

	wr := services.NewWeeklyReport(srv.URL, nil, discardLogger())
	body, err := wr.Open(context.Background(), chat.Request{Message: "hello"})
	assert.Nil(t, body)

	var statusErr *chat.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusInternalServerError, statusErr.Code)
	assert.Equal(t, "internal failure", statusErr.Body)
}

func TestWeeklyReportOpenUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	wr := services.NewWeeklyReport(url, nil, discardLogger())
	_, err := wr.Open(context.Background(), chat.Request{Message: "hello"})
	assert.Error(t, err)
}

// The session reads a flushed, chunked HTTP stream through the real transport.
func TestWeeklyReportSession(t *testing.T) {
	tests := []struct {
		name        string
		handler     http.HandlerFunc
		wantState   chat.State
		wantContent string
	}{
		{
			name: "Flushed chunks",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "text/event-stream")
				f := w.(http.Flusher)
				for _, chunk := range []string{"data: {\"content\":\"Hel", "lo\"}\n", "data: [DONE]\n"} {
					fmt.Fprint(w, chunk)
					f.Flush()
					time.Sleep(5 * time.Millisecond)
				}
			},
			wantState:   chat.StateCompleted,
			wantContent: "Hello",
		},
		{
			name: "Server error",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			},
			wantState:   chat.StateFailed,
			wantContent: chat.FailureMessage,
		},
		{
			name: "Unauthorized",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusUnauthorized)
			},
			wantState:   chat.StateFailed,
			wantContent: chat.FailureMessage,
		},
		{
			name:        "Empty body",
			handler:     func(http.ResponseWriter, *http.Request) {},
			wantState:   chat.StateCompleted,
			wantContent: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			s := chat.NewSession(services.NewWeeklyReport(srv.URL, nil, discardLogger()), chat.Config{
				Logger: discardLogger(),
			})
			turn, err := s.Send(context.Background(), "hello", "")
			require.NoError(t, err)

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = turn.Wait(ctx)

			assert.Equal(t, tt.wantState, turn.State())
			assert.Equal(t, tt.wantContent, s.Messages()[1].Content)
		})
	}
}
