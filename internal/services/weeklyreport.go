package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MegaGrindStone/cadre-chat/internal/chat"
	"github.com/MegaGrindStone/cadre-chat/internal/models"
)

// WeeklyReport is the transport of the weekly-report assistant. It posts a chat turn to the backend and
// hands back the streamed response body.
type WeeklyReport struct {
	endpoint string

	client *http.Client

	logger *slog.Logger
}

const (
	weeklyReportChatPath = "/weekly-report/ai-chat"

	// maxErrorBody bounds how much of a failed response is kept for the error message.
	maxErrorBody = 1 << 10
)

// NewWeeklyReport creates a WeeklyReport transport for the backend rooted at baseURL. If client is nil,
// a client without timeout is used, since replies stream for as long as the model generates.
func NewWeeklyReport(baseURL string, client *http.Client, logger *slog.Logger) WeeklyReport {
	if client == nil {
		client = &http.Client{}
	}
	return WeeklyReport{
		endpoint: strings.TrimRight(baseURL, "/") + weeklyReportChatPath,
		client:   client,
		logger:   logger.With(slog.String("module", "weeklyreport")),
	}
}

// Endpoint returns the URL chat turns are posted to.
func (w WeeklyReport) Endpoint() string {
	return w.endpoint
}

// Open implements chat.Transport. A non-2xx answer is returned as a *chat.StatusError and its body is
// closed.
func (w WeeklyReport) Open(ctx context.Context, req chat.Request) (io.ReadCloser, error) {
	if req.History == nil {
		// The backend expects an array, never null.
		req.History = []models.ChatMessage{}
	}

	jsonBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+req.Token)

	w.logger.Debug("Opening chat stream",
		slog.String("endpoint", w.endpoint),
		slog.Int("historyLen", len(req.History)),
		slog.Bool("hasToken", req.Token != ""))

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var body []byte
		if resp.Body != nil {
			body, _ = io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			resp.Body.Close()
		}
		return nil, &chat.StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	if resp.Body == nil {
		return nil, chat.ErrStreamUnsupported
	}

	return resp.Body, nil
}
