package chat

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/MegaGrindStone/cadre-chat/internal/models"
)

// Transport opens the response body of one chat turn. Implementations issue the request and return the
// body only for a 2xx response; the caller reads it incrementally and closes it.
type Transport interface {
	Open(ctx context.Context, req Request) (io.ReadCloser, error)
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, req Request) (io.ReadCloser, error)

// Open implements Transport.
func (f TransportFunc) Open(ctx context.Context, req Request) (io.ReadCloser, error) {
	return f(ctx, req)
}

// Request is the body of a chat turn, plus the bearer token the caller supplies for it.
type Request struct {
	Message string               `json:"message"`
	History []models.ChatMessage `json:"history"`

	// Token is sent as "Authorization: Bearer <Token>". It may be empty.
	Token string `json:"-"`
}

// StatusError is returned by a Transport when the endpoint answers with a non-2xx status.
type StatusError struct {
	Code int
	Body string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status code: %d", e.Code)
	}
	return fmt.Sprintf("unexpected status code: %d, body: %s", e.Code, e.Body)
}

// ErrStreamUnsupported is returned when a response carries no readable body stream.
var ErrStreamUnsupported = errors.New("response body is not readable as a stream")
