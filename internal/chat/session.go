package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MegaGrindStone/cadre-chat/internal/models"
)

// State is the lifecycle state of a turn.
type State int32

const (
	// StateIdle means no turn is in flight and Send may be called.
	StateIdle State = iota
	// StateSending means the request was issued and the response headers are awaited.
	StateSending
	// StateStreaming means the response body is being read.
	StateStreaming
	// StateCompleted is reached on the "[DONE]" sentinel or at end of stream.
	StateCompleted
	// StateFailed is reached on a non-2xx status, a missing body, or a read error.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// FailureMessage replaces the pending assistant message when a turn fails.
const FailureMessage = "Sorry, the assistant is unavailable right now. Please try again later."

var (
	// ErrEmptyMessage is returned by Send for a message that is empty after trimming whitespace.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrBusy is returned by Send while another turn of the same session is in flight.
	ErrBusy = errors.New("a reply is still streaming")
	// ErrClosed is returned by Send after the session was closed.
	ErrClosed = errors.New("session is closed")
	// ErrReadTimeout is the cause of a turn that received no data for longer than Config.ReadTimeout.
	ErrReadTimeout = errors.New("stream read timed out")
)

const errLoggerKey = "err"

// Config tunes how a session reads reply streams.
type Config struct {
	// ChunkSize is the size of each read from the response body. Defaults to DefaultChunkSize.
	ChunkSize int
	// ReadTimeout fails a turn when no data arrives for this long. Zero waits forever.
	ReadTimeout time.Duration
	// Logger receives diagnostics such as skipped malformed lines. Defaults to slog.Default().
	Logger *slog.Logger
}

// Session is the transcript of one conversation together with its reply stream consumer. Sessions are
// safe for concurrent use. A session has at most one turn in flight; Send refuses to start a second one
// instead of waiting for the first.
type Session struct {
	transport Transport
	chunkSize int
	timeout   time.Duration
	logger    *slog.Logger

	mu        sync.Mutex
	messages  []models.ChatMessage
	failed    map[int]bool
	active    *Turn
	closed    bool
	listeners map[int]Listener
	nextID    int
	done      chan struct{}

	// dispatchMu keeps events of consecutive turns in order.
	dispatchMu sync.Mutex
}

// NewSession creates an empty session that opens reply streams through transport.
func NewSession(transport Transport, cfg Config) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	return &Session{
		transport: transport,
		chunkSize: chunkSize,
		timeout:   cfg.ReadTimeout,
		logger:    logger.With(slog.String("module", "chat")),
		failed:    make(map[int]bool),
		listeners: make(map[int]Listener),
		done:      make(chan struct{}),
	}
}

// Messages returns a copy of the transcript in display order.
func (s *Session) Messages() []models.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.ChatMessage, len(s.messages))
	copy(out, s.messages)
	return out
}

// PendingIndex returns the index of the assistant message being filled, or -1 when no turn is in flight.
func (s *Session) PendingIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == nil {
		return -1
	}
	return s.active.index
}

// State returns the state of the in-flight turn, or StateIdle.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == nil {
		return StateIdle
	}
	return s.active.State()
}

// Snapshot is the transcript of a session taken at one instant.
type Snapshot struct {
	Messages []models.ChatMessage
	// Pending is the index of the assistant message being filled, or -1.
	Pending int

	failed map[int]bool
}

// Failed reports whether message i is the assistant message of a failed turn.
func (s Snapshot) Failed(i int) bool {
	return s.failed[i]
}

// Snapshot returns a copy of the transcript together with its pending index and the failed turns.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Messages: make([]models.ChatMessage, len(s.messages)),
		Pending:  -1,
		failed:   make(map[int]bool, len(s.failed)),
	}
	copy(snap.Messages, s.messages)
	if s.active != nil {
		snap.Pending = s.active.index
	}
	for i := range s.failed {
		snap.failed[i] = true
	}
	return snap
}

// Subscribe registers l for the session's events and returns a function removing it. Removing twice is
// harmless.
func (s *Session) Subscribe(l Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return func() {}
	}
	id := s.nextID
	s.nextID++
	s.listeners[id] = l

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// Events subscribes a buffered channel to the session's events, for consumers that prefer receiving from
// a channel over being called. Deltas are dropped when the channel is full, which is harmless because
// every event carries the full content. A terminal event waits for room until the session is closed or
// stop is called, so the receiver must keep draining until it sees one or calls stop first. stop may be
// called more than once.
func (s *Session) Events(size int) (events <-chan Event, stop func()) {
	ch := make(chan Event, size)
	quit := make(chan struct{})

	unsubscribe := s.Subscribe(ListenerFunc(func(e Event) {
		if e.Type == EventDelta {
			select {
			case ch <- e:
			default:
			}
			return
		}
		select {
		case ch <- e:
		case <-quit:
		case <-s.done:
		}
	}))

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			unsubscribe()
			close(quit)
		})
	}
}

// Close detaches every listener and refuses further sends. A turn in flight is not interrupted; it runs
// to its natural end and its remaining events are dropped.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
	clear(s.listeners)
}

// Send starts a turn: it appends the user message and an empty assistant placeholder, then streams the
// reply into the placeholder on a new goroutine. The history sent along is the transcript as it stood
// before this turn, minus the assistant messages of failed turns. token is sent as a bearer token and
// may be empty.
//
// Send returns ErrEmptyMessage, ErrBusy, or ErrClosed without touching the transcript when the turn
// cannot start. Failures of the turn itself are never returned; they end the turn in StateFailed and
// replace the placeholder with FailureMessage. ctx bounds the whole turn.
func (s *Session) Send(ctx context.Context, message, token string) (*Turn, error) {
	if strings.TrimSpace(message) == "" {
		return nil, ErrEmptyMessage
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if s.active != nil {
		s.mu.Unlock()
		return nil, ErrBusy
	}

	history := make([]models.ChatMessage, 0, len(s.messages))
	for i, msg := range s.messages {
		if s.failed[i] {
			continue
		}
		history = append(history, msg)
	}

	s.messages = append(s.messages,
		models.ChatMessage{Role: models.RoleUser, Content: message},
		models.ChatMessage{Role: models.RoleAssistant},
	)
	t := newTurn(len(s.messages) - 1)
	s.active = t
	s.mu.Unlock()

	go s.run(ctx, t, Request{
		Message: message,
		History: history,
		Token:   token,
	})

	return t, nil
}

func (s *Session) run(ctx context.Context, t *Turn, req Request) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	body, err := s.transport.Open(ctx, req)
	if err != nil {
		s.fail(t, "", fmt.Errorf("error opening stream: %w", err))
		return
	}
	if body == nil {
		s.fail(t, "", ErrStreamUnsupported)
		return
	}
	defer body.Close()

	t.state.Store(int32(StateStreaming))

	var r io.Reader = body
	if s.timeout > 0 {
		ir := newIdleTimeoutReader(body, s.timeout, cancel)
		defer ir.stop()
		r = ir
	}

	var acc strings.Builder
	for f, err := range Decode(r, s.chunkSize) {
		if err != nil {
			s.fail(t, acc.String(), fmt.Errorf("error reading stream: %w", err))
			return
		}

		switch f.Kind {
		case FrameMalformed:
			s.logger.Warn("Skipping malformed event",
				slog.String("line", f.Line),
				slog.String(errLoggerKey, f.Err.Error()))
		case FrameDelta:
			if f.Content == "" {
				continue
			}
			acc.WriteString(f.Content)
			s.apply(t, f.Content, acc.String())
		case FrameDone:
			s.logger.Debug("Received done sentinel", slog.Int("index", t.index))
		}
	}

	s.complete(t, acc.String())
}

func (s *Session) apply(t *Turn, delta, content string) {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	s.mu.Lock()
	s.messages[t.index].Content = content
	listeners := s.snapshotListeners()
	s.mu.Unlock()

	dispatch(listeners, Event{
		Type:    EventDelta,
		Index:   t.index,
		Delta:   delta,
		Content: content,
	})
}

func (s *Session) complete(t *Turn, content string) {
	s.finish(t, StateCompleted, content, nil, Event{
		Type:    EventCompleted,
		Index:   t.index,
		Content: content,
	})
}

func (s *Session) fail(t *Turn, partial string, err error) {
	s.logger.Error("Chat turn failed",
		slog.Int("index", t.index),
		slog.Int("partialLen", len(partial)),
		slog.String(errLoggerKey, err.Error()))

	s.finish(t, StateFailed, FailureMessage, err, Event{
		Type:    EventFailed,
		Index:   t.index,
		Content: FailureMessage,
		Partial: partial,
		Err:     err,
	})
}

func (s *Session) finish(t *Turn, state State, content string, err error, e Event) {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	s.mu.Lock()
	s.messages[t.index].Content = content
	if state == StateFailed {
		s.failed[t.index] = true
	}
	s.active = nil
	listeners := s.snapshotListeners()
	s.mu.Unlock()

	t.err = err
	t.state.Store(int32(state))

	dispatch(listeners, e)
	close(t.done)
}

// snapshotListeners must be called with s.mu held.
func (s *Session) snapshotListeners() []Listener {
	if len(s.listeners) == 0 {
		return nil
	}
	out := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		out = append(out, l)
	}
	return out
}

func dispatch(listeners []Listener, e Event) {
	for _, l := range listeners {
		l.OnEvent(e)
	}
}

// Turn is the handle of one in-flight exchange.
type Turn struct {
	index int
	state atomic.Int32
	done  chan struct{}
	err   error
}

func newTurn(index int) *Turn {
	t := &Turn{
		index: index,
		done:  make(chan struct{}),
	}
	t.state.Store(int32(StateSending))
	return t
}

// Index returns the position of the turn's assistant message in the transcript.
func (t *Turn) Index() int {
	return t.index
}

// State returns the current state of the turn.
func (t *Turn) State() State {
	return State(t.state.Load())
}

// Done returns a channel closed once the turn reached StateCompleted or StateFailed and its terminal
// event was dispatched.
func (t *Turn) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the turn ends or ctx is done. It returns the cause of a failed turn, nil for a
// completed one, or the context error.
func (t *Turn) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// idleTimeoutReader aborts a body that stays silent for longer than timeout by cancelling the request
// and closing the body, which unblocks a pending Read.
type idleTimeoutReader struct {
	r       io.Reader
	timeout time.Duration
	timer   *time.Timer
	expired atomic.Bool
}

func newIdleTimeoutReader(rc io.ReadCloser, timeout time.Duration, cancel context.CancelFunc) *idleTimeoutReader {
	ir := &idleTimeoutReader{r: rc, timeout: timeout}
	ir.timer = time.AfterFunc(timeout, func() {
		ir.expired.Store(true)
		cancel()
		_ = rc.Close()
	})
	return ir
}

func (ir *idleTimeoutReader) Read(p []byte) (int, error) {
	n, err := ir.r.Read(p)
	if ir.expired.Load() {
		return n, ErrReadTimeout
	}
	ir.timer.Reset(ir.timeout)
	return n, err
}

func (ir *idleTimeoutReader) stop() {
	ir.timer.Stop()
}
