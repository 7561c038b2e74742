package chat

import "fmt"

// EventType identifies what happened to the pending assistant message.
type EventType int

const (
	// EventDelta is emitted after a delta was applied to the pending assistant message.
	EventDelta EventType = iota + 1
	// EventCompleted is emitted once when a turn reaches StateCompleted.
	EventCompleted
	// EventFailed is emitted once when a turn reaches StateFailed.
	EventFailed
)

func (t EventType) String() string {
	switch t {
	case EventDelta:
		return "delta"
	case EventCompleted:
		return "completed"
	case EventFailed:
		return "failed"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Event describes an update of a session's transcript.
type Event struct {
	Type EventType
	// Index is the position of the assistant message the event refers to.
	Index int
	// Delta is the text appended by an EventDelta.
	Delta string
	// Content is the full content of the message after the event. It is always safe to replace the
	// displayed message with it.
	Content string

	// Partial is the text accumulated before an EventFailed. It is not part of the transcript.
	Partial string
	// Err is the cause of an EventFailed.
	Err error
}

// Listener receives session events. OnEvent is called from the goroutine running the turn, one event at
// a time and in order. Events of a later turn are held back until OnEvent returns, so it should not
// block for long.
type Listener interface {
	OnEvent(Event)
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(Event)

// OnEvent implements Listener.
func (f ListenerFunc) OnEvent(e Event) {
	f(e)
}
