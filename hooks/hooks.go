// Package hooks lets callers observe and steer a session at fixed
// interception points. Listeners run synchronously in priority order.
package hooks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/breez/table-sync/conflict"
	"github.com/breez/table-sync/logging"
	"github.com/breez/table-sync/types"
)

// EventType names an interception point.
type EventType string

const (
	EventPreStage        EventType = "PreStage"
	EventPostStage       EventType = "PostStage"
	EventPreTableChanges EventType = "PreTableChanges"
	EventPostApplyPart   EventType = "PostApplyPart"
	EventConflict        EventType = "Conflict"
	EventProgress        EventType = "Progress"
)

// ErrSkip asks to skip the table of a PreTableChanges event or the row of a
// Conflict event.
var ErrSkip = errors.New("skip")

// CancelError cancels the session it is returned in.
type CancelError struct {
	Reason string
}

func (e *CancelError) Error() string {
	return "session canceled: " + e.Reason
}

// Cancel returns the signal a listener uses to cancel the session.
func Cancel(reason string) error {
	return &CancelError{Reason: reason}
}

// IsCancel reports whether err carries a cancellation signal.
func IsCancel(err error) bool {
	var c *CancelError
	return errors.As(err, &c)
}

type Event interface {
	Type() EventType
	Payload() any
}

type baseEvent struct {
	eventType EventType
	payload   any
}

func (e *baseEvent) Type() EventType { return e.eventType }
func (e *baseEvent) Payload() any    { return e.payload }

// StagePayload is carried by PreStage and PostStage.
type StagePayload struct {
	SessionID string
	Scope     string
	Side      types.Side
	Stage     types.Stage
	// Err is the error the stage ended with, PostStage only.
	Err error
}

func NewPreStageEvent(p StagePayload) Event {
	return &baseEvent{eventType: EventPreStage, payload: p}
}

func NewPostStageEvent(p StagePayload) Event {
	return &baseEvent{eventType: EventPostStage, payload: p}
}

// Direction tells whether table changes are selected or applied.
type Direction string

const (
	DirectionSelect Direction = "select"
	DirectionApply  Direction = "apply"
)

// TablePayload is carried by PreTableChanges.
type TablePayload struct {
	SessionID string
	Side      types.Side
	Direction Direction
	Table     *types.Table
}

func NewPreTableChangesEvent(p TablePayload) Event {
	return &baseEvent{eventType: EventPreTableChanges, payload: p}
}

// PartPayload is carried by PostApplyPart.
type PartPayload struct {
	SessionID string
	Side      types.Side
	Table     string
	Index     int
	IsLast    bool
	Applied   int
	Failed    int
	Conflicts int
}

func NewPostApplyPartEvent(p PartPayload) Event {
	return &baseEvent{eventType: EventPostApplyPart, payload: p}
}

// ConflictPayload is carried by Conflict. A listener may change *Resolved
// to override the decision.
type ConflictPayload struct {
	SessionID string
	Side      types.Side
	Conflict  *conflict.Conflict
	Resolved  *conflict.Resolved
}

func NewConflictEvent(p ConflictPayload) Event {
	return &baseEvent{eventType: EventConflict, payload: p}
}

// ProgressPayload is carried by Progress.
type ProgressPayload struct {
	SessionID string
	Side      types.Side
	Stage     types.Stage
	Table     string
	Rows      int
	Parts     int
}

func NewProgressEvent(p ProgressPayload) Event {
	return &baseEvent{eventType: EventProgress, payload: p}
}

// Listener receives events. Lower priorities run first.
type Listener interface {
	OnEvent(ctx context.Context, event Event) error
	Priority() int
}

type funcListener struct {
	priority int
	fn       func(ctx context.Context, event Event) error
}

func (l *funcListener) OnEvent(ctx context.Context, event Event) error { return l.fn(ctx, event) }
func (l *funcListener) Priority() int                                  { return l.priority }

// ListenerFunc wraps a function as a Listener.
func ListenerFunc(priority int, fn func(ctx context.Context, event Event) error) Listener {
	return &funcListener{priority: priority, fn: fn}
}

// Manager dispatches events to registered listeners.
type Manager struct {
	mu        sync.RWMutex
	listeners map[EventType][]Listener
	logger    logging.Logger
}

func NewManager() *Manager {
	return &Manager{
		listeners: make(map[EventType][]Listener),
		logger:    logging.New("hooks"),
	}
}

// Register adds a listener. Listeners of equal priority run in registration
// order.
func (m *Manager) Register(eventType EventType, listener Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l := m.listeners[eventType]
	idx := sort.Search(len(l), func(i int) bool {
		return l[i].Priority() > listener.Priority()
	})
	l = append(l, nil)
	copy(l[idx+1:], l[idx:])
	l[idx] = listener
	m.listeners[eventType] = l
}

// Trigger runs the listeners of the event in priority order. On Pre and
// Conflict events the first error stops the dispatch and is returned; ErrSkip
// is returned as is and any other error becomes a cancellation. On other
// events only cancellations are returned, other errors are logged.
func (m *Manager) Trigger(ctx context.Context, event Event) error {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	listeners := m.listeners[event.Type()]
	m.mu.RUnlock()

	blocking := strings.HasPrefix(string(event.Type()), "Pre") || event.Type() == EventConflict
	for _, l := range listeners {
		err := l.OnEvent(ctx, event)
		if err == nil {
			continue
		}
		if IsCancel(err) {
			return err
		}
		if !blocking {
			m.logger.Errorf("listener for %s (priority %d) failed: %v", event.Type(), l.Priority(), err)
			continue
		}
		if errors.Is(err, ErrSkip) {
			return err
		}
		return &CancelError{Reason: fmt.Sprintf("%s listener: %v", event.Type(), err)}
	}
	return nil
}
