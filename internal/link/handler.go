package link

import (
	"github.com/sirupsen/logrus"
	"github.com/srg/ubplink/internal/frame"
	"github.com/srg/ubplink/internal/ringchan"
)

// Handler consumes link results. Callbacks run on the session loop and must not block.
type Handler interface {
	// OnDiscovered is called once per scan window, in discovery order.
	OnDiscovered(devices []Device)
	// OnStateChanged is called for every state change, and once on registration.
	OnStateChanged(state State)
	// OnMessage is called for every frame whose checksum validated.
	OnMessage(msg frame.Message)
}

// HandlerFuncs adapts plain functions to Handler. Nil fields are ignored.
type HandlerFuncs struct {
	Discovered   func([]Device)
	StateChanged func(State)
	Message      func(frame.Message)
}

func (h HandlerFuncs) OnDiscovered(devices []Device) {
	if h.Discovered != nil {
		h.Discovered(devices)
	}
}

func (h HandlerFuncs) OnStateChanged(state State) {
	if h.StateChanged != nil {
		h.StateChanged(state)
	}
}

func (h HandlerFuncs) OnMessage(msg frame.Message) {
	if h.Message != nil {
		h.Message(msg)
	}
}

// MultiHandler fans every callback out to each handler in order.
type MultiHandler []Handler

func (m MultiHandler) OnDiscovered(devices []Device) {
	for _, h := range m {
		h.OnDiscovered(devices)
	}
}

func (m MultiHandler) OnStateChanged(state State) {
	for _, h := range m {
		h.OnStateChanged(state)
	}
}

func (m MultiHandler) OnMessage(msg frame.Message) {
	for _, h := range m {
		h.OnMessage(msg)
	}
}

// EventKind identifies the callback an Event was produced by.
type EventKind int

const (
	EventDiscovered EventKind = iota
	EventStateChanged
	EventMessage
)

// Event is a handler callback captured by EventStream.
type Event struct {
	Kind    EventKind
	Devices []Device
	State   State
	Message frame.Message
}

// EventStream is a Handler that queues callbacks for a consumer goroutine.
// When the consumer falls behind, the oldest events are dropped.
type EventStream struct {
	ring   *ringchan.RingChannel[Event]
	logger *logrus.Logger
}

// NewEventStream creates a stream buffering up to capacity events.
func NewEventStream(capacity int, logger *logrus.Logger) *EventStream {
	if logger == nil {
		logger = logrus.New()
	}
	return &EventStream{
		ring:   ringchan.New[Event](capacity),
		logger: logger,
	}
}

// Events returns the channel events are delivered on.
func (e *EventStream) Events() <-chan Event {
	return e.ring.C()
}

// Overwritten returns the number of events dropped because the consumer fell behind.
func (e *EventStream) Overwritten() int64 {
	return e.ring.Metrics().Overwritten
}

// Close closes the event channel. It must only be called once no callback can run anymore.
func (e *EventStream) Close() {
	e.ring.Close()
}

func (e *EventStream) OnDiscovered(devices []Device) {
	e.send(Event{Kind: EventDiscovered, Devices: devices})
}

func (e *EventStream) OnStateChanged(state State) {
	e.send(Event{Kind: EventStateChanged, State: state})
}

func (e *EventStream) OnMessage(msg frame.Message) {
	e.send(Event{Kind: EventMessage, Message: msg})
}

func (e *EventStream) send(ev Event) {
	if e.ring.ForceSend(ev) {
		e.logger.WithField("capacity", e.ring.Cap()).Warn("Event stream full, dropped oldest event")
	}
}

type nopHandler struct{}

func (nopHandler) OnDiscovered([]Device)   {}
func (nopHandler) OnStateChanged(State)    {}
func (nopHandler) OnMessage(frame.Message) {}
