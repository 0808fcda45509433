package testutils

import (
	"sync"

	"github.com/srg/ubplink/internal/frame"
	"github.com/srg/ubplink/internal/link"
)

// HandlerRecorder is a link.Handler that records every callback.
type HandlerRecorder struct {
	mu         sync.Mutex
	States     []link.State
	Discovered [][]link.Device
	Messages   []frame.Message
}

func (r *HandlerRecorder) OnDiscovered(devices []link.Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Discovered = append(r.Discovered, devices)
}

func (r *HandlerRecorder) OnStateChanged(state link.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.States = append(r.States, state)
}

func (r *HandlerRecorder) OnMessage(msg frame.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Messages = append(r.Messages, msg)
}

// Kinds returns the recorded state kinds in order.
func (r *HandlerRecorder) Kinds() []link.StateKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]link.StateKind, 0, len(r.States))
	for _, s := range r.States {
		out = append(out, s.Kind)
	}
	return out
}

// Reset forgets everything recorded.
func (r *HandlerRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.States = nil
	r.Discovered = nil
	r.Messages = nil
}
