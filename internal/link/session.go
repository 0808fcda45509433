package link

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/ubplink/internal/frame"
)

const defaultQueueSize = 64

// Session serializes commands, adapter events and timer firings onto a
// single loop that owns a Coordinator. All methods are safe for concurrent use.
//
// Session implements AdapterEvents, so it can be handed to an adapter directly.
type Session struct {
	coord  *Coordinator
	queue  chan func()
	done   chan struct{}
	logger *logrus.Logger

	runOnce  sync.Once
	stopOnce sync.Once
}

// NewSession creates a session driving adapter. Call Run to start the loop.
func NewSession(adapter Adapter, opts *Options, logger *logrus.Logger) *Session {
	if logger == nil {
		logger = logrus.New()
	}
	var o Options
	if opts != nil {
		o = *opts
	}
	base := o.Scheduler
	if base == nil {
		base = TimeScheduler{}
	}

	s := &Session{
		queue:  make(chan func(), defaultQueueSize),
		done:   make(chan struct{}),
		logger: logger,
	}
	o.Scheduler = &loopScheduler{base: base, post: s.post}
	s.coord = NewCoordinator(adapter, &o, logger)
	return s
}

// Run processes the queue until ctx is done. It returns ctx.Err().
// Run may only be called once.
func (s *Session) Run(ctx context.Context) error {
	started := false
	s.runOnce.Do(func() { started = true })
	if !started {
		return ErrSessionStopped
	}
	defer s.stop()

	s.logger.Debug("Session loop started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("Session loop stopped")
			return ctx.Err()
		case fn := <-s.queue:
			fn()
		}
	}
}

// Done is closed once the loop has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

// post queues fn for the loop. Posts after the loop exits are discarded.
func (s *Session) post(fn func()) {
	select {
	case s.queue <- fn:
	case <-s.done:
	}
}

// Do runs fn on the loop and waits for it to return.
// It must not be called from a Handler callback.
func (s *Session) Do(ctx context.Context, fn func(c *Coordinator)) error {
	finished := make(chan struct{})
	task := func() {
		defer close(finished)
		fn(s.coord)
	}

	select {
	case s.queue <- task:
	case <-s.done:
		return ErrSessionStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-finished:
		return nil
	case <-s.done:
		return ErrSessionStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetHandler replaces the consumer handler. The current state is delivered to it right away.
func (s *Session) SetHandler(h Handler) {
	s.post(func() { s.coord.SetHandler(h) })
}

func (s *Session) Scan(services []string) {
	services = append([]string(nil), services...)
	s.post(func() { s.coord.Scan(services) })
}

func (s *Session) SelectDevice(dev *Device) {
	var d *Device
	if dev != nil {
		cp := *dev
		d = &cp
	}
	s.post(func() { s.coord.SelectDevice(d) })
}

func (s *Session) Connect() {
	s.post(s.coord.Connect)
}

func (s *Session) Disconnect() {
	s.post(s.coord.Disconnect)
}

// Shutdown disconnects the target on the loop and waits for the adapter to
// have been asked to cancel. Call it before cancelling the context given to
// Run: commands posted after that are discarded.
func (s *Session) Shutdown(ctx context.Context) error {
	return s.Do(ctx, func(c *Coordinator) { c.Disconnect() })
}

// Send writes msg to the target and returns once all chunks were handed to the adapter.
func (s *Session) Send(ctx context.Context, msg frame.Message) error {
	var sendErr error
	if err := s.Do(ctx, func(c *Coordinator) { sendErr = c.Send(msg) }); err != nil {
		return err
	}
	return sendErr
}

// State returns the current state as seen by the loop.
func (s *Session) State(ctx context.Context) (State, error) {
	var st State
	err := s.Do(ctx, func(c *Coordinator) { st = c.State() })
	return st, err
}

func (s *Session) AdapterStateChanged(state AdapterState) {
	s.post(func() { s.coord.AdapterStateChanged(state) })
}

func (s *Session) DeviceFound(dev Device) {
	s.post(func() { s.coord.DeviceFound(dev) })
}

func (s *Session) DeviceConnected(id string) {
	s.post(func() { s.coord.DeviceConnected(id) })
}

func (s *Session) ConnectFailed(id string, err error) {
	s.post(func() { s.coord.ConnectFailed(id, err) })
}

func (s *Session) DeviceDisconnected(id string, err error) {
	s.post(func() { s.coord.DeviceDisconnected(id, err) })
}

func (s *Session) NotificationsEnabled(id string) {
	s.post(func() { s.coord.NotificationsEnabled(id) })
}

// DataReceived copies data before queueing it; radio stacks may reuse the buffer.
func (s *Session) DataReceived(id string, data []byte) {
	buf := append([]byte(nil), data...)
	s.post(func() { s.coord.DataReceived(id, buf) })
}

// loopScheduler runs timer callbacks on the session loop instead of the timer goroutine.
type loopScheduler struct {
	base Scheduler
	post func(func())
}

func (l *loopScheduler) AfterFunc(d time.Duration, fn func()) func() bool {
	return l.base.AfterFunc(d, func() { l.post(fn) })
}
