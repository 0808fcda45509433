package link

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/ubplink/internal/frame"
	"github.com/srg/ubplink/internal/metrics"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// DefaultScanTimeout is how long a scan window stays open.
const DefaultScanTimeout = 3 * time.Second

// Options configures a Coordinator.
type Options struct {
	// ScanTimeout closes the scan window. Zero selects DefaultScanTimeout.
	ScanTimeout time.Duration
	// ChunkSize bounds each adapter write. Zero selects frame.DefaultChunkSize.
	ChunkSize int
	// MaxBuffered bounds the receive buffer. Zero selects frame.DefaultMaxBuffered, negative disables it.
	MaxBuffered int
	// LegacyFlagsOffset reads the flags byte from offset 1.
	LegacyFlagsOffset bool
	// Scheduler runs the scan timeout. Nil selects TimeScheduler.
	Scheduler Scheduler
	// Metrics records link counters. Nil records nothing.
	Metrics *metrics.LinkMetrics
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() *Options {
	return &Options{
		ScanTimeout: DefaultScanTimeout,
		ChunkSize:   frame.DefaultChunkSize,
		MaxBuffered: frame.DefaultMaxBuffered,
	}
}

// Coordinator is the connection state machine.
//
// Coordinator is not safe for concurrent use: commands and AdapterEvents
// must be delivered from a single goroutine, normally a Session loop.
// Handler callbacks are invoked synchronously from within those calls.
type Coordinator struct {
	adapter   Adapter
	handler   Handler
	logger    *logrus.Logger
	scheduler Scheduler
	metrics   *metrics.LinkMetrics
	opts      Options

	state    State
	target   *Device
	// phase is the progress of the link to the target. Scanning and
	// Unavailable are overlays on state and never overwrite it.
	phase    StateKind
	deferred deferredSlot
	decoder  *frame.Decoder

	scanOpen  bool
	scanGen   uint64
	stopTimer func() bool
	results   *orderedmap.OrderedMap[string, Device]
}

// NewCoordinator creates a coordinator in the Unassigned state.
func NewCoordinator(adapter Adapter, opts *Options, logger *logrus.Logger) *Coordinator {
	if logger == nil {
		logger = logrus.New()
	}
	var o Options
	if opts != nil {
		o = *opts
	}
	o = withDefaults(o)

	c := &Coordinator{
		adapter:   adapter,
		handler:   nopHandler{},
		logger:    logger,
		scheduler: o.Scheduler,
		metrics:   o.Metrics,
		opts:      o,
		state:     State{Kind: Unassigned},
		phase:     Disconnected,
		results:   orderedmap.New[string, Device](),
	}

	decoderOpts := []frame.Option{
		frame.WithLogger(logger),
		frame.WithDropHandler(c.frameDropped),
	}
	if o.MaxBuffered < 0 {
		decoderOpts = append(decoderOpts, frame.WithMaxBuffered(0))
	} else {
		decoderOpts = append(decoderOpts, frame.WithMaxBuffered(o.MaxBuffered))
	}
	if o.LegacyFlagsOffset {
		decoderOpts = append(decoderOpts, frame.WithLegacyFlagsOffset())
	}
	c.decoder = frame.NewDecoder(c.frameDecoded, decoderOpts...)

	return c
}

func withDefaults(o Options) Options {
	if o.ScanTimeout <= 0 {
		o.ScanTimeout = DefaultScanTimeout
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = frame.DefaultChunkSize
	}
	if o.MaxBuffered == 0 {
		o.MaxBuffered = frame.DefaultMaxBuffered
	}
	if o.Scheduler == nil {
		o.Scheduler = TimeScheduler{}
	}
	return o
}

// SetHandler replaces the handler and immediately reports the current state to it.
func (c *Coordinator) SetHandler(h Handler) {
	if h == nil {
		h = nopHandler{}
	}
	c.handler = h
	h.OnStateChanged(c.state)
}

// State returns the current state.
func (c *Coordinator) State() State {
	return c.state
}

// Target returns a copy of the selected device, or nil.
func (c *Coordinator) Target() *Device {
	if c.target == nil {
		return nil
	}
	d := *c.target
	return &d
}

// PendingAction returns the name of the deferred action, or "" if none.
func (c *Coordinator) PendingAction() string {
	return c.deferred.name()
}

// DecoderStats returns the frame decoder counters.
func (c *Coordinator) DecoderStats() frame.Stats {
	return c.decoder.Stats()
}

// Scan opens a scan window filtered by service UUIDs. If the adapter is not
// ready the scan is deferred. Scanning while a window is open restarts it.
func (c *Coordinator) Scan(services []string) {
	if !c.adapterReady() {
		c.deferUntilReady("scan", func() { c.Scan(services) })
		return
	}

	if c.scanOpen {
		c.logger.Debug("Restarting scan window")
		c.closeScanWindow()
	}

	c.results = orderedmap.New[string, Device]()
	c.scanOpen = true
	c.scanGen++
	gen := c.scanGen

	c.logger.WithFields(logrus.Fields{
		"services": services,
		"timeout":  c.opts.ScanTimeout,
	}).Info("Starting scan")
	if err := c.adapter.StartScan(services); err != nil {
		c.logger.WithError(err).Warn("Failed to start scan, window will close empty")
	}
	c.stopTimer = c.scheduler.AfterFunc(c.opts.ScanTimeout, func() { c.scanTimedOut(gen) })

	c.setState(State{Kind: Scanning})
}

// SelectDevice sets the target device, cancelling any previous one first,
// and requests a connection to it.
//
// A nil device clears the target. The state only becomes Unassigned when the
// adapter is ready and no scan window is open: an open window still ends in
// Scanning's timeout, and an unavailable adapter stays Unavailable until it
// recovers, at which point Unassigned is reported.
func (c *Coordinator) SelectDevice(dev *Device) {
	if c.target != nil {
		prior := *c.target
		c.logger.WithField("device", prior.ID).Info("Cancelling connection to previously selected device")
		if err := c.adapter.CancelConnection(prior); err != nil {
			c.logger.WithError(err).WithField("device", prior.ID).Warn("Failed to cancel connection")
		}
		c.target = nil
		c.phase = Disconnected
		c.decoder.Reset()
	}

	if dev == nil {
		if c.adapterReady() && !c.scanOpen {
			c.setState(State{Kind: Unassigned})
		}
		return
	}

	d := *dev
	c.target = &d
	c.logger.WithField("device", d.ID).Info("Device selected")

	if !c.adapterReady() {
		c.deferUntilReady("connect", c.Connect)
		return
	}
	c.setPhase(Disconnected)
	c.Connect()
}

// Connect requests a connection to the target device.
func (c *Coordinator) Connect() {
	if !c.adapterReady() {
		c.deferUntilReady("connect", c.Connect)
		return
	}
	if c.target == nil {
		c.logger.Warn("Connect requested without a selected device")
		return
	}
	if c.linkActive() {
		c.logger.WithField("phase", c.phase).Debug("Connect ignored, link already in progress")
		return
	}

	target := *c.target
	c.logger.WithField("device", target.ID).Info("Connecting")
	c.setPhase(Connecting)
	if err := c.adapter.Connect(target); err != nil {
		c.logger.WithError(err).WithField("device", target.ID).Warn("Connect request failed")
		c.setPhase(Disconnected)
	}
}

// Disconnect cancels the link to the target device. It applies whenever a
// link is in progress, including while a scan window overlays the state.
func (c *Coordinator) Disconnect() {
	if c.target == nil || !c.linkActive() {
		c.logger.WithField("phase", c.phase).Debug("Disconnect ignored, no link in progress")
		return
	}
	target := *c.target
	c.logger.WithField("device", target.ID).Info("Disconnecting")
	if err := c.adapter.CancelConnection(target); err != nil {
		c.logger.WithError(err).WithField("device", target.ID).Warn("Failed to cancel connection")
	}
	c.decoder.Reset()
	c.setPhase(Disconnected)
}

// Linked reports whether a link to the target is established, regardless of
// a scan window overlaying the state.
func (c *Coordinator) Linked() bool {
	return c.target != nil && (c.phase == Connected || c.phase == Notifying)
}

// Send encodes msg as a frame and writes it to the target in chunks.
func (c *Coordinator) Send(msg frame.Message) error {
	if c.target == nil {
		return ErrNoTarget
	}
	if !c.Linked() {
		return &ConnectionError{State: NotConnected, Msg: fmt.Sprintf("link is %s", c.phase)}
	}

	encoded := frame.Encode(msg)
	for i, chunk := range frame.Chunk(encoded, c.opts.ChunkSize) {
		if err := c.adapter.Write(*c.target, chunk); err != nil {
			return fmt.Errorf("failed to write chunk %d: %w", i, err)
		}
	}
	c.metrics.ObserveSent(len(encoded))
	c.logger.WithField("message", msg).Debug("Frame sent")
	return nil
}

// AdapterStateChanged implements AdapterEvents.
func (c *Coordinator) AdapterStateChanged(st AdapterState) {
	if !st.Ready {
		c.logger.WithField("reason", st.Reason).Warn("Bluetooth adapter unavailable")
		// Links do not survive the radio going away.
		if c.phase != Disconnected {
			c.phase = Disconnected
			c.decoder.Reset()
		}
		c.setState(UnavailableState(st.Reason))
		return
	}

	if c.state.Kind == Unavailable {
		c.setState(c.linkState())
	}

	if a := c.deferred.take(); a != nil {
		c.logger.WithField("action", a.name).Info("Adapter ready, running deferred action")
		a.fn()
	}
}

// DeviceFound implements AdapterEvents.
func (c *Coordinator) DeviceFound(dev Device) {
	if !c.scanOpen {
		c.logger.WithField("device", dev.ID).Debug("Advertisement outside scan window ignored")
		return
	}
	if _, seen := c.results.Get(dev.ID); !seen {
		c.logger.WithFields(logrus.Fields{
			"device": dev.ID,
			"name":   dev.Name,
			"rssi":   dev.RSSI,
		}).Info("Discovered new device")
	}
	c.results.Set(dev.ID, dev)
}

// DeviceConnected implements AdapterEvents.
func (c *Coordinator) DeviceConnected(id string) {
	if !c.isTarget(id, "connected") {
		return
	}
	if c.phase != Connecting {
		c.logger.WithFields(logrus.Fields{"device": id, "phase": c.phase}).Debug("Late connect event ignored")
		return
	}
	c.decoder.Reset()
	c.setPhase(Connected)
}

// ConnectFailed implements AdapterEvents.
func (c *Coordinator) ConnectFailed(id string, err error) {
	if !c.isTarget(id, "connect failed") {
		return
	}
	c.logger.WithError(err).WithField("device", id).Warn("Connection failed")
	if c.phase == Connecting {
		c.setPhase(Disconnected)
	}
}

// DeviceDisconnected implements AdapterEvents.
func (c *Coordinator) DeviceDisconnected(id string, err error) {
	if !c.isTarget(id, "disconnected") {
		return
	}
	entry := c.logger.WithField("device", id)
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Info("Device disconnected")
	if c.linkActive() {
		c.decoder.Reset()
		c.setPhase(Disconnected)
	}
}

// NotificationsEnabled implements AdapterEvents.
func (c *Coordinator) NotificationsEnabled(id string) {
	if !c.isTarget(id, "notifications enabled") {
		return
	}
	if c.phase != Connected {
		c.logger.WithFields(logrus.Fields{"device": id, "phase": c.phase}).Debug("Notification event ignored")
		return
	}
	c.setPhase(Notifying)
}

// DataReceived implements AdapterEvents.
func (c *Coordinator) DataReceived(id string, data []byte) {
	if !c.isTarget(id, "data") {
		return
	}
	c.metrics.ObserveReceived(len(data))
	c.decoder.Append(data)
}

func (c *Coordinator) scanTimedOut(gen uint64) {
	if gen != c.scanGen || !c.scanOpen {
		c.logger.Debug("Stale scan timeout ignored")
		return
	}
	c.stopTimer = nil
	c.closeScanWindow()

	devices := make([]Device, 0, c.results.Len())
	for pair := c.results.Oldest(); pair != nil; pair = pair.Next() {
		devices = append(devices, pair.Value)
	}
	c.logger.WithField("devices", len(devices)).Info("Scan window closed")

	if c.state.Kind == Scanning {
		c.setState(c.linkState())
	}
	c.metrics.ObserveScan(len(devices))
	c.handler.OnDiscovered(devices)
}

func (c *Coordinator) closeScanWindow() {
	if c.stopTimer != nil {
		c.stopTimer()
		c.stopTimer = nil
	}
	c.scanOpen = false
	if err := c.adapter.StopScan(); err != nil {
		c.logger.WithError(err).Warn("Failed to stop scan")
	}
}

func (c *Coordinator) deferUntilReady(name string, fn func()) {
	if replaced := c.deferred.set(name, fn); replaced != "" {
		c.logger.WithFields(logrus.Fields{"action": name, "replaced": replaced}).Info("Adapter not ready, replacing deferred action")
		return
	}
	c.logger.WithField("action", name).Info("Adapter not ready, deferring action")
}

func (c *Coordinator) adapterReady() bool {
	return c.adapter.State().Ready
}

func (c *Coordinator) isTarget(id, event string) bool {
	if c.target != nil && c.target.ID == id {
		return true
	}
	c.logger.WithFields(logrus.Fields{"device": id, "event": event}).Debug("Event for a device that is not the target ignored")
	return false
}

func (c *Coordinator) linkActive() bool {
	switch c.phase {
	case Connecting, Connected, Notifying:
		return true
	}
	return false
}

// linkState is the state to report once no overlay applies.
func (c *Coordinator) linkState() State {
	if c.target == nil {
		return State{Kind: Unassigned}
	}
	return State{Kind: c.phase}
}

// setPhase records link progress and reports it, unless the adapter is unavailable.
func (c *Coordinator) setPhase(k StateKind) {
	c.phase = k
	if c.state.Kind == Unavailable {
		return
	}
	c.setState(State{Kind: k})
}

func (c *Coordinator) setState(s State) {
	if s == c.state {
		return
	}
	prev := c.state
	c.state = s
	c.logger.WithFields(logrus.Fields{"from": prev, "to": s}).Info("State changed")
	c.metrics.ObserveState(s.Kind.String())
	c.handler.OnStateChanged(s)
}

func (c *Coordinator) frameDecoded(msg frame.Message) {
	c.metrics.ObserveFrame(metrics.FrameOK)
	c.metrics.ObserveMessage()
	c.handler.OnMessage(msg)
}

func (c *Coordinator) frameDropped(err error) {
	switch {
	case errors.Is(err, frame.ErrChecksumMismatch):
		c.metrics.ObserveFrame(metrics.FrameChecksumMismatch)
	case errors.Is(err, frame.ErrBufferOverflow):
		c.metrics.ObserveFrame(metrics.FrameOverflow)
	default:
		c.metrics.ObserveFrame(metrics.FrameTooShort)
	}
}
