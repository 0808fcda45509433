package goble

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/ubplink/internal/groutine"
	"github.com/srg/ubplink/internal/link"
)

// DefaultReadyPollInterval is how often an unavailable radio is retried.
const DefaultReadyPollInterval = time.Second

// Options configures an Adapter.
type Options struct {
	// ReadyPollInterval is the delay between attempts to open the radio.
	ReadyPollInterval time.Duration
	// AllowDuplicates reports every advertisement instead of the first per device.
	AllowDuplicates bool
	// WriteCharacteristic selects the characteristic frames are written to.
	// Empty selects the first characteristic that accepts writes.
	WriteCharacteristic string
}

// Adapter drives a go-ble device and reports radio events to a link.AdapterEvents sink.
// Commands never block on the radio: scanning and connection setup run in
// their own goroutines.
type Adapter struct {
	logger   *logrus.Logger
	opts     Options
	openHost func() (host, error)

	mu         sync.RWMutex
	ctx        context.Context
	events     link.AdapterEvents
	host       host
	state      link.AdapterState
	scanCancel context.CancelFunc

	addrs *hashmap.Map[string, ble.Addr]
	links *hashmap.Map[string, *peripheralLink]
}

// peripheralLink is a connection in progress or established.
type peripheralLink struct {
	id     string
	cancel context.CancelFunc
	closed atomic.Bool

	mu     sync.Mutex
	client gattClient
	write  *ble.Characteristic
}

func (p *peripheralLink) setClient(c gattClient) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.client = c
}

func (p *peripheralLink) gatt() gattClient {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.client
}

// NewAdapter creates an adapter in the not-ready state. Call Start to open the radio.
func NewAdapter(opts *Options, logger *logrus.Logger) *Adapter {
	if logger == nil {
		logger = logrus.New()
	}
	o := Options{ReadyPollInterval: DefaultReadyPollInterval}
	if opts != nil {
		o = *opts
		if o.ReadyPollInterval <= 0 {
			o.ReadyPollInterval = DefaultReadyPollInterval
		}
	}
	return &Adapter{
		logger:   logger,
		opts:     o,
		openHost: openHost,
		ctx:      context.Background(),
		state:    link.AdapterState{Ready: false, Reason: "starting"},
		addrs:    hashmap.New[string, ble.Addr](),
		links:    hashmap.New[string, *peripheralLink](),
	}
}

// Start binds the event sink and opens the radio in the background, retrying
// until it succeeds or ctx is done. Every readiness change is reported to events.
func (a *Adapter) Start(ctx context.Context, events link.AdapterEvents) {
	a.mu.Lock()
	a.ctx = ctx
	a.events = events
	a.mu.Unlock()

	groutine.Go(ctx, "ble-adapter-open", a.open)
}

// workerLog tags entries with the name of the adapter goroutine running ctx.
func (a *Adapter) workerLog(ctx context.Context) *logrus.Entry {
	return a.logger.WithField("goroutine", groutine.GetName(ctx))
}

func (a *Adapter) open(ctx context.Context) {
	logger := a.workerLog(ctx)
	for {
		h, err := a.openHost()
		if err == nil {
			a.mu.Lock()
			a.host = h
			a.mu.Unlock()
			logger.Info("Bluetooth adapter ready")
			a.setState(link.AdapterState{Ready: true})
			return
		}

		err = NormalizeError(err)
		logger.WithError(err).Debug("Bluetooth adapter not ready")
		a.setState(link.AdapterState{Ready: false, Reason: unavailableReason(err)})

		select {
		case <-ctx.Done():
			return
		case <-time.After(a.opts.ReadyPollInterval):
		}
	}
}

func (a *Adapter) setState(st link.AdapterState) {
	a.mu.Lock()
	if a.state == st {
		a.mu.Unlock()
		return
	}
	a.state = st
	events := a.events
	a.mu.Unlock()

	if events != nil {
		events.AdapterStateChanged(st)
	}
}

// State implements link.Adapter.
func (a *Adapter) State() link.AdapterState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

func (a *Adapter) readyHost() (host, context.Context, link.AdapterEvents, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.host == nil || !a.state.Ready {
		return nil, nil, nil, link.ErrAdapterUnavailable
	}
	return a.host, a.ctx, a.events, nil
}

// StartScan implements link.Adapter. A running scan is replaced.
func (a *Adapter) StartScan(services []string) error {
	h, parent, events, err := a.readyHost()
	if err != nil {
		return err
	}

	filter := make([]ble.UUID, 0, len(services))
	for _, s := range services {
		u, err := ble.Parse(s)
		if err != nil {
			return fmt.Errorf("invalid service UUID %q: %w", s, err)
		}
		filter = append(filter, u)
	}

	ctx, cancel := context.WithCancel(parent)
	a.mu.Lock()
	if a.scanCancel != nil {
		a.scanCancel()
	}
	a.scanCancel = cancel
	a.mu.Unlock()

	groutine.Go(ctx, "ble-scan", func(ctx context.Context) {
		err := h.Scan(ctx, a.opts.AllowDuplicates, func(adv ble.Advertisement) {
			if !advertises(adv, filter) {
				return
			}
			dev := DeviceFromAdvertisement(adv)
			a.addrs.Set(dev.ID, adv.Addr())
			if events != nil {
				events.DeviceFound(dev)
			}
		})
		if err != nil && ctx.Err() == nil {
			a.workerLog(ctx).WithError(NormalizeError(err)).Warn("Scan stopped unexpectedly")
		}
	})
	return nil
}

// StopScan implements link.Adapter.
func (a *Adapter) StopScan() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.scanCancel != nil {
		a.scanCancel()
		a.scanCancel = nil
	}
	return nil
}

// Connect implements link.Adapter. The outcome is reported through AdapterEvents.
func (a *Adapter) Connect(dev link.Device) error {
	h, parent, events, err := a.readyHost()
	if err != nil {
		return err
	}

	addr, ok := a.addrs.Get(dev.ID)
	if !ok {
		addr = ble.NewAddr(dev.ID)
	}

	ctx, cancel := context.WithCancel(parent)
	pl := &peripheralLink{id: dev.ID, cancel: cancel}
	if _, loaded := a.links.GetOrInsert(dev.ID, pl); loaded {
		cancel()
		a.logger.WithField("device", dev.ID).Debug("Connection already in progress")
		return nil
	}

	groutine.Go(ctx, "ble-connect", func(ctx context.Context) {
		a.establish(ctx, h, addr, pl, events)
	})
	return nil
}

func (a *Adapter) establish(ctx context.Context, h host, addr ble.Addr, pl *peripheralLink, events link.AdapterEvents) {
	logger := a.workerLog(ctx).WithField("device", pl.id)

	logger.Debug("Dialing BLE device...")
	client, err := h.Dial(ctx, addr)
	if err != nil {
		a.forget(pl)
		if ctx.Err() != nil || pl.closed.Load() {
			logger.Debug("Dial cancelled")
			return
		}
		events.ConnectFailed(pl.id, NormalizeError(err))
		return
	}

	pl.setClient(client)
	if pl.closed.Load() {
		logger.Debug("Connection cancelled while dialing")
		_ = client.CancelConnection()
		return
	}
	events.DeviceConnected(pl.id)

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		logger.WithError(err).Error("Failed to discover profile")
		a.drop(pl, client, events, fmt.Errorf("failed to discover profile: %w", err))
		return
	}

	var writable *ble.Characteristic
	notifying := 0
	for _, svc := range profile.Services {
		for _, ch := range svc.Characteristics {
			if writable == nil && a.isWriteTarget(ch) {
				writable = ch
			}
			if ch.Property&(ble.CharNotify|ble.CharIndicate) == 0 {
				continue
			}
			indicate := ch.Property&ble.CharNotify == 0
			err := client.Subscribe(ch, indicate, func(data []byte) {
				if !pl.closed.Load() {
					events.DataReceived(pl.id, data)
				}
			})
			if err != nil {
				logger.WithError(NormalizeError(err)).WithField("char_uuid", ch.UUID.String()).Warn("Failed to subscribe")
				continue
			}
			notifying++
		}
	}

	pl.mu.Lock()
	pl.write = writable
	pl.mu.Unlock()

	logger.WithFields(logrus.Fields{
		"services":  len(profile.Services),
		"notifying": notifying,
		"writable":  writable != nil,
	}).Info("BLE device connected successfully")

	if notifying > 0 && !pl.closed.Load() {
		events.NotificationsEnabled(pl.id)
	}

	var disconnected <-chan struct{}
	if dn, ok := client.(disconnectNotifier); ok {
		disconnected = dn.Disconnected()
	} else {
		logger.Debug("Client does not support Disconnected() channel")
	}

	select {
	case <-disconnected:
		a.forget(pl)
		if !pl.closed.Swap(true) {
			logger.Warn("Peripheral reported disconnection")
			events.DeviceDisconnected(pl.id, link.ErrNotConnected)
		}
	case <-ctx.Done():
		// The adapter is stopping. A host-initiated cancel has already closed the link.
		if !pl.closed.Swap(true) {
			a.forget(pl)
			logger.Debug("Adapter stopping, cancelling connection")
			if err := client.CancelConnection(); err != nil {
				logger.WithError(NormalizeError(err)).Warn("Failed to cancel connection")
			}
		}
	}
}

func (a *Adapter) isWriteTarget(ch *ble.Characteristic) bool {
	if ch.Property&(ble.CharWrite|ble.CharWriteNR) == 0 {
		return false
	}
	if a.opts.WriteCharacteristic == "" {
		return true
	}
	want, err := ble.Parse(a.opts.WriteCharacteristic)
	return err == nil && ch.UUID.Equal(want)
}

// drop tears down a link that failed after the radio connected.
func (a *Adapter) drop(pl *peripheralLink, client gattClient, events link.AdapterEvents, cause error) {
	a.forget(pl)
	if pl.closed.Swap(true) {
		return
	}
	pl.cancel()
	if err := client.CancelConnection(); err != nil {
		a.logger.WithError(err).WithField("device", pl.id).Warn("Failed to cancel connection")
	}
	events.DeviceDisconnected(pl.id, cause)
}

// forget removes pl from the live links unless it was already replaced.
func (a *Adapter) forget(pl *peripheralLink) {
	if cur, ok := a.links.Get(pl.id); ok && cur == pl {
		a.links.Del(pl.id)
	}
}

// CancelConnection implements link.Adapter. Cancelling an unknown device is a no-op.
func (a *Adapter) CancelConnection(dev link.Device) error {
	pl, ok := a.links.Get(dev.ID)
	if !ok {
		a.logger.WithField("device", dev.ID).Debug("Cancel for a device without a connection")
		return nil
	}
	a.links.Del(dev.ID)
	pl.closed.Store(true)
	pl.cancel()

	if client := pl.gatt(); client != nil {
		return NormalizeError(client.CancelConnection())
	}
	return nil
}

// Write implements link.Adapter. data must fit in a single characteristic write.
func (a *Adapter) Write(dev link.Device, data []byte) error {
	pl, ok := a.links.Get(dev.ID)
	if !ok || pl.closed.Load() {
		return link.ErrNotConnected
	}

	pl.mu.Lock()
	defer pl.mu.Unlock()
	if pl.client == nil || pl.write == nil {
		return &link.ConnectionError{State: link.NotConnected, Msg: "no writable characteristic"}
	}
	noRsp := pl.write.Property&ble.CharWriteNR != 0
	return NormalizeError(pl.client.WriteCharacteristic(pl.write, data, noRsp))
}
