package goble

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/srg/ubplink/internal/link"
)

// recordingEvents collects adapter events as strings.
type recordingEvents struct {
	ch chan string

	mu     sync.Mutex
	found  []link.Device
	states []link.AdapterState
	data   [][]byte
}

func newRecordingEvents() *recordingEvents {
	return &recordingEvents{ch: make(chan string, 64)}
}

func (r *recordingEvents) AdapterStateChanged(st link.AdapterState) {
	r.mu.Lock()
	r.states = append(r.states, st)
	r.mu.Unlock()
	r.ch <- fmt.Sprintf("state:%t:%s", st.Ready, st.Reason)
}

func (r *recordingEvents) DeviceFound(dev link.Device) {
	r.mu.Lock()
	r.found = append(r.found, dev)
	r.mu.Unlock()
	r.ch <- "found:" + dev.ID
}

func (r *recordingEvents) DeviceConnected(id string) { r.ch <- "connected:" + id }

func (r *recordingEvents) ConnectFailed(id string, err error) {
	r.ch <- "failed:" + id
}

func (r *recordingEvents) DeviceDisconnected(id string, err error) {
	r.ch <- "disconnected:" + id
}

func (r *recordingEvents) NotificationsEnabled(id string) { r.ch <- "notifying:" + id }

func (r *recordingEvents) DataReceived(id string, data []byte) {
	r.mu.Lock()
	r.data = append(r.data, append([]byte(nil), data...))
	r.mu.Unlock()
	r.ch <- "data:" + id
}

// fakeHost replays advertisements on Scan and hands out fakeClients on Dial.
type fakeHost struct {
	adverts []ble.Advertisement
	client  *fakeClient
	dialErr error

	mu      sync.Mutex
	dialed  []string
	scanned int
}

func (h *fakeHost) Scan(ctx context.Context, allowDup bool, handler ble.AdvHandler) error {
	h.mu.Lock()
	h.scanned++
	h.mu.Unlock()
	for _, adv := range h.adverts {
		handler(adv)
	}
	<-ctx.Done()
	return ctx.Err()
}

func (h *fakeHost) Dial(ctx context.Context, addr ble.Addr) (gattClient, error) {
	h.mu.Lock()
	h.dialed = append(h.dialed, addr.String())
	h.mu.Unlock()
	if h.dialErr != nil {
		return nil, h.dialErr
	}
	return h.client, nil
}

// fakeClient serves a fixed profile and records writes.
type fakeClient struct {
	profile      *ble.Profile
	disconnected chan struct{}

	mu        sync.Mutex
	handlers  map[string]ble.NotificationHandler
	writes    [][]byte
	noRsp     []bool
	cancelled int
}

func newFakeClient(chars ...*ble.Characteristic) *fakeClient {
	svc := &ble.Service{UUID: ble.MustParse("2220"), Characteristics: chars}
	return &fakeClient{
		profile:      &ble.Profile{Services: []*ble.Service{svc}},
		disconnected: make(chan struct{}),
		handlers:     make(map[string]ble.NotificationHandler),
	}
}

func (c *fakeClient) DiscoverProfile(force bool) (*ble.Profile, error) {
	return c.profile, nil
}

func (c *fakeClient) Subscribe(ch *ble.Characteristic, ind bool, h ble.NotificationHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[ch.UUID.String()] = h
	return nil
}

func (c *fakeClient) WriteCharacteristic(ch *ble.Characteristic, value []byte, noRsp bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, append([]byte(nil), value...))
	c.noRsp = append(c.noRsp, noRsp)
	return nil
}

func (c *fakeClient) CancelConnection() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled++
	return nil
}

func (c *fakeClient) Disconnected() <-chan struct{} {
	return c.disconnected
}

func (c *fakeClient) notify(uuid string, data []byte) {
	c.mu.Lock()
	h := c.handlers[uuid]
	c.mu.Unlock()
	h(data)
}
