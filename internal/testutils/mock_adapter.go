package testutils

import (
	"sync"

	"github.com/srg/ubplink/internal/link"
	"github.com/stretchr/testify/mock"
)

// MockAdapter is a testify mock of link.Adapter. Readiness is plain state set
// through SetReady so State() calls do not clutter the recorded calls.
type MockAdapter struct {
	mock.Mock

	mu    sync.Mutex
	state link.AdapterState
}

// NewMockAdapter creates an adapter whose commands all succeed.
func NewMockAdapter(ready bool) *MockAdapter {
	m := &MockAdapter{}
	m.SetReady(ready, "")
	m.On("StartScan", mock.Anything).Return(nil).Maybe()
	m.On("StopScan").Return(nil).Maybe()
	m.On("Connect", mock.Anything).Return(nil).Maybe()
	m.On("CancelConnection", mock.Anything).Return(nil).Maybe()
	m.On("Write", mock.Anything, mock.Anything).Return(nil).Maybe()
	return m
}

// SetReady changes what State reports. Reason is kept only when not ready.
func (m *MockAdapter) SetReady(ready bool, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ready {
		reason = ""
	}
	m.state = link.AdapterState{Ready: ready, Reason: reason}
}

func (m *MockAdapter) State() link.AdapterState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *MockAdapter) StartScan(services []string) error {
	return m.Called(services).Error(0)
}

func (m *MockAdapter) StopScan() error {
	return m.Called().Error(0)
}

func (m *MockAdapter) Connect(dev link.Device) error {
	return m.Called(dev).Error(0)
}

func (m *MockAdapter) CancelConnection(dev link.Device) error {
	return m.Called(dev).Error(0)
}

func (m *MockAdapter) Write(dev link.Device, data []byte) error {
	return m.Called(dev, append([]byte(nil), data...)).Error(0)
}

// Commands returns the recorded calls as "Method" or "Method:deviceID".
func (m *MockAdapter) Commands() []string {
	var out []string
	for _, call := range m.Calls {
		entry := call.Method
		if len(call.Arguments) > 0 {
			if dev, ok := call.Arguments[0].(link.Device); ok {
				entry += ":" + dev.ID
			}
		}
		out = append(out, entry)
	}
	return out
}

// Written returns the concatenated payloads of all Write calls.
func (m *MockAdapter) Written() []byte {
	var out []byte
	for _, call := range m.Calls {
		if call.Method == "Write" {
			out = append(out, call.Arguments[1].([]byte)...)
		}
	}
	return out
}

// ResetCalls forgets recorded calls but keeps expectations.
func (m *MockAdapter) ResetCalls() {
	m.Calls = nil
}
