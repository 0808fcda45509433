package link_test

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/srg/ubplink/internal/frame"
	"github.com/srg/ubplink/internal/link"
	"github.com/srg/ubplink/internal/metrics"
	"github.com/srg/ubplink/internal/testutils"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

var (
	deviceA = link.Device{ID: "AA:AA:AA:AA:AA:AA", Name: "ubp-a", RSSI: -40, Connectable: true}
	deviceB = link.Device{ID: "BB:BB:BB:BB:BB:BB", Name: "ubp-b", RSSI: -60, Connectable: true}
	deviceC = link.Device{ID: "CC:CC:CC:CC:CC:CC", RSSI: -80}
)

type CoordinatorTestSuite struct {
	suite.Suite

	helper    *testutils.TestHelper
	adapter   *testutils.MockAdapter
	scheduler *testutils.ManualScheduler
	recorder  *testutils.HandlerRecorder
	coord     *link.Coordinator
}

func (s *CoordinatorTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.adapter = testutils.NewMockAdapter(true)
	s.scheduler = testutils.NewManualScheduler()
	s.recorder = &testutils.HandlerRecorder{}
	s.coord = s.newCoordinator(&link.Options{Scheduler: s.scheduler})
}

func (s *CoordinatorTestSuite) newCoordinator(opts *link.Options) *link.Coordinator {
	c := link.NewCoordinator(s.adapter, opts, s.helper.Logger)
	c.SetHandler(s.recorder)
	s.recorder.Reset()
	return c
}

// link brings the coordinator to Notifying on dev.
func (s *CoordinatorTestSuite) link(dev link.Device) {
	s.coord.SelectDevice(&dev)
	s.coord.DeviceConnected(dev.ID)
	s.coord.NotificationsEnabled(dev.ID)
	s.Require().Equal(link.Notifying, s.coord.State().Kind)
}

func (s *CoordinatorTestSuite) TestInitialState() {
	s.Equal(link.State{Kind: link.Unassigned}, s.coord.State())
	s.Nil(s.coord.Target())
	s.Empty(s.coord.PendingAction())
}

func (s *CoordinatorTestSuite) TestSetHandlerReportsCurrentState() {
	s.coord.SetHandler(s.recorder)
	s.Equal([]link.StateKind{link.Unassigned}, s.recorder.Kinds())
}

func (s *CoordinatorTestSuite) TestScanTimeoutWithNoDevices() {
	s.coord.Scan([]string{"2220"})

	s.Equal(link.Scanning, s.coord.State().Kind)
	s.adapter.AssertCalled(s.T(), "StartScan", []string{"2220"})
	timer := s.scheduler.Last()
	s.Require().NotNil(timer)
	s.Equal(link.DefaultScanTimeout, timer.Delay)

	timer.Fire()

	s.Equal([]link.StateKind{link.Scanning, link.Unassigned}, s.recorder.Kinds())
	s.Require().Len(s.recorder.Discovered, 1)
	s.Equal([]link.Device{}, s.recorder.Discovered[0])
	s.adapter.AssertCalled(s.T(), "StopScan")
}

func (s *CoordinatorTestSuite) TestScanReportsDevicesInDiscoveryOrder() {
	s.coord.Scan(nil)
	s.coord.DeviceFound(deviceB)
	s.coord.DeviceFound(deviceA)
	updated := deviceB
	updated.RSSI = -30
	s.coord.DeviceFound(updated)
	s.coord.DeviceFound(deviceC)

	s.scheduler.Last().Fire()

	s.Require().Len(s.recorder.Discovered, 1)
	s.Equal([]link.Device{updated, deviceA, deviceC}, s.recorder.Discovered[0])
}

func (s *CoordinatorTestSuite) TestDevicesOutsideScanWindowAreIgnored() {
	s.coord.DeviceFound(deviceA)

	s.coord.Scan(nil)
	s.scheduler.Last().Fire()

	s.Require().Len(s.recorder.Discovered, 1)
	s.Empty(s.recorder.Discovered[0])
}

func (s *CoordinatorTestSuite) TestStaleScanTimeoutIsIgnored() {
	s.coord.Scan(nil)
	first := s.scheduler.Last()
	s.coord.Scan(nil)
	second := s.scheduler.Last()

	s.True(first.Stopped(), "restarting the scan stops the previous timer")
	s.coord.DeviceFound(deviceA)

	first.Fire()
	s.Equal(link.Scanning, s.coord.State().Kind)
	s.Empty(s.recorder.Discovered)

	second.Fire()
	s.Equal(link.Unassigned, s.coord.State().Kind)
	s.Require().Len(s.recorder.Discovered, 1)
	s.Equal([]link.Device{deviceA}, s.recorder.Discovered[0])

	// A second firing of the same timer is stale as well.
	second.Fire()
	s.Len(s.recorder.Discovered, 1)
}

func (s *CoordinatorTestSuite) TestCustomScanTimeout() {
	c := s.newCoordinator(&link.Options{Scheduler: s.scheduler, ScanTimeout: 10 * time.Second})
	c.Scan(nil)
	s.Equal(10*time.Second, s.scheduler.Last().Delay)
}

func (s *CoordinatorTestSuite) TestFullLifecycle() {
	s.link(deviceA)

	s.coord.DeviceDisconnected(deviceA.ID, errors.New("supervision timeout"))

	s.Equal([]link.StateKind{
		link.Disconnected,
		link.Connecting,
		link.Connected,
		link.Notifying,
		link.Disconnected,
	}, s.recorder.Kinds())
	s.adapter.AssertCalled(s.T(), "Connect", deviceA)
}

func (s *CoordinatorTestSuite) TestConnectFailure() {
	s.coord.SelectDevice(&deviceA)
	s.coord.ConnectFailed(deviceA.ID, errors.New("timeout"))

	s.Equal(link.Disconnected, s.coord.State().Kind)

	s.coord.Connect()
	s.Equal(link.Connecting, s.coord.State().Kind)
	s.adapter.AssertNumberOfCalls(s.T(), "Connect", 2)
}

func (s *CoordinatorTestSuite) TestConnectRequestError() {
	adapter := testutils.NewMockAdapter(true)
	adapter.On("Connect", mock.Anything).Unset()
	adapter.On("Connect", mock.Anything).Return(errors.New("radio busy"))
	s.adapter = adapter
	c := s.newCoordinator(&link.Options{Scheduler: s.scheduler})

	c.SelectDevice(&deviceA)

	s.Equal([]link.StateKind{link.Disconnected, link.Connecting, link.Disconnected}, s.recorder.Kinds())
}

func (s *CoordinatorTestSuite) TestConnectWhileLinkedIsIgnored() {
	s.link(deviceA)
	s.coord.Connect()
	s.adapter.AssertNumberOfCalls(s.T(), "Connect", 1)
}

func (s *CoordinatorTestSuite) TestConnectWithoutTarget() {
	s.coord.Connect()
	s.adapter.AssertNotCalled(s.T(), "Connect", mock.Anything)
	s.Equal(link.Unassigned, s.coord.State().Kind)
}

func (s *CoordinatorTestSuite) TestSelectingNewDeviceCancelsPriorFirst() {
	s.link(deviceA)
	s.adapter.ResetCalls()

	s.coord.SelectDevice(&deviceB)

	s.Equal([]string{
		"CancelConnection:" + deviceA.ID,
		"Connect:" + deviceB.ID,
	}, s.adapter.Commands())
	s.Equal(deviceB.ID, s.coord.Target().ID)
	s.Equal(link.Connecting, s.coord.State().Kind)
}

func (s *CoordinatorTestSuite) TestClearingSelection() {
	s.link(deviceA)

	s.coord.SelectDevice(nil)

	s.Nil(s.coord.Target())
	s.Equal(link.Unassigned, s.coord.State().Kind)
	s.adapter.AssertCalled(s.T(), "CancelConnection", deviceA)
}

func (s *CoordinatorTestSuite) TestClearingSelectionDuringScanWindow() {
	s.link(deviceA)
	s.coord.Scan(nil)

	s.coord.SelectDevice(nil)
	s.Equal(link.Scanning, s.coord.State().Kind, "the open window keeps Scanning")
	s.adapter.AssertCalled(s.T(), "CancelConnection", deviceA)

	s.scheduler.Last().Fire()
	s.Equal(link.Unassigned, s.coord.State().Kind)
}

func (s *CoordinatorTestSuite) TestClearingSelectionWhileUnavailable() {
	s.link(deviceA)
	s.adapter.SetReady(false, "powered off")
	s.coord.AdapterStateChanged(s.adapter.State())

	s.coord.SelectDevice(nil)
	s.Equal(link.Unavailable, s.coord.State().Kind)

	s.adapter.SetReady(true, "")
	s.coord.AdapterStateChanged(s.adapter.State())
	s.Equal(link.Unassigned, s.coord.State().Kind)
}

func (s *CoordinatorTestSuite) TestEventsForPriorDeviceAreIgnored() {
	s.link(deviceA)
	s.coord.SelectDevice(&deviceB)
	s.recorder.Reset()

	s.coord.DeviceDisconnected(deviceA.ID, nil)
	s.coord.DeviceConnected(deviceA.ID)
	s.coord.DataReceived(deviceA.ID, frame.Encode(frame.Message{Identifier: 1}))

	s.Empty(s.recorder.States)
	s.Empty(s.recorder.Messages)
	s.Equal(link.Connecting, s.coord.State().Kind)
}

func (s *CoordinatorTestSuite) TestOutOfOrderEventsAreIgnored() {
	s.coord.SelectDevice(&deviceA)
	s.coord.NotificationsEnabled(deviceA.ID)
	s.Equal(link.Connecting, s.coord.State().Kind)

	s.coord.Disconnect()
	s.coord.DeviceConnected(deviceA.ID)
	s.Equal(link.Disconnected, s.coord.State().Kind)
}

func (s *CoordinatorTestSuite) TestDisconnect() {
	s.link(deviceA)
	s.adapter.ResetCalls()

	s.coord.Disconnect()

	s.Equal(link.Disconnected, s.coord.State().Kind)
	s.Equal([]string{"CancelConnection:" + deviceA.ID}, s.adapter.Commands())

	s.coord.Disconnect()
	s.Len(s.adapter.Commands(), 1, "disconnecting twice only cancels once")
}

func (s *CoordinatorTestSuite) TestScanDuringConnectKeepsLinkProgress() {
	s.coord.SelectDevice(&deviceA)
	s.coord.Scan(nil)
	s.Equal(link.Scanning, s.coord.State().Kind)

	s.coord.DeviceConnected(deviceA.ID)
	s.coord.NotificationsEnabled(deviceA.ID)
	s.Equal(link.Notifying, s.coord.State().Kind)
	s.True(s.coord.Linked())

	s.scheduler.Last().Fire()
	s.Equal(link.Notifying, s.coord.State().Kind, "the scan window closing must not drop the link")
	s.Require().Len(s.recorder.Discovered, 1)

	s.adapter.ResetCalls()
	s.coord.Disconnect()
	s.Equal([]string{"CancelConnection:" + deviceA.ID}, s.adapter.Commands())
	s.Equal(link.Disconnected, s.coord.State().Kind)
}

func (s *CoordinatorTestSuite) TestScanWhileNotifyingRestoresLinkOnTimeout() {
	s.link(deviceA)
	s.recorder.Reset()

	s.coord.Scan(nil)
	s.True(s.coord.Linked(), "a scan window does not tear the link down")
	s.Require().NoError(s.coord.Send(frame.Message{Identifier: 1}))

	s.scheduler.Last().Fire()
	s.Equal([]link.StateKind{link.Scanning, link.Notifying}, s.recorder.Kinds())

	s.adapter.ResetCalls()
	s.coord.Disconnect()
	s.Equal([]string{"CancelConnection:" + deviceA.ID}, s.adapter.Commands())
	s.Equal(link.Disconnected, s.coord.State().Kind)

	// The next connect reaches the adapter instead of being swallowed.
	s.coord.Connect()
	s.Equal([]string{"CancelConnection:" + deviceA.ID, "Connect:" + deviceA.ID}, s.adapter.Commands())
}

func (s *CoordinatorTestSuite) TestDisconnectDuringScanWindow() {
	s.link(deviceA)
	s.coord.Scan(nil)

	s.coord.Disconnect()
	s.adapter.AssertCalled(s.T(), "CancelConnection", deviceA)
	s.Equal(link.Disconnected, s.coord.State().Kind)

	s.scheduler.Last().Fire()
	s.Equal(link.Disconnected, s.coord.State().Kind)
	s.False(s.coord.Linked())
}

func (s *CoordinatorTestSuite) TestScanWithIdleTargetEndsDisconnected() {
	s.coord.SelectDevice(&deviceA)
	s.coord.ConnectFailed(deviceA.ID, errors.New("timeout"))
	s.coord.Scan(nil)

	s.scheduler.Last().Fire()

	s.Equal(link.Disconnected, s.coord.State().Kind, "the target is still selected")
	s.Equal(deviceA.ID, s.coord.Target().ID)
}

func (s *CoordinatorTestSuite) TestDeferredActionsCoalesce() {
	s.adapter.SetReady(false, "powered off")
	s.coord.AdapterStateChanged(s.adapter.State())
	s.Equal(link.UnavailableState("powered off"), s.coord.State())

	s.coord.Scan(nil)
	s.Equal("scan", s.coord.PendingAction())
	s.coord.SelectDevice(&deviceA)
	s.Equal("connect", s.coord.PendingAction())
	s.adapter.AssertNotCalled(s.T(), "StartScan", mock.Anything)
	s.adapter.AssertNotCalled(s.T(), "Connect", mock.Anything)

	s.adapter.SetReady(true, "")
	s.coord.AdapterStateChanged(s.adapter.State())

	s.Empty(s.coord.PendingAction())
	s.adapter.AssertNotCalled(s.T(), "StartScan", mock.Anything)
	s.adapter.AssertNumberOfCalls(s.T(), "Connect", 1)
	s.Equal([]link.StateKind{
		link.Unavailable,
		link.Disconnected,
		link.Connecting,
	}, s.recorder.Kinds())

	// Readiness repeating must not run the action again.
	s.coord.AdapterStateChanged(s.adapter.State())
	s.adapter.AssertNumberOfCalls(s.T(), "Connect", 1)
}

func (s *CoordinatorTestSuite) TestDeferredScanRunsWhenReady() {
	s.adapter.SetReady(false, "unauthorized")
	s.coord.AdapterStateChanged(s.adapter.State())
	s.coord.Scan([]string{"2220"})

	s.adapter.SetReady(true, "")
	s.coord.AdapterStateChanged(s.adapter.State())

	s.Equal([]link.StateKind{link.Unavailable, link.Unassigned, link.Scanning}, s.recorder.Kinds())
	s.adapter.AssertCalled(s.T(), "StartScan", []string{"2220"})
}

func (s *CoordinatorTestSuite) TestAdapterLossWhileLinked() {
	s.link(deviceA)

	s.adapter.SetReady(false, "powered off")
	s.coord.AdapterStateChanged(s.adapter.State())
	s.Equal(link.Unavailable, s.coord.State().Kind)
	s.Equal("powered off", s.coord.State().Reason)

	s.adapter.SetReady(true, "")
	s.coord.AdapterStateChanged(s.adapter.State())
	s.Equal(link.Disconnected, s.coord.State().Kind, "target is kept across an adapter outage")
	s.Equal(deviceA.ID, s.coord.Target().ID)
}

func (s *CoordinatorTestSuite) TestSameStateIsNotReported() {
	s.coord.AdapterStateChanged(link.AdapterState{Ready: true})
	s.Empty(s.recorder.States)

	s.coord.AdapterStateChanged(link.AdapterState{Ready: false, Reason: "off"})
	s.coord.AdapterStateChanged(link.AdapterState{Ready: false, Reason: "off"})
	s.Len(s.recorder.States, 1)
}

func (s *CoordinatorTestSuite) TestMessagesAreDelivered() {
	s.link(deviceA)
	stream := testutils.NewFrameStreamBuilder().
		WithMessage(0x2220, frame.FlagIsRPC, 0x01, 0x02).
		WithMessage(0x0001, frame.FlagNone, []byte("hello")...)

	for _, chunk := range testutils.SplitEvery(stream.Bytes(), frame.DefaultChunkSize) {
		s.coord.DataReceived(deviceA.ID, chunk)
	}

	s.Equal(stream.Expected(), s.recorder.Messages)
	s.Equal(uint64(2), s.coord.DecoderStats().Decoded)
}

func (s *CoordinatorTestSuite) TestReceiveBufferResetOnReconnect() {
	s.link(deviceA)
	partial := frame.Encode(frame.Message{Identifier: 7, Payload: []byte{1, 2, 3, 4, 5}})
	s.coord.DataReceived(deviceA.ID, partial[:4])

	s.coord.DeviceDisconnected(deviceA.ID, nil)
	s.coord.Connect()
	s.coord.DeviceConnected(deviceA.ID)

	// The old tail must not be glued onto bytes from the new link.
	s.coord.DataReceived(deviceA.ID, partial[4:])
	s.Empty(s.recorder.Messages)

	fresh := frame.Message{Identifier: 8, Payload: []byte{9}}
	s.coord.DataReceived(deviceA.ID, frame.Encode(fresh))
	s.Equal([]frame.Message{fresh}, s.recorder.Messages)
}

func (s *CoordinatorTestSuite) TestSend() {
	msg := frame.Message{Identifier: 0x2220, Flags: frame.FlagRequiresACK, Payload: []byte("a payload longer than one chunk")}

	s.ErrorIs(s.coord.Send(msg), link.ErrNoTarget)

	s.coord.SelectDevice(&deviceA)
	err := s.coord.Send(msg)
	s.ErrorIs(err, link.ErrNotConnected)
	s.Contains(err.Error(), "connecting")

	s.coord.DeviceConnected(deviceA.ID)
	s.Require().NoError(s.coord.Send(msg))

	encoded := frame.Encode(msg)
	s.Equal(encoded, s.adapter.Written())
	s.adapter.AssertNumberOfCalls(s.T(), "Write", len(frame.Chunk(encoded, frame.DefaultChunkSize)))
}

func (s *CoordinatorTestSuite) TestSendWriteError() {
	adapter := testutils.NewMockAdapter(true)
	adapter.On("Write", mock.Anything, mock.Anything).Unset()
	adapter.On("Write", mock.Anything, mock.Anything).Return(errors.New("link lost"))
	s.adapter = adapter
	c := s.newCoordinator(&link.Options{Scheduler: s.scheduler})
	c.SelectDevice(&deviceA)
	c.DeviceConnected(deviceA.ID)

	err := c.Send(frame.Message{Identifier: 1})
	s.Require().Error(err)
	s.Contains(err.Error(), "link lost")
}

func (s *CoordinatorTestSuite) TestMetrics() {
	reg := prometheus.NewRegistry()
	m := metrics.NewLinkMetrics(reg)
	c := s.newCoordinator(&link.Options{Scheduler: s.scheduler, Metrics: m})

	c.SelectDevice(&deviceA)
	c.DeviceConnected(deviceA.ID)
	stream := testutils.NewFrameStreamBuilder().
		WithMessage(1, 0, 0x01).
		WithCorruptedMessage(2, 0, 0, 0x02, 0x03)
	c.DataReceived(deviceA.ID, stream.Bytes())

	s.Equal(1.0, testutil.ToFloat64(m.FramesTotal.WithLabelValues(metrics.FrameOK)))
	s.Equal(1.0, testutil.ToFloat64(m.FramesTotal.WithLabelValues(metrics.FrameChecksumMismatch)))
	s.Equal(float64(len(stream.Bytes())), testutil.ToFloat64(m.BytesReceived))
	s.Equal(1.0, testutil.ToFloat64(m.MessagesTotal))
	s.Equal(1.0, testutil.ToFloat64(m.StateTransitionsTotal.WithLabelValues("connected")))
}

func TestCoordinatorTestSuite(t *testing.T) {
	suite.Run(t, new(CoordinatorTestSuite))
}
