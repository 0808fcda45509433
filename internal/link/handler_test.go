package link_test

import (
	"testing"

	"github.com/srg/ubplink/internal/frame"
	"github.com/srg/ubplink/internal/link"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMultiHandler_FansOut(t *testing.T) {
	var first, second []string
	h := link.MultiHandler{
		link.HandlerFuncs{StateChanged: func(s link.State) { first = append(first, s.String()) }},
		link.HandlerFuncs{
			StateChanged: func(s link.State) { second = append(second, s.String()) },
			Message:      func(m frame.Message) { second = append(second, m.String()) },
		},
	}

	h.OnStateChanged(link.UnavailableState("powered off"))
	h.OnMessage(frame.Message{Identifier: 1, Payload: []byte{0xAB}})
	h.OnDiscovered(nil)

	assert.Equal(t, []string{"unavailable(powered off)"}, first)
	assert.Equal(t, []string{"unavailable(powered off)", "id=0x0001 flags=0x00 payload=ab"}, second)
}

func TestEventStream_DropsOldestWhenFull(t *testing.T) {
	stream := link.NewEventStream(2, nil)

	stream.OnStateChanged(link.State{Kind: link.Scanning})
	stream.OnDiscovered([]link.Device{deviceA})
	stream.OnMessage(frame.Message{Identifier: 3})
	stream.Close()

	var events []link.Event
	for ev := range stream.Events() {
		events = append(events, ev)
	}

	require.Len(t, events, 2)
	assert.Equal(t, link.EventDiscovered, events[0].Kind)
	assert.Equal(t, []link.Device{deviceA}, events[0].Devices)
	assert.Equal(t, link.EventMessage, events[1].Kind)
	assert.Equal(t, uint16(3), events[1].Message.Identifier)
	assert.Equal(t, int64(1), stream.Overwritten())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "notifying", link.State{Kind: link.Notifying}.String())
	assert.Equal(t, "unavailable", link.State{Kind: link.Unavailable}.String())
	assert.Equal(t, "state(42)", link.StateKind(42).String())
	assert.True(t, link.State{Kind: link.Connected}.IsLinked())
	assert.False(t, link.State{Kind: link.Connecting}.IsLinked())
}

func TestDevice_DisplayName(t *testing.T) {
	assert.Equal(t, "ubp-a", deviceA.DisplayName())
	assert.Equal(t, deviceC.ID, deviceC.DisplayName())
	assert.Equal(t, "ubp-a [AA:AA:AA:AA:AA:AA] rssi=-40", deviceA.String())
}

func TestConnectionError_Is(t *testing.T) {
	err := &link.ConnectionError{State: link.NotConnected, Msg: "link is scanning"}
	assert.ErrorIs(t, err, link.ErrNotConnected)
	assert.NotErrorIs(t, err, link.ErrNoTarget)
	assert.Equal(t, "not_connected: link is scanning", err.Error())
}
