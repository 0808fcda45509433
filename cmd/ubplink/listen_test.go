package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/srg/ubplink/internal/frame"
	"github.com/stretchr/testify/assert"
)

func TestFormatPayload(t *testing.T) {
	assert.Equal(t, "<empty>", formatPayload(nil, false))
	assert.Equal(t, `"temp=21.5"`, formatPayload([]byte("temp=21.5\r\n"), false))
	assert.Equal(t, "74 65", formatPayload([]byte("te"), true))
	assert.Equal(t, "00 ff", formatPayload([]byte{0x00, 0xFF}, false))
}

func TestMessagePrinter(t *testing.T) {
	var buf bytes.Buffer
	p := newMessagePrinter(&buf, false, false)

	ts := time.Date(2024, 1, 2, 3, 4, 5, 6_000_000, time.UTC)
	p.printAt(ts, frame.Message{Identifier: 0x2220, Flags: frame.FlagRequiresACK, Payload: []byte("ok")})

	assert.Equal(t, "03:04:05.006 [id=0x2220 flags=0x02 len=2] \"ok\"\n", buf.String())
}
