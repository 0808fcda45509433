package frame_test

import (
	"testing"

	"github.com/srg/ubplink/internal/frame"
	"github.com/stretchr/testify/assert"
)

func TestEscape(t *testing.T) {
	tests := []struct {
		name     string
		input    []byte
		expected []byte
	}{
		{name: "plain bytes unchanged", input: []byte{0x01, 0x02}, expected: []byte{0x01, 0x02}},
		{name: "END is escaped", input: []byte{frame.End}, expected: []byte{frame.Esc, frame.EscEnd}},
		{name: "ESC is escaped", input: []byte{frame.Esc}, expected: []byte{frame.Esc, frame.EscEsc}},
		{
			name:     "mixed content",
			input:    []byte{0x10, frame.End, 0x20, frame.Esc, 0x30},
			expected: []byte{0x10, frame.Esc, frame.EscEnd, 0x20, frame.Esc, frame.EscEsc, 0x30},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, frame.Escape(nil, tt.input))
			assert.Equal(t, tt.input, frame.Unescape(tt.expected))
		})
	}
}

func TestUnescape_ProtocolViolations(t *testing.T) {
	t.Run("ESC followed by other byte keeps that byte", func(t *testing.T) {
		assert.Equal(t, []byte{0x01, 0x42}, frame.Unescape([]byte{0x01, frame.Esc, 0x42}))
	})

	t.Run("trailing ESC is dropped", func(t *testing.T) {
		assert.Equal(t, []byte{0x01}, frame.Unescape([]byte{0x01, frame.Esc}))
	})

	t.Run("escaped ESC before EscEnd literal", func(t *testing.T) {
		// ESC ESC_ESC ESC_END must decode to ESC, ESC_END (not ESC, END)
		assert.Equal(t, []byte{frame.Esc, frame.EscEnd}, frame.Unescape([]byte{frame.Esc, frame.EscEsc, frame.EscEnd}))
	})
}

func TestEscape_AppendsToDst(t *testing.T) {
	dst := []byte{frame.End}
	out := frame.Escape(dst, []byte{0x01})
	assert.Equal(t, []byte{frame.End, 0x01}, out)
}
