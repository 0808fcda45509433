package testutils

import (
	"math/rand"

	"github.com/srg/ubplink/internal/frame"
)

// FrameStreamBuilder builds a raw notification byte stream for decoder tests.
// It provides a fluent API for mixing valid frames, corrupted frames and noise,
// and remembers which messages a correct decoder must emit.
type FrameStreamBuilder struct {
	stream   []byte
	expected []frame.Message
}

// NewFrameStreamBuilder creates an empty stream builder.
func NewFrameStreamBuilder() *FrameStreamBuilder {
	return &FrameStreamBuilder{}
}

// WithMessage appends a valid encoded frame and records it as expected.
func (b *FrameStreamBuilder) WithMessage(id uint16, flags uint8, payload ...byte) *FrameStreamBuilder {
	msg := frame.Message{Identifier: id, Flags: flags, Payload: append([]byte{}, payload...)}
	b.stream = append(b.stream, frame.Encode(msg)...)
	b.expected = append(b.expected, msg)
	return b
}

// WithCorruptedMessage appends a frame whose payload byte at index has been flipped
// after the checksum was computed. It is not recorded as expected.
func (b *FrameStreamBuilder) WithCorruptedMessage(id uint16, flags uint8, index int, payload ...byte) *FrameStreamBuilder {
	if index < 0 || index >= len(payload) {
		panic("WithCorruptedMessage: index out of payload range")
	}
	encoded := frame.Encode(frame.Message{Identifier: id, Flags: flags, Payload: payload})

	// Rebuild the frame with one payload byte changed but the original checksum kept.
	packet := frame.Unescape(encoded[1 : len(encoded)-1])
	packet[frame.HeaderLen+index] ^= 0x5A
	corrupted := append([]byte{frame.End}, frame.Escape(nil, packet)...)
	b.stream = append(b.stream, append(corrupted, frame.End)...)
	return b
}

// WithRaw appends bytes verbatim.
func (b *FrameStreamBuilder) WithRaw(data ...byte) *FrameStreamBuilder {
	b.stream = append(b.stream, data...)
	return b
}

// Bytes returns a copy of the built stream.
func (b *FrameStreamBuilder) Bytes() []byte {
	return append([]byte{}, b.stream...)
}

// Expected returns the messages a decoder must emit for the stream, in order.
func (b *FrameStreamBuilder) Expected() []frame.Message {
	return append([]frame.Message{}, b.expected...)
}

// SplitEvery splits data into chunks of exactly size bytes (the last may be shorter).
func SplitEvery(data []byte, size int) [][]byte {
	return frame.Chunk(data, size)
}

// SplitRandom splits data into chunks of random length between 1 and maxChunk.
func SplitRandom(rng *rand.Rand, data []byte, maxChunk int) [][]byte {
	var chunks [][]byte
	for len(data) > 0 {
		n := 1 + rng.Intn(maxChunk)
		if n > len(data) {
			n = len(data)
		}
		chunks = append(chunks, data[:n])
		data = data[n:]
	}
	return chunks
}
