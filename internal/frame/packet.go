package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Packet field sizes
const (
	IdentifierLen = 2
	FlagsLen      = 1
	HeaderLen     = IdentifierLen + FlagsLen
	ChecksumLen   = 1

	// DefaultChunkSize matches the peripheral's notification payload size.
	DefaultChunkSize = 20

	// DefaultMaxFrame is the peripheral's receive buffer, END markers included.
	DefaultMaxFrame = 64
	// MinFrameSize fits one payload byte whatever the header, payload and checksum values.
	MinFrameSize = 2 + 2*(HeaderLen+1+ChecksumLen)
)

// Transmission flags, as defined by the peripheral firmware.
const (
	FlagNone        uint8 = 0
	FlagIsRPC       uint8 = 1 << 0
	FlagRequiresACK uint8 = 1 << 1
)

// Frame errors
var (
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrFrameTooShort    = errors.New("frame too short")
	ErrBufferOverflow   = errors.New("receive buffer overflow")
	ErrFrameSize        = errors.New("frame size too small")
)

// Message is a decoded packet whose checksum validated.
type Message struct {
	Identifier uint16
	Flags      uint8
	Payload    []byte
}

func (m Message) String() string {
	return fmt.Sprintf("id=0x%04x flags=0x%02x payload=% x", m.Identifier, m.Flags, m.Payload)
}

// layout selects where the flags byte is read from.
type layout struct {
	flagsOffset int
}

var (
	// standardLayout reads flags right after the identifier, where the firmware writes them.
	standardLayout = layout{flagsOffset: IdentifierLen}
	// legacyLayout reads flags from the identifier's high byte, like the first host implementation did.
	legacyLayout = layout{flagsOffset: IdentifierLen - 1}
)

// DecodeFrame decodes the still-escaped bytes found between two END markers.
func DecodeFrame(escaped []byte) (Message, error) {
	return decodeFrame(escaped, standardLayout)
}

func decodeFrame(escaped []byte, l layout) (Message, error) {
	packet := Unescape(escaped)
	if len(packet) < ChecksumLen+1 {
		return Message{}, fmt.Errorf("%w: %d unescaped bytes", ErrFrameTooShort, len(packet))
	}

	body := packet[:len(packet)-ChecksumLen]
	embedded := packet[len(packet)-ChecksumLen]
	if computed := Checksum(body); computed != embedded {
		return Message{}, fmt.Errorf("%w: embedded 0x%02x, computed 0x%02x", ErrChecksumMismatch, embedded, computed)
	}

	if len(body) < HeaderLen {
		return Message{}, fmt.Errorf("%w: %d bytes, header needs %d", ErrFrameTooShort, len(body), HeaderLen)
	}

	return Message{
		Identifier: binary.LittleEndian.Uint16(body[:IdentifierLen]),
		Flags:      body[l.flagsOffset],
		Payload:    body[HeaderLen:],
	}, nil
}

// Encode builds a complete frame for msg: END, escaped packet with checksum, END.
func Encode(msg Message) []byte {
	packet := make([]byte, 0, HeaderLen+len(msg.Payload)+ChecksumLen)
	packet = binary.LittleEndian.AppendUint16(packet, msg.Identifier)
	packet = append(packet, msg.Flags)
	packet = append(packet, msg.Payload...)
	packet = append(packet, Checksum(packet))

	out := make([]byte, 0, 2*len(packet)+2)
	out = append(out, End)
	out = Escape(out, packet)
	return append(out, End)
}

// Chunk splits data into pieces of at most size bytes.
// A non-positive size selects DefaultChunkSize.
func Chunk(data []byte, size int) [][]byte {
	if size <= 0 {
		size = DefaultChunkSize
	}
	chunks := make([][]byte, 0, (len(data)+size-1)/size)
	for len(data) > 0 {
		n := min(size, len(data))
		chunks = append(chunks, data[:n])
		data = data[n:]
	}
	return chunks
}

// SplitPayload cuts data into payloads whose frames, encoded with id and flags,
// are at most maxFrame bytes long. The checksum is budgeted as if escaped.
func SplitPayload(id uint16, flags uint8, data []byte, maxFrame int) ([][]byte, error) {
	if maxFrame < MinFrameSize {
		return nil, fmt.Errorf("%w: %d, need at least %d", ErrFrameSize, maxFrame, MinFrameSize)
	}
	header := binary.LittleEndian.AppendUint16(make([]byte, 0, HeaderLen), id)
	header = append(header, flags)
	budget := maxFrame - 2 - len(Escape(nil, header)) - 2*ChecksumLen

	var payloads [][]byte
	for len(data) > 0 {
		n, used := 0, 0
		for ; n < len(data); n++ {
			cost := 1
			if data[n] == End || data[n] == Esc {
				cost = 2
			}
			if used+cost > budget {
				break
			}
			used += cost
		}
		payloads = append(payloads, data[:n])
		data = data[n:]
	}
	return payloads, nil
}
