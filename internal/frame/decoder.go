package frame

import (
	"errors"

	"github.com/sirupsen/logrus"
)

// DefaultMaxBuffered bounds the receive buffer when no END marker shows up.
// Firmware packets never exceed 64 bytes, so this only trips on garbage.
const DefaultMaxBuffered = 4096

// Stats counts decoder outcomes since creation.
type Stats struct {
	BytesReceived    uint64
	Decoded          uint64
	ChecksumFailures uint64
	Improbable       uint64
	TooShort         uint64
	Overflows        uint64
}

// Dropped returns the number of frames (or buffer contents) discarded.
func (s Stats) Dropped() uint64 {
	return s.ChecksumFailures + s.Improbable + s.TooShort + s.Overflows
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithLogger sets the logger used to report dropped frames.
func WithLogger(logger *logrus.Logger) Option {
	return func(d *Decoder) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithMaxBuffered overrides DefaultMaxBuffered. Zero disables the bound.
func WithMaxBuffered(n int) Option {
	return func(d *Decoder) {
		d.maxBuffered = n
	}
}

// WithLegacyFlagsOffset reads the flags byte from offset 1, overlapping the
// identifier's high byte. Only useful against hosts that relied on that reading.
func WithLegacyFlagsOffset() Option {
	return func(d *Decoder) {
		d.layout = legacyLayout
	}
}

// WithDropHandler registers a callback invoked for every discarded frame.
// The error wraps one of ErrChecksumMismatch, ErrFrameTooShort or ErrBufferOverflow.
func WithDropHandler(fn func(error)) Option {
	return func(d *Decoder) {
		d.onDrop = fn
	}
}

// Decoder reassembles frames from an arbitrarily fragmented byte stream.
//
// Decoder is not safe for concurrent use. Each Append call is processed
// atomically, and callbacks must not call back into the same Decoder.
type Decoder struct {
	buf         []byte
	onMessage   func(Message)
	onDrop      func(error)
	logger      *logrus.Logger
	maxBuffered int
	layout      layout
	stats       Stats
}

// NewDecoder creates a decoder delivering every valid message to onMessage.
func NewDecoder(onMessage func(Message), opts ...Option) *Decoder {
	d := &Decoder{
		onMessage:   onMessage,
		logger:      logrus.New(),
		maxBuffered: DefaultMaxBuffered,
		layout:      standardLayout,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Append adds a received fragment to the buffer and decodes every frame it completes.
func (d *Decoder) Append(p []byte) {
	if len(p) == 0 {
		return
	}
	d.stats.BytesReceived += uint64(len(p))
	d.buf = append(d.buf, p...)
	d.scan()
}

// scan decodes the frames between consecutive END markers, then trims the
// buffer so it starts at the last END marker found.
func (d *Decoder) scan() {
	prev := -1
	for i, b := range d.buf {
		if b != End {
			continue
		}
		if prev >= 0 {
			if i-prev > 2 {
				d.decode(d.buf[prev+1 : i])
			} else {
				d.stats.Improbable++
				d.logger.WithField("length", i-prev-1).Debug("Ignoring improbable frame")
			}
		}
		prev = i
	}

	if prev > 0 {
		n := copy(d.buf, d.buf[prev:])
		d.buf = d.buf[:n]
	}

	if d.maxBuffered > 0 && len(d.buf) > d.maxBuffered {
		d.stats.Overflows++
		d.logger.WithFields(logrus.Fields{
			"buffered": len(d.buf),
			"limit":    d.maxBuffered,
		}).Warn("Receive buffer exceeded limit without a complete frame, discarding")
		d.drop(ErrBufferOverflow)
		d.buf = d.buf[:0]
	}
}

func (d *Decoder) decode(escaped []byte) {
	msg, err := decodeFrame(escaped, d.layout)
	if err != nil {
		switch {
		case errors.Is(err, ErrChecksumMismatch):
			d.stats.ChecksumFailures++
			d.logger.WithError(err).WithField("length", len(escaped)).Warn("Frame failed checksum")
		default:
			d.stats.TooShort++
			d.logger.WithError(err).Debug("Ignoring undersized frame")
		}
		d.drop(err)
		return
	}

	d.stats.Decoded++
	d.logger.WithFields(logrus.Fields{
		"id":      msg.Identifier,
		"flags":   msg.Flags,
		"payload": len(msg.Payload),
	}).Debug("Decoded frame")

	if d.onMessage != nil {
		d.onMessage(msg)
	}
}

func (d *Decoder) drop(err error) {
	if d.onDrop != nil {
		d.onDrop(err)
	}
}

// Buffered returns a copy of the bytes retained for the next Append.
func (d *Decoder) Buffered() []byte {
	out := make([]byte, len(d.buf))
	copy(out, d.buf)
	return out
}

// Len returns the number of retained bytes.
func (d *Decoder) Len() int {
	return len(d.buf)
}

// Reset discards any partial frame.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
}

// Stats returns a snapshot of the decoder counters.
func (d *Decoder) Stats() Stats {
	return d.stats
}
