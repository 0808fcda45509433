// Package ptyio exposes a pseudo-terminal whose master side is driven by
// background goroutines, so callers never block on the terminal.
//
//	p, err := ptyio.Open(&ptyio.Options{Logger: logger})
//	if err != nil {
//	    return err
//	}
//	defer p.Close()
//	fmt.Println("attach to", p.TTYName())
//	p.SetReadCallback(func(data []byte) { /* bytes typed into the terminal */ })
//	p.Write([]byte("hello\n")) // queued, never blocks
package ptyio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"github.com/srg/ubplink/internal/groutine"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

const (
	// DefaultWriteCap is the default capacity of the outbound queue, in bytes.
	DefaultWriteCap = 64 * 1024
	// DefaultPollTimeoutMs bounds how long the I/O loops wait before checking for shutdown.
	DefaultPollTimeoutMs = 50
)

// ReadCallback receives bytes written to the slave side. It runs on a
// background goroutine and must not retain data.
type ReadCallback func(data []byte)

// Options configures Open. Zero values select defaults.
type Options struct {
	WriteCap      int
	PollTimeoutMs int
	Logger        *logrus.Logger
	// OnError is called at most once per loop when it stops on an unexpected error.
	OnError func(err error)
}

// Stats counts PTY traffic.
type Stats struct {
	QueuedBytes  int
	QueueCap     int
	DroppedBytes uint64
	ReadBytes    uint64
	WrittenBytes uint64
}

// Pty is a raw-mode pseudo-terminal with a non-blocking write queue.
type Pty struct {
	logger  *logrus.Logger
	master  *os.File
	slave   *os.File
	ttyName string
	pollMs  int
	onError func(err error)

	writeBuf *ringbuffer.RingBuffer
	readCb   atomic.Value // ReadCallback

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	errOnce      sync.Once
	dropped      atomic.Uint64
	readBytes    atomic.Uint64
	writtenBytes atomic.Uint64
}

var _ io.WriteCloser = (*Pty)(nil)

// Open creates a PTY pair in raw mode and starts its I/O loops.
func Open(opts *Options) (*Pty, error) {
	var o Options
	if opts != nil {
		o = *opts
	}
	if o.WriteCap <= 0 {
		o.WriteCap = DefaultWriteCap
	}
	if o.PollTimeoutMs <= 0 {
		o.PollTimeoutMs = DefaultPollTimeoutMs
	}
	if o.Logger == nil {
		o.Logger = logrus.New()
		o.Logger.SetOutput(io.Discard)
	}

	master, slave, err := createPTY()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pty{
		logger:   o.Logger,
		master:   master,
		slave:    slave,
		ttyName:  slave.Name(),
		pollMs:   o.PollTimeoutMs,
		onError:  o.OnError,
		writeBuf: ringbuffer.New(o.WriteCap),
		ctx:      ctx,
		cancel:   cancel,
	}

	p.wg.Add(2)
	groutine.Go(ctx, "pty-read-loop", func(context.Context) { p.readLoop() })
	groutine.Go(ctx, "pty-write-loop", func(context.Context) { p.writeLoop() })

	return p, nil
}

// TTYName returns the path of the slave device, e.g. /dev/pts/5.
func (p *Pty) TTYName() string {
	return p.ttyName
}

// SetReadCallback installs cb for bytes arriving from the slave. Nil unregisters.
func (p *Pty) SetReadCallback(cb ReadCallback) {
	p.readCb.Store(cb)
}

// Write queues data for the slave. When the queue is full the excess is
// dropped and n reports how much was queued.
func (p *Pty) Write(data []byte) (int, error) {
	if p.closed.Load() {
		return 0, os.ErrClosed
	}
	if len(data) == 0 {
		return 0, nil
	}

	n, err := p.writeBuf.Write(data)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsFull) {
		return n, err
	}
	if n < len(data) {
		p.dropped.Add(uint64(len(data) - n))
		p.logger.WithFields(logrus.Fields{
			"queued":  n,
			"dropped": len(data) - n,
		}).Warn("PTY write queue full")
	}
	return n, nil
}

// Stats returns a snapshot of the counters.
func (p *Pty) Stats() Stats {
	return Stats{
		QueuedBytes:  p.writeBuf.Length(),
		QueueCap:     p.writeBuf.Capacity(),
		DroppedBytes: p.dropped.Load(),
		ReadBytes:    p.readBytes.Load(),
		WrittenBytes: p.writtenBytes.Load(),
	}
}

// Close stops the loops and closes both sides. It is safe to call more than once.
func (p *Pty) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.cancel()

	var errs []error
	if err := p.master.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close PTY master: %w", err))
	}
	if err := p.slave.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close PTY slave: %w", err))
	}
	p.wg.Wait()
	return errors.Join(errs...)
}

func (p *Pty) fail(loop string, err error) {
	p.logger.WithError(err).WithField("loop", loop).Warn("PTY loop stopped")
	if p.onError != nil {
		p.errOnce.Do(func() { p.onError(fmt.Errorf("%s: %w", loop, err)) })
	}
}

func (p *Pty) readLoop() {
	defer p.wg.Done()

	fd := int(p.master.Fd())
	pollFd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	buf := make([]byte, 4096)

	for p.ctx.Err() == nil {
		ready, err := unix.Poll(pollFd, p.pollMs)
		if err != nil && !errors.Is(err, syscall.EINTR) {
			p.logger.WithError(err).Debug("PTY read poll failed")
			continue
		}
		if ready == 0 {
			continue
		}

		n, err := p.master.Read(buf)
		if n > 0 {
			p.readBytes.Add(uint64(n))
			if cb, ok := p.readCb.Load().(ReadCallback); ok && cb != nil {
				cb(buf[:n])
			}
		}
		if err != nil {
			switch {
			case errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EINTR):
				continue
			case errors.Is(err, syscall.EBADF), errors.Is(err, os.ErrClosed), errors.Is(err, io.EOF):
				return
			default:
				if p.ctx.Err() == nil {
					p.fail("read", err)
				}
				return
			}
		}
	}
}

func (p *Pty) writeLoop() {
	defer p.wg.Done()

	fd := int(p.master.Fd())
	pollFd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	buf := make([]byte, 4096)

	for p.ctx.Err() == nil {
		if p.writeBuf.IsEmpty() {
			// Nothing queued; sleep on the poll timeout.
			_, _ = unix.Poll(nil, p.pollMs)
			continue
		}

		n, err := p.writeBuf.TryRead(buf)
		if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
			p.logger.WithError(err).Debug("PTY queue read failed")
			continue
		}

		for off := 0; off < n; {
			written, err := p.master.Write(buf[off:n])
			if written > 0 {
				off += written
				p.writtenBytes.Add(uint64(written))
			}
			if err == nil {
				continue
			}
			switch {
			case errors.Is(err, syscall.EINTR):
			case errors.Is(err, syscall.EAGAIN):
				_, _ = unix.Poll(pollFd, p.pollMs)
			case errors.Is(err, syscall.EBADF), errors.Is(err, os.ErrClosed):
				return
			default:
				if p.ctx.Err() == nil {
					p.fail("write", err)
				}
				return
			}
			if p.ctx.Err() != nil {
				return
			}
		}
	}
}

// createPTY opens a PTY pair, puts the slave in raw mode and the master in non-blocking mode.
func createPTY() (master, slave *os.File, err error) {
	master, slave, err = pty.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create PTY (check permissions and available PTY devices): %w", err)
	}

	cleanup := func(cause error) (*os.File, *os.File, error) {
		return nil, nil, errors.Join(cause, master.Close(), slave.Close())
	}

	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		return cleanup(fmt.Errorf("failed to set PTY %s to raw mode: %w", slave.Name(), err))
	}
	if err := syscall.SetNonblock(int(master.Fd()), true); err != nil {
		return cleanup(fmt.Errorf("failed to set PTY %s master to non-blocking mode: %w", slave.Name(), err))
	}
	return master, slave, nil
}
