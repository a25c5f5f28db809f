// Package ptyio exposes a pseudo-terminal master as a non-blocking, ring
// buffered byte pipe. The slave end (TTYName) is left for other programs to
// open; the slave is put in raw mode so bytes pass through untranslated.
//
// Three goroutines serve a PTY: a read loop moving slave output into the read
// ring, a write loop draining the write ring into the master, and a
// dispatcher handing read data to the registered ReadCallback. Both rings
// drop bytes when full; Stats counts what was dropped.
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
	"time"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/srg/blefleet/internal/groutine"
)

const (
	DefaultBufferSize  = 4096
	DefaultPollTimeout = 50 * time.Millisecond

	chunkSize = 4096
)

// ReadCallback receives data written by the slave side. It runs on the
// dispatcher goroutine and must not retain data.
type ReadCallback func(data []byte)

// ErrorCallback is told once per loop when that loop dies on an I/O error.
type ErrorCallback func(err error)

type Options struct {
	ReadCap     int // bytes buffered from the slave
	WriteCap    int // bytes buffered towards the slave
	Logger      *logrus.Logger
	OnError     ErrorCallback
	PollTimeout time.Duration // bounds shutdown latency of the loops
}

type PTY interface {
	io.ReadWriteCloser
	TTYName() string
	Stats() Stats
	// SetReadCallback registers cb (nil unregisters). Reads through the
	// callback and through Read compete for the same data.
	SetReadCallback(cb ReadCallback)
}

type Stats struct {
	ReadQueued   int
	WriteQueued  int
	ReadBytes    uint64
	WriteBytes   uint64
	DroppedRead  uint64
	DroppedWrite uint64
}

type ringPTY struct {
	logger  *logrus.Logger
	onError ErrorCallback
	poll    int // milliseconds

	master, slave *os.File
	ttyName       string

	readBuf, writeBuf *ringbuffer.RingBuffer

	callback atomic.Pointer[ReadCallback]
	notify   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
	errMu  sync.Mutex
	failed map[string]bool

	readBytes, writeBytes     atomic.Uint64
	droppedRead, droppedWrite atomic.Uint64
}

// New opens a PTY pair and starts its loops.
func New(opts Options) (PTY, error) {
	if opts.ReadCap <= 0 {
		opts.ReadCap = DefaultBufferSize
	}
	if opts.WriteCap <= 0 {
		opts.WriteCap = DefaultBufferSize
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultPollTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}

	master, slave, err := openRaw()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &ringPTY{
		logger:   logger,
		onError:  opts.OnError,
		poll:     int(opts.PollTimeout / time.Millisecond),
		master:   master,
		slave:    slave,
		ttyName:  slave.Name(),
		readBuf:  ringbuffer.New(opts.ReadCap),
		writeBuf: ringbuffer.New(opts.WriteCap),
		notify:   make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
		failed:   make(map[string]bool),
	}

	p.wg.Add(3)
	groutine.Go(ctx, "pty-read", func(context.Context) { defer p.wg.Done(); p.readLoop() })
	groutine.Go(ctx, "pty-write", func(context.Context) { defer p.wg.Done(); p.writeLoop() })
	groutine.Go(ctx, "pty-dispatch", func(context.Context) { defer p.wg.Done(); p.dispatchLoop() })

	logger.WithField("tty", p.ttyName).Debug("PTY opened")
	return p, nil
}

// openRaw opens the pair with a raw slave and a non-blocking master.
func openRaw() (master, slave *os.File, err error) {
	master, slave, err = pty.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create PTY (check permissions and available PTY devices): %w", err)
	}
	fail := func(step string, cause error) (*os.File, *os.File, error) {
		name := slave.Name()
		return nil, nil, errors.Join(
			fmt.Errorf("failed to %s on %s: %w", step, name, cause),
			master.Close(),
			slave.Close())
	}
	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		return fail("set raw mode", err)
	}
	if err := syscall.SetNonblock(int(master.Fd()), true); err != nil {
		return fail("set non-blocking mode", err)
	}
	return master, slave, nil
}

func (p *ringPTY) TTYName() string { return p.ttyName }

func (p *ringPTY) Stats() Stats {
	return Stats{
		ReadQueued:   p.readBuf.Length(),
		WriteQueued:  p.writeBuf.Length(),
		ReadBytes:    p.readBytes.Load(),
		WriteBytes:   p.writeBytes.Load(),
		DroppedRead:  p.droppedRead.Load(),
		DroppedWrite: p.droppedWrite.Load(),
	}
}

func (p *ringPTY) fail(loop string, err error) {
	p.logger.WithError(err).WithField("loop", loop).Warn("PTY loop stopped")
	if p.onError == nil {
		return
	}
	p.errMu.Lock()
	first := !p.failed[loop]
	p.failed[loop] = true
	p.errMu.Unlock()
	if first {
		p.onError(fmt.Errorf("pty %s loop: %w", loop, err))
	}
}

// Write queues data for the slave and never blocks. n < len(data) means the
// queue was full and the rest was dropped.
func (p *ringPTY) Write(data []byte) (int, error) {
	if p.closed.Load() {
		return 0, os.ErrClosed
	}
	if len(data) == 0 {
		return 0, nil
	}
	// a full ring stores what fits and reports it through n
	n, _ := p.writeBuf.Write(data)
	if n < len(data) {
		p.droppedWrite.Add(uint64(len(data) - n))
		p.logger.WithFields(logrus.Fields{"queued": n, "size": len(data)}).Warn("PTY write queue full, bytes dropped")
	}
	return n, nil
}

// Read takes buffered slave output without blocking; it returns
// syscall.EAGAIN when nothing is buffered.
func (p *ringPTY) Read(b []byte) (int, error) {
	if p.closed.Load() {
		return 0, os.ErrClosed
	}
	if len(b) == 0 {
		return 0, nil
	}
	n, err := p.readBuf.Read(b)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
		return 0, err
	}
	if n == 0 {
		return 0, syscall.EAGAIN
	}
	return n, nil
}

func (p *ringPTY) SetReadCallback(cb ReadCallback) {
	if p.closed.Load() {
		return
	}
	if cb == nil {
		p.callback.Store(nil)
		return
	}
	p.callback.Store(&cb)
	p.wake()
}

func (p *ringPTY) wake() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *ringPTY) readLoop() {
	fds := []unix.PollFd{{Fd: int32(p.master.Fd()), Events: unix.POLLIN}}
	buf := make([]byte, chunkSize)
	for p.ctx.Err() == nil {
		ready, err := unix.Poll(fds, p.poll)
		if err != nil && !errors.Is(err, syscall.EINTR) {
			p.logger.WithError(err).Debug("PTY read poll failed")
			continue
		}
		if ready == 0 {
			continue
		}

		n, err := p.master.Read(buf)
		if n > 0 {
			written, _ := p.readBuf.Write(buf[:n])
			if written < n {
				p.droppedRead.Add(uint64(n - written))
				p.logger.WithFields(logrus.Fields{"queued": written, "size": n}).Warn("PTY read queue full, bytes dropped")
			}
			p.readBytes.Add(uint64(written))
			if written > 0 {
				p.wake()
			}
		}
		switch {
		case err == nil, errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EINTR):
		case errors.Is(err, syscall.EBADF), errors.Is(err, os.ErrClosed), errors.Is(err, io.EOF):
			return
		case errors.Is(err, syscall.EIO):
			// no slave open right now; a client may open it later
			time.Sleep(time.Duration(p.poll) * time.Millisecond)
		default:
			p.fail("read", err)
			return
		}
	}
}

func (p *ringPTY) writeLoop() {
	fds := []unix.PollFd{{Fd: int32(p.master.Fd()), Events: unix.POLLOUT}}
	buf := make([]byte, chunkSize)
	for p.ctx.Err() == nil {
		n, _ := p.writeBuf.Read(buf)
		if n == 0 {
			time.Sleep(time.Duration(p.poll) * time.Millisecond / 5)
			continue
		}
		for off := 0; off < n && p.ctx.Err() == nil; {
			written, err := p.master.Write(buf[off:n])
			off += written
			p.writeBytes.Add(uint64(written))
			switch {
			case err == nil:
			case errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EINTR):
				_, _ = unix.Poll(fds, p.poll)
			case errors.Is(err, syscall.EBADF), errors.Is(err, os.ErrClosed):
				return
			default:
				p.fail("write", err)
				return
			}
		}
	}
}

func (p *ringPTY) dispatchLoop() {
	buf := make([]byte, chunkSize)
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.notify:
		}
		for p.ctx.Err() == nil {
			cb := p.callback.Load()
			if cb == nil {
				break
			}
			n, _ := p.readBuf.Read(buf)
			if n == 0 {
				break
			}
			p.deliver(*cb, buf[:n])
		}
	}
}

// deliver unregisters a callback that panics.
func (p *ringPTY) deliver(cb ReadCallback, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			p.callback.Store(nil)
			p.fail("dispatch", fmt.Errorf("read callback panicked: %v", r))
		}
	}()
	cb(data)
}

// Close stops the loops and closes both ends. It is idempotent.
func (p *ringPTY) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.cancel()
	err := errors.Join(p.master.Close(), p.slave.Close())

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		p.logger.WithField("tty", p.ttyName).Error("PTY loops did not stop in time")
	}
	return err
}
