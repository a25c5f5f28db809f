// Package bridge exposes a BLE serial link as a local pseudo-terminal, so
// OBD software that expects a serial ELM327 can drive a BLE adapter.
package bridge

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/srg/blefleet/internal/obd"
	"github.com/srg/blefleet/internal/ptyio"
)

const (
	DefaultPtyStdoutBufferSize = 4096 // adapter to client
	DefaultPtyStdinBufferSize  = 1024 // client to adapter
)

type Options struct {
	Link   obd.Link
	Logger *logrus.Logger

	PtyStdinBufferSize  int
	PtyStdoutBufferSize int
	// TTYSymlinkPath, when set, gets a symlink to the slave, e.g. /tmp/obd.
	TTYSymlinkPath string
	// Handler observes every request/response pair crossing the bridge.
	Handler obd.ResponseHandler
}

// Bridge pumps bytes between a PTY and a link in both directions.
type Bridge struct {
	logger  *logrus.Logger
	link    obd.Link
	pty     ptyio.PTY
	symlink string
	handler obd.ResponseHandler

	unlisten func()
	failed   chan error

	mu      sync.Mutex
	line    strings.Builder // client input since the last carriage return
	request string          // last complete client line
	reader  *obd.StreamReader

	closeOnce sync.Once
	closeErr  error
}

// Start creates the PTY and begins forwarding.
func Start(opts Options) (*Bridge, error) {
	if opts.Link == nil {
		return nil, fmt.Errorf("failed to start bridge: link is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	if opts.PtyStdinBufferSize == 0 {
		opts.PtyStdinBufferSize = DefaultPtyStdinBufferSize
	}
	if opts.PtyStdoutBufferSize == 0 {
		opts.PtyStdoutBufferSize = DefaultPtyStdoutBufferSize
	}

	b := &Bridge{
		logger:  logger,
		link:    opts.Link,
		handler: opts.Handler,
		failed:  make(chan error, 1),
		reader:  obd.NewStreamReader(opts.PtyStdoutBufferSize),
	}

	p, err := ptyio.New(ptyio.Options{
		ReadCap:  opts.PtyStdinBufferSize,
		WriteCap: opts.PtyStdoutBufferSize,
		Logger:   logger,
		OnError: func(err error) {
			select {
			case b.failed <- err:
			default:
			}
		},
	})
	if err != nil {
		return nil, err
	}
	b.pty = p
	logger.WithField("tty", p.TTYName()).Info("Created PTY device")

	if opts.TTYSymlinkPath != "" {
		if err := os.Symlink(p.TTYName(), opts.TTYSymlinkPath); err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("failed to create tty symlink %s -> %s: %w", opts.TTYSymlinkPath, p.TTYName(), err)
		}
		b.symlink = opts.TTYSymlinkPath
		logger.WithFields(logrus.Fields{
			"ttySymlink": b.symlink,
			"target":     p.TTYName(),
		}).Info("Created PTY symlink")
	}

	b.unlisten = b.link.Listen(b.fromAdapter)
	p.SetReadCallback(b.fromClient)
	return b, nil
}

func (b *Bridge) TTYName() string { return b.pty.TTYName() }

// TTYSymlink is empty when no symlink was requested.
func (b *Bridge) TTYSymlink() string { return b.symlink }

func (b *Bridge) Stats() ptyio.Stats { return b.pty.Stats() }

// Failed delivers the first PTY I/O failure; the bridge is useless after it.
func (b *Bridge) Failed() <-chan error { return b.failed }

func (b *Bridge) fromClient(data []byte) {
	chunk := append([]byte(nil), data...)
	if b.handler != nil {
		b.track(chunk)
	}
	if err := b.link.Send(chunk); err != nil {
		b.logger.WithError(err).Warn("Dropped client input, adapter link unavailable")
	}
}

// track remembers the last complete line the client sent. It runs before the
// line is forwarded so the answer always finds it.
func (b *Bridge) track(chunk []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range string(chunk) {
		switch c {
		case '\r', '\n':
			if s := strings.TrimSpace(b.line.String()); s != "" {
				b.request = s
			}
			b.line.Reset()
		default:
			b.line.WriteRune(c)
		}
	}
}

func (b *Bridge) fromAdapter(chunk []byte) {
	if n, err := b.pty.Write(chunk); err != nil {
		b.logger.WithError(err).Debug("PTY closed, adapter output dropped")
		return
	} else if n < len(chunk) {
		b.logger.WithField("dropped", len(chunk)-n).Warn("Client is not reading, adapter output dropped")
	}
	if b.handler == nil {
		return
	}

	type exchange struct{ request, response string }
	var exchanges []exchange

	b.mu.Lock()
	frames, err := b.reader.Feed(chunk)
	for _, frame := range frames {
		// drop the echo when the client left ATE1 on
		if b.request != "" {
			frame = strings.TrimSpace(strings.TrimPrefix(frame, b.request))
		}
		exchanges = append(exchanges, exchange{b.request, frame})
		b.request = ""
	}
	b.mu.Unlock()

	if err != nil {
		b.logger.WithError(err).Debug("Adapter frame too long to observe")
	}
	for _, ex := range exchanges {
		b.handler(ex.request, ex.response)
	}
}

// Close stops forwarding, removes the symlink and closes the PTY.
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() {
		if b.unlisten != nil {
			b.unlisten()
		}
		b.pty.SetReadCallback(nil)

		var errs []error
		if b.symlink != "" {
			if err := os.Remove(b.symlink); err != nil {
				errs = append(errs, fmt.Errorf("remove tty symlink: %w", err))
			} else {
				b.logger.WithField("ttySymlink", b.symlink).Debug("Removed tty symlink")
			}
		}
		errs = append(errs, b.pty.Close())
		b.closeErr = errors.Join(errs...)
	})
	return b.closeErr
}
