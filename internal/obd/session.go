package obd

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blefleet/internal/device"
)

// DefaultResponseTimeout bounds the wait for the prompt after a command. Protocol
// search after ATSP0 can take several seconds on a cold bus.
const DefaultResponseTimeout = 5 * time.Second

// Link is the byte pipe a Session talks over.
type Link interface {
	Send(data []byte) error
	// Listen registers fn for incoming chunks and returns its unregister function.
	Listen(fn func(chunk []byte)) (remove func())
}

// deviceLink runs over the write/notify characteristic pair of a Device's
// serial service. Chunks are delivered on the driver's dispatcher.
type deviceLink struct {
	dev     *device.Device
	service string
	tx, rx  string
}

// DeviceLink binds the serial channel of an ELM327 or BearTooth service on dev.
func DeviceLink(dev *device.Device) (Link, error) {
	for _, family := range []device.Family{device.FamilyELM327, device.FamilyBearTooth} {
		for _, svc := range dev.Services() {
			if svc.Family() != family {
				continue
			}
			if tx, rx, ok := svc.SerialChannel(); ok {
				return &deviceLink{dev: dev, service: svc.UUID(), tx: tx.UUID(), rx: rx.UUID()}, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoSerialChannel, dev.ID())
}

func (l *deviceLink) Send(data []byte) error {
	if !l.dev.IsConnected() {
		return fmt.Errorf("%w: %s", ErrNotConnected, l.dev.ID())
	}
	l.dev.Write(l.service, l.tx, data, false)
	return nil
}

func (l *deviceLink) Listen(fn func(chunk []byte)) func() {
	return l.dev.AddValueListener(func(_ *device.Device, serviceUUID string, c *device.Characteristic, v device.Value) {
		if serviceUUID == l.service && c.UUID() == l.rx {
			fn(v.Bytes())
		}
	})
}

// ResponseHandler observes every completed exchange, including unsolicited
// output (request is "" then).
type ResponseHandler func(request, response string)

type SessionOption func(*Session)

func WithLogger(logger *logrus.Logger) SessionOption {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithResponseTimeout(d time.Duration) SessionOption {
	return func(s *Session) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithResponseHandler(h ResponseHandler) SessionOption {
	return func(s *Session) { s.handler = h }
}

func WithStreamBufferSize(size int) SessionOption {
	return func(s *Session) { s.reader = NewStreamReader(size) }
}

// Session is an ELM327 conversation. It keeps at most one command outstanding:
// a command is written, then the caller blocks until the prompt closes the
// answer, the timeout fires or ctx is done.
//
// Session methods block, so they must not be called from the driver's
// dispatcher, which is where the answers are delivered.
type Session struct {
	link    Link
	logger  *logrus.Logger
	timeout time.Duration
	handler ResponseHandler

	sendMu sync.Mutex

	mu      sync.Mutex
	reader  *StreamReader
	waiter  chan string
	request string
	remove  func()
	closed  bool
	done    chan struct{}
}

func NewSession(link Link, opts ...SessionOption) *Session {
	s := &Session{
		link:    link,
		logger:  logrus.New(),
		timeout: DefaultResponseTimeout,
		reader:  NewStreamReader(DefaultStreamBufferSize),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.remove = link.Listen(s.onChunk)
	return s
}

type exchange struct {
	request, response string
}

func (s *Session) onChunk(chunk []byte) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	frames, err := s.reader.Feed(chunk)
	exchanges := make([]exchange, 0, len(frames))
	for _, frame := range frames {
		if s.waiter != nil {
			s.waiter <- frame
			exchanges = append(exchanges, exchange{request: s.request, response: frame})
			s.waiter = nil
			s.request = ""
			continue
		}
		exchanges = append(exchanges, exchange{response: frame})
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.WithError(err).Warn("Dropped oversized ELM327 response")
	}
	for _, ex := range exchanges {
		if ex.request == "" {
			s.logger.WithField("response", ex.response).Debug("Unsolicited ELM327 output")
		}
		if s.handler != nil {
			s.handler(ex.request, ex.response)
		}
	}
}

func (s *Session) clearWaiter(w chan string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.waiter == w {
		s.waiter = nil
		s.request = ""
	}
}

// Send writes one line (the carriage return is appended) and returns the raw
// text the adapter printed before its prompt.
func (s *Session) Send(ctx context.Context, line string) (string, error) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	w := make(chan string, 1)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrSessionClosed
	}
	s.waiter = w
	s.request = line
	s.mu.Unlock()

	s.logger.WithField("request", line).Debug("Sending ELM327 command")
	if err := s.link.Send([]byte(line + "\r")); err != nil {
		s.clearWaiter(w)
		return "", err
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case frame := <-w:
		return frame, nil
	case <-ctx.Done():
		s.clearWaiter(w)
		return "", ctx.Err()
	case <-timer.C:
		s.clearWaiter(w)
		return "", fmt.Errorf("%w: %s after %s", ErrTimeout, line, s.timeout)
	case <-s.done:
		return "", ErrSessionClosed
	}
}

// Command encodes and sends an AT command and returns its reply text.
func (s *Session) Command(ctx context.Context, cmd *Command, args ...int) (string, error) {
	line, err := Encode(cmd, args...)
	if err != nil {
		return "", err
	}
	raw, err := s.Send(ctx, line)
	if err != nil {
		return "", err
	}
	return ParseATResponse(raw)
}

type initStep struct {
	cmd  *Command
	args []int
}

// initSteps: reset, echo off, linefeeds off, spaces off, headers off, automatic protocol.
var initSteps = []initStep{
	{CmdReset, nil},
	{CmdEcho, []int{0}},
	{CmdLinefeeds, []int{0}},
	{CmdSpaces, []int{0}},
	{CmdHeaders, []int{0}},
	{CmdSetProtocol, []int{0}},
}

// Init brings the adapter into the state the parsers expect and returns the
// version banner printed by ATZ.
func (s *Session) Init(ctx context.Context) (string, error) {
	var version string
	for i, step := range initSteps {
		reply, err := s.Command(ctx, step.cmd, step.args...)
		if err != nil {
			return version, fmt.Errorf("init AT%s: %w", step.cmd.Mnemonic(), err)
		}
		if i == 0 {
			version = reply
			continue
		}
		if reply != "OK" {
			return version, fmt.Errorf("init AT%s: %w: %q", step.cmd.Mnemonic(), ErrMalformedResponse, reply)
		}
	}
	s.logger.WithField("version", version).Info("ELM327 initialized")
	return version, nil
}

// Query sends a diagnostic request and parses every ECU's answer.
func (s *Session) Query(ctx context.Context, service int, pids ...int) ([]Response, error) {
	line, err := EncodeRequest(service, pids...)
	if err != nil {
		return nil, err
	}
	raw, err := s.Send(ctx, line)
	if err != nil {
		return nil, err
	}
	return ParseResponses(raw)
}

// Read queries one service 01 PID and interprets the first answer that carries it.
func (s *Session) Read(ctx context.Context, pid byte) (Result, error) {
	responses, err := s.Query(ctx, 0x01, int(pid))
	if err != nil {
		return Result{}, err
	}
	for _, resp := range responses {
		if resp.HasPID && resp.PID == pid {
			return Interpret(resp)
		}
	}
	return Result{}, fmt.Errorf("%w: no answer carries PID %02X", ErrMalformedResponse, pid)
}

// SupportedPIDs walks the PID 00/20/40/... bitmaps while each one announces
// the next, and returns every supported service 01 PID.
func (s *Session) SupportedPIDs(ctx context.Context) ([]string, error) {
	var all []string
	for base := 0x00; base <= 0xC0; base += 0x20 {
		res, err := s.Read(ctx, byte(base))
		if err != nil {
			if base > 0 && IsNoData(err) {
				break
			}
			return all, err
		}
		all = append(all, res.Values...)
		if !slices.Contains(res.Values, fmt.Sprintf("01%02X", base+0x20)) {
			break
		}
	}
	return all, nil
}

// Close unregisters the session from its link. Pending and later calls fail
// with ErrSessionClosed.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.waiter = nil
	s.reader.Reset()
	close(s.done)
	remove := s.remove
	s.mu.Unlock()

	if remove != nil {
		remove()
	}
	return nil
}
