package ptyio

import (
	"errors"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openPTY(t *testing.T, opts Options) (PTY, *os.File) {
	t.Helper()
	p, err := New(opts)
	if err != nil {
		t.Skipf("PTY not available: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })

	tty, err := os.OpenFile(p.TTYName(), os.O_RDWR, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tty.Close() })
	return p, tty
}

func TestReadCallbackReceivesSlaveOutput(t *testing.T) {
	p, tty := openPTY(t, Options{})
	got := make(chan []byte, 4)
	p.SetReadCallback(func(data []byte) { got <- append([]byte(nil), data...) })

	_, err := tty.Write([]byte("ATZ\r"))
	require.NoError(t, err)

	var all []byte
	deadline := time.After(2 * time.Second)
	for len(all) < 4 {
		select {
		case chunk := <-got:
			all = append(all, chunk...)
		case <-deadline:
			require.Fail(t, "callback MUST receive slave output", "got %q", all)
		}
	}
	assert.Equal(t, "ATZ\r", string(all), "raw mode MUST pass bytes untranslated")
}

func TestWriteReachesSlave(t *testing.T) {
	p, tty := openPTY(t, Options{})

	n, err := p.Write([]byte("OK\r\r>"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	buf := make([]byte, 16)
	read := make(chan string, 1)
	go func() {
		n, _ := tty.Read(buf)
		read <- string(buf[:n])
	}()
	select {
	case s := <-read:
		assert.Equal(t, "OK\r\r>", s)
	case <-time.After(2 * time.Second):
		require.Fail(t, "slave MUST receive queued bytes")
	}
}

func TestReadWithoutDataIsEAGAIN(t *testing.T) {
	p, _ := openPTY(t, Options{})
	_, err := p.Read(make([]byte, 8))
	assert.True(t, errors.Is(err, syscall.EAGAIN))
}

func TestWriteQueueOverflowDrops(t *testing.T) {
	p, _ := openPTY(t, Options{WriteCap: 8})
	n, err := p.Write([]byte("0123456789ABCDEF"))
	require.NoError(t, err)
	assert.Equal(t, 8, n, "a full queue MUST keep what fits")
	assert.EqualValues(t, 8, p.Stats().DroppedWrite)
}

func TestClosedPTY(t *testing.T) {
	p, err := New(Options{})
	if err != nil {
		t.Skipf("PTY not available: %v", err)
	}
	require.NoError(t, p.Close())
	require.NoError(t, p.Close(), "close MUST be idempotent")

	_, err = p.Write([]byte("x"))
	assert.ErrorIs(t, err, os.ErrClosed)
	_, err = p.Read(make([]byte, 1))
	assert.ErrorIs(t, err, os.ErrClosed)
}
