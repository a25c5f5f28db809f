package bridge_test

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/srg/blefleet/bridge"
	"github.com/srg/blefleet/internal/testutils"
)

// echoAdapter answers every line with "<line>\r<reply>\r\r>", like an
// ELM327 with echo on, in 20-byte chunks.
type echoAdapter struct {
	mu       sync.Mutex
	replies  map[string]string
	sent     strings.Builder
	listener func([]byte)
}

func (a *echoAdapter) Send(data []byte) error {
	a.mu.Lock()
	a.sent.Write(data)
	fn := a.listener
	a.mu.Unlock()

	line := strings.TrimSpace(string(data))
	reply, ok := a.replies[line]
	if fn == nil || line == "" {
		return nil
	}
	if !ok {
		reply = "?"
	}
	go func() {
		out := []byte(line + "\r" + reply + "\r\r>")
		for len(out) > 0 {
			n := min(20, len(out))
			fn(out[:n])
			out = out[n:]
		}
	}()
	return nil
}

func (a *echoAdapter) Listen(fn func([]byte)) func() {
	a.mu.Lock()
	a.listener = fn
	a.mu.Unlock()
	return func() {
		a.mu.Lock()
		a.listener = nil
		a.mu.Unlock()
	}
}

func (a *echoAdapter) Sent() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sent.String()
}

type BridgeTestSuite struct {
	suite.Suite

	helper  *testutils.TestHelper
	adapter *echoAdapter

	mu        sync.Mutex
	exchanges [][2]string
}

func (suite *BridgeTestSuite) SetupTest() {
	suite.helper = testutils.NewTestHelper(suite.T())
	suite.adapter = &echoAdapter{replies: map[string]string{
		"ATZ":  "ELM327 v1.5",
		"010C": "41 0C 1A F0",
	}}
	suite.exchanges = nil
}

func (suite *BridgeTestSuite) start(opts bridge.Options) *bridge.Bridge {
	opts.Link = suite.adapter
	opts.Logger = suite.helper.Logger
	opts.Handler = func(request, response string) {
		suite.mu.Lock()
		suite.exchanges = append(suite.exchanges, [2]string{request, response})
		suite.mu.Unlock()
	}
	b, err := bridge.Start(opts)
	if err != nil {
		suite.T().Skipf("PTY not available: %v", err)
	}
	suite.T().Cleanup(func() { _ = b.Close() })
	return b
}

func (suite *BridgeTestSuite) openTTY(path string) *os.File {
	tty, err := os.OpenFile(path, os.O_RDWR, 0)
	suite.Require().NoError(err, "slave MUST be openable")
	suite.T().Cleanup(func() { _ = tty.Close() })
	return tty
}

// readUntil reads the tty until the prompt arrives or the timeout expires.
func (suite *BridgeTestSuite) readUntil(tty *os.File, prompt byte, timeout time.Duration) string {
	out := make(chan string, 1)
	go func() {
		var sb strings.Builder
		buf := make([]byte, 256)
		for {
			n, err := tty.Read(buf)
			sb.Write(buf[:n])
			if err != nil || strings.IndexByte(sb.String(), prompt) >= 0 {
				out <- sb.String()
				return
			}
		}
	}()
	select {
	case s := <-out:
		return s
	case <-time.After(timeout):
		suite.FailNow("no prompt from the bridge")
		return ""
	}
}

func (suite *BridgeTestSuite) TestRoundTrip() {
	// GOAL: bytes written to the slave reach the adapter and the adapter's
	// answer comes back on the slave unchanged.
	b := suite.start(bridge.Options{})
	suite.NotEmpty(b.TTYName())
	tty := suite.openTTY(b.TTYName())

	_, err := tty.Write([]byte("010C\r"))
	suite.Require().NoError(err)

	got := suite.readUntil(tty, '>', 2*time.Second)
	suite.Equal("010C\r41 0C 1A F0\r\r>", got)
	suite.Equal("010C\r", suite.adapter.Sent())

	stats := b.Stats()
	suite.EqualValues(len("010C\r"), stats.ReadBytes)
	suite.EqualValues(len(got), stats.WriteBytes)
	suite.Zero(stats.DroppedRead)
	suite.Zero(stats.DroppedWrite)
}

func (suite *BridgeTestSuite) TestHandlerSeesExchangesWithoutEcho() {
	b := suite.start(bridge.Options{})
	tty := suite.openTTY(b.TTYName())

	for _, line := range []string{"ATZ", "010C"} {
		_, err := tty.Write([]byte(line + "\r"))
		suite.Require().NoError(err)
		suite.readUntil(tty, '>', 2*time.Second)
	}

	suite.True(suite.helper.Eventually(func() bool {
		suite.mu.Lock()
		defer suite.mu.Unlock()
		return len(suite.exchanges) == 2
	}, time.Second))
	suite.mu.Lock()
	defer suite.mu.Unlock()
	suite.Equal([][2]string{{"ATZ", "ELM327 v1.5"}, {"010C", "41 0C 1A F0"}}, suite.exchanges)
}

func (suite *BridgeTestSuite) TestSymlinkLifecycle() {
	link := filepath.Join(suite.T().TempDir(), "obd")
	b := suite.start(bridge.Options{TTYSymlinkPath: link})

	suite.Equal(link, b.TTYSymlink())
	target, err := os.Readlink(link)
	suite.Require().NoError(err)
	suite.Equal(b.TTYName(), target)

	suite.Require().NoError(b.Close())
	_, err = os.Lstat(link)
	suite.True(os.IsNotExist(err), "symlink MUST be removed on close")
	suite.NoError(b.Close(), "close MUST be idempotent")
}

func (suite *BridgeTestSuite) TestRequiresLink() {
	_, err := bridge.Start(bridge.Options{})
	suite.Error(err)
}

func TestBridgeTestSuite(t *testing.T) {
	suite.Run(t, new(BridgeTestSuite))
}
