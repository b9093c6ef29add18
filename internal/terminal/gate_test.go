package terminal_test

import (
	"io"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtkit/toolbox/internal/mock"
	"github.com/mtkit/toolbox/internal/terminal"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testEndpoint() terminal.Endpoint {
	return terminal.Endpoint{Login: 1001, Password: "pw", Server: "Demo", Path: "/opt/mt5"}
}

func TestOpenWorkClose(t *testing.T) {
	term := mock.NewTerminal()
	term.AddAccount(testEndpoint(), 5000)
	gate := terminal.NewGate(term, quietLogger())

	sess, err := gate.Open(testEndpoint())
	require.NoError(t, err)
	info, err := sess.AccountInfo()
	require.NoError(t, err)
	assert.Equal(t, 5000.0, info.Balance)
	assert.GreaterOrEqual(t, sess.Ping().Nanoseconds(), int64(0))
	sess.Close()

	_, err = sess.AccountInfo()
	assert.ErrorIs(t, err, terminal.ErrSessionClosed)

	// Close is idempotent; a second Close must not release a mutex it no
	// longer holds.
	sess.Close()
	sess2, err := gate.Open(testEndpoint())
	require.NoError(t, err)
	sess2.Close()
}

func TestOpenFailureReleasesMutex(t *testing.T) {
	term := mock.NewTerminal()
	term.AddAccount(testEndpoint(), 5000)
	term.RejectConnect(testEndpoint().Login, 10004, 1)
	gate := terminal.NewGate(term, quietLogger())

	_, err := gate.Open(testEndpoint())
	require.Error(t, err)
	var ie *terminal.InitError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, 10004, ie.Code)
	assert.False(t, terminal.IsInvalidAuth(err))

	sess, err := gate.Open(testEndpoint())
	require.NoError(t, err)
	sess.Close()
}

func TestInvalidAuthDetected(t *testing.T) {
	term := mock.NewTerminal()
	term.AddAccount(testEndpoint(), 5000)
	gate := terminal.NewGate(term, quietLogger())

	ep := testEndpoint()
	ep.Password = "wrong"
	_, err := gate.Open(ep)
	require.Error(t, err)
	assert.True(t, terminal.IsInvalidAuth(err))
}

func TestGateMutualExclusion(t *testing.T) {
	term := mock.NewTerminal()
	term.AddAccount(testEndpoint(), 5000)
	term.SetSymbol(terminal.SymbolInfo{Name: "EURUSD", VolumeMin: 0.01, VolumeMax: 100, VolumeStep: 0.01})
	term.SetTick("EURUSD", 1.1, 1.1002)
	gate := terminal.NewGate(term, quietLogger())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				sess, err := gate.Open(testEndpoint())
				if err != nil {
					continue
				}
				_, _ = sess.AccountInfo()
				_, _ = sess.Tick("EURUSD")
				sess.Close()
			}
		}()
	}
	wg.Wait()
	assert.False(t, term.RaceDetected(), "two sessions entered the adapter at once")
	assert.Equal(t, int64(160), term.InitCount())
}
