package datasync

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtkit/toolbox/internal/barstore"
	"github.com/mtkit/toolbox/internal/mock"
	"github.com/mtkit/toolbox/internal/terminal"
)

var masterEP = terminal.Endpoint{Login: 1001, Password: "pw", Server: "Demo"}

func hourBars(from time.Time, n int) []terminal.Bar {
	out := make([]terminal.Bar, n)
	for i := range out {
		price := 1.1 + float64(i)*0.0001
		out[i] = terminal.Bar{
			Time: from.Add(time.Duration(i) * time.Hour),
			Open: price, High: price + 0.0002, Low: price - 0.0002, Close: price + 0.0001,
		}
	}
	return out
}

func newWorker(t *testing.T) (*Worker, *mock.Terminal, *barstore.Store, *logtest.Hook) {
	t.Helper()
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	term := mock.NewTerminal()
	term.AddAccount(masterEP, 10000)
	gate := terminal.NewGate(term, logger)

	store, err := barstore.Open(filepath.Join(t.TempDir(), "bars.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	w := NewWorker(store, gate, masterEP, start, logger)
	w.pause = 0
	return w, term, store, hook
}

func TestSyncBackfillsFromStart(t *testing.T) {
	w, term, store, hook := newWorker(t)
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	term.SetBars("EURUSD", terminal.TimeframeH1, hourBars(base, 48))

	err := w.SyncOnce(Task{Symbols: []string{"EURUSD"}, Timeframes: []terminal.Timeframe{terminal.TimeframeH1}})
	require.NoError(t, err)

	last, ok, err := store.LastTime("EURUSD", terminal.TimeframeH1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, base.Add(47*time.Hour), last)

	var progress []string
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.InfoLevel {
			progress = append(progress, e.Message)
		}
	}
	assert.Contains(t, progress, "已下载 1/1")
}

func TestSyncResumesAfterLastBar(t *testing.T) {
	w, term, store, _ := newWorker(t)
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	term.SetBars("EURUSD", terminal.TimeframeH1, hourBars(base, 24))

	task := Task{Symbols: []string{"EURUSD"}, Timeframes: []terminal.Timeframe{terminal.TimeframeH1}}
	require.NoError(t, w.SyncOnce(task))

	// More history appears at the terminal; a second run only adds the tail.
	term.SetBars("EURUSD", terminal.TimeframeH1, hourBars(base, 30))
	require.NoError(t, w.SyncOnce(task))

	bars, err := store.GetBars("EURUSD", terminal.TimeframeH1, base, base.Add(100*time.Hour))
	require.NoError(t, err)
	assert.Len(t, bars, 30)
}

func TestSyncUpToDateSkipsFetch(t *testing.T) {
	w, term, _, hook := newWorker(t)
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	term.SetBars("EURUSD", terminal.TimeframeH1, hourBars(base, 4))

	bounded := Task{
		Symbols:    []string{"EURUSD"},
		Timeframes: []terminal.Timeframe{terminal.TimeframeH1},
		To:         base.Add(4 * time.Hour),
	}
	require.NoError(t, w.SyncOnce(bounded))
	hook.Reset()
	require.NoError(t, w.SyncOnce(bounded))

	skipped := false
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.DebugLevel && e.Message == "EURUSD H1 already up to date" {
			skipped = true
		}
	}
	assert.True(t, skipped)
}

func TestSyncWalksEveryPair(t *testing.T) {
	w, term, store, hook := newWorker(t)
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for _, sym := range []string{"EURUSD", "GBPUSD"} {
		term.SetBars(sym, terminal.TimeframeM15, hourBars(base, 8))
		term.SetBars(sym, terminal.TimeframeH1, hourBars(base, 8))
	}

	err := w.SyncOnce(Task{
		Symbols:    []string{"EURUSD", "GBPUSD"},
		Timeframes: []terminal.Timeframe{terminal.TimeframeM15, terminal.TimeframeH1},
	})
	require.NoError(t, err)

	inv, err := store.Inventory()
	require.NoError(t, err)
	assert.Len(t, inv, 4)

	var sawFinal bool
	for _, e := range hook.AllEntries() {
		if e.Message == fmt.Sprintf("已下载 %d/%d", 4, 4) {
			sawFinal = true
		}
	}
	assert.True(t, sawFinal)
}

func TestSyncConnectsPerPair(t *testing.T) {
	w, term, _, _ := newWorker(t)
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for _, sym := range []string{"EURUSD", "GBPUSD"} {
		term.SetBars(sym, terminal.TimeframeM15, hourBars(base, 8))
		term.SetBars(sym, terminal.TimeframeH1, hourBars(base, 8))
	}

	before := term.InitCount()
	err := w.SyncOnce(Task{
		Symbols:    []string{"EURUSD", "GBPUSD"},
		Timeframes: []terminal.Timeframe{terminal.TimeframeM15, terminal.TimeframeH1},
	})
	require.NoError(t, err)

	// Each pair runs on its own session so the terminal is free while the
	// worker pauses between pairs.
	assert.EqualValues(t, 4, term.InitCount()-before)
}

func TestSyncConnectFailureReturnsError(t *testing.T) {
	w, term, _, _ := newWorker(t)
	term.RejectConnect(masterEP.Login, 5, -1)

	err := w.SyncOnce(Task{Symbols: []string{"EURUSD"}, Timeframes: []terminal.Timeframe{terminal.TimeframeH1}})
	assert.Error(t, err)
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	w, _, _, _ := newWorker(t)
	task := Task{Symbols: []string{"EURUSD"}, Timeframes: []terminal.Timeframe{terminal.TimeframeH1}}
	for i := 0; i < cap(w.tasks); i++ {
		require.True(t, w.Enqueue(task))
	}
	assert.False(t, w.Enqueue(task))
	w.Stop()
	assert.False(t, w.Enqueue(task))
}
