package barstore

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtkit/toolbox/internal/terminal"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "bars.db"), quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func makeBars(start time.Time, n int) []terminal.Bar {
	out := make([]terminal.Bar, n)
	for i := range out {
		ts := start.Add(time.Duration(i) * time.Hour)
		out[i] = terminal.Bar{
			Time: ts, Open: 1.1, High: 1.2, Low: 1.0, Close: 1.15,
			TickVolume: int64(100 + i), Spread: 2,
		}
	}
	return out
}

func TestInsertAndGetSortedUnique(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.EnsureTable("EURUSD", terminal.TimeframeH1))

	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	bars := makeBars(start, 10)
	n, err := s.InsertBars("EURUSD", terminal.TimeframeH1, bars)
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)

	// Re-inserting the same range is a no-op on conflict.
	n, err = s.InsertBars("EURUSD", terminal.TimeframeH1, bars)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := s.GetBars("EURUSD", terminal.TimeframeH1, start, start.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 10)
	for i := 1; i < len(got); i++ {
		assert.True(t, got[i].Time.After(got[i-1].Time), "bars must be sorted and unique")
	}
	assert.Equal(t, bars[0].Time, got[0].Time)
	assert.Equal(t, 1.15, got[0].Close)
}

func TestGetBarsRangeFilter(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.EnsureTable("EURUSD", terminal.TimeframeH1))
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	_, err := s.InsertBars("EURUSD", terminal.TimeframeH1, makeBars(start, 10))
	require.NoError(t, err)

	got, err := s.GetBars("EURUSD", terminal.TimeframeH1, start.Add(2*time.Hour), start.Add(5*time.Hour))
	require.NoError(t, err)
	assert.Len(t, got, 4)
}

func TestLastTime(t *testing.T) {
	s := openTestStore(t)
	_, ok, err := s.LastTime("EURUSD", terminal.TimeframeH1)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.EnsureTable("EURUSD", terminal.TimeframeH1))
	_, ok, err = s.LastTime("EURUSD", terminal.TimeframeH1)
	require.NoError(t, err)
	assert.False(t, ok)

	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	_, err = s.InsertBars("EURUSD", terminal.TimeframeH1, makeBars(start, 3))
	require.NoError(t, err)

	last, ok, err := s.LastTime("EURUSD", terminal.TimeframeH1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, start.Add(2*time.Hour), last)
}

func TestInventory(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.EnsureTable("EURUSD", terminal.TimeframeH1))
	require.NoError(t, s.EnsureTable("XAUUSD.m", terminal.TimeframeM15))

	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	_, err := s.InsertBars("EURUSD", terminal.TimeframeH1, makeBars(start, 5))
	require.NoError(t, err)

	inv, err := s.Inventory()
	require.NoError(t, err)
	require.Len(t, inv, 2)

	byKey := map[string]Dataset{}
	for _, ds := range inv {
		byKey[ds.Symbol+"/"+ds.Timeframe.String()] = ds
	}
	eu := byKey["EURUSD/H1"]
	assert.Equal(t, int64(5), eu.Rows)
	assert.Equal(t, start, eu.First)
	assert.Equal(t, start.Add(4*time.Hour), eu.Last)
	assert.Equal(t, int64(0), byKey["XAUUSD.m/M15"].Rows)
}

func TestCorruptFileRecreated(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bars.db")
	require.NoError(t, os.WriteFile(path, []byte("this is not a database"), 0o600))

	s, err := Open(path, quietLogger())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.EnsureTable("EURUSD", terminal.TimeframeH1))
	_, err = os.Stat(path + ".backup")
	assert.NoError(t, err, "corrupt file should be moved aside")
}
