package dashboard

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtkit/toolbox/internal/barstore"
	"github.com/mtkit/toolbox/internal/config"
	"github.com/mtkit/toolbox/internal/models"
	"github.com/mtkit/toolbox/internal/terminal"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func get(t *testing.T, h http.Handler, path string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthzSkipsAuth(t *testing.T) {
	s := NewServer(config.Dashboard{Addr: "127.0.0.1:0", Token: "secret"}, nil, quietLogger())
	rec := get(t, s.Handler(), "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTokenAuth(t *testing.T) {
	s := NewServer(config.Dashboard{Addr: "127.0.0.1:0", Token: "secret"}, nil, quietLogger())

	assert.Equal(t, http.StatusUnauthorized, get(t, s.Handler(), "/api/accounts", nil).Code)
	assert.Equal(t, http.StatusUnauthorized,
		get(t, s.Handler(), "/api/accounts", map[string]string{"X-Auth-Token": "nope"}).Code)
	assert.Equal(t, http.StatusOK,
		get(t, s.Handler(), "/api/accounts", map[string]string{"X-Auth-Token": "secret"}).Code)
	assert.Equal(t, http.StatusOK, get(t, s.Handler(), "/api/accounts?token=secret", nil).Code)
}

func TestAccountsKeepLatestSnapshot(t *testing.T) {
	s := NewServer(config.Dashboard{Addr: "127.0.0.1:0"}, nil, quietLogger())
	snaps := make(chan models.Snapshot, 8)
	stop := make(chan struct{})
	defer close(stop)
	go s.Consume(stop, snaps, nil)

	snaps <- models.Snapshot{AccountID: "master1", State: models.StateConnected}
	snaps <- models.Snapshot{AccountID: "slave1", State: models.StateError}
	snaps <- models.Snapshot{AccountID: "slave1", State: models.StateCopying}

	require.Eventually(t, func() bool {
		rec := get(t, s.Handler(), "/api/accounts", nil)
		var out []models.Snapshot
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil || len(out) != 2 {
			return false
		}
		return out[0].AccountID == "master1" &&
			out[1].AccountID == "slave1" && out[1].State == models.StateCopying
	}, time.Second, 5*time.Millisecond)
}

func TestLogsRingBuffer(t *testing.T) {
	s := NewServer(config.Dashboard{Addr: "127.0.0.1:0"}, nil, quietLogger())
	logs := make(chan string, logRingSize*2)
	stop := make(chan struct{})
	defer close(stop)
	go s.Consume(stop, nil, logs)

	for i := 0; i < logRingSize+10; i++ {
		logs <- "line"
	}
	require.Eventually(t, func() bool {
		rec := get(t, s.Handler(), "/api/logs", nil)
		var out []string
		return json.Unmarshal(rec.Body.Bytes(), &out) == nil && len(out) == logRingSize
	}, time.Second, 5*time.Millisecond)
}

func TestBarsInventory(t *testing.T) {
	store, err := barstore.Open(filepath.Join(t.TempDir(), "bars.db"), quietLogger())
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.EnsureTable("EURUSD", terminal.TimeframeH1))
	_, err = store.InsertBars("EURUSD", terminal.TimeframeH1, []terminal.Bar{
		{Time: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), Open: 1.1, High: 1.1, Low: 1.1, Close: 1.1},
	})
	require.NoError(t, err)

	s := NewServer(config.Dashboard{Addr: "127.0.0.1:0"}, store, quietLogger())
	rec := get(t, s.Handler(), "/api/bars", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var out []barstore.Dataset
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 1)
	assert.Equal(t, "EURUSD", out[0].Symbol)
	assert.EqualValues(t, 1, out[0].Rows)
}

func TestMetricsExposed(t *testing.T) {
	s := NewServer(config.Dashboard{Addr: "127.0.0.1:0"}, nil, quietLogger())
	rec := get(t, s.Handler(), "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
