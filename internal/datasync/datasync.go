// Package datasync pulls OHLC history from a terminal into the bar store.
// Sync runs are tasks: a task walks its (symbol, timeframe) pairs
// incrementally, connecting per pair so the terminal is free for other
// work during the inter-pair pause. Connections go through the circuit
// breaker so a dead terminal fails fast instead of stalling every pair.
package datasync

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mtkit/toolbox/internal/barstore"
	"github.com/mtkit/toolbox/internal/metrics"
	"github.com/mtkit/toolbox/internal/terminal"
)

// pairPause spaces terminal fetches so a long backfill does not monopolize
// the terminal mutex.
const pairPause = 500 * time.Millisecond

// Connector acquires a terminal session. Satisfied by terminal.BreakerGate
// and by the raw terminal.Gate.
type Connector interface {
	Open(ep terminal.Endpoint) (*terminal.Session, error)
}

// Task describes one sync run. Zero From falls back to the worker's
// configured start date; zero To means now.
type Task struct {
	Symbols    []string
	Timeframes []terminal.Timeframe
	From       time.Time
	To         time.Time
}

// Worker owns the sync loop. One worker per process; history fetches run
// one pair at a time, each on its own short-lived terminal connection.
type Worker struct {
	store     *barstore.Store
	connector Connector
	endpoint  terminal.Endpoint
	start     time.Time
	pause     time.Duration
	log       *logrus.Entry

	tasks chan Task
	stop  chan struct{}
}

// NewWorker builds a worker fetching through connector as the given
// endpoint. start is the backfill origin for series with no stored bars.
func NewWorker(store *barstore.Store, connector Connector, ep terminal.Endpoint, start time.Time, logger *logrus.Logger) *Worker {
	return &Worker{
		store:     store,
		connector: connector,
		endpoint:  ep,
		start:     start,
		pause:     pairPause,
		log:       logger.WithField("component", "datasync"),
		tasks:     make(chan Task, 8),
		stop:      make(chan struct{}),
	}
}

// Enqueue submits a task. Returns false when the queue is full or the
// worker is stopping; sync requests are best-effort, never blocking.
func (w *Worker) Enqueue(task Task) bool {
	select {
	case w.tasks <- task:
		return true
	case <-w.stop:
		return false
	default:
		w.log.Warn("sync queue full, dropping task")
		return false
	}
}

// Run consumes tasks until Stop. Meant to be run on its own goroutine.
func (w *Worker) Run() {
	for {
		select {
		case <-w.stop:
			return
		case task := <-w.tasks:
			if err := w.SyncOnce(task); err != nil {
				w.log.Errorf("sync task failed: %v", err)
			}
		}
	}
}

// Stop signals the worker to exit after the current task.
func (w *Worker) Stop() {
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
}

// SyncOnce runs a single task to completion on the caller's goroutine. A
// fetch error on one pair is logged and the walk continues; a connect
// error aborts the task so the breaker can do its job.
func (w *Worker) SyncOnce(task Task) error {
	if len(task.Symbols) == 0 || len(task.Timeframes) == 0 {
		return nil
	}
	total := len(task.Symbols) * len(task.Timeframes)
	done := 0
	for _, sym := range task.Symbols {
		for _, tf := range task.Timeframes {
			if err := w.syncPairConnected(sym, tf, task); err != nil {
				return err
			}
			done++
			w.log.Infof("已下载 %d/%d", done, total)
			if done < total && w.pause > 0 {
				select {
				case <-w.stop:
					return nil
				case <-time.After(w.pause):
				}
			}
		}
	}
	return nil
}

// syncPairConnected fetches one pair on its own session, releasing the
// terminal before the caller pauses.
func (w *Worker) syncPairConnected(sym string, tf terminal.Timeframe, task Task) error {
	sess, err := w.connector.Open(w.endpoint)
	if err != nil {
		return err
	}
	defer sess.Close()
	if err := w.syncPair(sess, sym, tf, task); err != nil {
		w.log.Warnf("sync %s %s: %v", sym, tf, err)
	}
	return nil
}

// syncPair fetches the missing tail of one series. The resume point is one
// second past the newest stored bar so the terminal never resends it.
func (w *Worker) syncPair(sess *terminal.Session, sym string, tf terminal.Timeframe, task Task) error {
	if err := w.store.EnsureTable(sym, tf); err != nil {
		return err
	}

	from := task.From
	if from.IsZero() {
		from = w.start
	}
	if last, ok, err := w.store.LastTime(sym, tf); err != nil {
		return err
	} else if ok && last.Add(time.Second).After(from) {
		from = last.Add(time.Second)
	}

	to := task.To
	if to.IsZero() {
		to = time.Now().UTC()
	}
	if !from.Before(to) {
		w.log.Debugf("%s %s already up to date", sym, tf)
		return nil
	}

	bars, err := sess.CopyRatesRange(sym, tf, from, to)
	if err != nil {
		return err
	}
	inserted, err := w.store.InsertBars(sym, tf, bars)
	if err != nil {
		return err
	}
	if inserted > 0 {
		metrics.BarsSynced.WithLabelValues(sym, tf.String()).Add(float64(inserted))
	}
	w.log.Infof("%s %s: %d bars fetched, %d new", sym, tf, len(bars), inserted)
	return nil
}
