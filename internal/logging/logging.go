// Package logging configures the process logger and the hook that feeds the
// outbound log queue.
package logging

import (
	"strings"

	"github.com/sirupsen/logrus"
)

// New builds the process logger. Unknown levels fall back to info.
func New(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)
	return logger
}

// QueueHook mirrors every formatted log line onto a channel for external
// consumers. Emission never blocks: when the consumer lags, lines are
// dropped rather than stalling the trading loop.
type QueueHook struct {
	ch        chan<- string
	formatter logrus.Formatter
}

// NewQueueHook attaches a queue hook to logger and returns it.
func NewQueueHook(logger *logrus.Logger, ch chan<- string) *QueueHook {
	h := &QueueHook{
		ch: ch,
		formatter: &logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
			DisableColors:   true,
		},
	}
	logger.AddHook(h)
	return h
}

// Levels implements logrus.Hook.
func (h *QueueHook) Levels() []logrus.Level { return logrus.AllLevels }

// Fire implements logrus.Hook.
func (h *QueueHook) Fire(entry *logrus.Entry) error {
	line, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}
	select {
	case h.ch <- strings.TrimRight(string(line), "\n"):
	default:
	}
	return nil
}
