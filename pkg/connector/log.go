package connector

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/unijord/pipecdc/pkg/extraction"
	"github.com/unijord/pipecdc/pkg/pipeconfig"
)

var errClosed = errors.New("connector: closed")

// KeyLogLevel selects the level the log connector writes at.
const KeyLogLevel = "connector.level"

// Log writes every forwarded event as a structured record.
type Log struct {
	logger *slog.Logger
	level  slog.Level
	total  atomic.Int64
	closed atomic.Bool
}

func NewLog(pipe string, spec pipeconfig.Plugin, logger *slog.Logger) *Log {
	level := slog.LevelInfo
	if raw := spec.Attr(KeyLogLevel); raw != "" {
		_ = level.UnmarshalText([]byte(strings.ToUpper(raw)))
	}
	return &Log{
		logger: logger.With("component", "log-connector", "pipe", pipe),
		level:  level,
	}
}

func (l *Log) Transfer(ctx context.Context, events []extraction.CapturedEvent) error {
	if l.closed.Load() {
		return errClosed
	}
	for _, ev := range events {
		l.logger.Log(ctx, l.level, "event",
			"region", ev.Region,
			"path", ev.Path,
			"timestamp", ev.Timestamp,
			"value", ev.Value)
	}
	l.total.Add(int64(len(events)))
	return nil
}

// Total returns the number of events written.
func (l *Log) Total() int64 { return l.total.Load() }

func (l *Log) Close() error {
	if l.closed.CompareAndSwap(false, true) {
		l.logger.Info("connector closed", "events", l.total.Load())
	}
	return nil
}
