package node

import (
	"io"
	"log/slog"

	"github.com/hashicorp/go-hclog"

	"github.com/unijord/pipecdc/pkg/config"
)

// NewLogger builds the process logger from the log section.
func NewLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// NewRaftLogger builds the hclog logger raft expects, at the same level and
// format as the process logger.
func NewRaftLogger(cfg config.LogConfig, w io.Writer) hclog.Logger {
	level, err := cfg.SlogLevel()
	if err != nil {
		level = slog.LevelInfo
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:       "raft",
		Level:      hclogLevel(level),
		Output:     w,
		JSONFormat: cfg.Format == "json",
	})
}

func hclogLevel(l slog.Level) hclog.Level {
	switch {
	case l <= slog.LevelDebug:
		return hclog.Debug
	case l <= slog.LevelInfo:
		return hclog.Info
	case l <= slog.LevelWarn:
		return hclog.Warn
	}
	return hclog.Error
}
