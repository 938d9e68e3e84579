// Package logging constructs the structured logger threaded through every
// component. No package-level logger is exposed: callers hold a *zap.Logger
// field and pass it to constructors, so library code never depends on global
// state.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// WithLineTail returns a logger that behaves exactly like logger, plus a
// channel receiving one formatted line per log entry. Used to feed the
// logging extension module (spec §3) a real stream of the agent's own log
// output rather than a separate, unrelated log source. The channel is
// best-effort: a full buffer drops the line rather than blocking logging.
func WithLineTail(logger *zap.Logger, buffer int) (*zap.Logger, <-chan string) {
	if buffer <= 0 {
		buffer = 256
	}
	lines := make(chan string, buffer)
	tailed := logger.WithOptions(zap.Hooks(func(e zapcore.Entry) error {
		line := fmt.Sprintf("%s\t%s\t%s", e.Time.Format("2006-01-02T15:04:05Z07:00"), e.Level, e.Message)
		select {
		case lines <- line:
		default:
		}
		return nil
	}))
	return tailed, lines
}

// New builds a production-style zap logger at the given level ("debug",
// "info", "warn", "error"). An empty level defaults to "info".
func New(level string, jsonOutput bool) (*zap.Logger, error) {
	if level == "" {
		level = "info"
	}

	var lvl zapcore.Level
	if err := lvl.Set(level); err != nil {
		return nil, fmt.Errorf("logging: invalid level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	if !jsonOutput {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("logging: build logger: %w", err)
	}
	return logger, nil
}

// Nop returns a logger that discards everything, used when a component is
// constructed without an explicit logger so call sites never need a nil check.
func Nop() *zap.Logger {
	return zap.NewNop()
}

// Named scopes logger with a component field, the convention used by every
// constructor in this module ("component=channel", "component=update", ...).
func Named(logger *zap.Logger, component string) *zap.Logger {
	if logger == nil {
		logger = Nop()
	}
	return logger.With(zap.String("component", component))
}
