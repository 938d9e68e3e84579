package extensions

import (
	"context"
	"os/exec"
	"runtime"
	"time"
)

// HealthModule periodically pushes a lightweight liveness payload from a
// ticker-driven loop selecting against ctx.Done().
type HealthModule struct {
	Interval time.Duration
}

func (m *HealthModule) Name() string    { return "health" }
func (m *HealthModule) Version() string { return "1.0.0" }

func (m *HealthModule) Run(ctx context.Context, events Events) error {
	interval := m.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_ = events.PushExtension("health", "report", map[string]any{
				"goroutines": runtime.NumGoroutine(),
			})
		}
	}
}

// GeoModule reports the device's last-known position, supplied externally
// (GPS acquisition is out of scope for this module) via Locator.
type GeoModule struct {
	Locator  func() (lat, lon float64, ok bool)
	Interval time.Duration
}

func (m *GeoModule) Name() string    { return "geo" }
func (m *GeoModule) Version() string { return "1.0.0" }

func (m *GeoModule) Run(ctx context.Context, events Events) error {
	interval := m.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if m.Locator == nil {
				continue
			}
			lat, lon, ok := m.Locator()
			if !ok {
				continue
			}
			_ = events.PushExtension("geo", "position", map[string]any{"lat": lat, "lon": lon})
		}
	}
}

// LoggingModule ships buffered log lines from a channel to the server under
// the "logging" namespace.
type LoggingModule struct {
	Lines <-chan string
}

func (m *LoggingModule) Name() string    { return "logging" }
func (m *LoggingModule) Version() string { return "1.0.0" }

func (m *LoggingModule) Run(ctx context.Context, events Events) error {
	if m.Lines == nil {
		<-ctx.Done()
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-m.Lines:
			if !ok {
				return nil
			}
			_ = events.PushExtension("logging", "line", map[string]any{"text": line})
		}
	}
}

// LocalShellModule starts Command (default /bin/sh) as a child process,
// separate from the console topic's remote shell, pushes a "started" event
// carrying its pid, and returns when the process exits. No stdin, stdout or
// PTY is attached to the process, and no session input or output is relayed.
type LocalShellModule struct {
	Command string
}

func (m *LocalShellModule) Name() string    { return "local-shell" }
func (m *LocalShellModule) Version() string { return "1.0.0" }

func (m *LocalShellModule) Run(ctx context.Context, events Events) error {
	command := m.Command
	if command == "" {
		command = "/bin/sh"
	}
	cmd := exec.CommandContext(ctx, command)
	if err := cmd.Start(); err != nil {
		return err
	}
	_ = events.PushExtension("local-shell", "started", map[string]any{"pid": cmd.Process.Pid})
	return cmd.Wait()
}
