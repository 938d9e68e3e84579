package channel

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
)

// shellSession wraps one remote-shell child process for the console topic
// (spec §4.7). Input arrives as "dn" events and is written to stdin; output
// is read line by line and pushed back as "up" events.
type shellSession struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	cancel context.CancelFunc

	idleTimer *time.Timer
	idleMu    sync.Mutex
}

func (c *Client) startShell() error {
	c.mu.Lock()
	if c.shell != nil {
		c.mu.Unlock()
		return nil // already running, idempotent
	}
	c.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, "/bin/sh")
	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return err
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		cancel()
		return err
	}

	session := &shellSession{cmd: cmd, stdin: stdin, cancel: cancel}
	c.mu.Lock()
	c.shell = session
	c.mu.Unlock()

	go func() {
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			c.push(TopicConsole, EventConsoleUp, map[string]any{"data": scanner.Text() + "\n"})
			c.bumpShellIdleTimer()
		}
		_ = cmd.Wait()
		c.mu.Lock()
		c.shell = nil
		c.mu.Unlock()
	}()

	c.bumpShellIdleTimer()
	return nil
}

func (c *Client) bumpShellIdleTimer() {
	c.mu.Lock()
	session := c.shell
	c.mu.Unlock()
	if session == nil {
		return
	}

	timeout := c.cfg.RemoteShellIdleTimeout
	if timeout <= 0 {
		return
	}

	session.idleMu.Lock()
	defer session.idleMu.Unlock()
	if session.idleTimer != nil {
		session.idleTimer.Stop()
	}
	session.idleTimer = time.AfterFunc(timeout, func() {
		c.stopShell()
	})
}

func (c *Client) stopShell() {
	c.mu.Lock()
	session := c.shell
	c.shell = nil
	c.mu.Unlock()
	if session == nil {
		return
	}
	session.idleMu.Lock()
	if session.idleTimer != nil {
		session.idleTimer.Stop()
	}
	session.idleMu.Unlock()
	session.cancel()
}

// handleConsoleFrame dispatches one inbound console-topic frame.
func (c *Client) handleConsoleFrame(frame Frame) {
	if c.handleJoinReplyOrClose(TopicConsole, frame) {
		if frame.Event == EventReply {
			if err := c.startShell(); err != nil {
				c.logger.Warn("failed to start remote shell", zap.Error(err))
			}
		}
		if frame.Event == EventClose {
			c.stopShell()
		}
		return
	}

	switch frame.Event {
	case EventConsoleDown:
		var body struct {
			Data string `json:"data"`
		}
		if err := json.Unmarshal(frame.Payload, &body); err != nil {
			return
		}
		c.mu.Lock()
		session := c.shell
		c.mu.Unlock()
		if session == nil {
			return
		}
		_, _ = io.WriteString(session.stdin, body.Data)
		c.bumpShellIdleTimer()

	case EventConsoleRestart:
		c.stopShell()
		if err := c.startShell(); err != nil {
			c.logger.Warn("failed to restart remote shell", zap.Error(err))
		}

	case EventConsoleWindowSize:
		// No pty backing the shell process in this agent; window_size
		// notifications are acknowledged but have no effect.

	case EventFileDataStart:
		var body struct {
			Filename string `json:"filename"`
		}
		if err := json.Unmarshal(frame.Payload, &body); err != nil {
			return
		}
		if err := c.receiver.Start(body.Filename); err != nil {
			c.logger.Warn("console file receive start failed", zap.Error(err))
		}

	case EventFileData:
		var body struct {
			Data string `json:"data"`
		}
		if err := json.Unmarshal(frame.Payload, &body); err != nil {
			return
		}
		if err := c.receiver.Data(body.Data); err != nil {
			c.logger.Warn("console file receive chunk failed", zap.Error(err))
		}

	case EventFileDataStop:
		if err := c.receiver.Stop(); err != nil {
			c.logger.Warn("console file receive stop failed", zap.Error(err))
		}

	default:
		c.logger.Debug("unhandled console event", zap.String("event", frame.Event))
	}
}

// PushConsole implements console.Pusher.
func (c *Client) PushConsole(event string, payload map[string]any) error {
	c.push(TopicConsole, event, payload)
	return nil
}
