// Package supervisor starts and stops the agent's components in a fixed
// order and forwards reconnect requests to the channel client, mirroring the teacher's
// single linear Update() sequence generalized into a long-running process.
package supervisor

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Component is one independently startable/stoppable piece of the agent.
type Component interface {
	Start(ctx context.Context) error
	Stop() error
}

// ChannelComponent is the reconnectable component (the channel client);
// Supervisor.Reconnect calls its Reconnect method and the component redials
// on its own; it is not stopped or restarted.
type ChannelComponent interface {
	Component
	Reconnect()
}

// Supervisor starts components in registration order and stops them in
// reverse, so later components (which may depend on earlier ones) never
// outlive their dependencies.
type Supervisor struct {
	components []Component
	channel    ChannelComponent
	logger     *zap.Logger

	mu      sync.Mutex
	started []Component
}

// New builds a Supervisor. components are started in order; channel (if
// non-nil) is appended last and is the only component Reconnect is
// forwarded to.
func New(components []Component, channel ChannelComponent, logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	all := append([]Component(nil), components...)
	if channel != nil {
		all = append(all, channel)
	}
	return &Supervisor{
		components: all,
		channel:    channel,
		logger:     logger.With(zap.String("component", "supervisor")),
	}
}

// Run starts every component in order, then blocks until ctx is canceled,
// tearing every started component down in reverse order before returning.
func (s *Supervisor) Run(ctx context.Context) error {
	for _, c := range s.components {
		if err := c.Start(ctx); err != nil {
			s.logger.Error("component failed to start, unwinding", zap.Error(err))
			s.stopStarted()
			return fmt.Errorf("supervisor: start: %w", err)
		}
		s.mu.Lock()
		s.started = append(s.started, c)
		s.mu.Unlock()
	}

	s.logger.Info("all components started")
	<-ctx.Done()

	s.stopStarted()
	return ctx.Err()
}

func (s *Supervisor) stopStarted() {
	s.mu.Lock()
	started := append([]Component(nil), s.started...)
	s.started = nil
	s.mu.Unlock()

	for i := len(started) - 1; i >= 0; i-- {
		if err := started[i].Stop(); err != nil {
			s.logger.Warn("component stop failed", zap.Error(err))
		}
	}
}

// Reconnect makes the channel client drop its socket; Run's caller is responsible for
// having wired the client to rejoin on its own reconnect loop, so this only
// nudges a stuck socket rather than restarting the whole process.
func (s *Supervisor) Reconnect() {
	if s.channel == nil {
		return
	}
	s.channel.Reconnect()
}
