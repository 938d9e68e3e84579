// Package alarm implements the process-wide, idempotent alarm set described
// in spec §5: Disconnected, UpdateInProgress, FirmwareReverted.
package alarm

import (
	"sync"

	"go.uber.org/zap"
)

// Name identifies one alarm condition.
type Name string

const (
	Disconnected     Name = "disconnected"
	UpdateInProgress Name = "update_in_progress"
	FirmwareReverted Name = "firmware_reverted"
)

// Set tracks which alarms are currently raised. Raise/Clear are idempotent:
// raising an already-active alarm or clearing an inactive one is a no-op and
// logs nothing; only real transitions are logged.
type Set struct {
	mu     sync.Mutex
	active map[Name]bool
	logger *zap.Logger
}

// NewSet creates an empty alarm set.
func NewSet(logger *zap.Logger) *Set {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Set{
		active: make(map[Name]bool),
		logger: logger.With(zap.String("component", "alarm")),
	}
}

// Raise sets the alarm if it is not already active.
func (s *Set) Raise(name Name) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active[name] {
		return
	}
	s.active[name] = true
	s.logger.Warn("alarm raised", zap.String("alarm", string(name)))
}

// Clear clears the alarm if it is currently active.
func (s *Set) Clear(name Name) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active[name] {
		return
	}
	delete(s.active, name)
	s.logger.Info("alarm cleared", zap.String("alarm", string(name)))
}

// Active reports whether name is currently raised.
func (s *Set) Active(name Name) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[name]
}

// Snapshot returns the currently active alarms.
func (s *Set) Snapshot() []Name {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Name, 0, len(s.active))
	for n := range s.active {
		out = append(out, n)
	}
	return out
}
