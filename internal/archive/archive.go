// Package archive implements the ArchiveManager state machine (spec §4.4):
// idle → downloading → verifying → ready/invalid. Structurally parallel to
// UpdateManager, but the completed file is verified rather than streamed
// into the flasher.
package archive

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetlink/agent/internal/config"
	"github.com/fleetlink/agent/internal/download"
	"github.com/fleetlink/agent/internal/flasher"
)

// ArchiveInfo is the payload of an inbound "archive" event.
type ArchiveInfo struct {
	UUID         string    `json:"uuid"`
	URL          string    `json:"url"`
	Size         int64     `json:"size"`
	Architecture string    `json:"architecture"`
	Platform     string    `json:"platform"`
	Version      string    `json:"version"`
	Description  string    `json:"description,omitempty"`
	UploadedAt   time.Time `json:"uploaded_at"`
}

// Status is the manager's externally-visible state.
type Status string

const (
	StatusIdle        Status = "idle"
	StatusDownloading Status = "downloading"
	StatusVerifying   Status = "verifying"
	StatusReady       Status = "ready"
	StatusInvalid     Status = "invalid"
)

// DecisionAction is what Policy.ArchiveAvailable returns.
type DecisionAction string

const (
	ActionDownload   DecisionAction = "download"
	ActionIgnore     DecisionAction = "ignore"
	ActionReschedule DecisionAction = "reschedule"
)

// Decision is the policy's answer for one ArchiveInfo.
type Decision struct {
	Action DecisionAction
	Delay  time.Duration
}

// Policy is the narrow vtable ArchiveManager needs.
type Policy interface {
	ArchiveAvailable(info ArchiveInfo) Decision
	ArchiveReady(info ArchiveInfo, path string)
	HandleError(err error)
}

// ManagerConfig bundles a Manager's dependencies.
type ManagerConfig struct {
	Policy     Policy
	Verifier   flasher.Verifier
	HTTPClient *http.Client
	Retry      config.RetryConfig
	DataDir    string
	UserAgent  string
	Logger     *zap.Logger
}

// Manager owns the lifetime of a single archive download+verify.
type Manager struct {
	cfg ManagerConfig

	mu              sync.Mutex
	status          Status
	rescheduleTimer *time.Timer
	cancelActive    context.CancelFunc
	busy            bool // claimed from the first ApplyArchive call through to a terminal state, across reschedules
}

// NewManager builds a Manager from cfg.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	cfg.Logger = cfg.Logger.With(zap.String("component", "archive"))
	return &Manager{cfg: cfg, status: StatusIdle}
}

// Status returns the manager's current state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// ApplyArchive consults policy and, on "download", spawns a Downloader. It
// claims the manager for the whole lifetime of this archive, including any
// reschedule delay, so a concurrent notification arriving while a reschedule
// timer is pending is rejected as a duplicate rather than racing it to start
// a second, independent download.
func (m *Manager) ApplyArchive(ctx context.Context, info ArchiveInfo, publicKeys []string) Status {
	m.mu.Lock()
	if m.busy {
		status := m.status
		m.mu.Unlock()
		m.cfg.Logger.Info("duplicate archive notification ignored", zap.String("uuid", info.UUID))
		return status
	}
	m.busy = true

	if m.rescheduleTimer != nil {
		m.rescheduleTimer.Stop()
		m.rescheduleTimer = nil
	}
	m.mu.Unlock()

	return m.decide(ctx, info, publicKeys)
}

// decide is called both by ApplyArchive (which has just claimed m.busy) and
// by a fired reschedule timer (reusing that claim), so it never touches
// m.busy itself except to release it on a terminal outcome.
func (m *Manager) decide(ctx context.Context, info ArchiveInfo, publicKeys []string) Status {
	decision := m.cfg.Policy.ArchiveAvailable(info)

	switch decision.Action {
	case ActionReschedule:
		m.mu.Lock()
		m.status = StatusIdle
		m.rescheduleTimer = time.AfterFunc(decision.Delay, func() {
			m.decide(ctx, info, publicKeys)
		})
		m.mu.Unlock()
		return StatusIdle

	case ActionDownload:
		runCtx, cancel := context.WithCancel(ctx)
		m.mu.Lock()
		m.status = StatusDownloading
		m.cancelActive = cancel
		m.mu.Unlock()
		go m.run(runCtx, info, publicKeys)
		return StatusDownloading

	default: // ActionIgnore
		m.mu.Lock()
		m.status = StatusIdle
		m.busy = false
		m.mu.Unlock()
		return StatusIdle
	}
}

func (m *Manager) run(ctx context.Context, info ArchiveInfo, publicKeys []string) {
	dir := filepath.Join(m.cfg.DataDir, "archives")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		m.fail(fmt.Errorf("archive: create archives dir: %w", err))
		return
	}

	name := info.UUID
	if name == "" {
		name = uuid.NewString()
	}
	final := filepath.Join(dir, name+filepath.Ext(info.URL))
	tmp := final + ".download"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		m.fail(fmt.Errorf("archive: open download file: %w", err))
		return
	}

	dl := download.New(m.cfg.HTTPClient, m.cfg.Retry, m.cfg.UserAgent, m.cfg.Logger)
	err = dl.Fetch(ctx, info.URL, 0, func(ev download.Event) error {
		if ev.Kind == download.EventData {
			if _, werr := f.Write(ev.Data); werr != nil {
				return fmt.Errorf("archive: write download file: %w", werr)
			}
		}
		return nil
	})
	f.Close()
	if err != nil {
		os.Remove(tmp)
		m.fail(err)
		return
	}

	if err := os.Rename(tmp, final); err != nil {
		m.fail(fmt.Errorf("archive: rename completed download: %w", err))
		return
	}

	m.mu.Lock()
	m.status = StatusVerifying
	m.mu.Unlock()

	if !m.verify(ctx, final, publicKeys) {
		os.Remove(final)
		m.mu.Lock()
		m.status = StatusInvalid
		m.busy = false
		m.mu.Unlock()
		m.cfg.Logger.Warn("archive failed signature verification, discarded", zap.String("uuid", info.UUID))
		return
	}

	m.mu.Lock()
	m.status = StatusReady
	m.busy = false
	m.mu.Unlock()
	m.cfg.Policy.ArchiveReady(info, final)
}

// verify accepts the archive if any configured public key validates its
// signature. Per the open question recorded in DESIGN.md, an empty key set
// is treated as "no verification possible" and the archive is rejected,
// rather than silently accepted.
func (m *Manager) verify(ctx context.Context, path string, publicKeys []string) bool {
	if len(publicKeys) == 0 {
		m.cfg.Logger.Error("no archive public keys configured, cannot verify", zap.String("path", path))
		return false
	}
	for _, key := range publicKeys {
		ok, err := m.cfg.Verifier.Verify(ctx, path, key)
		if err != nil {
			m.cfg.Logger.Warn("verify attempt errored", zap.Error(err), zap.String("key", key))
			continue
		}
		if ok {
			return true
		}
	}
	return false
}

func (m *Manager) fail(err error) {
	m.cfg.Logger.Error("archive download failed", zap.Error(err))
	m.cfg.Policy.HandleError(err)
	m.mu.Lock()
	m.status = StatusInvalid
	m.busy = false
	m.mu.Unlock()
}

// Shutdown cancels any in-flight download and pending reschedule timer.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.rescheduleTimer != nil {
		m.rescheduleTimer.Stop()
	}
	cancel := m.cancelActive
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
