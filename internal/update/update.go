// Package update implements the firmware UpdateManager state machine
// (spec §4.2): idle → downloading(percent) → updating(percent) → done,
// with side-exits rescheduled(timer) and fwup_error(msg).
package update

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fleetlink/agent/internal/alarm"
	"github.com/fleetlink/agent/internal/config"
	"github.com/fleetlink/agent/internal/download"
	"github.com/fleetlink/agent/internal/flasher"
)

// FirmwareMetadata describes the firmware image named in an update
// notification (spec §3).
type FirmwareMetadata struct {
	Architecture  string `json:"architecture"`
	Platform      string `json:"platform"`
	Product       string `json:"product"`
	UUID          string `json:"uuid"`
	Version       string `json:"version"`
	Author        string `json:"author,omitempty"`
	Description   string `json:"description,omitempty"`
	BuildToolVer  string `json:"build_tool_version,omitempty"`
	Misc          string `json:"misc,omitempty"`
	VCSIdentifier string `json:"vcs_identifier,omitempty"`
}

// UpdateInfo is the payload of an inbound "update" event.
type UpdateInfo struct {
	FirmwareURL  string           `json:"firmware_url"`
	FirmwareMeta FirmwareMetadata `json:"firmware_meta"`
}

// Status is the manager's externally-visible state.
type Status string

const (
	StatusIdle        Status = "idle"
	StatusDownloading Status = "downloading"
	StatusUpdating    Status = "updating"
	StatusDone        Status = "done"
	StatusRescheduled Status = "rescheduled"
	StatusFwupError   Status = "fwup_error"
)

// Strategy selects how downloaded bytes reach the flasher.
type Strategy int

const (
	// StrategyStreaming pipes Downloader bytes directly to the flasher as
	// they arrive: minimal storage, but redelivery needs a full restart.
	StrategyStreaming Strategy = iota
	// StrategyCaching writes to a resumable .partial file first.
	StrategyCaching
)

// Decision is what Policy.UpdateAvailable returns.
type Decision struct {
	Action DecisionAction
	Reason string
	Delay  time.Duration
}

type DecisionAction string

const (
	ActionApply      DecisionAction = "apply"
	ActionIgnore     DecisionAction = "ignore"
	ActionReschedule DecisionAction = "reschedule"
)

// Policy is the narrow vtable UpdateManager needs from the user-supplied
// callbacks (spec §9). Defined here, not in a shared policy package, so this
// package never imports the concrete policy implementation.
type Policy interface {
	UpdateAvailable(info UpdateInfo) Decision
	HandleFwupMessage(msg flasher.Message)
	HandleError(err error)
	Reboot()
}

// Events is where the manager pushes everything the server needs to see.
// The channel client implements this.
type Events interface {
	FwupProgress(stage string, value int)
	StatusUpdate(status string, fields map[string]string)
	Rebooting()
}

// ManagerConfig bundles a Manager's dependencies.
type ManagerConfig struct {
	Policy     Policy
	Events     Events
	Flasher    flasher.Flasher
	HTTPClient *http.Client
	Retry      config.RetryConfig
	DataDir    string
	Strategy   Strategy
	UserAgent  string
	Alarms     *alarm.Set
	Logger     *zap.Logger

	DeviceTaskName string
	DevicePath     string
	FlasherEnv     map[string]string
}

// Manager owns the lifetime of a single firmware update.
type Manager struct {
	cfg ManagerConfig

	mu              sync.Mutex
	status          Status
	percent         int
	publicKeys      []string
	rescheduleTimer *time.Timer
	cancelActive    context.CancelFunc
	currentUUID     string
	busy            bool // claimed from the first ApplyUpdate call through to a terminal state, across reschedules

	lastProgressSent time.Time
	lastPercentSent  int
}

// NewManager builds a Manager from cfg.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	cfg.Logger = cfg.Logger.With(zap.String("component", "update"))
	return &Manager{cfg: cfg, status: StatusIdle, lastPercentSent: -1}
}

// SetPublicKeys atomically replaces the firmware public-key set held by the
// manager (spec §4.2 "Public-key hot-swap"). The set is stored only: flasher
// sessions are started without public-key arguments, so these keys do not
// reach the flasher.
func (m *Manager) SetPublicKeys(keys []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publicKeys = append([]string(nil), keys...)
}

// Status returns the current state and, if downloading/updating, percent.
func (m *Manager) Status() (Status, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status, m.percent
}

// CurrentDownloadUUID returns the UUID of the update currently downloading
// or being applied, or "" if none is in flight (spec §3/§4.1 JOIN params).
func (m *Manager) CurrentDownloadUUID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != StatusDownloading && m.status != StatusUpdating {
		return ""
	}
	return m.currentUUID
}

// ApplyUpdate drives the apply_update(UpdateInfo, public_keys) contract from
// spec §4.2. It claims the manager for the whole lifetime of this update,
// including any reschedule delay, so a concurrent notification arriving
// while a reschedule timer is pending is rejected as a duplicate rather than
// racing it to start a second, independent run.
func (m *Manager) ApplyUpdate(ctx context.Context, info UpdateInfo, publicKeys []string) Status {
	m.mu.Lock()
	if m.busy {
		status := m.status
		m.mu.Unlock()
		m.cfg.Logger.Info("duplicate update notification ignored", zap.String("uuid", info.FirmwareMeta.UUID))
		return status
	}
	m.busy = true

	if m.rescheduleTimer != nil {
		m.rescheduleTimer.Stop()
		m.rescheduleTimer = nil
	}
	if len(publicKeys) > 0 {
		m.publicKeys = publicKeys
	}
	m.currentUUID = info.FirmwareMeta.UUID
	m.mu.Unlock()

	return m.decide(ctx, info)
}

// decide evaluates policy and branches on its decision. It is called both by
// ApplyUpdate (which has just claimed m.busy) and by a fired reschedule
// timer (which is reusing the claim ApplyUpdate already holds), so it never
// touches m.busy itself except to release it on a terminal outcome.
func (m *Manager) decide(ctx context.Context, info UpdateInfo) Status {
	decision := m.cfg.Policy.UpdateAvailable(info)
	switch decision.Action {
	case ActionApply, ActionIgnore, ActionReschedule:
	default:
		m.cfg.Logger.Warn("policy returned unrecognized decision, coercing to apply", zap.String("action", string(decision.Action)))
		decision.Action = ActionApply
	}

	switch decision.Action {
	case ActionIgnore:
		m.mu.Lock()
		m.status = StatusIdle
		m.busy = false
		m.mu.Unlock()
		m.cfg.Events.StatusUpdate("ignored", map[string]string{"reason": decision.Reason})
		return StatusIdle

	case ActionReschedule:
		m.mu.Lock()
		m.status = StatusRescheduled
		m.rescheduleTimer = time.AfterFunc(decision.Delay, func() {
			m.decide(ctx, info)
		})
		m.mu.Unlock()
		m.cfg.Events.StatusUpdate("rescheduled", map[string]string{"reason": decision.Reason, "delay_ms": fmt.Sprintf("%d", decision.Delay.Milliseconds())})
		return StatusRescheduled

	default: // ActionApply
		runCtx, cancel := context.WithCancel(ctx)
		m.mu.Lock()
		m.status = StatusDownloading
		m.percent = 0
		m.cancelActive = cancel
		m.mu.Unlock()

		m.cfg.Events.StatusUpdate("received", nil)
		m.cfg.Alarms.Raise(alarm.UpdateInProgress)

		go m.run(runCtx, info)
		return StatusDownloading
	}
}

func (m *Manager) run(ctx context.Context, info UpdateInfo) {
	defer m.cfg.Alarms.Clear(alarm.UpdateInProgress)

	dl := download.New(m.cfg.HTTPClient, m.cfg.Retry, m.cfg.UserAgent, m.cfg.Logger)

	switch m.cfg.Strategy {
	case StrategyCaching:
		m.runCaching(ctx, info, dl)
	default:
		m.runStreaming(ctx, info, dl)
	}
}

func (m *Manager) runStreaming(ctx context.Context, info UpdateInfo, dl *download.Downloader) {
	sess, err := m.cfg.Flasher.Start(ctx, flasher.Args{
		Task:   m.cfg.DeviceTaskName,
		Device: m.cfg.DevicePath,
		Env:    m.cfg.FlasherEnv,
	})
	if err != nil {
		m.fail(fmt.Errorf("update: start flasher: %w", err))
		return
	}

	go m.pumpFlasherMessages(sess)

	m.setStatus(StatusUpdating, 0)
	err = dl.Fetch(ctx, info.FirmwareURL, 0, func(ev download.Event) error {
		if ev.Kind == download.EventData {
			if _, werr := sess.Write(ev.Data); werr != nil {
				return fmt.Errorf("update: write to flasher: %w", werr)
			}
			m.reportProgress("updating", ev.PercentCompleted)
		}
		return nil
	})
	_ = sess.Close()
	if err != nil {
		m.fail(err)
	}
}

func (m *Manager) runCaching(ctx context.Context, info UpdateInfo, dl *download.Downloader) {
	dir := filepath.Join(m.cfg.DataDir, "firmware")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		m.fail(fmt.Errorf("update: create firmware dir: %w", err))
		return
	}

	base := filepath.Base(info.FirmwareURL)
	final := filepath.Join(dir, base)
	partial := final + ".partial"

	purgeExcept(dir, filepath.Base(partial))

	resumeFrom := int64(0)
	if stat, err := os.Stat(partial); err == nil {
		resumeFrom = stat.Size()
	}

	f, err := os.OpenFile(partial, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		m.fail(fmt.Errorf("update: open partial file: %w", err))
		return
	}

	m.setStatus(StatusDownloading, 0)
	err = dl.Fetch(ctx, info.FirmwareURL, resumeFrom, func(ev download.Event) error {
		if ev.Kind == download.EventData {
			if _, werr := f.Write(ev.Data); werr != nil {
				return fmt.Errorf("update: write partial file: %w", werr)
			}
			m.reportProgress("downloading", ev.PercentCompleted)
		}
		return nil
	})
	f.Close()
	if err != nil {
		m.fail(err)
		return
	}

	if err := os.Rename(partial, final); err != nil {
		m.fail(fmt.Errorf("update: rename completed download: %w", err))
		return
	}

	sess, err := m.cfg.Flasher.Start(ctx, flasher.Args{
		Task:   m.cfg.DeviceTaskName,
		Device: m.cfg.DevicePath,
		Env:    m.cfg.FlasherEnv,
		Input:  final,
	})
	if err != nil {
		m.fail(fmt.Errorf("update: start flasher: %w", err))
		return
	}

	m.setStatus(StatusUpdating, 0)
	m.pumpFlasherMessages(sess)
	_ = sess.Close()
}

// purgeExcept removes every file in dir other than keep, matching the
// caching strategy's "purge any other file from the cache directory" rule.
func purgeExcept(dir, keep string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.Name() != keep {
			_ = os.Remove(filepath.Join(dir, e.Name()))
		}
	}
}

// pumpFlasherMessages forwards flasher messages to policy and drives the
// terminal status transitions; it blocks until the flasher session's
// message stream closes.
func (m *Manager) pumpFlasherMessages(sess flasher.Session) {
	for msg := range sess.Messages() {
		m.cfg.Policy.HandleFwupMessage(msg)

		switch msg.Kind {
		case flasher.KindProgress:
			m.reportProgress("updating", msg.Value)
		case flasher.KindOK:
			m.reportProgressForce("updating", 100)
			m.cfg.Events.StatusUpdate("completed", nil)
			m.setStatus(StatusDone, 100)
			m.clearBusy()
			m.cfg.Policy.Reboot()
			m.cfg.Events.Rebooting()
		case flasher.KindError:
			m.cfg.Events.StatusUpdate("failed", map[string]string{"reason": msg.Text})
			m.setStatus(StatusFwupError, m.percent)
			m.clearBusy()
		}
	}
}

// reportProgress throttles fwup_progress to at most once per 500ms and only
// when rounded percent has advanced (spec §4.2).
func (m *Manager) reportProgress(stage string, percent int) {
	m.mu.Lock()
	m.percent = percent
	advanced := percent > m.lastPercentSent
	stale := time.Since(m.lastProgressSent) < 500*time.Millisecond
	if advanced && !stale {
		m.lastPercentSent = percent
		m.lastProgressSent = time.Now()
	}
	shouldSend := advanced && !stale
	m.mu.Unlock()

	if shouldSend {
		m.cfg.Events.FwupProgress(stage, percent)
	}
}

// reportProgressForce always sends, used for the terminal 100% progress
// event so it is never swallowed by the 500ms/advancing-percent throttle.
func (m *Manager) reportProgressForce(stage string, percent int) {
	m.mu.Lock()
	m.percent = percent
	m.lastPercentSent = percent
	m.lastProgressSent = time.Now()
	m.mu.Unlock()
	m.cfg.Events.FwupProgress(stage, percent)
}

func (m *Manager) setStatus(status Status, percent int) {
	m.mu.Lock()
	m.status = status
	m.percent = percent
	m.mu.Unlock()
}

func (m *Manager) clearBusy() {
	m.mu.Lock()
	m.busy = false
	m.mu.Unlock()
}

func (m *Manager) fail(err error) {
	m.cfg.Logger.Error("update failed", zap.Error(err))
	m.cfg.Policy.HandleError(err)
	m.cfg.Events.StatusUpdate("failed", map[string]string{"reason": err.Error()})
	m.setStatus(StatusFwupError, m.percent)
	m.clearBusy()
}

// Shutdown cancels any in-flight download/flasher session and pending
// reschedule timer, clearing the UpdateInProgress alarm.
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
	m.cfg.Alarms.Clear(alarm.UpdateInProgress)
}
