// Package policy provides the default, overridable callback vtable described
// in spec §9: "Policy is a vtable with slots ... each has a default
// implementation." DefaultPolicy satisfies update.Policy, archive.Policy and
// channel.Policy structurally — it imports those packages for their request
// types, but they never import this one, so there is no cycle.
package policy

import (
	"os/exec"

	"go.uber.org/zap"

	"github.com/fleetlink/agent/internal/archive"
	"github.com/fleetlink/agent/internal/backoff"
	"github.com/fleetlink/agent/internal/flasher"
	"github.com/fleetlink/agent/internal/update"
)

// Callbacks holds the user-overridable hooks. Any nil field falls back to
// DefaultPolicy's built-in behavior.
type Callbacks struct {
	UpdateAvailable            func(update.UpdateInfo) update.Decision
	ArchiveAvailable           func(archive.ArchiveInfo) archive.Decision
	ArchiveReady               func(info archive.ArchiveInfo, path string)
	HandleFwupMessage          func(flasher.Message)
	HandleError                func(error)
	Identify                   func()
	ReconnectBackoff           func() *backoff.Sequence
	Reboot                     func()
	FirmwareValidated          func() bool
	FirmwareAutoRevertDetected func() bool
}

// DefaultPolicy implements the full Policy vtable, deferring to Callbacks
// where set and to a safe built-in default otherwise.
type DefaultPolicy struct {
	cb     Callbacks
	logger *zap.Logger
}

// New builds a DefaultPolicy, filling every unset callback with a default.
func New(cb Callbacks, logger *zap.Logger) *DefaultPolicy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DefaultPolicy{cb: cb, logger: logger.With(zap.String("component", "policy"))}
}

func (p *DefaultPolicy) UpdateAvailable(info update.UpdateInfo) update.Decision {
	if p.cb.UpdateAvailable != nil {
		return p.cb.UpdateAvailable(info)
	}
	return update.Decision{Action: update.ActionApply}
}

func (p *DefaultPolicy) ArchiveAvailable(info archive.ArchiveInfo) archive.Decision {
	if p.cb.ArchiveAvailable != nil {
		return p.cb.ArchiveAvailable(info)
	}
	return archive.Decision{Action: archive.ActionDownload}
}

func (p *DefaultPolicy) ArchiveReady(info archive.ArchiveInfo, path string) {
	if p.cb.ArchiveReady != nil {
		p.cb.ArchiveReady(info, path)
		return
	}
	p.logger.Info("archive ready", zap.String("uuid", info.UUID), zap.String("path", path))
}

func (p *DefaultPolicy) HandleFwupMessage(msg flasher.Message) {
	if p.cb.HandleFwupMessage != nil {
		p.cb.HandleFwupMessage(msg)
		return
	}
	p.logger.Debug("fwup message", zap.String("kind", msg.Kind), zap.Int("value", msg.Value))
}

func (p *DefaultPolicy) HandleError(err error) {
	if p.cb.HandleError != nil {
		p.cb.HandleError(err)
		return
	}
	p.logger.Error("policy default error handler", zap.Error(err))
}

func (p *DefaultPolicy) Identify() {
	if p.cb.Identify != nil {
		p.cb.Identify()
		return
	}
	p.logger.Info("identify requested, no-op default")
}

func (p *DefaultPolicy) ReconnectBackoff() *backoff.Sequence {
	if p.cb.ReconnectBackoff != nil {
		return p.cb.ReconnectBackoff()
	}
	return backoff.Default()
}

func (p *DefaultPolicy) Reboot() {
	if p.cb.Reboot != nil {
		p.cb.Reboot()
		return
	}
	p.logger.Warn("initiating system reboot")
	_ = exec.Command("reboot").Run()
}

func (p *DefaultPolicy) FirmwareValidated() bool {
	if p.cb.FirmwareValidated != nil {
		return p.cb.FirmwareValidated()
	}
	return true
}

func (p *DefaultPolicy) FirmwareAutoRevertDetected() bool {
	if p.cb.FirmwareAutoRevertDetected != nil {
		return p.cb.FirmwareAutoRevertDetected()
	}
	return false
}
