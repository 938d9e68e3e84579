package channel

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/fleetlink/agent/internal/archive"
	"github.com/fleetlink/agent/internal/script"
	"github.com/fleetlink/agent/internal/update"
)

// handleDeviceFrame dispatches one inbound device-topic frame (spec §4.1/§6).
func (c *Client) handleDeviceFrame(frame Frame) {
	if c.handleJoinReplyOrClose(TopicDevice, frame) {
		return
	}

	switch frame.Event {
	case EventUpdate:
		var info update.UpdateInfo
		if err := json.Unmarshal(frame.Payload, &info); err != nil {
			c.logger.Warn("malformed update payload", zap.Error(err))
			return
		}
		if c.deps.UpdateMgr != nil {
			go c.deps.UpdateMgr.ApplyUpdate(context.Background(), info, nil)
		}

	case EventArchive:
		var info archive.ArchiveInfo
		if err := json.Unmarshal(frame.Payload, &info); err != nil {
			c.logger.Warn("malformed archive payload", zap.Error(err))
			return
		}
		if c.deps.ArchiveMgr != nil {
			c.mu.Lock()
			keys := c.archivePublicKeys
			c.mu.Unlock()
			go c.deps.ArchiveMgr.ApplyArchive(context.Background(), info, keys)
		}

	case EventFwupPublicKeys:
		var keys struct {
			Keys []string `json:"keys"`
		}
		if err := json.Unmarshal(frame.Payload, &keys); err != nil {
			c.logger.Warn("malformed fwup_public_keys payload", zap.Error(err))
			return
		}
		if c.deps.UpdateMgr != nil {
			c.deps.UpdateMgr.SetPublicKeys(keys.Keys)
		}

	case EventArchivePublicKeys:
		var keys struct {
			Keys []string `json:"keys"`
		}
		if err := json.Unmarshal(frame.Payload, &keys); err != nil {
			c.logger.Warn("malformed archive_public_keys payload", zap.Error(err))
			return
		}
		c.mu.Lock()
		c.archivePublicKeys = keys.Keys
		c.mu.Unlock()

	case EventReboot:
		go c.rebootNow()

	case EventIdentify:
		c.deps.Policy.Identify()

	case EventScriptsRun:
		var req script.Request
		if err := json.Unmarshal(frame.Payload, &req); err != nil {
			c.logger.Warn("malformed scripts/run payload", zap.Error(err))
			return
		}
		if c.deps.ScriptRunner == nil {
			return
		}
		go func() {
			result := c.deps.ScriptRunner.Run(context.Background(), req)
			c.pushDevice("scripts/run/reply", result)
		}()

	case EventExtensionsGet:
		if c.deps.Extensions == nil {
			c.pushDevice("extensions", map[string]any{"extensions": []any{}})
			return
		}
		c.pushDevice("extensions", map[string]any{"extensions": c.deps.Extensions.List()})

	default:
		c.logger.Debug("unhandled device event", zap.String("event", frame.Event))
	}
}

// rebootNow handles an unsolicited reboot push, as opposed to the reboot
// that follows a successful firmware apply (which the update manager drives
// itself through the same Policy.Reboot slot).
func (c *Client) rebootNow() {
	c.pushDevice(EventRebooting, nil)
	type rebooter interface{ Reboot() }
	if r, ok := c.deps.Policy.(rebooter); ok {
		r.Reboot()
	}
}

// FwupProgress implements update.Events.
func (c *Client) FwupProgress(stage string, value int) {
	c.pushDevice(EventFwupProgress, map[string]any{"stage": stage, "percent": value})
}

// StatusUpdate implements update.Events.
func (c *Client) StatusUpdate(status string, fields map[string]string) {
	payload := map[string]any{"status": status}
	for k, v := range fields {
		payload[k] = v
	}
	c.pushDevice(EventStatusUpdate, payload)
}

// Rebooting implements update.Events.
func (c *Client) Rebooting() {
	c.pushDevice(EventRebooting, nil)
}

// ArchiveReady is wired as the policy's ArchiveReady callback, forwarding to
// the server once a downloaded archive has been verified.
func (c *Client) ArchiveReady(info archive.ArchiveInfo, path string) {
	c.pushDevice("archive_ready", map[string]any{"uuid": info.UUID, "path": path})
}
