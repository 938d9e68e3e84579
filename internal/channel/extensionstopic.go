package channel

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"
)

// handleExtensionsFrame dispatches one inbound extensions-topic frame (spec
// §4.6). Event names are namespaced "<extension>:<event>"; attach/detach are
// gateway-level. Any other event for a currently attached extension is
// logged and dropped: modules have no inbound handler, so it is not
// delivered to the extension.
func (c *Client) handleExtensionsFrame(frame Frame) {
	if c.handleJoinReplyOrClose(TopicExtensions, frame) {
		return
	}
	if c.deps.Extensions == nil {
		return
	}

	name, suffix, ok := splitExtensionEvent(frame.Event)
	if !ok {
		c.logger.Debug("malformed extensions event", zap.String("event", frame.Event))
		return
	}

	if !c.extensionAllowed(name) {
		c.logger.Warn("extension not in allow list, ignoring", zap.String("extension", name))
		return
	}

	switch suffix {
	case "attach":
		if err := c.deps.Extensions.Attach(context.Background(), name, c); err != nil {
			c.logger.Warn("extension attach failed", zap.String("extension", name), zap.Error(err))
		}
	case "detach":
		if err := c.deps.Extensions.Detach(name); err != nil {
			c.logger.Warn("extension detach failed", zap.String("extension", name), zap.Error(err))
		}
	default:
		if !c.deps.Extensions.IsAttached(name) {
			c.logger.Debug("event for detached extension dropped", zap.String("extension", name))
			return
		}
		// Extensions are outbound-only from the agent's perspective in this
		// agent; inbound namespaced events beyond attach/detach have no
		// registered handler and are logged for visibility.
		var payload map[string]any
		_ = json.Unmarshal(frame.Payload, &payload)
		c.logger.Debug("extension event received", zap.String("extension", name), zap.String("event", suffix))
	}
}

func (c *Client) extensionAllowed(name string) bool {
	if len(c.cfg.ExtensionsAllowList) == 0 {
		return true
	}
	for _, allowed := range c.cfg.ExtensionsAllowList {
		if allowed == name {
			return true
		}
	}
	return false
}

func splitExtensionEvent(event string) (name, suffix string, ok bool) {
	idx := strings.Index(event, ":")
	if idx < 0 {
		return "", "", false
	}
	return event[:idx], event[idx+1:], true
}

// PushExtension implements extensions.Events, rejecting pushes from
// extensions the gateway no longer considers attached.
func (c *Client) PushExtension(name, event string, payload map[string]any) error {
	if c.deps.Extensions != nil && !c.deps.Extensions.IsAttached(name) {
		return nil
	}
	c.push(TopicExtensions, name+":"+event, payload)
	return nil
}
