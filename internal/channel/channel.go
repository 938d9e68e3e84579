// Package channel implements the persistent, multiplexed WebSocket client
// described in spec §4.1: topic join lifecycle, heartbeat/rejoin, and
// dispatch of inbound device/console/extensions events to the rest of the
// agent.
package channel

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fleetlink/agent/internal/alarm"
	"github.com/fleetlink/agent/internal/archive"
	"github.com/fleetlink/agent/internal/backoff"
	"github.com/fleetlink/agent/internal/config"
	"github.com/fleetlink/agent/internal/console"
	"github.com/fleetlink/agent/internal/extensions"
	"github.com/fleetlink/agent/internal/netinfo"
	"github.com/fleetlink/agent/internal/script"
	"github.com/fleetlink/agent/internal/slotkv"
	"github.com/fleetlink/agent/internal/update"
)

const maxUpgradeRedirects = 2

// Policy is the narrow vtable the channel client needs from the user-supplied
// callbacks.
type Policy interface {
	Identify()
	HandleError(err error)
	ReconnectBackoff() *backoff.Sequence
	FirmwareValidated() bool
	FirmwareAutoRevertDetected() bool
}

// Deps bundles the components the channel client dispatches to.
type Deps struct {
	Config       *config.Config
	UpdateMgr    *update.Manager
	ArchiveMgr   *archive.Manager
	Extensions   *extensions.Registry
	ScriptRunner *script.Runner
	Policy       Policy
	Alarms       *alarm.Set
	SlotStore    slotkv.Store
	Logger       *zap.Logger
}

// Client is the persistent channel client.
type Client struct {
	deps Deps
	cfg  *config.Config

	mu                sync.Mutex
	conn              *websocket.Conn
	status            ConnStatus
	joinStates        map[string]JoinState
	lastNetReport     netinfo.Report
	redirectCount     int
	archivePublicKeys []string

	outbox chan Frame
	pushMu sync.Mutex // serializes push()'s drop-oldest-then-enqueue against concurrent producers

	shell    *shellSession
	receiver *console.Receiver

	rejoin *backoff.Sequence
	logger *zap.Logger

	runCancel context.CancelFunc
	runDone   chan struct{}
}

// NewClient builds a Client. deps.Policy, deps.Alarms and deps.Config must be
// non-nil.
func NewClient(deps Deps) *Client {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "channel"))

	return &Client{
		deps:              deps,
		cfg:               deps.Config,
		status:            StatusDisconnected,
		joinStates:        map[string]JoinState{TopicDevice: JoinUnjoined, TopicConsole: JoinUnjoined, TopicExtensions: JoinUnjoined},
		outbox:            make(chan Frame, 256),
		receiver:          console.NewReceiver(deps.Config.DataDir),
		rejoin:            deps.Policy.ReconnectBackoff(),
		archivePublicKeys: append([]string(nil), deps.Config.ArchivePublicKeys...),
		logger:            logger,
	}
}

// Run connects and services the channel until ctx is canceled, reconnecting
// with jittered backoff on every failure (spec §4.1).
func (c *Client) Run(ctx context.Context) error {
	if c.cfg.WaitForNetworkBefore {
		if err := c.waitForNetwork(ctx); err != nil {
			return err
		}
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.setStatus(StatusConnecting)
		conn, err := c.connect(ctx)
		if err != nil {
			c.deps.Alarms.Raise(alarm.Disconnected)
			c.deps.Policy.HandleError(fmt.Errorf("channel: connect: %w", err))
			c.logger.Warn("connect failed, backing off", zap.Error(err))
			c.sleepBackoff(ctx)
			continue
		}

		c.deps.Alarms.Clear(alarm.Disconnected)
		c.rejoin.Reset()
		c.setStatus(StatusConnected)

		sessionErr := c.runSession(ctx, conn)
		c.setStatus(StatusDisconnected)
		c.resetJoinStates()

		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.deps.Alarms.Raise(alarm.Disconnected)
		c.deps.Policy.HandleError(fmt.Errorf("channel: session ended: %w", sessionErr))
		c.sleepBackoff(ctx)
	}
}

// Start launches Run in the background, satisfying supervisor.Component.
func (c *Client) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.runCancel = cancel
	c.runDone = make(chan struct{})
	done := c.runDone
	c.mu.Unlock()

	go func() {
		defer close(done)
		if err := c.Run(runCtx); err != nil && runCtx.Err() == nil {
			c.logger.Error("channel run loop exited unexpectedly", zap.Error(err))
		}
	}()
	return nil
}

// Stop cancels the background Run loop started by Start and waits for it to
// exit, satisfying supervisor.Component.
func (c *Client) Stop() error {
	c.mu.Lock()
	cancel := c.runCancel
	done := c.runDone
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	if done != nil {
		<-done
	}
	return nil
}

// Reconnect tears down the current socket, relying on Run's loop to dial
// again after backoff (spec §5 "Cancellation").
func (c *Client) Reconnect() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (c *Client) waitForNetwork(ctx context.Context) error {
	u, err := url.Parse(c.cfg.ServerURL)
	if err != nil {
		return fmt.Errorf("channel: parse server_url: %w", err)
	}
	addr := u.Host
	if !strings.Contains(addr, ":") {
		if u.Scheme == "wss" || u.Scheme == "https" {
			addr = net.JoinHostPort(addr, "443")
		} else {
			addr = net.JoinHostPort(addr, "80")
		}
	}

	for {
		if netinfo.ProbeTCP(addr) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(3 * time.Second):
		}
	}
}

func (c *Client) sleepBackoff(ctx context.Context) {
	d := c.rejoin.Next()
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (c *Client) setStatus(s ConnStatus) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

// Status returns the current connection status.
func (c *Client) Status() ConnStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Client) resetJoinStates() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.joinStates {
		c.joinStates[k] = JoinUnjoined
	}
}

func (c *Client) joinState(topic string) JoinState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joinStates[topic]
}

func (c *Client) setJoinState(topic string, s JoinState) {
	c.mu.Lock()
	c.joinStates[topic] = s
	c.mu.Unlock()
}

// connect dials the WebSocket, following up to maxUpgradeRedirects 3xx
// upgrade failures by rewriting scheme per spec §4.1 step 3.
func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	dialer := *websocket.DefaultDialer
	dialer.EnableCompression = true

	header := http.Header{}

	switch c.cfg.TLS.Mode {
	case config.AuthMutualTLS:
		tlsCfg, err := buildTLSConfig(c.cfg)
		if err != nil {
			return nil, err
		}
		dialer.TLSClientConfig = tlsCfg
	case config.AuthSharedSecret:
		h, err := sharedSecretHeaders(c.cfg)
		if err != nil {
			return nil, err
		}
		header = h
		dialer.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12, ServerName: c.cfg.TLS.SNI}
	}

	target := c.cfg.ServerURL
	redirects := 0

	for {
		conn, resp, err := dialer.DialContext(ctx, target, header)
		if err == nil {
			c.mu.Lock()
			c.conn = conn
			c.mu.Unlock()
			if report, rerr := netinfo.FromLocalAddr(conn.LocalAddr()); rerr == nil {
				c.mu.Lock()
				c.lastNetReport = report
				c.mu.Unlock()
			}
			return conn, nil
		}

		if resp == nil || resp.StatusCode < 300 || resp.StatusCode >= 400 {
			return nil, err
		}

		loc := resp.Header.Get("Location")
		if loc == "" {
			return nil, fmt.Errorf("channel: redirect without Location: %w", err)
		}
		redirects++
		if redirects > maxUpgradeRedirects {
			return nil, fmt.Errorf("channel: exceeded max upgrade redirects (%d)", maxUpgradeRedirects)
		}

		next, rerr := rewriteUpgradeURL(target, loc)
		if rerr != nil {
			return nil, fmt.Errorf("channel: bad redirect Location: %w", rerr)
		}
		target = next
	}
}

// rewriteUpgradeURL resolves loc against base and maps http/https schemes to
// ws/wss, per spec §4.1 step 3.
func rewriteUpgradeURL(base, loc string) (string, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	locURL, err := url.Parse(loc)
	if err != nil {
		return "", err
	}
	resolved := baseURL.ResolveReference(locURL)
	switch resolved.Scheme {
	case "http":
		resolved.Scheme = "ws"
	case "https":
		resolved.Scheme = "wss"
	}
	return resolved.String(), nil
}

// runSession services one live connection: reader, writer, heartbeat, and
// the initial joins. It returns when the connection fails or ctx is done.
func (c *Client) runSession(ctx context.Context, conn *websocket.Conn) error {
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		errCh <- c.readLoop(sessionCtx, conn)
	}()
	go func() {
		defer wg.Done()
		errCh <- c.writeLoop(sessionCtx, conn)
	}()

	go c.heartbeatLoop(sessionCtx, conn)

	if err := c.joinTopic(sessionCtx, TopicDevice, c.deviceJoinParams()); err != nil {
		c.logger.Warn("device join failed", zap.Error(err))
	}
	if c.cfg.RemoteShellEnabled {
		if err := c.joinTopic(sessionCtx, TopicConsole, nil); err != nil {
			c.logger.Warn("console join failed", zap.Error(err))
		}
	}
	if err := c.joinTopic(sessionCtx, TopicExtensions, nil); err != nil {
		c.logger.Warn("extensions join failed", zap.Error(err))
	}

	err := <-errCh
	cancel()
	_ = conn.Close()
	wg.Wait()
	return err
}

func (c *Client) deviceJoinParams() map[string]any {
	params := map[string]any{
		"firmware_validated":             c.deps.Policy.FirmwareValidated(),
		"firmware_auto_revert_detected":  c.deps.Policy.FirmwareAutoRevertDetected(),
	}
	if c.deps.SlotStore != nil {
		active := slotkv.ActiveSlot(c.deps.SlotStore)
		if active != "" {
			params["slot"] = slotkv.ReadSnapshot(c.deps.SlotStore, active)
		}
	}
	if c.deps.UpdateMgr != nil {
		if uuid := c.deps.UpdateMgr.CurrentDownloadUUID(); uuid != "" {
			params["currently_downloading_uuid"] = uuid
		}
	}
	return params
}

// joinTopic enqueues a JOIN frame onto the outbox rather than writing the
// connection directly, so writeLoop remains the connection's sole writer of
// data frames (gorilla/websocket forbids concurrent data writes).
func (c *Client) joinTopic(ctx context.Context, topic string, params map[string]any) error {
	c.setJoinState(topic, JoinJoining)
	frame := Frame{Topic: topic, Event: EventJoin, Payload: encodePayload(params)}
	select {
	case c.outbox <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	interval := c.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
		}
	}
}

// writeLoop drains the outbox in submission order, non-blocking from the
// caller's perspective (spec §4.1 "Ordering").
func (c *Client) writeLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame := <-c.outbox:
			if err := c.send(conn, frame); err != nil {
				return err
			}
		}
	}
}

func (c *Client) send(conn *websocket.Conn, frame Frame) error {
	return conn.WriteJSON(frame)
}

// readLoop observes inbound frames strictly in arrival order per topic
// (spec §5 "Ordering").
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return err
		}
		c.dispatch(frame)
	}
}

func (c *Client) dispatch(frame Frame) {
	switch frame.Topic {
	case TopicDevice:
		c.handleDeviceFrame(frame)
	case TopicConsole:
		c.handleConsoleFrame(frame)
	case TopicExtensions:
		c.handleExtensionsFrame(frame)
	default:
		c.logger.Warn("frame on unknown topic dropped", zap.String("topic", frame.Topic))
	}
}

func (c *Client) handleJoinReplyOrClose(topic string, frame Frame) bool {
	switch frame.Event {
	case EventReply:
		c.setJoinState(topic, JoinJoined)
		return true
	case EventClose, EventError:
		c.setJoinState(topic, JoinUnjoined)
		return true
	}
	return false
}

// push enqueues frame without blocking the caller; a full outbox drops the
// oldest pending frame rather than stalling the producer, since control
// traffic (progress, status) is more valuable fresh than queued.
func (c *Client) push(topic, event string, payload any) {
	frame := Frame{Topic: topic, Event: event, Payload: encodePayload(payload)}

	c.pushMu.Lock()
	defer c.pushMu.Unlock()

	select {
	case c.outbox <- frame:
	default:
		// Full: drop the oldest queued frame and retry. Holding pushMu for
		// both steps keeps this atomic against other producers, so the
		// retry always lands rather than losing the race for the freed slot.
		select {
		case <-c.outbox:
		default:
		}
		select {
		case c.outbox <- frame:
		default:
		}
	}
}

func (c *Client) pushDevice(event string, payload any) {
	c.push(TopicDevice, event, payload)
}
