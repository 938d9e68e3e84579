// Command fleetlink-agent runs the fleet device agent: a persistent channel
// client that applies firmware updates and archives pushed from the server,
// reports status and progress, and hosts optional extensions.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fleetlink/agent/internal/alarm"
	"github.com/fleetlink/agent/internal/archive"
	"github.com/fleetlink/agent/internal/channel"
	"github.com/fleetlink/agent/internal/config"
	"github.com/fleetlink/agent/internal/extensions"
	"github.com/fleetlink/agent/internal/flasher"
	"github.com/fleetlink/agent/internal/logging"
	"github.com/fleetlink/agent/internal/policy"
	"github.com/fleetlink/agent/internal/script"
	"github.com/fleetlink/agent/internal/slotkv"
	"github.com/fleetlink/agent/internal/supervisor"
	"github.com/fleetlink/agent/internal/update"
)

const userAgent = "fleetlink-agent/1.0"

// clientEvents breaks the construction cycle between the update/archive
// managers (which need an Events/Policy sink) and the channel client (which
// needs the managers): the managers are wired against this indirection, and
// c is filled in once the client is built.
type clientEvents struct {
	c *channel.Client
}

func (e *clientEvents) FwupProgress(stage string, value int)                 { e.c.FwupProgress(stage, value) }
func (e *clientEvents) StatusUpdate(status string, fields map[string]string) { e.c.StatusUpdate(status, fields) }
func (e *clientEvents) Rebooting()                                          { e.c.Rebooting() }
func (e *clientEvents) ArchiveReady(info archive.ArchiveInfo, path string)   { e.c.ArchiveReady(info, path) }

func main() {
	var configPath string
	var logLevel string
	var jsonLogs bool

	root := &cobra.Command{
		Use:   "fleetlink-agent",
		Short: "Fleet firmware-update device agent",
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the agent until terminated",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, logLevel, jsonLogs)
		},
	}
	runCmd.Flags().StringVarP(&configPath, "config", "c", "/etc/fleetlink/agent.yaml", "path to the agent's YAML configuration")
	runCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	runCmd.Flags().BoolVar(&jsonLogs, "json-logs", true, "emit logs as JSON instead of console-formatted")

	root.AddCommand(runCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath, logLevel string, jsonLogs bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(logLevel, jsonLogs)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logger.Sync() //nolint:errcheck
	logger, logLines := logging.WithLineTail(logger, 256)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	store, err := slotkv.NewFileStore(cfg.SlotEnvFile)
	if err != nil {
		return fmt.Errorf("open slot store: %w", err)
	}

	alarms := alarm.NewSet(logger)
	proc := flasher.NewProcess(cfg.FlasherBinaryPath)
	httpClient := &http.Client{Timeout: 0} // downloader owns its own per-attempt timers

	events := &clientEvents{}

	pol := policy.New(policy.Callbacks{
		ArchiveReady:               func(info archive.ArchiveInfo, path string) { events.ArchiveReady(info, path) },
		FirmwareValidated:          func() bool { return slotkv.FirmwareValidated(store) },
		FirmwareAutoRevertDetected: func() bool { return slotkv.FirmwareAutoRevertDetected(store) },
	}, logger)

	if slotkv.FirmwareAutoRevertDetected(store) {
		alarms.Raise(alarm.FirmwareReverted)
	}

	strategy := update.StrategyStreaming
	if cfg.UpdateStrategy == "caching" {
		strategy = update.StrategyCaching
	}

	updateMgr := update.NewManager(update.ManagerConfig{
		Policy:         pol,
		Events:         events,
		Flasher:        proc,
		HTTPClient:     httpClient,
		Retry:          cfg.Retry,
		DataDir:        cfg.DataDir,
		Strategy:       strategy,
		UserAgent:      userAgent,
		Alarms:         alarms,
		Logger:         logger,
		DeviceTaskName: cfg.FlasherTaskName,
		DevicePath:     cfg.FirmwareDevicePath,
		FlasherEnv:     cfg.FlasherEnv,
	})
	updateMgr.SetPublicKeys(cfg.FirmwarePublicKeys)

	archiveMgr := archive.NewManager(archive.ManagerConfig{
		Policy:     pol,
		Verifier:   proc,
		HTTPClient: httpClient,
		Retry:      cfg.Retry,
		DataDir:    cfg.DataDir,
		UserAgent:  userAgent,
		Logger:     logger,
	})

	registry := extensions.NewRegistry(builtinModules(cfg, logLines), logger)
	scriptRunner := script.NewRunner("/bin/sh", []string{"-c"}, logger)

	client := channel.NewClient(channel.Deps{
		Config:       cfg,
		UpdateMgr:    updateMgr,
		ArchiveMgr:   archiveMgr,
		Extensions:   registry,
		ScriptRunner: scriptRunner,
		Policy:       pol,
		Alarms:       alarms,
		SlotStore:    store,
		Logger:       logger,
	})
	events.c = client

	sup := supervisor.New(nil, client, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("agent starting", zap.String("server_url", cfg.ServerURL))
	err = sup.Run(ctx)

	updateMgr.Shutdown()
	archiveMgr.Shutdown()
	registry.DetachAll()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func builtinModules(cfg *config.Config, logLines <-chan string) []extensions.Module {
	locator := func() (lat, lon float64, ok bool) {
		if cfg.GeoLatitude == nil || cfg.GeoLongitude == nil {
			return 0, 0, false
		}
		return *cfg.GeoLatitude, *cfg.GeoLongitude, true
	}

	return []extensions.Module{
		&extensions.HealthModule{Interval: 30 * time.Second},
		&extensions.GeoModule{Locator: locator, Interval: 5 * time.Minute},
		&extensions.LoggingModule{Lines: logLines},
		&extensions.LocalShellModule{},
	}
}
