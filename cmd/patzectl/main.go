package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"github.com/patzehq/patze-control/internal/attach"
	"github.com/patzehq/patze-control/internal/bridgecmd"
	"github.com/patzehq/patze-control/internal/bridgesetup"
	"github.com/patzehq/patze-control/internal/config"
	"github.com/patzehq/patze-control/internal/configqueue"
	"github.com/patzehq/patze-control/internal/control"
	"github.com/patzehq/patze-control/internal/cron"
	"github.com/patzehq/patze-control/internal/fleet"
	"github.com/patzehq/patze-control/internal/logging"
	"github.com/patzehq/patze-control/internal/metrics"
	ocsync "github.com/patzehq/patze-control/internal/openclaw/sync"
	"github.com/patzehq/patze-control/internal/openclaw/target"
	"github.com/patzehq/patze-control/internal/setup"
	"github.com/patzehq/patze-control/internal/sshtunnel"
	"github.com/patzehq/patze-control/internal/taskexec"
	"github.com/patzehq/patze-control/internal/telemetry/aggregator"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "patzectl",
		Short: "Patze fleet control plane for OpenClaw agent installations",
	}

	var configPath string
	var verbose bool

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runControlPlane(configPath, verbose)
		},
	}
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	serveCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version and build info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Patze Control %s\n", Version)
			fmt.Printf("  Build time: %s\n", BuildTime)
			fmt.Printf("  Git commit: %s\n", GitCommit)
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate config without starting",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("config validation failed: %w", err)
			}
			fmt.Printf("Configuration is valid.\n")
			fmt.Printf("  Listen: %s:%d\n", cfg.Server.Host, cfg.Server.Port)
			fmt.Printf("  Cron store: %s\n", cfg.Storage.CronStoreDir)
			fmt.Printf("  Settings: %s\n", cfg.Storage.SettingsDir)
			fmt.Printf("  Smart fleet: %v\n", cfg.SmartFleet.Enabled)
			return nil
		},
	}
	validateCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	var setupSettingsDir string
	setupCmd := &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		RunE: func(cmd *cobra.Command, args []string) error {
			return setup.RunWizard(os.Stdin, os.Stdout, setup.WizardOptions{
				SettingsDir: setupSettingsDir,
			})
		},
	}
	setupCmd.Flags().StringVar(&setupSettingsDir, "settings-dir", "", "Override settings directory (default: ~/.patze-control)")

	systemdCmd := &cobra.Command{
		Use:   "systemd",
		Short: "Generate systemd service file",
		Run: func(cmd *cobra.Command, args []string) {
			printSystemdUnit()
		},
	}

	rootCmd.AddCommand(serveCmd, versionCmd, validateCmd, setupCmd, systemdCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runControlPlane(configPath string, verbose bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}

	// Logging, with a bounded capture tail backing the /logs endpoint.
	logTail := logging.NewRecorder(1000)
	handler, closeLogs := logging.NewHandler(logging.Options{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
		Capture:    logTail,
	})
	slog.SetDefault(slog.New(handler))
	defer closeLogs()

	slog.Info("starting Patze Control",
		"version", Version,
		"listen", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		"cron_store", cfg.Storage.CronStoreDir,
	)

	auth, err := control.LoadAuth(cfg.Storage.SettingsDir)
	if err != nil {
		return fmt.Errorf("loading auth settings: %w", err)
	}
	if cfg.Auth.Mode == "token" && cfg.Auth.Token != "" {
		auth = control.AuthConfig{Mode: cfg.Auth.Mode, Token: cfg.Auth.Token}
	}

	var m *metrics.Metrics
	if cfg.Monitoring.MetricsEnabled {
		m = metrics.New()
		slog.Info("prometheus metrics enabled", "endpoint", cfg.Monitoring.MetricsEndpoint)
	}

	// Component wiring, leaves first.
	agg := aggregator.New()
	tunnels := sshtunnel.New()
	defer tunnels.CloseAll()
	attachments := attach.New(tunnels)

	targets, err := target.NewStore(cfg.Storage.CronStoreDir)
	if err != nil {
		return fmt.Errorf("opening target store: %w", err)
	}

	syncMgr := ocsync.NewManager(slog.Default(), ocsync.WithOnlineMachineFunc(func(machineID string) bool {
		_, ok := agg.Snapshot().Machines[machineID]
		return ok
	}))
	defer syncMgr.StopAll()

	targetVersion := func(targetID string) string {
		tg, ok := targets.Get(targetID)
		if !ok {
			return ""
		}
		return ocsync.ConfigHash(ocsync.NewSpool(tg.OpenClawDir).ReadConfig())
	}
	commands := bridgecmd.New(targetVersion, slog.Default(),
		bridgecmd.WithMaxRetries(cfg.Bridge.MaxLeaseRetries),
		bridgecmd.WithDefaultLeaseTTL(cfg.Bridge.DefaultLeaseTTL),
		bridgecmd.WithMaxOutputBytes(int(cfg.Bridge.MaxOutputBytes)),
	)

	configQ := configqueue.New(func(targetID string) (string, error) {
		tg, ok := targets.Get(targetID)
		if !ok {
			return "", fmt.Errorf("target %q not found", targetID)
		}
		return tg.OpenClawDir, nil
	}, slog.Default())

	profiles := fleet.NewProfileStore(fleet.PolicyProfile{
		MinBridgeVersion: cfg.SmartFleet.MinBridgeVersion,
		MaxSyncLagMs:     cfg.SmartFleet.MaxSyncLagMs,
	})
	alerts, err := fleet.NewAlertRouter(cfg.Storage.SettingsDir, slog.Default(),
		fleet.WithCooldown(cfg.SmartFleet.AlertCooldown))
	if err != nil {
		return fmt.Errorf("opening alert config: %w", err)
	}
	engine := fleet.New(profiles, targets, func(targetID string) (ocsync.Status, bool) {
		return syncMgr.GetStatus(targetID)
	}, alerts, slog.Default())
	approver := fleet.NewApprover(cfg.SmartFleet.ApprovalCriticalThresh, cfg.SmartFleet.ApprovalTTL)

	executor := taskexec.New(attachments, agg, slog.Default())
	cronSvc, err := cron.NewService(cfg.Storage.SettingsDir, executor, slog.Default())
	if err != nil {
		return fmt.Errorf("opening cron task store: %w", err)
	}

	bridges := bridgesetup.New(
		bridgesetup.SSHDialer(true),
		func(ctx context.Context, bridgeID string) (string, bool) {
			for id := range agg.Snapshot().Machines {
				if id == bridgeID {
					return id, true
				}
			}
			return "", false
		},
		slog.Default(),
	)

	surface := control.New(control.Deps{
		Config:      cfg,
		Auth:        auth,
		Log:         slog.Default(),
		Metrics:     m,
		LogTail:     logTail,
		Aggregator:  agg,
		Tunnels:     tunnels,
		Attachments: attachments,
		Bridges:     bridges,
		Targets:     targets,
		SyncManager: syncMgr,
		Commands:    commands,
		ConfigQueue: configQ,
		Profiles:    profiles,
		Engine:      engine,
		Approver:    approver,
		Alerts:      alerts,
		Cron:        cronSvc,
		Version:     Version,
	})

	// Start the long-lived loops.
	done := make(chan struct{})
	defer close(done)
	go commands.RunExpiry(done, 5*time.Second)
	go cronSvc.Run(done, time.Second)
	if cfg.SmartFleet.Enabled {
		go engine.Run(done, time.Minute)
	}
	for _, t := range targets.List() {
		if t.Enabled {
			if err := syncMgr.StartTarget(t); err != nil {
				slog.Error("starting sync for target", "target", t.ID, "error", err)
			}
		}
	}

	// Bind synchronously so port conflicts surface before sd_notify.
	addr := net.JoinHostPort(cfg.Server.Host, fmt.Sprintf("%d", cfg.Server.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", addr, err)
	}
	server := &http.Server{
		Handler:           surface.Handler(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	go func() {
		slog.Info("control surface listening", "address", addr)
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
		}
	}()

	sent, notifyErr := daemon.SdNotify(false, daemon.SdNotifyReady)
	if notifyErr != nil {
		slog.Error("sd_notify READY failed", "error", notifyErr)
	} else if !sent {
		slog.Debug("sd_notify READY not sent (not running under systemd)")
	}

	watchdogCtx, watchdogCancel := context.WithCancel(context.Background())
	defer watchdogCancel()
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			case <-watchdogCtx.Done():
				return
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	for sig := range sigChan {
		switch sig {
		case syscall.SIGHUP:
			slog.Info("received SIGHUP, reloading config")
			newCfg, err := config.Load(configPath)
			if err != nil {
				slog.Error("config reload failed", "error", err)
				continue
			}
			for _, warning := range config.IsReloadSafe(cfg, newCfg) {
				slog.Warn("config reload warning", "warning", warning)
			}
			cfg = cfg.ApplyReloadableFields(newCfg)
			newHandler, _ := logging.NewHandler(logging.Options{
				Level:      cfg.Logging.Level,
				Format:     cfg.Logging.Format,
				File:       cfg.Logging.File,
				MaxSizeMB:  cfg.Logging.MaxSizeMB,
				MaxBackups: cfg.Logging.MaxBackups,
				MaxAgeDays: cfg.Logging.MaxAgeDays,
				Compress:   cfg.Logging.Compress,
				Capture:    logTail,
			})
			slog.SetDefault(slog.New(newHandler))
			slog.Info("config reloaded")

		case syscall.SIGTERM, syscall.SIGINT:
			slog.Info("received shutdown signal, draining", "signal", sig.String())
			watchdogCancel()
			daemon.SdNotify(false, daemon.SdNotifyStopping)

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			server.Shutdown(shutdownCtx)
			cancel()

			slog.Info("shutdown complete")
			return nil
		}
	}

	return nil
}

func printSystemdUnit() {
	home, _ := os.UserHomeDir()
	configFile := filepath.Join(home, ".patze-control", "config.yaml")
	fmt.Printf(`[Unit]
Description=Patze Control - OpenClaw fleet control plane
After=network-online.target
Wants=network-online.target

[Service]
Type=notify
ExecStartPre=/usr/local/bin/patzectl validate --config %s
ExecStart=/usr/local/bin/patzectl serve --config %s
ExecReload=/bin/kill -HUP $MAINPID
Restart=always
RestartPreventExitStatus=0
RestartSec=5s
WatchdogSec=30s
TimeoutStartSec=30s

NoNewPrivileges=true
PrivateTmp=true
ProtectKernelTunables=true
ProtectKernelModules=true
ProtectControlGroups=true
RestrictRealtime=true
LockPersonality=true
SystemCallArchitectures=native
LimitNOFILE=65535

StandardOutput=journal
StandardError=journal
SyslogIdentifier=patzectl

[Install]
WantedBy=multi-user.target
`, configFile, configFile)
}
