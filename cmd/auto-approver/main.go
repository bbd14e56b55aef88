package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"auto-approver/approver"
	"auto-approver/webapi"
)

func main() {
	var configPath string
	var queueDir string
	var operatorEmail string
	var defaultSender string
	var storageBackend string
	var storageDir string
	var dbPath string
	var ownerOnly bool
	var cycleInterval time.Duration
	var allowlistRefresh time.Duration
	var completedCheck time.Duration
	var retentionDays int
	var syslogAddr string
	var listenAddr string
	var debug bool
	var once bool

	flag.StringVar(&configPath, "config", "", "YAML config file path.")
	flag.StringVar(&queueDir, "queue-dir", "", "Job queue root directory.")
	flag.StringVar(&operatorEmail, "operator", "", "Operator email this process approves as.")
	flag.StringVar(&defaultSender, "default-sender", "", "Default trusted sender seeded into an empty allowlist.")
	flag.StringVar(&storageBackend, "storage", "fs", "Record store backend: fs or sqlite.")
	flag.StringVar(&storageDir, "storage-dir", "approver-data", "Record store root directory (fs backend).")
	flag.StringVar(&dbPath, "db", "", "SQLite database path (sqlite backend).")
	flag.BoolVar(&ownerOnly, "owner-only", true, "Restrict record files to owner-only permissions (fs backend).")
	flag.DurationVar(&cycleInterval, "cycle-interval", time.Second, "Pending job evaluation interval.")
	flag.DurationVar(&allowlistRefresh, "allowlist-refresh", 30*time.Second, "Allowlist snapshot refresh interval.")
	flag.DurationVar(&completedCheck, "completed-check", 10*time.Second, "Completed job capture interval.")
	flag.IntVar(&retentionDays, "retention-days", 30, "Decision log retention in days (0 keeps everything).")
	flag.StringVar(&syslogAddr, "syslog-addr", "", "Syslog collector address (tcp) for decision notifications.")
	flag.StringVar(&listenAddr, "listen", "", "Admin API listen address (e.g. 127.0.0.1:8090). Empty disables the API.")
	flag.BoolVar(&debug, "debug", false, "Enable debug logs.")
	flag.BoolVar(&once, "once", false, "Run one reconciliation pass and exit.")
	flag.Parse()

	visited := map[string]bool{}
	flag.CommandLine.Visit(func(f *flag.Flag) {
		visited[f.Name] = true
	})

	// Base config from file (optional)
	fileCfg := &approver.FileConfig{}
	if configPath != "" {
		cfg, err := approver.LoadConfig(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(1)
		}
		fileCfg = cfg
	}

	// Merge config + CLI overrides
	finalQueueDir := fileCfg.QueueDir
	if visited["queue-dir"] {
		finalQueueDir = queueDir
	}
	finalOperator := fileCfg.OperatorEmail
	if visited["operator"] {
		finalOperator = operatorEmail
	}
	finalDefaultSender := fileCfg.DefaultTrustedSender
	if visited["default-sender"] {
		finalDefaultSender = defaultSender
	}

	finalStorage := fileCfg.Storage
	if visited["storage"] {
		finalStorage.Backend = storageBackend
	}
	if visited["storage-dir"] {
		finalStorage.Dir = storageDir
	}
	if visited["db"] {
		finalStorage.DBPath = dbPath
	}
	if visited["owner-only"] {
		finalStorage.OwnerOnly = &ownerOnly
	}

	finalCycle := fileCfg.CycleInterval.Std()
	if visited["cycle-interval"] {
		finalCycle = cycleInterval
	}
	finalRefresh := fileCfg.AllowlistRefresh.Std()
	if visited["allowlist-refresh"] {
		finalRefresh = allowlistRefresh
	}
	finalCompleted := fileCfg.CompletedCheck.Std()
	if visited["completed-check"] {
		finalCompleted = completedCheck
	}
	finalRetention := fileCfg.DecisionRetentionDays
	if visited["retention-days"] {
		finalRetention = retentionDays
	}

	finalSyslog := fileCfg.SyslogAddr
	if visited["syslog-addr"] {
		finalSyslog = syslogAddr
	}
	finalListen := fileCfg.ListenAddr
	if visited["listen"] {
		finalListen = listenAddr
	}
	finalDebug := fileCfg.Debug
	if visited["debug"] {
		finalDebug = debug
	}

	if strings.TrimSpace(finalQueueDir) == "" {
		fmt.Fprintln(os.Stderr, "missing queue dir (use --queue-dir or config queue_dir)")
		os.Exit(2)
	}
	if strings.TrimSpace(finalOperator) == "" {
		fmt.Fprintln(os.Stderr, "missing operator email (use --operator or config operator_email)")
		os.Exit(2)
	}
	if finalDefaultSender == "" {
		finalDefaultSender = finalOperator
	}

	level := slog.LevelInfo
	if finalDebug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	store, err := finalStorage.OpenStore()
	if err != nil {
		logger.Error("open store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	allow := approver.NewAllowlist(store, finalDefaultSender, logger)
	history := approver.NewHistory(store, logger)
	trusted := approver.NewTrustedCode(store, history, logger)

	queue, err := approver.NewDirQueue(finalQueueDir, finalOperator, logger)
	if err != nil {
		logger.Error("open job queue", "error", err)
		os.Exit(1)
	}

	var notifier approver.Notifier
	if strings.TrimSpace(finalSyslog) != "" {
		notifier = approver.NewSyslogNotifier(finalSyslog)
	}

	engine := approver.NewEngine(approver.EngineConfig{
		CycleInterval:     finalCycle,
		AllowlistRefresh:  finalRefresh,
		CompletedCheck:    finalCompleted,
		IgnoredGC:         fileCfg.IgnoredGC.Std(),
		RetentionKeepDays: finalRetention,
	}, queue, allow, trusted, history, notifier, logger)

	if once {
		if err := engine.RunOnce(); err != nil {
			logger.Error("run once", "error", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engineDone := make(chan error, 1)
	go func() {
		engineDone <- engine.Run(ctx)
	}()

	var server *webapi.Server
	serverDone := make(chan error, 1)
	if strings.TrimSpace(finalListen) != "" {
		server = webapi.NewServer(allow, trusted, history, approver.StaticIdentity(finalOperator), logger)
		go func() {
			logger.Info("admin api listening", "addr", finalListen)
			serverDone <- server.Start(finalListen)
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverDone:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("admin api failed", "error", err)
		}
	case err := <-engineDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("engine stopped", "error", err)
		}
	}

	cancel()
	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("admin api shutdown", "error", err)
		}
	}
	<-engineDone
	logger.Info("stopped")
}
