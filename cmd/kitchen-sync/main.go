package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"kitchen-sync/internal/adminsync"
	"kitchen-sync/internal/journal"
	"kitchen-sync/internal/realtime"
	"kitchen-sync/internal/reconciler"
	"kitchen-sync/internal/remote"
	"kitchen-sync/internal/store"
	"kitchen-sync/pkg/config"
	"kitchen-sync/pkg/logger"
	"kitchen-sync/pkg/models"
)

func main() {
	var configPath string
	var deviceName string

	rootCmd := &cobra.Command{
		Use:   "kitchen-sync",
		Short: "Offline-first order synchronization for POS and kitchen-display devices",
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to config file")

	agentCmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the device sync agent (local store, journal, reconciler, realtime)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(configPath, deviceName)
		},
	}
	agentCmd.Flags().StringVar(&deviceName, "device-name", "", "unique name for this device (required)")
	_ = agentCmd.MarkFlagRequired("device-name")

	adminCmd := &cobra.Command{
		Use:   "admin",
		Short: "Run the admin bidirectional bulk-sync server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdmin(configPath)
		},
	}

	rootCmd.AddCommand(agentCmd, adminCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runAgent(configPath, deviceName string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := logger.NewLogger("sync-agent")

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Error("startup", "config_load_failed", "Failed to load configuration", err)
		return err
	}
	if cfg.Sync.BusinessID == "" {
		err := errors.New("sync.business_id is required")
		log.Error("startup", "config_invalid", "Missing business id", err)
		return err
	}

	st, err := store.Open(cfg.Local.Path)
	if err != nil {
		log.Error("startup", "store_open_failed", "Failed to open local store", err)
		return err
	}
	defer st.Close()
	log.Info("startup", "store_opened", "Local store ready at "+cfg.Local.Path)

	jn := journal.New(st.DB())

	gateway, err := remote.Connect(ctx, cfg.Database, log)
	if err != nil {
		// An unreachable backend never blocks the device: run offline
		// and let push/pull fail fast until connectivity returns.
		log.Error("startup", "remote_connect_failed", "Backend unreachable, continuing offline", err)
		gateway = remote.Unconfigured()
	}

	var events <-chan models.ChangeEvent
	if cfg.RabbitMQ.Configured() {
		sub, err := realtime.Connect(cfg.RabbitMQ, cfg.Sync.BusinessID, deviceName, log)
		if err != nil {
			log.Warn("startup", "realtime_unavailable", fmt.Sprintf("Realtime channel unavailable, polling only: %v", err))
		} else {
			defer sub.Close()
			events, err = sub.Events(ctx, deviceName)
			if err != nil {
				log.Warn("startup", "realtime_unavailable", fmt.Sprintf("Failed to start consuming, polling only: %v", err))
				events = nil
			}
		}
	}

	rec := reconciler.New(st, jn, gateway, log, reconciler.Config{
		BusinessID:      cfg.Sync.BusinessID,
		PollInterval:    cfg.Sync.PollInterval,
		PushInterval:    cfg.Sync.PushInterval,
		PullWindow:      cfg.Sync.PullWindow,
		MaxPushAttempts: cfg.Sync.MaxPushAttempts,
	})
	rec.SetErrorHandler(func(e reconciler.SyncError) {
		log.Error("", "sync_surfaced", "Recoverable sync failure, local state reverted", e)
	})

	log.Info("startup", "agent_started", "Sync agent running for business "+cfg.Sync.BusinessID)
	if err := rec.Run(ctx, events); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("shutdown", "agent_failed", "Sync agent stopped unexpectedly", err)
		return err
	}
	log.Info("shutdown", "agent_stopped", "Sync agent stopped")
	return nil
}

func runAdmin(configPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := logger.NewLogger("admin-sync")

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Error("startup", "config_load_failed", "Failed to load configuration", err)
		return err
	}

	server, err := adminsync.NewServer(ctx, cfg.Admin, log)
	if err != nil {
		log.Error("startup", "admin_connect_failed", "Failed to connect database instances", err)
		return err
	}

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- server.Run()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown", "shutdown_signal_received", "Shutdown signal received")
		return server.Stop(context.Background())
	case err := <-runErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("shutdown", "admin_server_failed", "Server failed unexpectedly", err)
			return err
		}
		return nil
	}
}
