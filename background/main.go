package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sablewallet/sable/background/store"
	"github.com/sablewallet/sable/channel"
)

// Version is set at build time
var Version = "dev"

func main() {
	configPath := flag.String("config", "/etc/sable/background.yaml", "Path to configuration file")
	busURL := flag.String("bus-url", "", "Bus server URL (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().
		Str("version", Version).
		Str("config", *configPath).
		Msg("Sable background service starting")

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *busURL != "" {
		cfg.Bus.URL = *busURL
	}
	if *dbPath != "" {
		cfg.Storage.Path = *dbPath
	}

	durable, err := store.OpenDurable(cfg.Storage.Path, cfg.Storage.StorageKey)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open durable store")
	}
	defer durable.Close()

	var session store.SessionStore
	if cfg.Storage.SessionPath != "" {
		session, err = store.NewFileSession(cfg.Storage.SessionPath)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open session store")
		}
	} else {
		session = store.NewMemorySession()
	}
	storage := store.NewVaultStorage(durable, session, cfg.Storage.StorageKey)

	keyring := NewKeyring(storage, durable, log.Logger)
	autolock := NewAutoLock(nil, keyring.relock, log.Logger)
	keyring.SetAutoLock(autolock)

	bus, err := channel.DialBus(cfg.Bus, channel.SubjectBackgroundOut, channel.SubjectBackgroundIn)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to message bus")
	}
	conn := channel.NewConnection(bus)
	defer conn.Close()

	popups := NewBusPopup(conn, log.Logger)
	approvals := NewApprovalCoordinator(durable, popups, log.Logger)
	NewDispatcher(conn, keyring, approvals, popups, log.Logger)
	BroadcastEvents(conn, keyring, log.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Backup.Enabled {
		s3, err := NewS3Client(ctx, cfg.Backup, log.Logger)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create S3 client")
		}
		backups := NewBackupManager(storage, durable, s3,
			[]byte(cfg.Storage.StorageKey), cfg.Backup.KeyPrefix, log.Logger)

		// Back up on every lock-state change; the record set only mutates
		// through operations that also move the lock state or run while
		// unlocked.
		keyring.Subscribe(func(WalletStatus) {
			if err := backups.TriggerBackup(ctx); err != nil {
				log.Warn().Err(err).Msg("Backup failed")
			}
		})
	}

	// Revival runs in the background; status requests wait for it.
	go keyring.StartupRevive()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	cancel()

	log.Info().Msg("Background service shutdown complete")
}
