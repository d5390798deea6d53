package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/jaywantadh/disktrolink/config"
	"github.com/jaywantadh/disktrolink/internal/assembly"
	"github.com/jaywantadh/disktrolink/internal/encryptor"
	"github.com/jaywantadh/disktrolink/internal/events"
	"github.com/jaywantadh/disktrolink/internal/gate"
	"github.com/jaywantadh/disktrolink/internal/lifecycle"
	"github.com/jaywantadh/disktrolink/internal/metadata"
	"github.com/jaywantadh/disktrolink/internal/passphrase"
	"github.com/jaywantadh/disktrolink/internal/share"
	"github.com/jaywantadh/disktrolink/internal/storage"
	"github.com/jaywantadh/disktrolink/internal/transfer"
	"github.com/jaywantadh/disktrolink/pkg/httpserver"
	"github.com/jaywantadh/disktrolink/pkg/logging"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:    "serve",
		Aliases: []string{"s"},
		Usage:   "Run the transfer service",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Usage: "listen port (overrides config)"},
		},
		Action: func(c *cli.Context) error {
			cfg := config.Config
			if c.IsSet("port") {
				cfg.Port = c.Int("port")
			}
			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.AppConfig) error {
	log := logging.For("serve")

	if err := os.MkdirAll(cfg.MetadataPath, 0o755); err != nil {
		return fmt.Errorf("create metadata dir: %w", err)
	}
	meta, err := metadata.OpenMetadataStore(cfg.MetadataPath)
	if err != nil {
		return err
	}
	defer meta.Close()

	objects, err := storage.NewLocalStorage(cfg.StoragePath)
	if err != nil {
		return err
	}

	hasher := passphrase.NewBcrypt(cfg.BcryptCost)
	storeOpts := []assembly.Option{
		assembly.WithHasher(hasher),
		assembly.WithMaxFileSize(cfg.MaxFileSize),
	}
	if cfg.StorageSecret != "" {
		salt, err := meta.StorageSalt(encryptor.NewSalt)
		if err != nil {
			return fmt.Errorf("load storage salt: %w", err)
		}
		enc, err := encryptor.NewEncryptor(cfg.StorageSecret, salt)
		if err != nil {
			return err
		}
		storeOpts = append(storeOpts, assembly.WithEncryptor(enc))
		log.Info("chunks are sealed at rest")
	}

	store, err := assembly.NewStore(meta, objects, storeOpts...)
	if err != nil {
		return err
	}

	registry := share.NewRegistry(meta, store,
		share.WithCodeGenerator(share.RandomCodes(cfg.CodeLength)),
		share.WithAttempts(cfg.CodeAttempts),
	)
	if n, err := registry.RecoverClaims(); err != nil {
		return fmt.Errorf("recover claims: %w", err)
	} else if n > 0 {
		log.Warnf("settled %d downloads interrupted by the last shutdown", n)
	}

	hub := events.NewHub(32)
	g := gate.New(registry, store, gate.WithHasher(hasher), gate.WithPublisher(hub))
	maxChunk := int64(transfer.DefaultMaxChunkBytes)
	if 2*cfg.ChunkSize > maxChunk {
		maxChunk = 2 * cfg.ChunkSize
	}
	api := transfer.NewServer(store, registry, g, hub, transfer.WithMaxChunkBytes(maxChunk))

	scheduler := lifecycle.NewScheduler(cfg.CleanupInterval,
		lifecycle.Task{Name: "expired-shares", Run: func(context.Context) (int, error) {
			return registry.SweepExpired()
		}},
		lifecycle.Task{Name: "idle-sessions", Run: func(context.Context) (int, error) {
			return store.SweepIdle(cfg.SessionIdleTimeout)
		}},
		lifecycle.Task{Name: "metadata-gc", Run: func(context.Context) (int, error) {
			return 0, meta.RunGC()
		}},
	)
	scheduler.RunOnce(ctx)
	schedCtx, stopScheduler := context.WithCancel(ctx)
	schedulerDone := scheduler.Start(schedCtx)

	start := time.Now()
	err = httpserver.New(cfg.Port, api.Handler(), logging.For("http")).Run(ctx)

	// Tasks touch badger; let the last one finish before meta is closed.
	stopScheduler()
	<-schedulerDone
	log.WithField("uptime", time.Since(start).Round(time.Second).String()).Info("service stopped")
	return err
}
