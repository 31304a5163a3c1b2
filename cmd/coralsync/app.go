package main

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/coralsync/coralsync/internal/config"
	"github.com/coralsync/coralsync/internal/event"
	"github.com/coralsync/coralsync/internal/logger"
	"github.com/coralsync/coralsync/internal/provider"
	"github.com/coralsync/coralsync/internal/provider/localfs"
	"github.com/coralsync/coralsync/internal/provider/minio"
	"github.com/coralsync/coralsync/internal/provider/smb"
	"github.com/coralsync/coralsync/internal/provider/webdav"
	"github.com/coralsync/coralsync/internal/secrets"
	"github.com/coralsync/coralsync/internal/storage"
	syncengine "github.com/coralsync/coralsync/internal/sync"
	"github.com/coralsync/coralsync/internal/transfer"
)

// app wires the process dependencies in construction order: config,
// logger, secrets, store, registry, bus, engines.
type app struct {
	cfg       *config.Config
	log       *zap.Logger
	secrets   *secrets.Manager
	store     storage.Store
	registry  *provider.Registry
	bus       *event.Bus
	transfers *transfer.Engine
	syncs     *syncengine.Engine
}

func newApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		OutputPath: cfg.Logging.OutputPath,
		Encoding:   cfg.Logging.Encoding,
	})
	if err != nil {
		return nil, err
	}

	sec := secrets.NewManager(cfg.Database.KeyringService, log)

	dbKey := cfg.Database.Key
	if dbKey == "" {
		dbKey, err = sec.DatabaseKey()
		if err != nil {
			return nil, fmt.Errorf("resolve database key: %w", err)
		}
	}

	store, err := storage.Open(storage.Config{
		Path:          cfg.Database.Path,
		EncryptionKey: dbKey,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}

	registry := provider.NewRegistry(log)
	if err := registry.RegisterAll([]provider.Builtin{
		{Type: localfs.TypeTag, Constructor: localfs.New},
		{Type: smb.TypeTag, Constructor: smb.New},
		{Type: minio.TypeTag, Constructor: minio.New},
		{Type: webdav.TypeTag, Constructor: webdav.New},
	}); err != nil {
		store.Close()
		return nil, err
	}

	bus := event.NewBus(log)

	transfers := transfer.NewEngine(store, registry, bus, transfer.Config{
		MaxConcurrent: cfg.Transfer.MaxConcurrent,
		ProgressEvery: cfg.Transfer.ProgressInterval(),
		ProgressFiles: cfg.Transfer.ProgressEveryFiles,
	}, log)

	syncs := syncengine.NewEngine(store, registry, bus, syncengine.Config{
		MaxConcurrent: cfg.Sync.MaxConcurrent,
	}, log)

	return &app{
		cfg:       cfg,
		log:       log,
		secrets:   sec,
		store:     store,
		registry:  registry,
		bus:       bus,
		transfers: transfers,
		syncs:     syncs,
	}, nil
}

func (a *app) close() {
	a.transfers.Wait()
	a.syncs.Wait()
	a.bus.Close()
	if err := a.store.Close(); err != nil {
		a.log.Warn("close job store", zap.Error(err))
	}
	_ = a.log.Sync()
}
