package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"hydroconsumer/internal/catalog"
	"hydroconsumer/internal/config"
	"hydroconsumer/internal/database"
	"hydroconsumer/internal/keylock"
	"hydroconsumer/internal/sqlstore"
	"hydroconsumer/internal/state"
)

// storeHandle bundles the opened store with what must be closed after it.
type storeHandle struct {
	Store   state.Store
	Catalog catalog.Catalog
	DB      *gorm.DB
	closers []func() error
}

func (h *storeHandle) Close() error {
	var errs []error
	for i := len(h.closers) - 1; i >= 0; i-- {
		errs = append(errs, h.closers[i]())
	}
	return errors.Join(errs...)
}

func isSQLBackend(backend string) bool {
	return backend == "postgres" || backend == "sqlite"
}

// catalogPersisted reports whether the backend keeps catalog entries across runs.
func catalogPersisted(backend string) bool {
	return isSQLBackend(backend) || backend == "pebble"
}

// enforceCatalog reports whether the reconciler should check examination
// types. An unseeded memory catalog is empty and would reject everything.
func enforceCatalog(cfg *config.Config) bool {
	if !cfg.Store.EnforceCatalog {
		return false
	}
	return catalogPersisted(cfg.Store.Backend) || cfg.Store.CatalogFile != ""
}

// openSQL connects with the store backend as the driver and migrates if asked.
func openSQL(cfg *config.Config, log *zap.Logger, migrate bool) (*gorm.DB, error) {
	dbCfg := cfg.Database
	dbCfg.Driver = cfg.Store.Backend
	db, err := database.Connect(dbCfg)
	if err != nil {
		return nil, err
	}
	if migrate {
		models := append(sqlstore.Models(), catalog.Models()...)
		if err := database.Migrate(db, models...); err != nil {
			return nil, err
		}
		log.Info("schema up to date", zap.String("driver", db.Dialector.Name()))
	}
	return db, nil
}

func openStore(cfg *config.Config, log *zap.Logger) (*storeHandle, error) {
	locker, closeLock, err := keylock.New(cfg.Lock, log)
	if err != nil {
		return nil, err
	}
	h := &storeHandle{closers: []func() error{closeLock}}
	opt := state.WithLocker(locker)

	switch cfg.Store.Backend {
	case "memory":
		h.Store = state.NewInMemoryStore(opt)
		h.Catalog = catalog.NewMemory()
	case "pebble":
		ps, err := state.NewPebbleStore(cfg.Store.PebbleDir, opt)
		if err != nil {
			_ = h.Close()
			return nil, err
		}
		h.Store = ps
		h.Catalog = catalog.NewPebble(ps.DB())
		h.closers = append(h.closers, ps.Close)
	case "postgres", "sqlite":
		db, err := openSQL(cfg, log, cfg.Store.AutoMigrate)
		if err != nil {
			_ = h.Close()
			return nil, err
		}
		if sqlDB, err := db.DB(); err == nil {
			h.closers = append(h.closers, sqlDB.Close)
		}
		h.DB = db
		h.Store = sqlstore.New(db, opt)
		h.Catalog = catalog.NewDB(db)
	default:
		_ = h.Close()
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
	if cfg.Store.CatalogFile != "" {
		n, err := catalog.Seed(context.Background(), h.Catalog, cfg.Store.CatalogFile)
		if err != nil {
			_ = h.Close()
			return nil, err
		}
		log.Info("catalog seeded", zap.String("file", cfg.Store.CatalogFile), zap.Int("types", n))
	}
	log.Info("store opened", zap.String("backend", cfg.Store.Backend), zap.String("lock", cfg.Lock.Backend))
	return h, nil
}
