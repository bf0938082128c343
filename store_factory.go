package mrmdsync

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"pkt.systems/pslog"

	"github.com/MaximeRivest/mrmd-sync/internal/storage"
	"github.com/MaximeRivest/mrmd-sync/internal/storage/disk"
	"github.com/MaximeRivest/mrmd-sync/internal/storage/pg"
)

// openBackend builds the storage backend selected by cfg.Store. The second
// return reports filesystem mode, which gates the instance lock, snapshots,
// and the watcher.
func openBackend(cfg Config, logger pslog.Logger) (storage.Backend, bool, error) {
	if cfg.externalTable() {
		backend, err := pg.New(context.Background(), pg.Config{
			URL:     cfg.Store,
			User:    cfg.PGUser,
			Project: cfg.PGProject,
			Logger:  logger,
		})
		if err != nil {
			return nil, false, err
		}
		return backend, false, nil
	}

	dir := cfg.Dir
	if strings.HasPrefix(cfg.Store, "file://") {
		u, err := url.Parse(cfg.Store)
		if err != nil {
			return nil, false, fmt.Errorf("parse store URL: %w", err)
		}
		if u.Path != "" {
			dir = u.Path
		}
	}
	backend, err := disk.New(disk.Config{
		Dir:           dir,
		Extensions:    cfg.Extensions,
		MaxFileSize:   cfg.MaxFileSize,
		PersistState:  !cfg.DisableStatePersistence,
		Watch:         !cfg.DisableWatch,
		WatchDebounce: cfg.WatchDebounce,
		Logger:        logger,
	})
	if err != nil {
		return nil, false, err
	}
	return backend, true, nil
}
