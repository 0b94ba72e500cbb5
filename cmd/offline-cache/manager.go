package main

import (
	offlinecache "github.com/tasteknowledge/offline-cache"
	"github.com/tasteknowledge/offline-cache/cache"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/metric"
)

// openStorage opens the store database named in the config.
func openStorage() (cache.SQLiteStorage, error) {
	dbFilename := cfg.DB
	if dbFilename == "memory" {
		dbFilename = cache.MemoryDSN
	}
	return cache.NewSQLiteStorage(dbFilename)
}

// newManager creates a cache manager for the loaded config.
// A nil meter uses the global meter provider.
func newManager(storage cache.Storage, meter metric.Meter) (*offlinecache.Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	originURL, err := cfg.OriginURL()
	if err != nil {
		return nil, err
	}
	return offlinecache.CreateManager(offlinecache.Config{
		Storage:             storage,
		OriginURL:           *originURL,
		OriginHost:          cfg.OriginHost,
		Logger:              &log.Logger,
		Meter:               meter,
		ShellStore:          cfg.ShellStore,
		DataStore:           cfg.DataStore,
		ShellManifest:       cfg.ShellManifest,
		ExclusionPrefixes:   cfg.ExclusionPrefixes,
		OfflineFallbackPath: cfg.OfflineFallbackPath,
		FetchTimeout:        cfg.FetchTimeout,
		WaitForSkip:         cfg.WaitForSkip,
	})
}
