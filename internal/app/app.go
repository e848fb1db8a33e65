// Package app wires the configured components into a ParcelService. It is
// shared by the HTTP server and the parcelctl CLI.
package app

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"parcel-audit/internal/config"
	"parcel-audit/internal/db"
	"parcel-audit/internal/reference"
	"parcel-audit/internal/repository"
	"parcel-audit/internal/segmentation"
	"parcel-audit/internal/service"
	"parcel-audit/internal/storage"
	"parcel-audit/internal/tiles"
)

type App struct {
	DB         *gorm.DB
	Tiles      *tiles.Cache
	Reference  *reference.Client
	Dispatcher *segmentation.Dispatcher
	Service    *service.ParcelService
}

// New connects the database and builds every component. It does not run
// migrations.
func New(cfg *config.Config, log zerolog.Logger) (*App, error) {
	database, err := db.New(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	cacheRepo := repository.NewCacheRepository(database)
	parcelRepo := repository.NewParcelRepository(database)

	blobs, err := blobStore(cfg, log)
	if err != nil {
		return nil, err
	}
	tileCache := tiles.NewCache(tiles.NewHTTPSource(cfg.Tiles.Source), cacheRepo, blobs, cfg.Tiles.Cache, log)

	var register *reference.Register
	if cfg.Reference.RegisterPath != "" {
		register, err = reference.LoadRegister(cfg.Reference.RegisterPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load allotment register: %w", err)
		}
		log.Info().Str("path", cfg.Reference.RegisterPath).Msg("allotment register loaded")
	}
	gis := reference.NewGISClient(cfg.Reference.GIS, log)
	refClient := reference.NewClient(gis, cacheRepo, register, cfg.Reference.Client, log)

	segmenter := segmentation.NewHTTPSegmenter(cfg.Segmentation.HTTP)
	dispatcher := segmentation.NewDispatcher(segmenter, cfg.Segmentation.Dispatcher, log)

	opts := service.Options{
		DefaultZoom:   cfg.Tiles.DefaultZoom,
		RefineWorkers: cfg.Pipeline.RefineWorkers,
		Vectorize:     cfg.Pipeline.Vectorize,
		Refine:        cfg.Pipeline.Refine,
		Classify:      cfg.Pipeline.Classify,
		Postprocess:   cfg.Pipeline.Postprocess,
		Guided:        cfg.Segmentation.Guided,
		Compare:       cfg.Pipeline.Compare,
		Compliance:    cfg.Pipeline.Compliance,
	}
	svc := service.NewParcelService(parcelRepo, tileCache, refClient, dispatcher, opts, log)

	return &App{
		DB:         database,
		Tiles:      tileCache,
		Reference:  refClient,
		Dispatcher: dispatcher,
		Service:    svc,
	}, nil
}

// blobStore prefers S3 when it is configured and falls back to the local
// cache directory.
func blobStore(cfg *config.Config, log zerolog.Logger) (storage.BlobStore, error) {
	s3Store, err := storage.NewS3Store(cfg.Tiles.S3)
	if err == nil {
		log.Info().Str("bucket", cfg.Tiles.S3.Bucket).Msg("tile composites stored in object storage")
		return s3Store, nil
	}
	if !errors.Is(err, storage.ErrNotConfigured) {
		return nil, fmt.Errorf("failed to initialize object storage: %w", err)
	}
	fs, err := storage.NewFSStore(cfg.Tiles.CacheDir)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tile cache dir: %w", err)
	}
	log.Info().Str("dir", cfg.Tiles.CacheDir).Msg("tile composites stored on disk")
	return fs, nil
}

func (a *App) Close() {
	a.Dispatcher.Close()
	if sqlDB, err := a.DB.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
