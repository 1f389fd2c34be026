package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/chmdznr/violsync/internal/config"
	"github.com/chmdznr/violsync/internal/connectivity"
	"github.com/chmdznr/violsync/internal/db"
	"github.com/chmdznr/violsync/internal/logging"
	"github.com/chmdznr/violsync/internal/remote"
	"github.com/chmdznr/violsync/internal/sync"
	"github.com/chmdznr/violsync/internal/upload"
)

// application carries process-wide state between the Before hook and commands
type application struct {
	cfg    *config.Config
	logger *zap.Logger
}

func (a *application) setup(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if p := c.String("db"); p != "" {
		cfg.Database.Path = p
	}
	if l := c.String("log-level"); l != "" {
		cfg.Log.Level = l
	}

	logger, err := logging.NewLogger(logging.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		ServiceName: "violsync",
		File:        cfg.Log.File,
		MaxSizeMB:   cfg.Log.MaxSizeMB,
		MaxBackups:  cfg.Log.MaxBackups,
		MaxAgeDays:  cfg.Log.MaxAgeDays,
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %v", err)
	}

	a.cfg = cfg
	a.logger = logger
	return nil
}

func (a *application) teardown(c *cli.Context) error {
	if a.logger != nil {
		_ = a.logger.Sync()
	}
	return nil
}

func (a *application) openDB() (*db.DB, error) {
	store, err := db.New(a.cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}
	return store, nil
}

func newUploader(cfg *config.Config, logger *zap.Logger) (upload.Uploader, error) {
	switch cfg.Upload.Provider {
	case "minio":
		m := cfg.Upload.Minio
		return upload.NewMinioUploader(upload.MinioConfig{
			Endpoint:      m.Endpoint,
			AccessKey:     m.AccessKey,
			SecretKey:     m.SecretKey,
			Bucket:        m.Bucket,
			Folder:        m.Folder,
			Region:        m.Region,
			Secure:        m.Secure,
			PublicBaseURL: m.PublicBaseURL,
		}, logger)
	default:
		h := cfg.Upload.HTTP
		return upload.NewHTTPUploader(upload.HTTPConfig{
			URL:          h.URL,
			UploadPreset: h.UploadPreset,
			URLField:     h.URLField,
			Timeout:      h.Timeout,
		}, logger)
	}
}

// newSubmitter returns the configured submitter and a function releasing its resources
func newSubmitter(ctx context.Context, cfg *config.Config, logger *zap.Logger) (remote.Submitter, func(), error) {
	switch cfg.Remote.Transport {
	case "postgres":
		p := cfg.Remote.Postgres
		s, err := remote.NewPostgresSubmitter(ctx, remote.PostgresConfig{
			DSN:      p.DSN,
			Table:    p.Table,
			MaxConns: p.MaxConns,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	default:
		h := cfg.Remote.HTTP
		s, err := remote.NewHTTPSubmitter(remote.HTTPConfig{
			URL:     h.URL,
			Token:   h.Token,
			Timeout: h.Timeout,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil
	}
}

// watchedSource is a connectivity source that needs a running watch loop
type watchedSource interface {
	connectivity.Source
	run(ctx context.Context)
}

type probeRunner struct{ *connectivity.ProbeSource }

func (p probeRunner) run(ctx context.Context) { p.Watch(ctx) }

type fileRunner struct {
	*connectivity.FileSource
	logger *zap.Logger
}

func (f fileRunner) run(ctx context.Context) {
	if err := f.Watch(ctx); err != nil {
		f.logger.Error("Connectivity state watcher stopped", zap.Error(err))
	}
}

func newSource(cfg *config.Config, logger *zap.Logger) (watchedSource, error) {
	c := cfg.Connectivity
	switch c.Source {
	case "file":
		if c.StateFile == "" {
			return nil, fmt.Errorf("connectivity.state_file is required for the file source")
		}
		return fileRunner{FileSource: connectivity.NewFileSource(c.StateFile, logger), logger: logger}, nil
	default:
		probe := c.ProbeURL
		if probe == "" {
			probe = cfg.Remote.HTTP.URL
		}
		p, err := connectivity.NewProbeSource(connectivity.ProbeConfig{
			URL:      probe,
			Interval: c.Interval,
			Timeout:  c.Timeout,
		}, logger)
		if err != nil {
			return nil, err
		}
		return probeRunner{p}, nil
	}
}

// newSyncer wires the store, uploader and submitter into an engine
func (a *application) newSyncer(ctx context.Context, store *db.DB, workers int, progress bool) (*sync.Syncer, func(), error) {
	uploader, err := newUploader(a.cfg, a.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create uploader: %v", err)
	}
	submitter, closeSubmitter, err := newSubmitter(ctx, a.cfg, a.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create submitter: %v", err)
	}

	if workers <= 0 {
		workers = a.cfg.Sync.Workers
	}
	syncer, err := sync.NewSyncer(store, uploader, submitter, a.logger, &sync.SyncerConfig{
		NumWorkers:   workers,
		FollowUp:     a.cfg.Sync.FollowUp,
		ShowProgress: progress,
	})
	if err != nil {
		closeSubmitter()
		return nil, nil, fmt.Errorf("failed to create syncer: %v", err)
	}
	return syncer, closeSubmitter, nil
}
