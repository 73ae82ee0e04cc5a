package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/lis/lis/internal/config"
	"github.com/lis/lis/internal/platform/blobstore"
	"github.com/lis/lis/internal/platform/db"
	"github.com/lis/lis/internal/platform/store"
)

// backend is the opened data store plus whatever must be closed with it.
type backend struct {
	store store.Store
	// pool is set for the postgres driver only.
	pool    *pgxpool.Pool
	closers []func()
}

func (b *backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

// openBackend opens the configured store and applies SEED_FILE when set.
func openBackend(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*backend, error) {
	be := &backend{}
	switch cfg.StoreDriver {
	case config.StoreMemory, "":
		be.store = store.NewMemory()
	case config.StoreHTTP:
		var opts []store.HTTPOption
		if cfg.StoreToken != "" {
			opts = append(opts, store.WithBearerToken(cfg.StoreToken))
		}
		h, err := store.NewHTTP(cfg.StoreURL, cfg.StoreTimeout, opts...)
		if err != nil {
			return nil, err
		}
		be.store = h
	case config.StorePostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		be.pool = pool
		be.closers = append(be.closers, pool.Close)
		be.store = store.NewPostgres(pool)
	case config.StoreSQLite:
		s, err := store.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		be.closers = append(be.closers, func() { _ = s.Close() })
		be.store = s
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}

	if cfg.SeedFile != "" {
		n, err := applySeed(ctx, be.store, cfg.SeedFile)
		if err != nil {
			be.Close()
			return nil, err
		}
		logger.Info().Str("file", cfg.SeedFile).Int("records", n).Msg("seed applied")
	}
	return be, nil
}

func applySeed(ctx context.Context, s store.Store, path string) (int, error) {
	seed, err := store.LoadSeed(path)
	if err != nil {
		return 0, err
	}
	return seed.Apply(ctx, s)
}

// openArchive returns nil when archiving is disabled.
func openArchive(ctx context.Context, cfg *config.Config) (blobstore.Archive, error) {
	switch cfg.ArchiveDriver {
	case config.ArchiveMemory:
		return blobstore.NewInMemoryArchive(), nil
	case config.ArchiveS3:
		a, err := blobstore.NewS3Archive(ctx, blobstore.S3Config{
			Region:          cfg.ArchiveS3Region,
			Bucket:          cfg.ArchiveS3Bucket,
			Endpoint:        cfg.ArchiveS3Endpoint,
			AccessKeyID:     cfg.ArchiveS3AccessKey,
			SecretAccessKey: cfg.ArchiveS3SecretKey,
			PathStyle:       cfg.ArchiveS3PathStyle,
		})
		if err != nil {
			return nil, err
		}
		return a, nil
	case config.ArchiveNone, "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown archive driver %q", cfg.ArchiveDriver)
	}
}
