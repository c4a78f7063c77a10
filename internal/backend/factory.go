package backend

import (
	"context"
	"fmt"
	"log/slog"

	"feeledger/internal/storage"
	"feeledger/internal/storage/memory"
	"feeledger/internal/storage/postgres"
)

// DefaultFactory implements the Factory interface
type DefaultFactory struct {
	logger *slog.Logger
}

// NewFactory creates a new backend factory
func NewFactory(logger *slog.Logger) Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &DefaultFactory{
		logger: logger,
	}
}

// CreateBackend implements Factory.CreateBackend
func (f *DefaultFactory) CreateBackend(ctx context.Context, config Config) (*BackendResult, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	var (
		result *BackendResult
		err    error
	)
	switch config.Type {
	case SQLiteBackend:
		result, err = f.createSQLiteBackend(config)
	case PostgresBackend:
		result, err = f.createPostgresBackend(ctx, config)
	case MemoryBackend:
		result = f.createMemoryBackend()
	default:
		return nil, fmt.Errorf("unsupported backend type: %s", config.Type)
	}
	if err != nil {
		return nil, err
	}

	if config.SeedFile != "" {
		if err := f.applySeed(ctx, result.Store, config); err != nil {
			_ = result.Cleanup()
			return nil, err
		}
	}
	return result, nil
}

func (f *DefaultFactory) createSQLiteBackend(config Config) (*BackendResult, error) {
	repo, err := storage.NewSQLiteRepository(config.SQLiteDBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize SQLite repository: %w", err)
	}
	f.logger.Info("Initialized SQLite backend", "db_path", config.SQLiteDBPath)
	return &BackendResult{Store: repo, Cleanup: repo.Close}, nil
}

func (f *DefaultFactory) createPostgresBackend(ctx context.Context, config Config) (*BackendResult, error) {
	store, err := postgres.New(ctx, config.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Postgres store: %w", err)
	}
	f.logger.Info("Initialized Postgres backend")
	return &BackendResult{Store: store, Cleanup: store.Close}, nil
}

func (f *DefaultFactory) createMemoryBackend() *BackendResult {
	store := memory.New()
	f.logger.Info("Initialized memory backend")
	return &BackendResult{Store: store, Cleanup: store.Close}
}

func (f *DefaultFactory) applySeed(ctx context.Context, store storage.Store, config Config) error {
	seed, err := storage.LoadSeed(config.SeedFile, config.Currency)
	if err != nil {
		return fmt.Errorf("load seed %s: %w", config.SeedFile, err)
	}
	if err := seed.Apply(ctx, store); err != nil {
		return fmt.Errorf("apply seed %s: %w", config.SeedFile, err)
	}
	f.logger.Info("Applied seed file",
		"path", config.SeedFile,
		"fees", len(seed.Fees),
		"households", len(seed.Households),
		"payments", len(seed.Payments))
	return nil
}
