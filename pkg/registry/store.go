package registry

import (
	"context"
	"fmt"

	"github.com/speedrun-hq/bridgerunner/pkg/config"
	"github.com/speedrun-hq/bridgerunner/pkg/logger"
	"github.com/speedrun-hq/bridgerunner/pkg/models"
)

// Store persists transfers. Save must be atomic per transfer: after a failed
// Save the previously stored document is still readable.
type Store interface {
	Save(ctx context.Context, t *models.Transfer) error
	Load(ctx context.Context, id string) (*models.Transfer, error)
	LoadAll(ctx context.Context) ([]*models.Transfer, error)
	Close() error
}

// NopStore keeps nothing, transfers live only in memory
type NopStore struct{}

func (NopStore) Save(context.Context, *models.Transfer) error { return nil }

func (NopStore) Load(_ context.Context, id string) (*models.Transfer, error) {
	return nil, fmt.Errorf("%w: %s", ErrTransferNotFound, id)
}

func (NopStore) LoadAll(context.Context) ([]*models.Transfer, error) { return nil, nil }

func (NopStore) Close() error { return nil }

// OpenStore opens the store selected by the configuration
func OpenStore(ctx context.Context, cfg config.StoreConfig, l logger.Logger) (Store, error) {
	switch cfg.Driver {
	case config.StoreMemory, "":
		l.Notice("Transfers are kept in memory only and will not survive a restart")
		return NopStore{}, nil
	case config.StoreFile:
		return NewFileStore(cfg.Path)
	case config.StorePostgres:
		return NewPostgresStore(ctx, cfg.DatabaseURL)
	case config.StoreRedis:
		return NewRedisStore(ctx, cfg.RedisURL)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
