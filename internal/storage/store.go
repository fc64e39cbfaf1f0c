package storage

import (
	"context"
	"fmt"

	"github.com/KevinKickass/OpenLabCore/internal/config"
	"github.com/KevinKickass/OpenLabCore/internal/protocols"
	"github.com/KevinKickass/OpenLabCore/internal/runs"
)

// Store is everything the control plane persists.
type Store interface {
	runs.Store
	protocols.Store
	Close()
}

var (
	_ Store = (*PostgresClient)(nil)
	_ Store = (*MemoryStore)(nil)
)

func (m *MemoryStore) Close() {}

// Open connects the store selected by cfg.Driver and applies the schema.
func Open(ctx context.Context, cfg config.DatabaseConfig) (Store, error) {
	switch cfg.Driver {
	case "memory":
		return NewMemoryStore(), nil
	case "postgres":
		client, err := NewPostgresClient(cfg)
		if err != nil {
			return nil, err
		}
		if err := client.Migrate(ctx); err != nil {
			client.Close()
			return nil, err
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}
