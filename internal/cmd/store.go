package cmd

import (
	"context"

	"github.com/relaybot/relaybot/internal/config"
	"github.com/relaybot/relaybot/internal/core/store"
)

// openStore loads config, opens the store and applies migrations.
func openStore(ctx context.Context) (*store.Store, *config.Config, error) {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return nil, nil, err
	}

	db, err := openStoreWith(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return db, cfg, nil
}

func openStoreWith(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	db, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}
