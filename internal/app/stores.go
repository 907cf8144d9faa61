package app

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/dealflow/offer-engine/internal/config"
	"github.com/dealflow/offer-engine/internal/infrastructure/memory"
	"github.com/dealflow/offer-engine/internal/infrastructure/postgres"
)

// OpenStores connects the configured backend. The returned close func is
// always non-nil.
func OpenStores(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (Stores, func(), error) {
	switch cfg.Store {
	case config.StoreMemory:
		logger.Warn().Msg("using in-memory store; offers are lost on restart")
		store := memory.NewStore()
		return Stores{Offers: store, Ledger: store}, func() {}, nil
	case config.StorePostgres:
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return Stores{}, func() {}, fmt.Errorf("db error: %w", err)
		}
		if err := postgres.RunMigrations(pool); err != nil {
			pool.Close()
			return Stores{}, func() {}, fmt.Errorf("migration error: %w", err)
		}
		repo := postgres.NewOfferRepository(pool)
		stores := Stores{Offers: repo, Ledger: repo}
		if cfg.ListingCheck {
			stores.Listings = postgres.NewListingRepository(pool)
		}
		return stores, pool.Close, nil
	}
	return Stores{}, func() {}, fmt.Errorf("unknown store %q", cfg.Store)
}
