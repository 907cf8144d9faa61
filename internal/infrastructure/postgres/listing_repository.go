package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dealflow/offer-engine/internal/domain/offer"
)

// ListingRepository resolves listing ownership for offer submission.
type ListingRepository struct {
	pool *pgxpool.Pool
}

func NewListingRepository(pool *pgxpool.Pool) *ListingRepository {
	return &ListingRepository{pool: pool}
}

func (r *ListingRepository) SellerOf(ctx context.Context, listingID string) (string, error) {
	var seller string
	err := r.pool.QueryRow(ctx, `SELECT seller_id FROM listings WHERE listing_id=$1`, listingID).Scan(&seller)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: listing %s", offer.ErrNotFound, listingID)
	}
	return seller, err
}

// Upsert registers or re-assigns a listing.
func (r *ListingRepository) Upsert(ctx context.Context, listingID, sellerID string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO listings (listing_id, seller_id) VALUES ($1,$2)
		ON CONFLICT (listing_id) DO UPDATE SET seller_id = EXCLUDED.seller_id
	`, listingID, sellerID)
	return err
}
