package offer

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/dealflow/offer-engine/internal/domain/negotiation"
)

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_repository.go -package=mocks . Repository

// Comment is an informational note attached to an offer.
type Comment struct {
	ID          uuid.UUID `json:"commentId"`
	OfferID     uuid.UUID `json:"offerId"`
	ChainRootID uuid.UUID `json:"chainRootId"`
	AuthorID    string    `json:"authorId"`
	Content     string    `json:"content"`
	Timestamp   time.Time `json:"timestamp"`
	IsPrivate   bool      `json:"isPrivate"`
}

// VersionedUpdate replaces an offer only if its stored version equals ExpectedVersion.
type VersionedUpdate struct {
	Offer           *Offer `json:"offer"`
	ExpectedVersion int    `json:"expectedVersion"`
}

// Mutation is one atomic write: either every part lands or none does.
type Mutation struct {
	Creates  []*Offer             `json:"creates,omitempty"`
	Updates  []VersionedUpdate    `json:"updates,omitempty"`
	Events   []*negotiation.Event `json:"events,omitempty"`
	Comments []*Comment           `json:"comments,omitempty"`
}

// Filter narrows offer listings. Zero fields are ignored.
type Filter struct {
	ListingID     *string
	ParentOfferID *uuid.UUID
	ChainRootID   *uuid.UUID
	PartyID       *string
	Statuses      []Status

	// ExpiresFrom and ExpiresBefore bound expiresAt to [from, before).
	ExpiresFrom   *time.Time
	ExpiresBefore *time.Time
}

// Repository is the versioned offer store.
type Repository interface {
	// Commit applies m atomically. A stale ExpectedVersion, an existing id in
	// Creates, or a taken ledger sequence yields ErrConcurrentModification.
	Commit(ctx context.Context, m *Mutation) error
	GetByID(ctx context.Context, offerID uuid.UUID) (*Offer, error)
	// GetMany reads all ids from one consistent snapshot; missing ids are omitted.
	GetMany(ctx context.Context, offerIDs []uuid.UUID) ([]*Offer, error)
	List(ctx context.Context, filter Filter, limit, offset int) ([]*Offer, error)
	// ListDue returns live offers whose response deadline is before now.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Offer, error)
	ListComments(ctx context.Context, offerID uuid.UUID) ([]*Comment, error)
}
