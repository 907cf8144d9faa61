package consensus

import (
	"context"
	"crypto/ed25519"
	"time"

	"github.com/google/uuid"

	"github.com/dealflow/offer-engine/internal/domain/negotiation"
	"github.com/dealflow/offer-engine/internal/domain/offer"
	"github.com/dealflow/offer-engine/internal/infrastructure/memory"
	"github.com/dealflow/offer-engine/internal/p2p/protocol"
)

type txApplier interface {
	ApplyTx(ctx context.Context, tx protocol.Tx) error
}

// ReplicatedStore is an offer and ledger repository whose writes go through
// Raft as signed transactions and whose reads come from the local replica.
type ReplicatedStore struct {
	applier txApplier
	view    *memory.Store
	signer  ed25519.PrivateKey
	actor   string
	now     func() time.Time
}

var (
	_ offer.Repository       = (*ReplicatedStore)(nil)
	_ negotiation.Repository = (*ReplicatedStore)(nil)
)

// NewReplicatedStore signs writes with signer on behalf of the node.
func NewReplicatedStore(node *Node, signer ed25519.PrivateKey) *ReplicatedStore {
	return newReplicatedStore(node, node.Machine().Store(), signer, node.ID())
}

func newReplicatedStore(applier txApplier, view *memory.Store, signer ed25519.PrivateKey, actor string) *ReplicatedStore {
	return &ReplicatedStore{
		applier: applier,
		view:    view,
		signer:  signer,
		actor:   actor,
		now:     time.Now,
	}
}

// Commit replicates m. Version conflicts detected by the state machine come
// back as offer.ErrConcurrentModification.
func (s *ReplicatedStore) Commit(ctx context.Context, m *offer.Mutation) error {
	tx, err := protocol.NewCommitTx(s.actor, m, s.now())
	if err != nil {
		return err
	}
	if err := tx.Sign(s.signer); err != nil {
		return err
	}
	return s.applier.ApplyTx(ctx, tx)
}

func (s *ReplicatedStore) GetByID(ctx context.Context, offerID uuid.UUID) (*offer.Offer, error) {
	return s.view.GetByID(ctx, offerID)
}

func (s *ReplicatedStore) GetMany(ctx context.Context, offerIDs []uuid.UUID) ([]*offer.Offer, error) {
	return s.view.GetMany(ctx, offerIDs)
}

func (s *ReplicatedStore) List(ctx context.Context, filter offer.Filter, limit, offset int) ([]*offer.Offer, error) {
	return s.view.List(ctx, filter, limit, offset)
}

func (s *ReplicatedStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*offer.Offer, error) {
	return s.view.ListDue(ctx, now, limit)
}

func (s *ReplicatedStore) ListComments(ctx context.Context, offerID uuid.UUID) ([]*offer.Comment, error) {
	return s.view.ListComments(ctx, offerID)
}

func (s *ReplicatedStore) ListByChain(ctx context.Context, chainRootID uuid.UUID) ([]*negotiation.Event, error) {
	return s.view.ListByChain(ctx, chainRootID)
}

func (s *ReplicatedStore) Latest(ctx context.Context, chainRootID uuid.UUID) (*negotiation.Event, error) {
	return s.view.Latest(ctx, chainRootID)
}
