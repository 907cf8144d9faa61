package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dealflow/offer-engine/internal/domain/negotiation"
	"github.com/dealflow/offer-engine/internal/domain/offer"
)

// Verification is the result of re-checking a chain's hash links.
type Verification struct {
	ChainRootID uuid.UUID `json:"chainRootId"`
	Events      int       `json:"events"`
	Valid       bool      `json:"valid"`
	BrokenAt    int64     `json:"brokenAt,omitempty"`
	Reason      string    `json:"reason,omitempty"`
}

// Service exposes the negotiation ledger read side.
type Service struct {
	repo   negotiation.Repository
	logger zerolog.Logger
}

func NewService(repo negotiation.Repository, logger zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		logger: logger.With().Str("service", "ledger").Logger(),
	}
}

// History returns every event of a chain in sequence order.
func (s *Service) History(ctx context.Context, chainRootID uuid.UUID) ([]*negotiation.Event, error) {
	events, err := s.repo.ListByChain(ctx, chainRootID)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: negotiation chain %s", offer.ErrNotFound, chainRootID)
	}
	return events, nil
}

// OfferHistory returns the events of a chain that concern one offer.
func (s *Service) OfferHistory(ctx context.Context, chainRootID, offerID uuid.UUID) ([]*negotiation.Event, error) {
	events, err := s.History(ctx, chainRootID)
	if err != nil {
		return nil, err
	}
	out := make([]*negotiation.Event, 0, len(events))
	for _, e := range events {
		if e.OfferID == offerID {
			out = append(out, e)
		}
	}
	return out, nil
}

// Verify recomputes every hash of a chain and reports the first broken link.
func (s *Service) Verify(ctx context.Context, chainRootID uuid.UUID) (*Verification, error) {
	events, err := s.History(ctx, chainRootID)
	if err != nil {
		return nil, err
	}
	v := &Verification{ChainRootID: chainRootID, Events: len(events), Valid: true}
	seq, err := negotiation.VerifyChain(events)
	if err != nil {
		if !errors.Is(err, negotiation.ErrBrokenChain) {
			return nil, err
		}
		v.Valid = false
		v.BrokenAt = seq
		v.Reason = err.Error()
		s.logger.Warn().
			Str("chain_root_id", chainRootID.String()).
			Int64("sequence", seq).
			Err(err).
			Msg("ledger chain verification failed")
	}
	return v, nil
}
