package negotiation

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_repository.go -package=mocks . Repository

// EventType classifies a ledger entry.
type EventType string

const (
	EventOfferSubmitted     EventType = "offer_submitted"
	EventCounterOffer       EventType = "counter_offer"
	EventComment            EventType = "comment"
	EventAcceptance         EventType = "acceptance"
	EventRejection          EventType = "rejection"
	EventWithdrawal         EventType = "withdrawal"
	EventExpiration         EventType = "expiration"
	EventReviewStarted      EventType = "review_started"
	EventConditionUpdated   EventType = "condition_updated"
	EventContingencyUpdated EventType = "contingency_updated"
)

// GenesisHash is the PrevHash of the first event in every chain.
const GenesisHash = "GENESIS"

// Change describes one field difference recorded by an event.
type Change struct {
	Field    string `json:"field"`
	OldValue string `json:"oldValue"`
	NewValue string `json:"newValue"`
	Reason   string `json:"reason,omitempty"`
}

// Event is an immutable negotiation ledger entry.
type Event struct {
	ID          uuid.UUID `json:"eventId"`
	ChainRootID uuid.UUID `json:"chainRootId"`
	OfferID     uuid.UUID `json:"offerId"`
	Sequence    int64     `json:"sequence"`
	Type        EventType `json:"eventType"`
	Timestamp   time.Time `json:"timestamp"`
	ActorID     string    `json:"actorId"`
	Description string    `json:"description"`
	Changes     []Change  `json:"changes,omitempty"`
	PrevHash    string    `json:"prevHash"`
	Hash        string    `json:"hash"`
}

type hashable struct {
	ID          uuid.UUID `json:"eventId"`
	ChainRootID uuid.UUID `json:"chainRootId"`
	OfferID     uuid.UUID `json:"offerId"`
	Sequence    int64     `json:"sequence"`
	Type        EventType `json:"eventType"`
	Timestamp   string    `json:"timestamp"`
	ActorID     string    `json:"actorId"`
	Description string    `json:"description"`
	Changes     []Change  `json:"changes"`
	PrevHash    string    `json:"prevHash"`
}

// ComputeHash returns the BLAKE2b-256 digest of the event body and PrevHash.
func (e *Event) ComputeHash() (string, error) {
	changes := e.Changes
	if changes == nil {
		changes = []Change{}
	}
	body, err := json.Marshal(hashable{
		ID:          e.ID,
		ChainRootID: e.ChainRootID,
		OfferID:     e.OfferID,
		Sequence:    e.Sequence,
		Type:        e.Type,
		Timestamp:   e.Timestamp.UTC().Format(time.RFC3339Nano),
		ActorID:     e.ActorID,
		Description: e.Description,
		Changes:     changes,
		PrevHash:    e.PrevHash,
	})
	if err != nil {
		return "", err
	}
	sum := blake2b.Sum256(body)
	return hex.EncodeToString(sum[:]), nil
}

// Draft is the caller-supplied part of a new event.
type Draft struct {
	OfferID     uuid.UUID
	Type        EventType
	ActorID     string
	Description string
	Changes     []Change
}

// Next builds the event that follows prev (nil for a new chain) at time now.
// Timestamps never run backwards within a chain and are kept at microsecond
// precision so that stored events hash identically after a round trip.
func Next(chainRootID uuid.UUID, prev *Event, d Draft, now time.Time) (*Event, error) {
	at := now.UTC().Truncate(time.Microsecond)
	e := &Event{
		ID:          uuid.New(),
		ChainRootID: chainRootID,
		OfferID:     d.OfferID,
		Sequence:    1,
		Type:        d.Type,
		Timestamp:   at,
		ActorID:     d.ActorID,
		Description: d.Description,
		Changes:     d.Changes,
		PrevHash:    GenesisHash,
	}
	if prev != nil {
		if prev.ChainRootID != chainRootID {
			return nil, fmt.Errorf("previous event belongs to chain %s", prev.ChainRootID)
		}
		e.Sequence = prev.Sequence + 1
		e.PrevHash = prev.Hash
		if e.Timestamp.Before(prev.Timestamp) {
			e.Timestamp = prev.Timestamp
		}
	}
	h, err := e.ComputeHash()
	if err != nil {
		return nil, err
	}
	e.Hash = h
	return e, nil
}

var ErrBrokenChain = errors.New("negotiation ledger chain broken")

// VerifyChain checks sequence continuity, hash links, and timestamp order.
// It returns the sequence of the first bad event, or 0 when the chain is intact.
func VerifyChain(events []*Event) (int64, error) {
	prevHash := GenesisHash
	var prevTime time.Time
	for i, e := range events {
		want := int64(i + 1)
		if e.Sequence != want {
			return e.Sequence, fmt.Errorf("%w: sequence %d, expected %d", ErrBrokenChain, e.Sequence, want)
		}
		if e.PrevHash != prevHash {
			return e.Sequence, fmt.Errorf("%w: prev hash mismatch at %d", ErrBrokenChain, e.Sequence)
		}
		if e.Timestamp.Before(prevTime) {
			return e.Sequence, fmt.Errorf("%w: timestamp regression at %d", ErrBrokenChain, e.Sequence)
		}
		h, err := e.ComputeHash()
		if err != nil {
			return e.Sequence, err
		}
		if h != e.Hash {
			return e.Sequence, fmt.Errorf("%w: hash mismatch at %d", ErrBrokenChain, e.Sequence)
		}
		prevHash = e.Hash
		prevTime = e.Timestamp
	}
	return 0, nil
}

// Repository reads the negotiation ledger. Writes go through the offer store commit.
type Repository interface {
	ListByChain(ctx context.Context, chainRootID uuid.UUID) ([]*Event, error)
	// Latest returns the last event of the chain, or nil when the chain is empty.
	Latest(ctx context.Context, chainRootID uuid.UUID) (*Event, error)
}
