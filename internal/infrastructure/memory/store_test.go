package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/dealflow/offer-engine/internal/domain/negotiation"
	"github.com/dealflow/offer-engine/internal/domain/offer"
)

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newOffer(t *testing.T, buyer string, expiresIn time.Duration) *offer.Offer {
	t.Helper()
	payment, err := offer.NewCash(decimal.NewFromInt(850000))
	if err != nil {
		t.Fatalf("payment: %v", err)
	}
	id := uuid.New()
	return &offer.Offer{
		ID:          id,
		ListingID:   "listing-1",
		ChainRootID: id,
		Version:     1,
		BuyerID:     buyer,
		SellerID:    "seller-1",
		CreatedBy:   buyer,
		OfferPrice:  decimal.NewFromInt(850000),
		Currency:    "EUR",
		Payment:     offer.Payment{PaymentStructure: payment},
		SubmittedAt: base,
		ExpiresAt:   base.Add(expiresIn),
		Status:      offer.StatusSubmitted,
		UpdatedAt:   base,
		UpdatedBy:   buyer,
	}
}

func event(t *testing.T, o *offer.Offer, prev *negotiation.Event, typ negotiation.EventType) *negotiation.Event {
	t.Helper()
	ev, err := negotiation.Next(o.ChainRootID, prev, negotiation.Draft{OfferID: o.ID, Type: typ, ActorID: o.CreatedBy}, base)
	if err != nil {
		t.Fatalf("next event: %v", err)
	}
	return ev
}

func mustCommit(t *testing.T, st *Store, m *offer.Mutation) {
	t.Helper()
	if err := st.Commit(context.Background(), m); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestStoreCommitAndRead(t *testing.T) {
	st := NewStore()
	ctx := context.Background()
	o := newOffer(t, "buyer-1", time.Hour)
	first := event(t, o, nil, negotiation.EventOfferSubmitted)
	mustCommit(t, st, &offer.Mutation{Creates: []*offer.Offer{o}, Events: []*negotiation.Event{first}})

	got, err := st.GetByID(ctx, o.ID)
	if err != nil || got == nil {
		t.Fatalf("get: %v %v", got, err)
	}
	got.Status = offer.StatusRejected
	again, _ := st.GetByID(ctx, o.ID)
	if again.Status != offer.StatusSubmitted {
		t.Fatalf("caller mutation leaked into store: %s", again.Status)
	}

	missing, err := st.GetByID(ctx, uuid.New())
	if err != nil || missing != nil {
		t.Fatalf("expected nil, nil for unknown offer, got %v %v", missing, err)
	}

	latest, err := st.Latest(ctx, o.ChainRootID)
	if err != nil || latest == nil || latest.Hash != first.Hash {
		t.Fatalf("latest: %+v %v", latest, err)
	}
	empty, err := st.Latest(ctx, uuid.New())
	if err != nil || empty != nil {
		t.Fatalf("expected empty chain, got %+v %v", empty, err)
	}
}

func TestStoreCommitIsAllOrNothing(t *testing.T) {
	st := NewStore()
	ctx := context.Background()
	parent := newOffer(t, "buyer-1", time.Hour)
	first := event(t, parent, nil, negotiation.EventOfferSubmitted)
	mustCommit(t, st, &offer.Mutation{Creates: []*offer.Offer{parent}, Events: []*negotiation.Event{first}})

	child := newOffer(t, "buyer-1", time.Hour)
	child.ChainRootID = parent.ChainRootID
	stale := parent.Clone()
	stale.Status = offer.StatusCountered
	stale.Version = 3
	err := st.Commit(ctx, &offer.Mutation{
		Creates: []*offer.Offer{child},
		Updates: []offer.VersionedUpdate{{Offer: stale, ExpectedVersion: 2}},
		Events:  []*negotiation.Event{event(t, child, first, negotiation.EventCounterOffer)},
	})
	if !errors.Is(err, offer.ErrConcurrentModification) {
		t.Fatalf("expected concurrent modification, got %v", err)
	}
	if got, _ := st.GetByID(ctx, child.ID); got != nil {
		t.Fatalf("child written despite failed commit")
	}
	if events, _ := st.ListByChain(ctx, parent.ChainRootID); len(events) != 1 {
		t.Fatalf("expected 1 event after failed commit, got %d", len(events))
	}
}

func TestStoreRejectsTakenSequence(t *testing.T) {
	st := NewStore()
	o := newOffer(t, "buyer-1", time.Hour)
	first := event(t, o, nil, negotiation.EventOfferSubmitted)
	mustCommit(t, st, &offer.Mutation{Creates: []*offer.Offer{o}, Events: []*negotiation.Event{first}})

	dup := event(t, o, nil, negotiation.EventComment)
	err := st.Commit(context.Background(), &offer.Mutation{Events: []*negotiation.Event{dup}})
	if !errors.Is(err, offer.ErrConcurrentModification) {
		t.Fatalf("expected concurrent modification, got %v", err)
	}
}

func TestStoreUpdateChecks(t *testing.T) {
	st := NewStore()
	o := newOffer(t, "buyer-1", time.Hour)
	mustCommit(t, st, &offer.Mutation{Creates: []*offer.Offer{o}})

	same := o.Clone()
	err := st.Commit(context.Background(), &offer.Mutation{Updates: []offer.VersionedUpdate{{Offer: same, ExpectedVersion: 1}}})
	if !errors.Is(err, offer.ErrValidation) {
		t.Fatalf("expected validation error for non-increasing version, got %v", err)
	}

	ghost := newOffer(t, "buyer-2", time.Hour)
	ghost.Version = 2
	err = st.Commit(context.Background(), &offer.Mutation{Updates: []offer.VersionedUpdate{{Offer: ghost, ExpectedVersion: 1}}})
	if !errors.Is(err, offer.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	err = st.Commit(context.Background(), &offer.Mutation{Creates: []*offer.Offer{o}})
	if !errors.Is(err, offer.ErrConcurrentModification) {
		t.Fatalf("expected duplicate create to conflict, got %v", err)
	}
}

func TestStoreListAndDue(t *testing.T) {
	st := NewStore()
	ctx := context.Background()
	late := newOffer(t, "buyer-1", 2*time.Hour)
	early := newOffer(t, "buyer-2", time.Hour)
	future := newOffer(t, "buyer-3", 48*time.Hour)
	closed := newOffer(t, "buyer-4", time.Hour)
	closed.Status = offer.StatusRejected
	mustCommit(t, st, &offer.Mutation{Creates: []*offer.Offer{late, early, future, closed}})

	due, err := st.ListDue(ctx, base.Add(3*time.Hour), 10)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(due) != 2 || due[0].ID != early.ID || due[1].ID != late.ID {
		t.Fatalf("unexpected due offers: %+v", due)
	}
	if due, _ := st.ListDue(ctx, base.Add(time.Hour), 10); len(due) != 0 {
		t.Fatalf("deadline equal to now is not yet due, got %d", len(due))
	}
	if due, _ := st.ListDue(ctx, base.Add(3*time.Hour), 1); len(due) != 1 {
		t.Fatalf("limit not applied: %d", len(due))
	}

	party := "buyer-2"
	mine, err := st.List(ctx, offer.Filter{PartyID: &party}, 10, 0)
	if err != nil || len(mine) != 1 || mine[0].ID != early.ID {
		t.Fatalf("party filter: %+v %v", mine, err)
	}
	live, _ := st.List(ctx, offer.Filter{Statuses: offer.LiveStatuses}, 10, 0)
	if len(live) != 3 {
		t.Fatalf("expected 3 live offers, got %d", len(live))
	}
	page, _ := st.List(ctx, offer.Filter{}, 2, 3)
	if len(page) != 1 {
		t.Fatalf("expected last page of 1, got %d", len(page))
	}

	many, _ := st.GetMany(ctx, []uuid.UUID{early.ID, uuid.New(), late.ID})
	if len(many) != 2 || many[0].ID != early.ID {
		t.Fatalf("get many: %+v", many)
	}

	stats := st.Stats()
	if stats.Offers != 4 || stats.ByStatus["submitted"] != 3 || stats.ByStatus["rejected"] != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestStoreListExpiryWindow(t *testing.T) {
	st := NewStore()
	ctx := context.Background()
	edge := newOffer(t, "buyer-1", time.Hour)
	inside := newOffer(t, "buyer-2", 5*time.Hour)
	outside := newOffer(t, "buyer-3", 30*time.Hour)
	overdue := newOffer(t, "buyer-4", 30*time.Minute)
	mustCommit(t, st, &offer.Mutation{Creates: []*offer.Offer{edge, inside, outside, overdue}})

	from := base.Add(time.Hour)
	before := base.Add(25 * time.Hour)
	got, err := st.List(ctx, offer.Filter{ExpiresFrom: &from, ExpiresBefore: &before}, 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	ids := map[uuid.UUID]bool{}
	for _, o := range got {
		ids[o.ID] = true
	}
	if len(got) != 2 || !ids[edge.ID] || !ids[inside.ID] {
		t.Fatalf("expected edge and inside offers, got %+v", got)
	}
}

func TestStoreSnapshotRoundTrip(t *testing.T) {
	st := NewStore()
	ctx := context.Background()
	o := newOffer(t, "buyer-1", time.Hour)
	first := event(t, o, nil, negotiation.EventOfferSubmitted)
	second := event(t, o, first, negotiation.EventComment)
	comment := &offer.Comment{ID: uuid.New(), OfferID: o.ID, ChainRootID: o.ChainRootID, AuthorID: "buyer-1", Content: "hello", Timestamp: base}
	mustCommit(t, st, &offer.Mutation{Creates: []*offer.Offer{o}, Events: []*negotiation.Event{first}})
	mustCommit(t, st, &offer.Mutation{Events: []*negotiation.Event{second}, Comments: []*offer.Comment{comment}})

	data, err := st.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	restored := NewStore()
	if err := restored.Unmarshal(data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	got, _ := restored.GetByID(ctx, o.ID)
	if got == nil || !got.OfferPrice.Equal(o.OfferPrice) || got.Payment.Kind() != offer.PaymentCash {
		t.Fatalf("restored offer mismatch: %+v", got)
	}
	events, _ := restored.ListByChain(ctx, o.ChainRootID)
	if seq, err := negotiation.VerifyChain(events); err != nil {
		t.Fatalf("restored chain broken at %d: %v", seq, err)
	}
	comments, _ := restored.ListComments(ctx, o.ID)
	if len(comments) != 1 || comments[0].Content != "hello" {
		t.Fatalf("restored comments: %+v", comments)
	}

	if err := restored.Unmarshal(nil); err == nil {
		t.Fatalf("expected error for empty snapshot")
	}
}
