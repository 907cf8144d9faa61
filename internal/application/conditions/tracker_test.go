package conditions

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appNegotiation "github.com/dealflow/offer-engine/internal/application/negotiation"
	domainNegotiation "github.com/dealflow/offer-engine/internal/domain/negotiation"
	"github.com/dealflow/offer-engine/internal/domain/offer"
	"github.com/dealflow/offer-engine/internal/infrastructure/memory"
)

type testClock struct{ t time.Time }

func (c *testClock) Now() time.Time { return c.t }

type fixture struct {
	engine  *appNegotiation.Engine
	tracker *Tracker
	store   *memory.Store
	clock   *testClock
	offer   *offer.Offer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewStore()
	clock := &testClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	engine := appNegotiation.NewEngine(store, store, zerolog.Nop(), appNegotiation.WithClock(clock.Now))

	payment, err := offer.NewCash(decimal.NewFromInt(850000))
	require.NoError(t, err)
	expires := clock.t.AddDate(0, 0, 10)
	o, err := engine.SubmitOffer(context.Background(), appNegotiation.SubmitCommand{
		ListingID:  "listing-1",
		BuyerID:    "buyer-1",
		SellerID:   "seller-1",
		ActorID:    "buyer-1",
		OfferPrice: decimal.NewFromInt(850000),
		Currency:   "EUR",
		Payment:    payment,
		Conditions: []offer.Condition{
			{ID: "audit", Description: "Financial audit", IsRequired: true, Rule: "revenue >= 1000000"},
			{ID: "lease", Description: "Lease transfer", IsRequired: true},
			{ID: "staff", Description: "Key staff retained", Rule: "headcount >= 5"},
		},
		Contingencies: []offer.Contingency{
			{ID: "loan", Description: "Bank loan approval", Deadline: clock.t.AddDate(0, 0, 30), ResponsibleParty: "buyer-1"},
		},
		ExpiresAt:        &expires,
		RequiresApproval: true,
	})
	require.NoError(t, err)

	return &fixture{
		engine:  engine,
		tracker: NewTracker(engine, zerolog.Nop()),
		store:   store,
		clock:   clock,
		offer:   o,
	}
}

func TestTracker_UpdateConditionStatus(t *testing.T) {
	t.Run("records event and bumps version", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()

		o, err := f.tracker.UpdateConditionStatus(ctx, UpdateCommand{
			OfferID:     f.offer.ID,
			ItemID:      "audit",
			Status:      "satisfied",
			EvidenceRef: "doc://audit-2025.pdf",
			ActorID:     "seller-1",
		})
		require.NoError(t, err)
		assert.Equal(t, 2, o.Version)
		assert.Equal(t, offer.ConditionSatisfied, o.Conditions[0].Status)
		assert.Equal(t, "doc://audit-2025.pdf", o.Conditions[0].EvidenceRef)

		events, err := f.store.ListByChain(ctx, f.offer.ChainRootID)
		require.NoError(t, err)
		require.Len(t, events, 2)
		last := events[1]
		assert.Equal(t, domainNegotiation.EventConditionUpdated, last.Type)
		require.Len(t, last.Changes, 1)
		assert.Equal(t, "conditions.audit.status", last.Changes[0].Field)
		assert.Equal(t, "pending", last.Changes[0].OldValue)
		assert.Equal(t, "satisfied", last.Changes[0].NewValue)
	})

	tests := map[string]struct {
		cmd     UpdateCommand
		prepare func(f *fixture)
		wantErr error
	}{
		"unknown status": {
			cmd:     UpdateCommand{ItemID: "audit", Status: "done", ActorID: "seller-1"},
			wantErr: offer.ErrValidation,
		},
		"unknown condition": {
			cmd:     UpdateCommand{ItemID: "missing", Status: "waived", ActorID: "seller-1"},
			wantErr: offer.ErrNotFound,
		},
		"outsider": {
			cmd:     UpdateCommand{ItemID: "audit", Status: "waived", ActorID: "mallory"},
			wantErr: offer.ErrUnauthorized,
		},
		"stale version": {
			cmd:     UpdateCommand{ItemID: "audit", Status: "waived", ActorID: "seller-1", ExpectedVersion: intPtr(7)},
			wantErr: offer.ErrConcurrentModification,
		},
		"past deadline": {
			cmd:     UpdateCommand{ItemID: "audit", Status: "waived", ActorID: "seller-1"},
			prepare: func(f *fixture) { f.clock.t = f.clock.t.AddDate(0, 0, 11) },
			wantErr: offer.ErrExpired,
		},
		"rejected offer": {
			cmd: UpdateCommand{ItemID: "audit", Status: "waived", ActorID: "seller-1"},
			prepare: func(f *fixture) {
				_, err := f.engine.RejectOffer(context.Background(), appNegotiation.TransitionCommand{OfferID: f.offer.ID, ActorID: "seller-1"})
				if err != nil {
					panic(err)
				}
			},
			wantErr: offer.ErrInvalidTransition,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			if tc.prepare != nil {
				tc.prepare(f)
			}
			before, err := f.store.GetByID(context.Background(), f.offer.ID)
			require.NoError(t, err)

			cmd := tc.cmd
			cmd.OfferID = f.offer.ID
			_, err = f.tracker.UpdateConditionStatus(context.Background(), cmd)
			require.ErrorIs(t, err, tc.wantErr)

			after, err := f.store.GetByID(context.Background(), f.offer.ID)
			require.NoError(t, err)
			assert.Equal(t, before.Version, after.Version)
		})
	}
}

func TestTracker_AcceptedOfferIsClosed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, id := range []string{"audit", "lease"} {
		_, err := f.tracker.UpdateConditionStatus(ctx, UpdateCommand{OfferID: f.offer.ID, ItemID: id, Status: "waived", ActorID: "seller-1"})
		require.NoError(t, err)
	}
	accepted, err := f.engine.AcceptOffer(ctx, appNegotiation.TransitionCommand{OfferID: f.offer.ID, ActorID: "seller-1"})
	require.NoError(t, err)
	require.Equal(t, 4, accepted.Version)

	_, err = f.tracker.UpdateConditionStatus(ctx, UpdateCommand{OfferID: f.offer.ID, ItemID: "audit", Status: "failed", ActorID: "seller-1"})
	assert.ErrorIs(t, err, offer.ErrInvalidTransition)

	_, err = f.tracker.UpdateContingencyStatus(ctx, UpdateCommand{OfferID: f.offer.ID, ItemID: "loan", Status: "satisfied", ActorID: "buyer-1"})
	assert.ErrorIs(t, err, offer.ErrInvalidTransition)

	_, err = f.tracker.EvaluateRules(ctx, EvaluateCommand{OfferID: f.offer.ID, ActorID: "seller-1", Facts: json.RawMessage(`{"revenue": 2000000}`)})
	assert.ErrorIs(t, err, offer.ErrInvalidTransition)

	o, err := f.store.GetByID(ctx, f.offer.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, o.Version)
	assert.Equal(t, offer.StatusAccepted, o.Status)
	assert.Equal(t, offer.ConditionWaived, o.Conditions[0].Status)
	assert.True(t, o.RequiredConditionsMet())
}

func TestTracker_ExpiryReportedBeforeStaleVersion(t *testing.T) {
	f := newFixture(t)
	f.clock.t = f.clock.t.AddDate(0, 0, 11)

	_, err := f.tracker.UpdateConditionStatus(context.Background(), UpdateCommand{
		OfferID:         f.offer.ID,
		ItemID:          "audit",
		Status:          "waived",
		ActorID:         "seller-1",
		ExpectedVersion: intPtr(9),
	})
	assert.ErrorIs(t, err, offer.ErrExpired)
}

func TestTracker_UpdateContingencyStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.tracker.UpdateContingencyStatus(ctx, UpdateCommand{OfferID: f.offer.ID, ItemID: "loan", Status: "waived", ActorID: "buyer-1"})
	require.ErrorIs(t, err, offer.ErrValidation)

	o, err := f.tracker.UpdateContingencyStatus(ctx, UpdateCommand{OfferID: f.offer.ID, ItemID: "loan", Status: "failed", ActorID: "buyer-1"})
	require.NoError(t, err)
	assert.Equal(t, offer.ContingencyFailed, o.Contingencies[0].Status)

	events, err := f.store.ListByChain(ctx, f.offer.ChainRootID)
	require.NoError(t, err)
	assert.Equal(t, domainNegotiation.EventContingencyUpdated, events[len(events)-1].Type)
}

func TestTracker_AllRequiredConditionsSatisfied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ok, err := f.tracker.AllRequiredConditionsSatisfied(ctx, f.offer.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = f.tracker.UpdateConditionStatus(ctx, UpdateCommand{OfferID: f.offer.ID, ItemID: "audit", Status: "satisfied", ActorID: "seller-1"})
	require.NoError(t, err)
	_, err = f.tracker.UpdateConditionStatus(ctx, UpdateCommand{OfferID: f.offer.ID, ItemID: "lease", Status: "waived", ActorID: "buyer-1"})
	require.NoError(t, err)

	ok, err = f.tracker.AllRequiredConditionsSatisfied(ctx, f.offer.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTracker_EvaluateRules(t *testing.T) {
	t.Run("satisfies matching rules in one update", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()

		res, err := f.tracker.EvaluateRules(ctx, EvaluateCommand{
			OfferID: f.offer.ID,
			ActorID: "seller-1",
			Facts:   json.RawMessage(`{"revenue": 1500000}`),
		})
		require.NoError(t, err)
		assert.Equal(t, 2, res.Offer.Version)
		assert.Equal(t, offer.ConditionSatisfied, res.Offer.Conditions[0].Status)
		assert.Equal(t, offer.ConditionPending, res.Offer.Conditions[1].Status)
		assert.Equal(t, offer.ConditionPending, res.Offer.Conditions[2].Status)

		require.Len(t, res.Outcomes, 2)
		assert.Equal(t, RuleOutcome{ConditionID: "audit", Result: OutcomeSatisfied}, res.Outcomes[0])
		assert.Equal(t, "staff", res.Outcomes[1].ConditionID)
		assert.Equal(t, OutcomeMissing, res.Outcomes[1].Result)

		events, err := f.store.ListByChain(ctx, f.offer.ChainRootID)
		require.NoError(t, err)
		assert.Len(t, events, 2)
	})

	t.Run("nothing satisfied leaves version alone", func(t *testing.T) {
		f := newFixture(t)
		res, err := f.tracker.EvaluateRules(context.Background(), EvaluateCommand{
			OfferID: f.offer.ID,
			ActorID: "seller-1",
			Facts:   json.RawMessage(`{"revenue": 10, "headcount": 2}`),
		})
		require.NoError(t, err)
		assert.Equal(t, 1, res.Offer.Version)
		for _, o := range res.Outcomes {
			assert.Equal(t, OutcomeUnmet, o.Result)
		}
	})

	t.Run("facts must be an object", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.tracker.EvaluateRules(context.Background(), EvaluateCommand{
			OfferID: f.offer.ID,
			ActorID: "seller-1",
			Facts:   json.RawMessage(`"revenue"`),
		})
		require.ErrorIs(t, err, offer.ErrValidation)
	})
}

func intPtr(v int) *int { return &v }
