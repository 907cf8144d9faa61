package comparison

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appNegotiation "github.com/dealflow/offer-engine/internal/application/negotiation"
	"github.com/dealflow/offer-engine/internal/domain/offer"
	"github.com/dealflow/offer-engine/internal/infrastructure/memory"
)

type seeder struct {
	t      *testing.T
	engine *appNegotiation.Engine
	now    time.Time
}

func (s seeder) submit(listing, buyer, currency string, price int64, payment offer.PaymentStructure, ddDays int) *offer.Offer {
	s.t.Helper()
	expires := s.now.AddDate(0, 0, 10)
	o, err := s.engine.SubmitOffer(context.Background(), appNegotiation.SubmitCommand{
		ListingID:              listing,
		BuyerID:                buyer,
		SellerID:               "seller-1",
		ActorID:                buyer,
		OfferPrice:             decimal.NewFromInt(price),
		Currency:               currency,
		Payment:                payment,
		ExpiresAt:              &expires,
		DueDiligencePeriodDays: ddDays,
	})
	require.NoError(s.t, err)
	return o
}

func setup(t *testing.T) (*Service, *memory.Store, seeder) {
	t.Helper()
	store := memory.NewStore()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	engine := appNegotiation.NewEngine(store, store, zerolog.Nop(), appNegotiation.WithClock(func() time.Time { return now }))
	return NewService(store, zerolog.Nop()), store, seeder{t: t, engine: engine, now: now}
}

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func TestService_Compare(t *testing.T) {
	svc, store, seed := setup(t)
	ctx := context.Background()

	mixed, err := offer.NewMixed(dec(500000), dec(350000))
	require.NoError(t, err)
	cash, err := offer.NewCash(dec(900000))
	require.NoError(t, err)
	financed, err := offer.NewFinanced(dec(800000))
	require.NoError(t, err)

	a := seed.submit("listing-1", "buyer-a", "EUR", 850000, mixed, 30)
	b := seed.submit("listing-1", "buyer-b", "EUR", 900000, cash, 45)
	c := seed.submit("listing-1", "buyer-c", "EUR", 800000, financed, 14)
	eventsBefore, err := store.ListByChain(ctx, a.ChainRootID)
	require.NoError(t, err)

	got, err := svc.Compare(ctx, "listing-1", []uuid.UUID{a.ID, b.ID, c.ID, a.ID})
	require.NoError(t, err)

	assert.True(t, dec(900000).Equal(got.HighestOffer))
	assert.True(t, dec(800000).Equal(got.LowestOffer))
	assert.True(t, dec(850000).Equal(got.AverageOffer))
	assert.Equal(t, "EUR", got.Currency)
	require.Len(t, got.Rows, 3)
	assert.Equal(t, "0.5882", got.Rows[0].CashRatio.String())
	assert.Equal(t, offer.PaymentMixed, got.Rows[0].PaymentKind)
	assert.Equal(t, 30, got.Rows[0].DaysToClose)

	assert.Equal(t, b.ID, got.MostFavorableOfferID)
	assert.Equal(t, "900000 EUR cash, 100% cash at closing, closes in 45 days", got.MostFavorableTerms)

	after, err := store.GetByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, after.Version)
	eventsAfter, err := store.ListByChain(ctx, a.ChainRootID)
	require.NoError(t, err)
	assert.Len(t, eventsAfter, len(eventsBefore))
}

func TestService_CompareTieBreaks(t *testing.T) {
	svc, _, seed := setup(t)
	cashA, err := offer.NewCash(dec(700000))
	require.NoError(t, err)
	cashB, err := offer.NewCash(dec(700000))
	require.NoError(t, err)

	slow := seed.submit("listing-1", "buyer-a", "EUR", 700000, cashA, 60)
	fast := seed.submit("listing-1", "buyer-b", "EUR", 700000, cashB, 20)

	got, err := svc.Compare(context.Background(), "listing-1", []uuid.UUID{slow.ID, fast.ID})
	require.NoError(t, err)
	assert.Equal(t, fast.ID, got.MostFavorableOfferID)
}

func TestService_CompareErrors(t *testing.T) {
	svc, _, seed := setup(t)
	cash, err := offer.NewCash(dec(500000))
	require.NoError(t, err)

	eur := seed.submit("listing-1", "buyer-a", "EUR", 500000, cash, 0)
	usd := seed.submit("listing-1", "buyer-b", "USD", 500000, cash, 0)
	other := seed.submit("listing-2", "buyer-c", "EUR", 500000, cash, 0)

	tests := map[string]struct {
		listing string
		ids     []uuid.UUID
		wantErr error
	}{
		"no ids":         {listing: "listing-1", wantErr: offer.ErrValidation},
		"no listing":     {ids: []uuid.UUID{eur.ID}, wantErr: offer.ErrValidation},
		"unknown offer":  {listing: "listing-1", ids: []uuid.UUID{eur.ID, uuid.New()}, wantErr: offer.ErrNotFound},
		"cross listing":  {listing: "listing-1", ids: []uuid.UUID{eur.ID, other.ID}, wantErr: offer.ErrCrossListing},
		"mixed currency": {listing: "listing-1", ids: []uuid.UUID{eur.ID, usd.ID}, wantErr: offer.ErrValidation},
		"wrong listing":  {listing: "listing-2", ids: []uuid.UUID{eur.ID}, wantErr: offer.ErrCrossListing},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := svc.Compare(context.Background(), tc.listing, tc.ids)
			require.ErrorIs(t, err, tc.wantErr)
		})
	}
}
