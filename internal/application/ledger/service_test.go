package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/dealflow/offer-engine/internal/domain/negotiation"
	"github.com/dealflow/offer-engine/internal/domain/negotiation/mocks"
	"github.com/dealflow/offer-engine/internal/domain/offer"
)

func buildChain(t *testing.T, root uuid.UUID, n int) []*negotiation.Event {
	t.Helper()
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	var (
		prev   *negotiation.Event
		events []*negotiation.Event
	)
	for i := 0; i < n; i++ {
		ev, err := negotiation.Next(root, prev, negotiation.Draft{
			OfferID: root,
			Type:    negotiation.EventComment,
			ActorID: "buyer-1",
		}, start.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
		events = append(events, ev)
		prev = ev
	}
	return events
}

func TestService_History(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	repo := mocks.NewMockRepository(ctrl)
	svc := NewService(repo, zerolog.Nop())
	root := uuid.New()
	chain := buildChain(t, root, 3)

	repo.EXPECT().ListByChain(gomock.Any(), root).Return(chain, nil)
	events, err := svc.History(context.Background(), root)
	require.NoError(t, err)
	assert.Len(t, events, 3)

	missing := uuid.New()
	repo.EXPECT().ListByChain(gomock.Any(), missing).Return(nil, nil)
	_, err = svc.History(context.Background(), missing)
	assert.ErrorIs(t, err, offer.ErrNotFound)

	boom := errors.New("connection reset")
	repo.EXPECT().ListByChain(gomock.Any(), root).Return(nil, boom)
	_, err = svc.History(context.Background(), root)
	assert.ErrorIs(t, err, boom)
}

func TestService_OfferHistory(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	repo := mocks.NewMockRepository(ctrl)
	svc := NewService(repo, zerolog.Nop())
	root := uuid.New()
	chain := buildChain(t, root, 2)
	other, err := negotiation.Next(root, chain[1], negotiation.Draft{OfferID: uuid.New(), Type: negotiation.EventCounterOffer, ActorID: "seller-1"}, chain[1].Timestamp)
	require.NoError(t, err)
	chain = append(chain, other)

	repo.EXPECT().ListByChain(gomock.Any(), root).Return(chain, nil)
	events, err := svc.OfferHistory(context.Background(), root, root)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestService_Verify(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	repo := mocks.NewMockRepository(ctrl)
	svc := NewService(repo, zerolog.Nop())
	root := uuid.New()

	intact := buildChain(t, root, 4)
	repo.EXPECT().ListByChain(gomock.Any(), root).Return(intact, nil)
	v, err := svc.Verify(context.Background(), root)
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.Equal(t, 4, v.Events)

	tampered := buildChain(t, root, 4)
	tampered[2].Description = "edited"
	repo.EXPECT().ListByChain(gomock.Any(), root).Return(tampered, nil)
	v, err = svc.Verify(context.Background(), root)
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.Equal(t, int64(3), v.BrokenAt)
	assert.NotEmpty(t, v.Reason)
}
