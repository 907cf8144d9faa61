package negotiation

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/dealflow/offer-engine/internal/domain/offer"
)

// SubmitCommand carries a new initial offer.
type SubmitCommand struct {
	ListingID              string
	BuyerID                string
	SellerID               string
	ActorID                string
	OfferPrice             decimal.Decimal
	Currency               string
	Payment                offer.PaymentStructure
	Conditions             []offer.Condition
	Contingencies          []offer.Contingency
	ExpiresAt              *time.Time
	ClosingDate            *time.Time
	DueDiligencePeriodDays int
	FinancingPeriodDays    int
	RequiresApproval       bool
	Approvals              []offer.Approval
}

// CounterChanges lists the terms a counter offer overrides. Nil fields are
// copied from the parent; an empty non-nil slice clears the list.
type CounterChanges struct {
	OfferPrice             *decimal.Decimal
	Currency               *string
	Payment                offer.PaymentStructure
	Conditions             []offer.Condition
	Contingencies          []offer.Contingency
	ExpiresAt              *time.Time
	ClosingDate            *time.Time
	DueDiligencePeriodDays *int
	FinancingPeriodDays    *int
	RequiresApproval       *bool
}

// CounterCommand answers ParentID with a new offer in the same chain.
type CounterCommand struct {
	ParentID        uuid.UUID
	ActorID         string
	Changes         CounterChanges
	Reason          string
	ExpectedVersion *int
}

// TransitionCommand drives accept, reject, withdraw and review.
type TransitionCommand struct {
	OfferID         uuid.UUID
	ActorID         string
	Reason          string
	ExpectedVersion *int
}

// CommentCommand attaches a comment to an offer.
type CommentCommand struct {
	OfferID   uuid.UUID
	AuthorID  string
	Content   string
	IsPrivate bool
}
