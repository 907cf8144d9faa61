package negotiation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	domainNegotiation "github.com/dealflow/offer-engine/internal/domain/negotiation"
	"github.com/dealflow/offer-engine/internal/domain/offer"
)

// DefaultResponseWindow applies when an offer carries no explicit expiresAt.
const DefaultResponseWindow = 72 * time.Hour

// SystemActor is recorded for transitions the engine makes on its own.
const SystemActor = "system"

// ListingDirectory resolves the seller of a listing.
type ListingDirectory interface {
	SellerOf(ctx context.Context, listingID string) (string, error)
}

// EventPublisher receives ledger events after they are committed.
type EventPublisher interface {
	PublishEvent(ev *domainNegotiation.Event, recipients []string)
}

// Option configures an Engine.
type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithResponseWindow(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.responseWindow = d
		}
	}
}

func WithListingDirectory(dir ListingDirectory) Option {
	return func(e *Engine) { e.listings = dir }
}

func WithPublisher(p EventPublisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// Engine validates and commits every offer state change together with its
// ledger event. It holds no offer state of its own.
type Engine struct {
	offers         offer.Repository
	ledger         domainNegotiation.Repository
	listings       ListingDirectory
	publisher      EventPublisher
	now            func() time.Time
	responseWindow time.Duration
	logger         zerolog.Logger
}

// NewEngine creates a transition engine.
func NewEngine(offers offer.Repository, ledger domainNegotiation.Repository, logger zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		offers:         offers,
		ledger:         ledger,
		now:            func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
		responseWindow: DefaultResponseWindow,
		logger:         logger.With().Str("service", "negotiation").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Now exposes the engine clock to collaborators that share it.
func (e *Engine) Now() time.Time {
	return e.now()
}

// SubmitOffer creates the first offer of a new chain.
func (e *Engine) SubmitOffer(ctx context.Context, cmd SubmitCommand) (*offer.Offer, error) {
	now := e.now()
	id := uuid.New()
	o := &offer.Offer{
		ID:                     id,
		ListingID:              strings.TrimSpace(cmd.ListingID),
		ChainRootID:            id,
		Version:                1,
		BuyerID:                strings.TrimSpace(cmd.BuyerID),
		SellerID:               strings.TrimSpace(cmd.SellerID),
		CreatedBy:              strings.TrimSpace(cmd.ActorID),
		OfferPrice:             cmd.OfferPrice,
		Currency:               cmd.Currency,
		Payment:                offer.Payment{PaymentStructure: cmd.Payment},
		Conditions:             normalizeConditions(cmd.Conditions),
		Contingencies:          normalizeContingencies(cmd.Contingencies),
		SubmittedAt:            now,
		ExpiresAt:              now.Add(e.responseWindow),
		ClosingDate:            cmd.ClosingDate,
		DueDiligencePeriodDays: cmd.DueDiligencePeriodDays,
		FinancingPeriodDays:    cmd.FinancingPeriodDays,
		Status:                 offer.StatusSubmitted,
		RequiresApproval:       cmd.RequiresApproval,
		Approvals:              cmd.Approvals,
		UpdatedAt:              now,
		UpdatedBy:              strings.TrimSpace(cmd.ActorID),
	}
	if cmd.ExpiresAt != nil {
		o.ExpiresAt = cmd.ExpiresAt.UTC()
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}
	if err := e.checkListing(ctx, o); err != nil {
		return nil, err
	}

	m := &offer.Mutation{Creates: []*offer.Offer{o}}
	ev, err := e.commit(ctx, o.ChainRootID, m, domainNegotiation.Draft{
		OfferID:     o.ID,
		Type:        domainNegotiation.EventOfferSubmitted,
		ActorID:     o.CreatedBy,
		Description: fmt.Sprintf("offer of %s %s submitted", o.OfferPrice.String(), o.Currency),
	}, now)
	if err != nil {
		return nil, err
	}
	e.publish(ev, o)

	e.logger.Info().
		Str("offer_id", o.ID.String()).
		Str("listing_id", o.ListingID).
		Str("created_by", o.CreatedBy).
		Msg("offer submitted")
	return o, nil
}

// BeginReview marks a submitted offer as being reviewed by the counterparty.
func (e *Engine) BeginReview(ctx context.Context, cmd TransitionCommand) (*offer.Offer, error) {
	return e.transition(ctx, cmd, offer.StatusUnderReview, domainNegotiation.EventReviewStarted, e.requireCounterparty, "review started")
}

// AcceptOffer closes the chain with an agreement.
func (e *Engine) AcceptOffer(ctx context.Context, cmd TransitionCommand) (*offer.Offer, error) {
	return e.transition(ctx, cmd, offer.StatusAccepted, domainNegotiation.EventAcceptance, func(o *offer.Offer, actor string) error {
		if err := e.requireCounterparty(o, actor); err != nil {
			return err
		}
		if o.RequiresApproval && !o.RequiredConditionsMet() {
			return fmt.Errorf("%w: required conditions are not all satisfied or waived", offer.ErrPreconditionFailed)
		}
		return nil
	}, "offer accepted")
}

// RejectOffer closes the chain without agreement.
func (e *Engine) RejectOffer(ctx context.Context, cmd TransitionCommand) (*offer.Offer, error) {
	return e.transition(ctx, cmd, offer.StatusRejected, domainNegotiation.EventRejection, e.requireCounterparty, "offer rejected")
}

// WithdrawOffer lets the author pull a live offer.
func (e *Engine) WithdrawOffer(ctx context.Context, cmd TransitionCommand) (*offer.Offer, error) {
	return e.transition(ctx, cmd, offer.StatusWithdrawn, domainNegotiation.EventWithdrawal, func(o *offer.Offer, actor string) error {
		if actor != o.CreatedBy {
			return fmt.Errorf("%w: only %s may withdraw this offer", offer.ErrUnauthorized, o.CreatedBy)
		}
		return nil
	}, "offer withdrawn")
}

// ExpireOffer marks a live offer whose response deadline passed as expired.
func (e *Engine) ExpireOffer(ctx context.Context, offerID uuid.UUID, expectedVersion int) (*offer.Offer, error) {
	now := e.now()
	o, err := e.load(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if o.Version != expectedVersion {
		return nil, staleVersion(o, expectedVersion)
	}
	if !o.CanTransitionTo(offer.StatusExpired) {
		return nil, offer.TransitionError(o.Status, offer.StatusExpired)
	}
	if !o.IsPastDeadline(now) {
		return nil, fmt.Errorf("%w: offer %s is due at %s", offer.ErrPreconditionFailed, o.ID, o.ExpiresAt.Format(time.RFC3339))
	}
	return e.applyTransition(ctx, o, SystemActor, "", offer.StatusExpired, domainNegotiation.EventExpiration, "response deadline passed", now)
}

type authorizer func(o *offer.Offer, actor string) error

func (e *Engine) transition(ctx context.Context, cmd TransitionCommand, target offer.Status, evType domainNegotiation.EventType, authorize authorizer, msg string) (*offer.Offer, error) {
	now := e.now()
	actor := strings.TrimSpace(cmd.ActorID)
	o, err := e.load(ctx, cmd.OfferID)
	if err != nil {
		return nil, err
	}
	if err := e.checkTransition(o, cmd.ExpectedVersion, target, now); err != nil {
		return nil, err
	}
	if err := authorize(o, actor); err != nil {
		return nil, err
	}
	return e.applyTransition(ctx, o, actor, cmd.Reason, target, evType, msg, now)
}

func (e *Engine) applyTransition(ctx context.Context, o *offer.Offer, actor, reason string, target offer.Status, evType domainNegotiation.EventType, msg string, now time.Time) (*offer.Offer, error) {
	expected := o.Version
	from := o.Status
	if err := o.TransitionTo(target, actor, now); err != nil {
		return nil, err
	}
	desc := msg
	if reason != "" {
		desc = msg + ": " + reason
	}
	m := &offer.Mutation{Updates: []offer.VersionedUpdate{{Offer: o, ExpectedVersion: expected}}}
	ev, err := e.commit(ctx, o.ChainRootID, m, domainNegotiation.Draft{
		OfferID:     o.ID,
		Type:        evType,
		ActorID:     actor,
		Description: desc,
		Changes:     []domainNegotiation.Change{{Field: "status", OldValue: string(from), NewValue: string(target), Reason: reason}},
	}, now)
	if err != nil {
		return nil, err
	}
	e.publish(ev, o)

	e.logger.Info().
		Str("offer_id", o.ID.String()).
		Str("chain_root_id", o.ChainRootID.String()).
		Str("actor", actor).
		Str("status", string(target)).
		Int("version", o.Version).
		Msg(msg)
	return o, nil
}

// CounterOffer closes the parent and opens a new offer with the given changes.
func (e *Engine) CounterOffer(ctx context.Context, cmd CounterCommand) (*offer.Offer, error) {
	now := e.now()
	actor := strings.TrimSpace(cmd.ActorID)
	parent, err := e.load(ctx, cmd.ParentID)
	if err != nil {
		return nil, err
	}
	if err := e.checkTransition(parent, cmd.ExpectedVersion, offer.StatusCountered, now); err != nil {
		return nil, err
	}
	if err := e.requireCounterparty(parent, actor); err != nil {
		return nil, err
	}

	child, changes := buildCounter(parent, cmd.Changes, actor, now, e.responseWindow)
	for i := range changes {
		changes[i].Reason = cmd.Reason
	}
	if err := child.Validate(); err != nil {
		return nil, err
	}

	expected := parent.Version
	if err := parent.TransitionTo(offer.StatusCountered, actor, now); err != nil {
		return nil, err
	}
	desc := "counter offer"
	if cmd.Reason != "" {
		desc += ": " + cmd.Reason
	}
	m := &offer.Mutation{
		Creates: []*offer.Offer{child},
		Updates: []offer.VersionedUpdate{{Offer: parent, ExpectedVersion: expected}},
	}
	ev, err := e.commit(ctx, parent.ChainRootID, m, domainNegotiation.Draft{
		OfferID:     child.ID,
		Type:        domainNegotiation.EventCounterOffer,
		ActorID:     actor,
		Description: desc,
		Changes:     changes,
	}, now)
	if err != nil {
		return nil, err
	}
	e.publish(ev, child)

	e.logger.Info().
		Str("offer_id", child.ID.String()).
		Str("parent_offer_id", parent.ID.String()).
		Str("chain_root_id", child.ChainRootID.String()).
		Int("version", child.Version).
		Msg("counter offer submitted")
	return child, nil
}

// AddComment records an informational comment. It never touches offer state.
func (e *Engine) AddComment(ctx context.Context, cmd CommentCommand) (*offer.Comment, error) {
	now := e.now()
	author := strings.TrimSpace(cmd.AuthorID)
	content := strings.TrimSpace(cmd.Content)
	if content == "" {
		return nil, offer.Validationf("comment content is required")
	}
	o, err := e.load(ctx, cmd.OfferID)
	if err != nil {
		return nil, err
	}
	if !o.IsParty(author) {
		return nil, fmt.Errorf("%w: %s is not a party to offer %s", offer.ErrUnauthorized, author, o.ID)
	}
	c := &offer.Comment{
		ID:          uuid.New(),
		OfferID:     o.ID,
		ChainRootID: o.ChainRootID,
		AuthorID:    author,
		Content:     content,
		Timestamp:   now.Truncate(time.Microsecond),
		IsPrivate:   cmd.IsPrivate,
	}
	desc := content
	if c.IsPrivate {
		desc = "private comment"
	}
	m := &offer.Mutation{Comments: []*offer.Comment{c}}
	ev, err := e.commit(ctx, o.ChainRootID, m, domainNegotiation.Draft{
		OfferID:     o.ID,
		Type:        domainNegotiation.EventComment,
		ActorID:     author,
		Description: desc,
	}, now)
	if err != nil {
		return nil, err
	}
	if c.IsPrivate {
		e.publishTo(ev, []string{author})
	} else {
		e.publish(ev, o)
	}
	return c, nil
}

// ListComments returns the comments viewer may see: every public comment and
// the viewer's own private ones.
func (e *Engine) ListComments(ctx context.Context, offerID uuid.UUID, viewer string) ([]*offer.Comment, error) {
	if _, err := e.load(ctx, offerID); err != nil {
		return nil, err
	}
	all, err := e.offers.ListComments(ctx, offerID)
	if err != nil {
		return nil, err
	}
	out := make([]*offer.Comment, 0, len(all))
	for _, c := range all {
		if c.IsPrivate && c.AuthorID != viewer {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// GetOffer returns one offer.
func (e *Engine) GetOffer(ctx context.Context, offerID uuid.UUID) (*offer.Offer, error) {
	return e.load(ctx, offerID)
}

// ListOffers returns offers matching filter, newest first.
func (e *Engine) ListOffers(ctx context.Context, filter offer.Filter, limit, offset int) ([]*offer.Offer, error) {
	return e.offers.List(ctx, filter, limit, offset)
}

// CommitUpdate persists a versioned change made by a collaborator (such as
// the condition tracker) together with its ledger event.
func (e *Engine) CommitUpdate(ctx context.Context, o *offer.Offer, expectedVersion int, draft domainNegotiation.Draft) error {
	m := &offer.Mutation{Updates: []offer.VersionedUpdate{{Offer: o, ExpectedVersion: expectedVersion}}}
	ev, err := e.commit(ctx, o.ChainRootID, m, draft, e.now())
	if err != nil {
		return err
	}
	e.publish(ev, o)
	return nil
}

// CheckMutable guards sub-entity updates: only live offers inside their
// response window may change. Expiry is reported ahead of a stale version.
func (e *Engine) CheckMutable(o *offer.Offer, expectedVersion *int) error {
	if err := e.checkExpiry(o, e.now()); err != nil {
		return err
	}
	if !o.Status.IsLive() {
		return fmt.Errorf("%w: offer %s is %s", offer.ErrInvalidTransition, o.ID, o.Status)
	}
	if expectedVersion != nil && *expectedVersion != o.Version {
		return staleVersion(o, *expectedVersion)
	}
	return nil
}

func (e *Engine) checkTransition(o *offer.Offer, expectedVersion *int, target offer.Status, now time.Time) error {
	if err := e.checkExpiry(o, now); err != nil {
		return err
	}
	if expectedVersion != nil && *expectedVersion != o.Version {
		return staleVersion(o, *expectedVersion)
	}
	if !o.CanTransitionTo(target) {
		return offer.TransitionError(o.Status, target)
	}
	return nil
}

// checkExpiry reports expired offers and live offers past their deadline.
func (e *Engine) checkExpiry(o *offer.Offer, now time.Time) error {
	if o.Status == offer.StatusExpired {
		return expired(o)
	}
	if o.Status.IsLive() && o.IsPastDeadline(now) {
		return expired(o)
	}
	return nil
}

func (e *Engine) requireCounterparty(o *offer.Offer, actor string) error {
	if actor == "" || actor != o.Counterparty() {
		return fmt.Errorf("%w: only %s may respond to offer %s", offer.ErrUnauthorized, o.Counterparty(), o.ID)
	}
	return nil
}

func (e *Engine) checkListing(ctx context.Context, o *offer.Offer) error {
	if e.listings == nil {
		return nil
	}
	seller, err := e.listings.SellerOf(ctx, o.ListingID)
	if err != nil {
		if errors.Is(err, offer.ErrNotFound) {
			return offer.Validationf("unknown listing %s", o.ListingID)
		}
		return err
	}
	if seller != o.SellerID {
		return offer.Validationf("seller %s does not own listing %s", o.SellerID, o.ListingID)
	}
	return nil
}

func (e *Engine) load(ctx context.Context, offerID uuid.UUID) (*offer.Offer, error) {
	o, err := e.offers.GetByID(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, fmt.Errorf("%w: offer %s", offer.ErrNotFound, offerID)
	}
	return o, nil
}

func (e *Engine) commit(ctx context.Context, chainRootID uuid.UUID, m *offer.Mutation, draft domainNegotiation.Draft, now time.Time) (*domainNegotiation.Event, error) {
	prev, err := e.ledger.Latest(ctx, chainRootID)
	if err != nil {
		return nil, err
	}
	ev, err := domainNegotiation.Next(chainRootID, prev, draft, now)
	if err != nil {
		return nil, err
	}
	m.Events = append(m.Events, ev)
	if err := e.offers.Commit(ctx, m); err != nil {
		if errors.Is(err, offer.ErrConcurrentModification) {
			e.logger.Debug().Err(err).Str("chain_root_id", chainRootID.String()).Msg("commit lost race")
		}
		return nil, err
	}
	return ev, nil
}

func (e *Engine) publish(ev *domainNegotiation.Event, o *offer.Offer) {
	e.publishTo(ev, []string{o.BuyerID, o.SellerID})
}

func (e *Engine) publishTo(ev *domainNegotiation.Event, recipients []string) {
	if e.publisher == nil || ev == nil {
		return
	}
	e.publisher.PublishEvent(ev, recipients)
}

func expired(o *offer.Offer) error {
	return fmt.Errorf("%w: offer %s expired at %s", offer.ErrExpired, o.ID, o.ExpiresAt.Format(time.RFC3339))
}

func staleVersion(o *offer.Offer, expected int) error {
	return fmt.Errorf("%w: offer %s is at version %d, request expected %d", offer.ErrConcurrentModification, o.ID, o.Version, expected)
}

func normalizeConditions(in []offer.Condition) []offer.Condition {
	out := make([]offer.Condition, 0, len(in))
	for _, c := range in {
		if c.Status == "" {
			c.Status = offer.ConditionPending
		}
		out = append(out, c)
	}
	return out
}

func normalizeContingencies(in []offer.Contingency) []offer.Contingency {
	out := make([]offer.Contingency, 0, len(in))
	for _, c := range in {
		if c.Status == "" {
			c.Status = offer.ContingencyPending
		}
		c.Deadline = c.Deadline.UTC()
		out = append(out, c)
	}
	return out
}
