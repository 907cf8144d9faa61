package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	appNegotiation "github.com/dealflow/offer-engine/internal/application/negotiation"
	"github.com/dealflow/offer-engine/internal/domain/offer"
)

type offerSubmitRequest struct {
	ListingID              string              `json:"listing_id"`
	BuyerID                string              `json:"buyer_id"`
	SellerID               string              `json:"seller_id"`
	ActorID                string              `json:"actor_id"`
	OfferPrice             decimal.Decimal     `json:"offer_price"`
	Currency               string              `json:"currency"`
	PaymentStructure       *offer.Payment      `json:"payment_structure"`
	Conditions             []offer.Condition   `json:"conditions"`
	Contingencies          []offer.Contingency `json:"contingencies"`
	ExpiresAt              *time.Time          `json:"expires_at"`
	ClosingDate            *time.Time          `json:"closing_date"`
	DueDiligencePeriodDays int                 `json:"due_diligence_period_days"`
	FinancingPeriodDays    int                 `json:"financing_period_days"`
	RequiresApproval       bool                `json:"requires_approval"`
	Approvals              []offer.Approval    `json:"approvals"`
}

type offerCounterRequest struct {
	ActorID                string              `json:"actor_id"`
	Reason                 string              `json:"reason"`
	ExpectedVersion        *int                `json:"expected_version"`
	OfferPrice             *decimal.Decimal    `json:"offer_price"`
	Currency               *string             `json:"currency"`
	PaymentStructure       *offer.Payment      `json:"payment_structure"`
	Conditions             []offer.Condition   `json:"conditions"`
	Contingencies          []offer.Contingency `json:"contingencies"`
	ExpiresAt              *time.Time          `json:"expires_at"`
	ClosingDate            *time.Time          `json:"closing_date"`
	DueDiligencePeriodDays *int                `json:"due_diligence_period_days"`
	FinancingPeriodDays    *int                `json:"financing_period_days"`
	RequiresApproval       *bool               `json:"requires_approval"`
}

type offerTransitionRequest struct {
	ActorID         string `json:"actor_id"`
	Reason          string `json:"reason"`
	ExpectedVersion *int   `json:"expected_version"`
}

type commentCreateRequest struct {
	AuthorID  string `json:"author_id"`
	Content   string `json:"content"`
	IsPrivate bool   `json:"is_private"`
}

func paymentOf(p *offer.Payment) offer.PaymentStructure {
	if p == nil {
		return nil
	}
	return p.PaymentStructure
}

func (s *Server) submitOffer(w http.ResponseWriter, r *http.Request) {
	var req offerSubmitRequest
	if err := decodeBody(r, &req); err != nil {
		respondInvalid(w, err.Error())
		return
	}
	o, err := s.engine.SubmitOffer(r.Context(), appNegotiation.SubmitCommand{
		ListingID:              req.ListingID,
		BuyerID:                req.BuyerID,
		SellerID:               req.SellerID,
		ActorID:                actorFromRequest(r, req.ActorID),
		OfferPrice:             req.OfferPrice,
		Currency:               req.Currency,
		Payment:                paymentOf(req.PaymentStructure),
		Conditions:             req.Conditions,
		Contingencies:          req.Contingencies,
		ExpiresAt:              req.ExpiresAt,
		ClosingDate:            req.ClosingDate,
		DueDiligencePeriodDays: req.DueDiligencePeriodDays,
		FinancingPeriodDays:    req.FinancingPeriodDays,
		RequiresApproval:       req.RequiresApproval,
		Approvals:              req.Approvals,
	})
	if err != nil {
		s.respondDomainError(w, r, err)
		return
	}
	respondOffer(w, http.StatusCreated, o)
}

func (s *Server) getOffer(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "offerId")
	if err != nil {
		respondInvalid(w, "invalid offerId")
		return
	}
	o, err := s.engine.GetOffer(r.Context(), id)
	if err != nil {
		s.respondDomainError(w, r, err)
		return
	}
	respondOffer(w, http.StatusOK, o)
}

func (s *Server) counterOffer(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "offerId")
	if err != nil {
		respondInvalid(w, "invalid offerId")
		return
	}
	var req offerCounterRequest
	if err := decodeBody(r, &req); err != nil {
		respondInvalid(w, err.Error())
		return
	}
	expected, err := expectedVersion(r, req.ExpectedVersion)
	if err != nil {
		respondInvalid(w, err.Error())
		return
	}
	child, err := s.engine.CounterOffer(r.Context(), appNegotiation.CounterCommand{
		ParentID: id,
		ActorID:  actorFromRequest(r, req.ActorID),
		Changes: appNegotiation.CounterChanges{
			OfferPrice:             req.OfferPrice,
			Currency:               req.Currency,
			Payment:                paymentOf(req.PaymentStructure),
			Conditions:             req.Conditions,
			Contingencies:          req.Contingencies,
			ExpiresAt:              req.ExpiresAt,
			ClosingDate:            req.ClosingDate,
			DueDiligencePeriodDays: req.DueDiligencePeriodDays,
			FinancingPeriodDays:    req.FinancingPeriodDays,
			RequiresApproval:       req.RequiresApproval,
		},
		Reason:          req.Reason,
		ExpectedVersion: expected,
	})
	if err != nil {
		s.respondDomainError(w, r, err)
		return
	}
	respondOffer(w, http.StatusCreated, child)
}

type transitionFunc func(ctx context.Context, cmd appNegotiation.TransitionCommand) (*offer.Offer, error)

func (s *Server) beginReview(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.engine.BeginReview)
}

func (s *Server) acceptOffer(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.engine.AcceptOffer)
}

func (s *Server) rejectOffer(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.engine.RejectOffer)
}

func (s *Server) withdrawOffer(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.engine.WithdrawOffer)
}

func (s *Server) transition(w http.ResponseWriter, r *http.Request, apply transitionFunc) {
	id, err := parseUUIDParam(r, "offerId")
	if err != nil {
		respondInvalid(w, "invalid offerId")
		return
	}
	// The body is optional; header-only requests carry the actor and If-Match.
	var req offerTransitionRequest
	if err := decodeBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
		respondInvalid(w, err.Error())
		return
	}
	expected, err := expectedVersion(r, req.ExpectedVersion)
	if err != nil {
		respondInvalid(w, err.Error())
		return
	}
	o, err := apply(r.Context(), appNegotiation.TransitionCommand{
		OfferID:         id,
		ActorID:         actorFromRequest(r, req.ActorID),
		Reason:          req.Reason,
		ExpectedVersion: expected,
	})
	if err != nil {
		s.respondDomainError(w, r, err)
		return
	}
	respondOffer(w, http.StatusOK, o)
}

func (s *Server) addComment(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "offerId")
	if err != nil {
		respondInvalid(w, "invalid offerId")
		return
	}
	var req commentCreateRequest
	if err := decodeBody(r, &req); err != nil {
		respondInvalid(w, err.Error())
		return
	}
	c, err := s.engine.AddComment(r.Context(), appNegotiation.CommentCommand{
		OfferID:   id,
		AuthorID:  actorFromRequest(r, req.AuthorID),
		Content:   req.Content,
		IsPrivate: req.IsPrivate,
	})
	if err != nil {
		s.respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, c)
}

func (s *Server) listComments(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "offerId")
	if err != nil {
		respondInvalid(w, "invalid offerId")
		return
	}
	viewer := actorFromRequest(r, r.URL.Query().Get("viewer"))
	comments, err := s.engine.ListComments(r.Context(), id, viewer)
	if err != nil {
		s.respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"offer_id": id, "comments": comments})
}
