package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	appComparison "github.com/dealflow/offer-engine/internal/application/comparison"
	appConditions "github.com/dealflow/offer-engine/internal/application/conditions"
	appLedger "github.com/dealflow/offer-engine/internal/application/ledger"
	appNegotiation "github.com/dealflow/offer-engine/internal/application/negotiation"
	appScheduler "github.com/dealflow/offer-engine/internal/application/scheduler"
	"github.com/dealflow/offer-engine/internal/domain/offer"
	"github.com/dealflow/offer-engine/internal/infrastructure/sse"
)

// Server holds dependencies for HTTP handlers.
type Server struct {
	engine     *appNegotiation.Engine
	tracker    *appConditions.Tracker
	ledger     *appLedger.Service
	comparison *appComparison.Service
	scheduler  *appScheduler.Scheduler
	sseHub     *sse.Hub
	logger     zerolog.Logger
}

func NewServer(
	engine *appNegotiation.Engine,
	tracker *appConditions.Tracker,
	ledger *appLedger.Service,
	comparison *appComparison.Service,
	scheduler *appScheduler.Scheduler,
	sseHub *sse.Hub,
	logger zerolog.Logger,
) *Server {
	return &Server{
		engine:     engine,
		tracker:    tracker,
		ledger:     ledger,
		comparison: comparison,
		scheduler:  scheduler,
		sseHub:     sseHub,
		logger:     logger.With().Str("component", "http").Logger(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthz)

	r.Route("/v1", func(r chi.Router) {
		// Streams stay open past the request timeout.
		r.Get("/parties/{partyId}/stream", s.partyStream)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			r.Route("/offers", func(r chi.Router) {
				r.Post("/", s.submitOffer)
				r.Route("/{offerId}", func(r chi.Router) {
					r.Get("/", s.getOffer)
					r.Post("/review", s.beginReview)
					r.Post("/counter", s.counterOffer)
					r.Post("/accept", s.acceptOffer)
					r.Post("/reject", s.rejectOffer)
					r.Post("/withdraw", s.withdrawOffer)

					r.Get("/comments", s.listComments)
					r.Post("/comments", s.addComment)

					r.Put("/conditions/{conditionId}", s.updateCondition)
					r.Post("/conditions/evaluate", s.evaluateConditions)
					r.Put("/contingencies/{contingencyId}", s.updateContingency)

					// offerId names the chain root on history routes.
					r.Get("/history", s.chainHistory)
					r.Get("/history/verify", s.verifyChain)
				})
			})

			r.Route("/listings/{listingId}/offers", func(r chi.Router) {
				r.Get("/", s.listListingOffers)
				r.Get("/compare", s.compareOffers)
			})

			r.Route("/parties/{partyId}", func(r chi.Router) {
				r.Get("/offers", s.listPartyOffers)
				r.Get("/deadlines", s.upcomingDeadlines)
			})
		})
	})

	return r
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]interface{}{
		"error":   code,
		"message": message,
	})
}

// respondDomainError maps an error chain to its stable code and status.
func (s *Server) respondDomainError(w http.ResponseWriter, r *http.Request, err error) {
	kind := offer.KindOf(err)
	status := statusOf(kind)
	message := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error().
			Err(err).
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("path", r.URL.Path).
			Msg("request failed")
		message = "internal error"
	}
	respondError(w, status, string(kind), message)
}

func statusOf(kind offer.Kind) int {
	switch kind {
	case offer.KindValidation, offer.KindCrossListing:
		return http.StatusBadRequest
	case offer.KindNotFound:
		return http.StatusNotFound
	case offer.KindInvalidTransition, offer.KindConcurrentModification:
		return http.StatusConflict
	case offer.KindExpired:
		return http.StatusGone
	case offer.KindUnauthorized:
		return http.StatusForbidden
	case offer.KindPreconditionFailed:
		return http.StatusPreconditionFailed
	}
	return http.StatusInternalServerError
}

func respondInvalid(w http.ResponseWriter, message string) {
	respondError(w, http.StatusBadRequest, string(offer.KindValidation), message)
}

// respondOffer writes the offer with its version as the entity tag, so
// clients can echo it back in If-Match.
func respondOffer(w http.ResponseWriter, status int, o *offer.Offer) {
	w.Header().Set("ETag", strconv.Quote(strconv.Itoa(o.Version)))
	respondJSON(w, status, o)
}

func parseUUIDParam(r *http.Request, key string) (uuid.UUID, error) {
	val := chi.URLParam(r, key)
	return uuid.Parse(val)
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// actorFromRequest prefers the actor named in the body over the X-Actor header.
func actorFromRequest(r *http.Request, bodyActor string) string {
	if actor := strings.TrimSpace(bodyActor); actor != "" {
		return actor
	}
	return strings.TrimSpace(r.Header.Get("X-Actor"))
}

// expectedVersion reads the optimistic version from the body or If-Match.
func expectedVersion(r *http.Request, body *int) (*int, error) {
	if body != nil {
		return body, nil
	}
	raw := strings.TrimSpace(r.Header.Get("If-Match"))
	if raw == "" {
		return nil, nil
	}
	raw = strings.TrimPrefix(raw, "W/")
	if unquoted, err := strconv.Unquote(raw); err == nil {
		raw = unquoted
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return nil, errors.New("If-Match must carry an offer version")
	}
	return &v, nil
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := []string{}
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseStatuses(raw string) ([]offer.Status, error) {
	var out []offer.Status
	for _, v := range splitCSV(raw) {
		st, err := offer.ParseStatus(v)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func parseLimitOffset(r *http.Request, defaultLimit, maxLimit int) (int, int) {
	limit := defaultLimit
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if l, err := strconv.Atoi(v); err == nil {
			limit = l
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if o, err := strconv.Atoi(v); err == nil {
			offset = o
		}
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
