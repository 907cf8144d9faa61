package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/dealflow/offer-engine/internal/domain/offer"
)

func (s *Server) listListingOffers(w http.ResponseWriter, r *http.Request) {
	listingID := strings.TrimSpace(chi.URLParam(r, "listingId"))
	statuses, err := parseStatuses(r.URL.Query().Get("status"))
	if err != nil {
		s.respondDomainError(w, r, err)
		return
	}
	limit, offset := parseLimitOffset(r, 100, 500)
	offers, err := s.engine.ListOffers(r.Context(), offer.Filter{ListingID: &listingID, Statuses: statuses}, limit, offset)
	if err != nil {
		s.respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"listing_id": listingID, "offers": offers})
}

func (s *Server) compareOffers(w http.ResponseWriter, r *http.Request) {
	listingID := strings.TrimSpace(chi.URLParam(r, "listingId"))
	var ids []uuid.UUID
	for _, raw := range splitCSV(r.URL.Query().Get("ids")) {
		id, err := uuid.Parse(raw)
		if err != nil {
			respondInvalid(w, "invalid offer id "+raw)
			return
		}
		ids = append(ids, id)
	}
	cmp, err := s.comparison.Compare(r.Context(), listingID, ids)
	if err != nil {
		s.respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, cmp)
}
