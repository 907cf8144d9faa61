package httpapi

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/dealflow/offer-engine/internal/domain/negotiation"
)

func (s *Server) chainHistory(w http.ResponseWriter, r *http.Request) {
	chainRootID, err := parseUUIDParam(r, "offerId")
	if err != nil {
		respondInvalid(w, "invalid chainRootId")
		return
	}
	var events []*negotiation.Event
	if raw := strings.TrimSpace(r.URL.Query().Get("offer_id")); raw != "" {
		offerID, perr := uuid.Parse(raw)
		if perr != nil {
			respondInvalid(w, "invalid offer_id")
			return
		}
		events, err = s.ledger.OfferHistory(r.Context(), chainRootID, offerID)
	} else {
		events, err = s.ledger.History(r.Context(), chainRootID)
	}
	if err != nil {
		s.respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"chain_root_id": chainRootID, "events": events})
}

func (s *Server) verifyChain(w http.ResponseWriter, r *http.Request) {
	chainRootID, err := parseUUIDParam(r, "offerId")
	if err != nil {
		respondInvalid(w, "invalid chainRootId")
		return
	}
	v, err := s.ledger.Verify(r.Context(), chainRootID)
	if err != nil {
		s.respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, v)
}
