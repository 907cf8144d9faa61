package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	appConditions "github.com/dealflow/offer-engine/internal/application/conditions"
)

type statusUpdateRequest struct {
	Status          string `json:"status"`
	EvidenceRef     string `json:"evidence_ref"`
	ActorID         string `json:"actor_id"`
	ExpectedVersion *int   `json:"expected_version"`
}

type evaluateRequest struct {
	Facts           json.RawMessage `json:"facts"`
	ActorID         string          `json:"actor_id"`
	ExpectedVersion *int            `json:"expected_version"`
}

func (s *Server) updateCondition(w http.ResponseWriter, r *http.Request) {
	cmd, ok := s.statusUpdate(w, r, "conditionId")
	if !ok {
		return
	}
	o, err := s.tracker.UpdateConditionStatus(r.Context(), cmd)
	if err != nil {
		s.respondDomainError(w, r, err)
		return
	}
	respondOffer(w, http.StatusOK, o)
}

func (s *Server) updateContingency(w http.ResponseWriter, r *http.Request) {
	cmd, ok := s.statusUpdate(w, r, "contingencyId")
	if !ok {
		return
	}
	o, err := s.tracker.UpdateContingencyStatus(r.Context(), cmd)
	if err != nil {
		s.respondDomainError(w, r, err)
		return
	}
	respondOffer(w, http.StatusOK, o)
}

func (s *Server) statusUpdate(w http.ResponseWriter, r *http.Request, itemParam string) (appConditions.UpdateCommand, bool) {
	id, err := parseUUIDParam(r, "offerId")
	if err != nil {
		respondInvalid(w, "invalid offerId")
		return appConditions.UpdateCommand{}, false
	}
	var req statusUpdateRequest
	if err := decodeBody(r, &req); err != nil {
		respondInvalid(w, err.Error())
		return appConditions.UpdateCommand{}, false
	}
	expected, err := expectedVersion(r, req.ExpectedVersion)
	if err != nil {
		respondInvalid(w, err.Error())
		return appConditions.UpdateCommand{}, false
	}
	return appConditions.UpdateCommand{
		OfferID:         id,
		ItemID:          chi.URLParam(r, itemParam),
		Status:          req.Status,
		EvidenceRef:     req.EvidenceRef,
		ActorID:         actorFromRequest(r, req.ActorID),
		ExpectedVersion: expected,
	}, true
}

func (s *Server) evaluateConditions(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "offerId")
	if err != nil {
		respondInvalid(w, "invalid offerId")
		return
	}
	var req evaluateRequest
	if err := decodeBody(r, &req); err != nil {
		respondInvalid(w, err.Error())
		return
	}
	expected, err := expectedVersion(r, req.ExpectedVersion)
	if err != nil {
		respondInvalid(w, err.Error())
		return
	}
	res, err := s.tracker.EvaluateRules(r.Context(), appConditions.EvaluateCommand{
		OfferID:         id,
		ActorID:         actorFromRequest(r, req.ActorID),
		Facts:           req.Facts,
		ExpectedVersion: expected,
	})
	if err != nil {
		s.respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}
