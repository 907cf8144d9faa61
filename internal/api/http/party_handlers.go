package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	appScheduler "github.com/dealflow/offer-engine/internal/application/scheduler"
	"github.com/dealflow/offer-engine/internal/domain/offer"
	"github.com/dealflow/offer-engine/internal/infrastructure/sse"
)

const defaultDeadlineWindowDays = 30

// listPartyOffers is the dashboard index: every offer where the party is buyer or seller.
func (s *Server) listPartyOffers(w http.ResponseWriter, r *http.Request) {
	partyID := strings.TrimSpace(chi.URLParam(r, "partyId"))
	statuses, err := parseStatuses(r.URL.Query().Get("status"))
	if err != nil {
		s.respondDomainError(w, r, err)
		return
	}
	limit, offset := parseLimitOffset(r, 100, 500)
	offers, err := s.engine.ListOffers(r.Context(), offer.Filter{PartyID: &partyID, Statuses: statuses}, limit, offset)
	if err != nil {
		s.respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"party_id": partyID, "offers": offers})
}

func (s *Server) upcomingDeadlines(w http.ResponseWriter, r *http.Request) {
	partyID := strings.TrimSpace(chi.URLParam(r, "partyId"))
	within := defaultDeadlineWindowDays
	if raw := strings.TrimSpace(r.URL.Query().Get("within_days")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			respondInvalid(w, "within_days must be an integer")
			return
		}
		within = v
	}
	deadlines := []appScheduler.Deadline{}
	for d, err := range s.scheduler.UpcomingDeadlines(r.Context(), partyID, within) {
		if err != nil {
			s.respondDomainError(w, r, err)
			return
		}
		deadlines = append(deadlines, d)
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"party_id": partyID, "deadlines": deadlines})
}

// partyStream streams committed ledger events and deadline reminders
// addressed to the party.
func (s *Server) partyStream(w http.ResponseWriter, r *http.Request) {
	partyID := strings.TrimSpace(chi.URLParam(r, "partyId"))
	if partyID == "" {
		respondInvalid(w, "partyId required")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, string(offer.KindInternal), "streaming not supported")
		return
	}
	client := sse.NewClient(partyID)
	s.sseHub.Register(client)
	defer s.sseHub.Unregister(client.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	// Send an initial comment to flush headers and keep the connection alive.
	_, _ = w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case msg, open := <-client.MessageChan:
			if !open {
				return
			}
			payload, err := json.Marshal(msg.Data)
			if err != nil {
				s.logger.Warn().Err(err).Str("party_id", partyID).Msg("encode stream message")
				continue
			}
			_, _ = w.Write([]byte("event: " + msg.Type + "\ndata: "))
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}
