package scheduler

import (
	"context"
	"iter"
	"time"

	"github.com/google/uuid"

	"github.com/dealflow/offer-engine/internal/domain/offer"
)

// DeadlineType names the date a deadline is derived from.
type DeadlineType string

const (
	DeadlineResponse        DeadlineType = "response"
	DeadlineDueDiligenceEnd DeadlineType = "due_diligence_end"
	DeadlineFinancingEnd    DeadlineType = "financing_end"
	DeadlineClosing         DeadlineType = "closing"
)

const (
	deadlinePageSize = 50
	day              = 24 * time.Hour
)

// Deadline is one upcoming or overdue date on an offer.
type Deadline struct {
	OfferID      uuid.UUID    `json:"offerId"`
	DeadlineType DeadlineType `json:"deadlineType"`
	DueAt        time.Time    `json:"dueAt"`
	IsOverdue    bool         `json:"isOverdue"`
}

// UpcomingDeadlines lazily walks the party's open and accepted offers and
// yields every deadline due within withinDays, overdue ones included.
// Pages are read from the store only as the caller consumes the sequence.
func (s *Scheduler) UpcomingDeadlines(ctx context.Context, partyID string, withinDays int) iter.Seq2[Deadline, error] {
	return func(yield func(Deadline, error) bool) {
		if partyID == "" {
			yield(Deadline{}, offer.Validationf("party id is required"))
			return
		}
		if withinDays < 0 {
			yield(Deadline{}, offer.Validationf("withinDays must not be negative"))
			return
		}
		now := s.engine.Now()
		horizon := now.Add(time.Duration(withinDays) * day)
		filter := offer.Filter{
			PartyID:  &partyID,
			Statuses: append(append([]offer.Status(nil), offer.LiveStatuses...), offer.StatusAccepted),
		}
		for offset := 0; ; offset += deadlinePageSize {
			if err := ctx.Err(); err != nil {
				yield(Deadline{}, err)
				return
			}
			page, err := s.offers.List(ctx, filter, deadlinePageSize, offset)
			if err != nil {
				yield(Deadline{}, err)
				return
			}
			for _, o := range page {
				for _, d := range deadlinesOf(o, now) {
					if d.DueAt.After(horizon) {
						continue
					}
					if !yield(d, nil) {
						return
					}
				}
			}
			if len(page) < deadlinePageSize {
				return
			}
		}
	}
}

func deadlinesOf(o *offer.Offer, now time.Time) []Deadline {
	var out []Deadline
	add := func(t DeadlineType, at time.Time) {
		out = append(out, Deadline{OfferID: o.ID, DeadlineType: t, DueAt: at, IsOverdue: now.After(at)})
	}
	if o.Status.IsLive() {
		add(DeadlineResponse, o.ExpiresAt)
	}
	if o.DueDiligencePeriodDays > 0 {
		add(DeadlineDueDiligenceEnd, o.SubmittedAt.AddDate(0, 0, o.DueDiligencePeriodDays))
	}
	if o.FinancingPeriodDays > 0 {
		add(DeadlineFinancingEnd, o.SubmittedAt.AddDate(0, 0, o.FinancingPeriodDays))
	}
	if o.ClosingDate != nil {
		add(DeadlineClosing, *o.ClosingDate)
	}
	return out
}
