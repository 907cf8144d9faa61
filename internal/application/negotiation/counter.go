package negotiation

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"

	domainNegotiation "github.com/dealflow/offer-engine/internal/domain/negotiation"
	"github.com/dealflow/offer-engine/internal/domain/offer"
)

// buildCounter derives the child offer from parent and records each field it changes.
func buildCounter(parent *offer.Offer, ch CounterChanges, actor string, now time.Time, window time.Duration) (*offer.Offer, []domainNegotiation.Change) {
	child := parent.Clone()
	parentID := parent.ID
	child.ID = uuid.New()
	child.ParentOfferID = &parentID
	child.ChainRootID = parent.ChainRootID
	child.Version = parent.Version + 1
	child.CreatedBy = actor
	child.Status = offer.StatusSubmitted
	child.SubmittedAt = now
	child.ExpiresAt = now.Add(window)
	child.Approvals = nil
	child.UpdatedAt = now
	child.UpdatedBy = actor

	var changes []domainNegotiation.Change
	record := func(field, oldV, newV string) {
		if oldV != newV {
			changes = append(changes, domainNegotiation.Change{Field: field, OldValue: oldV, NewValue: newV})
		}
	}

	if ch.OfferPrice != nil {
		child.OfferPrice = *ch.OfferPrice
		record("offerPrice", parent.OfferPrice.String(), child.OfferPrice.String())
	}
	if ch.Currency != nil {
		child.Currency = *ch.Currency
		record("currency", parent.Currency, child.Currency)
	}
	if ch.Payment != nil {
		child.Payment = offer.Payment{PaymentStructure: ch.Payment}
		record("paymentStructure", paymentString(parent.Payment), paymentString(child.Payment))
	}
	if ch.Conditions != nil {
		child.Conditions = normalizeConditions(ch.Conditions)
		record("conditions", jsonString(parent.Conditions), jsonString(child.Conditions))
	}
	if ch.Contingencies != nil {
		child.Contingencies = normalizeContingencies(ch.Contingencies)
		record("contingencies", jsonString(parent.Contingencies), jsonString(child.Contingencies))
	}
	if ch.ExpiresAt != nil {
		child.ExpiresAt = ch.ExpiresAt.UTC()
	}
	if ch.ClosingDate != nil {
		d := ch.ClosingDate.UTC()
		child.ClosingDate = &d
		record("closingDate", timeString(parent.ClosingDate), timeString(child.ClosingDate))
	}
	if ch.DueDiligencePeriodDays != nil {
		child.DueDiligencePeriodDays = *ch.DueDiligencePeriodDays
		record("dueDiligencePeriodDays", strconv.Itoa(parent.DueDiligencePeriodDays), strconv.Itoa(child.DueDiligencePeriodDays))
	}
	if ch.FinancingPeriodDays != nil {
		child.FinancingPeriodDays = *ch.FinancingPeriodDays
		record("financingPeriodDays", strconv.Itoa(parent.FinancingPeriodDays), strconv.Itoa(child.FinancingPeriodDays))
	}
	if ch.RequiresApproval != nil {
		child.RequiresApproval = *ch.RequiresApproval
		record("requiresApproval", strconv.FormatBool(parent.RequiresApproval), strconv.FormatBool(child.RequiresApproval))
	}
	return child, changes
}

func paymentString(p offer.Payment) string {
	return jsonString(p)
}

func jsonString(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func timeString(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
