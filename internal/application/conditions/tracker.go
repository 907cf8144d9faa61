package conditions

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	appNegotiation "github.com/dealflow/offer-engine/internal/application/negotiation"
	domainNegotiation "github.com/dealflow/offer-engine/internal/domain/negotiation"
	"github.com/dealflow/offer-engine/internal/domain/offer"
)

// UpdateCommand changes the status of one condition or contingency.
type UpdateCommand struct {
	OfferID         uuid.UUID
	ItemID          string
	Status          string
	EvidenceRef     string
	ActorID         string
	ExpectedVersion *int
}

// EvaluateCommand runs condition rules against supplied facts.
type EvaluateCommand struct {
	OfferID         uuid.UUID
	ActorID         string
	Facts           json.RawMessage
	ExpectedVersion *int
}

// RuleOutcome reports what happened to one rule-bearing condition.
type RuleOutcome struct {
	ConditionID string `json:"conditionId"`
	Result      string `json:"result"`
	Detail      string `json:"detail,omitempty"`
}

const (
	OutcomeSatisfied = "satisfied"
	OutcomeUnmet     = "unmet"
	OutcomeMissing   = "missing_facts"
	OutcomeSkipped   = "skipped"
)

// EvaluateResult is the offer after evaluation plus a per-condition report.
type EvaluateResult struct {
	Offer    *offer.Offer  `json:"offer"`
	Outcomes []RuleOutcome `json:"outcomes"`
}

// Tracker owns condition and contingency status changes. Every change goes
// through the transition engine so it carries a version bump and a ledger event.
type Tracker struct {
	engine *appNegotiation.Engine
	logger zerolog.Logger
}

func NewTracker(engine *appNegotiation.Engine, logger zerolog.Logger) *Tracker {
	return &Tracker{
		engine: engine,
		logger: logger.With().Str("service", "conditions").Logger(),
	}
}

// UpdateConditionStatus sets a condition's status, optionally attaching evidence.
func (t *Tracker) UpdateConditionStatus(ctx context.Context, cmd UpdateCommand) (*offer.Offer, error) {
	status, err := offer.ParseConditionStatus(cmd.Status)
	if err != nil {
		return nil, err
	}
	actor := strings.TrimSpace(cmd.ActorID)
	o, err := t.loadMutable(ctx, cmd.OfferID, actor, cmd.ExpectedVersion)
	if err != nil {
		return nil, err
	}
	expected := o.Version
	prev, err := o.SetConditionStatus(cmd.ItemID, status, strings.TrimSpace(cmd.EvidenceRef), actor, t.engine.Now())
	if err != nil {
		return nil, fmt.Errorf("%w: condition %s on offer %s", offer.ErrNotFound, cmd.ItemID, o.ID)
	}
	err = t.engine.CommitUpdate(ctx, o, expected, domainNegotiation.Draft{
		OfferID:     o.ID,
		Type:        domainNegotiation.EventConditionUpdated,
		ActorID:     actor,
		Description: fmt.Sprintf("condition %s marked %s", cmd.ItemID, status),
		Changes: []domainNegotiation.Change{{
			Field:    "conditions." + cmd.ItemID + ".status",
			OldValue: string(prev),
			NewValue: string(status),
			Reason:   cmd.EvidenceRef,
		}},
	})
	if err != nil {
		return nil, err
	}

	t.logger.Info().
		Str("offer_id", o.ID.String()).
		Str("condition_id", cmd.ItemID).
		Str("status", string(status)).
		Str("actor", actor).
		Msg("condition updated")
	return o, nil
}

// UpdateContingencyStatus sets a contingency's status.
func (t *Tracker) UpdateContingencyStatus(ctx context.Context, cmd UpdateCommand) (*offer.Offer, error) {
	status, err := offer.ParseContingencyStatus(cmd.Status)
	if err != nil {
		return nil, err
	}
	actor := strings.TrimSpace(cmd.ActorID)
	o, err := t.loadMutable(ctx, cmd.OfferID, actor, cmd.ExpectedVersion)
	if err != nil {
		return nil, err
	}
	expected := o.Version
	prev, err := o.SetContingencyStatus(cmd.ItemID, status, actor, t.engine.Now())
	if err != nil {
		return nil, fmt.Errorf("%w: contingency %s on offer %s", offer.ErrNotFound, cmd.ItemID, o.ID)
	}
	err = t.engine.CommitUpdate(ctx, o, expected, domainNegotiation.Draft{
		OfferID:     o.ID,
		Type:        domainNegotiation.EventContingencyUpdated,
		ActorID:     actor,
		Description: fmt.Sprintf("contingency %s marked %s", cmd.ItemID, status),
		Changes: []domainNegotiation.Change{{
			Field:    "contingencies." + cmd.ItemID + ".status",
			OldValue: string(prev),
			NewValue: string(status),
		}},
	})
	if err != nil {
		return nil, err
	}

	t.logger.Info().
		Str("offer_id", o.ID.String()).
		Str("contingency_id", cmd.ItemID).
		Str("status", string(status)).
		Str("actor", actor).
		Msg("contingency updated")
	return o, nil
}

// AllRequiredConditionsSatisfied reports whether every required condition of
// the offer is satisfied or waived.
func (t *Tracker) AllRequiredConditionsSatisfied(ctx context.Context, offerID uuid.UUID) (bool, error) {
	o, err := t.engine.GetOffer(ctx, offerID)
	if err != nil {
		return false, err
	}
	return o.RequiredConditionsMet(), nil
}

// EvaluateRules checks every pending condition that carries a rule against
// facts. Conditions whose rule holds become satisfied in a single update.
// Rules never fail a condition; an unmet rule leaves it pending.
func (t *Tracker) EvaluateRules(ctx context.Context, cmd EvaluateCommand) (*EvaluateResult, error) {
	actor := strings.TrimSpace(cmd.ActorID)
	o, err := t.loadMutable(ctx, cmd.OfferID, actor, cmd.ExpectedVersion)
	if err != nil {
		return nil, err
	}
	if _, err := factParams(cmd.Facts); err != nil {
		return nil, offer.Validationf("facts must be a JSON object: %v", err)
	}

	expected := o.Version
	now := t.engine.Now()
	var (
		outcomes []RuleOutcome
		changes  []domainNegotiation.Change
	)
	for i := range o.Conditions {
		c := o.Conditions[i]
		if c.Rule == "" {
			continue
		}
		if c.Status != offer.ConditionPending {
			outcomes = append(outcomes, RuleOutcome{ConditionID: c.ID, Result: OutcomeSkipped, Detail: string(c.Status)})
			continue
		}
		ok, err := EvaluateRule(c.Rule, cmd.Facts)
		switch {
		case IsMissingFact(err):
			outcomes = append(outcomes, RuleOutcome{ConditionID: c.ID, Result: OutcomeMissing, Detail: err.Error()})
			continue
		case err != nil:
			return nil, offer.Validationf("condition %s rule: %v", c.ID, err)
		case !ok:
			outcomes = append(outcomes, RuleOutcome{ConditionID: c.ID, Result: OutcomeUnmet})
			continue
		}
		o.Conditions[i].Status = offer.ConditionSatisfied
		changes = append(changes, domainNegotiation.Change{
			Field:    "conditions." + c.ID + ".status",
			OldValue: string(offer.ConditionPending),
			NewValue: string(offer.ConditionSatisfied),
			Reason:   "rule: " + c.Rule,
		})
		outcomes = append(outcomes, RuleOutcome{ConditionID: c.ID, Result: OutcomeSatisfied})
	}

	if len(changes) == 0 {
		return &EvaluateResult{Offer: o, Outcomes: outcomes}, nil
	}

	o.Version++
	o.UpdatedAt = now
	o.UpdatedBy = actor
	err = t.engine.CommitUpdate(ctx, o, expected, domainNegotiation.Draft{
		OfferID:     o.ID,
		Type:        domainNegotiation.EventConditionUpdated,
		ActorID:     actor,
		Description: fmt.Sprintf("%d condition(s) satisfied by rule evaluation", len(changes)),
		Changes:     changes,
	})
	if err != nil {
		return nil, err
	}

	t.logger.Info().
		Str("offer_id", o.ID.String()).
		Int("satisfied", len(changes)).
		Msg("condition rules evaluated")
	return &EvaluateResult{Offer: o, Outcomes: outcomes}, nil
}

func (t *Tracker) loadMutable(ctx context.Context, offerID uuid.UUID, actor string, expectedVersion *int) (*offer.Offer, error) {
	o, err := t.engine.GetOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if err := t.engine.CheckMutable(o, expectedVersion); err != nil {
		return nil, err
	}
	if !o.IsParty(actor) {
		return nil, fmt.Errorf("%w: %s is not a party to offer %s", offer.ErrUnauthorized, actor, o.ID)
	}
	return o, nil
}
