package offer

import (
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status represents offer lifecycle status.
type Status string

const (
	StatusDraft       Status = "draft"
	StatusSubmitted   Status = "submitted"
	StatusUnderReview Status = "under_review"
	StatusCountered   Status = "countered"
	StatusAccepted    Status = "accepted"
	StatusRejected    Status = "rejected"
	StatusWithdrawn   Status = "withdrawn"
	StatusExpired     Status = "expired"
)

// Drafts stay with the authoring party; offers enter the engine as submitted,
// so draft is a recognised status with no transitions of its own here.
var transitions = map[Status][]Status{
	StatusDraft:       {},
	StatusSubmitted:   {StatusUnderReview, StatusCountered, StatusAccepted, StatusRejected, StatusWithdrawn, StatusExpired},
	StatusUnderReview: {StatusCountered, StatusAccepted, StatusRejected, StatusWithdrawn, StatusExpired},
	StatusCountered:   {},
	StatusAccepted:    {},
	StatusRejected:    {},
	StatusWithdrawn:   {},
	StatusExpired:     {},
}

// ParseStatus validates a status string.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := transitions[st]; !ok {
		return "", Validationf("unknown status %q", s)
	}
	return st, nil
}

// IsTerminal reports whether the offer reached an end state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCountered, StatusAccepted, StatusRejected, StatusWithdrawn, StatusExpired:
		return true
	}
	return false
}

// IsLive reports whether the offer still awaits a response.
func (s Status) IsLive() bool {
	return s == StatusSubmitted || s == StatusUnderReview
}

// LiveStatuses are the statuses the deadline scan and dashboards care about.
var LiveStatuses = []Status{StatusSubmitted, StatusUnderReview}

// Type is derived from the offer's position in its chain.
type Type string

const (
	TypeInitial Type = "initial"
	TypeCounter Type = "counter"
	TypeFinal   Type = "final"
)

// ConditionStatus tracks a condition's resolution.
type ConditionStatus string

const (
	ConditionPending   ConditionStatus = "pending"
	ConditionSatisfied ConditionStatus = "satisfied"
	ConditionFailed    ConditionStatus = "failed"
	ConditionWaived    ConditionStatus = "waived"
)

// ContingencyStatus tracks a contingency's resolution.
type ContingencyStatus string

const (
	ContingencyPending   ContingencyStatus = "pending"
	ContingencySatisfied ContingencyStatus = "satisfied"
	ContingencyFailed    ContingencyStatus = "failed"
)

func ParseConditionStatus(s string) (ConditionStatus, error) {
	switch st := ConditionStatus(strings.ToLower(strings.TrimSpace(s))); st {
	case ConditionPending, ConditionSatisfied, ConditionFailed, ConditionWaived:
		return st, nil
	}
	return "", Validationf("unknown condition status %q", s)
}

func ParseContingencyStatus(s string) (ContingencyStatus, error) {
	switch st := ContingencyStatus(strings.ToLower(strings.TrimSpace(s))); st {
	case ContingencyPending, ContingencySatisfied, ContingencyFailed:
		return st, nil
	}
	return "", Validationf("unknown contingency status %q", s)
}

// Condition is a term that must hold before the deal closes.
type Condition struct {
	ID          string          `json:"id"`
	Description string          `json:"description"`
	IsRequired  bool            `json:"isRequired"`
	Status      ConditionStatus `json:"status"`
	EvidenceRef string          `json:"evidenceRef,omitempty"`

	// Rule is an optional boolean expression over supplied facts, e.g. "revenue >= 1000000".
	Rule string `json:"rule,omitempty"`
}

// Contingency is an event-dependent term with its own deadline.
type Contingency struct {
	ID               string            `json:"id"`
	Description      string            `json:"description"`
	Deadline         time.Time         `json:"deadline"`
	ResponsibleParty string            `json:"responsibleParty"`
	Status           ContingencyStatus `json:"status"`
}

// Approval records a party sign-off carried on the offer.
type Approval struct {
	PartyID    string    `json:"partyId"`
	Role       string    `json:"role"`
	ApprovedAt time.Time `json:"approvedAt"`
}

// Offer is one version of a proposal within a negotiation chain.
type Offer struct {
	ID            uuid.UUID  `json:"offerId"`
	ListingID     string     `json:"listingId"`
	ParentOfferID *uuid.UUID `json:"parentOfferId,omitempty"`
	ChainRootID   uuid.UUID  `json:"chainRootId"`
	Version       int        `json:"version"`

	BuyerID   string `json:"buyerId"`
	SellerID  string `json:"sellerId"`
	CreatedBy string `json:"createdBy"`

	OfferPrice decimal.Decimal `json:"offerPrice"`
	Currency   string          `json:"currency"`
	Payment    Payment         `json:"paymentStructure"`

	Conditions    []Condition   `json:"conditions"`
	Contingencies []Contingency `json:"contingencies"`

	SubmittedAt            time.Time  `json:"submittedAt"`
	ExpiresAt              time.Time  `json:"expiresAt"`
	ClosingDate            *time.Time `json:"closingDate,omitempty"`
	DueDiligencePeriodDays int        `json:"dueDiligencePeriodDays"`
	FinancingPeriodDays    int        `json:"financingPeriodDays"`

	Status           Status     `json:"status"`
	RequiresApproval bool       `json:"requiresApproval"`
	Approvals        []Approval `json:"approvals,omitempty"`

	UpdatedAt time.Time `json:"updatedAt"`
	UpdatedBy string    `json:"updatedBy"`
}

// Type derives the offer type from chain position and status.
func (o *Offer) Type() Type {
	if o.Status == StatusAccepted {
		return TypeFinal
	}
	if o.ParentOfferID != nil {
		return TypeCounter
	}
	return TypeInitial
}

// CanTransitionTo validates offer status transition.
func (o *Offer) CanTransitionTo(target Status) bool {
	for _, s := range transitions[o.Status] {
		if s == target {
			return true
		}
	}
	return false
}

// TransitionTo moves the offer to target, bumping its version.
func (o *Offer) TransitionTo(target Status, actor string, at time.Time) error {
	if !o.CanTransitionTo(target) {
		return TransitionError(o.Status, target)
	}
	o.Status = target
	o.touch(actor, at)
	return nil
}

func (o *Offer) touch(actor string, at time.Time) {
	o.Version++
	o.UpdatedAt = at
	o.UpdatedBy = actor
}

// IsParty reports whether partyID is the buyer or seller.
func (o *Offer) IsParty(partyID string) bool {
	return partyID != "" && (partyID == o.BuyerID || partyID == o.SellerID)
}

// Counterparty returns the party expected to respond to this offer.
func (o *Offer) Counterparty() string {
	if o.CreatedBy == o.BuyerID {
		return o.SellerID
	}
	return o.BuyerID
}

// IsPastDeadline reports whether now is beyond the response deadline.
func (o *Offer) IsPastDeadline(now time.Time) bool {
	return now.After(o.ExpiresAt)
}

// FindCondition returns the index of the condition with id, or -1.
func (o *Offer) FindCondition(id string) int {
	for i := range o.Conditions {
		if o.Conditions[i].ID == id {
			return i
		}
	}
	return -1
}

// FindContingency returns the index of the contingency with id, or -1.
func (o *Offer) FindContingency(id string) int {
	for i := range o.Contingencies {
		if o.Contingencies[i].ID == id {
			return i
		}
	}
	return -1
}

// SetConditionStatus updates one condition and bumps the version.
func (o *Offer) SetConditionStatus(id string, status ConditionStatus, evidenceRef, actor string, at time.Time) (ConditionStatus, error) {
	i := o.FindCondition(id)
	if i < 0 {
		return "", ErrNotFound
	}
	prev := o.Conditions[i].Status
	o.Conditions[i].Status = status
	if evidenceRef != "" {
		o.Conditions[i].EvidenceRef = evidenceRef
	}
	o.touch(actor, at)
	return prev, nil
}

// SetContingencyStatus updates one contingency and bumps the version.
func (o *Offer) SetContingencyStatus(id string, status ContingencyStatus, actor string, at time.Time) (ContingencyStatus, error) {
	i := o.FindContingency(id)
	if i < 0 {
		return "", ErrNotFound
	}
	prev := o.Contingencies[i].Status
	o.Contingencies[i].Status = status
	o.touch(actor, at)
	return prev, nil
}

// RequiredConditionsMet is true when every required condition is satisfied or waived.
func (o *Offer) RequiredConditionsMet() bool {
	for _, c := range o.Conditions {
		if !c.IsRequired {
			continue
		}
		if c.Status != ConditionSatisfied && c.Status != ConditionWaived {
			return false
		}
	}
	return true
}

// Clone returns a deep copy.
func (o *Offer) Clone() *Offer {
	cp := *o
	if o.ParentOfferID != nil {
		id := *o.ParentOfferID
		cp.ParentOfferID = &id
	}
	if o.ClosingDate != nil {
		d := *o.ClosingDate
		cp.ClosingDate = &d
	}
	cp.Conditions = append([]Condition(nil), o.Conditions...)
	cp.Contingencies = append([]Contingency(nil), o.Contingencies...)
	cp.Approvals = append([]Approval(nil), o.Approvals...)
	if e, ok := o.Payment.PaymentStructure.(Earnout); ok {
		e.Milestones = append([]Milestone(nil), e.Milestones...)
		cp.Payment = Payment{e}
	}
	return &cp
}

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// Validate checks the offer's standalone invariants.
func (o *Offer) Validate() error {
	if strings.TrimSpace(o.ListingID) == "" {
		return Validationf("listingId is required")
	}
	if o.BuyerID == "" || o.SellerID == "" {
		return Validationf("buyerId and sellerId are required")
	}
	if o.BuyerID == o.SellerID {
		return Validationf("buyer and seller must differ")
	}
	if !o.IsParty(o.CreatedBy) {
		return Validationf("author %q is neither buyer nor seller", o.CreatedBy)
	}
	if !o.OfferPrice.IsPositive() {
		return Validationf("offerPrice must be positive")
	}
	if err := checkCents("offerPrice", o.OfferPrice); err != nil {
		return err
	}
	if !currencyPattern.MatchString(o.Currency) {
		return Validationf("currency %q is not an ISO 4217 code", o.Currency)
	}
	if err := ValidatePayment(o.Payment.PaymentStructure, o.OfferPrice); err != nil {
		return err
	}
	if !o.ExpiresAt.After(o.SubmittedAt) {
		return Validationf("expiresAt must be after submittedAt")
	}
	if o.ClosingDate != nil && !o.ClosingDate.After(o.SubmittedAt) {
		return Validationf("closingDate must be after submittedAt")
	}
	if o.DueDiligencePeriodDays < 0 || o.FinancingPeriodDays < 0 {
		return Validationf("period days cannot be negative")
	}
	seen := map[string]struct{}{}
	for _, c := range o.Conditions {
		if c.ID == "" || c.Description == "" {
			return Validationf("condition id and description are required")
		}
		if _, dup := seen[c.ID]; dup {
			return Validationf("duplicate condition id %q", c.ID)
		}
		seen[c.ID] = struct{}{}
		if _, err := ParseConditionStatus(string(c.Status)); err != nil {
			return err
		}
	}
	seen = map[string]struct{}{}
	for _, c := range o.Contingencies {
		if c.ID == "" || c.Description == "" {
			return Validationf("contingency id and description are required")
		}
		if _, dup := seen[c.ID]; dup {
			return Validationf("duplicate contingency id %q", c.ID)
		}
		seen[c.ID] = struct{}{}
		if c.Deadline.IsZero() {
			return Validationf("contingency %q needs a deadline", c.ID)
		}
		if _, err := ParseContingencyStatus(string(c.Status)); err != nil {
			return err
		}
	}
	return nil
}

// DaysToClose estimates calendar days from submission to closing.
// An explicit closing date wins; otherwise the longer of the due diligence
// and financing periods is used.
func (o *Offer) DaysToClose() int {
	if o.ClosingDate != nil {
		d := int(o.ClosingDate.Sub(o.SubmittedAt).Hours() / 24)
		if d < 0 {
			return 0
		}
		return d
	}
	return max(o.DueDiligencePeriodDays, o.FinancingPeriodDays)
}
