package offer

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// PaymentKind names a payment structure variant.
type PaymentKind string

const (
	PaymentCash     PaymentKind = "cash"
	PaymentFinanced PaymentKind = "financed"
	PaymentMixed    PaymentKind = "mixed"
	PaymentEarnout  PaymentKind = "earnout"
	PaymentStock    PaymentKind = "stock"
)

// PaymentStructure is one of Cash, Financed, Mixed, Earnout or Stock.
type PaymentStructure interface {
	Kind() PaymentKind
	// Total is the amount the structure pays in full; it must equal the offer price.
	Total() decimal.Decimal
	// Upfront is the cash component paid at closing.
	Upfront() decimal.Decimal
	check() error
}

type Cash struct {
	Amount decimal.Decimal `json:"amount"`
}

type Financed struct {
	Amount decimal.Decimal `json:"amount"`
}

type Mixed struct {
	CashAmount     decimal.Decimal `json:"cashAmount"`
	FinancedAmount decimal.Decimal `json:"financedAmount"`
}

// Milestone is a deferred earnout tranche.
type Milestone struct {
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	DueMonth    int             `json:"dueMonth"`
}

type Earnout struct {
	TotalAmount    decimal.Decimal `json:"totalAmount"`
	DurationMonths int             `json:"durationMonths"`
	Milestones     []Milestone     `json:"milestones"`
}

type Stock struct {
	Shares        int64           `json:"shares"`
	PricePerShare decimal.Decimal `json:"pricePerShare"`
	CashAmount    decimal.Decimal `json:"cashAmount"`
}

func NewCash(amount decimal.Decimal) (Cash, error) {
	p := Cash{Amount: amount}
	return p, p.check()
}

func NewFinanced(amount decimal.Decimal) (Financed, error) {
	p := Financed{Amount: amount}
	return p, p.check()
}

func NewMixed(cashAmount, financedAmount decimal.Decimal) (Mixed, error) {
	p := Mixed{CashAmount: cashAmount, FinancedAmount: financedAmount}
	return p, p.check()
}

func NewEarnout(total decimal.Decimal, durationMonths int, milestones []Milestone) (Earnout, error) {
	p := Earnout{TotalAmount: total, DurationMonths: durationMonths, Milestones: append([]Milestone(nil), milestones...)}
	return p, p.check()
}

func NewStock(shares int64, pricePerShare, cashAmount decimal.Decimal) (Stock, error) {
	p := Stock{Shares: shares, PricePerShare: pricePerShare, CashAmount: cashAmount}
	return p, p.check()
}

func (Cash) Kind() PaymentKind              { return PaymentCash }
func (p Cash) Total() decimal.Decimal       { return p.Amount }
func (p Cash) Upfront() decimal.Decimal     { return p.Amount }
func (Financed) Kind() PaymentKind          { return PaymentFinanced }
func (p Financed) Total() decimal.Decimal   { return p.Amount }
func (p Financed) Upfront() decimal.Decimal { return decimal.Zero }
func (Mixed) Kind() PaymentKind             { return PaymentMixed }
func (p Mixed) Total() decimal.Decimal      { return p.CashAmount.Add(p.FinancedAmount) }
func (p Mixed) Upfront() decimal.Decimal    { return p.CashAmount }
func (Earnout) Kind() PaymentKind           { return PaymentEarnout }
func (p Earnout) Total() decimal.Decimal    { return p.TotalAmount }
func (Stock) Kind() PaymentKind             { return PaymentStock }
func (p Stock) Upfront() decimal.Decimal    { return p.CashAmount }

func (p Earnout) Upfront() decimal.Decimal {
	return p.TotalAmount.Sub(p.deferred())
}

func (p Earnout) deferred() decimal.Decimal {
	sum := decimal.Zero
	for _, m := range p.Milestones {
		sum = sum.Add(m.Amount)
	}
	return sum
}

func (p Stock) Total() decimal.Decimal {
	return decimal.NewFromInt(p.Shares).Mul(p.PricePerShare).Add(p.CashAmount)
}

func (p Cash) check() error {
	if !p.Amount.IsPositive() {
		return Validationf("cash amount must be positive")
	}
	return checkCents("cash amount", p.Amount)
}

func (p Financed) check() error {
	if !p.Amount.IsPositive() {
		return Validationf("financed amount must be positive")
	}
	return checkCents("financed amount", p.Amount)
}

func (p Mixed) check() error {
	if !p.CashAmount.IsPositive() || !p.FinancedAmount.IsPositive() {
		return Validationf("mixed payment needs positive cash and financed amounts")
	}
	if err := checkCents("cash amount", p.CashAmount); err != nil {
		return err
	}
	return checkCents("financed amount", p.FinancedAmount)
}

func (p Earnout) check() error {
	if !p.TotalAmount.IsPositive() {
		return Validationf("earnout total must be positive")
	}
	if err := checkCents("earnout total", p.TotalAmount); err != nil {
		return err
	}
	if p.DurationMonths <= 0 {
		return Validationf("earnout duration must be positive")
	}
	for i, m := range p.Milestones {
		if !m.Amount.IsPositive() {
			return Validationf("milestone %d amount must be positive", i)
		}
		if err := checkCents(fmt.Sprintf("milestone %d amount", i), m.Amount); err != nil {
			return err
		}
		if m.DueMonth < 1 || m.DueMonth > p.DurationMonths {
			return Validationf("milestone %d due month %d outside 1..%d", i, m.DueMonth, p.DurationMonths)
		}
	}
	if p.deferred().GreaterThan(p.TotalAmount) {
		return Validationf("milestones exceed earnout total")
	}
	return nil
}

func (p Stock) check() error {
	if p.Shares <= 0 {
		return Validationf("stock shares must be positive")
	}
	if !p.PricePerShare.IsPositive() {
		return Validationf("price per share must be positive")
	}
	if p.CashAmount.IsNegative() {
		return Validationf("stock cash component cannot be negative")
	}
	return checkCents("stock cash component", p.CashAmount)
}

// ValidatePayment checks the variant's own rules and that it pays exactly price.
func ValidatePayment(p PaymentStructure, price decimal.Decimal) error {
	if p == nil {
		return Validationf("payment structure is required")
	}
	if err := checkCents("offer price", price); err != nil {
		return err
	}
	if err := p.check(); err != nil {
		return err
	}
	if !p.Total().Equal(price) {
		return Validationf("%s payment totals %s, offer price is %s", p.Kind(), p.Total().String(), price.String())
	}
	return nil
}

// checkCents rejects amounts finer than a cent; stored prices keep two decimals.
func checkCents(name string, v decimal.Decimal) error {
	if !v.Equal(v.Round(2)) {
		return Validationf("%s %s has more than 2 decimal places", name, v.String())
	}
	return nil
}

// CashRatio is the share of price paid in cash at closing.
func CashRatio(p PaymentStructure) decimal.Decimal {
	if p == nil || !p.Total().IsPositive() {
		return decimal.Zero
	}
	return p.Upfront().Div(p.Total())
}

// Payment carries a PaymentStructure through JSON as {"kind": ..., fields...}.
type Payment struct {
	PaymentStructure
}

func (p Payment) MarshalJSON() ([]byte, error) {
	if p.PaymentStructure == nil {
		return []byte("null"), nil
	}
	body, err := json.Marshal(p.PaymentStructure)
	if err != nil {
		return nil, err
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	kind, _ := json.Marshal(p.Kind())
	fields["kind"] = kind
	return json.Marshal(fields)
}

func (p *Payment) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		p.PaymentStructure = nil
		return nil
	}
	var head struct {
		Kind PaymentKind `json:"kind"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	var (
		v   PaymentStructure
		err error
	)
	switch head.Kind {
	case PaymentCash:
		v, err = decodeVariant[Cash](data)
	case PaymentFinanced:
		v, err = decodeVariant[Financed](data)
	case PaymentMixed:
		v, err = decodeVariant[Mixed](data)
	case PaymentEarnout:
		v, err = decodeVariant[Earnout](data)
	case PaymentStock:
		v, err = decodeVariant[Stock](data)
	default:
		return Validationf("unknown payment kind %q", head.Kind)
	}
	if err != nil {
		return fmt.Errorf("decode %s payment: %w", head.Kind, err)
	}
	p.PaymentStructure = v
	return nil
}

func decodeVariant[T PaymentStructure](data []byte) (T, error) {
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return out, err
	}
	return out, nil
}
