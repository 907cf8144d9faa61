package comparison

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/dealflow/offer-engine/internal/domain/offer"
)

// Row is the side-by-side view of one offer.
type Row struct {
	OfferID       uuid.UUID         `json:"offerId"`
	Version       int               `json:"version"`
	Type          offer.Type        `json:"type"`
	Status        offer.Status      `json:"status"`
	OfferPrice    decimal.Decimal   `json:"offerPrice"`
	PaymentKind   offer.PaymentKind `json:"paymentKind"`
	CashRatio     decimal.Decimal   `json:"cashRatio"`
	DaysToClose   int               `json:"daysToClose"`
	Conditions    int               `json:"conditions"`
	Contingencies int               `json:"contingencies"`
	ConditionsMet bool              `json:"conditionsMet"`
}

// Comparison summarises a set of offers on one listing.
type Comparison struct {
	ListingID            string          `json:"listingId"`
	Currency             string          `json:"currency"`
	HighestOffer         decimal.Decimal `json:"highestOffer"`
	LowestOffer          decimal.Decimal `json:"lowestOffer"`
	AverageOffer         decimal.Decimal `json:"averageOffer"`
	Rows                 []Row           `json:"rows"`
	MostFavorableOfferID uuid.UUID       `json:"mostFavorableOfferId"`
	MostFavorableTerms   string          `json:"mostFavorableTerms"`
}

type Service struct {
	offers offer.Repository
	logger zerolog.Logger
}

func NewService(offers offer.Repository, logger zerolog.Logger) *Service {
	return &Service{
		offers: offers,
		logger: logger.With().Str("service", "comparison").Logger(),
	}
}

// Compare reads the offers in one snapshot and ranks them. It never writes.
func (s *Service) Compare(ctx context.Context, listingID string, offerIDs []uuid.UUID) (*Comparison, error) {
	listingID = strings.TrimSpace(listingID)
	if listingID == "" {
		return nil, offer.Validationf("listing id is required")
	}
	ids := dedupe(offerIDs)
	if len(ids) == 0 {
		return nil, offer.Validationf("at least one offer id is required")
	}

	offers, err := s.offers.GetMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	if len(offers) != len(ids) {
		return nil, fmt.Errorf("%w: %s", offer.ErrNotFound, missing(ids, offers))
	}

	currency := offers[0].Currency
	for _, o := range offers {
		if o.ListingID != listingID {
			return nil, fmt.Errorf("%w: offer %s is on listing %s, not %s", offer.ErrCrossListing, o.ID, o.ListingID, listingID)
		}
		if o.Currency != currency {
			return nil, offer.Validationf("cannot compare %s with %s offers", currency, o.Currency)
		}
	}

	c := &Comparison{
		ListingID:    listingID,
		Currency:     currency,
		HighestOffer: offers[0].OfferPrice,
		LowestOffer:  offers[0].OfferPrice,
		Rows:         make([]Row, 0, len(offers)),
	}
	sum := decimal.Zero
	for _, o := range offers {
		if o.OfferPrice.GreaterThan(c.HighestOffer) {
			c.HighestOffer = o.OfferPrice
		}
		if o.OfferPrice.LessThan(c.LowestOffer) {
			c.LowestOffer = o.OfferPrice
		}
		sum = sum.Add(o.OfferPrice)
		c.Rows = append(c.Rows, rowOf(o))
	}
	c.AverageOffer = sum.Div(decimal.NewFromInt(int64(len(offers)))).Round(2)

	ranked := append([]Row(nil), c.Rows...)
	sort.SliceStable(ranked, func(i, j int) bool { return better(ranked[i], ranked[j]) })
	best := ranked[0]
	c.MostFavorableOfferID = best.OfferID
	c.MostFavorableTerms = terms(best, currency)

	s.logger.Debug().
		Str("listing_id", listingID).
		Int("offers", len(offers)).
		Str("most_favorable", best.OfferID.String()).
		Msg("offers compared")
	return c, nil
}

func rowOf(o *offer.Offer) Row {
	r := Row{
		OfferID:       o.ID,
		Version:       o.Version,
		Type:          o.Type(),
		Status:        o.Status,
		OfferPrice:    o.OfferPrice,
		CashRatio:     offer.CashRatio(o.Payment.PaymentStructure).Round(4),
		DaysToClose:   o.DaysToClose(),
		Conditions:    len(o.Conditions),
		Contingencies: len(o.Contingencies),
		ConditionsMet: o.RequiredConditionsMet(),
	}
	if o.Payment.PaymentStructure != nil {
		r.PaymentKind = o.Payment.Kind()
	}
	return r
}

// better orders by cash ratio desc, then days to close asc, then id.
func better(a, b Row) bool {
	if c := a.CashRatio.Cmp(b.CashRatio); c != 0 {
		return c > 0
	}
	if a.DaysToClose != b.DaysToClose {
		return a.DaysToClose < b.DaysToClose
	}
	return a.OfferID.String() < b.OfferID.String()
}

func terms(r Row, currency string) string {
	pct := r.CashRatio.Mul(decimal.NewFromInt(100)).StringFixed(0)
	return fmt.Sprintf("%s %s %s, %s%% cash at closing, closes in %d days", r.OfferPrice.String(), currency, r.PaymentKind, pct, r.DaysToClose)
}

func dedupe(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func missing(ids []uuid.UUID, found []*offer.Offer) string {
	have := make(map[uuid.UUID]struct{}, len(found))
	for _, o := range found {
		have[o.ID] = struct{}{}
	}
	var out []string
	for _, id := range ids {
		if _, ok := have[id]; !ok {
			out = append(out, id.String())
		}
	}
	return "offers " + strings.Join(out, ", ")
}
