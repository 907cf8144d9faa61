package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/dealflow/offer-engine/internal/domain/negotiation"
	"github.com/dealflow/offer-engine/internal/domain/offer"
)

const offerColumns = `offer_id, listing_id, parent_offer_id, chain_root_id, version, buyer_id, seller_id, created_by,
	offer_price::text, currency, payment_structure, conditions, contingencies, submitted_at, expires_at, closing_date,
	due_diligence_period_days, financing_period_days, status, requires_approval, approvals, updated_at, updated_by`

const eventColumns = `event_id, chain_root_id, offer_id, sequence, event_type, occurred_at, actor_id, description, changes, prev_hash, hash`

// OfferRepository implements offer.Repository and negotiation.Repository.
type OfferRepository struct {
	pool *pgxpool.Pool
}

func NewOfferRepository(pool *pgxpool.Pool) *OfferRepository {
	return &OfferRepository{pool: pool}
}

// Commit writes a mutation in one transaction. A version mismatch, a taken
// ledger sequence or a duplicate id rolls everything back.
func (r *OfferRepository) Commit(ctx context.Context, m *offer.Mutation) error {
	if m == nil {
		return nil
	}
	for _, u := range m.Updates {
		if u.Offer.Version <= u.ExpectedVersion {
			return fmt.Errorf("%w: offer %s version must increase", offer.ErrValidation, u.Offer.ID)
		}
	}
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		for _, o := range m.Creates {
			if err := insertOffer(ctx, tx, o); err != nil {
				return err
			}
		}
		for _, u := range m.Updates {
			if err := updateOffer(ctx, tx, u); err != nil {
				return err
			}
		}
		for _, e := range m.Events {
			if err := insertEvent(ctx, tx, e); err != nil {
				return err
			}
		}
		for _, c := range m.Comments {
			if err := insertComment(ctx, tx, c); err != nil {
				return err
			}
		}
		return nil
	})
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %v", offer.ErrConcurrentModification, err)
	}
	return err
}

func insertOffer(ctx context.Context, tx pgx.Tx, o *offer.Offer) error {
	payment, conditions, contingencies, approvals, err := offerJSON(o)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO offers (offer_id, listing_id, parent_offer_id, chain_root_id, version, buyer_id, seller_id, created_by,
			offer_price, currency, payment_structure, conditions, contingencies, submitted_at, expires_at, closing_date,
			due_diligence_period_days, financing_period_days, status, requires_approval, approvals, updated_at, updated_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9::numeric,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)
	`, o.ID, o.ListingID, o.ParentOfferID, o.ChainRootID, o.Version, o.BuyerID, o.SellerID, o.CreatedBy,
		o.OfferPrice.String(), o.Currency, payment, conditions, contingencies, o.SubmittedAt, o.ExpiresAt, o.ClosingDate,
		o.DueDiligencePeriodDays, o.FinancingPeriodDays, o.Status, o.RequiresApproval, approvals, o.UpdatedAt, o.UpdatedBy)
	return err
}

func updateOffer(ctx context.Context, tx pgx.Tx, u offer.VersionedUpdate) error {
	o := u.Offer
	payment, conditions, contingencies, approvals, err := offerJSON(o)
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `
		UPDATE offers SET version=$1, offer_price=$2::numeric, currency=$3, payment_structure=$4, conditions=$5, contingencies=$6,
			expires_at=$7, closing_date=$8, due_diligence_period_days=$9, financing_period_days=$10, status=$11,
			requires_approval=$12, approvals=$13, updated_at=$14, updated_by=$15
		WHERE offer_id=$16 AND version=$17
	`, o.Version, o.OfferPrice.String(), o.Currency, payment, conditions, contingencies,
		o.ExpiresAt, o.ClosingDate, o.DueDiligencePeriodDays, o.FinancingPeriodDays, o.Status,
		o.RequiresApproval, approvals, o.UpdatedAt, o.UpdatedBy, o.ID, u.ExpectedVersion)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var current int
	if err := tx.QueryRow(ctx, `SELECT version FROM offers WHERE offer_id=$1`, o.ID).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: offer %s", offer.ErrNotFound, o.ID)
		}
		return err
	}
	return fmt.Errorf("%w: offer %s at version %d, expected %d", offer.ErrConcurrentModification, o.ID, current, u.ExpectedVersion)
}

func insertEvent(ctx context.Context, tx pgx.Tx, e *negotiation.Event) error {
	changes, err := json.Marshal(nonNil(e.Changes))
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO negotiation_events (event_id, chain_root_id, offer_id, sequence, event_type, occurred_at, actor_id, description, changes, prev_hash, hash)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, e.ID, e.ChainRootID, e.OfferID, e.Sequence, e.Type, e.Timestamp, e.ActorID, e.Description, changes, e.PrevHash, e.Hash)
	return err
}

func insertComment(ctx context.Context, tx pgx.Tx, c *offer.Comment) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO offer_comments (comment_id, offer_id, chain_root_id, author_id, content, is_private, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, c.ID, c.OfferID, c.ChainRootID, c.AuthorID, c.Content, c.IsPrivate, c.Timestamp)
	return err
}

func (r *OfferRepository) GetByID(ctx context.Context, offerID uuid.UUID) (*offer.Offer, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+offerColumns+` FROM offers WHERE offer_id=$1`, offerID)
	return scanOffer(row)
}

func (r *OfferRepository) GetMany(ctx context.Context, offerIDs []uuid.UUID) ([]*offer.Offer, error) {
	if len(offerIDs) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(offerIDs))
	for _, id := range offerIDs {
		ids = append(ids, id.String())
	}
	rows, err := r.pool.Query(ctx, `SELECT `+offerColumns+` FROM offers WHERE offer_id = ANY($1::uuid[])`, ids)
	if err != nil {
		return nil, err
	}
	found, err := scanOffers(rows)
	if err != nil {
		return nil, err
	}
	byID := make(map[uuid.UUID]*offer.Offer, len(found))
	for _, o := range found {
		byID[o.ID] = o
	}
	out := make([]*offer.Offer, 0, len(found))
	for _, id := range offerIDs {
		if o, ok := byID[id]; ok {
			out = append(out, o)
		}
	}
	return out, nil
}

func (r *OfferRepository) List(ctx context.Context, filter offer.Filter, limit, offset int) ([]*offer.Offer, error) {
	query, args := listQuery(filter, limit, offset)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanOffers(rows)
}

func listQuery(filter offer.Filter, limit, offset int) (string, []interface{}) {
	query := `SELECT ` + offerColumns + ` FROM offers`
	args := []interface{}{}
	if filter.ListingID != nil {
		args = append(args, *filter.ListingID)
		query += addWhere(query) + " listing_id=$" + itoa(len(args))
	}
	if filter.ParentOfferID != nil {
		args = append(args, *filter.ParentOfferID)
		query += addWhere(query) + " parent_offer_id=$" + itoa(len(args))
	}
	if filter.ChainRootID != nil {
		args = append(args, *filter.ChainRootID)
		query += addWhere(query) + " chain_root_id=$" + itoa(len(args))
	}
	if filter.PartyID != nil {
		args = append(args, *filter.PartyID)
		query += addWhere(query) + " (buyer_id=$" + itoa(len(args)) + " OR seller_id=$" + itoa(len(args)) + ")"
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, s := range filter.Statuses {
			statuses = append(statuses, string(s))
		}
		args = append(args, statuses)
		query += addWhere(query) + " status = ANY($" + itoa(len(args)) + "::text[])"
	}
	if filter.ExpiresFrom != nil {
		args = append(args, *filter.ExpiresFrom)
		query += addWhere(query) + " expires_at >= $" + itoa(len(args))
	}
	if filter.ExpiresBefore != nil {
		args = append(args, *filter.ExpiresBefore)
		query += addWhere(query) + " expires_at < $" + itoa(len(args))
	}
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	query += " ORDER BY submitted_at DESC, offer_id LIMIT $" + itoa(len(args)+1) + " OFFSET $" + itoa(len(args)+2)
	args = append(args, limit, offset)
	return query, args
}

func (r *OfferRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*offer.Offer, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+offerColumns+` FROM offers
		WHERE status IN ('submitted','under_review') AND expires_at < $1
		ORDER BY expires_at, offer_id
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	return scanOffers(rows)
}

func (r *OfferRepository) ListComments(ctx context.Context, offerID uuid.UUID) ([]*offer.Comment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT comment_id, offer_id, chain_root_id, author_id, content, is_private, created_at
		FROM offer_comments WHERE offer_id=$1
		ORDER BY created_at, comment_id
	`, offerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var comments []*offer.Comment
	for rows.Next() {
		var c offer.Comment
		if err := rows.Scan(&c.ID, &c.OfferID, &c.ChainRootID, &c.AuthorID, &c.Content, &c.IsPrivate, &c.Timestamp); err != nil {
			return nil, err
		}
		c.Timestamp = c.Timestamp.UTC()
		comments = append(comments, &c)
	}
	return comments, rows.Err()
}

func (r *OfferRepository) ListByChain(ctx context.Context, chainRootID uuid.UUID) ([]*negotiation.Event, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+eventColumns+` FROM negotiation_events WHERE chain_root_id=$1 ORDER BY sequence`, chainRootID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []*negotiation.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (r *OfferRepository) Latest(ctx context.Context, chainRootID uuid.UUID) (*negotiation.Event, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM negotiation_events WHERE chain_root_id=$1 ORDER BY sequence DESC LIMIT 1`, chainRootID)
	e, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func scanOffer(row pgx.Row) (*offer.Offer, error) {
	var (
		o                                        offer.Offer
		price                                    string
		payment, conditions, contingencies, apps []byte
	)
	if err := row.Scan(&o.ID, &o.ListingID, &o.ParentOfferID, &o.ChainRootID, &o.Version, &o.BuyerID, &o.SellerID, &o.CreatedBy,
		&price, &o.Currency, &payment, &conditions, &contingencies, &o.SubmittedAt, &o.ExpiresAt, &o.ClosingDate,
		&o.DueDiligencePeriodDays, &o.FinancingPeriodDays, &o.Status, &o.RequiresApproval, &apps, &o.UpdatedAt, &o.UpdatedBy); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	d, err := decimal.NewFromString(price)
	if err != nil {
		return nil, err
	}
	o.OfferPrice = d
	if err := json.Unmarshal(payment, &o.Payment); err != nil {
		return nil, err
	}
	if err := unmarshalIfPresent(conditions, &o.Conditions); err != nil {
		return nil, err
	}
	if err := unmarshalIfPresent(contingencies, &o.Contingencies); err != nil {
		return nil, err
	}
	if err := unmarshalIfPresent(apps, &o.Approvals); err != nil {
		return nil, err
	}
	o.SubmittedAt = o.SubmittedAt.UTC()
	o.ExpiresAt = o.ExpiresAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	if o.ClosingDate != nil {
		c := o.ClosingDate.UTC()
		o.ClosingDate = &c
	}
	return &o, nil
}

func scanOffers(rows pgx.Rows) ([]*offer.Offer, error) {
	defer rows.Close()
	var offers []*offer.Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		offers = append(offers, o)
	}
	return offers, rows.Err()
}

func scanEvent(row pgx.Row) (*negotiation.Event, error) {
	var (
		e       negotiation.Event
		changes []byte
	)
	if err := row.Scan(&e.ID, &e.ChainRootID, &e.OfferID, &e.Sequence, &e.Type, &e.Timestamp, &e.ActorID, &e.Description, &changes, &e.PrevHash, &e.Hash); err != nil {
		return nil, err
	}
	e.Timestamp = e.Timestamp.UTC()
	if err := unmarshalIfPresent(changes, &e.Changes); err != nil {
		return nil, err
	}
	if len(e.Changes) == 0 {
		e.Changes = nil
	}
	return &e, nil
}

func offerJSON(o *offer.Offer) (payment, conditions, contingencies, approvals []byte, err error) {
	if payment, err = json.Marshal(o.Payment); err != nil {
		return
	}
	if conditions, err = json.Marshal(nonNil(o.Conditions)); err != nil {
		return
	}
	if contingencies, err = json.Marshal(nonNil(o.Contingencies)); err != nil {
		return
	}
	approvals, err = json.Marshal(nonNil(o.Approvals))
	return
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func unmarshalIfPresent(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}
