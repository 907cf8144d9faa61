package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dealflow/offer-engine/internal/domain/negotiation"
	"github.com/dealflow/offer-engine/internal/domain/offer"
)

type snapshot struct {
	Offers   map[uuid.UUID]*offer.Offer         `json:"offers"`
	Events   map[uuid.UUID][]*negotiation.Event `json:"events"`
	Comments map[uuid.UUID][]*offer.Comment     `json:"comments"`
}

func emptySnapshot() snapshot {
	return snapshot{
		Offers:   map[uuid.UUID]*offer.Offer{},
		Events:   map[uuid.UUID][]*negotiation.Event{},
		Comments: map[uuid.UUID][]*offer.Comment{},
	}
}

// Store is a deterministic in-process offer store. It backs single-node
// deployments, tests, and the replicated node's state machine.
type Store struct {
	mu sync.RWMutex
	s  snapshot
}

func NewStore() *Store {
	return &Store{s: emptySnapshot()}
}

// Marshal serializes the current store contents.
func (st *Store) Marshal() ([]byte, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return json.Marshal(st.s)
}

// Unmarshal replaces the store contents with a snapshot payload.
func (st *Store) Unmarshal(data []byte) error {
	if len(data) == 0 {
		return errors.New("empty snapshot")
	}
	var s snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s.Offers == nil {
		s.Offers = map[uuid.UUID]*offer.Offer{}
	}
	if s.Events == nil {
		s.Events = map[uuid.UUID][]*negotiation.Event{}
	}
	if s.Comments == nil {
		s.Comments = map[uuid.UUID][]*offer.Comment{}
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.s = s
	return nil
}

func (st *Store) Commit(ctx context.Context, m *offer.Mutation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return st.Apply(m)
}

// Apply checks every precondition of m before writing any part of it.
func (st *Store) Apply(m *offer.Mutation) error {
	if m == nil {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	for _, o := range m.Creates {
		if _, exists := st.s.Offers[o.ID]; exists {
			return fmt.Errorf("%w: offer %s already exists", offer.ErrConcurrentModification, o.ID)
		}
	}
	for _, u := range m.Updates {
		cur, ok := st.s.Offers[u.Offer.ID]
		if !ok {
			return fmt.Errorf("%w: offer %s", offer.ErrNotFound, u.Offer.ID)
		}
		if cur.Version != u.ExpectedVersion {
			return fmt.Errorf("%w: offer %s at version %d, expected %d", offer.ErrConcurrentModification, u.Offer.ID, cur.Version, u.ExpectedVersion)
		}
		if u.Offer.Version <= cur.Version {
			return fmt.Errorf("%w: offer %s version must increase", offer.ErrValidation, u.Offer.ID)
		}
	}
	pending := map[uuid.UUID]int64{}
	for _, e := range m.Events {
		next := int64(len(st.s.Events[e.ChainRootID])) + pending[e.ChainRootID] + 1
		if e.Sequence != next {
			return fmt.Errorf("%w: chain %s sequence %d taken", offer.ErrConcurrentModification, e.ChainRootID, e.Sequence)
		}
		pending[e.ChainRootID]++
	}

	for _, o := range m.Creates {
		st.s.Offers[o.ID] = o.Clone()
	}
	for _, u := range m.Updates {
		st.s.Offers[u.Offer.ID] = u.Offer.Clone()
	}
	for _, e := range m.Events {
		cp := *e
		cp.Changes = append([]negotiation.Change(nil), e.Changes...)
		st.s.Events[e.ChainRootID] = append(st.s.Events[e.ChainRootID], &cp)
	}
	for _, c := range m.Comments {
		cp := *c
		st.s.Comments[c.OfferID] = append(st.s.Comments[c.OfferID], &cp)
	}
	return nil
}

func (st *Store) GetByID(_ context.Context, offerID uuid.UUID) (*offer.Offer, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	o, ok := st.s.Offers[offerID]
	if !ok {
		return nil, nil
	}
	return o.Clone(), nil
}

func (st *Store) GetMany(_ context.Context, offerIDs []uuid.UUID) ([]*offer.Offer, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]*offer.Offer, 0, len(offerIDs))
	for _, id := range offerIDs {
		if o, ok := st.s.Offers[id]; ok {
			out = append(out, o.Clone())
		}
	}
	return out, nil
}

func (st *Store) List(_ context.Context, filter offer.Filter, limit, offset int) ([]*offer.Offer, error) {
	st.mu.RLock()
	matched := make([]*offer.Offer, 0)
	for _, o := range st.s.Offers {
		if matches(o, filter) {
			matched = append(matched, o)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].SubmittedAt.Equal(matched[j].SubmittedAt) {
			return matched[i].SubmittedAt.After(matched[j].SubmittedAt)
		}
		return matched[i].ID.String() < matched[j].ID.String()
	})
	start, end := pageWindow(len(matched), limit, offset)
	out := make([]*offer.Offer, 0, end-start)
	for _, o := range matched[start:end] {
		out = append(out, o.Clone())
	}
	st.mu.RUnlock()
	return out, nil
}

func (st *Store) ListDue(_ context.Context, now time.Time, limit int) ([]*offer.Offer, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	due := make([]*offer.Offer, 0)
	for _, o := range st.s.Offers {
		if o.Status.IsLive() && o.IsPastDeadline(now) {
			due = append(due, o)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].ExpiresAt.Equal(due[j].ExpiresAt) {
			return due[i].ExpiresAt.Before(due[j].ExpiresAt)
		}
		return due[i].ID.String() < due[j].ID.String()
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]*offer.Offer, 0, len(due))
	for _, o := range due {
		out = append(out, o.Clone())
	}
	return out, nil
}

func (st *Store) ListComments(_ context.Context, offerID uuid.UUID) ([]*offer.Comment, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]*offer.Comment, 0, len(st.s.Comments[offerID]))
	for _, c := range st.s.Comments[offerID] {
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

func (st *Store) ListByChain(_ context.Context, chainRootID uuid.UUID) ([]*negotiation.Event, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]*negotiation.Event, 0, len(st.s.Events[chainRootID]))
	for _, e := range st.s.Events[chainRootID] {
		cp := *e
		cp.Changes = append([]negotiation.Change(nil), e.Changes...)
		out = append(out, &cp)
	}
	return out, nil
}

func (st *Store) Latest(_ context.Context, chainRootID uuid.UUID) (*negotiation.Event, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	chain := st.s.Events[chainRootID]
	if len(chain) == 0 {
		return nil, nil
	}
	cp := *chain[len(chain)-1]
	return &cp, nil
}

// Stats summarizes store contents.
type Stats struct {
	Offers   int            `json:"offers"`
	ByStatus map[string]int `json:"byStatus"`
	Chains   int            `json:"chains"`
	Events   int            `json:"events"`
	Comments int            `json:"comments"`
}

func (st *Store) Stats() Stats {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := Stats{Offers: len(st.s.Offers), ByStatus: map[string]int{}, Chains: len(st.s.Events)}
	for _, o := range st.s.Offers {
		out.ByStatus[string(o.Status)]++
	}
	for _, chain := range st.s.Events {
		out.Events += len(chain)
	}
	for _, cs := range st.s.Comments {
		out.Comments += len(cs)
	}
	return out
}

func matches(o *offer.Offer, f offer.Filter) bool {
	if f.ListingID != nil && o.ListingID != *f.ListingID {
		return false
	}
	if f.ParentOfferID != nil && (o.ParentOfferID == nil || *o.ParentOfferID != *f.ParentOfferID) {
		return false
	}
	if f.ChainRootID != nil && o.ChainRootID != *f.ChainRootID {
		return false
	}
	if f.PartyID != nil && !o.IsParty(*f.PartyID) {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if o.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.ExpiresFrom != nil && o.ExpiresAt.Before(*f.ExpiresFrom) {
		return false
	}
	if f.ExpiresBefore != nil && !o.ExpiresAt.Before(*f.ExpiresBefore) {
		return false
	}
	return true
}

func pageWindow(total, limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= total {
		return total, total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return offset, end
}
