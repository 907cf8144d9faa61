package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	appNegotiation "github.com/dealflow/offer-engine/internal/application/negotiation"
	"github.com/dealflow/offer-engine/internal/domain/offer"
)

const (
	DefaultInterval     = 30 * time.Second
	DefaultBatch        = 100
	DefaultReminderLead = 24 * time.Hour
	DefaultMaxAttempts  = 3
)

// Reminder announces that an offer's response deadline is close.
type Reminder struct {
	OfferID     uuid.UUID `json:"offerId"`
	ChainRootID uuid.UUID `json:"chainRootId"`
	Version     int       `json:"version"`
	ExpiresAt   time.Time `json:"expiresAt"`
	Remaining   string    `json:"remaining"`
}

// ReminderPublisher delivers reminders to the parties of an offer.
type ReminderPublisher interface {
	PublishReminder(r Reminder, recipients []string) error
}

// PassResult summarises one scheduler pass.
type PassResult struct {
	Expired         int `json:"expired"`
	Skipped         int `json:"skipped"`
	RemindersSent   int `json:"remindersSent"`
	RemindersMissed int `json:"remindersMissed"`
}

type Option func(*Scheduler)

func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

func WithBatch(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.batch = n
		}
	}
}

func WithReminderLead(d time.Duration) Option {
	return func(s *Scheduler) { s.reminderLead = d }
}

func WithMaxAttempts(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

func WithReminderPublisher(p ReminderPublisher) Option {
	return func(s *Scheduler) { s.reminders = p }
}

// WithLeaderCheck makes passes no-ops while isLeader reports false, so only
// one replica of a raft cluster writes expirations.
func WithLeaderCheck(isLeader func() bool) Option {
	return func(s *Scheduler) { s.isLeader = isLeader }
}

// Scheduler expires offers whose response deadline has passed and sends
// deadline reminders. It never holds offer state; every pass re-reads the store.
type Scheduler struct {
	engine    *appNegotiation.Engine
	offers    offer.Repository
	reminders ReminderPublisher
	cron      *gocron.Scheduler
	isLeader  func() bool

	interval     time.Duration
	batch        int
	reminderLead time.Duration
	maxAttempts  int

	mu       sync.Mutex
	reminded map[reminderKey]struct{}
	missed   atomic.Int64

	logger zerolog.Logger
}

type reminderKey struct {
	offerID uuid.UUID
	version int
}

func NewScheduler(engine *appNegotiation.Engine, offers offer.Repository, logger zerolog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		engine:       engine,
		offers:       offers,
		cron:         gocron.NewScheduler(time.UTC),
		interval:     DefaultInterval,
		batch:        DefaultBatch,
		reminderLead: DefaultReminderLead,
		maxAttempts:  DefaultMaxAttempts,
		reminded:     map[reminderKey]struct{}{},
		logger:       logger.With().Str("service", "scheduler").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start registers the periodic pass and runs it in the background until Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.cron.SingletonModeAll()
	_, err := s.cron.Every(s.interval).Do(func() {
		if _, err := s.RunOnce(ctx); err != nil {
			s.logger.Error().Err(err).Msg("deadline pass failed")
		}
	})
	if err != nil {
		return fmt.Errorf("schedule deadline pass: %w", err)
	}
	s.cron.StartAsync()
	s.logger.Info().Dur("interval", s.interval).Int("batch", s.batch).Msg("deadline scheduler started")
	return nil
}

func (s *Scheduler) Stop() {
	s.cron.Stop()
}

// MissedReminders is the number of reminders that could not be delivered.
func (s *Scheduler) MissedReminders() int64 {
	return s.missed.Load()
}

// RunOnce expires due offers and then sends reminders.
func (s *Scheduler) RunOnce(ctx context.Context) (PassResult, error) {
	var res PassResult
	if s.isLeader != nil && !s.isLeader() {
		return res, nil
	}
	expired, skipped, err := s.ExpireDue(ctx, s.batch)
	res.Expired, res.Skipped = expired, skipped
	if err != nil {
		return res, err
	}
	sent, missed, err := s.SendReminders(ctx)
	res.RemindersSent, res.RemindersMissed = sent, missed
	return res, err
}

// ExpireDue expires up to limit live offers whose deadline has passed.
// Offers that another writer moved on are skipped; they are picked up again
// on the next pass if still due.
func (s *Scheduler) ExpireDue(ctx context.Context, limit int) (int, int, error) {
	due, err := s.offers.ListDue(ctx, s.engine.Now(), limit)
	if err != nil {
		return 0, 0, err
	}
	expired, skipped := 0, 0
	for _, o := range due {
		if err := ctx.Err(); err != nil {
			return expired, skipped, err
		}
		ok, err := s.expire(ctx, o)
		if err != nil {
			s.logger.Error().Err(err).Str("offer_id", o.ID.String()).Msg("expire offer failed")
			skipped++
			continue
		}
		if ok {
			expired++
		} else {
			skipped++
		}
	}
	if expired > 0 || skipped > 0 {
		s.logger.Info().Int("expired", expired).Int("skipped", skipped).Msg("deadline scan finished")
	}
	return expired, skipped, nil
}

// expire retries the version-checked write until it lands, the offer is
// observed closed, or attempts run out.
func (s *Scheduler) expire(ctx context.Context, o *offer.Offer) (bool, error) {
	version := o.Version
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		_, err := s.engine.ExpireOffer(ctx, o.ID, version)
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, offer.ErrInvalidTransition), errors.Is(err, offer.ErrPreconditionFailed):
			return false, nil
		case !errors.Is(err, offer.ErrConcurrentModification):
			return false, err
		}

		current, err := s.engine.GetOffer(ctx, o.ID)
		if err != nil {
			return false, err
		}
		if current.Status.IsTerminal() || !current.IsPastDeadline(s.engine.Now()) {
			return false, nil
		}
		s.logger.Debug().
			Str("offer_id", o.ID.String()).
			Int("attempt", attempt).
			Int("version", current.Version).
			Msg("expiry raced with another write, retrying")
		version = current.Version
	}
	return false, nil
}

// SendReminders publishes one reminder per offer version for live offers
// whose deadline falls within the reminder lead. Failed deliveries are
// counted and retried on the next pass.
func (s *Scheduler) SendReminders(ctx context.Context) (int, int, error) {
	if s.reminders == nil || s.reminderLead <= 0 {
		return 0, 0, nil
	}
	now := s.engine.Now()
	soon, err := s.expiringSoon(ctx, now)
	if err != nil {
		return 0, 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[reminderKey]struct{}, len(soon))
	sent, missed := 0, 0
	for _, o := range soon {
		key := reminderKey{offerID: o.ID, version: o.Version}
		seen[key] = struct{}{}
		if _, done := s.reminded[key]; done {
			continue
		}
		r := Reminder{
			OfferID:     o.ID,
			ChainRootID: o.ChainRootID,
			Version:     o.Version,
			ExpiresAt:   o.ExpiresAt,
			Remaining:   o.ExpiresAt.Sub(now).Round(time.Minute).String(),
		}
		if err := s.reminders.PublishReminder(r, []string{o.BuyerID, o.SellerID}); err != nil {
			missed++
			s.missed.Add(1)
			s.logger.Warn().
				Err(err).
				Str("offer_id", o.ID.String()).
				Time("expires_at", o.ExpiresAt).
				Msg("deadline reminder missed")
			continue
		}
		s.reminded[key] = struct{}{}
		sent++
	}
	for key := range s.reminded {
		if _, ok := seen[key]; !ok {
			delete(s.reminded, key)
		}
	}
	return sent, missed, nil
}

// expiringSoon pages through live offers whose deadline lies in
// [now, now+reminderLead). Overdue offers waiting for the expiry scan are
// excluded at the store so they never crowd out a page.
func (s *Scheduler) expiringSoon(ctx context.Context, now time.Time) ([]*offer.Offer, error) {
	until := now.Add(s.reminderLead)
	filter := offer.Filter{
		Statuses:      offer.LiveStatuses,
		ExpiresFrom:   &now,
		ExpiresBefore: &until,
	}
	var out []*offer.Offer
	for offset := 0; ; offset += s.batch {
		page, err := s.offers.List(ctx, filter, s.batch, offset)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < s.batch {
			return out, nil
		}
	}
}
