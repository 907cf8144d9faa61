package app

import (
	"github.com/rs/zerolog"

	httpapi "github.com/dealflow/offer-engine/internal/api/http"
	appComparison "github.com/dealflow/offer-engine/internal/application/comparison"
	appConditions "github.com/dealflow/offer-engine/internal/application/conditions"
	appLedger "github.com/dealflow/offer-engine/internal/application/ledger"
	appNegotiation "github.com/dealflow/offer-engine/internal/application/negotiation"
	appScheduler "github.com/dealflow/offer-engine/internal/application/scheduler"
	"github.com/dealflow/offer-engine/internal/config"
	"github.com/dealflow/offer-engine/internal/domain/negotiation"
	"github.com/dealflow/offer-engine/internal/domain/offer"
	"github.com/dealflow/offer-engine/internal/infrastructure/sse"
)

// Stores are the backends a process runs on. Listings is optional.
type Stores struct {
	Offers   offer.Repository
	Ledger   negotiation.Repository
	Listings appNegotiation.ListingDirectory
}

// App is the wired service graph shared by the server and node binaries.
type App struct {
	Engine     *appNegotiation.Engine
	Tracker    *appConditions.Tracker
	Ledger     *appLedger.Service
	Comparison *appComparison.Service
	Scheduler  *appScheduler.Scheduler
	Hub        *sse.Hub
	API        *httpapi.Server
}

func New(stores Stores, cfg *config.Config, logger zerolog.Logger, schedulerOpts ...appScheduler.Option) *App {
	hub := sse.NewHub(logger)

	engineOpts := []appNegotiation.Option{
		appNegotiation.WithResponseWindow(cfg.ResponseWindow),
		appNegotiation.WithPublisher(hub),
	}
	if stores.Listings != nil {
		engineOpts = append(engineOpts, appNegotiation.WithListingDirectory(stores.Listings))
	}
	engine := appNegotiation.NewEngine(stores.Offers, stores.Ledger, logger, engineOpts...)

	opts := append([]appScheduler.Option{
		appScheduler.WithInterval(cfg.ScanInterval),
		appScheduler.WithBatch(cfg.ScanBatch),
		appScheduler.WithReminderLead(cfg.ReminderLead),
		appScheduler.WithMaxAttempts(cfg.ExpireMaxAttempts),
		appScheduler.WithReminderPublisher(hub),
	}, schedulerOpts...)
	scheduler := appScheduler.NewScheduler(engine, stores.Offers, logger, opts...)

	tracker := appConditions.NewTracker(engine, logger)
	ledger := appLedger.NewService(stores.Ledger, logger)
	comparison := appComparison.NewService(stores.Offers, logger)

	return &App{
		Engine:     engine,
		Tracker:    tracker,
		Ledger:     ledger,
		Comparison: comparison,
		Scheduler:  scheduler,
		Hub:        hub,
		API:        httpapi.NewServer(engine, tracker, ledger, comparison, scheduler, hub, logger),
	}
}
