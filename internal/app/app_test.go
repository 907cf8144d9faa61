package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dealflow/offer-engine/internal/config"
	"github.com/dealflow/offer-engine/internal/infrastructure/memory"
)

func testConfig() *config.Config {
	return &config.Config{
		Store:             config.StoreMemory,
		ResponseWindow:    48 * time.Hour,
		ScanInterval:      time.Minute,
		ScanBatch:         10,
		ReminderLead:      time.Hour,
		ExpireMaxAttempts: 2,
	}
}

func TestNew_WiresMemoryStore(t *testing.T) {
	store := memory.NewStore()
	a := New(Stores{Offers: store, Ledger: store}, testConfig(), zerolog.Nop())

	rec := httptest.NewRecorder()
	a.API.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	res, err := a.Scheduler.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Expired)
	assert.Equal(t, 0, a.Hub.ClientCount())
}
