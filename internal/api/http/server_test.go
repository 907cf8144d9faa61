package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appComparison "github.com/dealflow/offer-engine/internal/application/comparison"
	appConditions "github.com/dealflow/offer-engine/internal/application/conditions"
	appLedger "github.com/dealflow/offer-engine/internal/application/ledger"
	appNegotiation "github.com/dealflow/offer-engine/internal/application/negotiation"
	appScheduler "github.com/dealflow/offer-engine/internal/application/scheduler"
	"github.com/dealflow/offer-engine/internal/domain/offer"
	"github.com/dealflow/offer-engine/internal/infrastructure/memory"
	"github.com/dealflow/offer-engine/internal/infrastructure/sse"
)

type testClock struct{ t time.Time }

func (c *testClock) Now() time.Time { return c.t }

type testAPI struct {
	handler http.Handler
	clock   *testClock
	store   *memory.Store
	hub     *sse.Hub
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	store := memory.NewStore()
	clock := &testClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	hub := sse.NewHub(zerolog.Nop())
	logger := zerolog.Nop()

	engine := appNegotiation.NewEngine(store, store, logger,
		appNegotiation.WithClock(clock.Now),
		appNegotiation.WithPublisher(hub),
	)
	srv := NewServer(
		engine,
		appConditions.NewTracker(engine, logger),
		appLedger.NewService(store, logger),
		appComparison.NewService(store, logger),
		appScheduler.NewScheduler(engine, store, logger, appScheduler.WithReminderPublisher(hub)),
		hub,
		logger,
	)
	return &testAPI{handler: srv.Router(), clock: clock, store: store, hub: hub}
}

func (a *testAPI) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func (a *testAPI) submit(t *testing.T, body string) *offer.Offer {
	t.Helper()
	rec := a.do(t, http.MethodPost, "/v1/offers", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeOffer(t, rec)
}

func decodeOffer(t *testing.T, rec *httptest.ResponseRecorder) *offer.Offer {
	t.Helper()
	var o offer.Offer
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &o))
	return &o
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	code, _ := body["error"].(string)
	return code
}

const mixedOffer = `{
	"listing_id": "listing-1",
	"buyer_id": "buyer-1",
	"seller_id": "seller-1",
	"actor_id": "buyer-1",
	"offer_price": "850000",
	"currency": "EUR",
	"payment_structure": {"kind": "mixed", "cashAmount": "500000", "financedAmount": "350000"},
	"due_diligence_period_days": 30
}`

func TestNegotiationFlow(t *testing.T) {
	api := newTestAPI(t)

	initial := api.submit(t, mixedOffer)
	assert.Equal(t, 1, initial.Version)
	assert.Equal(t, offer.StatusSubmitted, initial.Status)
	assert.Equal(t, initial.ID, initial.ChainRootID)

	rec := api.do(t, http.MethodGet, "/v1/offers/"+initial.ID.String(), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `"1"`, rec.Header().Get("ETag"))

	rec = api.do(t, http.MethodPost, "/v1/offers/"+initial.ID.String()+"/counter", `{
		"actor_id": "seller-1",
		"reason": "cash only",
		"expected_version": 1,
		"offer_price": "900000",
		"payment_structure": {"kind": "cash", "amount": "900000"}
	}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	counter := decodeOffer(t, rec)
	assert.Equal(t, 2, counter.Version)
	assert.Equal(t, initial.ChainRootID, counter.ChainRootID)
	require.NotNil(t, counter.ParentOfferID)
	assert.Equal(t, initial.ID, *counter.ParentOfferID)
	assert.Equal(t, offer.PaymentCash, counter.Payment.Kind())

	rec = api.do(t, http.MethodGet, "/v1/offers/"+initial.ID.String(), "")
	assert.Equal(t, offer.StatusCountered, decodeOffer(t, rec).Status)

	rec = api.do(t, http.MethodPost, "/v1/offers/"+counter.ID.String()+"/accept", "", "X-Actor", "buyer-1", "If-Match", `"2"`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	accepted := decodeOffer(t, rec)
	assert.Equal(t, offer.StatusAccepted, accepted.Status)
	assert.Equal(t, offer.TypeFinal, accepted.Type())
	assert.Equal(t, `"3"`, rec.Header().Get("ETag"))

	rec = api.do(t, http.MethodGet, "/v1/offers/"+initial.ID.String()+"/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var history struct {
		Events []struct {
			Sequence  int64  `json:"sequence"`
			EventType string `json:"eventType"`
		} `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	require.Len(t, history.Events, 3)
	assert.Equal(t, "offer_submitted", history.Events[0].EventType)
	assert.Equal(t, "counter_offer", history.Events[1].EventType)
	assert.Equal(t, "acceptance", history.Events[2].EventType)

	rec = api.do(t, http.MethodGet, "/v1/offers/"+initial.ID.String()+"/history?offer_id="+counter.ID.String(), "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	assert.Len(t, history.Events, 2)

	rec = api.do(t, http.MethodGet, "/v1/offers/"+initial.ID.String()+"/history/verify", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var v appLedger.Verification
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	assert.True(t, v.Valid)
	assert.Equal(t, 3, v.Events)
}

func TestErrorMapping(t *testing.T) {
	tests := map[string]struct {
		run        func(t *testing.T, api *testAPI, o *offer.Offer) *httptest.ResponseRecorder
		wantStatus int
		wantCode   string
	}{
		"unknown offer": {
			run: func(t *testing.T, api *testAPI, _ *offer.Offer) *httptest.ResponseRecorder {
				return api.do(t, http.MethodGet, "/v1/offers/7a1d4a4e-4a43-4a8e-9d0b-2f37b1a5e0c1", "")
			},
			wantStatus: http.StatusNotFound,
			wantCode:   "NOT_FOUND",
		},
		"malformed id": {
			run: func(t *testing.T, api *testAPI, _ *offer.Offer) *httptest.ResponseRecorder {
				return api.do(t, http.MethodGet, "/v1/offers/not-a-uuid", "")
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   "VALIDATION_ERROR",
		},
		"unknown body field": {
			run: func(t *testing.T, api *testAPI, o *offer.Offer) *httptest.ResponseRecorder {
				return api.do(t, http.MethodPost, "/v1/offers/"+o.ID.String()+"/accept", `{"actor":"seller-1"}`)
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   "VALIDATION_ERROR",
		},
		"payment does not add up": {
			run: func(t *testing.T, api *testAPI, _ *offer.Offer) *httptest.ResponseRecorder {
				return api.do(t, http.MethodPost, "/v1/offers", strings.Replace(mixedOffer, `"350000"`, `"300000"`, 1))
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   "VALIDATION_ERROR",
		},
		"stale version": {
			run: func(t *testing.T, api *testAPI, o *offer.Offer) *httptest.ResponseRecorder {
				return api.do(t, http.MethodPost, "/v1/offers/"+o.ID.String()+"/accept", `{"actor_id":"seller-1","expected_version":5}`)
			},
			wantStatus: http.StatusConflict,
			wantCode:   "CONCURRENT_MODIFICATION",
		},
		"bad if-match": {
			run: func(t *testing.T, api *testAPI, o *offer.Offer) *httptest.ResponseRecorder {
				return api.do(t, http.MethodPost, "/v1/offers/"+o.ID.String()+"/accept", "", "X-Actor", "seller-1", "If-Match", "*")
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   "VALIDATION_ERROR",
		},
		"creator cannot accept": {
			run: func(t *testing.T, api *testAPI, o *offer.Offer) *httptest.ResponseRecorder {
				return api.do(t, http.MethodPost, "/v1/offers/"+o.ID.String()+"/accept", "", "X-Actor", "buyer-1")
			},
			wantStatus: http.StatusForbidden,
			wantCode:   "UNAUTHORIZED",
		},
		"past deadline": {
			run: func(t *testing.T, api *testAPI, o *offer.Offer) *httptest.ResponseRecorder {
				api.clock.t = api.clock.t.Add(73 * time.Hour)
				return api.do(t, http.MethodPost, "/v1/offers/"+o.ID.String()+"/accept", "", "X-Actor", "seller-1")
			},
			wantStatus: http.StatusGone,
			wantCode:   "EXPIRED",
		},
		"already rejected": {
			run: func(t *testing.T, api *testAPI, o *offer.Offer) *httptest.ResponseRecorder {
				rec := api.do(t, http.MethodPost, "/v1/offers/"+o.ID.String()+"/reject", `{"actor_id":"seller-1","reason":"too low"}`)
				require.Equal(t, http.StatusOK, rec.Code)
				return api.do(t, http.MethodPost, "/v1/offers/"+o.ID.String()+"/accept", "", "X-Actor", "seller-1")
			},
			wantStatus: http.StatusConflict,
			wantCode:   "INVALID_TRANSITION",
		},
		"required conditions open": {
			run: func(t *testing.T, api *testAPI, _ *offer.Offer) *httptest.ResponseRecorder {
				body := strings.Replace(mixedOffer, `"due_diligence_period_days": 30`,
					`"requires_approval": true, "conditions": [{"id": "audit", "description": "Audit", "isRequired": true}]`, 1)
				o := api.submit(t, body)
				return api.do(t, http.MethodPost, "/v1/offers/"+o.ID.String()+"/accept", "", "X-Actor", "seller-1")
			},
			wantStatus: http.StatusPreconditionFailed,
			wantCode:   "PRECONDITION_FAILED",
		},
		"compare across listings": {
			run: func(t *testing.T, api *testAPI, o *offer.Offer) *httptest.ResponseRecorder {
				other := api.submit(t, strings.Replace(mixedOffer, "listing-1", "listing-2", 1))
				return api.do(t, http.MethodGet, "/v1/listings/listing-1/offers/compare?ids="+o.ID.String()+","+other.ID.String(), "")
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   "CROSS_LISTING",
		},
		"unknown status filter": {
			run: func(t *testing.T, api *testAPI, _ *offer.Offer) *httptest.ResponseRecorder {
				return api.do(t, http.MethodGet, "/v1/parties/buyer-1/offers?status=pending", "")
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   "VALIDATION_ERROR",
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			api := newTestAPI(t)
			o := api.submit(t, mixedOffer)
			rec := tc.run(t, api, o)
			assert.Equal(t, tc.wantStatus, rec.Code, rec.Body.String())
			assert.Equal(t, tc.wantCode, errorCode(t, rec))
		})
	}
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, statusOf(offer.KindInternal))
	assert.Equal(t, http.StatusBadRequest, statusOf(offer.KindCrossListing))
	assert.Equal(t, http.StatusConflict, statusOf(offer.KindInvalidTransition))
}

func TestComments(t *testing.T) {
	api := newTestAPI(t)
	o := api.submit(t, mixedOffer)
	path := "/v1/offers/" + o.ID.String() + "/comments"

	rec := api.do(t, http.MethodPost, path, `{"author_id":"buyer-1","content":"note to self","is_private":true}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = api.do(t, http.MethodPost, path, `{"content":"can we talk about the closing date?"}`, "X-Actor", "seller-1")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = api.do(t, http.MethodPost, path, `{"content":"hello"}`, "X-Actor", "mallory")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	count := func(viewer string) int {
		rec := api.do(t, http.MethodGet, path, "", "X-Actor", viewer)
		require.Equal(t, http.StatusOK, rec.Code)
		var body struct {
			Comments []offer.Comment `json:"comments"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		return len(body.Comments)
	}
	assert.Equal(t, 2, count("buyer-1"))
	assert.Equal(t, 1, count("seller-1"))

	// Comments never move the offer version.
	rec = api.do(t, http.MethodGet, "/v1/offers/"+o.ID.String(), "")
	assert.Equal(t, 1, decodeOffer(t, rec).Version)
}

func TestConditionEndpoints(t *testing.T) {
	api := newTestAPI(t)
	body := strings.Replace(mixedOffer, `"due_diligence_period_days": 30`, `"conditions": [
		{"id": "audit", "description": "Audit", "isRequired": true, "rule": "revenue >= 1000000"},
		{"id": "lease", "description": "Lease transfer", "isRequired": true}
	], "contingencies": [
		{"id": "loan", "description": "Bank loan", "deadline": "2026-04-01T00:00:00Z", "responsibleParty": "buyer-1"}
	]`, 1)
	o := api.submit(t, body)
	base := "/v1/offers/" + o.ID.String()

	rec := api.do(t, http.MethodPut, base+"/conditions/lease", `{"status":"waived","actor_id":"seller-1","expected_version":1}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 2, decodeOffer(t, rec).Version)

	rec = api.do(t, http.MethodPut, base+"/conditions/missing", `{"status":"waived","actor_id":"seller-1"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = api.do(t, http.MethodPost, base+"/conditions/evaluate", `{"facts":{"revenue":1250000},"actor_id":"seller-1"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res appConditions.EvaluateResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Len(t, res.Outcomes, 1)
	assert.Equal(t, appConditions.OutcomeSatisfied, res.Outcomes[0].Result)
	assert.Equal(t, 3, res.Offer.Version)

	rec = api.do(t, http.MethodPut, base+"/contingencies/loan", `{"status":"satisfied"}`, "X-Actor", "buyer-1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, offer.ContingencySatisfied, decodeOffer(t, rec).Contingencies[0].Status)
}

func TestPartyEndpoints(t *testing.T) {
	api := newTestAPI(t)
	first := api.submit(t, mixedOffer)
	api.submit(t, strings.Replace(mixedOffer, "listing-1", "listing-2", 1))

	rec := api.do(t, http.MethodGet, "/v1/parties/seller-1/offers?status=submitted", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var offers struct {
		Offers []offer.Offer `json:"offers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &offers))
	assert.Len(t, offers.Offers, 2)

	rec = api.do(t, http.MethodGet, "/v1/listings/listing-1/offers", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &offers))
	require.Len(t, offers.Offers, 1)
	assert.Equal(t, first.ID, offers.Offers[0].ID)

	rec = api.do(t, http.MethodGet, "/v1/parties/buyer-1/deadlines?within_days=5", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var deadlines struct {
		Deadlines []appScheduler.Deadline `json:"deadlines"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &deadlines))
	require.Len(t, deadlines.Deadlines, 2)
	for _, d := range deadlines.Deadlines {
		assert.Equal(t, appScheduler.DeadlineResponse, d.DeadlineType)
		assert.False(t, d.IsOverdue)
	}

	rec = api.do(t, http.MethodGet, "/v1/parties/buyer-1/deadlines?within_days=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCompareEndpoint(t *testing.T) {
	api := newTestAPI(t)
	a := api.submit(t, mixedOffer)
	b := api.submit(t, strings.NewReplacer(
		`"850000"`, `"900000"`,
		`{"kind": "mixed", "cashAmount": "500000", "financedAmount": "350000"}`, `{"kind": "cash", "amount": "900000"}`,
	).Replace(mixedOffer))
	c := api.submit(t, strings.NewReplacer(
		`"850000"`, `"800000"`,
		`"350000"`, `"300000"`,
	).Replace(mixedOffer))

	rec := api.do(t, http.MethodGet, "/v1/listings/listing-1/offers/compare?ids="+a.ID.String()+","+b.ID.String()+","+c.ID.String(), "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var cmp appComparison.Comparison
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cmp))
	assert.Equal(t, "900000", cmp.HighestOffer.String())
	assert.Equal(t, "800000", cmp.LowestOffer.String())
	assert.Equal(t, "850000", cmp.AverageOffer.String())
	assert.Equal(t, b.ID, cmp.MostFavorableOfferID)
	assert.Len(t, cmp.Rows, 3)

	rec = api.do(t, http.MethodGet, "/v1/listings/listing-1/offers/compare?ids=nope", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = api.do(t, http.MethodGet, "/v1/listings/listing-1/offers/compare", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPartyStream(t *testing.T) {
	api := newTestAPI(t)
	ts := httptest.NewServer(api.handler)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/parties/seller-1/stream", nil)
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": connected\n", line)
	require.Eventually(t, func() bool { return api.hub.ClientCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	o := api.submit(t, mixedOffer)

	var event, data string
	for event == "" || data == "" {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		}
	}
	assert.Equal(t, sse.TypeNegotiationEvent, event)
	assert.Contains(t, data, o.ID.String())
	assert.Contains(t, data, `"eventType":"offer_submitted"`)
}
