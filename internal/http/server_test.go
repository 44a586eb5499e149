package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/haulkind/dispatch-engine/internal/apperr"
	"github.com/haulkind/dispatch-engine/internal/auth"
	"github.com/haulkind/dispatch-engine/internal/dispatch"
	"github.com/haulkind/dispatch-engine/internal/distance"
	"github.com/haulkind/dispatch-engine/internal/events"
	"github.com/haulkind/dispatch-engine/internal/geo"
	"github.com/haulkind/dispatch-engine/internal/ingest"
	"github.com/haulkind/dispatch-engine/internal/jobs"
	"github.com/haulkind/dispatch-engine/internal/logging"
	"github.com/haulkind/dispatch-engine/internal/models"
	"github.com/haulkind/dispatch-engine/internal/payments"
	"github.com/haulkind/dispatch-engine/internal/payout"
	"github.com/haulkind/dispatch-engine/internal/pricing"
	"github.com/haulkind/dispatch-engine/internal/storage"
)

type testEnv struct {
	srv   *httptest.Server
	jwt   *auth.JWT
	store *storage.MemoryStore
	geo   *geo.Index
}

func newTestEnv(t *testing.T, drivers int) *testEnv {
	t.Helper()
	logger := logging.Discard()
	store := storage.NewMemoryStore()
	for i := 1; i <= drivers; i++ {
		_ = store.UpsertDriver(context.Background(), &models.Driver{ID: fmt.Sprintf("d%d", i), Status: models.DriverApproved, Online: true})
	}
	feed := events.NewMemorySink(0)
	em := events.NewEmitter(feed, logger)
	catalog := pricing.DefaultCatalog()

	coord := dispatch.NewCoordinator(store, dispatch.Config{}, logger)
	coord.Events = em
	svc := jobs.NewService(store, coord, payments.Registry{"manual": payments.Accepting{}}, em, feed, logger)
	ledger := payout.NewLedger(store, em, logger)
	idx := geo.NewIndex()
	j := auth.NewJWT("test-secret", time.Hour)

	s := NewServer(Deps{
		Quoter:    pricing.NewCalculator(catalog),
		Catalog:   catalog,
		Distance:  distance.StraightLine{DetourFactor: 1.3},
		Jobs:      svc,
		Offers:    coord,
		Drivers:   store,
		Payouts:   ledger,
		Locations: ingest.Direct{Locator: idx},
		WS:        dispatch.NewWSRegistry(),
		Auth:      j,
		Logger:    logger,
	})
	ts := httptest.NewServer(s)
	t.Cleanup(ts.Close)
	return &testEnv{srv: ts, jwt: j, store: store, geo: idx}
}

func (e *testEnv) do(t *testing.T, method, path string, who *auth.Principal, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if who != nil {
		tok, err := e.jwt.Sign(*who)
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	return resp, out
}

func expectStatus(t *testing.T, resp *http.Response, body []byte, want int) {
	t.Helper()
	if resp.StatusCode != want {
		t.Fatalf("%s %s: status = %d, want %d; body=%s", resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, want, body)
	}
}

func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	var e struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err != nil {
		t.Fatalf("not an error body: %s", body)
	}
	return e.Error.Code
}

var (
	customer = &auth.Principal{ID: "c1", Role: auth.RoleCustomer}
	admin    = &auth.Principal{ID: "ops", Role: auth.RoleAdmin}
)

func driver(id string) *auth.Principal { return &auth.Principal{ID: id, Role: auth.RoleDriver} }

func jobBody() map[string]any {
	return map[string]any{
		"service_area_id":    "pa-philadelphia",
		"service_type":       "HAUL_AWAY",
		"volume_cubic_yards": 4,
		"distance_miles":     5,
		"contact":            map[string]any{"name": "Dana", "phone": "215-555-0100"},
		"pickup":             map[string]any{"address": "1 Market St, Philadelphia"},
	}
}

func TestQuoteWithExplicitArea(t *testing.T) {
	e := newTestEnv(t, 0)
	resp, body := e.do(t, http.MethodPost, "/api/v1/quotes", nil, map[string]any{
		"service_area_id": "pa-philadelphia", "service_type": "HAUL_AWAY", "volume_cubic_yards": 4, "distance_miles": 5,
	})
	expectStatus(t, resp, body, http.StatusOK)
	var q models.Quote
	_ = json.Unmarshal(body, &q)
	if q.Subtotal != 169 || q.Total != 177.45 || q.VolumeTier != models.TierQuarter {
		t.Fatalf("unexpected quote %+v", q)
	}
}

func TestQuoteResolvesAreaAndDistanceFromPickup(t *testing.T) {
	e := newTestEnv(t, 0)
	resp, body := e.do(t, http.MethodPost, "/api/v1/quotes", nil, map[string]any{
		"service_type": "LABOR_ONLY", "hours": 2,
		"pickup": map[string]any{"lat": 39.9526, "lon": -75.1652},
	})
	expectStatus(t, resp, body, http.StatusOK)
	var q models.Quote
	_ = json.Unmarshal(body, &q)
	if q.ServiceAreaID != "pa-philadelphia" || q.DistanceMiles != 0 || q.Subtotal != 158 {
		t.Fatalf("unexpected quote %+v", q)
	}
}

func TestQuoteValidation(t *testing.T) {
	e := newTestEnv(t, 0)
	cases := []map[string]any{
		{"service_type": "MOVING"},
		{"service_type": "HAUL_AWAY", "volume_cubic_yards": -1},
		{"service_type": "HAUL_AWAY", "volume_cubic_yards": 4, "distance_miles": 5},
	}
	for _, c := range cases {
		resp, body := e.do(t, http.MethodPost, "/api/v1/quotes", nil, c)
		expectStatus(t, resp, body, http.StatusBadRequest)
		if code := errorCode(t, body); code != "bad_request" {
			t.Fatalf("code = %s", code)
		}
	}
	resp, body := e.do(t, http.MethodGet, "/api/v1/service-areas/locate?lat=10&lon=10", nil, nil)
	expectStatus(t, resp, body, http.StatusNotFound)
}

func TestAuthRequiredAndRoles(t *testing.T) {
	e := newTestEnv(t, 0)
	resp, body := e.do(t, http.MethodPost, "/api/v1/jobs", nil, jobBody())
	expectStatus(t, resp, body, http.StatusUnauthorized)

	resp, body = e.do(t, http.MethodGet, "/api/v1/admin/payouts", customer, nil)
	expectStatus(t, resp, body, http.StatusForbidden)

	resp, body = e.do(t, http.MethodPost, "/api/v1/jobs", customer, jobBody())
	expectStatus(t, resp, body, http.StatusCreated)
	var job models.Job
	_ = json.Unmarshal(body, &job)

	other := &auth.Principal{ID: "c2", Role: auth.RoleCustomer}
	resp, body = e.do(t, http.MethodGet, "/api/v1/jobs/"+job.ID, other, nil)
	expectStatus(t, resp, body, http.StatusForbidden)
	resp, body = e.do(t, http.MethodGet, "/api/v1/jobs/"+job.ID, customer, nil)
	expectStatus(t, resp, body, http.StatusOK)
	resp, body = e.do(t, http.MethodGet, "/api/v1/jobs/nope", customer, nil)
	expectStatus(t, resp, body, http.StatusNotFound)
}

func TestJobLifecycleOverHTTP(t *testing.T) {
	e := newTestEnv(t, 4)

	resp, body := e.do(t, http.MethodPost, "/api/v1/jobs", customer, jobBody())
	expectStatus(t, resp, body, http.StatusCreated)
	var job models.Job
	_ = json.Unmarshal(body, &job)
	if job.Status != models.JobDraft || job.Total != 177.45 {
		t.Fatalf("unexpected job %+v", job)
	}
	base := "/api/v1/jobs/" + job.ID

	resp, body = e.do(t, http.MethodPost, base+"/payment", customer, map[string]any{"provider": "manual"})
	expectStatus(t, resp, body, http.StatusBadRequest)

	resp, body = e.do(t, http.MethodPost, base+"/payment", customer, map[string]any{"provider": "manual", "reference": "cash-1"})
	expectStatus(t, resp, body, http.StatusOK)
	var paid struct {
		Job      models.Job      `json:"job"`
		Dispatch dispatch.Result `json:"dispatch"`
	}
	_ = json.Unmarshal(body, &paid)
	if paid.Job.Status != models.JobDispatching || paid.Dispatch.Outcome != dispatch.OutcomeOffered || len(paid.Dispatch.Offers) != 3 {
		t.Fatalf("unexpected payment response %s", body)
	}

	resp, body = e.do(t, http.MethodGet, "/api/v1/drivers/me/offers", driver("d2"), nil)
	expectStatus(t, resp, body, http.StatusOK)
	var inbox struct {
		Offers []offerView `json:"offers"`
	}
	_ = json.Unmarshal(body, &inbox)
	if len(inbox.Offers) != 1 || inbox.Offers[0].EstimatedPayout != 101.4 || inbox.Offers[0].JobID != job.ID {
		t.Fatalf("unexpected inbox %s", body)
	}
	if resp, body := e.do(t, http.MethodGet, "/api/v1/drivers/me/offers", driver("d4"), nil); resp.StatusCode != http.StatusOK || !bytes.Contains(body, []byte(`"offers":[]`)) {
		t.Fatalf("d4 should have no offers: %s", body)
	}

	winner := inbox.Offers[0].ID
	resp, body = e.do(t, http.MethodPost, "/api/v1/offers/"+winner+"/accept", driver("d1"), nil)
	expectStatus(t, resp, body, http.StatusForbidden)
	resp, body = e.do(t, http.MethodPost, "/api/v1/offers/"+winner+"/accept", driver("d2"), nil)
	expectStatus(t, resp, body, http.StatusOK)

	var loser string
	for _, o := range paid.Dispatch.Offers {
		if o.DriverID == "d1" {
			loser = o.ID
		}
	}
	resp, body = e.do(t, http.MethodPost, "/api/v1/offers/"+loser+"/accept", driver("d1"), nil)
	expectStatus(t, resp, body, http.StatusGone)
	if code := errorCode(t, body); code != "offer_unavailable" {
		t.Fatalf("code = %s", code)
	}

	resp, body = e.do(t, http.MethodPost, base+"/status", driver("d2"), map[string]any{"status": "started"})
	expectStatus(t, resp, body, http.StatusConflict)
	for _, st := range []string{"en_route", "arrived", "started"} {
		resp, body = e.do(t, http.MethodPost, base+"/status", driver("d2"), map[string]any{"status": st})
		expectStatus(t, resp, body, http.StatusOK)
	}
	resp, body = e.do(t, http.MethodPost, base+"/finalize", driver("d2"), nil)
	expectStatus(t, resp, body, http.StatusConflict)
	resp, body = e.do(t, http.MethodPost, base+"/complete", driver("d2"), nil)
	expectStatus(t, resp, body, http.StatusOK)

	resp, body = e.do(t, http.MethodPost, base+"/finalize", driver("d2"), map[string]any{"disposal_cost_actual": 80})
	expectStatus(t, resp, body, http.StatusCreated)
	var p models.Payout
	_ = json.Unmarshal(body, &p)
	if p.DriverPayout != 101.4 || p.DisposalReimbursement != 30 || p.TotalAmount != 131.4 {
		t.Fatalf("unexpected payout %+v", p)
	}
	resp, body = e.do(t, http.MethodPost, base+"/finalize", driver("d2"), map[string]any{"disposal_cost_actual": 500})
	expectStatus(t, resp, body, http.StatusOK)

	resp, body = e.do(t, http.MethodPost, base+"/cancel", customer, map[string]any{"reason": "late"})
	expectStatus(t, resp, body, http.StatusConflict)
	if code := errorCode(t, body); code != "terminal_state_violation" {
		t.Fatalf("code = %s", code)
	}

	resp, body = e.do(t, http.MethodGet, "/api/v1/admin/payouts?status=pending", admin, nil)
	expectStatus(t, resp, body, http.StatusOK)
	if !bytes.Contains(body, []byte(p.ID)) {
		t.Fatalf("payout missing from list: %s", body)
	}
	resp, body = e.do(t, http.MethodPost, "/api/v1/admin/payouts/"+p.ID+"/paid", admin, nil)
	expectStatus(t, resp, body, http.StatusOK)
	resp, body = e.do(t, http.MethodGet, "/api/v1/admin/payouts/export", admin, nil)
	expectStatus(t, resp, body, http.StatusOK)
	if ct := resp.Header.Get("Content-Type"); ct != "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet" || len(body) == 0 {
		t.Fatalf("unexpected export content type %q", ct)
	}

	resp, body = e.do(t, http.MethodGet, base+"/events", customer, nil)
	expectStatus(t, resp, body, http.StatusOK)
	if !bytes.Contains(body, []byte(string(models.EventPayoutCreated))) {
		t.Fatalf("event feed missing payout: %s", body)
	}
}

func TestPaymentWithoutDriversReportsNoCoverage(t *testing.T) {
	e := newTestEnv(t, 0)
	_, body := e.do(t, http.MethodPost, "/api/v1/jobs", customer, jobBody())
	var job models.Job
	_ = json.Unmarshal(body, &job)

	resp, body := e.do(t, http.MethodPost, "/api/v1/jobs/"+job.ID+"/payment", customer, map[string]any{"provider": "manual", "reference": "cash-1"})
	expectStatus(t, resp, body, http.StatusOK)
	if !bytes.Contains(body, []byte(`"outcome":"no_coverage"`)) || !bytes.Contains(body, []byte(`"status":"no_coverage"`)) {
		t.Fatalf("unexpected body %s", body)
	}
}

func TestAvailabilityAndLocation(t *testing.T) {
	e := newTestEnv(t, 1)
	resp, body := e.do(t, http.MethodPost, "/api/v1/drivers/me/availability", driver("d1"), map[string]any{
		"online": false, "loc": map[string]any{"lat": 39.96, "lon": -75.17},
	})
	expectStatus(t, resp, body, http.StatusOK)
	d, _ := e.store.GetDriver(context.Background(), "d1")
	if d.Online {
		t.Fatal("driver should be offline")
	}
	pos, _ := e.geo.Positions(context.Background(), []string{"d1"})
	if pos["d1"].Lat != 39.96 {
		t.Fatalf("position not recorded: %+v", pos)
	}

	resp, body = e.do(t, http.MethodPost, "/internal/driver/locations", driver("d1"), map[string]any{
		"driver_id": "d9", "loc": map[string]any{"lat": 1, "lon": 1},
	})
	expectStatus(t, resp, body, http.StatusForbidden)
	resp, body = e.do(t, http.MethodPost, "/internal/driver/locations", admin, map[string]any{
		"driver_id": "d9", "loc": map[string]any{"lat": 1, "lon": 1},
	})
	expectStatus(t, resp, body, http.StatusNoContent)
	resp, body = e.do(t, http.MethodPost, "/internal/driver/locations", admin, map[string]any{
		"driver_id": "d9", "loc": map[string]any{"lat": 100, "lon": 1},
	})
	expectStatus(t, resp, body, http.StatusBadRequest)
}

func TestHealthAndRequestID(t *testing.T) {
	e := newTestEnv(t, 0)
	resp, body := e.do(t, http.MethodGet, "/healthz", nil, nil)
	expectStatus(t, resp, body, http.StatusOK)
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatal("request id header missing")
	}
	resp, body = e.do(t, http.MethodGet, "/ready", nil, nil)
	expectStatus(t, resp, body, http.StatusOK)
}

func TestStatusForKinds(t *testing.T) {
	cases := map[apperr.Kind]int{
		apperr.KindNotFound:          http.StatusNotFound,
		apperr.KindBadRequest:        http.StatusBadRequest,
		apperr.KindInvalidState:      http.StatusConflict,
		apperr.KindInvalidTransition: http.StatusConflict,
		apperr.KindTerminalState:     http.StatusConflict,
		apperr.KindOfferUnavailable:  http.StatusGone,
		apperr.KindForbidden:         http.StatusForbidden,
		apperr.KindPaymentRejected:   http.StatusPaymentRequired,
		apperr.KindInternal:          http.StatusInternalServerError,
	}
	for kind, want := range cases {
		if got := statusFor(kind); got != want {
			t.Errorf("statusFor(%s) = %d, want %d", kind, got, want)
		}
	}
}
