package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/provider-matching/internal/booking"
	"github.com/example/provider-matching/internal/dispatch"
	"github.com/example/provider-matching/internal/geo"
	"github.com/example/provider-matching/internal/matcher"
	"github.com/example/provider-matching/internal/models"
	"github.com/example/provider-matching/internal/scoring"
	"github.com/example/provider-matching/internal/storage"
)

const slot = "2026-03-02T10:00:00Z"

type testEnv struct {
	srv   *Server
	store *storage.MemoryStore
	ws    *dispatch.WSRegistry
}

// One Plumbing provider (id 1, user 100) at 12.9716,77.5946, about 5 km
// from the request origin 12.9719,77.6412.
func newTestEnv(t *testing.T, rateLimit float64) *testEnv {
	t.Helper()
	st := storage.NewMemoryStore(time.Second)
	idx := geo.NewMemoryIndex()
	st.AddCategory(models.Category{Name: "Plumbing", BasePrice: 40})
	p := models.Provider{ID: 1, UserID: 100, Rating: 4.5, Active: true, Verified: true}
	l := models.Listing{ID: 10, ProviderID: 1, Category: "Plumbing", Price: 55, Loc: models.Coord{Lat: 12.9716, Lon: 77.5946}, Approved: true}
	st.AddProvider(p)
	st.AddListing(l)
	idx.Upsert(l, p)

	stats := matcher.NewFairnessStats()
	ranker := &matcher.Ranker{
		Geo:      idx,
		Trust:    &scoring.TrustScorer{History: st},
		Workload: &scoring.WorkloadGauge{Counter: st},
		Stats:    stats,
		Weights:  matcher.DefaultWeights(),
	}
	ws := dispatch.NewWSRegistry(nil)
	svc := &booking.Service{Store: st, Matcher: ranker, Guard: &booking.Guard{}, Notifier: ws, RadiusKm: 10, Algorithm: matcher.TrustHybrid}
	srv := NewServer(Options{
		Bookings: svc, Ranker: ranker, Stats: stats, WSReg: ws,
		RequestTimeout: 5 * time.Second, RadiusKm: 10,
		BookingRate: rateLimit, BookingBurst: 1,
	})
	return &testEnv{srv: srv, store: st, ws: ws}
}

func (e *testEnv) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != "" {
		rd = bytes.NewReader([]byte(body))
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	return rec
}

func asUser(id int) map[string]string { return map[string]string{"X-User-ID": fmt.Sprint(id)} }

var owner = map[string]string{"X-User-ID": "100", "X-Provider-ID": "1"}

func listingBody(at string) string {
	return fmt.Sprintf(`{"serviceRef":"listing:10","scheduledAt":%q}`, at)
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var eb errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &eb); err != nil {
		t.Fatalf("error body is not JSON: %q", rec.Body.String())
	}
	return eb
}

func TestConcurrentBookingsOneWins(t *testing.T) {
	env := newTestEnv(t, 0)
	codes := make([]int, 2)
	var wg sync.WaitGroup
	for i := range codes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			codes[i] = env.do(t, http.MethodPost, "/bookings", listingBody(slot), asUser(10+i)).Code
		}(i)
	}
	wg.Wait()
	created, conflicts := 0, 0
	for _, c := range codes {
		switch c {
		case http.StatusCreated:
			created++
		case http.StatusConflict:
			conflicts++
		}
	}
	if created != 1 || conflicts != 1 {
		t.Fatalf("expected one 201 and one 409, got %v", codes)
	}
}

func TestBackToBackBookings(t *testing.T) {
	env := newTestEnv(t, 0)
	if rec := env.do(t, http.MethodPost, "/bookings", listingBody("2026-03-02T10:00:00Z"), asUser(7)); rec.Code != http.StatusCreated {
		t.Fatalf("10:00: expected 201, got %d %s", rec.Code, rec.Body)
	}
	if rec := env.do(t, http.MethodPost, "/bookings", listingBody("2026-03-02T11:00:00Z"), asUser(8)); rec.Code != http.StatusCreated {
		t.Fatalf("11:00: expected 201, got %d %s", rec.Code, rec.Body)
	}
	rec := env.do(t, http.MethodPost, "/bookings", listingBody("2026-03-02T10:30:00Z"), asUser(9))
	if rec.Code != http.StatusConflict || decodeError(t, rec).Code != "conflict" {
		t.Fatalf("10:30: expected 409 conflict, got %d %s", rec.Code, rec.Body)
	}
}

func TestMatchRadius(t *testing.T) {
	env := newTestEnv(t, 0)
	get := func(radius string) matchResponse {
		rec := env.do(t, http.MethodGet, "/match/providers?serviceRef=category:Plumbing&lat=12.9719&lon=77.6412&radiusKm="+radius+"&debug=true", "", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("radius %s: expected 200, got %d %s", radius, rec.Code, rec.Body)
		}
		var resp matchResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatal(err)
		}
		return resp
	}
	if resp := get("10"); len(resp.Providers) != 1 || resp.Providers[0].ProviderID != 1 || resp.Debug == nil || resp.Providers[0].Components == nil {
		t.Fatalf("10 km: expected provider 1 with debug block, got %+v", resp)
	}
	if resp := get("5"); len(resp.Providers) != 0 || resp.Total != 0 {
		t.Fatalf("5 km: expected no providers, got %+v", resp)
	}
}

func TestMatchExcludesOwnProvider(t *testing.T) {
	env := newTestEnv(t, 0)
	rec := env.do(t, http.MethodGet, "/match/providers?serviceRef=category:Plumbing&lat=12.9719&lon=77.6412&radiusKm=10", "", owner)
	var resp matchResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Providers) != 0 {
		t.Fatalf("own provider must be excluded, got %+v", resp.Providers)
	}
}

func TestMatchValidation(t *testing.T) {
	env := newTestEnv(t, 0)
	for _, q := range []string{
		"serviceRef=category:Plumbing&lon=77.6",
		"serviceRef=category:Plumbing&lat=91&lon=77.6",
		"serviceRef=category:Plumbing&lat=12.9&lon=77.6&radiusKm=0",
		"serviceRef=category:Plumbing&lat=12.9&lon=77.6&topN=-1",
		"serviceRef=category:Plumbing&lat=12.9&lon=77.6&algorithm=greedy",
		"serviceRef=plumbing&lat=12.9&lon=77.6",
	} {
		if rec := env.do(t, http.MethodGet, "/match/providers?"+q, "", nil); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d %s", q, rec.Code, rec.Body)
		}
	}
	if rec := env.do(t, http.MethodGet, "/match/providers?serviceRef=category:Welding&lat=12.9&lon=77.6", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown category: expected 404, got %d", rec.Code)
	}
}

func TestLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t, 0)
	rec := env.do(t, http.MethodPost, "/bookings", listingBody(slot), asUser(7))
	var b models.Booking
	if err := json.Unmarshal(rec.Body.Bytes(), &b); err != nil || rec.Code != http.StatusCreated {
		t.Fatalf("create failed: %d %s", rec.Code, rec.Body)
	}
	path := fmt.Sprintf("/bookings/%d/", b.ID)

	if rec := env.do(t, http.MethodPut, path+"accept", "", asUser(7)); rec.Code != http.StatusForbidden {
		t.Fatalf("requester accept: expected 403, got %d", rec.Code)
	}
	for _, step := range []string{"accept", "accept", "complete"} {
		if rec := env.do(t, http.MethodPut, path+step, "", owner); rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d %s", step, rec.Code, rec.Body)
		}
	}
	rec = env.do(t, http.MethodPut, path+"cancel", `{"reason":"late"}`, owner)
	if rec.Code != http.StatusConflict || decodeError(t, rec).Code != "invalid_transition" {
		t.Fatalf("cancel after complete: expected 409 invalid_transition, got %d %s", rec.Code, rec.Body)
	}
	if rec := env.do(t, http.MethodPut, path+"archive", "", owner); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown action: expected 400, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, fmt.Sprintf("/bookings/%d", b.ID), "", asUser(7)); rec.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/bookings/999", "", asUser(7)); rec.Code != http.StatusNotFound {
		t.Fatalf("get missing: expected 404, got %d", rec.Code)
	}
}

func TestCreateErrors(t *testing.T) {
	env := newTestEnv(t, 0)
	rec := env.do(t, http.MethodPost, "/bookings", listingBody(slot), nil)
	if rec.Code != http.StatusForbidden || decodeError(t, rec).Code != "forbidden" {
		t.Fatalf("missing identity: expected 403, got %d %s", rec.Code, rec.Body)
	}
	far := fmt.Sprintf(`{"serviceRef":"category:Plumbing","scheduledAt":%q,"originLat":40.7,"originLon":-74.0}`, slot)
	rec = env.do(t, http.MethodPost, "/bookings", far, asUser(7))
	if rec.Code != http.StatusBadRequest || decodeError(t, rec).Code != "no_providers_available" {
		t.Fatalf("no candidates: expected 400 no_providers_available, got %d %s", rec.Code, rec.Body)
	}
	if rec := env.do(t, http.MethodPost, "/bookings", `{"serviceRef":"listing:x"}`, asUser(7)); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad ref: expected 400, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/bookings", listingBody("2026-03-02T12:00:00Z"), owner); rec.Code != http.StatusBadRequest {
		t.Fatalf("self booking: expected 400, got %d", rec.Code)
	}
}

func TestBookingRateLimit(t *testing.T) {
	env := newTestEnv(t, 0.001)
	if rec := env.do(t, http.MethodPost, "/bookings", listingBody(slot), asUser(7)); rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	rec := env.do(t, http.MethodPost, "/bookings", listingBody("2026-03-02T12:00:00Z"), asUser(7))
	if rec.Code != http.StatusTooManyRequests || decodeError(t, rec).Code != "rate_limited" {
		t.Fatalf("expected 429, got %d %s", rec.Code, rec.Body)
	}
	if rec := env.do(t, http.MethodPost, "/bookings", listingBody("2026-03-02T14:00:00Z"), asUser(8)); rec.Code != http.StatusCreated {
		t.Fatalf("other clients are unaffected, got %d", rec.Code)
	}
}

func TestMatchingMetrics(t *testing.T) {
	env := newTestEnv(t, 0)
	env.do(t, http.MethodGet, "/match/providers?serviceRef=category:Plumbing&lat=12.9719&lon=77.6412&algorithm=baseline", "", nil)
	rec := env.do(t, http.MethodGet, "/metrics/matching", "", nil)
	var sum matcher.Summary
	if err := json.Unmarshal(rec.Body.Bytes(), &sum); err != nil {
		t.Fatal(err)
	}
	if sum.Algorithms["baseline"].Requests != 1 {
		t.Fatalf("expected one baseline request, got %+v", sum.Algorithms["baseline"])
	}
	if rec := env.do(t, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/ready", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("ready: %d", rec.Code)
	}
}

func TestProviderNotifiedOverWebsocket(t *testing.T) {
	env := newTestEnv(t, 0)
	ts := httptest.NewServer(env.srv)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/providers/1"
	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"X-User-ID": {"100"}, "X-Provider-ID": {"1"}})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for !env.ws.Connected(1) {
		if time.Now().After(deadline) {
			t.Fatal("session never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if rec := env.do(t, http.MethodPost, "/bookings", listingBody(slot), asUser(7)); rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var n models.AssignmentNotice
	if err := conn.ReadJSON(&n); err != nil {
		t.Fatalf("read notice: %v", err)
	}
	if n.BookingID == 0 || n.Status != models.StatusPending {
		t.Fatalf("unexpected notice %+v", n)
	}

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"X-User-ID": {"200"}, "X-Provider-ID": {"2"}})
	if err == nil || resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for mismatched provider, got err=%v resp=%v", err, resp)
	}
}

func TestClientLimiterEvictsIdleClients(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	c := newClientLimiter(1, 1)
	c.now = func() time.Time { return now }

	for i := 0; i < 100; i++ {
		c.allow(fmt.Sprintf("user-%d", i))
	}
	if !c.allow("busy") || c.allow("busy") {
		t.Fatal("expected burst of one for busy client")
	}
	if len(c.clients) != 101 {
		t.Fatalf("expected 101 limiters, got %d", len(c.clients))
	}

	now = now.Add(limiterIdleTTL / 2)
	c.allow("busy")
	now = now.Add(limiterIdleTTL / 2)
	c.allow("busy")
	if len(c.clients) != 1 {
		t.Fatalf("expected idle clients evicted, got %d", len(c.clients))
	}
	if _, ok := c.clients["busy"]; !ok {
		t.Fatal("active client was evicted")
	}
}
