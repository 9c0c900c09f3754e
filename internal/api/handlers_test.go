package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/LeventeLantos/message-dispatcher/internal/cache"
	"github.com/LeventeLantos/message-dispatcher/internal/metrics"
	"github.com/LeventeLantos/message-dispatcher/internal/model"
	"github.com/LeventeLantos/message-dispatcher/internal/repo"
	"github.com/LeventeLantos/message-dispatcher/internal/scheduler"
	"github.com/LeventeLantos/message-dispatcher/internal/service"
)

type fakeStore struct {
	// capture args
	gotStatus model.Status
	gotLimit  int
	gotOffset int
	gotKey    string
	gotValue  string

	// behavior
	items   []model.QueueEntry
	entry   model.QueueEntry
	logs    []model.LogEntry
	stats   model.Stats
	session *model.SessionState
	err     error
}

var _ Store = (*fakeStore)(nil)

func (f *fakeStore) Get(_ context.Context, id int64) (model.QueueEntry, error) {
	if f.err != nil {
		return model.QueueEntry{}, f.err
	}
	if f.entry.ID != id {
		return model.QueueEntry{}, repo.ErrNotFound
	}
	return f.entry, nil
}

func (f *fakeStore) List(_ context.Context, status model.Status, limit, offset int) ([]model.QueueEntry, error) {
	f.gotStatus = status
	f.gotLimit = limit
	f.gotOffset = offset
	return f.items, f.err
}

func (f *fakeStore) ListLog(_ context.Context, limit, offset int) ([]model.LogEntry, error) {
	f.gotLimit = limit
	f.gotOffset = offset
	return f.logs, f.err
}

func (f *fakeStore) Stats(context.Context) (model.Stats, error) {
	return f.stats, f.err
}

func (f *fakeStore) GetSessionState(context.Context) (model.SessionState, bool, error) {
	if f.session == nil {
		return model.SessionState{}, false, f.err
	}
	return *f.session, true, f.err
}

func (f *fakeStore) SetConfigValue(_ context.Context, key, value string) error {
	f.gotKey = key
	f.gotValue = value
	return f.err
}

type fakeEnqueuer struct {
	got  []service.Recipient
	body string
	err  error
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, r service.Recipient, body string) (model.QueueEntry, error) {
	out, err := f.EnqueueBulk(ctx, []service.Recipient{r}, body)
	if err != nil {
		return model.QueueEntry{}, err
	}
	return out[0], nil
}

func (f *fakeEnqueuer) EnqueueBulk(_ context.Context, rs []service.Recipient, body string) ([]model.QueueEntry, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.got = append(f.got, rs...)
	f.body = body
	out := make([]model.QueueEntry, len(rs))
	for i, r := range rs {
		out[i] = model.QueueEntry{ID: int64(i + 1), RecipientAddress: r.Address, Body: body, Status: model.Pending, MaxAttempts: 3}
	}
	return out, nil
}

type fakeReceipts struct {
	byID map[int64]cache.Receipt
	err  error
}

func (f fakeReceipts) GetSent(_ context.Context, id int64) (cache.Receipt, bool, error) {
	if f.err != nil {
		return cache.Receipt{}, false, f.err
	}
	rc, ok := f.byID[id]
	return rc, ok, nil
}

type readiness bool

func (r readiness) IsReady() bool { return bool(r) }

type testServer struct {
	sched *scheduler.Scheduler
	store *fakeStore
	enq   *fakeEnqueuer
	h     *Handler
	mux   http.Handler
}

func newTestServer(t *testing.T, ready bool, opts RouterOptions) *testServer {
	t.Helper()

	// Long interval so only the immediate tick happens (noop anyway).
	s, err := scheduler.New("test", time.Hour, func(context.Context) {},
		scheduler.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		t.Fatalf("failed to create scheduler: %v", err)
	}
	t.Cleanup(func() { s.Stop() })

	ts := &testServer{sched: s, store: &fakeStore{}, enq: &fakeEnqueuer{}}
	h := NewHandler(s, readiness(ready), ts.enq, ts.store)
	h.now = func() time.Time { return time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC) }
	ts.h = h
	ts.mux = Router(h, opts)
	return ts
}

func (ts *testServer) do(method, target, body string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	rr := httptest.NewRecorder()
	ts.mux.ServeHTTP(rr, req)
	return rr
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var m map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &m); err != nil {
		t.Fatalf("failed to decode json: %v body=%q", err, rr.Body.String())
	}
	return m
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, true, RouterOptions{})

	rr := ts.do(http.MethodGet, "/health", "")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%q", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("expected Content-Type application/json, got %q", ct)
	}

	body := decodeJSON(t, rr)
	if body["status"] != "connected" {
		t.Fatalf("expected status connected, got %v", body)
	}
	if v, ok := body["whatsapp_ready"].(bool); !ok || !v {
		t.Fatalf("expected whatsapp_ready=true, got %v", body)
	}
	if body["timestamp"] != "2026-04-01T09:00:00Z" {
		t.Fatalf("expected RFC3339 timestamp, got %v", body["timestamp"])
	}
}

func TestHealth_NotReady(t *testing.T) {
	ts := newTestServer(t, false, RouterOptions{})

	body := decodeJSON(t, ts.do(http.MethodGet, "/health", ""))
	if body["status"] != "running" {
		t.Fatalf("expected status running, got %v", body)
	}
	if v, ok := body["whatsapp_ready"].(bool); !ok || v {
		t.Fatalf("expected whatsapp_ready=false, got %v", body)
	}
}

func TestSchedulerEndpoints(t *testing.T) {
	ts := newTestServer(t, true, RouterOptions{})

	// Initially should be false.
	{
		rr := ts.do(http.MethodGet, "/v1/scheduler/status", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d body=%q", rr.Code, rr.Body.String())
		}
		body := decodeJSON(t, rr)
		if running, ok := body["running"].(bool); !ok || running {
			t.Fatalf("expected running=false, got %v", body)
		}
	}

	// Start
	{
		rr := ts.do(http.MethodPost, "/v1/scheduler/start", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d body=%q", rr.Code, rr.Body.String())
		}
		body := decodeJSON(t, rr)
		if running, ok := body["running"].(bool); !ok || !running {
			t.Fatalf("expected running=true after start, got %v", body)
		}
	}

	// Stop
	{
		rr := ts.do(http.MethodPost, "/v1/scheduler/stop", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d body=%q", rr.Code, rr.Body.String())
		}
		body := decodeJSON(t, rr)
		if running, ok := body["running"].(bool); !ok || running {
			t.Fatalf("expected running=false after stop, got %v", body)
		}
	}
}

func TestCreateMessage(t *testing.T) {
	ts := newTestServer(t, true, RouterOptions{})

	rr := ts.do(http.MethodPost, "/v1/messages", `{"phone":"+15550001","name":"Ana","message":"hello"}`)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%q", rr.Code, rr.Body.String())
	}
	if len(ts.enq.got) != 1 || ts.enq.got[0].Address != "+15550001" || ts.enq.got[0].Label != "Ana" {
		t.Fatalf("unexpected recipients: %+v", ts.enq.got)
	}
	body := decodeJSON(t, rr)
	if body["status"] != "pending" {
		t.Fatalf("expected pending entry, got %v", body)
	}
}

func TestCreateBulkMessages(t *testing.T) {
	ts := newTestServer(t, true, RouterOptions{})

	rr := ts.do(http.MethodPost, "/v1/messages/bulk",
		`{"recipients":[{"phone":"+15550001","name":"Ana"},{"phone":"+15550002"}],"message":"hi"}`)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%q", rr.Code, rr.Body.String())
	}
	body := decodeJSON(t, rr)
	if count, ok := body["count"].(float64); !ok || count != 2 {
		t.Fatalf("expected count=2, got %v", body)
	}
	if ts.enq.body != "hi" {
		t.Fatalf("expected body to be passed through, got %q", ts.enq.body)
	}
}

func TestCreateMessage_BadRequests(t *testing.T) {
	ts := newTestServer(t, true, RouterOptions{})

	rr := ts.do(http.MethodPost, "/v1/messages", `{not json`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed json, got %d", rr.Code)
	}

	ts.enq.err = fmt.Errorf("%w: body is empty", service.ErrInvalidMessage)
	rr = ts.do(http.MethodPost, "/v1/messages", `{"phone":"+1555","message":""}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for validation error, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "body is empty") {
		t.Fatalf("expected validation message, got %q", rr.Body.String())
	}

	ts.enq.err = errors.New("db down")
	rr = ts.do(http.MethodPost, "/v1/messages", `{"phone":"+1555","message":"x"}`)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 for store error, got %d", rr.Code)
	}
}

func TestCreateMessage_RateLimited(t *testing.T) {
	ts := newTestServer(t, true, RouterOptions{EnqueueLimiter: rate.NewLimiter(rate.Every(time.Hour), 1)})

	first := ts.do(http.MethodPost, "/v1/messages", `{"phone":"+15550001","message":"a"}`)
	if first.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", first.Code)
	}
	second := ts.do(http.MethodPost, "/v1/messages", `{"phone":"+15550001","message":"b"}`)
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", second.Code)
	}

	// Reads are not throttled.
	if rr := ts.do(http.MethodGet, "/v1/messages", ""); rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for list, got %d", rr.Code)
	}
}

func TestListMessages_DefaultsAndArgs(t *testing.T) {
	ts := newTestServer(t, true, RouterOptions{})
	ts.store.items = []model.QueueEntry{
		{ID: 1, RecipientAddress: "+361", Body: "a", Status: model.Sent},
	}

	// No query params => defaults (limit=50, offset=0)
	rr := ts.do(http.MethodGet, "/v1/messages", "")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%q", rr.Code, rr.Body.String())
	}
	if ts.store.gotLimit != 50 || ts.store.gotOffset != 0 || ts.store.gotStatus != "" {
		t.Fatalf("expected store called with limit=50 offset=0, got limit=%d offset=%d status=%q",
			ts.store.gotLimit, ts.store.gotOffset, ts.store.gotStatus)
	}

	body := decodeJSON(t, rr)
	items, ok := body["items"].([]any)
	if !ok {
		t.Fatalf("expected items array, got %T %v", body["items"], body)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
}

func TestListMessages_ParsesQuery(t *testing.T) {
	ts := newTestServer(t, true, RouterOptions{})

	rr := ts.do(http.MethodGet, "/v1/messages?status=failed&limit=10&offset=5", "")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%q", rr.Code, rr.Body.String())
	}
	if ts.store.gotLimit != 10 || ts.store.gotOffset != 5 || ts.store.gotStatus != model.Failed {
		t.Fatalf("unexpected args: limit=%d offset=%d status=%q", ts.store.gotLimit, ts.store.gotOffset, ts.store.gotStatus)
	}
}

func TestListMessages_InvalidParams(t *testing.T) {
	ts := newTestServer(t, true, RouterOptions{})

	rr := ts.do(http.MethodGet, "/v1/messages?limit=abc&offset=zzz", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%q", rr.Code, rr.Body.String())
	}
	if ts.store.gotLimit != 50 || ts.store.gotOffset != 0 {
		t.Fatalf("expected defaults limit=50 offset=0, got limit=%d offset=%d", ts.store.gotLimit, ts.store.gotOffset)
	}

	rr = ts.do(http.MethodGet, "/v1/messages?limit=100000", "")
	if rr.Code != http.StatusOK || ts.store.gotLimit != maxLimit {
		t.Fatalf("expected limit clamped to %d, got %d", maxLimit, ts.store.gotLimit)
	}

	rr = ts.do(http.MethodGet, "/v1/messages?status=lost", "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d", rr.Code)
	}
}

func TestListMessages_StoreErrorReturns500(t *testing.T) {
	ts := newTestServer(t, true, RouterOptions{})
	ts.store.err = errors.New("db down")

	rr := ts.do(http.MethodGet, "/v1/messages", "")

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d body=%q", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "db down") {
		t.Fatalf("expected error body to contain store error, got %q", rr.Body.String())
	}
}

func TestGetMessage(t *testing.T) {
	ts := newTestServer(t, true, RouterOptions{})
	ts.store.entry = model.QueueEntry{ID: 7, RecipientAddress: "+1555", Status: model.Sent, Attempts: 1}

	rr := ts.do(http.MethodGet, "/v1/messages/7", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%q", rr.Code, rr.Body.String())
	}
	if body := decodeJSON(t, rr); body["id"].(float64) != 7 {
		t.Fatalf("expected id 7, got %v", body)
	}

	if rr := ts.do(http.MethodGet, "/v1/messages/8", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	if rr := ts.do(http.MethodGet, "/v1/messages/abc", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestGetMessage_Receipt(t *testing.T) {
	ts := newTestServer(t, true, RouterOptions{})
	sentAt := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	ts.h.WithReceipts(fakeReceipts{byID: map[int64]cache.Receipt{
		7: {ProviderMessageID: "prov-7", SentAt: sentAt},
	}})

	ts.store.entry = model.QueueEntry{ID: 7, Status: model.Sent, Attempts: 1}
	body := decodeJSON(t, ts.do(http.MethodGet, "/v1/messages/7", ""))
	receipt, ok := body["receipt"].(map[string]any)
	if !ok {
		t.Fatalf("expected receipt in body, got %v", body)
	}
	if receipt["providerMessageId"] != "prov-7" || body["id"].(float64) != 7 {
		t.Fatalf("unexpected body: %v", body)
	}

	// Pending rows never carry a receipt.
	ts.store.entry = model.QueueEntry{ID: 7, Status: model.Pending}
	if body := decodeJSON(t, ts.do(http.MethodGet, "/v1/messages/7", "")); body["receipt"] != nil {
		t.Fatalf("expected no receipt for pending row, got %v", body)
	}

	// A cache failure still serves the row.
	ts.h.WithReceipts(fakeReceipts{err: errors.New("redis down")})
	ts.store.entry = model.QueueEntry{ID: 7, Status: model.Sent, Attempts: 1}
	rr := ts.do(http.MethodGet, "/v1/messages/7", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 on cache error, got %d", rr.Code)
	}
	if body := decodeJSON(t, rr); body["receipt"] != nil {
		t.Fatalf("expected no receipt on cache error, got %v", body)
	}
}

func TestListLogAndStats(t *testing.T) {
	ts := newTestServer(t, true, RouterOptions{})
	ts.store.logs = []model.LogEntry{{ID: 1, QueueID: 7, Status: model.LogSent}}
	ts.store.stats = model.Stats{TotalSent: 4, Pending: 2, Failed: 1}

	rr := ts.do(http.MethodGet, "/v1/messages/log?limit=5", "")
	if rr.Code != http.StatusOK || ts.store.gotLimit != 5 {
		t.Fatalf("expected 200 with limit=5, got %d limit=%d", rr.Code, ts.store.gotLimit)
	}
	if items, _ := decodeJSON(t, rr)["items"].([]any); len(items) != 1 {
		t.Fatalf("expected 1 log item, got %v", rr.Body.String())
	}

	rr = ts.do(http.MethodGet, "/v1/messages/stats", "")
	body := decodeJSON(t, rr)
	if body["totalSent"].(float64) != 4 || body["pending"].(float64) != 2 || body["failed"].(float64) != 1 {
		t.Fatalf("unexpected stats: %v", body)
	}
}

func TestSession(t *testing.T) {
	ts := newTestServer(t, false, RouterOptions{})

	body := decodeJSON(t, ts.do(http.MethodGet, "/v1/session", ""))
	state, _ := body["state"].(map[string]any)
	if state["status"] != "disconnected" {
		t.Fatalf("expected disconnected default, got %v", body)
	}

	ts.store.session = &model.SessionState{Status: model.SessionQRReady}
	body = decodeJSON(t, ts.do(http.MethodGet, "/v1/session", ""))
	state, _ = body["state"].(map[string]any)
	if state["status"] != "qr_ready" {
		t.Fatalf("expected qr_ready, got %v", body)
	}
}

func TestSetConfig(t *testing.T) {
	ts := newTestServer(t, true, RouterOptions{})

	rr := ts.do(http.MethodPut, "/v1/config/message_rate_limit_seconds", `{"value":" 1.5 "}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%q", rr.Code, rr.Body.String())
	}
	if ts.store.gotKey != service.RateLimitKey || ts.store.gotValue != "1.5" {
		t.Fatalf("unexpected write: %q=%q", ts.store.gotKey, ts.store.gotValue)
	}

	if rr := ts.do(http.MethodPut, "/v1/config/message_rate_limit_seconds", `{"value":"-1"}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative value, got %d", rr.Code)
	}
	for _, v := range []string{"1e10", "1e300", "NaN"} {
		ts.store.gotValue = ""
		if rr := ts.do(http.MethodPut, "/v1/config/message_rate_limit_seconds", `{"value":"`+v+`"}`); rr.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 for %q, got %d", v, rr.Code)
		}
		if ts.store.gotValue != "" {
			t.Fatalf("expected %q not to be stored", v)
		}
	}
	if rr := ts.do(http.MethodPut, "/v1/config/other", `{"value":"1"}`); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown key, got %d", rr.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewDispatch(reg)
	m.Sent()

	ts := newTestServer(t, true, RouterOptions{Gatherer: reg})

	rr := ts.do(http.MethodGet, "/metrics", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "dispatch_messages_sent_total 1") {
		t.Fatalf("expected sent counter in output, got %q", rr.Body.String())
	}
}

func TestRouterRoot(t *testing.T) {
	ts := newTestServer(t, true, RouterOptions{})

	rr := ts.do(http.MethodGet, "/", "")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%q", rr.Code, rr.Body.String())
	}
	if got := strings.TrimSpace(rr.Body.String()); got != "message-dispatcher" {
		t.Fatalf("expected body %q, got %q", "message-dispatcher", got)
	}
}
