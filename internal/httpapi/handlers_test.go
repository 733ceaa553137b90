package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/overpasskit/landmark-webhook/internal/cache/memcache"
	"github.com/overpasskit/landmark-webhook/internal/coord"
	"github.com/overpasskit/landmark-webhook/internal/model"
	"github.com/overpasskit/landmark-webhook/internal/overpass"
	"github.com/overpasskit/landmark-webhook/internal/queue"
	"github.com/overpasskit/landmark-webhook/internal/store"
	"github.com/overpasskit/landmark-webhook/internal/webhook"
)

const testSecret = "s3cr3t"

type recordingProducer struct {
	mu   sync.Mutex
	msgs []queue.Message
	fail error
}

func (p *recordingProducer) Enqueue(_ context.Context, m queue.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	p.msgs = append(p.msgs, m)
	return nil
}

func (p *recordingProducer) Close() error { return nil }

func (p *recordingProducer) all() []queue.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]queue.Message(nil), p.msgs...)
}

type staticQueue struct {
	ready bool
	parts []int32
}

func (q staticQueue) Readiness() (bool, []int32) { return q.ready, q.parts }

type harness struct {
	srv  *httptest.Server
	st   *store.Memory
	hot  *memcache.Cache
	prod *recordingProducer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := store.NewMemory()
	hot := memcache.New(128, time.Minute)
	prod := &recordingProducer{}

	r := NewRouter(Deps{
		Log:           zerolog.Nop(),
		Submitter:     webhook.NewCoordinator(st, hot, prod, 500, 24*time.Hour, zerolog.Nop()),
		Querier:       webhook.NewReader(st, hot, 500, zerolog.Nop()),
		WebhookSecret: testSecret,
		Store:         st,
		Queue:         staticQueue{ready: true, parts: []int32{0, 1}},
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &harness{srv: srv, st: st, hot: hot, prod: prod}
}

func do(t *testing.T, req *http.Request) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, body
}

func postWebhook(t *testing.T, h *harness, token, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, h.srv.URL+"/webhook", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return do(t, req)
}

func get(t *testing.T, h *harness, path string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, h.srv.URL+path, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	return do(t, req)
}

func TestSubmitAccepted(t *testing.T) {
	h := newHarness(t)

	resp, body := postWebhook(t, h, testSecret, `{"lat": 48.858370, "lng": 2.294481}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status=%d want 202 (body %s)", resp.StatusCode, body)
	}
	var sub webhook.Submission
	if err := json.Unmarshal(body, &sub); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sub.ID == uuid.Nil || sub.Status != model.StatusPending {
		t.Fatalf("submission=%+v", sub)
	}

	msgs := h.prod.all()
	if len(msgs) != 1 || msgs[0].RequestID != sub.ID {
		t.Fatalf("enqueued=%v want one message for %s", msgs, sub.ID)
	}

	// literal digits canonicalized half-up to 4 decimals
	rec, err := h.st.FindLiveRequestByKey(context.Background(),
		coord.Key{Lat: 48.8584, Lng: 2.2945, RadiusMeters: 500})
	if err != nil {
		t.Fatalf("record not stored under canonical key: %v", err)
	}
	if rec.ID != sub.ID {
		t.Fatalf("stored id=%s want %s", rec.ID, sub.ID)
	}

	// still pending: the status endpoint answers 202 with no body
	resp, body = get(t, h, "/webhook/"+sub.ID.String())
	if resp.StatusCode != http.StatusAccepted || len(body) != 0 {
		t.Fatalf("status=%d body=%q want empty 202", resp.StatusCode, body)
	}
}

func TestSubmitRequiresAuth(t *testing.T) {
	h := newHarness(t)

	resp, body := postWebhook(t, h, "", `{"lat": 1, "lng": 2}`)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status=%d want 401", resp.StatusCode)
	}
	e := decodeEnvelope(t, body)
	if e.Message != "Missing or invalid Authorization header" {
		t.Fatalf("envelope=%+v", e)
	}

	resp, body = postWebhook(t, h, "wrong", `{"lat": 1, "lng": 2}`)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status=%d want 401", resp.StatusCode)
	}
	if e := decodeEnvelope(t, body); e.Message != "Invalid token" {
		t.Fatalf("envelope=%+v", e)
	}
	if len(h.prod.all()) != 0 {
		t.Fatal("unauthorized request reached the queue")
	}
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t)

	// missing field
	resp, body := postWebhook(t, h, testSecret, `{"lat": 48.8584}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status=%d want 400", resp.StatusCode)
	}
	e := decodeEnvelope(t, body)
	if e.Error != CodeValidation || e.FieldErrors["lng"] == "" {
		t.Fatalf("envelope=%+v want lng field error", e)
	}

	// out of range
	resp, body = postWebhook(t, h, testSecret, `{"lat": 91, "lng": 2.2945}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status=%d want 400", resp.StatusCode)
	}
	e = decodeEnvelope(t, body)
	if e.Error != CodeValidation || e.FieldErrors["lat"] == "" {
		t.Fatalf("envelope=%+v want lat field error", e)
	}

	// malformed json
	resp, body = postWebhook(t, h, testSecret, `{"lat": `)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status=%d want 400", resp.StatusCode)
	}
	if e := decodeEnvelope(t, body); e.Error != CodeValidation {
		t.Fatalf("envelope=%+v", e)
	}
	if len(h.prod.all()) != 0 {
		t.Fatal("invalid request reached the queue")
	}
}

func TestSubmitEnqueueFailure(t *testing.T) {
	h := newHarness(t)
	h.prod.fail = errors.New("broker down")

	resp, body := postWebhook(t, h, testSecret, `{"lat": 48.858370, "lng": 2.294481}`)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status=%d want 502 (body %s)", resp.StatusCode, body)
	}
	if e := decodeEnvelope(t, body); e.Error != CodeWebhookProcessing {
		t.Fatalf("envelope=%+v", e)
	}
}

func TestStatusEndpoint(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	resp, body := get(t, h, "/webhook/not-a-uuid")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status=%d want 400", resp.StatusCode)
	}
	if e := decodeEnvelope(t, body); e.Error != CodeInvalidParameter {
		t.Fatalf("envelope=%+v", e)
	}

	resp, _ = get(t, h, "/webhook/"+uuid.NewString())
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status=%d want 404", resp.StatusCode)
	}

	rec := model.NewRequestRecord(coord.Key{Lat: 48.8584, Lng: 2.2945, RadiusMeters: 500}, time.Now().UTC())
	rec.Status = model.StatusFound
	if err := h.st.SaveRequest(ctx, rec); err != nil {
		t.Fatalf("seed: %v", err)
	}
	lm := model.NewLandmarkRecord(rec.ID, model.OsmWay, 100, "Louvre",
		48.8606, 2.3376, model.TagMap{"tourism": "attraction"}, time.Now().UTC())
	if err := h.st.SaveLandmark(ctx, lm); err != nil {
		t.Fatalf("seed landmark: %v", err)
	}
	if err := h.st.AssociateLandmark(ctx, rec.ID, lm.ID); err != nil {
		t.Fatalf("seed association: %v", err)
	}

	resp, body = get(t, h, "/webhook/"+rec.ID.String())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d want 200 (body %s)", resp.StatusCode, body)
	}
	var out webhook.Response
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Count != 1 || out.RadiusMeters != 500 || out.Key.Lat != 48.8584 || out.Key.Lng != 2.2945 {
		t.Fatalf("response=%+v", out)
	}
	if len(out.Landmarks) != 1 || out.Landmarks[0].OsmType != model.OsmWay || out.Landmarks[0].OsmID != 100 {
		t.Fatalf("landmarks=%+v", out.Landmarks)
	}
}

func TestStatusEndpointErrorRecord(t *testing.T) {
	h := newHarness(t)

	rec := model.NewRequestRecord(coord.Key{Lat: 48.8584, Lng: 2.2945, RadiusMeters: 500}, time.Now().UTC())
	rec.Status = model.StatusError
	rec.ErrorMessage = "overpass http_status: status 504"
	if err := h.st.SaveRequest(context.Background(), rec); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// terminal, so the record is reported, with an empty landmark list
	resp, body := get(t, h, "/webhook/"+rec.ID.String())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d want 200", resp.StatusCode)
	}
	if !strings.Contains(string(body), `"landmarks":[]`) {
		t.Fatalf("body=%s want empty landmarks array", body)
	}
}

func TestLandmarksEndpoint(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	resp, body := get(t, h, "/landmarks?lat=48.8584&lng=none")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status=%d want 400", resp.StatusCode)
	}
	e := decodeEnvelope(t, body)
	if e.Error != CodeInvalidParameter || e.FieldErrors["lng"] == "" {
		t.Fatalf("envelope=%+v", e)
	}

	resp, body = get(t, h, "/landmarks?lat=48.8584&lng=2.2945")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d want 200", resp.StatusCode)
	}
	var out webhook.QueryResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Source != webhook.SourceNone || len(out.Landmarks) != 0 {
		t.Fatalf("response=%+v want source none", out)
	}
	if !strings.Contains(string(body), `"landmarks":[]`) {
		t.Fatalf("body=%s want empty landmarks array", body)
	}

	rec := model.NewRequestRecord(coord.Key{Lat: 48.8584, Lng: 2.2945, RadiusMeters: 500}, time.Now().UTC())
	rec.Status = model.StatusFound
	if err := h.st.SaveRequest(ctx, rec); err != nil {
		t.Fatalf("seed: %v", err)
	}
	lm := model.NewLandmarkRecord(rec.ID, model.OsmWay, 100, "Louvre", 48.8606, 2.3376, nil, time.Now().UTC())
	if err := h.st.SaveLandmark(ctx, lm); err != nil {
		t.Fatalf("seed landmark: %v", err)
	}
	if err := h.st.AssociateLandmark(ctx, rec.ID, lm.ID); err != nil {
		t.Fatalf("seed association: %v", err)
	}

	resp, body = get(t, h, "/landmarks?lat=48.8584&lng=2.2945")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d want 200", resp.StatusCode)
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Source != webhook.SourceDB || len(out.Landmarks) != 1 {
		t.Fatalf("response=%+v want source db", out)
	}

	resp, body = get(t, h, "/landmarks?lat=48.8584&lng=2.2945")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d want 200", resp.StatusCode)
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Source != webhook.SourceCache {
		t.Fatalf("source=%s want cache", out.Source)
	}
}

type fixedFetcher struct{ landmarks []overpass.Landmark }

func (f fixedFetcher) QueryLandmarks(context.Context, float64, float64, int) ([]overpass.Landmark, error) {
	return f.landmarks, nil
}

func TestSubmitProcessRetrieveRoundTrip(t *testing.T) {
	h := newHarness(t)

	resp, body := postWebhook(t, h, testSecret, `{"lat": 48.858370, "lng": 2.294481}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status=%d (body %s)", resp.StatusCode, body)
	}
	var sub webhook.Submission
	if err := json.Unmarshal(body, &sub); err != nil {
		t.Fatalf("decode: %v", err)
	}

	// drain the queue the way the consumer would
	w := webhook.NewWorker(h.st, h.hot, fixedFetcher{landmarks: []overpass.Landmark{
		{OsmType: model.OsmWay, OsmID: 100, Name: "Louvre", Lat: 48.8606, Lng: 2.3376},
	}}, 24*time.Hour, zerolog.Nop())
	msgs := h.prod.all()
	if len(msgs) != 1 {
		t.Fatalf("queued %d messages, want 1", len(msgs))
	}
	acked := false
	if err := w.Handle(context.Background(), msgs[0], func() { acked = true }); err != nil || !acked {
		t.Fatalf("worker: acked=%v err=%v", acked, err)
	}

	resp, body = get(t, h, "/webhook/"+sub.ID.String())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d want 200 (body %s)", resp.StatusCode, body)
	}
	var out webhook.Response
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Count != 1 || out.Landmarks[0].Name != "Louvre" {
		t.Fatalf("response=%+v", out)
	}

	// resubmitting the same coordinates reuses the completed record
	resp, body = postWebhook(t, h, testSecret, `{"lat": 48.8584, "lng": 2.2945}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("resubmit status=%d", resp.StatusCode)
	}
	var again webhook.Submission
	if err := json.Unmarshal(body, &again); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if again.ID != sub.ID || again.Status != model.StatusFound {
		t.Fatalf("resubmit=%+v want {%s FOUND}", again, sub.ID)
	}
	if len(h.prod.all()) != 1 {
		t.Fatal("idempotent resubmission enqueued a second message")
	}
}

func TestHealthAndReadyEndpoints(t *testing.T) {
	h := newHarness(t)

	resp, body := get(t, h, "/healthz")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"status":"UP"`) {
		t.Fatalf("healthz status=%d body=%s", resp.StatusCode, body)
	}

	resp, body = get(t, h, "/readyz")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz status=%d body=%s", resp.StatusCode, body)
	}

	resp, body = get(t, h, "/metrics")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "# HELP") {
		t.Fatalf("metrics status=%d", resp.StatusCode)
	}
}

type panicQuerier struct{}

func (panicQuerier) GetByID(context.Context, uuid.UUID) (*webhook.Response, error) {
	panic("boom")
}

func (panicQuerier) GetByCoordinates(context.Context, string, string) (*webhook.QueryResponse, error) {
	panic("boom")
}

func TestPanicBecomesInternalError(t *testing.T) {
	r := NewRouter(Deps{
		Log:           zerolog.Nop(),
		Submitter:     webhook.NewCoordinator(store.NewMemory(), memcache.New(8, time.Minute), &recordingProducer{}, 500, time.Hour, zerolog.Nop()),
		Querier:       panicQuerier{},
		WebhookSecret: testSecret,
		Store:         store.NewMemory(),
		Queue:         staticQueue{ready: true},
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/landmarks?lat=1&lng=2")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status=%d want 500", resp.StatusCode)
	}
	if e := decodeEnvelope(t, body); e.Error != CodeInternal {
		t.Fatalf("envelope=%+v", e)
	}
}
