package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BTreeMap/AnchorLoop/internal/conversation"
	"github.com/BTreeMap/AnchorLoop/internal/metrics"
	"github.com/BTreeMap/AnchorLoop/internal/models"
	"github.com/BTreeMap/AnchorLoop/internal/speech"
	"github.com/BTreeMap/AnchorLoop/internal/store"
	"github.com/BTreeMap/AnchorLoop/internal/testutil"
)

var testVoices = []models.VoiceProfile{
	{ID: "Google US English", Lang: "en-US", Label: "Google US English"},
	{ID: "Fred", Lang: "en-US", Label: "Fred"},
}

type gatedEngine struct {
	release chan struct{}
	calls   atomic.Int32
}

func (e *gatedEngine) GetReply(ctx context.Context, _ string) models.ReplyResult {
	e.calls.Add(1)
	select {
	case <-e.release:
	case <-ctx.Done():
	}
	return models.ReplyResult{Text: "Breathe. Then call someone.", Sentiment: "neutral"}
}

type apiHarness struct {
	handler http.Handler
	loop    *conversation.Loop
	rec     *testutil.FakeRecognizer
	synth   *testutil.FakeSynthesizer
	engine  *gatedEngine
	cancel  context.CancelFunc
	done    chan struct{}
}

func newAPIHarness(t *testing.T, rec speech.Recognizer, opts ...Option) *apiHarness {
	t.Helper()
	h := &apiHarness{
		synth:  testutil.NewFakeSynthesizer(testVoices...),
		engine: &gatedEngine{release: make(chan struct{})},
		done:   make(chan struct{}),
	}
	if fake, ok := rec.(*testutil.FakeRecognizer); ok {
		// Stopped sessions end at once so Stop and Start map straight to sessions.
		fake.EndOnStop(true)
		h.rec = fake
	}
	h.loop = conversation.NewLoop(speech.NewInput(rec), speech.NewOutput(h.synth), h.engine)

	var ctx context.Context
	ctx, h.cancel = context.WithCancel(context.Background())
	go func() {
		defer close(h.done)
		_ = h.loop.Run(ctx)
	}()
	t.Cleanup(h.close)

	h.handler = NewServer(h.loop, opts...).Handler()
	return h
}

func (h *apiHarness) close() {
	h.cancel()
	<-h.done
}

func (h *apiHarness) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.handler.ServeHTTP(rr, testutil.CreateHTTPRequest(t, method, path, body))
	return rr
}

func (h *apiHarness) doRaw(method, path, body string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.handler.ServeHTTP(rr, httptest.NewRequest(method, path, strings.NewReader(body)))
	return rr
}

func resultField(t *testing.T, resp map[string]interface{}, key string) interface{} {
	t.Helper()
	result, ok := resp["result"].(map[string]interface{})
	if !ok {
		t.Fatalf("response has no result object: %v", resp)
	}
	return result[key]
}

func TestConversationEndpoints(t *testing.T) {
	h := newAPIHarness(t, testutil.NewFakeRecognizer())

	rr := h.do(t, http.MethodPost, "/conversation/start", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "start")
	resp := testutil.AssertJSONResponse(t, rr, "ok")
	if got := resultField(t, resp, "state"); got != "listening" {
		t.Errorf("expected listening after start, got %v", got)
	}

	rr = h.do(t, http.MethodPost, "/conversation/submit", SubmitRequest{Text: "I want to use"})
	testutil.AssertHTTPStatus(t, http.StatusAccepted, rr.Code, "submit")
	resp = testutil.AssertJSONResponse(t, rr, "ok")
	if got := resultField(t, resp, "state"); got != "thinking" {
		t.Errorf("expected thinking after submit, got %v", got)
	}

	rr = h.do(t, http.MethodPost, "/conversation/submit", SubmitRequest{Text: "hello?"})
	testutil.AssertHTTPStatus(t, http.StatusConflict, rr.Code, "submit during turn")
	testutil.AssertJSONResponse(t, rr, "rejected")

	close(h.engine.release)
	if !testutil.Eventually(func() bool { return len(h.synth.Spoken()) == 1 }, 2*time.Second) {
		t.Fatal("reply was never spoken")
	}
	h.synth.FinishLast()
	if !testutil.Eventually(func() bool { return h.loop.Status().State == models.StateListening }, 2*time.Second) {
		t.Fatalf("expected listening after the reply, got %s", h.loop.Status().State)
	}
	if calls := h.engine.calls.Load(); calls != 1 {
		t.Errorf("expected one engine call, got %d", calls)
	}

	rr = h.do(t, http.MethodGet, "/conversation/status", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "status")
	resp = testutil.AssertJSONResponse(t, rr, "ok")
	if got := resultField(t, resp, "last_reply"); got != "Breathe. Then call someone." {
		t.Errorf("unexpected last_reply %v", got)
	}

	rr = h.do(t, http.MethodPost, "/conversation/stop", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "stop")
	resp = testutil.AssertJSONResponse(t, rr, "ok")
	if got := resultField(t, resp, "state"); got != "idle" {
		t.Errorf("expected idle after stop, got %v", got)
	}
	if h.rec.LiveCount() != 0 {
		t.Error("recognition session left open after stop")
	}
}

func TestSubmitValidation(t *testing.T) {
	h := newAPIHarness(t, testutil.NewFakeRecognizer())
	cases := []struct {
		name string
		body string
	}{
		{"malformed", `{"text":`},
		{"blank", `{"text":"   "}`},
		{"too long", `{"text":"` + strings.Repeat("a", models.MaxUtteranceLength+1) + `"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := h.doRaw(http.MethodPost, "/conversation/submit", tc.body)
			testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, tc.name)
			testutil.AssertJSONResponse(t, rr, "error")
		})
	}
	if calls := h.engine.calls.Load(); calls != 0 {
		t.Errorf("invalid submits must not reach the engine, got %d calls", calls)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	h := newAPIHarness(t, testutil.NewFakeRecognizer())
	cases := []struct {
		method, path, allow string
	}{
		{http.MethodGet, "/conversation/start", http.MethodPost},
		{http.MethodGet, "/conversation/stop", http.MethodPost},
		{http.MethodGet, "/conversation/submit", http.MethodPost},
		{http.MethodPost, "/conversation/status", http.MethodGet},
		{http.MethodPost, "/voices", http.MethodGet},
		{http.MethodPost, "/voices/selected", http.MethodPut},
		{http.MethodGet, "/voices/settings", http.MethodPut},
		{http.MethodPost, "/healthz", http.MethodGet},
	}
	for _, tc := range cases {
		rr := h.doRaw(tc.method, tc.path, "")
		testutil.AssertHTTPStatus(t, http.StatusMethodNotAllowed, rr.Code, tc.method+" "+tc.path)
		if got := rr.Header().Get("Allow"); got != tc.allow {
			t.Errorf("%s %s: expected Allow %q, got %q", tc.method, tc.path, tc.allow, got)
		}
	}
}

func TestVoiceEndpoints(t *testing.T) {
	h := newAPIHarness(t, testutil.NewFakeRecognizer())

	rr := h.do(t, http.MethodGet, "/voices", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "voices")
	resp := testutil.AssertJSONResponse(t, rr, "ok")
	if voices, _ := resultField(t, resp, "voices").([]interface{}); len(voices) != len(testVoices) {
		t.Errorf("expected %d voices, got %v", len(testVoices), voices)
	}
	settings, _ := resultField(t, resp, "settings").(map[string]interface{})
	if settings["voice_id"] != "Google US English" {
		t.Errorf("expected the best voice preselected, got %v", settings["voice_id"])
	}

	rr = h.do(t, http.MethodPut, "/voices/selected", SelectVoiceRequest{ID: "Nobody"})
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "unknown voice")
	testutil.AssertJSONResponse(t, rr, "error")

	rr = h.do(t, http.MethodPut, "/voices/selected", SelectVoiceRequest{})
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "missing id")

	rr = h.do(t, http.MethodPut, "/voices/selected", SelectVoiceRequest{ID: "Fred"})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "select Fred")
	resp = testutil.AssertJSONResponse(t, rr, "ok")
	if got := resultField(t, resp, "voice_id"); got != "Fred" {
		t.Errorf("expected Fred, got %v", got)
	}

	rate, pitch := 3.0, 0.75
	rr = h.do(t, http.MethodPut, "/voices/settings", VoiceSettingsRequest{Rate: &rate, Pitch: &pitch})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "settings")
	resp = testutil.AssertJSONResponse(t, rr, "ok")
	if got := resultField(t, resp, "rate"); got != models.MaxSpeechMultiplier {
		t.Errorf("expected rate clamped to %v, got %v", models.MaxSpeechMultiplier, got)
	}
	if got := resultField(t, resp, "pitch"); got != 0.75 {
		t.Errorf("expected pitch 0.75, got %v", got)
	}

	rr = h.doRaw(http.MethodPut, "/voices/settings", `{}`)
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "empty settings")
}

func TestStartWithoutRecognitionIsUnavailable(t *testing.T) {
	h := newAPIHarness(t, nil)

	rr := h.do(t, http.MethodPost, "/conversation/start", nil)
	testutil.AssertHTTPStatus(t, http.StatusServiceUnavailable, rr.Code, "start without recognition")
	testutil.AssertJSONResponse(t, rr, "error")

	rr = h.do(t, http.MethodPost, "/conversation/submit", SubmitRequest{Text: "typing still works"})
	testutil.AssertHTTPStatus(t, http.StatusAccepted, rr.Code, "typed submit")
}

func TestLoopClosed(t *testing.T) {
	h := newAPIHarness(t, testutil.NewFakeRecognizer())
	h.close()

	rr := h.do(t, http.MethodPost, "/conversation/start", nil)
	testutil.AssertHTTPStatus(t, http.StatusServiceUnavailable, rr.Code, "start after shutdown")
}

func TestTurnsEndpoint(t *testing.T) {
	turns := store.NewInMemoryStore()
	now := time.Now()
	for i, text := range []string{"first", "second"} {
		if err := turns.RecordTurn(context.Background(), models.TurnRecord{
			ID:            text,
			UtteranceText: text,
			Origin:        models.OriginSpoken,
			ReplyText:     "reply to " + text,
			Sentiment:     "neutral",
			StartedAt:     now.Add(time.Duration(i) * time.Second),
			CompletedAt:   now.Add(time.Duration(i)*time.Second + time.Millisecond),
		}); err != nil {
			t.Fatalf("RecordTurn failed: %v", err)
		}
	}
	h := newAPIHarness(t, testutil.NewFakeRecognizer(), WithTurnStore(turns))

	rr := h.do(t, http.MethodGet, "/turns?limit=1", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "turns")
	resp := testutil.AssertJSONResponse(t, rr, "ok")
	list, _ := resp["result"].([]interface{})
	if len(list) != 1 || list[0].(map[string]interface{})["id"] != "second" {
		t.Errorf("expected the newest turn only, got %v", list)
	}

	rr = h.do(t, http.MethodGet, "/turns?limit=zero", nil)
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "bad limit")

	plain := newAPIHarness(t, testutil.NewFakeRecognizer())
	rr = plain.do(t, http.MethodGet, "/turns", nil)
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "turns without a store")
}

func TestMetricsAndHealth(t *testing.T) {
	collector := metrics.NewCollector("anchorloop")
	h := newAPIHarness(t, testutil.NewFakeRecognizer(), WithMetrics(collector))

	rr := h.do(t, http.MethodGet, "/healthz", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "healthz")
	resp := testutil.AssertJSONResponse(t, rr, "healthy")
	if resp["state"] != "idle" {
		t.Errorf("expected idle state in health, got %v", resp["state"])
	}

	rr = h.do(t, http.MethodGet, "/metrics", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "metrics")
	body, _ := io.ReadAll(rr.Body)
	if !strings.Contains(string(body), `anchorloop_http_requests_total{method="GET",path="/healthz",status="200"} 1`) {
		t.Errorf("expected request metric for /healthz, got:\n%s", body)
	}
}
