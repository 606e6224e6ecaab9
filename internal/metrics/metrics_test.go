package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/BTreeMap/AnchorLoop/internal/models"
	"github.com/BTreeMap/AnchorLoop/internal/speech"
)

func TestCollectorReply(t *testing.T) {
	c := NewCollector("test")
	c.ObserveReply("openai", 300*time.Millisecond, false)
	c.ObserveReply("openai", 2*time.Second, true)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.replyFallbacks.WithLabelValues("openai")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.replyDuration))
}

func TestCollectorLoopHooks(t *testing.T) {
	c := NewCollector("")
	c.ObserveTransition(models.StateIdle, models.StateListening)
	c.ObserveTransition(models.StateListening, models.StateThinking)
	c.ObserveRecognitionError(speech.CodeNoSpeech, speech.ClassBenign)
	c.ObserveRestart(false)
	c.ObserveRestart(true)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.state.WithLabelValues("thinking")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.state.WithLabelValues("idle")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.transitionsTotal.WithLabelValues("idle", "listening")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.recognitionErrors.WithLabelValues("no-speech", "benign")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.restartsTotal.WithLabelValues("capped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.restartsTotal.WithLabelValues("scheduled")))
}

func TestCollectorTurns(t *testing.T) {
	c := NewCollector("test")
	now := time.Now()
	c.ObserveTurn(models.TurnRecord{Origin: models.OriginTyped, Fallback: true, StartedAt: now.Add(-3 * time.Second), CompletedAt: now})
	c.ObserveTurn(models.TurnRecord{Origin: models.OriginSpoken})

	assert.Equal(t, 1.0, testutil.ToFloat64(c.turnsTotal.WithLabelValues("typed", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.turnsTotal.WithLabelValues("spoken", "false")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.turnDuration))
	assert.Equal(t, -1.0, testutil.ToFloat64(c.sentimentRank))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.elevatedTurns))
}

func TestCollectorTurnSentiment(t *testing.T) {
	c := NewCollector("test")
	c.ObserveTurn(models.TurnRecord{Origin: models.OriginSpoken, Sentiment: "very high"})
	assert.Equal(t, 4.0, testutil.ToFloat64(c.sentimentRank))

	c.ObserveTurn(models.TurnRecord{Origin: models.OriginSpoken, Sentiment: "High"})
	c.ObserveTurn(models.TurnRecord{Origin: models.OriginTyped, Sentiment: "neutral"})
	assert.Equal(t, 2.0, testutil.ToFloat64(c.sentimentRank))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.elevatedTurns))

	c.ObserveTurn(models.TurnRecord{Origin: models.OriginTyped, Sentiment: "unknown"})
	assert.Equal(t, -1.0, testutil.ToFloat64(c.sentimentRank))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.elevatedTurns))
}

func TestCollectorHandler(t *testing.T) {
	c := NewCollector("anchorloop")
	c.RecordHTTPRequest(http.MethodPost, "/conversation/start", http.StatusOK, 5*time.Millisecond)

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, want := range []string{
		`anchorloop_http_requests_total{method="POST",path="/conversation/start",status="200"} 1`,
		`anchorloop_state{state="idle"} 1`,
		"go_goroutines",
	} {
		assert.True(t, strings.Contains(string(body), want), "missing %q", want)
	}
}
