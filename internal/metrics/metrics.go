// Package metrics exposes Prometheus metrics for the conversation loop, the
// reply engine and the HTTP API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/BTreeMap/AnchorLoop/internal/models"
	"github.com/BTreeMap/AnchorLoop/internal/sentiment"
	"github.com/BTreeMap/AnchorLoop/internal/speech"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "anchorloop"

var allStates = []models.ConversationState{
	models.StateIdle, models.StateListening, models.StateThinking, models.StateSpeaking,
}

// Collector owns a private registry so tests and multiple instances never
// collide on the global one.
type Collector struct {
	registry *prometheus.Registry

	turnsTotal        *prometheus.CounterVec
	replyDuration     *prometheus.HistogramVec
	replyFallbacks    *prometheus.CounterVec
	recognitionErrors *prometheus.CounterVec
	restartsTotal     *prometheus.CounterVec
	transitionsTotal  *prometheus.CounterVec
	state             *prometheus.GaugeVec
	turnDuration      prometheus.Histogram
	elevatedTurns     prometheus.Counter
	sentimentRank     prometheus.Gauge

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// NewCollector registers all metrics under namespace. An empty namespace uses
// DefaultNamespace.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	c := &Collector{registry: reg}

	c.turnsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Completed conversation turns",
		},
		[]string{"origin", "fallback"},
	)
	c.turnDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Time from utterance to the end of the spoken reply",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
		},
	)
	c.elevatedTurns = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_elevated_total",
			Help:      "Turns whose reply was labelled high or very high distress",
		},
	)
	c.sentimentRank = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_sentiment_rank",
			Help:      "Distress rank of the latest turn, 0 (very low) to 4 (very high), -1 when unknown",
		},
	)
	c.sentimentRank.Set(-1)
	c.replyDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reply_duration_seconds",
			Help:      "Reply engine latency in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
		},
		[]string{"provider"},
	)
	c.replyFallbacks = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reply_fallbacks_total",
			Help:      "Replies that used the fixed fallback text",
		},
		[]string{"provider"},
	)
	c.recognitionErrors = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recognition_errors_total",
			Help:      "Speech recognition errors by code and class",
		},
		[]string{"code", "class"},
	)
	c.restartsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listen_restarts_total",
			Help:      "Debounced recognition restarts",
		},
		[]string{"outcome"},
	)
	c.transitionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Conversation state transitions",
		},
		[]string{"from", "to"},
	)
	c.state = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "state",
			Help:      "1 for the current conversation state, 0 otherwise",
		},
		[]string{"state"},
	)
	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.setState(models.StateIdle)
	return c
}

// ObserveReply records one reply engine call.
func (c *Collector) ObserveReply(provider string, elapsed time.Duration, fallback bool) {
	c.replyDuration.WithLabelValues(provider).Observe(elapsed.Seconds())
	if fallback {
		c.replyFallbacks.WithLabelValues(provider).Inc()
	}
}

// ObserveTransition records a state change.
func (c *Collector) ObserveTransition(from, to models.ConversationState) {
	c.transitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	c.setState(to)
}

// ObserveRecognitionError records a recognition error.
func (c *Collector) ObserveRecognitionError(code speech.ErrorCode, class speech.ErrorClass) {
	c.recognitionErrors.WithLabelValues(string(code), class.String()).Inc()
}

// ObserveRestart records a scheduled restart, or the loop giving up.
func (c *Collector) ObserveRestart(capped bool) {
	outcome := "scheduled"
	if capped {
		outcome = "capped"
	}
	c.restartsTotal.WithLabelValues(outcome).Inc()
}

// ObserveTurn records a completed turn.
func (c *Collector) ObserveTurn(turn models.TurnRecord) {
	c.turnsTotal.WithLabelValues(string(turn.Origin), strconv.FormatBool(turn.Fallback)).Inc()
	if !turn.StartedAt.IsZero() && turn.CompletedAt.After(turn.StartedAt) {
		c.turnDuration.Observe(turn.CompletedAt.Sub(turn.StartedAt).Seconds())
	}
	label := sentiment.Normalize(turn.Sentiment)
	c.sentimentRank.Set(float64(label.Rank()))
	if label.Elevated() {
		c.elevatedTurns.Inc()
	}
}

// RecordHTTPRequest records one API request.
func (c *Collector) RecordHTTPRequest(method, path string, status int, elapsed time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(elapsed.Seconds())
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) setState(current models.ConversationState) {
	for _, s := range allStates {
		v := 0.0
		if s == current {
			v = 1
		}
		c.state.WithLabelValues(string(s)).Set(v)
	}
}
