// Package metrics provides Prometheus collectors and the HTTP endpoint for
// exporting relay runtime metrics.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "voicemail_relay"

// Label values shared with callers.
const (
	KindText  = "text"
	KindVoice = "voice"

	ResultSuccess = "success"
	ResultFailure = "failure"

	PollTransient  = "transient"
	PollFatal      = "fatal"
	PollUnexpected = "unexpected"
)

// Metrics holds the relay's collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	mailsReceived    prometheus.Counter
	parseFailures    *prometheus.CounterVec
	deliveries       *prometheus.CounterVec
	transcodeFailed  prometheus.Counter
	pipelineDuration prometheus.Histogram
	pollErrors       *prometheus.CounterVec
	commands         *prometheus.CounterVec
	graceEmissions   prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		mailsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mails_received_total",
			Help:      "Total notification mails accepted over SMTP",
		}),
		parseFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parse_failures_total",
			Help:      "Total mails rejected as malformed notifications",
		}, []string{"reason"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Total per-recipient chat sends",
		}, []string{"kind", "result"}),
		transcodeFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcode_failures_total",
			Help:      "Total notifications delivered text-only after a transcode failure",
		}),
		pipelineDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_duration_seconds",
			Help:      "Duration of parse, transcode and delivery for one mail",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}),
		pollErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_errors_total",
			Help:      "Total failed update polls by class",
		}, []string{"class"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Total chat commands answered",
		}, []string{"command"}),
		graceEmissions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grace_emissions_total",
			Help:      "Total rate-limited diagnostics emitted for recurring channel errors",
		}),
	}

	reg.MustRegister(
		m.mailsReceived,
		m.parseFailures,
		m.deliveries,
		m.transcodeFailed,
		m.pipelineDuration,
		m.pollErrors,
		m.commands,
		m.graceEmissions,
	)

	return m
}

// IncMailReceived counts an accepted mail.
func (m *Metrics) IncMailReceived() {
	if m == nil {
		return
	}
	m.mailsReceived.Inc()
}

// IncParseFailure counts a rejected mail.
func (m *Metrics) IncParseFailure(reason string) {
	if m == nil {
		return
	}
	m.parseFailures.WithLabelValues(reason).Inc()
}

// IncDelivery counts one send of the given kind.
func (m *Metrics) IncDelivery(kind string, err error) {
	if m == nil {
		return
	}
	result := ResultSuccess
	if err != nil {
		result = ResultFailure
	}
	m.deliveries.WithLabelValues(kind, result).Inc()
}

// IncTranscodeFailure counts a failed audio conversion.
func (m *Metrics) IncTranscodeFailure() {
	if m == nil {
		return
	}
	m.transcodeFailed.Inc()
}

// ObservePipeline records how long one mail took to process.
func (m *Metrics) ObservePipeline(d time.Duration) {
	if m == nil {
		return
	}
	m.pipelineDuration.Observe(d.Seconds())
}

// IncPollError counts a failed poll of the given class.
func (m *Metrics) IncPollError(class string) {
	if m == nil {
		return
	}
	m.pollErrors.WithLabelValues(class).Inc()
}

// IncCommand counts an answered chat command.
func (m *Metrics) IncCommand(name string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(name).Inc()
}

// IncGraceEmission counts an emitted backoff diagnostic.
func (m *Metrics) IncGraceEmission() {
	if m == nil {
		return
	}
	m.graceEmissions.Inc()
}

// Handler returns an HTTP handler that exposes the gathered metrics.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("metrics endpoint listening", "address", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
