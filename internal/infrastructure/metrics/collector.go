// Package metrics publishes swarm progress to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"browser-swarm/internal/application/port/output"
	"browser-swarm/internal/domain/entity"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var _ output.MetricsPort = (*Collector)(nil)

// Collector registers on its own registry so several runs in one process
// (tests, resumed runs) never collide on the default one.
type Collector struct {
	registry *prometheus.Registry

	pagesRegistered  *prometheus.CounterVec
	claims           *prometheus.CounterVec
	findings         *prometheus.CounterVec
	oracleDecisions  *prometheus.CounterVec
	oracleLatency    *prometheus.HistogramVec
	storeRetries     *prometheus.CounterVec
	agentTransitions *prometheus.CounterVec

	pages         prometheus.Gauge
	completePages prometheus.Gauge
	actions       prometheus.Gauge
	findingsTotal prometheus.Gauge
	runningAgents prometheus.Gauge
}

func NewCollector(namespace string) *Collector {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Collector{
		registry: reg,

		pagesRegistered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pages_registered_total",
			Help:      "Page registrations by whether the state was new",
		}, []string{"new"}),
		claims: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "action_claims_total",
			Help:      "Action claim attempts by result",
		}, []string{"result"}),
		findings: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "findings_total",
			Help:      "Recorded findings by category, severity and whether they were new",
		}, []string{"category", "severity", "new"}),
		oracleDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oracle_decisions_total",
			Help:      "Oracle decisions by kind and reason",
		}, []string{"kind", "reason"}),
		oracleLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "oracle_decision_duration_seconds",
			Help:      "Time to reach a decision",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"kind"}),
		storeRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_retries_total",
			Help:      "Coordination store retries by operation",
		}, []string{"op"}),
		agentTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_state_transitions_total",
			Help:      "Agent state machine transitions",
		}, []string{"from", "to"}),

		pages: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pages",
			Help:      "Distinct page states in the ledger",
		}),
		completePages: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "complete_pages",
			Help:      "Page states with no interactions left",
		}),
		actions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "actions",
			Help:      "Claimed interactions",
		}),
		findingsTotal: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "findings",
			Help:      "Distinct findings",
		}),
		runningAgents: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "running_agents",
			Help:      "Agents that have not finished",
		}),
	}
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) PageRegistered(isNew bool) {
	c.pagesRegistered.WithLabelValues(boolLabel(isNew)).Inc()
}

func (c *Collector) ClaimAttempt(won bool) {
	result := "lost"
	if won {
		result = "won"
	}
	c.claims.WithLabelValues(result).Inc()
}

func (c *Collector) FindingRecorded(f entity.Finding, created bool) {
	c.findings.WithLabelValues(string(f.Category), string(f.Severity), boolLabel(created)).Inc()
}

func (c *Collector) OracleDecision(kind, reason string, latency time.Duration) {
	c.oracleDecisions.WithLabelValues(kind, reason).Inc()
	c.oracleLatency.WithLabelValues(kind).Observe(latency.Seconds())
}

func (c *Collector) StoreRetry(op string) {
	c.storeRetries.WithLabelValues(op).Inc()
}

func (c *Collector) AgentTransition(from, to string) {
	c.agentTransitions.WithLabelValues(from, to).Inc()
}

func (c *Collector) Progress(stats entity.Stats, running int) {
	c.pages.Set(float64(stats.Pages))
	c.completePages.Set(float64(stats.CompletePages))
	c.actions.Set(float64(stats.Actions))
	c.findingsTotal.Set(float64(stats.Findings))
	c.runningAgents.Set(float64(running))
}

// Serve exposes /metrics on addr until ctx is done.
func (c *Collector) Serve(ctx context.Context, addr string, logger output.LoggerPort) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
