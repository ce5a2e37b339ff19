package output

import (
	"time"

	"browser-swarm/internal/domain/entity"
)

type MetricsPort interface {
	PageRegistered(isNew bool)
	ClaimAttempt(won bool)
	FindingRecorded(f entity.Finding, created bool)
	OracleDecision(kind, reason string, latency time.Duration)
	StoreRetry(op string)
	AgentTransition(from, to string)
	Progress(stats entity.Stats, running int)
}

var _ MetricsPort = NopMetrics{}

type NopMetrics struct{}

func (NopMetrics) PageRegistered(bool) {}
func (NopMetrics) ClaimAttempt(bool) {}
func (NopMetrics) FindingRecorded(entity.Finding, bool) {}
func (NopMetrics) OracleDecision(string, string, time.Duration) {}
func (NopMetrics) StoreRetry(string) {}
func (NopMetrics) AgentTransition(string, string) {}
func (NopMetrics) Progress(entity.Stats, int) {}
