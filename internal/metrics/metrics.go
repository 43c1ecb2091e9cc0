package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder 汇总内容引擎需要上报的计数器。
type Recorder interface {
	IncFetch(storeType, result string)
	IncMerge(kind, result string)
	IncConsolidationArtifact(result string)
	IncConsolidation(result string)
}

// Noop implements Recorder without emitting anything.
type Noop struct{}

func (Noop) IncFetch(string, string)         {}
func (Noop) IncMerge(string, string)         {}
func (Noop) IncConsolidationArtifact(string) {}
func (Noop) IncConsolidation(string)         {}

// Prom implements Recorder backed by Prometheus counters.
type Prom struct {
	fetches        *prometheus.CounterVec
	merges         *prometheus.CounterVec
	artifacts      *prometheus.CounterVec
	consolidations *prometheus.CounterVec
	registerer     prometheus.Registerer
	once           sync.Once
}

// NewProm 创建计数器并注册到 registerer；registerer 为 nil 时使用默认注册表。
func NewProm(namespace string, registerer prometheus.Registerer) *Prom {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	p := &Prom{
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_total",
			Help:      "Content retrievals by store type and result",
		}, []string{"store_type", "result"}),
		merges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merge_total",
			Help:      "Group merges by content kind and result",
		}, []string{"kind", "result"}),
		artifacts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consolidation_artifacts_total",
			Help:      "Consolidated artifacts by result",
		}, []string{"result"}),
		consolidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consolidation_total",
			Help:      "Build consolidations by result",
		}, []string{"result"}),
		registerer: registerer,
	}
	p.register()
	return p
}

func (p *Prom) register() {
	p.once.Do(func() {
		p.registerer.MustRegister(p.fetches, p.merges, p.artifacts, p.consolidations)
	})
}

func (p *Prom) IncFetch(storeType, result string) {
	p.fetches.WithLabelValues(storeType, result).Inc()
}

func (p *Prom) IncMerge(kind, result string) {
	p.merges.WithLabelValues(kind, result).Inc()
}

func (p *Prom) IncConsolidationArtifact(result string) {
	p.artifacts.WithLabelValues(result).Inc()
}

func (p *Prom) IncConsolidation(result string) {
	p.consolidations.WithLabelValues(result).Inc()
}

// Handler returns an HTTP handler for /metrics.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// OrNoop 在 r 为 nil 时返回 Noop。
func OrNoop(r Recorder) Recorder {
	if r == nil {
		return Noop{}
	}
	return r
}
