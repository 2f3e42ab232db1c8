// Package metrics holds the Prometheus collectors of the moderation audit subsystem.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "warden"

// Metrics groups every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	messageCacheEntries   prometheus.Gauge
	messageCacheEvictions prometheus.Counter
	vaultLinks            prometheus.Gauge
	attachmentUploads     *prometheus.CounterVec
	proxyDeletes          *prometheus.CounterVec
	attributions          *prometheus.CounterVec
	auditFetchFailures    *prometheus.CounterVec
	caseNumbers           *prometheus.CounterVec
	slowModeChannels      prometheus.Gauge
	slowModeMutes         prometheus.Counter
	slowModeForcedUnmutes prometheus.Counter
	busDrops              *prometheus.CounterVec
	busHandlerFailures    *prometheus.CounterVec
}

// New registers all collectors on registerer.
func New(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)

	return &Metrics{
		messageCacheEntries: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "message_cache_entries",
			Help:      "Number of messages resident in the message cache",
		}),
		messageCacheEvictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "message_cache_evictions_total",
			Help:      "Messages evicted from the message cache by capacity",
		}),
		vaultLinks: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "attachment_vault_links",
			Help:      "Number of attachment proxy links held by the vault",
		}),
		attachmentUploads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attachment_uploads_total",
			Help:      "Attachment re-uploads by result",
		}, []string{"result"}),
		proxyDeletes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attachment_proxy_deletes_total",
			Help:      "Remote proxy deletions by result",
		}, []string{"result"}),
		attributions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attributions_total",
			Help:      "Audit correlations by action and outcome",
		}, []string{"action", "outcome"}),
		auditFetchFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_log_fetch_failures_total",
			Help:      "Failed audit log reads by action",
		}, []string{"action"}),
		caseNumbers: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "case_numbers_total",
			Help:      "Case number allocations by result",
		}, []string{"result"}),
		slowModeChannels: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "slowmode_active_channels",
			Help:      "Channels with slow mode enabled",
		}),
		slowModeMutes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slowmode_mutes_total",
			Help:      "Members muted by slow mode",
		}),
		slowModeForcedUnmutes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slowmode_forced_unmutes_total",
			Help:      "Unmutes run inline because the channel pool was shutting down",
		}),
		busDrops: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_events_dropped_total",
			Help:      "Events a subscription could not accept, by subscription and kind",
		}, []string{"subscription", "kind"}),
		busHandlerFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_handler_failures_total",
			Help:      "Handler errors and panics by subscription",
		}, []string{"subscription"}),
	}
}

// Handler serves the metrics of gatherer in the Prometheus text format.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) SetMessageCacheEntries(count int) {
	if m == nil {
		return
	}
	m.messageCacheEntries.Set(float64(count))
}

func (m *Metrics) MessageCacheEvicted() {
	if m == nil {
		return
	}
	m.messageCacheEvictions.Inc()
}

func (m *Metrics) SetVaultLinks(count int) {
	if m == nil {
		return
	}
	m.vaultLinks.Set(float64(count))
}

// AttachmentUploaded records one upload attempt; result is ok, failed or too_large.
func (m *Metrics) AttachmentUploaded(result string) {
	if m == nil {
		return
	}
	m.attachmentUploads.WithLabelValues(result).Inc()
}

func (m *Metrics) ProxyDeleted(ok bool) {
	if m == nil {
		return
	}
	m.proxyDeletes.WithLabelValues(resultLabel(ok)).Inc()
}

// Attributed records a correlation outcome: moderator, unknown or self.
func (m *Metrics) Attributed(action string, outcome string) {
	if m == nil {
		return
	}
	m.attributions.WithLabelValues(action, outcome).Inc()
}

func (m *Metrics) AuditFetchFailed(action string) {
	if m == nil {
		return
	}
	m.auditFetchFailures.WithLabelValues(action).Inc()
}

func (m *Metrics) CaseNumberAllocated(ok bool) {
	if m == nil {
		return
	}
	m.caseNumbers.WithLabelValues(resultLabel(ok)).Inc()
}

func (m *Metrics) SlowModeChannelEnabled() {
	if m == nil {
		return
	}
	m.slowModeChannels.Inc()
}

func (m *Metrics) SlowModeChannelDisabled() {
	if m == nil {
		return
	}
	m.slowModeChannels.Dec()
}

func (m *Metrics) MemberMuted() {
	if m == nil {
		return
	}
	m.slowModeMutes.Inc()
}

func (m *Metrics) ForcedUnmute() {
	if m == nil {
		return
	}
	m.slowModeForcedUnmutes.Inc()
}

func (m *Metrics) EventDropped(subscription string, kind string) {
	if m == nil {
		return
	}
	m.busDrops.WithLabelValues(subscription, kind).Inc()
}

func (m *Metrics) HandlerFailed(subscription string) {
	if m == nil {
		return
	}
	m.busHandlerFailures.WithLabelValues(subscription).Inc()
}

func resultLabel(ok bool) string {
	if ok {
		return "ok"
	}
	return "failed"
}
