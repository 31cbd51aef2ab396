package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Dispatch: исход каждого входящего сообщения
	DispatchTotal *prometheus.CounterVec

	// Latency: длительность вызова обработчика команды
	HandlerDuration *prometheus.HistogramVec

	// Connection: текущее состояние супервизора (значение = номер состояния)
	ConnectionState prometheus.Gauge

	// Restarts: реконнекты по путям (primary, fallback) и аварийные остановки
	RestartsTotal *prometheus.CounterVec

	// ConnectFailures: ошибки построения соединения (не расходуют бюджет)
	ConnectFailures prometheus.Counter

	// Cache: попадания, промахи, обновления, отдача устаревшего снимка
	CacheEvents *prometheus.CounterVec

	// Saturation: состояние Circuit Breaker обновления метаданных (0 - ок, 1 - выбило)
	CircuitBreakerState *prometheus.GaugeVec

	// Journal: заполненность буфера (backpressure)
	JournalBufferFill prometheus.Gauge

	// Registry: номер текущего поколения реестра команд
	RegistryGeneration prometheus.Gauge

	// Gateway: события, отброшенные из-за переполненной очереди потребителя
	EventsDropped *prometheus.CounterVec

	// Moderation: сообщения, задержанные фильтром ссылок
	LinksFlagged prometheus.Counter

	// Notices: уведомления о членстве, не ушедшие в чат
	NoticesFailed prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		DispatchTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "chatgate_dispatch_total",
			Help: "Inbound messages by dispatch outcome.",
		}, []string{"outcome", "command"}),

		HandlerDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chatgate_handler_duration_seconds",
			Help:    "Histogram of command handler latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"command", "status"}),

		ConnectionState: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "chatgate_connection_state",
			Help: "Connection supervisor state (0=idle,1=connecting,2=open,3=closing,4=closed,5=closed_permanent).",
		}),

		RestartsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "chatgate_restarts_total",
			Help: "Reconnects scheduled after a recoverable close, by path.",
		}, []string{"path"}), // primary, fallback, abort

		ConnectFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "chatgate_connect_failures_total",
			Help: "Connection construction failures retried after a fixed delay.",
		}),

		CacheEvents: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "chatgate_group_cache_events_total",
			Help: "Group metadata cache events.",
		}, []string{"event"}), // hit, miss, refresh, refresh_error, stale, invalidate

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "chatgate_circuit_breaker_state",
			Help: "Current state of the circuit breaker (0=closed, 1=open, 2=half-open).",
		}, []string{"name"}),

		JournalBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "chatgate_journal_buffer_utilization",
			Help: "Current number of entries in the dispatch journal buffer.",
		}),

		RegistryGeneration: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "chatgate_registry_generation",
			Help: "Current plugin registry generation.",
		}),

		EventsDropped: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "chatgate_events_dropped_total",
			Help: "Session events shed because a consumer queue was full.",
		}, []string{"type"}),

		LinksFlagged: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "chatgate_links_flagged_total",
			Help: "Inbound group messages intercepted by the link filter.",
		}),

		NoticesFailed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "chatgate_membership_notices_failed_total",
			Help: "Membership notices that could not be delivered.",
		}),
	}
}
