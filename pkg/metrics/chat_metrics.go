package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	sessionSubsystem = "session"
	routerSubsystem  = "router"
)

var (
	chatMetricsRegisterOnce sync.Once

	// SessionsOnline 为当前已登录（注册到 Registry）的身份数量。
	SessionsOnline = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: chatNamespace,
		Subsystem: sessionSubsystem,
		Name:      "online",
		Help:      "number of identities currently registered",
	})

	ConnectionsAccepted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: chatNamespace,
		Subsystem: sessionSubsystem,
		Name:      "connections_accepted_total",
		Help:      "accepted transport connections",
	}, []string{transportLabelName})

	ConnectionsClosed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: chatNamespace,
		Subsystem: sessionSubsystem,
		Name:      "connections_closed_total",
		Help:      "closed connections by reason",
	}, []string{reasonLabelName})

	HandshakeFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: chatNamespace,
		Subsystem: sessionSubsystem,
		Name:      "handshake_failures_total",
		Help:      "failed login handshakes by stage",
	}, []string{stageLabelName})

	QueueFull = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: chatNamespace,
		Subsystem: sessionSubsystem,
		Name:      "delivery_queue_full_total",
		Help:      "connections shed because their delivery queue was full",
	})

	MessagesRouted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: chatNamespace,
		Subsystem: routerSubsystem,
		Name:      "messages_total",
		Help:      "per-recipient routing outcomes",
	}, []string{kindLabelName, outcomeLabelName})

	RouteLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: chatNamespace,
		Subsystem: routerSubsystem,
		Name:      "route_latency_milliseconds",
		Help:      "time spent sequencing and enqueueing one message",
		Buckets:   buckets,
	}, []string{kindLabelName})
)

// RegisterChatMetrics 将会话与路由相关的指标注册到 Prometheus Registry 中。
func RegisterChatMetrics(registry prometheus.Registerer) {
	chatMetricsRegisterOnce.Do(func() {
		registry.MustRegister(SessionsOnline)
		registry.MustRegister(ConnectionsAccepted)
		registry.MustRegister(ConnectionsClosed)
		registry.MustRegister(HandshakeFailures)
		registry.MustRegister(QueueFull)
		registry.MustRegister(MessagesRouted)
		registry.MustRegister(RouteLatency)
	})
}
