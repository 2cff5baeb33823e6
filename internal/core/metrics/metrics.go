package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pastry"

// 消息结果标签
const (
	ResultSent      = "sent"
	ResultFailed    = "failed"
	ResultOverflow  = "overflow"
	ResultCancelled = "cancelled"
)

// Metrics 传输栈指标集合
type Metrics struct {
	pingsSent      prometheus.Counter
	pongsReceived  prometheus.Counter
	pingsReceived  prometheus.Counter
	transitions    *prometheus.CounterVec
	rtt            prometheus.Histogram
	mismatches     prometheus.Counter
	deadForever    prometheus.Counter
	messages       *prometheus.CounterVec
	queueDepth     prometheus.Gauge
	primarySockets prometheus.Gauge
	bytes          *prometheus.CounterVec
	violations     *prometheus.CounterVec
}

// New 创建指标并注册到 reg
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		pingsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "liveness", Name: "pings_sent_total",
			Help: "Number of liveness pings sent.",
		}),
		pongsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "liveness", Name: "pongs_received_total",
			Help: "Number of liveness pongs received.",
		}),
		pingsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "liveness", Name: "pings_received_total",
			Help: "Number of liveness pings received from peers.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "liveness", Name: "transitions_total",
			Help: "Liveness state changes by new state.",
		}, []string{"state"}),
		rtt: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "liveness", Name: "rtt_seconds",
			Help:    "Measured ping round-trip times.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		mismatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "identity", Name: "mismatches_total",
			Help: "Messages or sockets addressed to a stale identity.",
		}),
		deadForever: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "identity", Name: "dead_forever_total",
			Help: "Identities declared dead forever.",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "priority", Name: "messages_total",
			Help: "Queued message outcomes.",
		}, []string{"result"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "priority", Name: "queue_depth",
			Help: "Messages queued across all destinations.",
		}),
		primarySockets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "priority", Name: "primary_sockets",
			Help: "Open primary sockets.",
		}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "bytes_total",
			Help: "Framed payload bytes by direction.",
		}, []string{"direction"}),
		violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "protocol_violations_total",
			Help: "Protocol violations by layer.",
		}, []string{"layer"}),
	}

	collectors := []prometheus.Collector{
		m.pingsSent, m.pongsReceived, m.pingsReceived, m.transitions, m.rtt,
		m.mismatches, m.deadForever, m.messages, m.queueDepth, m.primarySockets,
		m.bytes, m.violations,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ============================================================================
//                              Liveness
// ============================================================================

// PingSent 记录发出 ping
func (m *Metrics) PingSent() {
	if m == nil {
		return
	}
	m.pingsSent.Inc()
}

// PingReceived 记录收到 ping
func (m *Metrics) PingReceived() {
	if m == nil {
		return
	}
	m.pingsReceived.Inc()
}

// PongReceived 记录收到 pong 及其 RTT
func (m *Metrics) PongReceived(rtt time.Duration) {
	if m == nil {
		return
	}
	m.pongsReceived.Inc()
	m.rtt.Observe(rtt.Seconds())
}

// Transition 记录状态变化
func (m *Metrics) Transition(state string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(state).Inc()
}

// ============================================================================
//                              Identity
// ============================================================================

// IdentityMismatch 记录身份不匹配
func (m *Metrics) IdentityMismatch() {
	if m == nil {
		return
	}
	m.mismatches.Inc()
}

// DeadForever 记录永久死亡判定
func (m *Metrics) DeadForever() {
	if m == nil {
		return
	}
	m.deadForever.Inc()
}

// ============================================================================
//                              Priority
// ============================================================================

// Message 记录消息结果
func (m *Metrics) Message(result string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(result).Inc()
}

// QueueDelta 调整队列深度
func (m *Metrics) QueueDelta(d int) {
	if m == nil {
		return
	}
	m.queueDepth.Add(float64(d))
}

// PrimarySocketDelta 调整 primary socket 数量
func (m *Metrics) PrimarySocketDelta(d int) {
	if m == nil {
		return
	}
	m.primarySockets.Add(float64(d))
}

// BytesSent 记录发出的帧字节
func (m *Metrics) BytesSent(n int) {
	if m == nil {
		return
	}
	m.bytes.WithLabelValues("out").Add(float64(n))
}

// BytesReceived 记录收到的帧字节
func (m *Metrics) BytesReceived(n int) {
	if m == nil {
		return
	}
	m.bytes.WithLabelValues("in").Add(float64(n))
}

// ProtocolViolation 记录协议违规
func (m *Metrics) ProtocolViolation(layer string) {
	if m == nil {
		return
	}
	m.violations.WithLabelValues(layer).Inc()
}
