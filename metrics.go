package framesock

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Framing error kinds used as metric labels.
const (
	errorKindPayloadTooLarge = "payload_too_large"
	errorKindFrameTooLarge   = "frame_too_large"
	errorKindTruncated       = "truncated_stream"
	errorKindOther           = "other"
)

// Metrics counts framing activity across connections.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	framesDecoded prometheus.Counter
	framesEncoded prometheus.Counter
	bytesReceived prometheus.Counter
	framingErrors *prometheus.CounterVec
	activeConns   prometheus.Gauge
}

// NewMetrics creates the framesock collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		framesDecoded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "framesock",
			Name:      "frames_decoded_total",
			Help:      "Complete frames extracted from received streams.",
		}),
		framesEncoded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "framesock",
			Name:      "frames_encoded_total",
			Help:      "Frames queued for sending.",
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "framesock",
			Name:      "bytes_received_total",
			Help:      "Raw bytes received before reassembly.",
		}),
		framingErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "framesock",
			Name:      "framing_errors_total",
			Help:      "Framing errors by kind.",
		}, []string{"kind"}),
		activeConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "framesock",
			Name:      "connections_active",
			Help:      "Connections currently running.",
		}),
	}

	for _, c := range []prometheus.Collector{m.framesDecoded, m.framesEncoded, m.bytesReceived, m.framingErrors, m.activeConns} {
		if err := reg.Register(c); err != nil {
			return nil, errors.Wrap(err, "register framesock metrics")
		}
	}
	return m, nil
}

func (m *Metrics) frameDecoded() {
	if m != nil {
		m.framesDecoded.Inc()
	}
}

func (m *Metrics) frameEncoded() {
	if m != nil {
		m.framesEncoded.Inc()
	}
}

func (m *Metrics) received(n int) {
	if m != nil {
		m.bytesReceived.Add(float64(n))
	}
}

func (m *Metrics) connOpened() {
	if m != nil {
		m.activeConns.Inc()
	}
}

func (m *Metrics) connClosed() {
	if m != nil {
		m.activeConns.Dec()
	}
}

func (m *Metrics) framingError(err error) {
	if m == nil {
		return
	}
	m.framingErrors.WithLabelValues(errorKind(err)).Inc()
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrPayloadTooLarge):
		return errorKindPayloadTooLarge
	case errors.Is(err, ErrFrameTooLarge), errors.Is(err, ErrReassemblerPoisoned):
		return errorKindFrameTooLarge
	case errors.Is(err, ErrTruncatedStream):
		return errorKindTruncated
	default:
		return errorKindOther
	}
}
