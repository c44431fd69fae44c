package monitoring

import (
	"strconv"
	"time"

	"fieldgw/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector implements ports.MetricsRecorder.
type PrometheusCollector struct {
	sessionState *prometheus.GaugeVec
	signalState  prometheus.Gauge
	streamState  *prometheus.GaugeVec

	framesTotal   *prometheus.CounterVec
	frameBytes    *prometheus.CounterVec
	framesDropped *prometheus.CounterVec

	controlBytes    *prometheus.CounterVec
	controlRejected *prometheus.CounterVec

	pathRTT       *prometheus.GaugeVec
	pathLoss      *prometheus.GaugeVec
	pathBandwidth *prometheus.GaugeVec

	eventLatency    *prometheus.HistogramVec
	eventsDiscarded *prometheus.CounterVec

	signalReconnects prometheus.Counter
}

var sessionStates = []domain.ConnState{domain.Disconnected, domain.Connecting, domain.Connected, domain.Disconnecting}

// NewPrometheusCollector registers the gateway metrics with reg, the
// default registerer when nil.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		sessionState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fieldgw_session_state",
			Help: "1 for the current session state, 0 otherwise",
		}, []string{"state"}),

		signalState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fieldgw_signal_state",
			Help: "Last signaling state (0 ready, 1 lost, 2 reup, 3 kickout, 4 auth failed)",
		}),

		streamState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fieldgw_stream_state",
			Help: "Connection state of each stream (0 disconnected, 1 connecting, 2 connected)",
		}, []string{"stream_id"}),

		framesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldgw_frames_total",
			Help: "Frames pushed through the media pipelines",
		}, []string{"stream_id", "kind"}),

		frameBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldgw_frame_bytes_total",
			Help: "Encoded bytes sent per stream",
		}, []string{"stream_id", "kind"}),

		framesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldgw_frames_dropped_total",
			Help: "Frames dropped before reaching the transport",
		}, []string{"stream_id", "reason"}),

		controlBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldgw_control_bytes_total",
			Help: "Control data bytes by direction",
		}, []string{"direction"}),

		controlRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldgw_control_rejected_total",
			Help: "Control messages rejected before sending",
		}, []string{"reason"}),

		pathRTT: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fieldgw_path_rtt_milliseconds",
			Help: "Smoothed round trip time of each network path",
		}, []string{"path"}),

		pathBandwidth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fieldgw_path_bandwidth_kbps",
			Help: "Estimated bandwidth of each network path",
		}, []string{"path"}),

		pathLoss: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fieldgw_path_loss_ratio",
			Help: "Packet loss of each network path",
		}, []string{"path"}),

		eventLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fieldgw_event_delivery_seconds",
			Help:    "Time from enqueue to callback return",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"class"}),

		eventsDiscarded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldgw_events_discarded_total",
			Help: "Events dropped because the class queue was full",
		}, []string{"class"}),

		signalReconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "fieldgw_signal_reconnects_total",
			Help: "Successful signaling reconnections",
		}),
	}
}

func streamLabel(id domain.StreamID) string {
	return strconv.Itoa(int(id))
}

func (p *PrometheusCollector) SetSessionState(state domain.ConnState) {
	for _, s := range sessionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		p.sessionState.WithLabelValues(s.String()).Set(v)
	}
	if state == domain.Disconnected {
		p.streamState.Reset()
	}
}

func (p *PrometheusCollector) SetSignalState(state domain.SignalState) {
	p.signalState.Set(float64(state))
}

func (p *PrometheusCollector) SetStreamState(id domain.StreamID, state domain.ConnState) {
	p.streamState.WithLabelValues(streamLabel(id)).Set(float64(state))
}

func (p *PrometheusCollector) ObserveFrame(id domain.StreamID, kind string, bytes int) {
	label := streamLabel(id)
	p.framesTotal.WithLabelValues(label, kind).Inc()
	p.frameBytes.WithLabelValues(label, kind).Add(float64(bytes))
}

func (p *PrometheusCollector) FrameDropped(id domain.StreamID, reason string) {
	p.framesDropped.WithLabelValues(streamLabel(id), reason).Inc()
}

func (p *PrometheusCollector) ControlSent(bytes int) {
	p.controlBytes.WithLabelValues("sent").Add(float64(bytes))
}

func (p *PrometheusCollector) ControlReceived(bytes int) {
	p.controlBytes.WithLabelValues("received").Add(float64(bytes))
}

func (p *PrometheusCollector) ControlRejected(reason string) {
	p.controlRejected.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) ObservePath(path domain.NetworkPath) {
	p.pathRTT.WithLabelValues(path.Interface).Set(path.RTT)
	p.pathLoss.WithLabelValues(path.Interface).Set(path.Loss)
	p.pathBandwidth.WithLabelValues(path.Interface).Set(float64(path.Bandwidth))
}

func (p *PrometheusCollector) EventDelivered(class string, latency time.Duration) {
	p.eventLatency.WithLabelValues(class).Observe(latency.Seconds())
}

func (p *PrometheusCollector) EventDiscarded(class string) {
	p.eventsDiscarded.WithLabelValues(class).Inc()
}

func (p *PrometheusCollector) SignalReconnect() {
	p.signalReconnects.Inc()
}
