package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"intercom/internal/core/domain"
)

var callStates = []domain.CallState{
	domain.CallIdle,
	domain.CallOutgoing,
	domain.CallIncoming,
	domain.CallRinging,
	domain.CallAnswering,
	domain.CallStreaming,
}

// PrometheusCollector records engine counters. It implements
// ports.MetricsRecorder.
type PrometheusCollector struct {
	callState      *prometheus.GaugeVec
	transitions    *prometheus.CounterVec
	callsEnded     *prometheus.CounterVec
	callDuration   prometheus.Histogram
	framesSent     prometheus.Counter
	framesReceived prometheus.Counter
	bytesSent      prometheus.Counter
	bytesReceived  prometheus.Counter
	bufferDrops    *prometheus.CounterVec
	lockTimeouts   *prometheus.CounterVec
	sendTimeouts   prometheus.Counter
	aecFrames      prometheus.Counter
	refUnderruns   prometheus.Counter
	rejected       prometheus.Counter
	settingsSaves  *prometheus.CounterVec
}

// NewPrometheusCollector registers the metrics with reg. A nil reg uses
// the default registerer.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	c := &PrometheusCollector{
		callState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "intercom_call_state",
			Help: "1 for the current call state, 0 otherwise",
		}, []string{"state"}),

		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "intercom_call_transitions_total",
			Help: "Call state transitions",
		}, []string{"from", "to"}),

		callsEnded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "intercom_calls_ended_total",
			Help: "Calls returned to idle, by end reason",
		}, []string{"reason"}),

		callDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "intercom_call_duration_seconds",
			Help:    "Time from leaving idle to returning to idle",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),

		framesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "intercom_audio_frames_sent_total",
			Help: "AUDIO messages sent to the peer",
		}),
		framesReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "intercom_audio_frames_received_total",
			Help: "AUDIO messages received from the peer",
		}),
		bytesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "intercom_audio_bytes_sent_total",
			Help: "PCM bytes sent to the peer",
		}),
		bytesReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "intercom_audio_bytes_received_total",
			Help: "PCM bytes received from the peer",
		}),

		bufferDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "intercom_buffer_dropped_bytes_total",
			Help: "Bytes dropped because a ring buffer was full or busy",
		}, []string{"buffer"}),

		lockTimeouts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "intercom_lock_timeouts_total",
			Help: "Bounded lock waits that gave up",
		}, []string{"site"}),

		sendTimeouts: f.NewCounter(prometheus.CounterOpts{
			Name: "intercom_send_timeouts_total",
			Help: "Outbound frames dropped because the socket did not drain in time",
		}),
		aecFrames: f.NewCounter(prometheus.CounterOpts{
			Name: "intercom_aec_frames_total",
			Help: "Frames processed by the echo canceller",
		}),
		refUnderruns: f.NewCounter(prometheus.CounterOpts{
			Name: "intercom_aec_reference_underruns_total",
			Help: "Echo canceller frames padded because the reference ran short",
		}),
		rejected: f.NewCounter(prometheus.CounterOpts{
			Name: "intercom_connections_rejected_total",
			Help: "Inbound connections refused with BUSY",
		}),
		settingsSaves: f.NewCounterVec(prometheus.CounterOpts{
			Name: "intercom_settings_saves_total",
			Help: "Settings writes, by result",
		}, []string{"result"}),
	}

	c.callState.WithLabelValues(string(domain.CallIdle)).Set(1)
	return c
}

func (c *PrometheusCollector) CallTransition(from, to domain.CallState) {
	c.transitions.WithLabelValues(string(from), string(to)).Inc()
	for _, s := range callStates {
		v := 0.0
		if s == to {
			v = 1
		}
		c.callState.WithLabelValues(string(s)).Set(v)
	}
}

func (c *PrometheusCollector) CallEnded(reason domain.EndReason, duration time.Duration) {
	c.callsEnded.WithLabelValues(string(reason)).Inc()
	c.callDuration.Observe(duration.Seconds())
}

func (c *PrometheusCollector) FrameSent(bytes int) {
	c.framesSent.Inc()
	c.bytesSent.Add(float64(bytes))
}

func (c *PrometheusCollector) FrameReceived(bytes int) {
	c.framesReceived.Inc()
	c.bytesReceived.Add(float64(bytes))
}

func (c *PrometheusCollector) BufferDrop(buffer string, bytes int) {
	c.bufferDrops.WithLabelValues(buffer).Add(float64(bytes))
}

func (c *PrometheusCollector) LockTimeout(site string) {
	c.lockTimeouts.WithLabelValues(site).Inc()
}

func (c *PrometheusCollector) SendTimeout()        { c.sendTimeouts.Inc() }
func (c *PrometheusCollector) AECFrame()           { c.aecFrames.Inc() }
func (c *PrometheusCollector) ReferenceUnderrun()  { c.refUnderruns.Inc() }
func (c *PrometheusCollector) ConnectionRejected() { c.rejected.Inc() }

func (c *PrometheusCollector) SettingsSaved(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.settingsSaves.WithLabelValues(result).Inc()
}
