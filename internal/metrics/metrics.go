// Package metrics exposes call counters on a private Prometheus registry.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"relay-call/internal/reassembly"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const namespace = "relay_call"

// PlaybackStats is what the playback pipeline reports.
type PlaybackStats struct {
	Dropped  uint64
	Played   uint64
	QueueLen int
}

// Metrics contains all Prometheus metrics for one process. Sessions come and
// go; they plug their live stats in through the Set*Source methods.
type Metrics struct {
	Registry *prometheus.Registry

	// send path
	FramesCaptured prometheus.Counter
	FragmentsSent  prometheus.Counter
	SendFailures   *prometheus.CounterVec
	PayloadBytes   prometheus.Histogram

	// receive path
	FragmentsReceived   prometheus.Counter
	MalformedFragments  prometheus.Counter
	MessagesReassembled prometheus.Counter
	TransformFailures   *prometheus.CounterVec
	DecodeFailures      prometheus.Counter

	HandshakeOpen prometheus.Gauge
	Participants  prometheus.Gauge

	reassembly atomic.Pointer[func() reassembly.Stats]
	playback   atomic.Pointer[func() PlaybackStats]
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	m := &Metrics{
		Registry: reg,
		FramesCaptured: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_captured_total",
			Help:      "Total number of capture frames handed to the send path",
		}),
		FragmentsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fragments_sent_total",
			Help:      "Total number of audio fragments accepted by the transport",
		}),
		SendFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Total number of sends dropped by the transport",
		}, []string{"topic"}),
		PayloadBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "payload_bytes",
			Help:      "Size of outgoing audio payloads before fragmentation",
			Buckets:   prometheus.ExponentialBuckets(256, 2, 10),
		}),
		FragmentsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fragments_received_total",
			Help:      "Total number of audio fragments received",
		}),
		MalformedFragments: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_fragments_total",
			Help:      "Total number of fragments dropped because the header did not parse",
		}),
		MessagesReassembled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_reassembled_total",
			Help:      "Total number of payloads rebuilt from fragments",
		}),
		TransformFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transform_failures_total",
			Help:      "Total number of payloads dropped by the end-to-end transform",
		}, []string{"direction"}),
		DecodeFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_failures_total",
			Help:      "Total number of payloads the audio codec could not decode",
		}),
		HandshakeOpen: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "handshake_open",
			Help:      "1 once the mixer acknowledged the handshake in the current session",
		}),
		Participants: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "participants",
			Help:      "Remote participants currently in the room",
		}),
	}

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "reassembly_pending",
		Help:      "Accumulators waiting for more fragments",
	}, func() float64 { return float64(m.reassemblyStats().Pending) })
	factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "duplicate_fragments_total",
		Help:      "Fragments ignored because their slot was already filled",
	}, func() float64 { return float64(m.reassemblyStats().Duplicates) })
	factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "accumulators_evicted_total",
		Help:      "Incomplete messages dropped after the reassembly timeout",
	}, func() float64 { return float64(m.reassemblyStats().Evicted) })
	factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "playback_dropped_total",
		Help:      "Playback items discarded because the queue was full",
	}, func() float64 { return float64(m.playbackStats().Dropped) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "playback_queue_length",
		Help:      "Items waiting for the playback loop",
	}, func() float64 { return float64(m.playbackStats().QueueLen) })

	return m
}

// SetReassemblySource points the reassembly metrics at f. A nil f reports zeros.
func (m *Metrics) SetReassemblySource(f func() reassembly.Stats) {
	if f == nil {
		m.reassembly.Store(nil)
		return
	}
	m.reassembly.Store(&f)
}

func (m *Metrics) SetPlaybackSource(f func() PlaybackStats) {
	if f == nil {
		m.playback.Store(nil)
		return
	}
	m.playback.Store(&f)
}

func (m *Metrics) reassemblyStats() reassembly.Stats {
	if f := m.reassembly.Load(); f != nil {
		return (*f)()
	}
	return reassembly.Stats{}
}

func (m *Metrics) playbackStats() PlaybackStats {
	if f := m.playback.Load(); f != nil {
		return (*f)()
	}
	return PlaybackStats{}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// Serve exposes /metrics on addr until ctx ends.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Msg("Serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
