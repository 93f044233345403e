package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"relay-call/internal/reassembly"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersAndSources(t *testing.T) {
	m := New()
	m.FragmentsSent.Add(3)
	m.SendFailures.WithLabelValues("audio").Inc()

	if got := testutil.ToFloat64(m.FragmentsSent); got != 3 {
		t.Errorf("Expected 3 fragments sent, got %v", got)
	}

	m.SetReassemblySource(func() reassembly.Stats {
		return reassembly.Stats{Pending: 2, Duplicates: 5, Evicted: 1}
	})
	m.SetPlaybackSource(func() PlaybackStats { return PlaybackStats{Dropped: 4, QueueLen: 7} })

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	text := string(body)

	for _, want := range []string{
		"relay_call_fragments_sent_total 3",
		`relay_call_send_failures_total{topic="audio"} 1`,
		"relay_call_reassembly_pending 2",
		"relay_call_duplicate_fragments_total 5",
		"relay_call_accumulators_evicted_total 1",
		"relay_call_playback_dropped_total 4",
		"relay_call_playback_queue_length 7",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("Metrics output is missing %q", want)
		}
	}
}

func TestSourcesDefaultToZero(t *testing.T) {
	m := New()
	m.SetReassemblySource(nil)
	if s := m.reassemblyStats(); s != (reassembly.Stats{}) {
		t.Errorf("Expected zero stats, got %+v", s)
	}
	if s := m.playbackStats(); s != (PlaybackStats{}) {
		t.Errorf("Expected zero stats, got %+v", s)
	}
}
