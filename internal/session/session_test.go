package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"relay-call/internal/audio/capture"
	"relay-call/internal/audio/codec"
	"relay-call/internal/audio/config"
	"relay-call/internal/audio/playback"
	"relay-call/internal/fragment"
	"relay-call/internal/handshake"
	"relay-call/internal/metrics"
	"relay-call/internal/reassembly"
	"relay-call/internal/transform"
	"relay-call/internal/transport"
	"relay-call/internal/transport/memory"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeSource struct {
	closes  *atomic.Int32
	readErr error
	frames  chan []float32
	done    chan struct{}
	once    sync.Once
}

func (f *fakeSource) ReadFrame(ctx context.Context) ([]float32, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	select {
	case fr := <-f.frames:
		return fr, nil
	case <-f.done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeSource) Close() error {
	f.once.Do(func() {
		close(f.done)
		if f.closes != nil {
			f.closes.Add(1)
		}
	})
	return nil
}

// fakeMic hands out sources that all read from one frame channel.
type fakeMic struct {
	frames   chan []float32
	opens    atomic.Int32
	closes   atomic.Int32
	failNext atomic.Bool
}

func newFakeMic() *fakeMic {
	return &fakeMic{frames: make(chan []float32)}
}

func (m *fakeMic) open() (capture.Source, error) {
	m.opens.Add(1)
	src := &fakeSource{frames: m.frames, done: make(chan struct{}), closes: &m.closes}
	if m.failNext.CompareAndSwap(true, false) {
		src.readErr = errors.New("device glitch")
	}
	return src, nil
}

type fakeSink struct {
	writes chan []float32
}

func (s *fakeSink) Write(samples []float32) error {
	s.writes <- samples
	return nil
}

func (s *fakeSink) Close() error { return nil }

type fakeSpeaker struct {
	mu     sync.Mutex
	rates  []uint32
	writes chan []float32
}

func (sp *fakeSpeaker) open(rate uint32, ch uint8) (playback.Sink, error) {
	sp.mu.Lock()
	sp.rates = append(sp.rates, rate)
	sp.mu.Unlock()
	return &fakeSink{writes: sp.writes}, nil
}

type harness struct {
	hub     *memory.Hub
	session *Session
	peer    transport.Transport
	mic     *fakeMic
	speaker *fakeSpeaker
	mats    handshake.Materials
	cfg     Config
	done    chan error
	ctx     context.Context
}

func newHarness(t *testing.T, requireHandshake bool) *harness {
	t.Helper()

	hub := memory.NewHub()
	peer, err := hub.Join("alice")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}

	audio := config.NewRelayConfig()
	audio.FrameSamples = 256
	cfg := DefaultConfig(audio)
	cfg.RequireHandshake = requireHandshake
	cfg.KeepaliveInterval = time.Hour

	c, err := codec.New(audio)
	if err != nil {
		t.Fatalf("codec.New: %v", err)
	}

	h := &harness{
		hub:     hub,
		peer:    peer,
		mic:     newFakeMic(),
		speaker: &fakeSpeaker{writes: make(chan []float32, 16)},
		mats: handshake.Materials{
			PublicKey:     bytes.Repeat([]byte{0xAB}, 20000),
			CryptoContext: bytes.Repeat([]byte{0xCD}, 9000),
		},
		cfg:  cfg,
		done: make(chan error, 1),
	}

	h.session, err = New(cfg, Deps{
		Transport: peer,
		Capture:   capture.New(h.mic.open),
		Playback:  playback.New(h.speaker.open, audio.QueueSize),
		Codec:     c,
		Materials: h.mats,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.ctx = ctx
	t.Cleanup(func() {
		cancel()
		_ = peer.Close()
		select {
		case <-h.done:
		case <-time.After(2 * time.Second):
			t.Error("session did not stop")
		}
	})
	return h
}

func (h *harness) run() {
	go func() { h.done <- h.session.Run(h.ctx) }()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// nextData returns the next DataReceived event on topic, skipping the rest.
func nextData(t *testing.T, p transport.Transport, topic string) transport.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-p.Events():
			if !ok {
				t.Fatalf("Events closed while waiting for %q", topic)
			}
			if ev.Kind == transport.DataReceived && ev.Topic == topic {
				return ev
			}
		case <-timeout:
			t.Fatalf("Timed out waiting for data on %q", topic)
		}
	}
}

// acceptHandshake plays the mixer: it collects the key materials and acks them.
func acceptHandshake(t *testing.T, h *harness, mixer transport.Transport) handshake.Materials {
	t.Helper()
	var asm handshake.Assembler
	for {
		ev := nextData(t, mixer, transport.TopicSystem)
		if ev.Participant != "alice" {
			t.Fatalf("Expected handshake from alice, got %q", ev.Participant)
		}
		m, complete, err := asm.Push(ev.Data)
		if err != nil {
			t.Fatalf("Assembler.Push: %v", err)
		}
		if complete {
			return m
		}
	}
}

func sendAck(t *testing.T, mixer transport.Transport) {
	t.Helper()
	err := mixer.Send(context.Background(), handshake.MarshalAck(true), transport.Reliable, transport.TopicSystem, "alice")
	if err != nil {
		t.Fatalf("Send ack: %v", err)
	}
}

func TestCaptureStartsOnlyAfterAck(t *testing.T) {
	h := newHarness(t, true)
	h.session.SetMuted(false)
	h.run()

	mixer, err := h.hub.Join("mixer-1")
	if err != nil {
		t.Fatalf("Join mixer: %v", err)
	}
	defer mixer.Close()

	got := acceptHandshake(t, h, mixer)
	if !bytes.Equal(got.PublicKey, h.mats.PublicKey) || !bytes.Equal(got.CryptoContext, h.mats.CryptoContext) {
		t.Fatal("Mixer rebuilt different key materials")
	}
	if n := h.mic.opens.Load(); n != 0 {
		t.Fatalf("Expected no capture before the ack, got %d opens", n)
	}
	if h.session.Gate().IsOpen() {
		t.Fatal("Gate open before the ack")
	}

	sendAck(t, mixer)
	waitFor(t, "capture start", h.session.deps.Capture.Running)

	sendAck(t, mixer)
	time.Sleep(50 * time.Millisecond)
	if n := h.mic.opens.Load(); n != 1 {
		t.Errorf("Expected exactly 1 capture start, got %d", n)
	}

	st := h.session.Status()
	if !st.HandshakeOpen || st.Mixer != "mixer-1" || st.Participants != 1 {
		t.Errorf("Unexpected status %+v", st)
	}
}

func TestIgnoresNegativeAck(t *testing.T) {
	h := newHarness(t, true)
	h.session.SetMuted(false)
	h.run()

	mixer, err := h.hub.Join("mixer-1")
	if err != nil {
		t.Fatalf("Join mixer: %v", err)
	}
	defer mixer.Close()
	acceptHandshake(t, h, mixer)

	for _, msg := range []string{`{"success":false}`, `hello`} {
		if err := mixer.Send(context.Background(), []byte(msg), transport.Reliable, transport.TopicSystem); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	time.Sleep(50 * time.Millisecond)
	if h.session.Gate().IsOpen() || h.mic.opens.Load() != 0 {
		t.Error("Capture must not start without a successful ack")
	}
}

func TestCapturedAudioReachesMixer(t *testing.T) {
	h := newHarness(t, true)
	h.session.SetMuted(false)
	h.run()

	mixer, err := h.hub.Join("mixer-1")
	if err != nil {
		t.Fatalf("Join mixer: %v", err)
	}
	defer mixer.Close()
	acceptHandshake(t, h, mixer)
	sendAck(t, mixer)
	waitFor(t, "capture start", h.session.deps.Capture.Running)

	frame := make([]float32, h.cfg.Audio.FrameLen())
	for i := range frame {
		frame[i] = float32(i) / float32(len(frame))
	}
	h.mic.frames <- frame

	r := reassembly.New(time.Second)
	for {
		ev := nextData(t, mixer, transport.TopicAudio)
		msg, complete, err := r.Push(ev.Data)
		if err != nil {
			t.Fatalf("Push: %v", err)
		}
		if !complete {
			continue
		}
		if msg.ID != 0 {
			t.Errorf("Expected first message id 0, got %d", msg.ID)
		}
		if msg.SampleRate != h.cfg.Audio.SampleRate || msg.Channels != h.cfg.Audio.Channels {
			t.Errorf("Unexpected metadata %+v", msg.Metadata)
		}
		samples, err := h.session.deps.Codec.Decode(msg.Payload)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if len(samples) != len(frame) || samples[10] != frame[10] {
			t.Errorf("Mixer got a different frame")
		}
		break
	}
}

func TestIncomingAudioIsPlayed(t *testing.T) {
	h := newHarness(t, true)
	h.run()

	mixer, err := h.hub.Join("mixer-1")
	if err != nil {
		t.Fatalf("Join mixer: %v", err)
	}
	defer mixer.Close()

	samples := make([]float32, 6000)
	for i := range samples {
		samples[i] = 0.25
	}
	payload, err := h.session.deps.Codec.Encode(samples)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	frags := fragment.Encode(payload, 1000, fragment.Metadata{SampleRate: 16000, Channels: 1}, 7)
	if len(frags) < 2 {
		t.Fatalf("Expected several fragments, got %d", len(frags))
	}
	// last first, plus a duplicate
	ordered := append([][]byte{frags[len(frags)-1]}, frags...)
	for _, f := range ordered {
		if err := mixer.Send(context.Background(), f, transport.Reliable, transport.TopicAudio, "alice"); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	select {
	case got := <-h.speaker.writes:
		if len(got) != len(samples) || got[0] != 0.25 {
			t.Errorf("Expected %d samples of 0.25, got %d", len(samples), len(got))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for playback")
	}

	h.speaker.mu.Lock()
	rates := append([]uint32(nil), h.speaker.rates...)
	h.speaker.mu.Unlock()
	if len(rates) != 1 || rates[0] != 16000 {
		t.Errorf("Expected sink opened at 16000Hz, got %v", rates)
	}

	select {
	case <-h.speaker.writes:
		t.Error("Duplicate fragment produced a second message")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMuteTogglesCapture(t *testing.T) {
	h := newHarness(t, false)
	h.run()

	waitFor(t, "connect", h.session.started)
	if h.session.deps.Capture.Running() {
		t.Fatal("Session should start muted")
	}

	h.session.SetMuted(false)
	waitFor(t, "capture start", h.session.deps.Capture.Running)

	if muted := h.session.ToggleMute(); !muted {
		t.Fatal("ToggleMute should report muted")
	}
	if h.session.deps.Capture.Running() {
		t.Error("Capture still running after mute")
	}

	h.session.SetMuted(false)
	waitFor(t, "capture restart", h.session.deps.Capture.Running)
	if n := h.mic.opens.Load(); n != 2 {
		t.Errorf("Expected 2 capture opens, got %d", n)
	}
}

func TestAudioGoesToRoomWithoutHandshake(t *testing.T) {
	h := newHarness(t, false)
	h.session.SetMuted(false)
	h.run()

	bob, err := h.hub.Join("bob")
	if err != nil {
		t.Fatalf("Join bob: %v", err)
	}
	defer bob.Close()
	waitFor(t, "capture start", h.session.deps.Capture.Running)
	waitFor(t, "bob to be seen", func() bool { return h.session.Status().Participants == 1 })

	h.mic.frames <- make([]float32, h.cfg.Audio.FrameLen())
	ev := nextData(t, bob, transport.TopicAudio)
	if ev.Participant != "alice" {
		t.Errorf("Expected audio from alice, got %q", ev.Participant)
	}
}

func TestKeepalive(t *testing.T) {
	h := newHarness(t, true)
	h.session.cfg.KeepaliveInterval = 10 * time.Millisecond
	h.run()

	bob, err := h.hub.Join("bob")
	if err != nil {
		t.Fatalf("Join bob: %v", err)
	}
	defer bob.Close()

	ev := nextData(t, bob, transport.TopicPing)
	if string(ev.Data) != keepaliveMessage {
		t.Errorf("Expected %q, got %q", keepaliveMessage, ev.Data)
	}
}

func TestMixerLeaving(t *testing.T) {
	h := newHarness(t, true)
	h.run()

	mixer, err := h.hub.Join("mixer-1")
	if err != nil {
		t.Fatalf("Join mixer: %v", err)
	}
	waitFor(t, "mixer", func() bool { return h.session.Status().Mixer == "mixer-1" })

	_ = mixer.Close()
	waitFor(t, "mixer to leave", func() bool { return h.session.Status().Mixer == "" })
	if n := h.session.Status().Participants; n != 0 {
		t.Errorf("Expected 0 participants, got %d", n)
	}
}

func TestDisconnectStopsSession(t *testing.T) {
	h := newHarness(t, false)
	h.session.SetMuted(false)
	h.run()
	waitFor(t, "capture start", h.session.deps.Capture.Running)

	if err := h.session.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case err := <-h.done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
		h.done <- nil
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	if h.session.deps.Capture.Running() {
		t.Error("Capture still running after disconnect")
	}

	h.session.SetMuted(false)
	if h.session.deps.Capture.Running() {
		t.Error("Unmute after teardown restarted capture")
	}
}

func TestRunTwice(t *testing.T) {
	h := newHarness(t, true)
	h.run()
	waitFor(t, "run", h.session.started)
	if err := h.session.Run(context.Background()); err != ErrAlreadyRunning {
		t.Errorf("Expected ErrAlreadyRunning, got %v", err)
	}
}

func TestBadMessagesAreDroppedAndPlaybackContinues(t *testing.T) {
	h := newHarness(t, true)
	m := metrics.New()
	h.session.deps.Metrics = m
	h.session.deps.Transforms.Incoming = transform.Func(func(b []byte) ([]byte, error) {
		if bytes.HasPrefix(b, []byte("sealed-badly")) {
			return nil, fmt.Errorf("%w: authentication tag mismatch", transform.ErrTransformFailure)
		}
		return b, nil
	})
	h.run()

	mixer, err := h.hub.Join("mixer-1")
	if err != nil {
		t.Fatalf("Join mixer: %v", err)
	}
	defer mixer.Close()

	good := make([]float32, 100)
	for i := range good {
		good[i] = 0.5
	}
	goodPayload, err := h.session.deps.Codec.Encode(good)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	meta := fragment.Metadata{SampleRate: 11025, Channels: 1}

	var wire [][]byte
	wire = append(wire, []byte{1, 2, 3})
	wire = append(wire, fragment.Encode([]byte("sealed-badly, 16 bytes"), 1000, meta, 1)...)
	wire = append(wire, fragment.Encode([]byte{9, 9, 9}, 1000, meta, 2)...)
	wire = append(wire, fragment.Encode(goodPayload, 1000, meta, 3)...)
	for _, f := range wire {
		if err := mixer.Send(context.Background(), f, transport.Reliable, transport.TopicAudio, "alice"); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	select {
	case got := <-h.speaker.writes:
		if len(got) != len(good) || got[0] != 0.5 {
			t.Errorf("Expected the good message (%d samples of 0.5), got %d samples", len(good), len(got))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Good message after bad ones never reached playback")
	}
	select {
	case got := <-h.speaker.writes:
		t.Errorf("Expected only one message played, got another with %d samples", len(got))
	case <-time.After(50 * time.Millisecond):
	}

	if v := testutil.ToFloat64(m.MalformedFragments); v != 1 {
		t.Errorf("Expected 1 malformed fragment, got %v", v)
	}
	if v := testutil.ToFloat64(m.TransformFailures.WithLabelValues("incoming")); v != 1 {
		t.Errorf("Expected 1 incoming transform failure, got %v", v)
	}
	if v := testutil.ToFloat64(m.DecodeFailures); v != 1 {
		t.Errorf("Expected 1 decode failure, got %v", v)
	}
	if v := testutil.ToFloat64(m.MessagesReassembled); v != 3 {
		t.Errorf("Expected 3 reassembled messages, got %v", v)
	}
}

func TestCaptureRestartsAfterReadFailure(t *testing.T) {
	h := newHarness(t, false)
	h.mic.failNext.Store(true)
	h.session.SetMuted(false)
	h.run()

	waitFor(t, "failed capture loop to stop", func() bool {
		return h.mic.opens.Load() == 1 && h.mic.closes.Load() == 1 && !h.session.deps.Capture.Running()
	})

	h.session.SetMuted(false)
	waitFor(t, "capture restart", h.session.deps.Capture.Running)
	if n := h.mic.opens.Load(); n != 2 {
		t.Errorf("Expected 2 capture opens, got %d", n)
	}
	if n := h.mic.closes.Load(); n != 1 {
		t.Errorf("Expected only the failed source closed, got %d closes", n)
	}
}

func TestNewFillsDefaults(t *testing.T) {
	hub := memory.NewHub()
	peer, err := hub.Join("carol")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	defer peer.Close()

	audio := config.NewRelayConfig()
	c, err := codec.New(audio)
	if err != nil {
		t.Fatalf("codec.New: %v", err)
	}
	s, err := New(Config{Audio: audio}, Deps{
		Transport: peer,
		Capture:   capture.New(newFakeMic().open),
		Playback:  playback.New((&fakeSpeaker{}).open, audio.QueueSize),
		Codec:     c,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.cfg.ReassemblyTimeout != config.ReassemblyTimeout {
		t.Errorf("Expected reassembly timeout %s, got %s", config.ReassemblyTimeout, s.cfg.ReassemblyTimeout)
	}
	if s.cfg.SendConcurrency != DefaultSendConcurrency {
		t.Errorf("Expected send concurrency %d, got %d", DefaultSendConcurrency, s.cfg.SendConcurrency)
	}
	if s.cfg.MixerPrefix != DefaultMixerPrefix || s.cfg.KeepaliveInterval != DefaultKeepaliveInterval {
		t.Errorf("Unexpected defaults %+v", s.cfg)
	}
}
