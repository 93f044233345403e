package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"relay-call/internal/audio/capture"
	"relay-call/internal/audio/codec"
	audioconfig "relay-call/internal/audio/config"
	"relay-call/internal/audio/device"
	"relay-call/internal/audio/playback"
	"relay-call/internal/handshake"
	"relay-call/internal/metrics"
	"relay-call/internal/session"
	"relay-call/internal/transform"
	"relay-call/internal/transport"
	"relay-call/internal/transport/rtc"
	"relay-call/internal/transport/ws"
	"relay-call/pkg/config"
	"relay-call/pkg/interface/desktop"
	"relay-call/pkg/system"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var callFlags struct {
	room        string
	identity    string
	transport   string
	relayURL    string
	profile     string
	codec       string
	tone        float64
	insecure    bool
	noHandshake bool
	metricsAddr string
	unmuted     bool
}

var callCmd = &cobra.Command{
	Use:   "call",
	Short: "Join a room and talk",
	Long: `Join a room through the websocket relay (--transport ws) or a direct
WebRTC data channel link found over mDNS/DHT (--transport rtc).

Example:
  relay-call call --room standup --relay-url ws://localhost:8080
  relay-call call --transport rtc --room standup --tone 440`,
	RunE: runCall,
}

func init() {
	f := callCmd.Flags()
	f.StringVar(&callFlags.room, "room", "", "room to join")
	f.StringVar(&callFlags.identity, "identity", "", "participant identity (default generated)")
	f.StringVar(&callFlags.transport, "transport", "", "ws or rtc")
	f.StringVar(&callFlags.relayURL, "relay-url", "", "relay base url for the ws transport")
	f.StringVar(&callFlags.profile, "profile", "", "audio profile: relay or lossy")
	f.StringVar(&callFlags.codec, "codec", "", "payload codec: pcm-f32, pcm-s16, pcmu, opus")
	f.Float64Var(&callFlags.tone, "tone", 0, "send a sine tone of this frequency instead of the microphone")
	f.BoolVar(&callFlags.insecure, "insecure", false, "accept a self-signed relay certificate")
	f.BoolVar(&callFlags.noHandshake, "no-handshake", false, "capture without waiting for a mixer")
	f.StringVar(&callFlags.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	f.BoolVar(&callFlags.unmuted, "unmuted", false, "start with the microphone on")
}

func applyCallFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("room") {
		cfg.Room = callFlags.room
	}
	if f.Changed("identity") {
		cfg.Identity = callFlags.identity
	}
	if f.Changed("transport") {
		cfg.Transport = callFlags.transport
	}
	if f.Changed("relay-url") {
		cfg.RelayURL = callFlags.relayURL
	}
	if f.Changed("profile") {
		cfg.Audio.Profile = callFlags.profile
	}
	if f.Changed("codec") {
		cfg.Audio.Codec = callFlags.codec
	}
	if f.Changed("tone") {
		cfg.Audio.ToneHz = callFlags.tone
	}
	if f.Changed("no-handshake") {
		cfg.Call.RequireHandshake = !callFlags.noHandshake
	}
	if f.Changed("metrics-addr") {
		cfg.MetricsAddr = callFlags.metricsAddr
	}
	if cfg.Identity == "" {
		cfg.Identity = system.NewIdentity(cfg.IdentityPrefix)
	}
}

func runCall(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	applyCallFlags(cmd, &cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	ac, err := cfg.AudioConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := codec.New(ac)
	if err != nil {
		return err
	}
	pair, err := transform.LoadPair(cfg.KeysDir)
	if err != nil {
		return err
	}
	materials, err := loadMaterials(cfg)
	if err != nil {
		return err
	}

	var m *metrics.Metrics
	if cfg.MetricsAddr != "" {
		m = metrics.New()
		go func() {
			if err := m.Serve(ctx, cfg.MetricsAddr); err != nil {
				log.Error().Err(err).Msg("Metrics server stopped")
			}
		}()
	}

	tr, err := connect(ctx, cfg, callFlags.insecure)
	if err != nil {
		return err
	}

	sessCfg := session.DefaultConfig(ac)
	sessCfg.MixerPrefix = cfg.Call.MixerPrefix
	sessCfg.RequireHandshake = cfg.Call.RequireHandshake
	sessCfg.KeepaliveInterval = cfg.Call.KeepaliveInterval
	sessCfg.ReassemblyTimeout = cfg.Call.ReassemblyTimeout
	sessCfg.SendConcurrency = cfg.Call.SendConcurrency

	sess, err := session.New(sessCfg, session.Deps{
		Transport:  tr,
		Capture:    capture.New(sourceFactory(ac, cfg.Audio.ToneHz)),
		Playback:   playback.New(sinkFactory, ac.QueueSize),
		Codec:      c,
		Transforms: pair,
		Materials:  materials,
		Metrics:    m,
	})
	if err != nil {
		_ = tr.Close()
		return err
	}

	if callFlags.unmuted {
		sess.SetMuted(false)
	}

	var runErr error
	runDone := make(chan struct{})
	go func() {
		runErr = sess.Run(ctx)
		close(runDone)
	}()

	menuCtx, cancelMenu := context.WithCancel(ctx)
	defer cancelMenu()
	go func() {
		// the session ends on its own when the transport drops
		select {
		case <-runDone:
			cancelMenu()
		case <-menuCtx.Done():
		}
	}()

	ui, err := desktop.NewDesktopInterface(sess, os.Stdin, os.Stdout)
	if err != nil {
		return err
	}
	ui.StartDesktopInterface(menuCtx)

	if err := sess.Close(); err != nil {
		log.Debug().Err(err).Msg("Transport close")
	}
	select {
	case <-runDone:
		return runErr
	case <-time.After(5 * time.Second):
		return errors.New("session did not stop in time")
	}
}

func loadMaterials(cfg config.Config) (handshake.Materials, error) {
	materials, err := transform.LoadMaterials(cfg.KeysDir)
	if err == nil {
		return materials, nil
	}
	if cfg.Call.RequireHandshake || !errors.Is(err, fs.ErrNotExist) {
		return handshake.Materials{}, fmt.Errorf("load handshake materials from %s: %w", cfg.KeysDir, err)
	}
	log.Warn().Str("dir", cfg.KeysDir).Msg("No handshake materials, mixers will receive an empty handshake")
	return handshake.Materials{}, nil
}

func connect(ctx context.Context, cfg config.Config, insecure bool) (transport.Transport, error) {
	log.Info().
		Str("transport", cfg.Transport).
		Str("room", cfg.Room).
		Str("identity", cfg.Identity).
		Msg("Connecting")

	switch cfg.Transport {
	case config.TransportRTC:
		t, err := rtc.Connect(ctx, cfg.Identity, rtc.Config{
			Room:        cfg.Room,
			ICEServers:  cfg.ICE.ICEServers(),
			MDNSTimeout: cfg.Call.MDNSTimeout,
		})
		if err != nil {
			return nil, err
		}
		return t, nil
	default:
		dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		c, err := ws.Dial(dialCtx, cfg.RelayURL, cfg.Room, cfg.Identity, ws.DialOptions{
			InsecureSkipVerify: insecure,
			HandshakeTimeout:   10 * time.Second,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

func sourceFactory(ac audioconfig.AudioConfig, toneHz float64) capture.SourceFactory {
	if toneHz > 0 {
		log.Info().Float64("hz", toneHz).Msg("Capturing from a test tone")
		return func() (capture.Source, error) {
			return capture.NewToneSource(ac, toneHz), nil
		}
	}
	return func() (capture.Source, error) {
		src, err := device.OpenSource(ac)
		if err != nil {
			return nil, err
		}
		return src, nil
	}
}

func sinkFactory(rate uint32, channels uint8) (playback.Sink, error) {
	sink, err := device.OpenSink(rate, channels)
	if err != nil {
		return nil, err
	}
	return sink, nil
}
