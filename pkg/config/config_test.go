package config

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pion/stun"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"CALL_CONFIG", "CALL_IDENTITY", "CALL_IDENTITY_PREFIX", "CALL_ROOM", "CALL_TRANSPORT",
		"RELAY_URL", "KEYS_DIR", "METRICS_ADDR", "AUDIO_PROFILE", "AUDIO_CODEC", "MIXER_PREFIX",
		"RELAY_ADDR", "RELAY_CERT_FILE", "RELAY_KEY_FILE", "REQUIRE_HANDSHAKE", "RELAY_TLS",
		"DEVICE_SAMPLE_RATE", "STUN_SERVERS", "TURN_SERVERS", "TURN_USERNAME", "TURN_CREDENTIAL",
		"REASSEMBLY_TIMEOUT", "SEND_CONCURRENCY",
	} {
		t.Setenv(key, "")
	}
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "call.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Room != DefaultRoom || cfg.Transport != TransportWS || !cfg.Call.RequireHandshake {
		t.Errorf("Unexpected defaults %+v", cfg)
	}
	ac, err := cfg.AudioConfig()
	if err != nil {
		t.Fatalf("AudioConfig: %v", err)
	}
	if ac.SampleRate != 11025 || ac.MaxFragmentBytes != 14000 {
		t.Errorf("Expected relay profile, got %+v", ac)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, `
room: standup
transport: ws
relay_url: wss://relay.example.com
audio:
  profile: lossy
  codec: pcm-s16
call:
  keepalive_interval: 2s
ice:
  stun: ["stun:stun.example.com:3478"]
`)
	t.Setenv("CALL_ROOM", "retro")
	t.Setenv("REQUIRE_HANDSHAKE", "false")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Room != "retro" {
		t.Errorf("Expected env to override room, got %q", cfg.Room)
	}
	if cfg.Call.RequireHandshake {
		t.Error("Expected REQUIRE_HANDSHAKE=false to apply")
	}
	if cfg.Call.KeepaliveInterval != 2*time.Second {
		t.Errorf("Expected 2s keepalive, got %s", cfg.Call.KeepaliveInterval)
	}
	ac, err := cfg.AudioConfig()
	if err != nil {
		t.Fatalf("AudioConfig: %v", err)
	}
	if ac.SampleRate != 48000 || ac.Codec != "pcm-s16" || !ac.LossyAudio {
		t.Errorf("Unexpected audio config %+v", ac)
	}
}

func TestSendTuning(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		clearEnv(t)
		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.Call.ReassemblyTimeout != 5*time.Second {
			t.Errorf("Expected 5s reassembly timeout, got %s", cfg.Call.ReassemblyTimeout)
		}
		if cfg.Call.SendConcurrency != DefaultSendConcurrency {
			t.Errorf("Expected send concurrency %d, got %d", DefaultSendConcurrency, cfg.Call.SendConcurrency)
		}
	})

	t.Run("file then env", func(t *testing.T) {
		clearEnv(t)
		path := writeFile(t, "call:\n  reassembly_timeout: 2s\n  send_concurrency: 8\n")
		t.Setenv("SEND_CONCURRENCY", "16")

		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.Call.ReassemblyTimeout != 2*time.Second {
			t.Errorf("Expected 2s reassembly timeout, got %s", cfg.Call.ReassemblyTimeout)
		}
		if cfg.Call.SendConcurrency != 16 {
			t.Errorf("Expected SEND_CONCURRENCY to win, got %d", cfg.Call.SendConcurrency)
		}
	})

	t.Run("bad env", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("REASSEMBLY_TIMEOUT", "soon")
		if _, err := Load(""); err == nil || !strings.Contains(err.Error(), "REASSEMBLY_TIMEOUT") {
			t.Errorf("Expected REASSEMBLY_TIMEOUT parse error, got %v", err)
		}
	})

	t.Run("non-positive", func(t *testing.T) {
		cfg := Default()
		cfg.Call.ReassemblyTimeout = 0
		cfg.Call.SendConcurrency = -1
		err := cfg.Validate()
		if err == nil {
			t.Fatal("Expected validation errors")
		}
		for _, want := range []string{"reassembly_timeout", "send_concurrency"} {
			if !strings.Contains(err.Error(), want) {
				t.Errorf("Expected error to mention %q, got %v", want, err)
			}
		}
	})
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "room: a\nromo: b\n")
	if _, err := Load(path); err == nil {
		t.Fatal("Expected unknown field to be rejected")
	}
}

func TestValidateJoinsErrors(t *testing.T) {
	cfg := Default()
	cfg.Room = " "
	cfg.Transport = "carrier-pigeon"
	cfg.Audio.Profile = "hifi"
	cfg.ICE.TURN = []string{"stun:wrong"}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Expected validation errors")
	}
	for _, want := range []string{"room", "carrier-pigeon", "hifi", "turn server"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Expected error to mention %q, got %v", want, err)
		}
	}
}

func TestValidateRTCNeedsStun(t *testing.T) {
	cfg := Default()
	cfg.Transport = TransportRTC
	if err := cfg.Validate(); err == nil {
		t.Error("Expected rtc without STUN servers to fail")
	}
	cfg.ICE.STUN = []string{"stun:stun.l.google.com:19302"}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestICEServers(t *testing.T) {
	clearEnv(t)
	t.Setenv("STUN_SERVERS", "stun:a:3478, stun:b:3478,")
	t.Setenv("TURN_SERVERS", "turn:c:3478")
	t.Setenv("TURN_USERNAME", "user")
	t.Setenv("TURN_CREDENTIAL", "secret")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	servers := cfg.ICE.ICEServers()
	if len(servers) != 3 {
		t.Fatalf("Expected 3 ICE servers, got %d", len(servers))
	}
	if servers[1].URLs[0] != "stun:b:3478" {
		t.Errorf("Expected trimmed url, got %q", servers[1].URLs[0])
	}
	turn := servers[2]
	if turn.Username != "user" || turn.Credential != "secret" {
		t.Errorf("TURN server missing credentials: %+v", turn)
	}
}

// startStunResponder answers binding requests on a local UDP socket.
func startStunResponder(t *testing.T) string {
	t.Helper()
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 1500)
		for {
			n, addr, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			req := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
			if err := req.Decode(); err != nil {
				continue
			}
			udp := addr.(*net.UDPAddr)
			resp, err := stun.Build(
				stun.NewTransactionIDSetter(req.TransactionID),
				stun.BindingSuccess,
				&stun.XORMappedAddress{IP: udp.IP, Port: udp.Port},
				stun.Fingerprint,
			)
			if err != nil {
				continue
			}
			_, _ = conn.WriteTo(resp.Raw, addr)
		}
	}()
	return "stun:" + conn.LocalAddr().String()
}

func TestProbeSTUN(t *testing.T) {
	url := startStunResponder(t)

	addr, err := ProbeSTUN(context.Background(), url, 2*time.Second)
	if err != nil {
		t.Fatalf("ProbeSTUN: %v", err)
	}
	if !addr.IP.IsLoopback() || addr.Port == 0 {
		t.Errorf("Expected loopback reflexive address, got %s", addr)
	}

	ice := ICEConfig{STUN: []string{url}}
	if n := ice.CheckStunServers(context.Background(), 2*time.Second); n != 1 {
		t.Errorf("Expected 1 reachable server, got %d", n)
	}
}

func TestProbeSTUNTimeout(t *testing.T) {
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}
	defer conn.Close()

	_, err = ProbeSTUN(context.Background(), "stun:"+conn.LocalAddr().String(), 100*time.Millisecond)
	if err == nil {
		t.Fatal("Expected a timeout from a silent server")
	}
	if _, err := ProbeSTUN(context.Background(), "turn:x:1", time.Second); err == nil {
		t.Error("Expected non-stun url to be rejected")
	}
}

func TestGenerateSelfSignedCert(t *testing.T) {
	cert, err := GenerateSelfSignedCert()
	if err != nil {
		t.Fatalf("GenerateSelfSignedCert: %v", err)
	}
	if len(cert.Certificate) == 0 {
		t.Fatal("Expected a certificate chain")
	}

	tlsCfg, err := RelayConfig{TLS: true}.TLSConfig()
	if err != nil {
		t.Fatalf("TLSConfig: %v", err)
	}
	if len(tlsCfg.Certificates) != 1 {
		t.Errorf("Expected one certificate, got %d", len(tlsCfg.Certificates))
	}
}
