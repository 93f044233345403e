package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	audioconfig "relay-call/internal/audio/config"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const (
	TransportWS  = "ws"
	TransportRTC = "rtc"

	DefaultRoom        = "lobby"
	DefaultRelayURL    = "ws://localhost:8080"
	DefaultRelayAddr   = ":8080"
	DefaultKeysDir     = "keys"
	DefaultMDNSTimeout = 60 * time.Second

	DefaultSendConcurrency = 64
)

type Config struct {
	Identity       string `yaml:"identity"`
	IdentityPrefix string `yaml:"identity_prefix"`
	Room           string `yaml:"room"`
	Transport      string `yaml:"transport"`
	RelayURL       string `yaml:"relay_url"`
	KeysDir        string `yaml:"keys_dir"`
	MetricsAddr    string `yaml:"metrics_addr"`

	Audio AudioConfig `yaml:"audio"`
	Call  CallConfig  `yaml:"call"`
	Relay RelayConfig `yaml:"relay"`
	ICE   ICEConfig   `yaml:"ice"`
}

type AudioConfig struct {
	Profile          string  `yaml:"profile"`
	Codec            string  `yaml:"codec"`
	DeviceSampleRate uint32  `yaml:"device_sample_rate"`
	ToneHz           float64 `yaml:"tone_hz"` // 0 captures from the microphone
}

type CallConfig struct {
	RequireHandshake  bool          `yaml:"require_handshake"`
	MixerPrefix       string        `yaml:"mixer_prefix"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
	MDNSTimeout       time.Duration `yaml:"mdns_timeout"`
	ReassemblyTimeout time.Duration `yaml:"reassembly_timeout"`
	SendConcurrency   int           `yaml:"send_concurrency"`
}

type RelayConfig struct {
	Addr     string `yaml:"addr"`
	TLS      bool   `yaml:"tls"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

func Default() Config {
	return Config{
		IdentityPrefix: "desktop",
		Room:           DefaultRoom,
		Transport:      TransportWS,
		RelayURL:       DefaultRelayURL,
		KeysDir:        DefaultKeysDir,
		Audio: AudioConfig{
			Profile: string(audioconfig.ProfileRelay),
		},
		Call: CallConfig{
			RequireHandshake:  true,
			MixerPrefix:       "mixer",
			KeepaliveInterval: 5 * time.Second,
			MDNSTimeout:       DefaultMDNSTimeout,
			ReassemblyTimeout: audioconfig.ReassemblyTimeout,
			SendConcurrency:   DefaultSendConcurrency,
		},
		Relay: RelayConfig{
			Addr: DefaultRelayAddr,
		},
	}
}

// Load builds the configuration from defaults, then the YAML file at path
// (or $CALL_CONFIG when path is empty), then the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv("CALL_CONFIG")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
		log.Debug().Str("path", path).Msg("Loaded config file")
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	setString(&c.Identity, "CALL_IDENTITY")
	setString(&c.IdentityPrefix, "CALL_IDENTITY_PREFIX")
	setString(&c.Room, "CALL_ROOM")
	setString(&c.Transport, "CALL_TRANSPORT")
	setString(&c.RelayURL, "RELAY_URL")
	setString(&c.KeysDir, "KEYS_DIR")
	setString(&c.MetricsAddr, "METRICS_ADDR")
	setString(&c.Audio.Profile, "AUDIO_PROFILE")
	setString(&c.Audio.Codec, "AUDIO_CODEC")
	setString(&c.Call.MixerPrefix, "MIXER_PREFIX")
	setString(&c.Relay.Addr, "RELAY_ADDR")
	setString(&c.Relay.CertFile, "RELAY_CERT_FILE")
	setString(&c.Relay.KeyFile, "RELAY_KEY_FILE")

	if v := os.Getenv("REQUIRE_HANDSHAKE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("REQUIRE_HANDSHAKE: %w", err)
		}
		c.Call.RequireHandshake = b
	}
	if v := os.Getenv("RELAY_TLS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("RELAY_TLS: %w", err)
		}
		c.Relay.TLS = b
	}
	if v := os.Getenv("DEVICE_SAMPLE_RATE"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return fmt.Errorf("DEVICE_SAMPLE_RATE: %w", err)
		}
		c.Audio.DeviceSampleRate = uint32(n)
	}

	if v := os.Getenv("REASSEMBLY_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("REASSEMBLY_TIMEOUT: %w", err)
		}
		c.Call.ReassemblyTimeout = d
	}
	if v := os.Getenv("SEND_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SEND_CONCURRENCY: %w", err)
		}
		c.Call.SendConcurrency = n
	}

	if v := os.Getenv("STUN_SERVERS"); v != "" {
		c.ICE.STUN = splitServers(v)
	}
	if v := os.Getenv("TURN_SERVERS"); v != "" {
		c.ICE.TURN = splitServers(v)
	}
	setString(&c.ICE.Username, "TURN_USERNAME")
	setString(&c.ICE.Credential, "TURN_CREDENTIAL")
	return nil
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Room) == "" {
		errs = append(errs, errors.New("room must not be empty"))
	}
	switch c.Transport {
	case TransportWS:
		u, err := url.Parse(c.RelayURL)
		if err != nil {
			errs = append(errs, fmt.Errorf("relay_url: %w", err))
		} else if u.Scheme != "ws" && u.Scheme != "wss" {
			errs = append(errs, fmt.Errorf("relay_url must use ws or wss, got %q", c.RelayURL))
		}
	case TransportRTC:
		if len(c.ICE.STUN) == 0 {
			errs = append(errs, errors.New("rtc transport needs at least one STUN server"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Transport))
	}
	if _, err := c.AudioConfig(); err != nil {
		errs = append(errs, err)
	}
	if c.Call.KeepaliveInterval <= 0 {
		errs = append(errs, fmt.Errorf("keepalive_interval must be positive, got %s", c.Call.KeepaliveInterval))
	}
	if c.Call.ReassemblyTimeout <= 0 {
		errs = append(errs, fmt.Errorf("reassembly_timeout must be positive, got %s", c.Call.ReassemblyTimeout))
	}
	if c.Call.SendConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("send_concurrency must be positive, got %d", c.Call.SendConcurrency))
	}
	if c.Relay.TLS && (c.Relay.CertFile == "") != (c.Relay.KeyFile == "") {
		errs = append(errs, errors.New("relay cert_file and key_file must be set together"))
	}
	if err := c.ICE.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// AudioConfig resolves the audio profile with the configured overrides.
func (c Config) AudioConfig() (audioconfig.AudioConfig, error) {
	ac, err := audioconfig.ForProfile(audioconfig.Profile(c.Audio.Profile))
	if err != nil {
		return audioconfig.AudioConfig{}, err
	}
	if c.Audio.Codec != "" {
		ac.Codec = c.Audio.Codec
	}
	ac.DeviceSampleRate = c.Audio.DeviceSampleRate
	if err := ac.Validate(); err != nil {
		return audioconfig.AudioConfig{}, fmt.Errorf("audio: %w", err)
	}
	return ac, nil
}
