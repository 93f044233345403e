package config

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

type Profile string

func (p Profile) String() string {
	return string(p)
}

const (
	ProfileRelay Profile = "relay"
	ProfileLossy Profile = "lossy"
)

const (
	// relay profile: what the mixer expects, large reliable messages
	SampleRateRelay   = 11025
	FrameSamplesRelay = 1024
	ChannelsRelay     = 1
	MaxFragmentRelay  = 14000 // data channel caps messages at 15KiB, keep 1KiB for metadata

	SampleRateLossy   = 48000
	FrameSamplesLossy = 960 // 20 ms at 48kHz
	ChannelsLossy     = 1
	MaxFragmentLossy  = 1300 // below the 1400 byte path MTU

	PlaybackQueueSize = 12
	ReassemblyTimeout = 5 * time.Second
	DefaultCodec      = "pcm-f32"

	minFragmentOverhead = 14 // header plus at least one payload byte
)

type AudioConfig struct {
	Profile          Profile
	SampleRate       uint32
	FrameSamples     int // samples per channel per frame
	Channels         uint8
	DeviceSampleRate uint32 // 0 means the device runs at SampleRate
	MaxFragmentBytes int
	QueueSize        int // playback queue capacity in items
	Codec            string
	LossyAudio       bool // send audio best-effort instead of reliable
}

// NewRelayConfig creates AudioConfig for the mixer relay profile
func NewRelayConfig() AudioConfig {
	log.Debug().Msg("Using relay audio profile (11025Hz, 1024 samples, 14000 byte fragments)")
	return AudioConfig{
		Profile:          ProfileRelay,
		SampleRate:       SampleRateRelay,
		FrameSamples:     FrameSamplesRelay,
		Channels:         ChannelsRelay,
		MaxFragmentBytes: MaxFragmentRelay,
		QueueSize:        PlaybackQueueSize,
		Codec:            DefaultCodec,
	}
}

// NewLossyConfig creates AudioConfig for direct best-effort PCM streaming
func NewLossyConfig() AudioConfig {
	log.Debug().Msg("Using lossy audio profile (48kHz, 20ms, 1300 byte fragments)")
	return AudioConfig{
		Profile:          ProfileLossy,
		SampleRate:       SampleRateLossy,
		FrameSamples:     FrameSamplesLossy,
		Channels:         ChannelsLossy,
		MaxFragmentBytes: MaxFragmentLossy,
		QueueSize:        PlaybackQueueSize,
		Codec:            DefaultCodec,
		LossyAudio:       true,
	}
}

func ForProfile(p Profile) (AudioConfig, error) {
	switch p {
	case ProfileRelay, "":
		return NewRelayConfig(), nil
	case ProfileLossy:
		return NewLossyConfig(), nil
	default:
		return AudioConfig{}, fmt.Errorf("unknown audio profile %q", p)
	}
}

// FrameDuration is the capture cadence implied by the frame size.
func (ac AudioConfig) FrameDuration() time.Duration {
	if ac.SampleRate == 0 {
		return 0
	}
	return time.Duration(ac.FrameSamples) * time.Second / time.Duration(ac.SampleRate)
}

// FrameLen is the number of interleaved samples in one frame.
func (ac AudioConfig) FrameLen() int {
	return ac.FrameSamples * int(ac.Channels)
}

func (ac AudioConfig) Validate() error {
	if ac.SampleRate == 0 {
		return fmt.Errorf("sample rate must be positive")
	}
	if ac.FrameSamples <= 0 {
		return fmt.Errorf("frame samples must be positive, got %d", ac.FrameSamples)
	}
	if ac.Channels == 0 || ac.Channels > 2 {
		return fmt.Errorf("channels must be 1 or 2, got %d", ac.Channels)
	}
	if ac.MaxFragmentBytes < minFragmentOverhead {
		return fmt.Errorf("max fragment bytes must be at least %d, got %d", minFragmentOverhead, ac.MaxFragmentBytes)
	}
	if ac.QueueSize <= 0 {
		return fmt.Errorf("playback queue size must be positive, got %d", ac.QueueSize)
	}
	return nil
}
