// Package device opens the default capture and playback devices through
// miniaudio (malgo) and exposes them as blocking frame readers and writers.
package device

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/gen2brain/malgo"
	"github.com/rs/zerolog/log"
)

var (
	ErrDeviceUnavailable = errors.New("audio device unavailable")
	ErrClosed            = errors.New("audio device closed")
)

func initContext() (*malgo.AllocatedContext, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		log.Debug().Str("component", "malgo").Msg(msg)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: init context: %v", ErrDeviceUnavailable, err)
	}
	return ctx, nil
}

func freeContext(ctx *malgo.AllocatedContext) {
	if ctx == nil {
		return
	}
	_ = ctx.Uninit()
	ctx.Free()
}

func deviceConfig(kind malgo.DeviceType, sampleRate uint32, channels uint8) malgo.DeviceConfig {
	cfg := malgo.DefaultDeviceConfig(kind)
	switch kind {
	case malgo.Capture:
		cfg.Capture.Format = malgo.FormatF32
		cfg.Capture.Channels = uint32(channels)
	case malgo.Playback:
		cfg.Playback.Format = malgo.FormatF32
		cfg.Playback.Channels = uint32(channels)
	}
	cfg.SampleRate = sampleRate

	// alsa specific settings for linux
	if runtime.GOOS == "linux" {
		cfg.Alsa.NoMMap = 1
	}
	return cfg
}
