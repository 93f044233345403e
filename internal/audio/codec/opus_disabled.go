//go:build !(cgo && opus)

package codec

import "relay-call/internal/audio/config"

func newOpus(config.AudioConfig) (Codec, error) {
	return nil, ErrOpusDisabled
}
