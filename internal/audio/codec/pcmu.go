package codec

import "relay-call/internal/audio/convert"

const (
	muBias = 0x84
	muClip = 32635
)

// PCMU is G.711 mu-law, one byte per sample.
type PCMU struct{}

func (PCMU) Name() string { return NamePCMU }

func (PCMU) Encode(samples []float32) ([]byte, error) {
	pcm := convert.Float32ToInt16(samples)
	out := make([]byte, len(pcm))
	for i, s := range pcm {
		out[i] = Linear16ToMuLaw(s)
	}
	return out, nil
}

func (PCMU) Decode(data []byte) ([]float32, error) {
	pcm := make([]int16, len(data))
	for i, b := range data {
		pcm[i] = MuLawToLinear16(b)
	}
	return convert.Int16ToFloat32(pcm), nil
}

func Linear16ToMuLaw(sample int16) byte {
	sign := (sample >> 8) & 0x80
	if sign != 0 {
		sample = -sample
	}
	if sample > muClip {
		sample = muClip
	}
	sample += muBias
	exponent := uint8(7)
	mask := int16(0x4000)
	for (sample&mask) == 0 && exponent > 0 {
		mask >>= 1
		exponent--
	}
	mantissa := (sample >> (exponent + 3)) & 0x0F
	return ^(uint8(sign) | (exponent << 4) | uint8(mantissa))
}

func MuLawToLinear16(mu byte) int16 {
	mu = ^mu
	sign := mu & 0x80
	exponent := (mu >> 4) & 0x07
	mantissa := mu & 0x0F
	value := (int16(mantissa)<<3 + muBias) << exponent
	value -= muBias
	if sign != 0 {
		return -value
	}
	return value
}
