package convert

import "slices"

// opusRates are the sample rates an opus encoder accepts.
var opusRates = []int{8000, 12000, 16000, 24000, 48000}

// opusFrameTicks lists the opus frame durations in 2.5ms ticks:
// 2.5, 5, 10, 20, 40 and 60ms.
var opusFrameTicks = []int{1, 2, 4, 8, 16, 24}

// IsFrameSizeValid reports whether frameSize samples per channel at
// sampleRate form a single opus frame.
func IsFrameSizeValid(sampleRate, frameSize int) bool {
	if !slices.Contains(opusRates, sampleRate) || frameSize <= 0 {
		return false
	}
	tick := sampleRate / 400
	if frameSize%tick != 0 {
		return false
	}
	return slices.Contains(opusFrameTicks, frameSize/tick)
}
