package fragment

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// HeaderSize is the fixed wire header: messageID(4) + index(2) + count(2) + sampleRate(4) + channels(1).
const HeaderSize = 13

var ErrMalformedFragment = errors.New("malformed fragment")

// Metadata travels in every fragment header of a message.
type Metadata struct {
	SampleRate uint32
	Channels   uint8
}

type Header struct {
	MessageID uint32
	Index     uint16
	Count     uint16
	Metadata
}

// MaxPayload returns how many payload bytes fit in one fragment of maxFragmentBytes.
func MaxPayload(maxFragmentBytes int) int {
	return maxFragmentBytes - HeaderSize
}

// Count returns the number of fragments Encode produces for a payload of n bytes.
func Count(n, maxFragmentBytes int) int {
	maxPayload := MaxPayload(maxFragmentBytes)
	if n <= 0 || maxPayload <= 0 {
		return 0
	}
	return (n + maxPayload - 1) / maxPayload
}

// Encode splits payload into framed fragments of at most maxFragmentBytes each.
// The caller picks maxFragmentBytes so the fragment count fits in 16 bits;
// anything past math.MaxUint16 fragments is not sent.
// An empty payload yields no fragments.
func Encode(payload []byte, maxFragmentBytes int, meta Metadata, messageID uint32) [][]byte {
	maxPayload := MaxPayload(maxFragmentBytes)
	total := min(Count(len(payload), maxFragmentBytes), math.MaxUint16)
	if total == 0 {
		return nil
	}

	fragments := make([][]byte, 0, total)
	for idx := 0; idx < total; idx++ {
		off := idx * maxPayload
		end := min(off+maxPayload, len(payload))

		buf := make([]byte, HeaderSize+end-off)
		putHeader(buf, Header{
			MessageID: messageID,
			Index:     uint16(idx),
			Count:     uint16(total),
			Metadata:  meta,
		})
		copy(buf[HeaderSize:], payload[off:end])
		fragments = append(fragments, buf)
	}
	return fragments
}

// Decode parses one framed fragment. The returned payload aliases fragment.
func Decode(fragment []byte) (Header, []byte, error) {
	if len(fragment) < HeaderSize {
		return Header{}, nil, fmt.Errorf("%w: expected at least %d bytes, got %d", ErrMalformedFragment, HeaderSize, len(fragment))
	}

	h := Header{
		MessageID: binary.LittleEndian.Uint32(fragment[0:4]),
		Index:     binary.LittleEndian.Uint16(fragment[4:6]),
		Count:     binary.LittleEndian.Uint16(fragment[6:8]),
		Metadata: Metadata{
			SampleRate: binary.LittleEndian.Uint32(fragment[8:12]),
			Channels:   max(fragment[12], 1),
		},
	}
	return h, fragment[HeaderSize:], nil
}

func putHeader(buf []byte, h Header) {
	binary.LittleEndian.PutUint32(buf[0:4], h.MessageID)
	binary.LittleEndian.PutUint16(buf[4:6], h.Index)
	binary.LittleEndian.PutUint16(buf[6:8], h.Count)
	binary.LittleEndian.PutUint32(buf[8:12], h.SampleRate)
	buf[12] = h.Channels
}

func (h Header) String() string {
	return fmt.Sprintf("Fragment{ID:%d, Index:%d/%d, SampleRate:%d, Channels:%d}",
		h.MessageID, h.Index, h.Count, h.SampleRate, h.Channels)
}
