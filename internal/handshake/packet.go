package handshake

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// prefixSize is the first-chunk header: pubKeyLen u32 | cryptoContextLen u32, little-endian.
const prefixSize = 8

var (
	ErrMalformedPacket = errors.New("malformed handshake packet")
	ErrNotAck          = errors.New("not a handshake ack")
)

// Materials are the public values the mixer needs before it accepts audio.
type Materials struct {
	PublicKey     []byte
	CryptoContext []byte
}

// BuildPackets splits PublicKey||CryptoContext into chunkSize pieces.
// The first piece is prefixed with the two lengths; the rest are raw.
func BuildPackets(m Materials, chunkSize int) [][]byte {
	if chunkSize <= 0 {
		chunkSize = 1
	}
	payload := make([]byte, 0, len(m.PublicKey)+len(m.CryptoContext))
	payload = append(payload, m.PublicKey...)
	payload = append(payload, m.CryptoContext...)

	var packets [][]byte
	for offset := 0; offset == 0 || offset < len(payload); offset += chunkSize {
		end := min(offset+chunkSize, len(payload))
		chunk := payload[offset:end]
		if offset == 0 {
			pkt := make([]byte, prefixSize+len(chunk))
			binary.LittleEndian.PutUint32(pkt[0:4], uint32(len(m.PublicKey)))
			binary.LittleEndian.PutUint32(pkt[4:8], uint32(len(m.CryptoContext)))
			copy(pkt[prefixSize:], chunk)
			packets = append(packets, pkt)
			continue
		}
		packets = append(packets, bytes.Clone(chunk))
	}
	return packets
}

// Assembler rebuilds Materials on the receiving side from packets delivered
// in order over a reliable channel. The mixer and tests use it.
type Assembler struct {
	pubLen, ctxLen int
	buf            []byte
	started        bool
}

// Push consumes one packet and reports whether the materials are complete.
func (a *Assembler) Push(pkt []byte) (Materials, bool, error) {
	if !a.started {
		if len(pkt) < prefixSize {
			return Materials{}, false, fmt.Errorf("%w: first chunk has %d bytes", ErrMalformedPacket, len(pkt))
		}
		a.pubLen = int(binary.LittleEndian.Uint32(pkt[0:4]))
		a.ctxLen = int(binary.LittleEndian.Uint32(pkt[4:8]))
		a.buf = make([]byte, 0, a.pubLen+a.ctxLen)
		a.started = true
		pkt = pkt[prefixSize:]
	}

	a.buf = append(a.buf, pkt...)
	total := a.pubLen + a.ctxLen
	if len(a.buf) > total {
		a.Reset()
		return Materials{}, false, fmt.Errorf("%w: %d bytes exceed declared %d", ErrMalformedPacket, len(a.buf), total)
	}
	if len(a.buf) < total {
		return Materials{}, false, nil
	}

	m := Materials{
		PublicKey:     a.buf[:a.pubLen:a.pubLen],
		CryptoContext: a.buf[a.pubLen:],
	}
	a.Reset()
	return m, true, nil
}

func (a *Assembler) Reset() {
	*a = Assembler{}
}

// Ack is the mixer's reply on the system topic.
type Ack struct {
	Success bool `json:"success"`
}

// ParseAck accepts only a JSON object with "success": true.
func ParseAck(data []byte) error {
	var ack Ack
	if err := json.Unmarshal(bytes.TrimSpace(data), &ack); err != nil {
		return fmt.Errorf("%w: %v", ErrNotAck, err)
	}
	if !ack.Success {
		return fmt.Errorf("%w: success=false", ErrNotAck)
	}
	return nil
}

func MarshalAck(success bool) []byte {
	data, _ := json.Marshal(Ack{Success: success})
	return data
}
