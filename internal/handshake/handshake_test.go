package handshake

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestGateOpensOnce(t *testing.T) {
	g := NewGate()
	if g.IsOpen() {
		t.Fatal("New gate must be closed")
	}

	var opened atomic.Int32
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.Open() {
				opened.Add(1)
			}
		}()
	}
	wg.Wait()

	if opened.Load() != 1 {
		t.Errorf("Expected exactly one opener, got %d", opened.Load())
	}
	if !g.IsOpen() {
		t.Error("Gate should be open")
	}
	select {
	case <-g.Ready():
	default:
		t.Error("Ready channel should be closed")
	}
}

func TestGateWait(t *testing.T) {
	g := NewGate()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := g.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}

	go g.Open()
	if err := g.Wait(context.Background()); err != nil {
		t.Errorf("Wait: %v", err)
	}
}

func TestBuildPacketsLayout(t *testing.T) {
	m := Materials{
		PublicKey:     bytes.Repeat([]byte{0xAA}, 25),
		CryptoContext: bytes.Repeat([]byte{0xBB}, 10),
	}
	packets := BuildPackets(m, 14)

	// 35 bytes in chunks of 14: 14 + 14 + 7
	if len(packets) != 3 {
		t.Fatalf("Expected 3 packets, got %d", len(packets))
	}
	first := packets[0]
	if len(first) != prefixSize+14 {
		t.Errorf("First packet has %d bytes", len(first))
	}
	if binary.LittleEndian.Uint32(first[0:4]) != 25 || binary.LittleEndian.Uint32(first[4:8]) != 10 {
		t.Errorf("Bad length prefix % x", first[:8])
	}
	if len(packets[1]) != 14 || len(packets[2]) != 7 {
		t.Errorf("Continuation sizes %d, %d", len(packets[1]), len(packets[2]))
	}
	if packets[2][6] != 0xBB {
		t.Error("Last byte should belong to the crypto context")
	}
}

func TestAssemblerRoundTrip(t *testing.T) {
	tests := []struct {
		name      string
		pub, cctx int
		chunk     int
	}{
		{"single chunk", 32, 16, 14000},
		{"many chunks", 5000, 40000, 14000},
		{"empty", 0, 0, 100},
		{"exact boundary", 50, 50, 25},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := Materials{
				PublicKey:     bytes.Repeat([]byte{1}, tt.pub),
				CryptoContext: bytes.Repeat([]byte{2}, tt.cctx),
			}
			var a Assembler
			packets := BuildPackets(m, tt.chunk)
			for i, pkt := range packets {
				got, done, err := a.Push(pkt)
				if err != nil {
					t.Fatalf("Push %d: %v", i, err)
				}
				if done != (i == len(packets)-1) {
					t.Fatalf("Completion reported at packet %d of %d", i, len(packets))
				}
				if done {
					if !bytes.Equal(got.PublicKey, m.PublicKey) || !bytes.Equal(got.CryptoContext, m.CryptoContext) {
						t.Error("Materials differ after round trip")
					}
				}
			}
		})
	}
}

func TestAssemblerRejectsShortPrefix(t *testing.T) {
	var a Assembler
	if _, _, err := a.Push([]byte{1, 2, 3}); !errors.Is(err, ErrMalformedPacket) {
		t.Errorf("Expected ErrMalformedPacket, got %v", err)
	}
}

func TestParseAck(t *testing.T) {
	tests := []struct {
		in string
		ok bool
	}{
		{`{"success":true}`, true},
		{` {"success": true, "extra": 1} `, true},
		{`{"success":false}`, false},
		{`{}`, false},
		{`Ping`, false},
		{``, false},
	}
	for _, tt := range tests {
		err := ParseAck([]byte(tt.in))
		if (err == nil) != tt.ok {
			t.Errorf("ParseAck(%q) = %v, want ok=%v", tt.in, err, tt.ok)
		}
		if err != nil && !errors.Is(err, ErrNotAck) {
			t.Errorf("ParseAck(%q) error should wrap ErrNotAck", tt.in)
		}
	}
	if ParseAck(MarshalAck(true)) != nil {
		t.Error("MarshalAck(true) should parse as an ack")
	}
}
