package config

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/pion/stun"
	"github.com/rs/zerolog/log"
)

var ErrNoBinding = errors.New("stun server returned no binding")

// ProbeSTUN sends one binding request to stunURL and returns our reflexive
// address as the server sees it.
func ProbeSTUN(ctx context.Context, stunURL string, timeout time.Duration) (*net.UDPAddr, error) {
	address, ok := strings.CutPrefix(stunURL, "stun:")
	if !ok {
		return nil, fmt.Errorf("unsupported stun url %q", stunURL)
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	req := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	if _, err := conn.Write(req.Raw); err != nil {
		return nil, fmt.Errorf("send binding request: %w", err)
	}

	buf := make([]byte, 1024)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("read binding response: %w", err)
	}

	var resp stun.Message
	resp.Raw = buf[:n]
	if err := resp.Decode(); err != nil {
		return nil, fmt.Errorf("decode binding response: %w", err)
	}
	if resp.Type != stun.BindingSuccess {
		return nil, fmt.Errorf("%w: got %s", ErrNoBinding, resp.Type)
	}
	if resp.TransactionID != req.TransactionID {
		return nil, fmt.Errorf("%w: transaction id mismatch", ErrNoBinding)
	}

	var xor stun.XORMappedAddress
	if err := xor.GetFrom(&resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoBinding, err)
	}
	return &net.UDPAddr{IP: xor.IP, Port: xor.Port}, nil
}

// CheckStunServers probes every configured STUN server and logs the result.
// It returns the number of reachable servers.
func (c ICEConfig) CheckStunServers(ctx context.Context, timeout time.Duration) int {
	reachable := 0
	for _, server := range c.STUN {
		addr, err := ProbeSTUN(ctx, server, timeout)
		if err != nil {
			log.Warn().Err(err).Str("server", server).Msg("STUN server is not available")
			continue
		}
		reachable++
		log.Info().Str("server", server).Str("reflexive", addr.String()).Msg("STUN server is available")
	}
	return reachable
}
