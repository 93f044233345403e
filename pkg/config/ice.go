package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type ICEConfig struct {
	STUN       []string `yaml:"stun"`
	TURN       []string `yaml:"turn"`
	Username   string   `yaml:"username"`
	Credential string   `yaml:"credential"`
}

func splitServers(envServers string) []string {
	var servers []string
	for _, server := range strings.Split(envServers, ",") {
		if server = strings.TrimSpace(server); server != "" {
			servers = append(servers, server)
		}
	}
	return servers
}

func (c ICEConfig) Validate() error {
	var errs []error
	for _, s := range c.STUN {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "stuns:") {
			errs = append(errs, fmt.Errorf("stun server %q must start with stun: or stuns:", s))
		}
	}
	for _, s := range c.TURN {
		if !strings.HasPrefix(s, "turn:") && !strings.HasPrefix(s, "turns:") {
			errs = append(errs, fmt.Errorf("turn server %q must start with turn: or turns:", s))
		}
	}
	return errors.Join(errs...)
}

func (c ICEConfig) StunServers() []webrtc.ICEServer {
	stunServers := make([]webrtc.ICEServer, len(c.STUN))
	for i, server := range c.STUN {
		stunServers[i] = webrtc.ICEServer{
			URLs: []string{server},
		}
	}
	return stunServers
}

func (c ICEConfig) TurnServers() []webrtc.ICEServer {
	if len(c.TURN) == 0 {
		log.Warn().Msg("TURN server configuration missing, some connections may fail")
		return nil
	}
	if c.Username == "" || c.Credential == "" {
		log.Warn().Msg("TURN servers configured without credentials")
	}

	turnServers := make([]webrtc.ICEServer, len(c.TURN))
	for i, server := range c.TURN {
		turnServers[i] = webrtc.ICEServer{
			URLs:       []string{server},
			Username:   c.Username,
			Credential: c.Credential,
		}
	}
	return turnServers
}

// ICEServers is the STUN list followed by the TURN list.
func (c ICEConfig) ICEServers() []webrtc.ICEServer {
	return append(c.StunServers(), c.TurnServers()...)
}
