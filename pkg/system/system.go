package system

import (
	"net"
	"strings"

	"github.com/google/uuid"
)

// NewIdentity builds a room identity such as "desktop-1b4e28ba". A mixer is
// started with the "mixer" prefix so clients can recognise it.
func NewIdentity(prefix string) string {
	id := uuid.New().String()[:8]
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), "-")
	if prefix == "" {
		return id
	}
	return prefix + "-" + id
}

// GetLocalIP returns the first non-loopback IPv4 address, or "" if none.
func GetLocalIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return ""
}
