package socket

import (
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/corowire/corowire/neterr"
)

// parseIPv4 parses a dotted-decimal IPv4 literal into the 4-byte
// representation unix.SockaddrInet4 expects. The module's scope is
// IPv4 literals and the resolver's output; hostnames are resolved
// upstream by runtime.AsyncResolve, never here.
func parseIPv4(host string) ([4]byte, error) {
	var out [4]byte
	parts := strings.Split(host, ".")
	if len(parts) != 4 {
		return out, neterr.New(unix.EINVAL).WithContext("host", host)
	}
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil || v < 0 || v > 255 {
			return out, neterr.New(unix.EINVAL).WithContext("host", host)
		}
		out[i] = byte(v)
	}
	return out, nil
}
