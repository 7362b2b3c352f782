package runtime

import "github.com/corowire/corowire/socket"

// Endpoint is the socket endpoint type shared between the resolver and
// the socket package, so a resolved address can be passed straight
// into AsyncConnect without a conversion step.
type Endpoint = socket.Endpoint

// Loopback returns the 127.0.0.1 endpoint on port.
func Loopback(port uint16) Endpoint { return socket.Loopback(port) }

// Wildcard returns the 0.0.0.0 endpoint on port, for binding.
func Wildcard(port uint16) Endpoint { return socket.Wildcard(port) }
