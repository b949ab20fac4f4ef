package probe

import (
	"net"
	"sync"
)

// Capability reports whether the process may open raw IPv4 sockets. SYN
// and UDP probing need this; without it SYN degrades to connect and UDP
// probing is unavailable.
type Capability interface {
	SupportsRawProbing() bool
}

var (
	rawOnce      sync.Once
	rawAvailable bool
)

type systemCapability struct{}

// SupportsRawProbing attempts to open a raw IPv4 socket once and caches
// the verdict for the process lifetime.
func (systemCapability) SupportsRawProbing() bool {
	rawOnce.Do(func() {
		conn, err := net.ListenPacket("ip4:tcp", "0.0.0.0")
		if err == nil {
			conn.Close()
			rawAvailable = true
		}
	})
	return rawAvailable
}

// SystemCapability returns the process-wide raw socket capability,
// detected lazily on first use.
func SystemCapability() Capability {
	return systemCapability{}
}

// StaticCapability is a fixed capability answer, used by tests and by
// callers that already know the privilege situation.
type StaticCapability bool

// SupportsRawProbing returns the fixed answer.
func (s StaticCapability) SupportsRawProbing() bool {
	return bool(s)
}
