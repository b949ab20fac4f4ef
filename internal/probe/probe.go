// Package probe implements the port reachability checks behind a scan:
// TCP connect, TCP half-open (SYN) and UDP datagram probing. Each probe
// opens exactly one network exchange and maps what came back (or didn't)
// onto a port state.
package probe

import (
	"context"
	"errors"
	"net"
	"strconv"
	"syscall"
	"time"
)

// State is the inferred reachability of a single target port.
type State string

const (
	StateOpen           State = "open"
	StateClosed         State = "closed"
	StateFiltered       State = "filtered"
	StateOpenOrFiltered State = "open|filtered"
	StateUnknown        State = "unknown"
)

// Protocol is the transport protocol of a probe.
type Protocol string

const (
	ProtocolTCP Protocol = "TCP"
	ProtocolUDP Protocol = "UDP"
)

// Mode identifies the probing technique actually in effect.
type Mode string

const (
	ModeConnect Mode = "connect"
	ModeSYN     Mode = "syn"
	ModeUDP     Mode = "udp"
)

// Diagnostics attached to outcomes that need explaining.
const (
	diagNoReply        = "Sem resposta"
	diagUnexpected     = "Resposta inesperada"
	diagLikelyFiltered = "Provavelmente filtrada"
	diagRawUnavailable = "raw socket não disponível"
)

// Outcome is what a single probe learned about a port.
type Outcome struct {
	State      State
	Diagnostic string
}

// Func probes one (host, port) pair within the given timeout.
type Func func(ctx context.Context, host string, port int, timeout time.Duration) Outcome

// Strategy selects the probe function for a protocol and mode under the
// given capability, returning the function and the mode actually in
// effect. SYN without raw capability degrades to connect; UDP without it
// reports unknown per call since no connect-style fallback exists.
func Strategy(protocol Protocol, useSYN bool, caps Capability) (Func, Mode) {
	switch protocol {
	case ProtocolUDP:
		if !caps.SupportsRawProbing() {
			return udpUnavailable, ModeUDP
		}
		return UDP, ModeUDP
	default:
		if useSYN && caps.SupportsRawProbing() {
			return SYN, ModeSYN
		}
		return Connect, ModeConnect
	}
}

// Connect probes a TCP port with a full three-way handshake.
//
// An established connection means open and an active refusal means
// closed. Everything else (timeout, unreachable, resolution failure)
// is unknown, carrying the error text.
func Connect(ctx context.Context, host string, port int, timeout time.Duration) Outcome {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err == nil {
		conn.Close()
		return Outcome{State: StateOpen}
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return Outcome{State: StateClosed}
	}
	return Outcome{State: StateUnknown, Diagnostic: err.Error()}
}

func udpUnavailable(_ context.Context, _ string, _ int, _ time.Duration) Outcome {
	return Outcome{State: StateUnknown, Diagnostic: diagRawUnavailable}
}
