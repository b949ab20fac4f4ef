package probe

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

const (
	replyBufferSize = 4096

	// Linux default ephemeral range.
	ephemeralBase = 32768
	ephemeralSpan = 28232
	probeDialPort = "33434"
	synWindowSize = 64240
)

// SYN probes a TCP port with a half-open handshake: one crafted SYN
// segment, one reply awaited on a raw socket.
//
// SYN+ACK means open, RST+ACK means closed, any other reply shape is
// filtered, and silence until the timeout is filtered too. Crafting or
// sending failures come back as unknown with the error text.
func SYN(ctx context.Context, host string, port int, timeout time.Duration) Outcome {
	if err := ctx.Err(); err != nil {
		return Outcome{State: StateUnknown, Diagnostic: err.Error()}
	}

	dstIP, err := resolveIPv4(host)
	if err != nil {
		return Outcome{State: StateUnknown, Diagnostic: err.Error()}
	}

	conn, err := net.ListenPacket("ip4:tcp", "0.0.0.0")
	if err != nil {
		return Outcome{State: StateUnknown, Diagnostic: err.Error()}
	}
	defer conn.Close()

	srcIP, err := localIPv4For(dstIP)
	if err != nil {
		return Outcome{State: StateUnknown, Diagnostic: err.Error()}
	}
	srcPort := ephemeralPort()

	segment, err := buildSYNSegment(srcIP, dstIP, srcPort, port)
	if err != nil {
		return Outcome{State: StateUnknown, Diagnostic: err.Error()}
	}
	if _, err := conn.WriteTo(segment, &net.IPAddr{IP: dstIP}); err != nil {
		return Outcome{State: StateUnknown, Diagnostic: err.Error()}
	}

	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return Outcome{State: StateUnknown, Diagnostic: err.Error()}
	}
	return awaitSYNReply(conn, dstIP, srcPort, port)
}

// buildSYNSegment serializes a TCP SYN with the checksum computed over
// the IPv4 pseudo-header; the kernel prepends the real IP header.
func buildSYNSegment(srcIP, dstIP net.IP, srcPort, dstPort int) ([]byte, error) {
	ip := &layers.IPv4{
		SrcIP:    srcIP,
		DstIP:    dstIP,
		Protocol: layers.IPProtocolTCP,
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(srcPort),
		DstPort: layers.TCPPort(dstPort),
		Seq:     rand.Uint32(),
		SYN:     true,
		Window:  synWindowSize,
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, err
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, tcp); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// awaitSYNReply reads raw TCP packets until one matches the probe's
// address/port pair or the deadline passes.
func awaitSYNReply(conn net.PacketConn, dstIP net.IP, srcPort, dstPort int) Outcome {
	reply := make([]byte, replyBufferSize)
	for {
		n, addr, err := conn.ReadFrom(reply)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return Outcome{State: StateFiltered, Diagnostic: diagNoReply}
			}
			return Outcome{State: StateUnknown, Diagnostic: err.Error()}
		}

		ipAddr, ok := addr.(*net.IPAddr)
		if !ok || !ipAddr.IP.Equal(dstIP) {
			continue
		}
		tcp := decodeTCP(reply[:n])
		if tcp == nil || tcp.SrcPort != layers.TCPPort(dstPort) || tcp.DstPort != layers.TCPPort(srcPort) {
			continue
		}

		switch {
		case tcp.SYN && tcp.ACK:
			return Outcome{State: StateOpen}
		case tcp.RST && tcp.ACK:
			return Outcome{State: StateClosed}
		default:
			return Outcome{State: StateFiltered, Diagnostic: diagUnexpected}
		}
	}
}

// UDP probes a UDP port with one crafted datagram, listening for a UDP
// reply and for an ICMP destination-unreachable in parallel.
//
// A matched UDP reply means open; an ICMP unreachable quoting the probe
// means filtered. Silence is reported as open|filtered since a closed
// unfiltered port would have triggered the ICMP error.
func UDP(ctx context.Context, host string, port int, timeout time.Duration) Outcome {
	if err := ctx.Err(); err != nil {
		return Outcome{State: StateUnknown, Diagnostic: err.Error()}
	}

	dstIP, err := resolveIPv4(host)
	if err != nil {
		return Outcome{State: StateUnknown, Diagnostic: err.Error()}
	}

	udpConn, err := net.ListenPacket("ip4:udp", "0.0.0.0")
	if err != nil {
		return Outcome{State: StateUnknown, Diagnostic: err.Error()}
	}
	defer udpConn.Close()

	icmpConn, err := net.ListenPacket("ip4:icmp", "0.0.0.0")
	if err != nil {
		return Outcome{State: StateUnknown, Diagnostic: err.Error()}
	}
	defer icmpConn.Close()

	srcIP, err := localIPv4For(dstIP)
	if err != nil {
		return Outcome{State: StateUnknown, Diagnostic: err.Error()}
	}
	srcPort := ephemeralPort()

	datagram, err := buildUDPDatagram(srcIP, dstIP, srcPort, port)
	if err != nil {
		return Outcome{State: StateUnknown, Diagnostic: err.Error()}
	}
	if _, err := udpConn.WriteTo(datagram, &net.IPAddr{IP: dstIP}); err != nil {
		return Outcome{State: StateUnknown, Diagnostic: err.Error()}
	}

	deadline := time.Now().Add(timeout)
	if err := udpConn.SetReadDeadline(deadline); err != nil {
		return Outcome{State: StateUnknown, Diagnostic: err.Error()}
	}
	if err := icmpConn.SetReadDeadline(deadline); err != nil {
		return Outcome{State: StateUnknown, Diagnostic: err.Error()}
	}

	// Buffered so a late verdict never blocks an exited probe.
	verdicts := make(chan Outcome, 2)
	go awaitUDPReply(udpConn, dstIP, srcPort, port, verdicts)
	go awaitICMPUnreachable(icmpConn, dstIP, port, verdicts)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case outcome := <-verdicts:
		return outcome
	case <-timer.C:
		return Outcome{State: StateOpenOrFiltered, Diagnostic: diagNoReply}
	}
}

func buildUDPDatagram(srcIP, dstIP net.IP, srcPort, dstPort int) ([]byte, error) {
	ip := &layers.IPv4{
		SrcIP:    srcIP,
		DstIP:    dstIP,
		Protocol: layers.IPProtocolUDP,
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(srcPort),
		DstPort: layers.UDPPort(dstPort),
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, err
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, udp); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// awaitUDPReply forwards an open verdict when the target answers from the
// probed port. Exits quietly on deadline or socket close.
func awaitUDPReply(conn net.PacketConn, dstIP net.IP, srcPort, dstPort int, verdicts chan<- Outcome) {
	reply := make([]byte, replyBufferSize)
	for {
		n, addr, err := conn.ReadFrom(reply)
		if err != nil {
			return
		}
		ipAddr, ok := addr.(*net.IPAddr)
		if !ok || !ipAddr.IP.Equal(dstIP) {
			continue
		}
		udp := decodeUDP(reply[:n])
		if udp == nil || udp.SrcPort != layers.UDPPort(dstPort) || udp.DstPort != layers.UDPPort(srcPort) {
			continue
		}
		verdicts <- Outcome{State: StateOpen}
		return
	}
}

// awaitICMPUnreachable forwards a filtered verdict when a destination
// unreachable quoting the probe arrives. The ICMP source is not matched
// against the target since intermediate routers may answer for it.
func awaitICMPUnreachable(conn net.PacketConn, dstIP net.IP, probePort int, verdicts chan<- Outcome) {
	reply := make([]byte, replyBufferSize)
	for {
		n, _, err := conn.ReadFrom(reply)
		if err != nil {
			return
		}
		packet := gopacket.NewPacket(reply[:n], layers.LayerTypeICMPv4, gopacket.Default)
		layer := packet.Layer(layers.LayerTypeICMPv4)
		if layer == nil {
			continue
		}
		icmp, ok := layer.(*layers.ICMPv4)
		if !ok || icmp.TypeCode.Type() != layers.ICMPv4TypeDestinationUnreachable {
			continue
		}
		if !quotesProbe(icmp.Payload, dstIP, probePort) {
			continue
		}
		verdicts <- Outcome{State: StateFiltered, Diagnostic: diagLikelyFiltered}
		return
	}
}

// quotesProbe checks whether an ICMP error payload embeds the original
// probe: the quoted IPv4 header must carry our target address and the
// quoted UDP header our probed port.
func quotesProbe(payload []byte, dstIP net.IP, probePort int) bool {
	packet := gopacket.NewPacket(payload, layers.LayerTypeIPv4, gopacket.Default)
	ipLayer := packet.Layer(layers.LayerTypeIPv4)
	if ipLayer == nil {
		return false
	}
	inner, ok := ipLayer.(*layers.IPv4)
	if !ok || !inner.DstIP.Equal(dstIP) {
		return false
	}
	udpLayer := packet.Layer(layers.LayerTypeUDP)
	if udpLayer == nil {
		return false
	}
	udp, ok := udpLayer.(*layers.UDP)
	return ok && udp.DstPort == layers.UDPPort(probePort)
}

func decodeTCP(data []byte) *layers.TCP {
	packet := gopacket.NewPacket(data, layers.LayerTypeTCP, gopacket.Default)
	layer := packet.Layer(layers.LayerTypeTCP)
	if layer == nil {
		return nil
	}
	tcp, _ := layer.(*layers.TCP)
	return tcp
}

func decodeUDP(data []byte) *layers.UDP {
	packet := gopacket.NewPacket(data, layers.LayerTypeUDP, gopacket.Default)
	layer := packet.Layer(layers.LayerTypeUDP)
	if layer == nil {
		return nil
	}
	udp, _ := layer.(*layers.UDP)
	return udp
}

// resolveIPv4 resolves a hostname or literal to a 4-byte IPv4 address.
func resolveIPv4(host string) (net.IP, error) {
	addr, err := net.ResolveIPAddr("ip4", host)
	if err != nil {
		return nil, err
	}
	ip := addr.IP.To4()
	if ip == nil {
		return nil, errors.New("no IPv4 address for " + host)
	}
	return ip, nil
}

// localIPv4For asks the routing table which source address reaches dst.
// The dial is connectionless; nothing is sent.
func localIPv4For(dst net.IP) (net.IP, error) {
	conn, err := net.Dial("udp4", net.JoinHostPort(dst.String(), probeDialPort))
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	local, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || local.IP.To4() == nil {
		return nil, errors.New("no local IPv4 source address")
	}
	return local.IP.To4(), nil
}

func ephemeralPort() int {
	return ephemeralBase + rand.Intn(ephemeralSpan)
}
