// Package targets resolves free-form target input into a flat, ordered
// list of scannable addresses. Input accepts newline, comma and semicolon
// separated tokens; CIDR tokens expand to their usable host addresses while
// plain tokens (IPs or hostnames) pass through untouched.
package targets

import (
	"encoding/binary"
	"math/big"
	"net"
	"strings"
)

// Resolve parses raw target text into an ordered list of addresses.
//
// Tokens containing "/" are parsed as non-strict CIDR networks (host bits
// in the supplied address are masked, not rejected) and expanded to every
// usable host address in ascending order. A token that fails CIDR parsing
// is kept only if it validates as a literal IP; otherwise it is dropped
// silently. Tokens without "/" pass through verbatim so hostnames reach
// the prober uninspected. An empty result is the caller's problem to
// report.
func Resolve(text string) []string {
	var out []string
	for _, token := range splitTargets(text) {
		if !strings.Contains(token, "/") {
			out = append(out, token)
			continue
		}
		_, ipnet, err := net.ParseCIDR(token)
		if err != nil {
			if ip := net.ParseIP(token); ip != nil {
				out = append(out, token)
			}
			continue
		}
		out = append(out, expandNetwork(ipnet)...)
	}
	return out
}

// splitTargets breaks raw input into trimmed, non-empty tokens. Newlines,
// commas and semicolons are equivalent separators; runs collapse.
func splitTargets(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return r == '\n' || r == ',' || r == ';'
	})
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if t := strings.TrimSpace(f); t != "" {
			tokens = append(tokens, t)
		}
	}
	return tokens
}

// expandNetwork lists the usable host addresses of a network in ascending
// order. IPv4 /31 and /32 (and the IPv6 /127 and /128 analogues) have no
// separate network or broadcast address, so every address is usable.
func expandNetwork(ipnet *net.IPNet) []string {
	if v4 := ipnet.IP.To4(); v4 != nil && len(ipnet.Mask) == net.IPv4len {
		return expandIPv4(v4, ipnet.Mask)
	}
	return expandIPv6(ipnet)
}

func expandIPv4(ip net.IP, mask net.IPMask) []string {
	network := binary.BigEndian.Uint32(ip)
	broadcast := network | ^binary.BigEndian.Uint32(mask)

	ones, _ := mask.Size()
	switch ones {
	case 32:
		return []string{ipv4String(network)}
	case 31:
		return []string{ipv4String(network), ipv4String(broadcast)}
	}

	// Exclude the network and broadcast addresses.
	hosts := make([]string, 0, broadcast-network-1)
	for addr := network + 1; addr < broadcast; addr++ {
		hosts = append(hosts, ipv4String(addr))
	}
	return hosts
}

func ipv4String(addr uint32) string {
	return net.IPv4(byte(addr>>24), byte(addr>>16), byte(addr>>8), byte(addr)).String()
}

func expandIPv6(ipnet *net.IPNet) []string {
	ones, bits := ipnet.Mask.Size()
	network := new(big.Int).SetBytes(ipnet.IP.To16())

	switch ones {
	case 128:
		return []string{ipv6String(network)}
	case 127:
		upper := new(big.Int).Add(network, big.NewInt(1))
		return []string{ipv6String(network), ipv6String(upper)}
	}

	// IPv6 has no broadcast address; only the network (subnet-router
	// anycast) address is excluded.
	one := big.NewInt(1)
	size := new(big.Int).Lsh(one, uint(bits-ones))
	last := new(big.Int).Add(network, new(big.Int).Sub(size, one))

	var hosts []string
	for addr := new(big.Int).Add(network, one); addr.Cmp(last) <= 0; addr.Add(addr, one) {
		hosts = append(hosts, ipv6String(addr))
	}
	return hosts
}

func ipv6String(addr *big.Int) string {
	return net.IP(addr.FillBytes(make([]byte, net.IPv6len))).String()
}
