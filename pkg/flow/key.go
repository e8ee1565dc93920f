// Package flow implements flow identity, per-flow state, and the
// per-worker flow table with timeout-based aging.
package flow

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"net/netip"
)

// Key is the canonical 5-tuple flow identity. Addresses are stored in a
// uniform 128-bit representation (IPv4 as v4-mapped) so both families share
// one comparison and hash path. The struct is 40 bytes, padded so an array
// of keys packs cleanly against 64-byte cache lines.
type Key struct {
	SrcIP    [16]byte
	DstIP    [16]byte
	SrcPort  uint16
	DstPort  uint16
	Protocol uint8
	Pad      [3]byte
}

// v4Prefix is the ::ffff:0:0/96 mapped-address prefix.
var v4Prefix = [12]byte{10: 0xff, 11: 0xff}

// FromV4 builds a key from an IPv4 5-tuple.
func FromV4(src, dst [4]byte, srcPort, dstPort uint16, protocol uint8) Key {
	var k Key
	copy(k.SrcIP[:12], v4Prefix[:])
	copy(k.SrcIP[12:], src[:])
	copy(k.DstIP[:12], v4Prefix[:])
	copy(k.DstIP[12:], dst[:])
	k.SrcPort = srcPort
	k.DstPort = dstPort
	k.Protocol = protocol
	return k
}

// FromV6 builds a key from an IPv6 5-tuple.
func FromV6(src, dst [16]byte, srcPort, dstPort uint16, protocol uint8) Key {
	return Key{
		SrcIP:    src,
		DstIP:    dst,
		SrcPort:  srcPort,
		DstPort:  dstPort,
		Protocol: protocol,
	}
}

// Reverse swaps source and destination address and port, preserving the
// protocol. Reverse is involutive: k.Reverse().Reverse() == k.
func (k Key) Reverse() Key {
	return Key{
		SrcIP:    k.DstIP,
		DstIP:    k.SrcIP,
		SrcPort:  k.DstPort,
		DstPort:  k.SrcPort,
		Protocol: k.Protocol,
	}
}

// IsIPv4 reports whether both addresses are v4-mapped.
func (k Key) IsIPv4() bool {
	return [12]byte(k.SrcIP[:12]) == v4Prefix && [12]byte(k.DstIP[:12]) == v4Prefix
}

// fxSeed is the multiplicative constant of the fx hashing scheme.
const fxSeed = 0x517cc1b727220a95

func fxMix(h, word uint64) uint64 {
	return (bits.RotateLeft64(h, 5) ^ word) * fxSeed
}

// Hash computes a fast non-cryptographic hash over all tuple fields,
// suitable for table indexing only. Multiplicative mixing with rotation
// spreads single-field differences (for example, source port only) across
// the full output word.
func (k Key) Hash() uint64 {
	var h uint64
	h = fxMix(h, binary.LittleEndian.Uint64(k.SrcIP[0:8]))
	h = fxMix(h, binary.LittleEndian.Uint64(k.SrcIP[8:16]))
	h = fxMix(h, binary.LittleEndian.Uint64(k.DstIP[0:8]))
	h = fxMix(h, binary.LittleEndian.Uint64(k.DstIP[8:16]))
	ports := uint64(k.SrcPort)<<32 | uint64(k.DstPort)<<16 | uint64(k.Protocol)
	return fxMix(h, ports)
}

// SrcAddr returns the source address as a netip.Addr for display.
func (k Key) SrcAddr() netip.Addr { return addrFrom(k.SrcIP) }

// DstAddr returns the destination address as a netip.Addr for display.
func (k Key) DstAddr() netip.Addr { return addrFrom(k.DstIP) }

func addrFrom(b [16]byte) netip.Addr {
	a := netip.AddrFrom16(b)
	return a.Unmap()
}

// String renders the tuple for logs and the CLI.
func (k Key) String() string {
	return fmt.Sprintf("%s:%d > %s:%d proto %d",
		k.SrcAddr(), k.SrcPort, k.DstAddr(), k.DstPort, k.Protocol)
}

// ProtocolName maps common IP protocol numbers to display names.
func ProtocolName(p uint8) string {
	switch p {
	case 1:
		return "ICMP"
	case 6:
		return "TCP"
	case 17:
		return "UDP"
	case 58:
		return "ICMPv6"
	default:
		return fmt.Sprintf("%d", p)
	}
}
