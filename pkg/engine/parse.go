package engine

import (
	"encoding/binary"

	"github.com/veloxsec/velox/pkg/flow"
)

// Ethernet header constants.
const (
	ethHeaderLen  = 14
	etherTypeVLAN = 0x8100
	etherTypeIPv4 = 0x0800
	etherTypeIPv6 = 0x86DD
)

// IP protocol numbers.
const (
	protoICMP   = 1
	protoTCP    = 6
	protoUDP    = 17
	protoICMPv6 = 58
)

// packetInfo is the result of header parsing.
type packetInfo struct {
	key      flow.Key
	tcpFlags uint8
	l3Offset int // start of the IP header (after L2 incl. VLAN tag)
}

// parseFrame extracts the flow key from an Ethernet frame. One VLAN tag is
// tolerated. Anything else that doesn't decode to an IPv4 or IPv6 5-tuple
// is malformed input for the fast path and is dropped by the caller.
func parseFrame(frame []byte) (packetInfo, bool) {
	if len(frame) < ethHeaderLen {
		return packetInfo{}, false
	}
	etherType := binary.BigEndian.Uint16(frame[12:14])
	l3 := ethHeaderLen
	if etherType == etherTypeVLAN {
		if len(frame) < ethHeaderLen+4 {
			return packetInfo{}, false
		}
		etherType = binary.BigEndian.Uint16(frame[16:18])
		l3 = ethHeaderLen + 4
	}

	switch etherType {
	case etherTypeIPv4:
		return parseIPv4(frame, l3)
	case etherTypeIPv6:
		return parseIPv6(frame, l3)
	default:
		return packetInfo{}, false
	}
}

func parseIPv4(frame []byte, l3 int) (packetInfo, bool) {
	if len(frame) < l3+20 {
		return packetInfo{}, false
	}
	vihl := frame[l3]
	if vihl>>4 != 4 {
		return packetInfo{}, false
	}
	ihl := int(vihl&0x0f) * 4
	if ihl < 20 || len(frame) < l3+ihl {
		return packetInfo{}, false
	}

	proto := frame[l3+9]
	var src, dst [4]byte
	copy(src[:], frame[l3+12:l3+16])
	copy(dst[:], frame[l3+16:l3+20])

	srcPort, dstPort, tcpFlags, ok := parseL4(frame, l3+ihl, proto)
	if !ok {
		return packetInfo{}, false
	}
	return packetInfo{
		key:      flow.FromV4(src, dst, srcPort, dstPort, proto),
		tcpFlags: tcpFlags,
		l3Offset: l3,
	}, true
}

func parseIPv6(frame []byte, l3 int) (packetInfo, bool) {
	if len(frame) < l3+40 {
		return packetInfo{}, false
	}
	if frame[l3]>>4 != 6 {
		return packetInfo{}, false
	}
	// Extension header chains are not walked; flows behind them are not
	// classifiable here and count as malformed.
	proto := frame[l3+6]
	var src, dst [16]byte
	copy(src[:], frame[l3+8:l3+24])
	copy(dst[:], frame[l3+24:l3+40])

	srcPort, dstPort, tcpFlags, ok := parseL4(frame, l3+40, proto)
	if !ok {
		return packetInfo{}, false
	}
	return packetInfo{
		key:      flow.FromV6(src, dst, srcPort, dstPort, proto),
		tcpFlags: tcpFlags,
		l3Offset: l3,
	}, true
}

// parseL4 extracts ports and, for TCP, the header flags. ICMP flows key on
// zero ports.
func parseL4(frame []byte, l4 int, proto uint8) (srcPort, dstPort uint16, tcpFlags uint8, ok bool) {
	switch proto {
	case protoTCP:
		if len(frame) < l4+14 {
			return 0, 0, 0, false
		}
		return binary.BigEndian.Uint16(frame[l4 : l4+2]),
			binary.BigEndian.Uint16(frame[l4+2 : l4+4]),
			frame[l4+13], true
	case protoUDP:
		if len(frame) < l4+8 {
			return 0, 0, 0, false
		}
		return binary.BigEndian.Uint16(frame[l4 : l4+2]),
			binary.BigEndian.Uint16(frame[l4+2 : l4+4]),
			0, true
	case protoICMP, protoICMPv6:
		return 0, 0, 0, true
	default:
		return 0, 0, 0, true
	}
}
