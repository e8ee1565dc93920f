package flow

// TCPPhase tracks the coarse TCP connection phase of a flow.
type TCPPhase uint8

const (
	TCPNone TCPPhase = iota
	TCPSynSent
	TCPSynRecv
	TCPEstablished
	TCPFinWait
	TCPClosed
)

func (p TCPPhase) String() string {
	switch p {
	case TCPSynSent:
		return "syn-sent"
	case TCPSynRecv:
		return "syn-recv"
	case TCPEstablished:
		return "established"
	case TCPFinWait:
		return "fin-wait"
	case TCPClosed:
		return "closed"
	default:
		return "none"
	}
}

// Flow flag bits.
const (
	FlagInspected   uint16 = 1 << 0
	FlagEncrypted   uint16 = 1 << 1
	FlagRateLimited uint16 = 1 << 2
	FlagLogged      uint16 = 1 << 3
	FlagDLPMatch    uint16 = 1 << 4
)

// State is the mutable per-flow record. It is owned by exactly one worker
// and never shared across threads; the aging sweep and all updates run on
// the owning worker's loop.
type State struct {
	Key       Key
	Packets   uint64
	Bytes     uint64
	FirstSeen uint64 // monotonic nanoseconds
	LastSeen  uint64
	TCP       TCPPhase
	Flags     uint16
	TunnelID  uint32 // nonzero binds the flow to a crypto tunnel

	// Intrusive LRU list links, maintained by Table.
	lruPrev, lruNext *State
}

// Touch records one packet of len bytes at the given monotonic timestamp.
func (s *State) Touch(bytes int, now uint64) {
	s.Packets++
	s.Bytes += uint64(bytes)
	s.LastSeen = now
}

// TrackTCP advances the coarse TCP phase from observed header flags.
// dirForward is true when the packet travels in the flow's original
// direction.
func (s *State) TrackTCP(tcpFlags uint8, dirForward bool) {
	const (
		flagFIN = 0x01
		flagSYN = 0x02
		flagRST = 0x04
		flagACK = 0x10
	)
	switch {
	case tcpFlags&flagRST != 0:
		s.TCP = TCPClosed
	case tcpFlags&flagFIN != 0:
		if s.TCP == TCPEstablished {
			s.TCP = TCPFinWait
		} else if s.TCP == TCPFinWait && !dirForward {
			s.TCP = TCPClosed
		}
	case tcpFlags&flagSYN != 0:
		if tcpFlags&flagACK != 0 {
			s.TCP = TCPSynRecv
		} else if s.TCP == TCPNone {
			s.TCP = TCPSynSent
		}
	case tcpFlags&flagACK != 0:
		if s.TCP == TCPSynSent || s.TCP == TCPSynRecv {
			s.TCP = TCPEstablished
		}
	}
}

// Snapshot is an immutable copy of a flow entry, published by workers for
// the observability paths.
type Snapshot struct {
	Key       Key
	Packets   uint64
	Bytes     uint64
	FirstSeen uint64
	LastSeen  uint64
	TCP       TCPPhase
	Flags     uint16
	TunnelID  uint32
}

func (s *State) snapshot() Snapshot {
	return Snapshot{
		Key:       s.Key,
		Packets:   s.Packets,
		Bytes:     s.Bytes,
		FirstSeen: s.FirstSeen,
		LastSeen:  s.LastSeen,
		TCP:       s.TCP,
		Flags:     s.Flags,
		TunnelID:  s.TunnelID,
	}
}
