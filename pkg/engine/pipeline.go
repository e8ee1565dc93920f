package engine

import (
	"encoding/binary"

	"github.com/veloxsec/velox/pkg/buffer"
	"github.com/veloxsec/velox/pkg/flow"
	"github.com/veloxsec/velox/pkg/tunnel"
)

// Verdict is a stage's decision for a packet. Anything but Forward drops
// the packet; the variant attributes the drop cause in the counters.
type Verdict uint8

const (
	Forward Verdict = iota
	DropPolicy
	DropCrypto
)

// Packet is the per-packet pipeline context. It lives on the worker's
// stack for exactly one batch iteration; stages must not retain it.
type Packet struct {
	Buf      *buffer.Buffer
	Key      flow.Key
	State    *flow.State
	TCPFlags uint8
	L3Offset int
	Forward  bool // packet travels in the flow's original direction
	Worker   int
}

// Stage is one step of the per-packet pipeline.
type Stage interface {
	Name() string
	Process(pkt *Packet) Verdict
}

// Pipeline runs packets through an ordered stage list, stopping at the
// first non-Forward verdict.
type Pipeline struct {
	stages []Stage
}

// NewPipeline assembles the fast path stages. A nil policy admits all
// traffic; a nil crypto engine leaves flows unencrypted.
func NewPipeline(policy Policy, crypto *tunnel.Engine) *Pipeline {
	p := &Pipeline{}
	p.stages = append(p.stages, &classifyStage{})
	if policy != nil {
		p.stages = append(p.stages, &policyStage{policy: policy})
	}
	if crypto != nil {
		p.stages = append(p.stages, &cryptoStage{engine: crypto})
	}
	return p
}

// Run executes the pipeline for one packet.
func (p *Pipeline) Run(pkt *Packet) Verdict {
	for _, st := range p.stages {
		if v := st.Process(pkt); v != Forward {
			return v
		}
	}
	return Forward
}

// Stages returns the stage names in execution order.
func (p *Pipeline) Stages() []string {
	names := make([]string, len(p.stages))
	for i, st := range p.stages {
		names[i] = st.Name()
	}
	return names
}

// Policy decides, once per flow on its first packet, whether the flow is
// admitted and which tunnel (0 = none) carries it. The decision is cached
// on the flow state; later packets never re-consult the policy.
type Policy interface {
	Classify(k flow.Key) (tunnelID uint32, allow bool)
}

// PolicyFunc adapts a function to the Policy interface.
type PolicyFunc func(k flow.Key) (uint32, bool)

func (f PolicyFunc) Classify(k flow.Key) (uint32, bool) { return f(k) }

// classifyStage advances per-flow protocol tracking state.
type classifyStage struct{}

func (*classifyStage) Name() string { return "classify" }

func (*classifyStage) Process(pkt *Packet) Verdict {
	s := pkt.State
	s.Flags |= flow.FlagInspected
	if pkt.Key.Protocol == protoTCP {
		s.TrackTCP(pkt.TCPFlags, pkt.Forward)
	}
	return Forward
}

// policyStage consults the policy on a flow's first packet and enforces
// the cached decision afterwards.
type policyStage struct {
	policy Policy
}

func (*policyStage) Name() string { return "policy" }

func (st *policyStage) Process(pkt *Packet) Verdict {
	s := pkt.State
	if s.Packets == 1 {
		tunnelID, allow := st.policy.Classify(pkt.Key)
		if !allow {
			s.Flags |= flow.FlagRateLimited
			return DropPolicy
		}
		if tunnelID != 0 {
			s.TunnelID = tunnelID
			s.Flags |= flow.FlagEncrypted
		}
	}
	if s.Flags&flow.FlagRateLimited != 0 {
		return DropPolicy
	}
	return Forward
}

// cryptoHeaderLen is the tunnel encapsulation prefix: tunnel ID (4 bytes)
// followed by the nonce counter (8 bytes), both big-endian.
const cryptoHeaderLen = 4 + tunnel.NonceSize

// cryptoStage encrypts packets on tunnel-bound flows in place. The frame
// payload is sealed where it sits, the tag lands in the buffer's tailroom,
// and the encapsulation header is pushed into the headroom. Chained frames
// cannot be sealed as one contiguous region and are dropped.
type cryptoStage struct {
	engine *tunnel.Engine
}

func (*cryptoStage) Name() string { return "crypto" }

func (st *cryptoStage) Process(pkt *Packet) Verdict {
	s := pkt.State
	if s.Flags&flow.FlagEncrypted == 0 {
		return Forward
	}
	ctx, ok := st.engine.Get(s.TunnelID)
	if !ok {
		return DropCrypto
	}
	b := pkt.Buf
	if b.Flags&buffer.FlagChained != 0 {
		return DropCrypto
	}
	if b.Tailroom() < ctx.Overhead() || b.Headroom() < cryptoHeaderLen {
		return DropCrypto
	}

	plain := b.Bytes()
	n, nonce, err := ctx.Encrypt(plain, nil)
	if err != nil {
		return DropCrypto
	}
	if _, ok := b.Append(n - len(plain)); !ok {
		return DropCrypto
	}
	hdr, ok := b.Prepend(cryptoHeaderLen)
	if !ok {
		return DropCrypto
	}
	binary.BigEndian.PutUint32(hdr[:4], s.TunnelID)
	binary.BigEndian.PutUint64(hdr[4:], nonce)
	return Forward
}

// DecapsulatePacket reverses the tunnel encapsulation on a received frame:
// it strips the header, verifies the tag, and shrinks the buffer back to
// the plaintext. Used by the tunnel-terminating receive side and tests.
func DecapsulatePacket(b *buffer.Buffer, crypto *tunnel.Engine) error {
	if b.Len() < cryptoHeaderLen {
		return tunnel.ErrTooShort
	}
	hdr := b.Bytes()[:cryptoHeaderLen]
	tunnelID := binary.BigEndian.Uint32(hdr[:4])
	nonce := binary.BigEndian.Uint64(hdr[4:])
	ctx, ok := crypto.Get(tunnelID)
	if !ok {
		return tunnel.ErrKeyNotFound
	}
	if !b.Pull(cryptoHeaderLen) {
		return tunnel.ErrTooShort
	}
	n, err := ctx.Decrypt(b.Bytes(), nonce, nil)
	if err != nil {
		return err
	}
	b.Trim(b.Len() - n)
	return nil
}
