package flow

import (
	"math/rand"
	"testing"
)

func TestReverseInvolutive(t *testing.T) {
	keys := []Key{
		FromV4([4]byte{192, 168, 1, 1}, [4]byte{10, 0, 0, 1}, 12345, 443, 6),
		FromV4([4]byte{1, 2, 3, 4}, [4]byte{5, 6, 7, 8}, 0, 0, 17),
		FromV6([16]byte{0x20, 0x01, 0x0d, 0xb8, 15: 1}, [16]byte{0x20, 0x01, 0x0d, 0xb8, 15: 2}, 5000, 53, 17),
	}
	for _, k := range keys {
		if got := k.Reverse().Reverse(); got != k {
			t.Errorf("Reverse not involutive for %v", k)
		}
	}
}

func TestReverseSwapsOnlyEndpoints(t *testing.T) {
	k := FromV4([4]byte{192, 168, 1, 1}, [4]byte{10, 0, 0, 1}, 12345, 443, 6)
	want := FromV4([4]byte{10, 0, 0, 1}, [4]byte{192, 168, 1, 1}, 443, 12345, 6)
	if got := k.Reverse(); got != want {
		t.Errorf("Reverse() = %v, want %v", got, want)
	}
	if k.Reverse().Protocol != k.Protocol {
		t.Error("Reverse changed protocol")
	}
}

func TestV4MappedLayout(t *testing.T) {
	k := FromV4([4]byte{192, 168, 1, 1}, [4]byte{10, 0, 0, 1}, 1, 2, 6)
	if !k.IsIPv4() {
		t.Error("v4 key not reported as IPv4")
	}
	if got := k.SrcAddr().String(); got != "192.168.1.1" {
		t.Errorf("SrcAddr = %q, want 192.168.1.1", got)
	}
	if got := k.DstAddr().String(); got != "10.0.0.1" {
		t.Errorf("DstAddr = %q, want 10.0.0.1", got)
	}

	k6 := FromV6([16]byte{0x20, 0x01, 15: 1}, [16]byte{0x20, 0x01, 15: 2}, 1, 2, 6)
	if k6.IsIPv4() {
		t.Error("v6 key reported as IPv4")
	}
}

// Keys differing only in source port must hash apart: a table indexed by
// the low bits of the hash would otherwise pile every flow from one host
// pair into a single bucket.
func TestHashSpreadsSourcePort(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	const pairs = 10000
	collisions := 0
	for i := 0; i < pairs; i++ {
		var src, dst [4]byte
		rng.Read(src[:])
		rng.Read(dst[:])
		p1 := uint16(rng.Intn(65536))
		p2 := p1 + 1 + uint16(rng.Intn(1000))
		a := FromV4(src, dst, p1, 443, 6)
		b := FromV4(src, dst, p2, 443, 6)
		if a.Hash() == b.Hash() {
			collisions++
		}
	}
	if collisions > pairs/100 {
		t.Errorf("%d/%d source-port pairs collided, want <1%%", collisions, pairs)
	}
}

func TestHashMatchesForEqualKeys(t *testing.T) {
	a := FromV4([4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, 1000, 80, 6)
	b := FromV4([4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, 1000, 80, 6)
	if a.Hash() != b.Hash() {
		t.Error("equal keys hash differently")
	}
}
