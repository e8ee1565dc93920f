package flow

import (
	"testing"
	"time"
)

func tupleKey(srcPort uint16) Key {
	return FromV4([4]byte{10, 0, 1, 1}, [4]byte{10, 0, 2, 1}, srcPort, 443, 6)
}

func TestLookupOrCreate(t *testing.T) {
	tbl := NewTable(16, time.Minute, time.Hour)
	k := tupleKey(1000)

	s1, created, forward := tbl.LookupOrCreate(k, 100)
	if !created || !forward {
		t.Fatalf("first lookup: created=%v forward=%v, want true/true", created, forward)
	}
	if s1.FirstSeen != 100 || s1.LastSeen != 100 {
		t.Errorf("timestamps = %d/%d, want 100/100", s1.FirstSeen, s1.LastSeen)
	}

	s2, created, _ := tbl.LookupOrCreate(k, 200)
	if created || s2 != s1 {
		t.Error("second lookup created a new entry")
	}
	if tbl.Len() != 1 {
		t.Errorf("len = %d, want 1", tbl.Len())
	}
}

func TestReturnTrafficResolvesSameState(t *testing.T) {
	tbl := NewTable(16, time.Minute, time.Hour)
	k := tupleKey(1000)

	s1, _, _ := tbl.LookupOrCreate(k, 100)
	s2, created, forward := tbl.LookupOrCreate(k.Reverse(), 200)
	if created {
		t.Fatal("reverse lookup created a second entry")
	}
	if forward {
		t.Error("reverse lookup reported forward direction")
	}
	if s2 != s1 {
		t.Error("reverse lookup resolved to a different state")
	}
	if tbl.Len() != 1 {
		t.Errorf("len = %d, want 1", tbl.Len())
	}
}

func TestFullTableEvictsLRU(t *testing.T) {
	tbl := NewTable(4, time.Minute, time.Hour)
	var evicted []Key
	tbl.SetEvictFn(func(s *State, reason EvictReason) {
		if reason != EvictLRU {
			t.Errorf("evict reason = %v, want lru", reason)
		}
		evicted = append(evicted, s.Key)
	})

	for i := 0; i < 4; i++ {
		tbl.LookupOrCreate(tupleKey(uint16(1000+i)), uint64(i))
	}
	// Touch 1000 so 1001 becomes least recently used.
	tbl.LookupOrCreate(tupleKey(1000), 10)

	tbl.LookupOrCreate(tupleKey(2000), 11)
	if tbl.Len() != 4 {
		t.Errorf("len = %d, want capacity 4", tbl.Len())
	}
	if len(evicted) != 1 || evicted[0] != tupleKey(1001) {
		t.Errorf("evicted %v, want [%v]", evicted, tupleKey(1001))
	}
	if tbl.Lookup(tupleKey(1000)) == nil {
		t.Error("recently touched entry was evicted")
	}
}

func TestAgeSoftAndHardTimeouts(t *testing.T) {
	soft := 10 * time.Second
	hard := time.Minute
	tbl := NewTable(16, soft, hard)
	reasons := map[Key]EvictReason{}
	tbl.SetEvictFn(func(s *State, reason EvictReason) {
		reasons[s.Key] = reason
	})

	base := uint64(0)
	idle := tupleKey(1)   // created early, never touched again
	active := tupleKey(2) // kept busy, then outlives the hard timeout
	fresh := tupleKey(3)  // recent, survives

	tbl.LookupOrCreate(idle, base)
	s, _, _ := tbl.LookupOrCreate(active, base)

	now := base + uint64(30*time.Second)
	s.Touch(100, now) // active stays busy past the idle cutoff
	tbl.LookupOrCreate(fresh, now)

	if n := tbl.Age(now); n != 1 {
		t.Fatalf("first sweep evicted %d, want 1 (idle)", n)
	}
	if reasons[idle] != EvictIdle {
		t.Errorf("idle flow evicted with reason %v, want idle", reasons[idle])
	}

	// Past the hard timeout the active flow goes too, traffic or not.
	now = base + uint64(2*time.Minute)
	s.Touch(100, now)
	if n := tbl.Age(now); n == 0 {
		t.Fatal("hard-timeout sweep evicted nothing")
	}
	if reasons[active] != EvictAged {
		t.Errorf("active flow evicted with reason %v, want aged", reasons[active])
	}
}

func TestSnapshotCopiesEntries(t *testing.T) {
	tbl := NewTable(16, time.Minute, time.Hour)
	s, _, _ := tbl.LookupOrCreate(tupleKey(1000), 5)
	s.Touch(1500, 6)

	snap := tbl.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("snapshot len = %d, want 1", len(snap))
	}
	if snap[0].Packets != 1 || snap[0].Bytes != 1500 {
		t.Errorf("snapshot counters = %d/%d, want 1/1500", snap[0].Packets, snap[0].Bytes)
	}

	// Later mutation must not leak into the copy.
	s.Touch(100, 7)
	if snap[0].Packets != 1 {
		t.Error("snapshot aliases live state")
	}
}

func TestTCPPhaseTracking(t *testing.T) {
	const (
		fin = 0x01
		syn = 0x02
		ack = 0x10
	)
	var s State
	s.TrackTCP(syn, true)
	if s.TCP != TCPSynSent {
		t.Fatalf("after SYN: %v", s.TCP)
	}
	s.TrackTCP(syn|ack, false)
	if s.TCP != TCPSynRecv {
		t.Fatalf("after SYN-ACK: %v", s.TCP)
	}
	s.TrackTCP(ack, true)
	if s.TCP != TCPEstablished {
		t.Fatalf("after ACK: %v", s.TCP)
	}
	s.TrackTCP(fin|ack, true)
	if s.TCP != TCPFinWait {
		t.Fatalf("after FIN: %v", s.TCP)
	}
	s.TrackTCP(fin|ack, false)
	if s.TCP != TCPClosed {
		t.Fatalf("after reverse FIN: %v", s.TCP)
	}
}
