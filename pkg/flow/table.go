package flow

import "time"

// EvictReason says why an entry left the table.
type EvictReason uint8

const (
	EvictIdle EvictReason = iota // soft timeout: no traffic for too long
	EvictAged                    // hard timeout: total age limit, traffic or not
	EvictLRU                     // table full: least-recently-used pushed out
)

func (r EvictReason) String() string {
	switch r {
	case EvictIdle:
		return "idle"
	case EvictAged:
		return "aged"
	case EvictLRU:
		return "lru"
	default:
		return "unknown"
	}
}

// EvictFn observes entries as they are removed from the table.
type EvictFn func(*State, EvictReason)

// Table maps flow keys to per-flow state for one worker. It is single-
// threaded by design: the owning worker is the only reader and writer, so
// no locking is needed anywhere.
//
// Return traffic resolves to the same entry as the original direction:
// a miss on the direct key falls back to a lookup on the reversed key
// before a new entry is created.
//
// Capacity is fixed at construction. When the table is full, creating a
// new entry evicts the least-recently-used entry rather than failing the
// packet; long-idle flows give way to new ones.
type Table struct {
	entries     map[Key]*State
	capacity    int
	softTimeout uint64 // nanoseconds idle before eviction
	hardTimeout uint64 // nanoseconds total age before forced eviction
	onEvict     EvictFn

	// Intrusive LRU list, most recently touched at head.
	lruHead, lruTail *State
}

// NewTable creates a table with a fixed capacity and the given timeouts.
func NewTable(capacity int, soft, hard time.Duration) *Table {
	return &Table{
		entries:     make(map[Key]*State, capacity),
		capacity:    capacity,
		softTimeout: uint64(soft),
		hardTimeout: uint64(hard),
	}
}

// SetEvictFn registers the eviction observer. Must be called before the
// worker loop starts.
func (t *Table) SetEvictFn(fn EvictFn) { t.onEvict = fn }

// LookupOrCreate returns the state for k, resolving return traffic through
// the reversed key. The second result is true when a new entry was created
// (a flow miss). forward is false when the packet matched the reverse
// direction of an existing flow.
func (t *Table) LookupOrCreate(k Key, now uint64) (s *State, created, forward bool) {
	if s := t.entries[k]; s != nil {
		t.lruTouch(s)
		return s, false, true
	}
	if s := t.entries[k.Reverse()]; s != nil {
		t.lruTouch(s)
		return s, false, false
	}

	if len(t.entries) >= t.capacity {
		t.evict(t.lruTail, EvictLRU)
	}

	s = &State{Key: k, FirstSeen: now, LastSeen: now}
	t.entries[k] = s
	t.lruPush(s)
	return s, true, true
}

// Lookup returns the state for k or its reverse, without creating.
func (t *Table) Lookup(k Key) *State {
	if s := t.entries[k]; s != nil {
		return s
	}
	return t.entries[k.Reverse()]
}

// Age sweeps the table, evicting entries idle beyond the soft timeout and
// entries older than the hard timeout regardless of recent activity.
// Returns the number of entries removed.
func (t *Table) Age(now uint64) int {
	evicted := 0
	for _, s := range t.entries {
		if t.hardTimeout > 0 && now-s.FirstSeen > t.hardTimeout {
			t.evict(s, EvictAged)
			evicted++
			continue
		}
		if t.softTimeout > 0 && now-s.LastSeen > t.softTimeout {
			t.evict(s, EvictIdle)
			evicted++
		}
	}
	return evicted
}

// Delete removes the entry for k (or its reverse) if present.
func (t *Table) Delete(k Key) bool {
	s := t.Lookup(k)
	if s == nil {
		return false
	}
	t.evict(s, EvictIdle)
	return true
}

// Len returns the current entry count.
func (t *Table) Len() int { return len(t.entries) }

// Cap returns the fixed capacity.
func (t *Table) Cap() int { return t.capacity }

// Snapshot copies every entry for the observability paths. Called from the
// owning worker only; readers receive the returned slice through an atomic
// pointer published by the worker.
func (t *Table) Snapshot() []Snapshot {
	out := make([]Snapshot, 0, len(t.entries))
	for _, s := range t.entries {
		out = append(out, s.snapshot())
	}
	return out
}

func (t *Table) evict(s *State, reason EvictReason) {
	if s == nil {
		return
	}
	delete(t.entries, s.Key)
	t.lruRemove(s)
	if t.onEvict != nil {
		t.onEvict(s, reason)
	}
}

func (t *Table) lruPush(s *State) {
	s.lruPrev = nil
	s.lruNext = t.lruHead
	if t.lruHead != nil {
		t.lruHead.lruPrev = s
	}
	t.lruHead = s
	if t.lruTail == nil {
		t.lruTail = s
	}
}

func (t *Table) lruRemove(s *State) {
	if s.lruPrev != nil {
		s.lruPrev.lruNext = s.lruNext
	} else if t.lruHead == s {
		t.lruHead = s.lruNext
	}
	if s.lruNext != nil {
		s.lruNext.lruPrev = s.lruPrev
	} else if t.lruTail == s {
		t.lruTail = s.lruPrev
	}
	s.lruPrev = nil
	s.lruNext = nil
}

func (t *Table) lruTouch(s *State) {
	if t.lruHead == s {
		return
	}
	t.lruRemove(s)
	t.lruPush(s)
}
