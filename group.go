package percpu

import (
	"github.com/llxisdsh/pb"
)

// Group provides reader-biased locking on arbitrary keys. Each key gets its
// own RWSem on first use; the entry is dropped automatically once the last
// holder releases it, so the key space may be unbounded.
//
// Usage:
//
//	var g percpu.Group[string]
//
//	// Readers
//	t := g.RLock("config")
//	read(config)
//	g.RUnlock("config", t)
//
//	// Writer
//	g.Lock("config")
//	write(config)
//	g.Unlock("config")
type Group[K comparable] struct {
	_ noCopy
	m pb.MapOf[K, *groupEntry]
}

type groupEntry struct {
	sem *RWSem
	// ref is mutated only inside ProcessEntry callbacks, which the map
	// serializes per key.
	ref int32
}

// RLock acquires the key's semaphore for reading. The returned token must be
// passed to RUnlock with the same key.
func (g *Group[K]) RLock(k K) RToken {
	return g.retain(k).sem.RLock()
}

// RUnlock releases a read acquisition of k. Unlocking a key that was never
// locked is a no-op, matching the map-backed lock-group convention.
func (g *Group[K]) RUnlock(k K, t RToken) {
	e, ok := g.m.Load(k)
	if !ok {
		return
	}
	e.sem.RUnlock(t)
	g.release(k)
}

// Lock acquires the key's semaphore for writing.
func (g *Group[K]) Lock(k K) {
	g.retain(k).sem.Lock()
}

// Unlock releases a write acquisition of k.
func (g *Group[K]) Unlock(k K) {
	e, ok := g.m.Load(k)
	if !ok {
		return
	}
	e.sem.Unlock()
	g.release(k)
}

// retain returns the entry for k, creating it if needed, with its reference
// count bumped.
func (g *Group[K]) retain(k K) *groupEntry {
	e, _ := g.m.ProcessEntry(
		k,
		func(l *pb.EntryOf[K, *groupEntry]) (*pb.EntryOf[K, *groupEntry], *groupEntry, bool) {
			if l != nil {
				l.Value.ref++
				return l, l.Value, true
			}
			e := &groupEntry{sem: New(), ref: 1}
			return &pb.EntryOf[K, *groupEntry]{Value: e}, e, false
		},
	)
	return e
}

// release drops one reference to k and deletes the entry when none remain.
func (g *Group[K]) release(k K) {
	g.m.ProcessEntry(
		k,
		func(l *pb.EntryOf[K, *groupEntry]) (*pb.EntryOf[K, *groupEntry], *groupEntry, bool) {
			if l == nil {
				return nil, nil, false
			}
			l.Value.ref--
			if l.Value.ref <= 0 {
				return nil, nil, true
			}
			return l, nil, false
		},
	)
}
