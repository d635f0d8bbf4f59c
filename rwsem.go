// Package percpu provides a reader-biased reader/writer semaphore whose read
// fast path touches only a per-P counter slot, plus a keyed Group variant.
//
// It targets workloads with many frequent, short read sections and rare
// writes: checking a global mode flag, consulting rarely-reloaded config,
// guarding a registry that is almost never mutated.
package percpu

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/synqlab/percpu/internal/opt"
)

// ErrBadSlotCount is returned by NewWithSlots when the requested fast-path
// slot table cannot be allocated.
var ErrBadSlotCount = errors.New("percpu: slot count out of range")

const (
	// frozenBit is the low bit of a slot word. A writer sets it in every
	// slot while it holds the lock; readers observe it in the value returned
	// by their own add, so the check and the count update are a single
	// atomic operation on a single word.
	frozenBit = 1

	// readerUnit is one reader in a slot word. The count lives in the bits
	// above frozenBit, so adding readerUnit never carries into the flag.
	readerUnit = 2

	// maxSlots bounds the slot table. One slot is one cache line.
	maxSlots = 1 << 16
)

// slot is a single fast-path reader counter, padded so that slots used by
// different Ps never share a cache line.
type slot struct {
	_ [(opt.CacheLineSize_ - unsafe.Sizeof(struct {
		c atomic.Int64
	}{})%opt.CacheLineSize_) % opt.CacheLineSize_]byte
	c atomic.Int64
}

// RToken is a reader token. RLock returns it and RUnlock consumes it; it
// records which counter the acquire used so the release balances the same
// one. Tokens are plain values, allocation-free, and single-use. The zero
// RToken is invalid.
type RToken struct {
	// slot is 1+index for a fast-path token, slowToken for a slow-path
	// token, 0 for the invalid zero value.
	slot int32
}

const slowToken = -1

// RWSem is a reader-biased reader/writer semaphore.
//
// Readers in the common case (no writer active) do one atomic add on a
// cache-line-private slot to enter and one to leave: no shared cacheline is
// written, no read-modify-write is contended across Ps. A writer freezes
// every slot, blocks new readers, and waits until the reader count it
// observed has drained to zero.
//
// Properties:
//   - Read acquire/release are O(1) and contention-free without a writer.
//   - Write acquire is O(slots) plus a wait proportional to in-flight
//     readers; writers serialize with each other.
//   - RLock is not recursive: a writer arriving between two RLock calls of
//     the same goroutine deadlocks with it, as with sync.RWMutex.
//
// Unbalanced calls, reuse of a token, or use after Close are contract
// violations with undefined behavior; they are not runtime-checked.
type RWSem struct {
	_ noCopy

	// slots holds one fast counter per P (len is a power of two).
	slots    []slot
	slotMask int

	// slow counts readers that entered through the gate while a writer was
	// pending or active.
	slow atomic.Int64

	// wmu serializes writers. Readers never touch it; the reader-visible
	// "writer active" signal is frozenBit in each slot.
	wmu sync.Mutex

	// gate blocks new slow-path readers for the duration of a write
	// critical section.
	gate sync.RWMutex

	// wwake and wsema form the writer's drain wait: the writer arms wwake
	// and parks on wsema; the reader that finishes draining claims wwake
	// and posts the sema. At most one writer waits at a time (wmu).
	wwake atomic.Uint32
	wsema opt.Sema
}

// New creates an RWSem with one fast-path slot per P, rounded up to a power
// of two.
func New() *RWSem {
	s, _ := NewWithSlots(runtime.GOMAXPROCS(0))
	return s
}

// NewWithSlots creates an RWSem with an explicit slot count, rounded up to a
// power of two. More slots than Ps only wastes memory; fewer makes Ps share
// slots, which stays correct but reintroduces some contention.
//
// It returns ErrBadSlotCount if the table cannot be allocated with the
// requested size; no partially constructed semaphore is returned.
func NewWithSlots(n int) (*RWSem, error) {
	if n < 1 || n > maxSlots {
		return nil, ErrBadSlotCount
	}
	n = nextPowOf2(n)
	return &RWSem{
		slots:    make([]slot, n),
		slotMask: n - 1,
	}, nil
}

// Close releases the slot table. The caller must guarantee that no reader or
// writer is inside the semaphore or will arrive; Close exists so that a
// violated guarantee fails fast on the next use instead of silently
// corrupting counts.
func (s *RWSem) Close() {
	s.slots = nil // catch use after close
}

// RLock acquires the semaphore for reading and returns the token that must
// be passed to RUnlock.
func (s *RWSem) RLock() RToken {
	i := procHint() & s.slotMask
	if v := s.slots[i].c.Add(readerUnit); v&frozenBit == 0 {
		return RToken{slot: int32(i) + 1}
	}
	// A writer holds the slots frozen. Undo the probe on the same word and
	// enter through the gate instead. The probe is visible to the writer's
	// drain scan until the undo lands, so the writer cannot complete while
	// this window is open.
	s.slots[i].c.Add(-readerUnit)
	s.wakeWriter()

	s.gate.RLock()
	s.slow.Add(1)
	s.gate.RUnlock()
	return RToken{slot: slowToken}
}

// RUnlock releases a read acquisition identified by t.
func (s *RWSem) RUnlock(t RToken) {
	if t.slot > 0 {
		if v := s.slots[t.slot-1].c.Add(-readerUnit); v&frozenBit != 0 {
			// A writer froze the slots after we entered and is draining;
			// this release may be the one it is waiting for.
			s.wakeWriter()
		}
		return
	}
	if t.slot == 0 {
		panic("percpu: RUnlock of invalid RToken")
	}
	if s.slow.Add(-1) == 0 {
		s.wakeWriter()
	}
}

// Lock acquires the semaphore for writing.
//
// The sequence is: serialize against other writers, freeze every slot (which
// diverts all new readers to the gate), close the gate, then wait until the
// count of readers that got in first drains to zero. On return the caller
// has exclusive access.
func (s *RWSem) Lock() {
	s.wmu.Lock()

	// Freeze. The flag shares the atomic word with the count, so every
	// reader operation is ordered against it by the word itself: an add
	// that returned an unfrozen value is included in the drain scan below,
	// an add after the freeze bounces to the slow path. No cross-core
	// quiescence step is needed.
	for i := range s.slots {
		s.slots[i].c.Add(frozenBit)
	}

	// Block the new readers completely.
	s.gate.Lock()

	// Drain: readers still inside hold units in the slots (fast path) or in
	// slow (gate path entered before the gate closed). Spin briefly for
	// short read sections, then park; whoever finishes the drain wakes us.
	var spins int
	for s.readerCount() != 0 {
		if trySpin(&spins) {
			continue
		}
		s.wwake.Store(1)
		if s.readerCount() == 0 {
			if s.wwake.CompareAndSwap(1, 0) {
				return
			}
			// A reader claimed the armed flag between our re-check and the
			// swap; it has posted (or is about to post) the sema.
		}
		s.wsema.Acquire()
	}
}

// Unlock releases the write lock. The gate reopens first so blocked readers
// resume on the slow path, then the slots unfreeze to re-enable the fast
// path, and finally the writer guard drops.
func (s *RWSem) Unlock() {
	s.gate.Unlock()
	for i := range s.slots {
		// Add rather than store: a probe that bounced off the freeze may
		// still have its undo in flight on this word.
		s.slots[i].c.Add(-frozenBit)
	}
	s.wmu.Unlock()
}

// readerCount sums the slow counter and every slot count. Valid only while
// the slots are frozen (the caller is the writer): with frozenBit set, slot
// words are odd and the arithmetic shift recovers the signed count.
func (s *RWSem) readerCount() int64 {
	n := s.slow.Load()
	for i := range s.slots {
		n += s.slots[i].c.Load() >> 1
	}
	return n
}

// wakeWriter posts the drain sema if a writer armed the wake flag. The CAS
// guarantees one post per arming, keeping the sema balanced.
func (s *RWSem) wakeWriter() {
	if s.wwake.CompareAndSwap(1, 0) {
		s.wsema.Release()
	}
}
