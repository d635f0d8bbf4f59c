package percpu

import (
	"math/bits"
	_ "unsafe" // for linkname
)

// noCopy may be added to structs which must not be copied after first use.
//
// Note that it must not be embedded, due to the Lock and Unlock methods.
type noCopy struct{}

// Lock is a no-op used by -copylocks checker from `go vet`.
func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// trySpin performs one round of active spinning if the runtime considers it
// worthwhile (multicore, spin budget not exhausted, no contention on the
// local run queue).
func trySpin(spins *int) bool {
	if runtime_canSpin(*spins) {
		*spins++
		runtime_doSpin()
		return true
	}
	return false
}

// procHint returns an identifier of the P the calling goroutine is running
// on. The pin is dropped immediately: the value is a locality hint used to
// pick a counter slot, not an ownership claim, and counts stay balanced even
// if the goroutine migrates between acquire and release.
//
//go:nosplit
func procHint() int {
	p := runtime_procPin()
	runtime_procUnpin()
	return p
}

// nextPowOf2 calculates the smallest power of 2 that is greater than or
// equal to n.
//
//go:nosplit
func nextPowOf2(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}

// nolint:all
//
//go:linkname runtime_canSpin sync.runtime_canSpin
//goland:noinspection ALL
func runtime_canSpin(i int) bool

// nolint:all
//
//go:linkname runtime_doSpin sync.runtime_doSpin
//goland:noinspection ALL
func runtime_doSpin()

// nolint:all
//
//go:linkname runtime_procPin sync.runtime_procPin
//goland:noinspection ALL
func runtime_procPin() int

// nolint:all
//
//go:linkname runtime_procUnpin sync.runtime_procUnpin
//goland:noinspection ALL
func runtime_procUnpin()
