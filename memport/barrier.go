package memport

// CacheSyncDirection selects the generic platform cache-maintenance call's
// parameters (spec section 4.2: "data-to-memory" direction, "unaligned"
// permission is the preferred path; an architecture barrier is the
// fallback).
type CacheSyncDirection int

const (
	// DirDataToMemory flushes written data so the instruction fetcher
	// (which may reach memory through a different cache) observes it.
	DirDataToMemory CacheSyncDirection = iota
)

// ArchBarrier is the architecture-specific fallback instruction sequence
// used when a platform has no generic cache-maintenance call: "memw;
// isync" on Xtensa, "fence.i" on RISC-V (spec section 4.2). Go cannot emit
// either from portable source; real target ports call into a short
// assembly stub built only for that GOARCH. This type documents which
// sequence a given port needs so callers and tests can assert on it
// without requiring the asm stub to actually be linked on a dev host.
type ArchBarrier int

const (
	BarrierNone ArchBarrier = iota
	BarrierXtensaMemwIsync
	BarrierRiscvFenceI
)

func (b ArchBarrier) String() string {
	switch b {
	case BarrierXtensaMemwIsync:
		return "memw; isync"
	case BarrierRiscvFenceI:
		return "fence.i"
	default:
		return "none"
	}
}
