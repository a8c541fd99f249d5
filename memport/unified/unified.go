// Package unified implements the F-Unified memory port (spec section 4.2):
// instruction and data addresses are equal, allocated from a single
// byte-access heap. Unlike memport/hostport, which realizes this same
// family on a Linux/macOS dev host through golang.org/x/sys/unix mmap, this
// package is the production-target-facing form: it is parameterized by a
// caller-supplied heap allocator (heap_caps_malloc and friends on a real
// target) rather than assuming an OS-backed mmap is available. Grounded on
// the teacher's CodePage allocation shape in hotreload_unix.go, generalized
// to an injectable allocator.
package unified

import (
	"github.com/xyproto/hotreload/internal/errs"
	"github.com/xyproto/hotreload/memport"
)

// HeapAlloc reserves size bytes of executable-capable, byte-access memory.
type HeapAlloc func(size uint32, caps memport.HeapCaps) (base uintptr, buf []byte, err error)
type HeapFree func(base uintptr)

// Port implements memport.Port for F-Unified on a target whose allocator is
// injected by the caller.
type Port struct {
	Alloc_       HeapAlloc
	Free_        HeapFree
	AllowFallback bool
}

// New builds a unified port over the given allocator pair.
func New(alloc HeapAlloc, free HeapFree) *Port {
	return &Port{Alloc_: alloc, Free_: free, AllowFallback: true}
}

func (p *Port) RequiresSplitAlloc() bool { return false }

func (p *Port) Alloc(size uint32, caps memport.HeapCaps) (*memport.Region, memport.Ctx, error) {
	if p.Alloc_ == nil {
		return nil, nil, errs.New(errs.KindNotSupported, "unified.Alloc", "no heap allocator configured")
	}
	base, buf, err := p.Alloc_(size, caps)
	if err != nil {
		return nil, nil, errs.Wrap(errs.KindNoMemory, "unified.Alloc", "heap exhausted", err)
	}
	return &memport.Region{BaseAddr: base, Buf: buf}, nil, nil
}

func (p *Port) AllocSplit(uint32, uint32, memport.HeapCaps) (*memport.Region, *memport.Region, memport.Ctx, memport.Ctx, error) {
	return nil, nil, nil, nil, errs.New(errs.KindNotSupported, "unified.AllocSplit", "F-Unified does not require split allocation")
}

func (p *Port) InitExecMapping(*memport.Region, memport.Ctx) error { return nil }
func (p *Port) DeinitExecMapping(memport.Ctx) error                { return nil }

func (p *Port) Free(region *memport.Region, _ memport.Ctx) error {
	if region == nil || p.Free_ == nil {
		return nil
	}
	p.Free_(region.BaseAddr)
	return nil
}

// ToExecAddr is identity (spec section 4.2, "Translation: Identity").
func (p *Port) ToExecAddr(_ memport.Ctx, dataAddr uintptr) uintptr { return dataAddr }

// SyncCache is a no-op hook; production builds replace it with the target's
// generic cache-maintenance call.
func (p *Port) SyncCache(*memport.Region) error { return nil }

func (p *Port) PreferSPIRAM() bool             { return false }
func (p *Port) AllowInternalRAMFallback() bool { return p.AllowFallback }
