// Package xtensafixed implements the F-Xtensa-fixed-offset memory port
// (spec section 4.2): a unified allocation out of external RAM, made
// executable through a fixed compile-time IROM-DROM offset (e.g.
// +0x06000000) rather than a dynamically managed MMU window. Grounded on
// the teacher's AddressSpace/FixedBase style in address_types.go,
// specialized to a single constant offset.
package xtensafixed

import (
	"github.com/xyproto/hotreload/internal/errs"
	"github.com/xyproto/hotreload/memport"
)

// DefaultOffset is the representative fixed IROM-DROM offset spec section
// 4.2 names as an example for this family.
const DefaultOffset = 0x06000000

// ExternalAlloc reserves size bytes of raw external RAM in the data address
// space and returns its base address and a byte-addressable view.
type ExternalAlloc func(size uint32, caps memport.HeapCaps) (base uintptr, buf []byte, err error)
type ExternalFree func(base uintptr)

// Port implements memport.Port for F-Xtensa-fixed-offset.
type Port struct {
	Alloc_ ExternalAlloc
	Free_  ExternalFree
	Offset uintptr
}

// New builds a port with the given fixed offset.
func New(alloc ExternalAlloc, free ExternalFree, offset uintptr) *Port {
	return &Port{Alloc_: alloc, Free_: free, Offset: offset}
}

func (p *Port) RequiresSplitAlloc() bool { return false }

func (p *Port) Alloc(size uint32, caps memport.HeapCaps) (*memport.Region, memport.Ctx, error) {
	if p.Alloc_ == nil {
		return nil, nil, errs.New(errs.KindNotSupported, "xtensafixed.Alloc", "no external RAM allocator configured")
	}
	base, buf, err := p.Alloc_(size, caps)
	if err != nil {
		return nil, nil, errs.Wrap(errs.KindNoMemory, "xtensafixed.Alloc", "external RAM exhausted", err)
	}
	return &memport.Region{BaseAddr: base, Buf: buf}, nil, nil
}

func (p *Port) AllocSplit(uint32, uint32, memport.HeapCaps) (*memport.Region, *memport.Region, memport.Ctx, memport.Ctx, error) {
	return nil, nil, nil, nil, errs.New(errs.KindNotSupported, "xtensafixed.AllocSplit", "F-Xtensa-fixed-offset is a unified family")
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

// ToExecAddr adds the fixed offset (spec section 4.2, "Translation: Fixed
// offset (e.g., +0x06000000)").
func (p *Port) ToExecAddr(_ memport.Ctx, dataAddr uintptr) uintptr { return dataAddr + p.Offset }

// SyncCache is a no-op hook; production builds replace it with the
// architecture barrier (memw; isync) named in spec section 4.2.
func (p *Port) SyncCache(*memport.Region) error { return nil }

func (p *Port) PreferSPIRAM() bool             { return true }
func (p *Port) AllowInternalRAMFallback() bool { return false }
