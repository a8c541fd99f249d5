// Package riscvsplitbus implements the F-RISC-V-split-bus memory port (spec
// section 4.2): separate instruction-bus and data-bus address spaces
// related by one compile-time fixed offset (IRAM_DRAM_OFFSET), allocated
// from a single byte-access heap. The RISC-V relocation engine's PLT
// fixup pass (component C3) consumes this same offset when rewriting AUIPC
// immediates, so it is exported rather than kept private to this package.
// Grounded on the teacher's riscv64_instructions.go encodings and
// address_types.go's AddressSpace pairing, generalized from a single
// process address space into two buses joined by a constant.
package riscvsplitbus

import (
	"github.com/xyproto/hotreload/internal/errs"
	"github.com/xyproto/hotreload/memport"
)

// HeapAlloc reserves size bytes of byte-access heap memory and returns its
// data-bus base address and a byte-addressable view.
type HeapAlloc func(size uint32, caps memport.HeapCaps) (base uintptr, buf []byte, err error)
type HeapFree func(base uintptr)

// Port implements memport.Port for F-RISC-V-split-bus.
type Port struct {
	Alloc_     HeapAlloc
	Free_      HeapFree
	IBusOffset uintptr // IRAM_DRAM_OFFSET: instruction-bus address - data-bus address
}

// New builds a port with the given fixed instruction/data bus offset.
func New(alloc HeapAlloc, free HeapFree, ibusOffset uintptr) *Port {
	return &Port{Alloc_: alloc, Free_: free, IBusOffset: ibusOffset}
}

func (p *Port) RequiresSplitAlloc() bool { return false }

func (p *Port) Alloc(size uint32, caps memport.HeapCaps) (*memport.Region, memport.Ctx, error) {
	if p.Alloc_ == nil {
		return nil, nil, errs.New(errs.KindNotSupported, "riscvsplitbus.Alloc", "no heap allocator configured")
	}
	base, buf, err := p.Alloc_(size, caps)
	if err != nil {
		return nil, nil, errs.Wrap(errs.KindNoMemory, "riscvsplitbus.Alloc", "heap exhausted", err)
	}
	return &memport.Region{BaseAddr: base, Buf: buf}, nil, nil
}

func (p *Port) AllocSplit(uint32, uint32, memport.HeapCaps) (*memport.Region, *memport.Region, memport.Ctx, memport.Ctx, error) {
	return nil, nil, nil, nil, errs.New(errs.KindNotSupported, "riscvsplitbus.AllocSplit", "F-RISC-V-split-bus is a unified family")
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

// ToExecAddr adds the compile-time fixed I-bus/D-bus offset (spec section
// 4.2, "Translation: Compile-time fixed offset").
func (p *Port) ToExecAddr(_ memport.Ctx, dataAddr uintptr) uintptr { return dataAddr + p.IBusOffset }

// SyncCache is a no-op hook; production builds replace it with the
// fence.i barrier named in spec section 4.2.
func (p *Port) SyncCache(*memport.Region) error { return nil }

func (p *Port) PreferSPIRAM() bool             { return false }
func (p *Port) AllowInternalRAMFallback() bool { return false }

// IRAMDRAMOffset exposes IBusOffset to the RISC-V relocation engine's PLT
// fixup pass (component C3), which needs it to correct a PLT stub's AUIPC
// immediate for the instruction-bus/data-bus address split.
func (p *Port) IRAMDRAMOffset() uint32 { return uint32(p.IBusOffset) }
