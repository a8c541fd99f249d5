// Package hostport is the F-Unified memory port used on a Linux/macOS dev
// host: identity data<->exec translation, a single mmap'd
// PROT_READ|PROT_WRITE|PROT_EXEC region per allocation. It exists so the
// loader pipeline can be exercised end-to-end in tests without real target
// hardware, and is the allocation strategy the teacher's own
// AllocateExecutablePage (hotreload_unix.go) implements with raw
// syscall.Syscall6 — this port does the same job through
// golang.org/x/sys/unix instead. The architecture barrier spec section 4.2
// names (memw/isync or fence.i) has no equivalent on a host CPU; SyncCache
// issues a sync/atomic fence instead, which is sufficient since an mmap'd
// PROT_EXEC page is already coherent between its data and instruction
// views on this target.
package hostport

import (
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/xyproto/hotreload/internal/errs"
	"github.com/xyproto/hotreload/memport"
)

// Port implements memport.Port for the host development/test target.
type Port struct {
	// AllowFallback mirrors AllowInternalRAMFallback(); true by default
	// since a dev host has no W^X restriction to model.
	AllowFallback bool
}

// New returns the host reference memory port.
func New() *Port {
	return &Port{AllowFallback: true}
}

func (p *Port) RequiresSplitAlloc() bool { return false }

func (p *Port) Alloc(size uint32, _ memport.HeapCaps) (*memport.Region, memport.Ctx, error) {
	if size == 0 {
		return nil, nil, errs.New(errs.KindInvalidSize, "hostport.Alloc", "zero-size allocation")
	}
	buf, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, nil, errs.Wrap(errs.KindNoMemory, "hostport.Alloc", "mmap failed", err)
	}
	region := &memport.Region{BaseAddr: regionBase(buf), Buf: buf}
	return region, nil, nil
}

func (p *Port) AllocSplit(uint32, uint32, memport.HeapCaps) (*memport.Region, *memport.Region, memport.Ctx, memport.Ctx, error) {
	return nil, nil, nil, nil, errs.New(errs.KindNotSupported, "hostport.AllocSplit", "F-Unified does not require split allocation")
}

func (p *Port) InitExecMapping(*memport.Region, memport.Ctx) error { return nil }

func (p *Port) DeinitExecMapping(memport.Ctx) error { return nil }

func (p *Port) Free(region *memport.Region, _ memport.Ctx) error {
	if region == nil || region.Buf == nil {
		return nil
	}
	if err := unix.Munmap(region.Buf); err != nil {
		return errs.Wrap(errs.KindIO, "hostport.Free", "munmap failed", err)
	}
	return nil
}

// ToExecAddr is the identity translation F-Unified specifies.
func (p *Port) ToExecAddr(_ memport.Ctx, dataAddr uintptr) uintptr { return dataAddr }

// SyncCache issues a sequentially-consistent fence. Real hardware needs an
// explicit cache-maintenance call or architecture barrier (spec section
// 4.2); on this host port, whose memory is already cache-coherent between
// data and instruction views, the fence only needs to order the write
// against any subsequent indirect call through a resolved symbol.
func (p *Port) SyncCache(*memport.Region) error {
	var fence atomic.Int32
	fence.Store(1)
	_ = fence.Load()
	return nil
}

func (p *Port) PreferSPIRAM() bool             { return false }
func (p *Port) AllowInternalRAMFallback() bool { return p.AllowFallback }

func regionBase(buf []byte) uintptr {
	if len(buf) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&buf[0]))
}
