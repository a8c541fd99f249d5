package loader

import (
	"github.com/xyproto/hotreload/elfimage"
	"github.com/xyproto/hotreload/internal/errs"
	"github.com/xyproto/hotreload/internal/wordcopy"
	"github.com/xyproto/hotreload/memport"
	"github.com/xyproto/hotreload/reloc"
)

// Config carries the host-chosen parameters a Context needs across its
// whole lifetime (spec section 6): which memory port and relocation engine
// to use, and whether an unresolved external symbol is fatal.
type Config struct {
	Port          memport.Port
	Engine        reloc.Engine
	HeapCaps      memport.HeapCaps
	StrictSymbols bool // spec section 10: opt-in host policy switch
}

// Context is one loaded module's state machine and working data (component
// C4). It is not safe for concurrent use; the reload controller (component
// C5) keeps a single active Context and builds a new one only inside Load,
// LoadFromBuffer or Reload.
type Context struct {
	cfg   Config
	state State
	warn  errs.Warnings

	image *elfimage.Image

	// layout, filled by PlanLayout
	textVMA, textVMAEnd uint32
	dataVMA, dataVMAEnd uint32
	textFileSize        uint32
	dataFileSize        uint32
	unified             bool // true when text and data share one region

	// allocation, filled by Allocate
	textRegion, dataRegion *memport.Region
	textCtx, dataCtx       memport.Ctx

	// address translation, filled by Allocate once regions are known
	textLoadBase, dataLoadBase uint32

	// symbol resolution, filled lazily by resolveSymbol during
	// ApplyRelocations and reusable afterwards by GetSymbol
	resolved  map[uint32]uint32
	hostNames []string
	hostSlots []uintptr
}

// New constructs an empty Context bound to one memory port and relocation
// engine for the lifetime of one load.
func New(cfg Config) *Context {
	return &Context{cfg: cfg, state: StateEmpty, resolved: make(map[uint32]uint32)}
}

// State reports the current stage.
func (c *Context) State() State { return c.state }

// Warnings returns the accumulated non-fatal diagnostics collected across
// every operation run so far (spec section 4.5: unresolved externals
// default to warnings, not errors).
func (c *Context) Warnings() *errs.Warnings { return &c.warn }

// BindHostSymbols supplies the host's exported symbol table (spec section
// 4.5): parallel names/slots arrays resolved via exact name match during
// ApplyRelocations.
func (c *Context) BindHostSymbols(names []string, slots []uintptr) {
	c.hostNames = names
	c.hostSlots = slots
}

// Validate checks that read/size describe a well-formed ELF32 image this
// Context's relocation engine can handle, without mutating state. It is
// normally called once before Init so a bad upload can be rejected before
// any memory is touched (spec section 4.4, "Validate").
func (c *Context) Validate(read elfimage.ReadFunc, size uint32) error {
	img, err := elfimage.Open(read, nil, size)
	if err != nil {
		return err
	}
	if img.Header.Machine != elfimage.EMXtensa && img.Header.Machine != elfimage.EMRiscv {
		return errs.New(errs.KindNotSupported, "loader.Validate", "unsupported e_machine")
	}
	return nil
}

// Init parses the image and advances empty -> opened.
func (c *Context) Init(read elfimage.ReadFunc, size uint32) error {
	if err := require(c.state, "loader.Init", StateEmpty); err != nil {
		return err
	}
	img, err := elfimage.Open(read, nil, size)
	if err != nil {
		return err
	}
	c.image = img
	return advance(&c.state, "loader.Init", StateOpened)
}

// PlanLayout walks PT_LOAD segments to compute the text/data VMA ranges and
// whether a split allocation is required, then advances opened -> planned.
func (c *Context) PlanLayout() error {
	if err := require(c.state, "loader.PlanLayout", StateOpened); err != nil {
		return err
	}
	c.unified = !c.cfg.Port.RequiresSplitAlloc()

	var haveText, haveData bool
	it := c.image.Segments()
	for {
		seg, ok := it.Next()
		if !ok {
			break
		}
		if !seg.IsLoad() {
			continue
		}
		if seg.IsText() || c.unified {
			if !haveText {
				c.textVMA, c.textVMAEnd = seg.VAddr, seg.VAddr+seg.MemSz
				haveText = true
			} else {
				if seg.VAddr < c.textVMA {
					c.textVMA = seg.VAddr
				}
				if end := seg.VAddr + seg.MemSz; end > c.textVMAEnd {
					c.textVMAEnd = end
				}
			}
			c.textFileSize += seg.FileSz
		} else {
			if !haveData {
				c.dataVMA, c.dataVMAEnd = seg.VAddr, seg.VAddr+seg.MemSz
				haveData = true
			} else {
				if seg.VAddr < c.dataVMA {
					c.dataVMA = seg.VAddr
				}
				if end := seg.VAddr + seg.MemSz; end > c.dataVMAEnd {
					c.dataVMAEnd = end
				}
			}
			c.dataFileSize += seg.FileSz
		}
	}
	if !haveText {
		return errs.New(errs.KindInvalidArgument, "loader.PlanLayout", "image has no loadable text segment")
	}
	if c.unified && haveData {
		// a unified target places data inside the same region as text;
		// widen the text VMA range to cover both.
		if c.dataVMA < c.textVMA {
			c.textVMA = c.dataVMA
		}
		if c.dataVMAEnd > c.textVMAEnd {
			c.textVMAEnd = c.dataVMAEnd
		}
	}
	return advance(&c.state, "loader.PlanLayout", StatePlanned)
}

// Allocate reserves memory for the planned layout through the configured
// Port, following its allocation precedence (memport.Allocate), then
// advances planned -> allocated.
func (c *Context) Allocate(externalRAM func(uint32, memport.HeapCaps) (*memport.Region, memport.Ctx, error)) error {
	if err := require(c.state, "loader.Allocate", StatePlanned); err != nil {
		return err
	}

	if c.cfg.Port.RequiresSplitAlloc() {
		textSize := c.textVMAEnd - c.textVMA
		dataSize := uint32(0)
		if c.dataVMAEnd > c.dataVMA {
			dataSize = c.dataVMAEnd - c.dataVMA
		}
		text, data, textCtx, dataCtx, err := c.cfg.Port.AllocSplit(textSize, dataSize, c.cfg.HeapCaps)
		if err != nil {
			return err
		}
		c.textRegion, c.dataRegion = text, data
		c.textCtx, c.dataCtx = textCtx, dataCtx
	} else {
		size := c.textVMAEnd - c.textVMA
		region, ctx, err := memport.Allocate(c.cfg.Port, externalRAM, size, c.cfg.HeapCaps)
		if err != nil {
			return err
		}
		c.textRegion, c.dataRegion = region, region
		c.textCtx, c.dataCtx = ctx, ctx
	}

	if err := c.cfg.Port.InitExecMapping(c.textRegion, c.textCtx); err != nil {
		return err
	}
	c.textLoadBase = uint32(c.textRegion.BaseAddr) - c.textVMA
	if c.dataRegion != c.textRegion {
		c.dataLoadBase = uint32(c.dataRegion.BaseAddr) - c.dataVMA
	} else {
		c.dataLoadBase = c.textLoadBase
	}
	return advance(&c.state, "loader.Allocate", StateAllocated)
}

// LoadSegments copies every PT_LOAD segment's file bytes into its region
// using the word-aligned copy primitive (spec section 4.4, step 5), zeroing
// the BSS tail (MemSz - FileSz), then advances allocated -> loaded.
func (c *Context) LoadSegments(read elfimage.ReadFunc) error {
	if err := require(c.state, "loader.LoadSegments", StateAllocated); err != nil {
		return err
	}

	it := c.image.Segments()
	for {
		seg, ok := it.Next()
		if !ok {
			break
		}
		if !seg.IsLoad() {
			continue
		}
		region, vmaBase := c.textRegion, c.textVMA
		if !c.unified && !seg.IsText() {
			region, vmaBase = c.dataRegion, c.dataVMA
		}
		regionOff := seg.VAddr - vmaBase

		if seg.FileSz > 0 {
			buf := make([]byte, seg.FileSz)
			got := read(nil, seg.Off, seg.FileSz, buf)
			if got != seg.FileSz {
				return errs.New(errs.KindIO, "loader.LoadSegments", "short read of segment contents")
			}
			wordOff := regionOff / 4
			wordcopy.CopyWordAligned(buf, func(i int, word uint32) {
				region.WriteWord((wordOff+uint32(i))*4, word)
			})
		}
		if seg.MemSz > seg.FileSz {
			// The word holding the last file bytes was already zero-padded
			// by CopyWordAligned; zeroing starts at the next word.
			startWord := wordcopy.WordCount(int(regionOff + seg.FileSz))
			endWord := wordcopy.WordCount(int(regionOff + seg.MemSz))
			wordcopy.ZeroWordAligned(startWord, endWord-startWord, func(i int, word uint32) {
				region.WriteWord(uint32(i)*4, word)
			})
		}
	}
	return advance(&c.state, "loader.LoadSegments", StateLoaded)
}

// resolveSymbol resolves the absolute runtime address of the symbol at
// symbolIndex, consulting the image's own defined symbols first and the
// host symbol table second (spec section 4.5). Caches the result.
func (c *Context) resolveSymbol(symbolIndex uint32) (uint32, bool) {
	if addr, ok := c.resolved[symbolIndex]; ok {
		return addr, true
	}
	buf := make([]byte, 64)
	it := c.image.Symbols()
	idx := uint32(0)
	for {
		sym, ok, err := it.Next()
		if err != nil || !ok {
			break
		}
		if idx == symbolIndex {
			if sym.Value != 0 {
				addr := sym.Value + c.translateVMA(sym.Value)
				c.resolved[symbolIndex] = addr
				return addr, true
			}
			name := sym.Name(buf)
			for i, hn := range c.hostNames {
				if hn == name {
					addr := uint32(c.hostSlots[i])
					c.resolved[symbolIndex] = addr
					return addr, true
				}
			}
			return 0, false
		}
		idx++
	}
	return 0, false
}

// translateVMA returns the load base that applies to a given VMA (text or
// data range), used to turn a defined symbol's VMA-relative Value into its
// absolute runtime address.
func (c *Context) translateVMA(vma uint32) uint32 {
	if vma >= c.textVMA && vma < c.textVMAEnd {
		return c.textLoadBase
	}
	return c.dataLoadBase
}

// ApplyRelocations walks every RELA entry through the configured engine and
// advances loaded -> relocated. An unresolved external symbol is recorded
// as a warning. With Config.StrictSymbols set, any warning the engine
// records during this call (an unresolved symbol, an unhandled relocation
// type, a fixup-table overflow) fails it with KindNotFound (spec section
// 10, open question resolution).
func (c *Context) ApplyRelocations() error {
	if err := require(c.state, "loader.ApplyRelocations", StateLoaded); err != nil {
		return err
	}

	var iramDramOffset uint32
	if p, ok := c.cfg.Port.(interface{ IRAMDRAMOffset() uint32 }); ok {
		iramDramOffset = p.IRAMDRAMOffset()
	}

	lc := &reloc.LoadContext{
		Image:          c.image,
		TextRegion:     c.textRegion,
		DataRegion:     c.dataRegion,
		TextVMA:        c.textVMA,
		TextVMAEnd:     c.textVMAEnd,
		DataVMA:        c.dataVMA,
		DataVMAEnd:     c.dataVMAEnd,
		TextLoadBase:   c.textLoadBase,
		DataLoadBase:   c.dataLoadBase,
		SymbolAddr:     c.resolveSymbol,
		IRAMDRAMOffset: iramDramOffset,
	}

	preWarnings := len(c.warn.Messages())
	if err := c.cfg.Engine.Apply(lc, c.image.Relas(), &c.warn); err != nil {
		return err
	}
	if err := c.cfg.Engine.PostLoad(lc, &c.warn); err != nil {
		return err
	}
	if c.cfg.StrictSymbols && len(c.warn.Messages()) > preWarnings {
		return errs.New(errs.KindNotFound, "loader.ApplyRelocations", "unresolved external symbol(s); see Warnings")
	}
	return advance(&c.state, "loader.ApplyRelocations", StateRelocated)
}

// SyncCache tells the Port to synchronize the instruction cache with the
// patched region(s), then advances relocated -> ready.
func (c *Context) SyncCache() error {
	if err := require(c.state, "loader.SyncCache", StateRelocated); err != nil {
		return err
	}
	if err := c.cfg.Port.SyncCache(c.textRegion); err != nil {
		return err
	}
	if c.dataRegion != c.textRegion {
		if err := c.cfg.Port.SyncCache(c.dataRegion); err != nil {
			return err
		}
	}
	return advance(&c.state, "loader.SyncCache", StateReady)
}

// GetSymbol returns the absolute runtime address of an exported symbol by
// name. Only callable once the module is ready.
func (c *Context) GetSymbol(name string) (uintptr, error) {
	if err := require(c.state, "loader.GetSymbol", StateReady); err != nil {
		return 0, err
	}
	buf := make([]byte, 64)
	it := c.image.Symbols()
	idx := uint32(0)
	for {
		sym, ok, err := it.Next()
		if err != nil {
			return 0, err
		}
		if !ok {
			break
		}
		if sym.Name(buf) == name && sym.Value != 0 {
			addr, ok := c.resolveSymbol(idx)
			if !ok {
				return 0, errs.New(errs.KindNotFound, "loader.GetSymbol", "symbol "+name+" could not be resolved")
			}
			return uintptr(addr), nil
		}
		idx++
	}
	return 0, errs.New(errs.KindNotFound, "loader.GetSymbol", "symbol "+name+" not found")
}

// Cleanup releases any allocated regions and resets to empty, from any
// state (spec section 4.4: Cleanup is the one operation callable
// regardless of current stage, mirroring a defer-style release).
func (c *Context) Cleanup() error {
	var firstErr error
	if c.textRegion != nil {
		if err := c.cfg.Port.DeinitExecMapping(c.textCtx); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := c.cfg.Port.Free(c.textRegion, c.textCtx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.dataRegion != nil && c.dataRegion != c.textRegion {
		if err := c.cfg.Port.DeinitExecMapping(c.dataCtx); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := c.cfg.Port.Free(c.dataRegion, c.dataCtx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.textRegion, c.dataRegion = nil, nil
	c.textCtx, c.dataCtx = nil, nil
	c.resolved = make(map[uint32]uint32)
	c.state = StateEmpty
	return firstErr
}

// Pipeline runs every stage in order for a fresh Context, the common path a
// host takes to go from raw ELF bytes to a ready module (spec section 4.4,
// orchestrator). externalRAM may be nil for families with no external RAM
// concept.
func Pipeline(c *Context, read elfimage.ReadFunc, size uint32, externalRAM func(uint32, memport.HeapCaps) (*memport.Region, memport.Ctx, error)) error {
	if err := c.Init(read, size); err != nil {
		return err
	}
	if err := c.PlanLayout(); err != nil {
		return err
	}
	if err := c.Allocate(externalRAM); err != nil {
		return err
	}
	if err := c.LoadSegments(read); err != nil {
		return err
	}
	if err := c.ApplyRelocations(); err != nil {
		return err
	}
	return c.SyncCache()
}
