package elfimage

import (
	"encoding/binary"

	"github.com/xyproto/hotreload/internal/errs"
)

// SectionIter walks every section in declaration order. It is single-pass
// and not restartable (spec section 4.1).
type SectionIter struct {
	img *Image
	i   int
}

// Sections returns a fresh section iterator.
func (img *Image) Sections() *SectionIter { return &SectionIter{img: img} }

// Next returns the next section, or ok=false once exhausted. err is non-nil
// only if the underlying read failed mid-iteration (this reader caches all
// section headers at Open, so in practice Next over sections never errors;
// the error return exists so the iterator shape is consistent with Symbols
// and Relas, which read their entries lazily and can fail mid-iteration).
func (si *SectionIter) Next() (Section, bool, error) {
	if si.i >= len(si.img.sections) {
		return Section{}, false, nil
	}
	r := si.img.sections[si.i]
	sec := Section{
		img: si.img, Index: si.i,
		NameOff: r.NameOff, Type: r.Type, Flags: r.Flags, Addr: r.Addr,
		Off: r.Off, Size: r.Size, Link: r.Link, Info: r.Info,
		AddrAlign: r.AddrAlign, EntSize: r.EntSize,
	}
	si.i++
	return sec, true, nil
}

// SectionByName performs a linear scan for a section with the given name;
// used by the RISC-V post-load PLT fixup pass to locate .plt.
func (img *Image) SectionByName(name string) (Section, bool) {
	buf := make([]byte, 64)
	it := img.Sections()
	for {
		sec, ok, _ := it.Next()
		if !ok {
			return Section{}, false
		}
		if sec.Name(buf) == name {
			return sec, true
		}
	}
}

// SegmentIter walks every program header in declaration order.
type SegmentIter struct {
	img *Image
	i   int
}

// Segments returns a fresh segment iterator.
func (img *Image) Segments() *SegmentIter { return &SegmentIter{img: img} }

// Next returns the next segment, or ok=false once exhausted.
func (gi *SegmentIter) Next() (Segment, bool) {
	if gi.i >= len(gi.img.progs) {
		return Segment{}, false
	}
	r := gi.img.progs[gi.i]
	seg := Segment{
		Index: gi.i, Type: r.Type, Off: r.Off, VAddr: r.VAddr, PAddr: r.PAddr,
		FileSz: r.FileSz, MemSz: r.MemSz, Flags: r.Flags, Align: r.Align,
	}
	gi.i++
	return seg, true
}

// SymbolIter concatenates the entries of every SHT_SYMTAB section, in
// (section, index) order.
type SymbolIter struct {
	img      *Image
	secIdx   int
	entries  []byte
	entryIdx int
	entCount int
}

// Symbols returns a fresh symbol iterator.
func (img *Image) Symbols() *SymbolIter {
	return &SymbolIter{img: img, secIdx: -1}
}

func (smi *SymbolIter) advanceSection() (bool, error) {
	for {
		smi.secIdx++
		if smi.secIdx >= len(smi.img.sections) {
			return false, nil
		}
		sec := smi.img.sections[smi.secIdx]
		if sec.Type != SHTSymTab {
			continue
		}
		if sec.EntSize == 0 {
			continue
		}
		raw, err := smi.img.readAt("elfimage.Symbols", sec.Off, sec.Size)
		if err != nil {
			return false, err
		}
		smi.entries = raw
		smi.entryIdx = 0
		smi.entCount = len(raw) / SymbolEntrySize
		return true, nil
	}
}

// Next returns the next symbol cursor, or ok=false once every SHT_SYMTAB
// section has been exhausted. err is non-nil if a read failed mid-iteration
// (spec section 9.1: this is surfaced explicitly rather than treated as
// end-of-sequence).
func (smi *SymbolIter) Next() (Symbol, bool, error) {
	for smi.entries == nil || smi.entryIdx >= smi.entCount {
		ok, err := smi.advanceSection()
		if err != nil {
			return Symbol{}, false, errs.Wrap(errs.KindIO, "elfimage.Symbols", "reading symbol table", err)
		}
		if !ok {
			return Symbol{}, false, nil
		}
	}
	b := smi.entries[smi.entryIdx*SymbolEntrySize:]
	sym := Symbol{
		img:          smi.img,
		symtabSecIdx: uint16(smi.secIdx),
		NameOff:      binary.LittleEndian.Uint32(b[0:4]),
		Value:        binary.LittleEndian.Uint32(b[4:8]),
		Size:         binary.LittleEndian.Uint32(b[8:12]),
		Info:         b[12],
		Other:        b[13],
		Shndx:        binary.LittleEndian.Uint16(b[14:16]),
	}
	smi.entryIdx++
	return sym, true, nil
}

// RelaIter concatenates the entries of every SHT_RELA section, in
// (section, index) order. REL entries are not iterated: the loader only
// consumes RELA (spec section 4.1).
type RelaIter struct {
	img      *Image
	secIdx   int
	entries  []byte
	entryIdx int
	entCount int
}

// Relas returns a fresh RELA iterator.
func (img *Image) Relas() *RelaIter {
	return &RelaIter{img: img, secIdx: -1}
}

func (ri *RelaIter) advanceSection() (bool, error) {
	for {
		ri.secIdx++
		if ri.secIdx >= len(ri.img.sections) {
			return false, nil
		}
		sec := ri.img.sections[ri.secIdx]
		if sec.Type != SHTRela || sec.EntSize == 0 {
			continue
		}
		raw, err := ri.img.readAt("elfimage.Relas", sec.Off, sec.Size)
		if err != nil {
			return false, err
		}
		ri.entries = raw
		ri.entryIdx = 0
		ri.entCount = len(raw) / RelaEntrySize
		return true, nil
	}
}

// Next returns the next RELA cursor, or ok=false once exhausted.
func (ri *RelaIter) Next() (Rela, bool, error) {
	for ri.entries == nil || ri.entryIdx >= ri.entCount {
		ok, err := ri.advanceSection()
		if err != nil {
			return Rela{}, false, errs.Wrap(errs.KindIO, "elfimage.Relas", "reading RELA table", err)
		}
		if !ok {
			return Rela{}, false, nil
		}
	}
	b := ri.entries[ri.entryIdx*RelaEntrySize:]
	info := binary.LittleEndian.Uint32(b[4:8])
	rela := Rela{
		SectionIndex: ri.secIdx,
		EntryIndex:   ri.entryIdx,
		Offset:       binary.LittleEndian.Uint32(b[0:4]),
		SymbolIndex:  info >> 8,
		Type:         info & 0xff,
		Addend:       int32(binary.LittleEndian.Uint32(b[8:12])),
	}
	ri.entryIdx++
	return rela, true, nil
}
