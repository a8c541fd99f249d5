package elfimage

// Section is a by-value cursor over one section header (design note:
// "Iterator scratch" — small records are yielded by value here rather than
// reusing a single shared scratch record, since the owning Image already
// holds the cached backing tables these cursors borrow from).
type Section struct {
	img       *Image
	Index     int
	NameOff   uint32
	Type      uint32
	Flags     uint32
	Addr      uint32
	Off       uint32
	Size      uint32
	Link      uint32
	Info      uint32
	AddrAlign uint32
	EntSize   uint32
}

// Name materializes the section's name into buf, truncating silently with
// guaranteed NUL-termination-free bounded output.
func (s Section) Name(buf []byte) string {
	return nameFromTable(s.img.shstrtab, s.NameOff, buf)
}

// Segment is a by-value cursor over one program header.
type Segment struct {
	Index  int
	Type   uint32
	Off    uint32
	VAddr  uint32
	PAddr  uint32
	FileSz uint32
	MemSz  uint32
	Flags  uint32
	Align  uint32
}

// IsLoad reports whether this is a PT_LOAD segment.
func (seg Segment) IsLoad() bool { return seg.Type == PTLoad }

// IsText classifies a PT_LOAD segment as text (executable) vs. data, per
// spec section 3: the executable flag PF_X marks a segment as text; any
// non-executable PT_LOAD is data.
func (seg Segment) IsText() bool { return seg.Flags&PFX != 0 }

// Symbol is a by-value cursor over one symbol table entry.
type Symbol struct {
	img          *Image
	symtabSecIdx uint16
	NameOff      uint32
	Value        uint32
	Size         uint32
	Info         uint8
	Other        uint8
	Shndx        uint16
}

// Name materializes the symbol's name into buf. A symbol whose NameOff == 0
// yields the empty string (spec section 4.1).
func (s Symbol) Name(buf []byte) string {
	return nameFromTable(s.img.symStrTab(s.symtabSecIdx), s.NameOff, buf)
}

// Type returns STT_* from the info byte.
func (s Symbol) Type() uint8 { return STType(s.Info) }

// Bind returns the symbol binding from the info byte.
func (s Symbol) Bind() uint8 { return STBind(s.Info) }

// IsSpecialSection reports whether Shndx refers to a reserved/special
// section (spec section 4.1: shndx >= LORESERVE reports an empty section
// name).
func (s Symbol) IsSpecialSection() bool { return uint32(s.Shndx) >= SHNLoreserve }

// Rela is a by-value cursor over one RELA entry.
type Rela struct {
	SectionIndex int // index of the owning SHT_RELA section
	EntryIndex   int // index within that section
	Offset       uint32
	SymbolIndex  uint32
	Type         uint32
	Addend       int32
}
