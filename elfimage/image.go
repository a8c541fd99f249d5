package elfimage

import (
	"encoding/binary"

	"github.com/xyproto/hotreload/internal/errs"
)

// ReadFunc is the caller-supplied random-access read callback (spec section
// 6): given an opaque context, a byte offset and a length, copy up to n
// bytes into dst and return the number of bytes actually copied. Implementors
// return 0 on error; calls are always non-overlapping and made from the
// loader's single thread.
type ReadFunc func(userCtx any, offset uint32, n uint32, dst []byte) uint32

// Image is an opened ELF32 file. It caches the header, every section and
// program header, the section-name string table, and one symbol string
// table per SHT_SYMTAB section, per spec section 4.1. The parser outlives
// every cursor derived from it (spec section 3's Loader context invariant);
// cursors here simply hold a pointer back to the owning Image rather than
// their own copy of any cached table.
type Image struct {
	read    ReadFunc
	userCtx any
	size    uint32

	Header Header

	sections []rawSection
	progs    []rawProgram

	shstrtab []byte // section-name string table, cached whole

	// symStrTabs maps the index of an SHT_SYMTAB section to its linked
	// string table bytes, fetched lazily on first symbol access from that
	// table and cached thereafter.
	symStrTabs map[uint16][]byte
}

type rawSection struct {
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

type rawProgram struct {
	Type   uint32
	Off    uint32
	VAddr  uint32
	PAddr  uint32
	FileSz uint32
	MemSz  uint32
	Flags  uint32
	Align  uint32
}

// readAt bounds-checks against the known file size and surfaces short reads as
// KindIO rather than silently truncating (resolves the ambiguity noted in
// spec section 9.1).
func (img *Image) readAt(op string, offset, n uint32) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	if img.size != 0 && uint64(offset)+uint64(n) > uint64(img.size) {
		return nil, errs.New(errs.KindIO, op, "read past end of mapping")
	}
	buf := make([]byte, n)
	got := img.read(img.userCtx, offset, n, buf)
	if got != n {
		return nil, errs.New(errs.KindIO, op, "short read")
	}
	return buf, nil
}

// Open validates the ELF32 magic and caches the header tables. It fails
// open with KindInvalidArgument on short reads and bad magic, and with
// KindNotSupported on an unsupported class, byte order or version.
func Open(read ReadFunc, userCtx any, size uint32) (*Image, error) {
	if read == nil {
		return nil, errs.New(errs.KindInvalidArgument, "elfimage.Open", "nil read callback")
	}
	img := &Image{read: read, userCtx: userCtx, size: size, symStrTabs: make(map[uint16][]byte)}

	hdr, err := img.readAt("elfimage.Open", 0, HeaderSize)
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidArgument, "elfimage.Open", "reading ELF header", err)
	}
	if len(hdr) < 16 || hdr[0] != 0x7f || hdr[1] != 'E' || hdr[2] != 'L' || hdr[3] != 'F' {
		return nil, errs.New(errs.KindInvalidArgument, "elfimage.Open", "bad ELF magic")
	}
	if hdr[4] != 1 {
		return nil, errs.New(errs.KindNotSupported, "elfimage.Open", "not a 32-bit ELF (EI_CLASS)")
	}
	if hdr[5] != 1 {
		return nil, errs.New(errs.KindNotSupported, "elfimage.Open", "not little-endian (EI_DATA)")
	}
	if hdr[6] != 1 {
		return nil, errs.New(errs.KindNotSupported, "elfimage.Open", "unsupported EI_VERSION")
	}

	le := binary.LittleEndian
	img.Header = Header{
		Class:     hdr[4],
		Data:      hdr[5],
		Version:   hdr[6],
		Type:      le.Uint16(hdr[16:18]),
		Machine:   le.Uint16(hdr[18:20]),
		Entry:     le.Uint32(hdr[24:28]),
		PHOff:     le.Uint32(hdr[28:32]),
		SHOff:     le.Uint32(hdr[32:36]),
		Flags:     le.Uint32(hdr[36:40]),
		EHSize:    le.Uint16(hdr[40:42]),
		PHEntSize: le.Uint16(hdr[42:44]),
		PHNum:     le.Uint16(hdr[44:46]),
		SHEntSize: le.Uint16(hdr[46:48]),
		SHNum:     le.Uint16(hdr[48:50]),
		SHStrNdx:  le.Uint16(hdr[50:52]),
	}

	if err := img.cacheProgramHeaders(le); err != nil {
		return nil, errs.Wrap(errs.KindInvalidArgument, "elfimage.Open", "reading program headers", err)
	}
	if err := img.cacheSectionHeaders(le); err != nil {
		return nil, errs.Wrap(errs.KindInvalidArgument, "elfimage.Open", "reading section headers", err)
	}
	if err := img.cacheSectionNameTable(); err != nil {
		return nil, errs.Wrap(errs.KindInvalidArgument, "elfimage.Open", "reading section name table", err)
	}
	return img, nil
}

func (img *Image) cacheProgramHeaders(le binary.ByteOrder) error {
	if img.Header.PHNum == 0 {
		return nil
	}
	raw, err := img.readAt("elfimage.Open", img.Header.PHOff, uint32(img.Header.PHNum)*ProgramHeaderSize)
	if err != nil {
		return err
	}
	img.progs = make([]rawProgram, img.Header.PHNum)
	for i := range img.progs {
		b := raw[i*ProgramHeaderSize:]
		img.progs[i] = rawProgram{
			Type:   le.Uint32(b[0:4]),
			Off:    le.Uint32(b[4:8]),
			VAddr:  le.Uint32(b[8:12]),
			PAddr:  le.Uint32(b[12:16]),
			FileSz: le.Uint32(b[16:20]),
			MemSz:  le.Uint32(b[20:24]),
			Flags:  le.Uint32(b[24:28]),
			Align:  le.Uint32(b[28:32]),
		}
	}
	return nil
}

func (img *Image) cacheSectionHeaders(le binary.ByteOrder) error {
	if img.Header.SHNum == 0 {
		return nil
	}
	raw, err := img.readAt("elfimage.Open", img.Header.SHOff, uint32(img.Header.SHNum)*SectionHeaderSize)
	if err != nil {
		return err
	}
	img.sections = make([]rawSection, img.Header.SHNum)
	for i := range img.sections {
		b := raw[i*SectionHeaderSize:]
		img.sections[i] = rawSection{
			NameOff:   le.Uint32(b[0:4]),
			Type:      le.Uint32(b[4:8]),
			Flags:     le.Uint32(b[8:12]),
			Addr:      le.Uint32(b[12:16]),
			Off:       le.Uint32(b[16:20]),
			Size:      le.Uint32(b[20:24]),
			Link:      le.Uint32(b[24:28]),
			Info:      le.Uint32(b[28:32]),
			AddrAlign: le.Uint32(b[32:36]),
			EntSize:   le.Uint32(b[36:40]),
		}
	}
	return nil
}

func (img *Image) cacheSectionNameTable() error {
	if int(img.Header.SHStrNdx) >= len(img.sections) {
		return nil
	}
	s := img.sections[img.Header.SHStrNdx]
	if s.Size == 0 {
		return nil
	}
	raw, err := img.readAt("elfimage.Open", s.Off, s.Size)
	if err != nil {
		return err
	}
	img.shstrtab = raw
	return nil
}

// nameFromTable materializes a NUL-terminated string starting at off from a
// cached string table, truncating into buf with guaranteed NUL-free bounded
// output per spec section 4.1.
func nameFromTable(table []byte, off uint32, buf []byte) string {
	if table == nil || off == 0 || int(off) >= len(table) {
		return ""
	}
	end := int(off)
	for end < len(table) && table[end] != 0 {
		end++
	}
	raw := table[off:end]
	n := copy(buf, raw)
	return string(buf[:n])
}

func (img *Image) symStrTab(symtabSectionIdx uint16) []byte {
	if tab, ok := img.symStrTabs[symtabSectionIdx]; ok {
		return tab
	}
	if int(symtabSectionIdx) >= len(img.sections) {
		return nil
	}
	linkIdx := img.sections[symtabSectionIdx].Link
	if int(linkIdx) >= len(img.sections) {
		return nil
	}
	s := img.sections[linkIdx]
	raw, err := img.readAt("elfimage.symStrTab", s.Off, s.Size)
	if err != nil {
		img.symStrTabs[symtabSectionIdx] = nil
		return nil
	}
	img.symStrTabs[symtabSectionIdx] = raw
	return raw
}
