package elfimage

import "encoding/binary"

// buildELF32 assembles a minimal, valid little-endian ELF32 image in memory
// for tests: one PT_LOAD text segment, a .shstrtab, one SHT_SYMTAB section
// with a single defined symbol, and one SHT_RELA section with a single
// R_X_RELATIVE-shaped entry (the type value itself is architecture-neutral
// for these structural tests). Field layout follows elf32.go exactly.
type elf32Fixture struct {
	machine   uint16
	text      []byte
	textVAddr uint32
	symName   string
	symValue  uint32
	relaType  uint32
	relaAddend int32
}

func buildELF32(f elf32Fixture) []byte {
	const (
		ehsize  = HeaderSize
		phentsz = ProgramHeaderSize
		shentsz = SectionHeaderSize
	)

	// Section layout (after header+phdrs+text):
	//   0: SHT_NULL
	//   1: .text  (SHT_PROGBITS)
	//   2: .symtab (SHT_SYMTAB) -> link to .strtab (4)
	//   3: .rela  (SHT_RELA)   -> info = .text index (1)
	//   4: .strtab (SHT_STRTAB, symbol names)
	//   5: .shstrtab (SHT_STRTAB, section names)
	shstrtab := buildStrtab([]string{"", ".text", ".symtab", ".rela.text", ".strtab", ".shstrtab"})
	strtab := buildStrtab([]string{"", f.symName})

	textOff := uint32(ehsize) + uint32(1)*uint32(phentsz)
	// pad text to 4-byte alignment (already aligned since ehsize/phentsz are)
	symtabOff := textOff + uint32(len(f.text))
	symEntry := make([]byte, SymbolEntrySize*2) // null symbol + one real symbol
	binary.LittleEndian.PutUint32(symEntry[16+0:16+4], nameOffsetOf(strtab, f.symName))
	binary.LittleEndian.PutUint32(symEntry[16+4:16+8], f.symValue)
	binary.LittleEndian.PutUint32(symEntry[16+8:16+12], 0)
	symEntry[16+12] = (1 << 4) | 2 // STB_GLOBAL<<4 | STT_FUNC
	symEntry[16+13] = 0
	binary.LittleEndian.PutUint16(symEntry[16+14:16+16], 1) // shndx = .text

	relaOff := symtabOff + uint32(len(symEntry))
	relaEntry := make([]byte, RelaEntrySize)
	binary.LittleEndian.PutUint32(relaEntry[0:4], 0) // r_offset within .text
	info := (uint32(1) << 8) | f.relaType            // symbol index 1
	binary.LittleEndian.PutUint32(relaEntry[4:8], info)
	binary.LittleEndian.PutUint32(relaEntry[8:12], uint32(f.relaAddend))

	strtabOff := relaOff + uint32(len(relaEntry))
	shstrtabOff := strtabOff + uint32(len(strtab))
	sectionHeaderOff := shstrtabOff + uint32(len(shstrtab))

	buf := make([]byte, sectionHeaderOff+6*uint32(shentsz))

	// ELF header
	copy(buf[0:4], []byte{0x7f, 'E', 'L', 'F'})
	buf[4] = 1 // ELFCLASS32
	buf[5] = 1 // little-endian
	buf[6] = 1 // EV_CURRENT
	binary.LittleEndian.PutUint16(buf[16:18], ETDyn)
	binary.LittleEndian.PutUint16(buf[18:20], f.machine)
	binary.LittleEndian.PutUint32(buf[20:24], 1) // e_version
	binary.LittleEndian.PutUint32(buf[24:28], f.textVAddr)
	binary.LittleEndian.PutUint32(buf[28:32], uint32(ehsize)) // e_phoff
	binary.LittleEndian.PutUint32(buf[32:36], sectionHeaderOff)
	binary.LittleEndian.PutUint32(buf[36:40], 0) // e_flags
	binary.LittleEndian.PutUint16(buf[40:42], uint16(ehsize))
	binary.LittleEndian.PutUint16(buf[42:44], uint16(phentsz))
	binary.LittleEndian.PutUint16(buf[44:46], 1) // e_phnum
	binary.LittleEndian.PutUint16(buf[46:48], uint16(shentsz))
	binary.LittleEndian.PutUint16(buf[48:50], 6) // e_shnum
	binary.LittleEndian.PutUint16(buf[50:52], 5) // e_shstrndx

	// Program header (PT_LOAD covering .text)
	ph := buf[ehsize : ehsize+phentsz]
	binary.LittleEndian.PutUint32(ph[0:4], PTLoad)
	binary.LittleEndian.PutUint32(ph[4:8], textOff)
	binary.LittleEndian.PutUint32(ph[8:12], f.textVAddr)
	binary.LittleEndian.PutUint32(ph[12:16], f.textVAddr)
	binary.LittleEndian.PutUint32(ph[16:20], uint32(len(f.text)))
	binary.LittleEndian.PutUint32(ph[20:24], uint32(len(f.text)))
	binary.LittleEndian.PutUint32(ph[24:28], PFX|PFR)
	binary.LittleEndian.PutUint32(ph[28:32], 4)

	copy(buf[textOff:], f.text)
	copy(buf[symtabOff:], symEntry)
	copy(buf[relaOff:], relaEntry)
	copy(buf[strtabOff:], strtab)
	copy(buf[shstrtabOff:], shstrtab)

	writeShdr(buf, sectionHeaderOff, 0, shdr{})
	writeShdr(buf, sectionHeaderOff, 1, shdr{name: nameOffsetOf(shstrtab, ".text"), typ: SHTProgBits, flags: 6, addr: f.textVAddr, off: textOff, size: uint32(len(f.text)), addralign: 4})
	writeShdr(buf, sectionHeaderOff, 2, shdr{name: nameOffsetOf(shstrtab, ".symtab"), typ: SHTSymTab, off: symtabOff, size: uint32(len(symEntry)), link: 4, entsize: SymbolEntrySize})
	writeShdr(buf, sectionHeaderOff, 3, shdr{name: nameOffsetOf(shstrtab, ".rela.text"), typ: SHTRela, off: relaOff, size: uint32(len(relaEntry)), link: 2, info: 1, entsize: RelaEntrySize})
	writeShdr(buf, sectionHeaderOff, 4, shdr{name: nameOffsetOf(shstrtab, ".strtab"), typ: SHTStrTab, off: strtabOff, size: uint32(len(strtab))})
	writeShdr(buf, sectionHeaderOff, 5, shdr{name: nameOffsetOf(shstrtab, ".shstrtab"), typ: SHTStrTab, off: shstrtabOff, size: uint32(len(shstrtab))})

	return buf
}

type shdr struct {
	name, typ, flags, addr, off, size, link, info, addralign, entsize uint32
}

func writeShdr(buf []byte, base, index uint32, h shdr) {
	b := buf[base+index*SectionHeaderSize:]
	binary.LittleEndian.PutUint32(b[0:4], h.name)
	binary.LittleEndian.PutUint32(b[4:8], h.typ)
	binary.LittleEndian.PutUint32(b[8:12], h.flags)
	binary.LittleEndian.PutUint32(b[12:16], h.addr)
	binary.LittleEndian.PutUint32(b[16:20], h.off)
	binary.LittleEndian.PutUint32(b[20:24], h.size)
	binary.LittleEndian.PutUint32(b[24:28], h.link)
	binary.LittleEndian.PutUint32(b[28:32], h.info)
	binary.LittleEndian.PutUint32(b[32:36], h.addralign)
	binary.LittleEndian.PutUint32(b[36:40], h.entsize)
}

// buildStrtab concatenates names NUL-separated, with a leading NUL so
// offset 0 is the conventional empty string.
func buildStrtab(names []string) []byte {
	var buf []byte
	buf = append(buf, 0)
	for _, n := range names[1:] {
		buf = append(buf, []byte(n)...)
		buf = append(buf, 0)
	}
	return buf
}

func nameOffsetOf(strtab []byte, name string) uint32 {
	if name == "" {
		return 0
	}
	target := append([]byte(name), 0)
	for i := 0; i+len(target) <= len(strtab); i++ {
		if string(strtab[i:i+len(target)]) == string(target) {
			return uint32(i)
		}
	}
	return 0
}

func readerFor(data []byte) ReadFunc {
	return func(_ any, offset uint32, n uint32, dst []byte) uint32 {
		if int(offset) > len(data) {
			return 0
		}
		return uint32(copy(dst, data[offset:]))
	}
}
