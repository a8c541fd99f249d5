package reload

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/xyproto/hotreload/elfimage"
	"github.com/xyproto/hotreload/internal/errs"
	"github.com/xyproto/hotreload/loader"
	"github.com/xyproto/hotreload/memport"
	"github.com/xyproto/hotreload/reloc"
)

// buildMinimalELF32 is the same structural fixture shape used by the loader
// package's own tests (one PT_LOAD text segment, one defined symbol, no
// patch-requiring relocations), duplicated here since it builds on
// unexported elfimage test helpers that aren't visible across packages.
func buildMinimalELF32(machine uint16, textVAddr uint32, text []byte) []byte {
	const (
		ehsize  = elfimage.HeaderSize
		phentsz = elfimage.ProgramHeaderSize
		shentsz = elfimage.SectionHeaderSize
	)
	shstrtab := buildStrtab([]string{"", ".text", ".symtab", ".rela.text", ".strtab", ".shstrtab"})
	strtab := buildStrtab([]string{"", "entry"})

	textOff := uint32(ehsize) + uint32(phentsz)
	symtabOff := textOff + uint32(len(text))
	symEntry := make([]byte, elfimage.SymbolEntrySize*2)
	binary.LittleEndian.PutUint32(symEntry[16+0:16+4], nameOffsetIn(strtab, "entry"))
	binary.LittleEndian.PutUint32(symEntry[16+4:16+8], textVAddr)
	symEntry[16+12] = (1 << 4) | 2
	binary.LittleEndian.PutUint16(symEntry[16+14:16+16], 1)

	relaOff := symtabOff + uint32(len(symEntry))
	relaEntry := make([]byte, elfimage.RelaEntrySize)
	binary.LittleEndian.PutUint32(relaEntry[0:4], textVAddr)
	binary.LittleEndian.PutUint32(relaEntry[4:8], (1<<8)|0)

	strtabOff := relaOff + uint32(len(relaEntry))
	shstrtabOff := strtabOff + uint32(len(strtab))
	shOff := shstrtabOff + uint32(len(shstrtab))

	buf := make([]byte, shOff+6*uint32(shentsz))
	copy(buf[0:4], []byte{0x7f, 'E', 'L', 'F'})
	buf[4] = 1
	buf[5] = 1
	buf[6] = 1
	binary.LittleEndian.PutUint16(buf[16:18], elfimage.ETDyn)
	binary.LittleEndian.PutUint16(buf[18:20], machine)
	binary.LittleEndian.PutUint32(buf[20:24], 1)
	binary.LittleEndian.PutUint32(buf[24:28], textVAddr)
	binary.LittleEndian.PutUint32(buf[28:32], uint32(ehsize))
	binary.LittleEndian.PutUint32(buf[32:36], shOff)
	binary.LittleEndian.PutUint16(buf[40:42], uint16(ehsize))
	binary.LittleEndian.PutUint16(buf[42:44], uint16(phentsz))
	binary.LittleEndian.PutUint16(buf[44:46], 1)
	binary.LittleEndian.PutUint16(buf[46:48], uint16(shentsz))
	binary.LittleEndian.PutUint16(buf[48:50], 6)
	binary.LittleEndian.PutUint16(buf[50:52], 5)

	ph := buf[ehsize : ehsize+phentsz]
	binary.LittleEndian.PutUint32(ph[0:4], elfimage.PTLoad)
	binary.LittleEndian.PutUint32(ph[4:8], textOff)
	binary.LittleEndian.PutUint32(ph[8:12], textVAddr)
	binary.LittleEndian.PutUint32(ph[12:16], textVAddr)
	binary.LittleEndian.PutUint32(ph[16:20], uint32(len(text)))
	binary.LittleEndian.PutUint32(ph[20:24], uint32(len(text)))
	binary.LittleEndian.PutUint32(ph[24:28], elfimage.PFX|elfimage.PFR)
	binary.LittleEndian.PutUint32(ph[28:32], 4)

	copy(buf[textOff:], text)
	copy(buf[symtabOff:], symEntry)
	copy(buf[relaOff:], relaEntry)
	copy(buf[strtabOff:], strtab)
	copy(buf[shstrtabOff:], shstrtab)

	writeShdr(buf, shOff, 0, shdrT{})
	writeShdr(buf, shOff, 1, shdrT{name: nameOffsetIn(shstrtab, ".text"), typ: elfimage.SHTProgBits, flags: 6, addr: textVAddr, off: textOff, size: uint32(len(text)), addralign: 4})
	writeShdr(buf, shOff, 2, shdrT{name: nameOffsetIn(shstrtab, ".symtab"), typ: elfimage.SHTSymTab, off: symtabOff, size: uint32(len(symEntry)), link: 4, entsize: elfimage.SymbolEntrySize})
	writeShdr(buf, shOff, 3, shdrT{name: nameOffsetIn(shstrtab, ".rela.text"), typ: elfimage.SHTRela, off: relaOff, size: uint32(len(relaEntry)), link: 2, info: 1, entsize: elfimage.RelaEntrySize})
	writeShdr(buf, shOff, 4, shdrT{name: nameOffsetIn(shstrtab, ".strtab"), typ: elfimage.SHTStrTab, off: strtabOff, size: uint32(len(strtab))})
	writeShdr(buf, shOff, 5, shdrT{name: nameOffsetIn(shstrtab, ".shstrtab"), typ: elfimage.SHTStrTab, off: shstrtabOff, size: uint32(len(shstrtab))})
	return buf
}

type shdrT struct {
	name, typ, flags, addr, off, size, link, info, addralign, entsize uint32
}

func writeShdr(buf []byte, base, index uint32, h shdrT) {
	b := buf[base+index*elfimage.SectionHeaderSize:]
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

func buildStrtab(names []string) []byte {
	buf := []byte{0}
	for _, n := range names[1:] {
		buf = append(buf, []byte(n)...)
		buf = append(buf, 0)
	}
	return buf
}

func nameOffsetIn(strtab []byte, name string) uint32 {
	target := append([]byte(name), 0)
	for i := 0; i+len(target) <= len(strtab); i++ {
		if string(strtab[i:i+len(target)]) == string(target) {
			return uint32(i)
		}
	}
	return 0
}

// fakePort hands out a fresh base address for every allocation, as a real
// allocator does while an earlier region is still live.
type fakePort struct{ allocs uintptr }

func (p *fakePort) RequiresSplitAlloc() bool { return false }
func (p *fakePort) Alloc(size uint32, _ memport.HeapCaps) (*memport.Region, memport.Ctx, error) {
	base := 0x30000 + p.allocs*0x10000
	p.allocs++
	return &memport.Region{BaseAddr: base, Buf: make([]byte, size)}, nil, nil
}
func (p *fakePort) AllocSplit(uint32, uint32, memport.HeapCaps) (*memport.Region, *memport.Region, memport.Ctx, memport.Ctx, error) {
	return nil, nil, nil, nil, errs.New(errs.KindNotSupported, "fakePort.AllocSplit", "unified only")
}
func (p *fakePort) InitExecMapping(*memport.Region, memport.Ctx) error { return nil }
func (p *fakePort) DeinitExecMapping(memport.Ctx) error                { return nil }
func (p *fakePort) Free(*memport.Region, memport.Ctx) error            { return nil }
func (p *fakePort) ToExecAddr(_ memport.Ctx, a uintptr) uintptr        { return a }
func (p *fakePort) SyncCache(*memport.Region) error                    { return nil }
func (p *fakePort) PreferSPIRAM() bool                                 { return false }
func (p *fakePort) AllowInternalRAMFallback() bool                     { return true }

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

type fakePartition struct {
	images map[string][]byte
}

func (p *fakePartition) Map(label string) ([]byte, io.Closer, error) {
	data, ok := p.images[label]
	if !ok {
		return nil, nil, errors.New("no such partition: " + label)
	}
	return data, nopCloser{}, nil
}

func testConfig() loader.Config {
	return loader.Config{Port: &fakePort{}, Engine: &reloc.XtensaEngine{}}
}

func TestLoadBecomesActiveImmediately(t *testing.T) {
	img := buildMinimalELF32(elfimage.EMXtensa, 0x1000, []byte{1, 2, 3, 4})
	ctl := New(testConfig(), &fakePartition{images: map[string][]byte{"app": img}})
	if err := ctl.Load("app"); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if ctl.Active() == nil {
		t.Fatal("expected an active module after Load")
	}
}

func TestLoadUnknownPartitionFails(t *testing.T) {
	ctl := New(testConfig(), &fakePartition{images: map[string][]byte{}})
	if err := ctl.Load("missing"); errs.KindOf(err) != errs.KindIO {
		t.Errorf("Kind = %v, want KindIO", errs.KindOf(err))
	}
}

func TestStageBufferDefersUntilReload(t *testing.T) {
	img1 := buildMinimalELF32(elfimage.EMXtensa, 0x1000, []byte{1, 2, 3, 4})
	img2 := buildMinimalELF32(elfimage.EMXtensa, 0x2000, []byte{5, 6, 7, 8})
	ctl := New(testConfig(), &fakePartition{})
	if err := ctl.LoadFromBuffer(img1); err != nil {
		t.Fatalf("LoadFromBuffer failed: %v", err)
	}
	first := ctl.Active()

	ctl.StageBuffer(img2)
	if !ctl.UpdateAvailable() {
		t.Fatal("expected UpdateAvailable after StageBuffer")
	}
	if ctl.Active() != first {
		t.Fatal("staging must not disturb the active module")
	}

	if err := ctl.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if ctl.UpdateAvailable() {
		t.Error("UpdateAvailable should be false after a successful Reload")
	}
	if ctl.Active() == first {
		t.Error("expected Reload to swap in the staged module")
	}
}

func TestUpdatePartitionDefersUntilReload(t *testing.T) {
	img1 := buildMinimalELF32(elfimage.EMXtensa, 0x1000, []byte{1, 2, 3, 4})
	img2 := buildMinimalELF32(elfimage.EMXtensa, 0x3000, []byte{9, 9, 9, 9})
	ctl := New(testConfig(), &fakePartition{images: map[string][]byte{"v2": img2}})
	if err := ctl.LoadFromBuffer(img1); err != nil {
		t.Fatalf("LoadFromBuffer failed: %v", err)
	}
	ctl.UpdatePartition("v2")
	if !ctl.UpdateAvailable() {
		t.Fatal("expected UpdateAvailable after UpdatePartition")
	}
	if err := ctl.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
}

func TestReloadNoopWithoutPendingUpdate(t *testing.T) {
	ctl := New(testConfig(), &fakePartition{})
	if err := ctl.Reload(); err != nil {
		t.Fatalf("Reload with nothing staged should be a no-op, got %v", err)
	}
}

func TestReloadFailureLeavesActiveModuleUntouched(t *testing.T) {
	img1 := buildMinimalELF32(elfimage.EMXtensa, 0x1000, []byte{1, 2, 3, 4})
	ctl := New(testConfig(), &fakePartition{})
	if err := ctl.LoadFromBuffer(img1); err != nil {
		t.Fatalf("LoadFromBuffer failed: %v", err)
	}
	first := ctl.Active()

	ctl.StageBuffer(bytes.Repeat([]byte{0xff}, 16)) // not a valid ELF image
	if err := ctl.Reload(); err == nil {
		t.Fatal("expected Reload to fail on a malformed staged image")
	}
	if ctl.Active() != first {
		t.Error("a failed Reload must not disturb the active module")
	}
}

func TestLoadPopulatesHostSymbolTable(t *testing.T) {
	img := buildMinimalELF32(elfimage.EMXtensa, 0x1000, []byte{1, 2, 3, 4})
	ctl := New(testConfig(), &fakePartition{images: map[string][]byte{"app": img}})

	names := []string{"entry", "missing"}
	slots := make([]uintptr, 2)
	ctl.BindHostSymbols(names, slots)

	if err := ctl.Load("app"); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	want, err := ctl.Active().GetSymbol("entry")
	if err != nil {
		t.Fatalf("GetSymbol(entry) failed: %v", err)
	}
	if slots[0] != want {
		t.Errorf("slots[0] = 0x%x, want 0x%x (resolved entry address)", slots[0], want)
	}
	if slots[1] != 0 {
		t.Errorf("slots[1] = 0x%x, want 0 for a name the module doesn't define", slots[1])
	}
	if ctl.Active().Warnings().Empty() {
		t.Error("expected a warning recorded for the unresolved host name")
	}
}

func TestReloadRepopulatesHostSymbolTable(t *testing.T) {
	img1 := buildMinimalELF32(elfimage.EMXtensa, 0x1000, []byte{1, 2, 3, 4})
	img2 := buildMinimalELF32(elfimage.EMXtensa, 0x2000, []byte{5, 6, 7, 8})
	ctl := New(testConfig(), &fakePartition{})

	names := []string{"entry"}
	slots := make([]uintptr, 1)
	ctl.BindHostSymbols(names, slots)

	if err := ctl.LoadFromBuffer(img1); err != nil {
		t.Fatalf("LoadFromBuffer failed: %v", err)
	}
	firstAddr := slots[0]
	if firstAddr == 0 {
		t.Fatal("expected slots[0] to be populated after the first Load")
	}

	ctl.StageBuffer(img2)
	if err := ctl.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if slots[0] == firstAddr {
		t.Error("expected Reload to re-resolve host symbols against the newly loaded module")
	}
}

func TestUnloadClearsActiveModule(t *testing.T) {
	img := buildMinimalELF32(elfimage.EMXtensa, 0x1000, []byte{1, 2, 3, 4})
	ctl := New(testConfig(), &fakePartition{})
	if err := ctl.LoadFromBuffer(img); err != nil {
		t.Fatalf("LoadFromBuffer failed: %v", err)
	}
	if err := ctl.Unload(); err != nil {
		t.Fatalf("Unload failed: %v", err)
	}
	if ctl.Active() != nil {
		t.Error("expected no active module after Unload")
	}
}
