package reloc

import (
	"github.com/xyproto/hotreload/elfimage"
	"github.com/xyproto/hotreload/internal/errs"
)

// RISC-V RELA types (RISC-V psABI), spec section 4.3.2.
const (
	RRiscvNone       = 0
	RRiscv32         = 1
	RRiscv64         = 2
	RRiscvRelative   = 3
	RRiscvJumpSlot   = 5
	RRiscvPCRelHi20  = 23
	RRiscvPCRelLo12I = 24
	RRiscvPCRelLo12S = 25
	RRiscvHi20       = 26
	RRiscvLo12I      = 27
	RRiscvLo12S      = 28
)

// fixupCapacity bounds the fixed-size table tracking AUIPC HI20 sites so a
// later LO12 relocation referencing the same instruction address can find
// it (spec section 4.3.2, "HI20/LO12 pairing"). Sized to comfortably cover
// a single hot-reloadable module; overflow degrades to a warning rather
// than a hard failure (spec section 10, open question resolution).
const fixupCapacity = 32

type hi20Fixup struct {
	instrAddr uint32 // AUIPC/LUI address: VMA for HI20, runtime address for PCREL_HI20
	symAddr   uint32 // resolved target (HI20) or PC-relative delta (PCREL_HI20)
}

// FixupTable records in-flight HI20 sites for later LO12 lookups.
type FixupTable struct {
	entries [fixupCapacity]hi20Fixup
	n       int
}

func (t *FixupTable) record(instrAddr, symAddr uint32, warn *errs.Warnings) {
	if t.n >= fixupCapacity {
		warn.Warnf("HI20 fixup table exhausted (capacity %d); dropping entry for instruction at 0x%x", fixupCapacity, instrAddr)
		return
	}
	t.entries[t.n] = hi20Fixup{instrAddr: instrAddr, symAddr: symAddr}
	t.n++
}

func (t *FixupTable) lookup(instrAddr uint32) (uint32, bool) {
	for i := 0; i < t.n; i++ {
		if t.entries[i].instrAddr == instrAddr {
			return t.entries[i].symAddr, true
		}
	}
	return 0, false
}

// RiscvEngine implements Engine for RISC-V targets.
type RiscvEngine struct {
	hi20  FixupTable // R_RISCV_HI20 sites (absolute)
	pcrel FixupTable // R_RISCV_PCREL_HI20 sites (PC-relative, keyed by the AUIPC's runtime address)
}

func hi20Of(v uint32) uint32 { return (v + 0x800) & 0xfffff000 }
func lo12Of(v uint32) int32  { return int32(v<<20) >> 20 }

func (e *RiscvEngine) Apply(ctx *LoadContext, relas *elfimage.RelaIter, warn *errs.Warnings) error {
	for {
		r, ok, err := relas.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		// An entry whose offset lies outside every loaded segment is skipped.
		if _, _, inRange := ctx.regionFor(r.Offset); !inRange {
			continue
		}
		switch r.Type {
		case RRiscvNone:
			continue
		case RRiscvRelative:
			ramAddr, err := ctx.vmaToRAM(uint32(r.Addend))
			if err != nil {
				return err
			}
			if err := ctx.writeWord(r.Offset, ramAddr); err != nil {
				return err
			}
		case RRiscv32, RRiscv64:
			addr, ok := ctx.SymbolAddr(r.SymbolIndex)
			if !ok {
				warn.Warnf("unresolved symbol index %d at 0x%x", r.SymbolIndex, r.Offset)
				continue
			}
			if err := ctx.writeWord(r.Offset, uint32(int32(addr)+r.Addend)); err != nil {
				return err
			}
		case RRiscvJumpSlot:
			addr, ok := ctx.SymbolAddr(r.SymbolIndex)
			if !ok {
				warn.Warnf("unresolved PLT symbol index %d at 0x%x", r.SymbolIndex, r.Offset)
				continue
			}
			if err := ctx.writeWord(r.Offset, addr); err != nil {
				return err
			}
		case RRiscvHi20:
			addr, ok := ctx.SymbolAddr(r.SymbolIndex)
			if !ok {
				warn.Warnf("unresolved symbol index %d for HI20 at 0x%x", r.SymbolIndex, r.Offset)
				continue
			}
			target := uint32(int32(addr) + r.Addend)
			if err := e.patchUType(ctx, r.Offset, hi20Of(target)); err != nil {
				return err
			}
			e.hi20.record(r.Offset, target, warn)
		case RRiscvLo12I:
			target, ok := e.hi20.lookup(r.Offset)
			if !ok {
				warn.Warnf("LO12_I at 0x%x has no matching HI20 site", r.Offset)
				continue
			}
			if err := e.patchIType(ctx, r.Offset, lo12Of(target)); err != nil {
				return err
			}
		case RRiscvLo12S:
			target, ok := e.hi20.lookup(r.Offset)
			if !ok {
				warn.Warnf("LO12_S at 0x%x has no matching HI20 site", r.Offset)
				continue
			}
			if err := e.patchSType(ctx, r.Offset, lo12Of(target)); err != nil {
				return err
			}
		case RRiscvPCRelHi20:
			addr, ok := ctx.SymbolAddr(r.SymbolIndex)
			if !ok {
				warn.Warnf("unresolved symbol index %d for PCREL_HI20 at 0x%x", r.SymbolIndex, r.Offset)
				continue
			}
			pcAddr, err := ctx.vmaToRAM(r.Offset)
			if err != nil {
				return err
			}
			target := uint32(int32(addr) + r.Addend)
			delta := target - pcAddr - ctx.IRAMDRAMOffset
			if err := e.patchUType(ctx, r.Offset, hi20Of(delta)); err != nil {
				return err
			}
			e.pcrel.record(pcAddr, delta, warn)
		case RRiscvPCRelLo12I:
			// The symbol for a PCREL_LO12_* entry points at the AUIPC
			// instruction itself, not at the final target (RISC-V psABI);
			// the table is keyed by that AUIPC's runtime address, which is
			// what SymbolAddr resolves the anchor symbol to.
			auipcAddr, ok := ctx.SymbolAddr(r.SymbolIndex)
			if !ok {
				warn.Warnf("unresolved AUIPC anchor for PCREL_LO12_I at 0x%x", r.Offset)
				continue
			}
			delta, ok := e.pcrel.lookup(auipcAddr)
			if !ok {
				warn.Warnf("PCREL_LO12_I at 0x%x has no matching PCREL_HI20 site", r.Offset)
				continue
			}
			if err := e.patchIType(ctx, r.Offset, lo12Of(delta)); err != nil {
				return err
			}
		case RRiscvPCRelLo12S:
			auipcAddr, ok := ctx.SymbolAddr(r.SymbolIndex)
			if !ok {
				warn.Warnf("unresolved AUIPC anchor for PCREL_LO12_S at 0x%x", r.Offset)
				continue
			}
			delta, ok := e.pcrel.lookup(auipcAddr)
			if !ok {
				warn.Warnf("PCREL_LO12_S at 0x%x has no matching PCREL_HI20 site", r.Offset)
				continue
			}
			if err := e.patchSType(ctx, r.Offset, lo12Of(delta)); err != nil {
				return err
			}
		default:
			warn.Warnf("unhandled RISC-V relocation type %d at 0x%x", r.Type, r.Offset)
		}
	}
}

// patchUType rewrites the imm[31:12] field of the U-type instruction (LUI
// or AUIPC) at vma, preserving opcode/rd (encoding per riscv64_instructions.go's
// encodeUType).
func (e *RiscvEngine) patchUType(ctx *LoadContext, vma uint32, imm uint32) error {
	instr, err := ctx.readWord(vma)
	if err != nil {
		return err
	}
	instr = (instr & 0x00000fff) | (imm & 0xfffff000)
	return ctx.writeWord(vma, instr)
}

// patchIType rewrites the imm[11:0] field of an I-type instruction at vma
// (encoding per riscv64_instructions.go's encodeIType).
func (e *RiscvEngine) patchIType(ctx *LoadContext, vma uint32, imm int32) error {
	instr, err := ctx.readWord(vma)
	if err != nil {
		return err
	}
	instr = (instr & 0x000fffff) | (uint32(imm&0xfff) << 20)
	return ctx.writeWord(vma, instr)
}

// patchSType rewrites the split imm[11:5]/imm[4:0] fields of an S-type
// instruction at vma (encoding per riscv64_instructions.go's encodeSType).
func (e *RiscvEngine) patchSType(ctx *LoadContext, vma uint32, imm int32) error {
	instr, err := ctx.readWord(vma)
	if err != nil {
		return err
	}
	imm40 := uint32(imm & 0x1f)
	imm115 := uint32((imm >> 5) & 0x7f)
	instr = (instr & 0x01fff07f) | (imm40 << 7) | (imm115 << 25)
	return ctx.writeWord(vma, instr)
}

// pltAUIPCOpcode is the RISC-V base opcode (bits [6:0]) shared by AUIPC.
const pltAUIPCOpcode = 0x17

// PostLoad scans the .plt section for AUIPC-based PLT stub entries and
// subtracts IRAM_DRAM_OFFSET>>12 from each one's 20-bit immediate, mirroring
// the teacher's patchRISCVPLTCalls scan-for-placeholder-then-patch approach
// (elf_complete.go) but keyed off a real .plt section rather than a linear
// scan of .text for a JAL placeholder encoding. A PLT stub's AUIPC always
// computes its address relative to its own instruction-bus PC; on
// F-RISC-V-split-bus the GOT cell it loads from lives IRAM_DRAM_OFFSET bytes
// away on the data bus, so the immediate must be corrected by that same
// offset (spec section 4.3.2) before the stub dereferences the right cell.
func (e *RiscvEngine) PostLoad(ctx *LoadContext, warn *errs.Warnings) error {
	plt, ok := ctx.Image.SectionByName(".plt")
	if !ok {
		return nil
	}
	const pltEntrySize = 16
	if plt.Size == 0 || plt.Size%pltEntrySize != 0 {
		return nil
	}
	shift := ctx.IRAMDRAMOffset >> 12
	n := plt.Size / pltEntrySize
	for i := uint32(0); i < n; i++ {
		entryVMA := plt.Addr + i*pltEntrySize
		instr, err := ctx.readWord(entryVMA)
		if err != nil {
			warn.Warnf("PLT entry %d at 0x%x unreadable: %v", i, entryVMA, err)
			continue
		}
		if instr&0x7f != pltAUIPCOpcode {
			continue
		}
		imm20 := (instr >> 12) - shift
		patched := (instr & 0xfff) | (imm20 << 12)
		if err := ctx.writeWord(entryVMA, patched); err != nil {
			return err
		}
	}
	return nil
}
