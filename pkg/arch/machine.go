package arch

import (
	"debug/elf"
	"strconv"
)

// Kind groups machine specific relocation types by what applying them needs.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindNone
	// KindRelative stores base + addend.
	KindRelative
	// KindAbsolute stores S + addend in a native word.
	KindAbsolute
	// KindGlobDat and KindJumpSlot store S (+ addend on some machines).
	KindGlobDat
	KindJumpSlot
	KindCopy
	KindIRelative
	KindTLS
)

var kindNames = [...]string{
	KindUnknown:   "unknown",
	KindNone:      "none",
	KindRelative:  "relative",
	KindAbsolute:  "absolute",
	KindGlobDat:   "glob_dat",
	KindJumpSlot:  "jump_slot",
	KindCopy:      "copy",
	KindIRelative: "irelative",
	KindTLS:       "tls",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return kindNames[KindUnknown]
}

var kinds = map[elf.Machine]map[uint32]Kind{
	elf.EM_X86_64: {
		uint32(elf.R_X86_64_NONE):      KindNone,
		uint32(elf.R_X86_64_64):        KindAbsolute,
		uint32(elf.R_X86_64_COPY):      KindCopy,
		uint32(elf.R_X86_64_GLOB_DAT):  KindGlobDat,
		uint32(elf.R_X86_64_JMP_SLOT):  KindJumpSlot,
		uint32(elf.R_X86_64_RELATIVE):  KindRelative,
		uint32(elf.R_X86_64_DTPMOD64):  KindTLS,
		uint32(elf.R_X86_64_DTPOFF64):  KindTLS,
		uint32(elf.R_X86_64_TPOFF64):   KindTLS,
		uint32(elf.R_X86_64_IRELATIVE): KindIRelative,
	},
	elf.EM_AARCH64: {
		uint32(elf.R_AARCH64_NONE):         KindNone,
		uint32(elf.R_AARCH64_ABS64):        KindAbsolute,
		uint32(elf.R_AARCH64_COPY):         KindCopy,
		uint32(elf.R_AARCH64_GLOB_DAT):     KindGlobDat,
		uint32(elf.R_AARCH64_JUMP_SLOT):    KindJumpSlot,
		uint32(elf.R_AARCH64_RELATIVE):     KindRelative,
		uint32(elf.R_AARCH64_TLS_DTPMOD64): KindTLS,
		uint32(elf.R_AARCH64_TLS_DTPREL64): KindTLS,
		uint32(elf.R_AARCH64_TLS_TPREL64):  KindTLS,
		uint32(elf.R_AARCH64_TLSDESC):      KindTLS,
		uint32(elf.R_AARCH64_IRELATIVE):    KindIRelative,
	},
	elf.EM_RISCV: {
		uint32(elf.R_RISCV_NONE):         KindNone,
		uint32(elf.R_RISCV_64):           KindAbsolute,
		uint32(elf.R_RISCV_RELATIVE):     KindRelative,
		uint32(elf.R_RISCV_COPY):         KindCopy,
		uint32(elf.R_RISCV_JUMP_SLOT):    KindJumpSlot,
		uint32(elf.R_RISCV_TLS_DTPMOD64): KindTLS,
		uint32(elf.R_RISCV_TLS_DTPREL64): KindTLS,
		uint32(elf.R_RISCV_TLS_TPREL64):  KindTLS,
		uint32(elf.R_RISCV(58)):          KindIRelative,
	},
	elf.EM_386: {
		uint32(elf.R_386_NONE):         KindNone,
		uint32(elf.R_386_32):           KindAbsolute,
		uint32(elf.R_386_COPY):         KindCopy,
		uint32(elf.R_386_GLOB_DAT):     KindGlobDat,
		uint32(elf.R_386_JMP_SLOT):     KindJumpSlot,
		uint32(elf.R_386_RELATIVE):     KindRelative,
		uint32(elf.R_386_TLS_TPOFF):    KindTLS,
		uint32(elf.R_386_TLS_DTPMOD32): KindTLS,
		uint32(elf.R_386_TLS_DTPOFF32): KindTLS,
		uint32(elf.R_386_IRELATIVE):    KindIRelative,
	},
	elf.EM_ARM: {
		uint32(elf.R_ARM_NONE):         KindNone,
		uint32(elf.R_ARM_ABS32):        KindAbsolute,
		uint32(elf.R_ARM_COPY):         KindCopy,
		uint32(elf.R_ARM_GLOB_DAT):     KindGlobDat,
		uint32(elf.R_ARM_JUMP_SLOT):    KindJumpSlot,
		uint32(elf.R_ARM_RELATIVE):     KindRelative,
		uint32(elf.R_ARM_TLS_DTPMOD32): KindTLS,
		uint32(elf.R_ARM_TLS_DTPOFF32): KindTLS,
		uint32(elf.R_ARM_TLS_TPOFF32):  KindTLS,
		uint32(elf.R_ARM_IRELATIVE):    KindIRelative,
	},
}

// Classify maps a machine relocation type onto its Kind.
func Classify(machine elf.Machine, typ uint32) Kind {
	m, ok := kinds[machine]
	if !ok {
		return KindUnknown
	}
	k, ok := m[typ]
	if !ok {
		return KindUnknown
	}
	return k
}

// Supported reports whether relocation types of machine can be classified.
func Supported(machine elf.Machine) bool {
	_, ok := kinds[machine]
	return ok
}

// TypeName renders a relocation type using the debug/elf names.
func TypeName(machine elf.Machine, typ uint32) string {
	switch machine {
	case elf.EM_X86_64:
		return elf.R_X86_64(typ).String()
	case elf.EM_AARCH64:
		return elf.R_AARCH64(typ).String()
	case elf.EM_RISCV:
		return elf.R_RISCV(typ).String()
	case elf.EM_386:
		return elf.R_386(typ).String()
	case elf.EM_ARM:
		return elf.R_ARM(typ).String()
	}
	return strconv.FormatUint(uint64(typ), 10)
}
