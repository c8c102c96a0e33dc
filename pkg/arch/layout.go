// Package arch describes the raw layout of ELF symbol and relocation records
// for both ELF classes, and classifies relocation types per machine.
package arch

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
)

// Layout decodes records of one ELF class. Implementations hold no state, the
// class of an image is read once at load time and the matching Layout is used
// for every record of that image.
type Layout interface {
	Class() elf.Class
	// WordSize is the pointer width in bytes, also the width of GNU hash bloom words.
	WordSize() uint64
	SymSize() uint64
	RelaSize() uint64
	RelSize() uint64
	DynSize() uint64

	Symbol(b []byte, order binary.ByteOrder) Symbol
	Rela(b []byte, order binary.ByteOrder) Rela
	Rel(b []byte, order binary.ByteOrder) Rela
	// Dyn decodes a dynamic entry into its tag and value.
	Dyn(b []byte, order binary.ByteOrder) (elf.DynTag, uint64)
}

var (
	Layout32 Layout = layout32{}
	Layout64 Layout = layout64{}
)

func ForClass(class elf.Class) (Layout, error) {
	switch class {
	case elf.ELFCLASS32:
		return Layout32, nil
	case elf.ELFCLASS64:
		return Layout64, nil
	default:
		return nil, fmt.Errorf("unsupported elf class %s", class)
	}
}

// RType64 and friends are the bit layouts of the combined r_info field.
// ELF64: type in the low 32 bits, symbol index in the high 32 bits.
// ELF32: type in the low 8 bits, symbol index in the high 24 bits.
func RType64(info uint64) uint32 { return uint32(info & 0xffffffff) }
func RSym64(info uint64) uint32 { return uint32(info >> 32) }
func RType32(info uint32) uint32 { return info & 0xff }
func RSym32(info uint32) uint32 { return info >> 8 }

func Info64(sym, typ uint32) uint64 { return uint64(sym)<<32 | uint64(typ) }
func Info32(sym, typ uint32) uint32 { return sym<<8 | typ&0xff }

type layout32 struct{}

func (layout32) Class() elf.Class { return elf.ELFCLASS32 }
func (layout32) WordSize() uint64 { return 4 }
func (layout32) SymSize() uint64 { return elf.Sym32Size }
func (layout32) RelaSize() uint64 { return 12 }
func (layout32) RelSize() uint64 { return 8 }
func (layout32) DynSize() uint64 { return 8 }

// Elf32_Sym: name, value, size, info, other, shndx.
func (layout32) Symbol(b []byte, order binary.ByteOrder) Symbol {
	_ = b[elf.Sym32Size-1]
	return Symbol{
		name:  order.Uint32(b[0:]),
		value: uint64(order.Uint32(b[4:])),
		size:  uint64(order.Uint32(b[8:])),
		info:  b[12],
		other: b[13],
		shndx: order.Uint16(b[14:]),
	}
}

func (layout32) Rela(b []byte, order binary.ByteOrder) Rela {
	_ = b[11]
	info := order.Uint32(b[4:])
	return Rela{
		offset: uint64(order.Uint32(b[0:])),
		typ:    RType32(info),
		sym:    RSym32(info),
		addend: int64(int32(order.Uint32(b[8:]))),
	}
}

func (layout32) Rel(b []byte, order binary.ByteOrder) Rela {
	_ = b[7]
	info := order.Uint32(b[4:])
	return Rela{
		offset:   uint64(order.Uint32(b[0:])),
		typ:      RType32(info),
		sym:      RSym32(info),
		implicit: true,
	}
}

func (layout32) Dyn(b []byte, order binary.ByteOrder) (elf.DynTag, uint64) {
	_ = b[7]
	return elf.DynTag(int32(order.Uint32(b[0:]))), uint64(order.Uint32(b[4:]))
}

type layout64 struct{}

func (layout64) Class() elf.Class { return elf.ELFCLASS64 }
func (layout64) WordSize() uint64 { return 8 }
func (layout64) SymSize() uint64 { return elf.Sym64Size }
func (layout64) RelaSize() uint64 { return 24 }
func (layout64) RelSize() uint64 { return 16 }
func (layout64) DynSize() uint64 { return 16 }

// Elf64_Sym: name, info, other, shndx, value, size.
func (layout64) Symbol(b []byte, order binary.ByteOrder) Symbol {
	_ = b[elf.Sym64Size-1]
	return Symbol{
		name:  order.Uint32(b[0:]),
		info:  b[4],
		other: b[5],
		shndx: order.Uint16(b[6:]),
		value: order.Uint64(b[8:]),
		size:  order.Uint64(b[16:]),
	}
}

func (layout64) Rela(b []byte, order binary.ByteOrder) Rela {
	_ = b[23]
	info := order.Uint64(b[8:])
	return Rela{
		offset: order.Uint64(b[0:]),
		typ:    RType64(info),
		sym:    RSym64(info),
		addend: int64(order.Uint64(b[16:])),
	}
}

func (layout64) Rel(b []byte, order binary.ByteOrder) Rela {
	_ = b[15]
	info := order.Uint64(b[8:])
	return Rela{
		offset:   order.Uint64(b[0:]),
		typ:      RType64(info),
		sym:      RSym64(info),
		implicit: true,
	}
}

func (layout64) Dyn(b []byte, order binary.ByteOrder) (elf.DynTag, uint64) {
	_ = b[15]
	return elf.DynTag(int64(order.Uint64(b[0:]))), order.Uint64(b[8:])
}
