package arch

import (
	"debug/elf"
	"fmt"
)

// STB_GNU_UNIQUE and STT_GNU_IFUNC share their numeric values with
// STB_LOOS and STT_LOOS.
const (
	STB_GNU_UNIQUE = elf.STB_LOOS
	STT_GNU_IFUNC  = elf.STT_LOOS
)

var (
	okBinds = 1<<uint(elf.STB_GLOBAL) | 1<<uint(elf.STB_WEAK) | 1<<uint(STB_GNU_UNIQUE)
	okTypes = 1<<uint(elf.STT_NOTYPE) |
		1<<uint(elf.STT_OBJECT) |
		1<<uint(elf.STT_FUNC) |
		1<<uint(elf.STT_COMMON) |
		1<<uint(elf.STT_TLS) |
		1<<uint(STT_GNU_IFUNC)
)

// Symbol is a decoded dynamic symbol record.
type Symbol struct {
	name  uint32
	info  uint8
	other uint8
	shndx uint16
	value uint64
	size  uint64
}

// NewSymbol builds a record from its raw fields.
func NewSymbol(name uint32, bind elf.SymBind, typ elf.SymType, other uint8, shndx elf.SectionIndex, value, size uint64) Symbol {
	return Symbol{
		name:  name,
		info:  elf.ST_INFO(bind, typ),
		other: other,
		shndx: uint16(shndx),
		value: value,
		size:  size,
	}
}

func (s Symbol) Value() uint64 { return s.value }
func (s Symbol) Size() uint64 { return s.size }
func (s Symbol) NameOff() uint32 { return s.name }
func (s Symbol) Other() uint8 { return s.other }

// Bind is the top nibble of st_info.
func (s Symbol) Bind() elf.SymBind { return elf.SymBind(s.info >> 4) }

// Type is the bottom nibble of st_info.
func (s Symbol) Type() elf.SymType { return elf.SymType(s.info & 0xf) }

func (s Symbol) Shndx() elf.SectionIndex { return elf.SectionIndex(s.shndx) }

func (s Symbol) Visibility() elf.SymVis { return elf.ST_VISIBILITY(s.other) }

func (s Symbol) IsUndef() bool { return s.shndx == uint16(elf.SHN_UNDEF) }

func (s Symbol) IsOKBind() bool { return (1<<uint(s.Bind()))&okBinds != 0 }

func (s Symbol) IsOKType() bool { return (1<<uint(s.Type()))&okTypes != 0 }

func (s Symbol) IsLocal() bool { return s.Bind() == elf.STB_LOCAL }

// IsExportable reports whether another image may bind to this symbol.
func (s Symbol) IsExportable() bool {
	return !s.IsUndef() && s.IsOKBind() && s.IsOKType()
}

func (s Symbol) String() string {
	return fmt.Sprintf("Symbol{name=%#x value=%#x size=%d bind=%s type=%s shndx=%d}",
		s.name, s.value, s.size, s.Bind(), s.Type(), s.shndx)
}

// Rela is a decoded relocation record. REL records decode into a Rela with
// Implicit set; their addend lives at the patched location and is filled in
// with WithAddend before the slot is written.
type Rela struct {
	offset   uint64
	typ      uint32
	sym      uint32
	addend   int64
	implicit bool
}

// WithAddend returns r carrying addend, keeping whether it was implicit.
func (r Rela) WithAddend(addend int64) Rela {
	r.addend = addend
	return r
}

func (r Rela) Type() uint32 { return r.typ }
func (r Rela) Symbol() uint32 { return r.sym }
func (r Rela) Offset() uint64 { return r.offset }
func (r Rela) Addend() int64 { return r.addend }
func (r Rela) Implicit() bool { return r.implicit }
