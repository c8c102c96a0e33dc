// Package dynamic decodes the PT_DYNAMIC array of a loaded image into the
// table addresses the symbol table and relocator work from.
package dynamic

import (
	"debug/elf"
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"

	"github.com/grafana/dynload/pkg/arch"
	"github.com/grafana/dynload/pkg/image"
	"github.com/grafana/dynload/pkg/symtab"
)

var (
	ErrNoDynamic = errors.New("no PT_DYNAMIC segment")
	ErrNoGNUHash = errors.New("no DT_GNU_HASH entry")
	ErrMalformed = errors.New("malformed dynamic section")
)

// Summary is the subset of the dynamic section this module acts on. All
// addresses are offsets into the image; zero means the tag was absent.
type Summary struct {
	GNUHash uint64
	Hash    uint64
	SymTab  uint64
	SymEnt  uint64
	StrTab  uint64
	StrSz   uint64

	Rela    uint64
	RelaSz  uint64
	RelaEnt uint64
	Rel     uint64
	RelSz   uint64
	RelEnt  uint64

	JmpRel   uint64
	PltRelSz uint64
	PltRel   elf.DynTag

	VerSym     uint64
	VerDef     uint64
	VerDefNum  uint64
	VerNeed    uint64
	VerNeedNum uint64

	Needed []uint64
	SOName uint64

	InitArray   uint64
	InitArraySz uint64
	FiniArray   uint64
	FiniArraySz uint64

	Flags  elf.DynFlag
	Flags1 elf.DynFlag1
}

// Parse reads Elf_Dyn entries at addr until DT_NULL or limit bytes.
// A zero limit reads until DT_NULL or the end of the image.
func Parse(img *image.Image, layout arch.Layout, addr, limit uint64) (*Summary, error) {
	s := &Summary{}
	size := layout.DynSize()
	for off := uint64(0); limit == 0 || off+size <= limit; off += size {
		b, err := img.Slice(addr+off, size)
		if err != nil {
			return nil, pkgerrors.Wrapf(err, "dynamic entry at %#x", addr+off)
		}
		tag, val := layout.Dyn(b, img.ByteOrder())
		if tag == elf.DT_NULL {
			break
		}
		s.set(tag, val)
	}
	if err := s.check(); err != nil {
		return nil, err
	}
	return s, nil
}

// ParseImage locates PT_DYNAMIC from the load layout and parses it.
func ParseImage(img *image.Image, l *image.Layout) (*Summary, error) {
	if l == nil || l.Dynamic == nil {
		return nil, ErrNoDynamic
	}
	layout, err := arch.ForClass(img.Class())
	if err != nil {
		return nil, err
	}
	return Parse(img, layout, l.Dynamic.Vaddr, l.Dynamic.Memsz)
}

func (s *Summary) set(tag elf.DynTag, val uint64) {
	switch tag {
	case elf.DT_GNU_HASH:
		s.GNUHash = val
	case elf.DT_HASH:
		s.Hash = val
	case elf.DT_SYMTAB:
		s.SymTab = val
	case elf.DT_SYMENT:
		s.SymEnt = val
	case elf.DT_STRTAB:
		s.StrTab = val
	case elf.DT_STRSZ:
		s.StrSz = val
	case elf.DT_RELA:
		s.Rela = val
	case elf.DT_RELASZ:
		s.RelaSz = val
	case elf.DT_RELAENT:
		s.RelaEnt = val
	case elf.DT_REL:
		s.Rel = val
	case elf.DT_RELSZ:
		s.RelSz = val
	case elf.DT_RELENT:
		s.RelEnt = val
	case elf.DT_JMPREL:
		s.JmpRel = val
	case elf.DT_PLTRELSZ:
		s.PltRelSz = val
	case elf.DT_PLTREL:
		s.PltRel = elf.DynTag(val)
	case elf.DT_VERSYM:
		s.VerSym = val
	case elf.DT_VERDEF:
		s.VerDef = val
	case elf.DT_VERDEFNUM:
		s.VerDefNum = val
	case elf.DT_VERNEED:
		s.VerNeed = val
	case elf.DT_VERNEEDNUM:
		s.VerNeedNum = val
	case elf.DT_NEEDED:
		s.Needed = append(s.Needed, val)
	case elf.DT_SONAME:
		s.SOName = val
	case elf.DT_INIT_ARRAY:
		s.InitArray = val
	case elf.DT_INIT_ARRAYSZ:
		s.InitArraySz = val
	case elf.DT_FINI_ARRAY:
		s.FiniArray = val
	case elf.DT_FINI_ARRAYSZ:
		s.FiniArraySz = val
	case elf.DT_FLAGS:
		s.Flags = elf.DynFlag(val)
	case elf.DT_FLAGS_1:
		s.Flags1 = elf.DynFlag1(val)
	}
}

func (s *Summary) check() error {
	if s.SymTab == 0 {
		return fmt.Errorf("%w: missing DT_SYMTAB", ErrMalformed)
	}
	if s.StrTab == 0 {
		return fmt.Errorf("%w: missing DT_STRTAB", ErrMalformed)
	}
	if s.PltRelSz != 0 && s.PltRel != elf.DT_RELA && s.PltRel != elf.DT_REL {
		return fmt.Errorf("%w: DT_PLTREL %s", ErrMalformed, s.PltRel)
	}
	return nil
}

// SymtabAddresses returns what symtab.New needs. It fails with ErrNoGNUHash
// for images linked with --hash-style=sysv only.
func (s *Summary) SymtabAddresses() (symtab.Addresses, error) {
	if s.GNUHash == 0 {
		return symtab.Addresses{}, ErrNoGNUHash
	}
	return symtab.Addresses{
		GNUHash: s.GNUHash,
		SymTab:  s.SymTab,
		StrTab:  s.StrTab,
		StrSz:   s.StrSz,
		Versions: symtab.VersionAddresses{
			VerSym:     s.VerSym,
			VerDef:     s.VerDef,
			VerDefNum:  s.VerDefNum,
			VerNeed:    s.VerNeed,
			VerNeedNum: s.VerNeedNum,
		},
	}, nil
}

// NeededNames resolves DT_NEEDED entries against the string table.
func (s *Summary) NeededNames(strs *symtab.StringTable) ([]string, error) {
	names := make([]string, 0, len(s.Needed))
	for _, off := range s.Needed {
		name, err := strs.Get(uint32(off))
		if err != nil {
			return nil, pkgerrors.Wrap(err, "DT_NEEDED")
		}
		names = append(names, name)
	}
	return names, nil
}

// SONameString resolves DT_SONAME. Without one the offset is 0, the empty
// string every string table starts with.
func (s *Summary) SONameString(strs *symtab.StringTable) (string, error) {
	name, err := strs.Get(uint32(s.SOName))
	if err != nil {
		return "", pkgerrors.Wrap(err, "DT_SONAME")
	}
	return name, nil
}

// Strings returns a reader over DT_STRTAB.
func (s *Summary) Strings(img *image.Image) *symtab.StringTable {
	return symtab.NewStringTable(img, s.StrTab, s.StrSz)
}
