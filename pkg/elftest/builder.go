// Package elftest builds small ELF shared objects for tests. The output is
// laid out the way a static linker would lay out a -shared link: a read-only
// segment holding the dynamic symbol, string, hash, version and relocation
// tables, and a writable segment holding .dynamic and a data area that
// relocations point into. File offsets equal virtual addresses.
package elftest

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"sort"
)

const (
	pageSize = 0x1000

	// DefinedSection is the section index given to defined symbols that do
	// not set one.
	DefinedSection = elf.SectionIndex(7)

	// DefaultNeedFile is the object an undefined versioned symbol is required
	// from when Symbol.File is empty.
	DefaultNeedFile = "libc.so.6"
)

type Symbol struct {
	Name  string
	Bind  elf.SymBind
	Type  elf.SymType
	Value uint64
	Size  uint64
	Other uint8
	// Shndx defaults to DefinedSection, or SHN_UNDEF when Undef is set.
	Shndx elf.SectionIndex
	Undef bool

	// Hashed keeps an undefined symbol in .gnu.hash instead of placing it
	// before the hashed range.
	Hashed bool

	// Version is the defined version for defined symbols, or the required
	// version for undefined ones. Hidden marks a non default definition
	// (name@VER rather than name@@VER).
	Version string
	Hidden  bool

	// File is the needed object of a required version.
	File string
}

// Reloc is a relocation against the data area. Slot is the offset inside the
// data area that gets patched, Symbol the name of the referenced symbol or
// empty for none.
type Reloc struct {
	Slot   uint64
	Type   uint32
	Symbol string
	Addend int64
	PLT    bool
}

type Builder struct {
	Class   elf.Class
	Order   binary.ByteOrder
	Machine elf.Machine

	SOName  string
	Needed  []string
	Symbols []Symbol
	Relocs  []Reloc

	// UseRel emits DT_REL instead of DT_RELA. The addend is then stored in
	// the patched slot.
	UseRel bool

	NBucket    uint32
	BloomSize  uint32
	BloomShift uint32

	// DataSize is the size of the data area, 0x100 by default. BSS adds
	// zero filled memory past the end of the file.
	DataSize uint64
	BSS      uint64

	OmitGNUHash bool
	OmitDynamic bool
}

// Info locates what Build produced inside the image.
type Info struct {
	Dynamic    uint64
	GNUHash    uint64
	SymTab     uint64
	StrTab     uint64
	StrSz      uint64
	VerSym     uint64
	VerDef     uint64
	VerDefNum  uint64
	VerNeed    uint64
	VerNeedNum uint64
	Rela       uint64
	RelaSz     uint64
	JmpRel     uint64
	PltRelSz   uint64
	Data       uint64

	// SymOffset is the index of the first hashed symbol.
	SymOffset uint32

	// Index maps a symbol name to its .dynsym index. For duplicated names
	// the last one wins.
	Index map[string]uint32

	// Size is the memory size of the image.
	Size uint64
}

func New64() *Builder {
	return &Builder{Class: elf.ELFCLASS64, Order: binary.LittleEndian, Machine: elf.EM_X86_64}
}

func New32() *Builder {
	return &Builder{Class: elf.ELFCLASS32, Order: binary.LittleEndian, Machine: elf.EM_386}
}

func (b *Builder) Add(syms ...Symbol) *Builder {
	b.Symbols = append(b.Symbols, syms...)
	return b
}

func (b *Builder) Func(name string, value uint64) *Builder {
	return b.Add(Symbol{Name: name, Bind: elf.STB_GLOBAL, Type: elf.STT_FUNC, Value: value, Size: 16})
}

func (b *Builder) Object(name string, value, size uint64) *Builder {
	return b.Add(Symbol{Name: name, Bind: elf.STB_GLOBAL, Type: elf.STT_OBJECT, Value: value, Size: size})
}

func (b *Builder) Import(name string) *Builder {
	return b.Add(Symbol{Name: name, Bind: elf.STB_GLOBAL, Type: elf.STT_FUNC, Undef: true})
}

func (b *Builder) Reloc(r ...Reloc) *Builder {
	b.Relocs = append(b.Relocs, r...)
	return b
}

func (b *Builder) is64() bool { return b.Class == elf.ELFCLASS64 }

func (b *Builder) word() uint64 {
	if b.is64() {
		return 8
	}
	return 4
}

// GNUHash is the hash .gnu.hash is built with.
func GNUHash(name string) uint32 {
	h := uint32(5381)
	for i := 0; i < len(name); i++ {
		h = h*33 + uint32(name[i])
	}
	return h
}

// ELFHash is the SysV hash stored in version entries.
func ELFHash(name string) uint32 {
	var h uint32
	for i := 0; i < len(name); i++ {
		h = (h << 4) + uint32(name[i])
		g := h & 0xf0000000
		if g != 0 {
			h ^= g >> 24
		}
		h &^= g
	}
	return h
}

type strtab struct {
	data []byte
	offs map[string]uint32
}

func newStrtab() *strtab {
	return &strtab{data: []byte{0}, offs: map[string]uint32{"": 0}}
}

func (s *strtab) add(name string) uint32 {
	if off, ok := s.offs[name]; ok {
		return off
	}
	off := uint32(len(s.data))
	s.data = append(s.data, name...)
	s.data = append(s.data, 0)
	s.offs[name] = off
	return off
}

type verDef struct {
	name string
	ndx  uint16
	base bool
}

type verNeed struct {
	file string
	aux  []verDef
}

// Build returns the file bytes of the shared object.
func (b *Builder) Build() ([]byte, *Info, error) {
	if b.Class != elf.ELFCLASS32 && b.Class != elf.ELFCLASS64 {
		return nil, nil, fmt.Errorf("unsupported class %s", b.Class)
	}
	if b.Order == nil {
		b.Order = binary.LittleEndian
	}
	word := b.word()
	info := &Info{Index: map[string]uint32{}}

	// .dynsym order: null, undefined (unhashed), then hashed sorted by bucket.
	var undef, hashed []Symbol
	for _, s := range b.Symbols {
		if s.Undef && !s.Hashed {
			undef = append(undef, s)
		} else {
			hashed = append(hashed, s)
		}
	}
	nbucket := b.NBucket
	if nbucket == 0 {
		nbucket = uint32(len(hashed)/2 + 1)
	}
	sort.SliceStable(hashed, func(i, j int) bool {
		return GNUHash(hashed[i].Name)%nbucket < GNUHash(hashed[j].Name)%nbucket
	})
	syms := append([]Symbol{{}}, undef...)
	syms = append(syms, hashed...)
	symOffset := uint32(1 + len(undef))
	info.SymOffset = symOffset
	for i, s := range syms[1:] {
		info.Index[s.Name] = uint32(i + 1)
	}

	strs := newStrtab()
	for _, n := range b.Needed {
		strs.add(n)
	}
	if b.SOName != "" {
		strs.add(b.SOName)
	}
	for _, s := range syms[1:] {
		strs.add(s.Name)
	}

	// Versions: definitions first (1 is the base), then requirements.
	versioned := false
	for _, s := range syms {
		if s.Version != "" {
			versioned = true
		}
	}
	var defs []verDef
	var needs []*verNeed
	versym := make([]uint16, len(syms))
	if versioned {
		base := b.SOName
		if base == "" {
			base = "lib.so"
		}
		defs = append(defs, verDef{name: base, ndx: 1, base: true})
		strs.add(base)
		defIdx := map[string]uint16{}
		for _, s := range syms[1:] {
			if s.Undef || s.Version == "" {
				continue
			}
			if _, ok := defIdx[s.Version]; !ok {
				ndx := uint16(len(defs) + 1)
				defIdx[s.Version] = ndx
				defs = append(defs, verDef{name: s.Version, ndx: ndx})
				strs.add(s.Version)
			}
		}
		next := uint16(len(defs) + 1)
		needIdx := map[string]uint16{}
		byFile := map[string]*verNeed{}
		for _, s := range syms[1:] {
			if !s.Undef || s.Version == "" {
				continue
			}
			file := s.File
			if file == "" {
				file = DefaultNeedFile
			}
			key := file + "\x00" + s.Version
			if _, ok := needIdx[key]; ok {
				continue
			}
			n, ok := byFile[file]
			if !ok {
				n = &verNeed{file: file}
				byFile[file] = n
				needs = append(needs, n)
				strs.add(file)
			}
			needIdx[key] = next
			n.aux = append(n.aux, verDef{name: s.Version, ndx: next})
			strs.add(s.Version)
			next++
		}
		for i, s := range syms {
			switch {
			case i == 0:
				versym[i] = 0
			case s.Version == "":
				versym[i] = 1
			case s.Undef:
				file := s.File
				if file == "" {
					file = DefaultNeedFile
				}
				versym[i] = needIdx[file+"\x00"+s.Version]
			default:
				versym[i] = defIdx[s.Version]
			}
			if s.Hidden {
				versym[i] |= 0x8000
			}
		}
	}

	// GNU hash contents.
	nbloom := b.BloomSize
	if nbloom == 0 {
		nbloom = 1
	}
	shift := b.BloomShift
	if shift == 0 {
		shift = 5
		if b.is64() {
			shift = 6
		}
	}
	wordBits := uint32(word * 8)
	bloom := make([]uint64, nbloom)
	buckets := make([]uint32, nbucket)
	chains := make([]uint32, len(hashed))
	for i, s := range hashed {
		h := GNUHash(s.Name)
		w := (h / wordBits) % nbloom
		bloom[w] |= 1 << (h % wordBits)
		bloom[w] |= 1 << ((h >> shift) % wordBits)
		bk := h % nbucket
		if buckets[bk] == 0 {
			buckets[bk] = symOffset + uint32(i)
		}
		chains[i] = h &^ 1
		if i == len(hashed)-1 || GNUHash(hashed[i+1].Name)%nbucket != bk {
			chains[i] |= 1
		}
	}

	// Relocations.
	type rec struct {
		off    uint64
		sym    uint32
		typ    uint32
		addend int64
	}
	var dynRecs, pltRecs []rec
	for _, r := range b.Relocs {
		var idx uint32
		if r.Symbol != "" {
			i, ok := info.Index[r.Symbol]
			if !ok {
				return nil, nil, fmt.Errorf("relocation against unknown symbol %q", r.Symbol)
			}
			idx = i
		}
		x := rec{off: r.Slot, sym: idx, typ: r.Type, addend: r.Addend}
		if r.PLT {
			pltRecs = append(pltRecs, x)
		} else {
			dynRecs = append(dynRecs, x)
		}
	}
	relEnt := 3 * word
	if b.UseRel {
		relEnt = 2 * word
	}

	// Layout of the read-only segment.
	ehsize, phentsize := uint64(52), uint64(32)
	symSize := uint64(elf.Sym32Size)
	if b.is64() {
		ehsize, phentsize = 64, 56
		symSize = elf.Sym64Size
	}
	const phnum = 3
	off := ehsize + phnum*phentsize
	align := func(a uint64) { off = (off + a - 1) &^ (a - 1) }

	align(8)
	info.SymTab = off
	off += uint64(len(syms)) * symSize
	info.StrTab = off
	info.StrSz = uint64(len(strs.data))
	off += info.StrSz
	align(word)
	gnuHashSize := 16 + uint64(nbloom)*word + uint64(nbucket)*4 + uint64(len(chains))*4
	info.GNUHash = off
	off += gnuHashSize
	if versioned {
		align(2)
		info.VerSym = off
		off += uint64(len(versym)) * 2
		align(4)
		info.VerDef = off
		info.VerDefNum = uint64(len(defs))
		off += uint64(len(defs)) * 28
		if len(needs) > 0 {
			info.VerNeed = off
			info.VerNeedNum = uint64(len(needs))
			for _, n := range needs {
				off += 16 + 16*uint64(len(n.aux))
			}
		}
	}
	align(word)
	if len(dynRecs) > 0 {
		info.Rela = off
		info.RelaSz = uint64(len(dynRecs)) * relEnt
		off += info.RelaSz
	}
	if len(pltRecs) > 0 {
		info.JmpRel = off
		info.PltRelSz = uint64(len(pltRecs)) * relEnt
		off += info.PltRelSz
	}
	roEnd := off

	// Writable segment: .dynamic then data.
	align(pageSize)
	rwStart := off
	type dyn struct {
		tag elf.DynTag
		val uint64
	}
	var dyns []dyn
	for _, n := range b.Needed {
		dyns = append(dyns, dyn{elf.DT_NEEDED, uint64(strs.offs[n])})
	}
	if b.SOName != "" {
		dyns = append(dyns, dyn{elf.DT_SONAME, uint64(strs.offs[b.SOName])})
	}
	if !b.OmitGNUHash {
		dyns = append(dyns, dyn{elf.DT_GNU_HASH, info.GNUHash})
	}
	dyns = append(dyns,
		dyn{elf.DT_STRTAB, info.StrTab},
		dyn{elf.DT_SYMTAB, info.SymTab},
		dyn{elf.DT_STRSZ, info.StrSz},
		dyn{elf.DT_SYMENT, symSize},
	)
	if len(dynRecs) > 0 {
		if b.UseRel {
			dyns = append(dyns, dyn{elf.DT_REL, info.Rela}, dyn{elf.DT_RELSZ, info.RelaSz}, dyn{elf.DT_RELENT, relEnt})
		} else {
			dyns = append(dyns, dyn{elf.DT_RELA, info.Rela}, dyn{elf.DT_RELASZ, info.RelaSz}, dyn{elf.DT_RELAENT, relEnt})
		}
	}
	if len(pltRecs) > 0 {
		pltRel := uint64(elf.DT_RELA)
		if b.UseRel {
			pltRel = uint64(elf.DT_REL)
		}
		dyns = append(dyns, dyn{elf.DT_JMPREL, info.JmpRel}, dyn{elf.DT_PLTRELSZ, info.PltRelSz}, dyn{elf.DT_PLTREL, pltRel})
	}
	if versioned {
		dyns = append(dyns, dyn{elf.DT_VERSYM, info.VerSym}, dyn{elf.DT_VERDEF, info.VerDef}, dyn{elf.DT_VERDEFNUM, info.VerDefNum})
		if len(needs) > 0 {
			dyns = append(dyns, dyn{elf.DT_VERNEED, info.VerNeed}, dyn{elf.DT_VERNEEDNUM, info.VerNeedNum})
		}
	}
	dyns = append(dyns, dyn{elf.DT_NULL, 0})
	info.Dynamic = off
	dynSize := uint64(len(dyns)) * 2 * word
	off += dynSize
	align(16)
	info.Data = off
	dataSize := b.DataSize
	if dataSize == 0 {
		dataSize = 0x100
	}
	off += dataSize
	fileSize := off
	info.Size = fileSize + b.BSS

	for _, r := range append(append([]rec{}, dynRecs...), pltRecs...) {
		if r.off+word > dataSize {
			return nil, nil, fmt.Errorf("relocation slot %#x outside data area of %#x bytes", r.off, dataSize)
		}
	}

	out := make([]byte, fileSize)
	w := &writer{buf: out, order: b.Order, is64: b.is64()}

	// ELF header; entry and section header fields stay zero.
	copy(out, elf.ELFMAG)
	out[elf.EI_CLASS] = byte(b.Class)
	if b.Order == binary.BigEndian {
		out[elf.EI_DATA] = byte(elf.ELFDATA2MSB)
	} else {
		out[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	}
	out[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	w.u16(16, uint16(elf.ET_DYN))
	w.u16(18, uint16(b.Machine))
	w.u32(20, uint32(elf.EV_CURRENT))
	if b.is64() {
		w.u64(32, ehsize)
		w.u16(52, uint16(ehsize))
		w.u16(54, uint16(phentsize))
		w.u16(56, phnum)
		w.u16(58, 64)
	} else {
		w.u32(28, uint32(ehsize))
		w.u16(40, uint16(ehsize))
		w.u16(42, uint16(phentsize))
		w.u16(44, phnum)
		w.u16(46, 40)
	}

	// Program headers.
	ph := ehsize
	w.prog(ph, elf.PT_LOAD, elf.PF_R, 0, roEnd, roEnd)
	ph += phentsize
	rwFlags := elf.PF_R | elf.PF_W
	w.prog(ph, elf.PT_LOAD, rwFlags, rwStart, fileSize-rwStart, info.Size-rwStart)
	ph += phentsize
	if b.OmitDynamic {
		w.prog(ph, elf.PT_NULL, 0, 0, 0, 0)
	} else {
		w.prog(ph, elf.PT_DYNAMIC, rwFlags, info.Dynamic, dynSize, dynSize)
	}

	// .dynsym
	for i, s := range syms {
		at := info.SymTab + uint64(i)*symSize
		if i == 0 {
			continue
		}
		shndx := s.Shndx
		if s.Undef {
			shndx = elf.SHN_UNDEF
		} else if shndx == 0 {
			shndx = DefinedSection
		}
		st := elf.ST_INFO(s.Bind, s.Type)
		w.u32(at, strs.offs[s.Name])
		if b.is64() {
			out[at+4] = st
			out[at+5] = s.Other
			w.u16(at+6, uint16(shndx))
			w.u64(at+8, s.Value)
			w.u64(at+16, s.Size)
		} else {
			w.u32(at+4, uint32(s.Value))
			w.u32(at+8, uint32(s.Size))
			out[at+12] = st
			out[at+13] = s.Other
			w.u16(at+14, uint16(shndx))
		}
	}
	copy(out[info.StrTab:], strs.data)

	// .gnu.hash
	at := info.GNUHash
	w.u32(at, nbucket)
	w.u32(at+4, symOffset)
	w.u32(at+8, nbloom)
	w.u32(at+12, shift)
	at += 16
	for _, v := range bloom {
		w.word(at, v)
		at += word
	}
	for _, v := range buckets {
		w.u32(at, v)
		at += 4
	}
	for _, v := range chains {
		w.u32(at, v)
		at += 4
	}

	if versioned {
		for i, v := range versym {
			w.u16(info.VerSym+uint64(i)*2, v)
		}
		at = info.VerDef
		for i, d := range defs {
			var flags uint16
			if d.base {
				flags = 1
			}
			w.u16(at, 1)
			w.u16(at+2, flags)
			w.u16(at+4, d.ndx)
			w.u16(at+6, 1)
			w.u32(at+8, ELFHash(d.name))
			w.u32(at+12, 20)
			if i < len(defs)-1 {
				w.u32(at+16, 28)
			}
			w.u32(at+20, strs.offs[d.name])
			w.u32(at+24, 0)
			at += 28
		}
		at = info.VerNeed
		for i, n := range needs {
			w.u16(at, 1)
			w.u16(at+2, uint16(len(n.aux)))
			w.u32(at+4, strs.offs[n.file])
			w.u32(at+8, 16)
			if i < len(needs)-1 {
				w.u32(at+12, 16+16*uint32(len(n.aux)))
			}
			aux := at + 16
			for j, a := range n.aux {
				w.u32(aux, ELFHash(a.name))
				w.u16(aux+4, 0)
				w.u16(aux+6, a.ndx)
				w.u32(aux+8, strs.offs[a.name])
				if j < len(n.aux)-1 {
					w.u32(aux+12, 16)
				}
				aux += 16
			}
			at = aux
		}
	}

	writeRecs := func(base uint64, recs []rec) {
		for i, r := range recs {
			at := base + uint64(i)*relEnt
			slot := info.Data + r.off
			w.word(at, slot)
			if b.is64() {
				w.u64(at+8, uint64(r.sym)<<32|uint64(r.typ))
			} else {
				w.u32(at+4, r.sym<<8|r.typ&0xff)
			}
			if b.UseRel {
				w.word(slot, uint64(r.addend))
			} else {
				w.word(at+2*word, uint64(r.addend))
			}
		}
	}
	writeRecs(info.Rela, dynRecs)
	writeRecs(info.JmpRel, pltRecs)

	// .dynamic
	at = info.Dynamic
	for _, d := range dyns {
		w.word(at, uint64(d.tag))
		w.word(at+word, d.val)
		at += 2 * word
	}

	return out, info, nil
}

type writer struct {
	buf   []byte
	order binary.ByteOrder
	is64  bool
}

func (w *writer) u16(off uint64, v uint16) { w.order.PutUint16(w.buf[off:], v) }
func (w *writer) u32(off uint64, v uint32) { w.order.PutUint32(w.buf[off:], v) }
func (w *writer) u64(off uint64, v uint64) { w.order.PutUint64(w.buf[off:], v) }

func (w *writer) word(off uint64, v uint64) {
	if w.is64 {
		w.u64(off, v)
		return
	}
	w.u32(off, uint32(v))
}

func (w *writer) prog(off uint64, typ elf.ProgType, flags elf.ProgFlag, vaddr, filesz, memsz uint64) {
	w.u32(off, uint32(typ))
	if w.is64 {
		w.u32(off+4, uint32(flags))
		w.u64(off+8, vaddr)
		w.u64(off+16, vaddr)
		w.u64(off+24, vaddr)
		w.u64(off+32, filesz)
		w.u64(off+40, memsz)
		w.u64(off+48, pageSize)
		return
	}
	w.u32(off+4, uint32(vaddr))
	w.u32(off+8, uint32(vaddr))
	w.u32(off+12, uint32(vaddr))
	w.u32(off+16, uint32(filesz))
	w.u32(off+20, uint32(memsz))
	w.u32(off+24, uint32(flags))
	w.u32(off+28, pageSize)
}
