// Package symtab resolves dynamic symbols of a mapped ELF image through its
// DT_GNU_HASH index.
package symtab

import (
	"errors"
	"fmt"

	"github.com/grafana/dynload/pkg/arch"
	"github.com/grafana/dynload/pkg/image"
)

// ErrMalformed is returned when the tables of an image are inconsistent.
var ErrMalformed = errors.New("malformed symbol table")

// Addresses are the table locations found in the dynamic section, as
// offsets into the image.
type Addresses struct {
	GNUHash uint64
	SymTab  uint64
	StrTab  uint64
	StrSz   uint64

	Versions VersionAddresses
}

type options struct {
	validate   bool
	versioning bool
}

type Option func(*options)

// WithValidation enables the bounds validation pass in New. Enabled by default.
func WithValidation(v bool) Option {
	return func(o *options) { o.validate = v }
}

// WithVersioning enables GNU symbol version matching when the image carries
// version tables. Enabled by default.
func WithVersioning(v bool) Option {
	return func(o *options) { o.versioning = v }
}

// Table is the dynamic symbol table of one image. It is immutable after New
// and safe for concurrent lookups as long as the image is not written to.
type Table struct {
	img    *image.Image
	layout arch.Layout

	hash     *GNUHash
	symtab   uint64
	strtab   *StringTable
	versions *Versions
	count    uint32
}

func New(img *image.Image, layout arch.Layout, addrs Addresses, opts ...Option) (*Table, error) {
	o := options{validate: true, versioning: true}
	for _, opt := range opts {
		opt(&o)
	}
	if layout.Class() != img.Class() {
		return nil, fmt.Errorf("layout for %s used with %s image", layout.Class(), img.Class())
	}
	hash, err := ParseGNUHash(img, layout, addrs.GNUHash)
	if err != nil {
		return nil, err
	}
	t := &Table{
		img:    img,
		layout: layout,
		hash:   hash,
		symtab: addrs.SymTab,
		strtab: NewStringTable(img, addrs.StrTab, addrs.StrSz),
	}
	if o.versioning && !addrs.Versions.Empty() {
		t.versions, err = newVersions(img, t.strtab, addrs.Versions)
		if err != nil {
			return nil, err
		}
	}
	if o.validate {
		if err := t.validate(); err != nil {
			return nil, err
		}
	}
	t.count, err = hash.SymbolCount()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return t, nil
}

func (t *Table) Hash() *GNUHash { return t.hash }

func (t *Table) Strings() *StringTable { return t.strtab }

// Versions returns nil when versioning is disabled or the image is unversioned.
func (t *Table) Versions() *Versions { return t.versions }

// Len is the number of .dynsym entries, including the null symbol.
func (t *Table) Len() int { return int(t.count) }

func (t *Table) symbol(idx uint32) (arch.Symbol, error) {
	size := t.layout.SymSize()
	b, err := t.img.Slice(t.symtab+uint64(idx)*size, size)
	if err != nil {
		return arch.Symbol{}, err
	}
	return t.layout.Symbol(b, t.img.ByteOrder()), nil
}

// Lookup finds the symbol named by info. Absence is reported with false.
func (t *Table) Lookup(info SymbolInfo) (arch.Symbol, bool) {
	sym, _, ok := t.lookup(info)
	return sym, ok
}

// LookupIndex is Lookup that also returns the .dynsym index of the match.
func (t *Table) LookupIndex(info SymbolInfo) (arch.Symbol, uint32, bool) {
	return t.lookup(info)
}

func (t *Table) lookup(info SymbolInfo) (arch.Symbol, uint32, bool) {
	h := GNUHashName(info.name)
	if !t.hash.MayContain(h) {
		return arch.Symbol{}, 0, false
	}
	idx := t.hash.Bucket(h)
	if idx == 0 {
		return arch.Symbol{}, 0, false
	}
	for ; ; idx++ {
		chain, err := t.hash.Chain(idx)
		if err != nil {
			return arch.Symbol{}, 0, false
		}
		if h|1 == chain|1 {
			if sym, ok := t.match(idx, info); ok {
				return sym, idx, true
			}
		}
		if chain&1 != 0 {
			return arch.Symbol{}, 0, false
		}
	}
}

func (t *Table) match(idx uint32, info SymbolInfo) (arch.Symbol, bool) {
	sym, err := t.symbol(idx)
	if err != nil {
		return arch.Symbol{}, false
	}
	eq, err := t.strtab.Equal(sym.NameOff(), info.name)
	if err != nil || !eq {
		return arch.Symbol{}, false
	}
	if t.versions != nil && !t.versions.match(idx, info.version) {
		return arch.Symbol{}, false
	}
	return sym, true
}

// LookupFilter is Lookup restricted to symbols another image may bind to:
// defined, with an exportable bind and type.
func (t *Table) LookupFilter(info SymbolInfo) (arch.Symbol, bool) {
	sym, ok := t.Lookup(info)
	if !ok || !sym.IsExportable() {
		return arch.Symbol{}, false
	}
	return sym, true
}

// SymbolByIndex reads .dynsym entry idx with its name and version, as used
// by relocation records that reference symbols by index.
func (t *Table) SymbolByIndex(idx uint32) (arch.Symbol, SymbolInfo, error) {
	sym, err := t.symbol(idx)
	if err != nil {
		return arch.Symbol{}, SymbolInfo{}, fmt.Errorf("symbol %d: %w", idx, err)
	}
	name, err := t.strtab.Get(sym.NameOff())
	if err != nil {
		return arch.Symbol{}, SymbolInfo{}, fmt.Errorf("symbol %d name: %w", idx, err)
	}
	info := SymbolInfo{name: name}
	if t.versions != nil {
		info.version, _ = t.versions.version(idx, sym.IsUndef())
	}
	return sym, info, nil
}

// Symbols calls fn for every .dynsym entry after the null symbol until fn
// returns false.
func (t *Table) Symbols(fn func(idx uint32, sym arch.Symbol, info SymbolInfo) bool) error {
	for idx := uint32(1); idx < t.count; idx++ {
		sym, info, err := t.SymbolByIndex(idx)
		if err != nil {
			return err
		}
		if !fn(idx, sym, info) {
			return nil
		}
	}
	return nil
}
