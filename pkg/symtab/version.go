package symtab

import (
	"fmt"

	"github.com/grafana/dynload/pkg/image"
)

const (
	verNdxGlobal = 1
	versymHidden = 0x8000
	versymIndex  = 0x7fff

	verFlagBase = 0x1
)

type versionEntry struct {
	name string
	hash uint32
	base bool
	file string // for requirements, the needed object
}

// Versions holds the GNU symbol versioning tables of one image:
// .gnu.version (one uint16 per dynsym entry), the definitions from
// .gnu.version_d and the requirements from .gnu.version_r, both keyed by the
// version index used in .gnu.version.
type Versions struct {
	img    *image.Image
	versym uint64

	defs  map[uint16]versionEntry
	needs map[uint16]versionEntry
}

// VersionAddresses locates the versioning tables; zero addresses mean absent.
type VersionAddresses struct {
	VerSym     uint64
	VerDef     uint64
	VerDefNum  uint64
	VerNeed    uint64
	VerNeedNum uint64
}

func (a VersionAddresses) Empty() bool {
	return a.VerSym == 0
}

func newVersions(img *image.Image, strtab *StringTable, addrs VersionAddresses) (*Versions, error) {
	v := &Versions{
		img:    img,
		versym: addrs.VerSym,
		defs:   map[uint16]versionEntry{},
		needs:  map[uint16]versionEntry{},
	}
	if addrs.VerDef != 0 {
		if err := v.parseDefs(strtab, addrs.VerDef, addrs.VerDefNum); err != nil {
			return nil, fmt.Errorf("%w: .gnu.version_d: %w", ErrMalformed, err)
		}
	}
	if addrs.VerNeed != 0 {
		if err := v.parseNeeds(strtab, addrs.VerNeed, addrs.VerNeedNum); err != nil {
			return nil, fmt.Errorf("%w: .gnu.version_r: %w", ErrMalformed, err)
		}
	}
	return v, nil
}

// Elf_Verdef:  version, flags, ndx, cnt uint16; hash, aux, next uint32
// Elf_Verdaux: name, next uint32
func (v *Versions) parseDefs(strtab *StringTable, addr, num uint64) error {
	for i := uint64(0); i < num; i++ {
		flags, err := v.img.Uint16(addr + 2)
		if err != nil {
			return err
		}
		ndx, err := v.img.Uint16(addr + 4)
		if err != nil {
			return err
		}
		hash, err := v.img.Uint32(addr + 8)
		if err != nil {
			return err
		}
		aux, err := v.img.Uint32(addr + 12)
		if err != nil {
			return err
		}
		next, err := v.img.Uint32(addr + 16)
		if err != nil {
			return err
		}
		nameOff, err := v.img.Uint32(addr + uint64(aux))
		if err != nil {
			return err
		}
		name, err := strtab.Get(nameOff)
		if err != nil {
			return err
		}
		v.defs[ndx&versymIndex] = versionEntry{
			name: name,
			hash: hash,
			base: flags&verFlagBase != 0,
		}
		if next == 0 {
			break
		}
		addr += uint64(next)
	}
	return nil
}

// Elf_Verneed: version, cnt uint16; file, aux, next uint32
// Elf_Vernaux: hash uint32; flags, other uint16; name, next uint32
// vna_other is the index .gnu.version refers to.
func (v *Versions) parseNeeds(strtab *StringTable, addr, num uint64) error {
	for i := uint64(0); i < num; i++ {
		cnt, err := v.img.Uint16(addr + 2)
		if err != nil {
			return err
		}
		fileOff, err := v.img.Uint32(addr + 4)
		if err != nil {
			return err
		}
		aux, err := v.img.Uint32(addr + 8)
		if err != nil {
			return err
		}
		next, err := v.img.Uint32(addr + 12)
		if err != nil {
			return err
		}
		file, err := strtab.Get(fileOff)
		if err != nil {
			return err
		}
		auxAddr := addr + uint64(aux)
		for j := uint16(0); j < cnt; j++ {
			hash, err := v.img.Uint32(auxAddr)
			if err != nil {
				return err
			}
			other, err := v.img.Uint16(auxAddr + 6)
			if err != nil {
				return err
			}
			nameOff, err := v.img.Uint32(auxAddr + 8)
			if err != nil {
				return err
			}
			auxNext, err := v.img.Uint32(auxAddr + 12)
			if err != nil {
				return err
			}
			name, err := strtab.Get(nameOff)
			if err != nil {
				return err
			}
			v.needs[other&versymIndex] = versionEntry{
				name: name,
				hash: hash,
				file: file,
			}
			if auxNext == 0 {
				break
			}
			auxAddr += uint64(auxNext)
		}
		if next == 0 {
			break
		}
		addr += uint64(next)
	}
	return nil
}

func (v *Versions) versymAt(idx uint32) (uint16, error) {
	return v.img.Uint16(v.versym + uint64(idx)*2)
}

// match decides whether the symbol at idx satisfies the requested version.
//
// Without a requested version, hidden (non default) versions are skipped so
// that name@VER_1 does not shadow name@@VER_2. With a requested version the
// defined version name must match, except for unversioned entries (index 0
// and 1) which satisfy any request unless hidden.
func (v *Versions) match(idx uint32, want *SymbolVersion) bool {
	raw, err := v.versymAt(idx)
	if err != nil {
		return false
	}
	ndx := raw & versymIndex
	hidden := raw&versymHidden != 0
	if want == nil {
		return !hidden || ndx <= verNdxGlobal
	}
	if ndx <= verNdxGlobal {
		return !hidden
	}
	def, ok := v.defs[ndx]
	if !ok {
		return false
	}
	return def.hash == want.hash && def.name == want.name
}

// version returns the version attached to symbol idx: the definition for
// symbols defined here, the requirement for undefined ones.
func (v *Versions) version(idx uint32, undefined bool) (*SymbolVersion, bool) {
	raw, err := v.versymAt(idx)
	if err != nil {
		return nil, false
	}
	ndx := raw & versymIndex
	if ndx <= verNdxGlobal {
		return nil, false
	}
	entries := v.defs
	if undefined {
		entries = v.needs
	}
	e, ok := entries[ndx]
	if !ok || e.base {
		return nil, false
	}
	return &SymbolVersion{name: e.name, hash: e.hash}, true
}

// Hidden reports whether symbol idx is a non default version.
func (v *Versions) Hidden(idx uint32) bool {
	raw, err := v.versymAt(idx)
	return err == nil && raw&versymHidden != 0
}

// Requirement returns the needed object and version an imported symbol idx
// was linked against.
func (v *Versions) Requirement(idx uint32) (file, version string, ok bool) {
	raw, err := v.versymAt(idx)
	if err != nil {
		return "", "", false
	}
	e, ok := v.needs[raw&versymIndex]
	if !ok {
		return "", "", false
	}
	return e.file, e.name, true
}
