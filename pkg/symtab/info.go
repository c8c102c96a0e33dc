package symtab

import "strings"

// SymbolVersion is a version name as written in .gnu.version_d/_r, with its
// SysV hash precomputed for comparison against vd_hash/vna_hash.
type SymbolVersion struct {
	name string
	hash uint32
}

func NewSymbolVersion(name string) *SymbolVersion {
	return &SymbolVersion{name: name, hash: ELFHash(name)}
}

func (v *SymbolVersion) Name() string { return v.name }

func (v *SymbolVersion) Hash() uint32 { return v.hash }

// SymbolInfo is the lookup key and the descriptive half of a lookup result:
// a symbol name and, optionally, a version.
type SymbolInfo struct {
	name    string
	version *SymbolVersion
}

func NewSymbolInfo(name string) SymbolInfo {
	return SymbolInfo{name: name}
}

func NewSymbolInfoWithVersion(name, version string) SymbolInfo {
	return SymbolInfo{name: name, version: NewSymbolVersion(version)}
}

// ParseSymbolInfo accepts "name", "name@VERSION" and "name@@VERSION".
func ParseSymbolInfo(s string) SymbolInfo {
	name, version, ok := strings.Cut(s, "@")
	if !ok {
		return NewSymbolInfo(s)
	}
	version = strings.TrimPrefix(version, "@")
	if version == "" {
		return NewSymbolInfo(name)
	}
	return NewSymbolInfoWithVersion(name, version)
}

func (i SymbolInfo) Name() string { return i.name }

func (i SymbolInfo) Version() (string, bool) {
	if i.version == nil {
		return "", false
	}
	return i.version.name, true
}

func (i SymbolInfo) String() string {
	if i.version == nil {
		return i.name
	}
	return i.name + "@" + i.version.name
}

// ELFHash is the SysV hash used by the version sections.
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
