// Package reloc applies dynamic relocation records to a loaded image.
package reloc

import (
	"github.com/grafana/dynload/pkg/arch"
	"github.com/grafana/dynload/pkg/symtab"
)

// Resolver provides absolute addresses for symbols no loaded image defines,
// typically symbols of the host process.
type Resolver interface {
	Resolve(name string) (uint64, bool)
}

type ResolverFunc func(name string) (uint64, bool)

func (f ResolverFunc) Resolve(name string) (uint64, bool) { return f(name) }

// MapResolver resolves from a fixed name to address map.
type MapResolver map[string]uint64

func (m MapResolver) Resolve(name string) (uint64, bool) {
	addr, ok := m[name]
	return addr, ok
}

type chain []Resolver

func (c chain) Resolve(name string) (uint64, bool) {
	for _, r := range c {
		if addr, ok := r.Resolve(name); ok {
			return addr, true
		}
	}
	return 0, false
}

// Chain tries each resolver in order. Nil resolvers are skipped.
func Chain(resolvers ...Resolver) Resolver {
	c := make(chain, 0, len(resolvers))
	for _, r := range resolvers {
		if r != nil {
			c = append(c, r)
		}
	}
	return c
}

// Scope is an already loaded image whose exports relocations may bind to.
type Scope interface {
	LookupFilter(info symtab.SymbolInfo) (arch.Symbol, bool)
	Base() uint64
}
