package reloc

import (
	"context"
	"debug/elf"
	"errors"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"

	"github.com/grafana/dynload/pkg/arch"
	"github.com/grafana/dynload/pkg/image"
	"github.com/grafana/dynload/pkg/symtab"
)

var (
	ErrUnresolved  = errors.New("unresolved symbol")
	ErrUnsupported = errors.New("unsupported relocation")
)

// Stats summarizes one Apply run.
type Stats struct {
	Applied    int
	Skipped    int
	Kinds      map[arch.Kind]int
	Unresolved []string
}

type Option func(*Relocator)

func WithScopes(scopes ...Scope) Option {
	return func(r *Relocator) { r.scopes = append(r.scopes, scopes...) }
}

func WithResolver(resolver Resolver) Option {
	return func(r *Relocator) { r.resolver = resolver }
}

// AllowUnresolved makes unresolved symbols and unsupported relocation types
// skip the record instead of failing Apply.
func AllowUnresolved(allow bool) Option {
	return func(r *Relocator) { r.allowUnresolved = allow }
}

func WithLogger(logger log.Logger) Option {
	return func(r *Relocator) { r.logger = logger }
}

// Relocator patches one image. base is the address the image is mapped at
// as seen by code running in it.
type Relocator struct {
	logger log.Logger

	img     *image.Image
	table   *symtab.Table
	base    uint64
	machine elf.Machine

	scopes          []Scope
	resolver        Resolver
	allowUnresolved bool
}

func New(img *image.Image, table *symtab.Table, base uint64, opts ...Option) *Relocator {
	r := &Relocator{
		logger:  log.NewNopLogger(),
		img:     img,
		table:   table,
		base:    base,
		machine: img.Machine(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type resolved struct {
	name string
	addr uint64
	ok   bool
}

// Apply writes every record into the image. Errors of individual records
// are collected; the remaining records are still applied. Apply stops early
// only when ctx is done.
func (r *Relocator) Apply(ctx context.Context, records []Record) (Stats, error) {
	stats := Stats{Kinds: map[arch.Kind]int{}}
	cache := map[uint32]resolved{}
	var (
		errs   *multierror.Error
		failed int
	)

	for _, rec := range records {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		default:
		}
		kind := arch.Classify(r.machine, rec.Type())
		err := r.apply(rec, kind, cache, &stats)
		if err == nil {
			stats.Kinds[kind]++
			continue
		}
		if r.allowUnresolved && (errors.Is(err, ErrUnresolved) || errors.Is(err, ErrUnsupported)) {
			stats.Skipped++
			continue
		}
		errs = multierror.Append(errs, err)
		failed++
	}
	stats.Applied = len(records) - stats.Skipped - failed
	return stats, errs.ErrorOrNil()
}

func (r *Relocator) apply(rec Record, kind arch.Kind, cache map[uint32]resolved, stats *Stats) error {
	addend := uint64(rec.Addend())

	var value uint64
	switch kind {
	case arch.KindNone:
		return nil
	case arch.KindRelative:
		value = r.base + addend
	case arch.KindAbsolute, arch.KindGlobDat, arch.KindJumpSlot:
		s, err := r.symbol(rec, cache, stats)
		if err != nil {
			return err
		}
		// The GOT slot of a REL image holds the lazy binding address, not an addend.
		if rec.Implicit() && kind != arch.KindAbsolute {
			addend = 0
		}
		value = s + addend
	default:
		return fmt.Errorf("%w: %s (%s) at %#x", ErrUnsupported, arch.TypeName(r.machine, rec.Type()), kind, rec.Offset())
	}
	return r.img.PutWord(rec.Offset(), value)
}

// symbol resolves the symbol of rec: this image first, then the scopes in
// order, then the resolver. Undefined weak symbols resolve to 0.
func (r *Relocator) symbol(rec Record, cache map[uint32]resolved, stats *Stats) (uint64, error) {
	idx := rec.Symbol()
	if idx == 0 {
		return 0, nil
	}
	if c, ok := cache[idx]; ok {
		if !c.ok {
			return 0, fmt.Errorf("%w: %s", ErrUnresolved, c.name)
		}
		return c.addr, nil
	}
	sym, info, err := r.table.SymbolByIndex(idx)
	if err != nil {
		return 0, err
	}
	addr, ok := r.lookup(sym, info)
	if !ok && sym.Bind() == elf.STB_WEAK {
		addr, ok = 0, true
	}
	cache[idx] = resolved{name: info.String(), addr: addr, ok: ok}
	if !ok {
		stats.Unresolved = append(stats.Unresolved, info.String())
		level.Warn(r.logger).Log("msg", "unresolved symbol", "symbol", info.String(), "type", arch.TypeName(r.machine, rec.Type()))
		return 0, fmt.Errorf("%w: %s", ErrUnresolved, info)
	}
	return addr, nil
}

func (r *Relocator) lookup(sym arch.Symbol, info symtab.SymbolInfo) (uint64, bool) {
	if !sym.IsUndef() {
		return r.base + sym.Value(), true
	}
	for _, s := range r.scopes {
		if found, ok := s.LookupFilter(info); ok {
			return s.Base() + found.Value(), true
		}
	}
	if r.resolver != nil {
		if addr, ok := r.resolver.Resolve(info.Name()); ok {
			return addr, true
		}
	}
	return 0, false
}
