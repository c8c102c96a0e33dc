// Package loader maps ELF shared objects into memory, binds their
// relocations and serves symbol lookups against them.
package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"unsafe"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ianlancetaylor/demangle"

	"github.com/grafana/dynload/pkg/arch"
	"github.com/grafana/dynload/pkg/dynamic"
	"github.com/grafana/dynload/pkg/image"
	"github.com/grafana/dynload/pkg/reloc"
	"github.com/grafana/dynload/pkg/symtab"
)

var (
	ErrSymbolNotFound = errors.New("symbol not found")
	ErrClosed         = errors.New("library closed")
)

type Option func(*Library)

// WithResolver sets the fallback for symbols no scope defines.
func WithResolver(r reloc.Resolver) Option {
	return func(l *Library) { l.resolver = r }
}

// WithScope makes the exports of already opened libraries visible to the
// relocations of this one, searched in order.
func WithScope(libs ...*Library) Option {
	return func(l *Library) {
		for _, lib := range libs {
			l.scopes = append(l.scopes, lib)
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(l *Library) { l.metrics = m }
}

// Library is a loaded shared object. Lookups are safe for concurrent use;
// Relocate and Close must not run concurrently with them.
type Library struct {
	logger  log.Logger
	cfg     Config
	metrics *Metrics

	name    string
	img     *image.Image
	layout  *image.Layout
	summary *dynamic.Summary
	table   *symtab.Table
	records []reloc.Record
	base    uint64
	soname  string
	needed  []string

	resolver reloc.Resolver
	scopes   []reloc.Scope
	cache    *lru.Cache[lookupKey, arch.Symbol]

	mu        sync.Mutex
	relocated bool
	closed    bool
}

// Open loads the shared object at path.
func Open(ctx context.Context, logger log.Logger, path string, cfg Config, opts ...Option) (*Library, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(ctx, logger, path, f, cfg, opts...)
}

// Load loads a shared object read from r. name is only used for logging.
func Load(ctx context.Context, logger log.Logger, name string, r io.ReaderAt, cfg Config, opts ...Option) (*Library, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	l := &Library{
		logger:  log.With(logger, "library", name),
		cfg:     cfg,
		metrics: NewMetrics(nil),
		name:    name,
	}
	for _, opt := range opts {
		opt(l)
	}
	if stage, err := l.load(ctx, r); err != nil {
		l.metrics.LoadErrors.WithLabelValues(stage).Inc()
		level.Error(l.logger).Log("msg", "failed to load library", "stage", stage, "err", err)
		if l.img != nil {
			_ = l.img.Close()
		}
		return nil, fmt.Errorf("load %s: %w", name, err)
	}
	level.Debug(l.logger).Log(
		"msg", "library loaded",
		"soname", l.soname,
		"class", l.img.Class(),
		"machine", l.img.Machine(),
		"symbols", l.table.Len(),
		"relocations", len(l.records),
	)
	return l, nil
}

func (l *Library) load(ctx context.Context, r io.ReaderAt) (string, error) {
	var err error
	l.img, l.layout, err = image.Load(r)
	if err != nil {
		return "image", err
	}
	if len(l.img.Bytes()) > 0 {
		l.base = uint64(uintptr(unsafe.Pointer(&l.img.Bytes()[0])))
	}
	layout, err := arch.ForClass(l.img.Class())
	if err != nil {
		return "image", err
	}
	if l.summary, err = dynamic.ParseImage(l.img, l.layout); err != nil {
		return "dynamic", err
	}
	addrs, err := l.summary.SymtabAddresses()
	if err != nil {
		return "dynamic", err
	}
	l.table, err = symtab.New(l.img, layout, addrs,
		symtab.WithValidation(l.cfg.ValidateTables),
		symtab.WithVersioning(l.cfg.Versioning),
	)
	if err != nil {
		return "symtab", err
	}
	strs := l.summary.Strings(l.img)
	if l.needed, err = l.summary.NeededNames(strs); err != nil {
		return "dynamic", err
	}
	if l.soname, err = l.summary.SONameString(strs); err != nil {
		return "dynamic", err
	}
	if l.records, err = reloc.Records(l.img, layout, l.summary); err != nil {
		return "relocations", err
	}
	if l.cfg.LookupCacheSize > 0 {
		if l.cache, err = lru.New[lookupKey, arch.Symbol](l.cfg.LookupCacheSize); err != nil {
			return "cache", err
		}
	}
	if l.cfg.BindNow {
		if err := l.Relocate(ctx); err != nil {
			return "relocations", err
		}
	}
	return "", nil
}

// Relocate applies the relocations of the library and write protects its
// read only segments. It can be retried after a failure and is a no-op once it
// succeeded.
func (l *Library) Relocate(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if l.relocated {
		return nil
	}
	r := reloc.New(l.img, l.table, l.base,
		reloc.WithScopes(l.scopes...),
		reloc.WithResolver(l.resolver),
		reloc.AllowUnresolved(l.cfg.AllowUnresolved),
		reloc.WithLogger(l.logger),
	)
	stats, err := r.Apply(ctx, l.records)
	for kind, n := range stats.Kinds {
		l.metrics.Relocations.WithLabelValues(kind.String()).Add(float64(n))
	}
	l.metrics.Unresolved.Add(float64(len(stats.Unresolved)))
	if err != nil {
		return err
	}
	if err := l.img.Protect(l.layout.Segments); err != nil {
		return err
	}
	l.relocated = true
	level.Debug(l.logger).Log("msg", "relocations applied", "applied", stats.Applied, "skipped", stats.Skipped)
	return nil
}

// Get returns the address of the exported symbol name.
func (l *Library) Get(name string) (uint64, error) {
	return l.get(symtab.NewSymbolInfo(name))
}

// GetVersioned returns the address of name bound to version.
func (l *Library) GetVersioned(name, version string) (uint64, error) {
	return l.get(symtab.NewSymbolInfoWithVersion(name, version))
}

func (l *Library) get(info symtab.SymbolInfo) (uint64, error) {
	sym, ok := l.LookupFilter(info)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrSymbolNotFound, info)
	}
	return l.base + sym.Value(), nil
}

// LookupFilter finds an exported symbol. Together with Base it lets one
// library serve as a relocation scope of another.
func (l *Library) LookupFilter(info symtab.SymbolInfo) (arch.Symbol, bool) {
	key := newLookupKey(info)
	if l.cache != nil {
		if sym, ok := l.cache.Get(key); ok {
			l.metrics.Lookups.WithLabelValues(lookupCacheHit).Inc()
			return sym, true
		}
	}
	sym, ok := l.table.LookupFilter(info)
	if !ok {
		l.metrics.Lookups.WithLabelValues(lookupMiss).Inc()
		return arch.Symbol{}, false
	}
	l.metrics.Lookups.WithLabelValues(lookupHit).Inc()
	if l.cache != nil {
		l.cache.Add(key, sym)
	}
	return sym, true
}

// lookupKey keeps "foo@BAR" as a plain name apart from foo at version BAR.
type lookupKey struct {
	name      string
	version   string
	versioned bool
}

func newLookupKey(info symtab.SymbolInfo) lookupKey {
	k := lookupKey{name: info.Name()}
	k.version, k.versioned = info.Version()
	return k
}

// Base is the address the image is mapped at.
func (l *Library) Base() uint64 { return l.base }

// Symbol looks up name without the export filter and reports its version.
func (l *Library) Symbol(info symtab.SymbolInfo) (arch.Symbol, symtab.SymbolInfo, bool) {
	_, idx, ok := l.table.LookupIndex(info)
	if !ok {
		return arch.Symbol{}, symtab.SymbolInfo{}, false
	}
	sym, found, err := l.table.SymbolByIndex(idx)
	if err != nil {
		return arch.Symbol{}, symtab.SymbolInfo{}, false
	}
	return sym, found, true
}

// SymbolEntry is one row of Symbols.
type SymbolEntry struct {
	Index   uint32
	Name    string
	Version string
	Hidden  bool
	Symbol  arch.Symbol
}

// Symbols lists every dynamic symbol. With demangle set C++ and Rust names
// are demangled; names that are not mangled are kept.
func (l *Library) Symbols(demangleNames bool) ([]SymbolEntry, error) {
	entries := make([]SymbolEntry, 0, l.table.Len())
	versions := l.table.Versions()
	err := l.table.Symbols(func(idx uint32, sym arch.Symbol, info symtab.SymbolInfo) bool {
		e := SymbolEntry{Index: idx, Name: info.Name(), Symbol: sym}
		e.Version, _ = info.Version()
		if versions != nil {
			e.Hidden = versions.Hidden(idx)
		}
		if demangleNames {
			e.Name = demangle.Filter(e.Name)
		}
		entries = append(entries, e)
		return true
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (l *Library) Table() *symtab.Table { return l.table }

func (l *Library) Image() *image.Image { return l.img }

func (l *Library) Records() []reloc.Record { return l.records }

func (l *Library) Summary() *dynamic.Summary { return l.summary }

func (l *Library) Needed() []string { return l.needed }

func (l *Library) SOName() string { return l.soname }

func (l *Library) Name() string { return l.name }

// Close unmaps the image. Addresses handed out by Get become invalid.
func (l *Library) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if l.cache != nil {
		l.cache.Purge()
	}
	return l.img.Close()
}
