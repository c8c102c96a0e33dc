package symtab

import (
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/grafana/dynload/pkg/arch"
	"github.com/grafana/dynload/pkg/image"
)

// Validate checks that every table reachable from addrs lies inside img:
// the GNU hash header and arrays, each hashed chain, and every symbol record,
// name and version entry those chains imply. All problems are reported.
// Once Validate passes, lookups cannot read outside the image.
func Validate(img *image.Image, layout arch.Layout, addrs Addresses) error {
	hash, err := ParseGNUHash(img, layout, addrs.GNUHash)
	if err != nil {
		return err
	}
	t := &Table{
		img:    img,
		layout: layout,
		hash:   hash,
		symtab: addrs.SymTab,
		strtab: NewStringTable(img, addrs.StrTab, addrs.StrSz),
	}
	if !addrs.Versions.Empty() {
		t.versions, err = newVersions(img, t.strtab, addrs.Versions)
		if err != nil {
			return err
		}
	}
	return t.validate()
}

func (t *Table) validate() error {
	var errs *multierror.Error
	h := t.hash

	if h.bloomShift >= h.wordBits {
		errs = multierror.Append(errs, fmt.Errorf("bloom shift %d not below word width %d", h.bloomShift, h.wordBits))
	}
	if _, err := t.img.Slice(h.bloom, uint64(h.nbloom)*h.wordSize); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("bloom words: %w", err))
	}
	if _, err := t.img.Slice(h.buckets, uint64(h.nbucket)*4); err != nil {
		// Without the bucket array nothing below can be checked.
		errs = multierror.Append(errs, fmt.Errorf("buckets: %w", err))
		return fmt.Errorf("%w: %w", ErrMalformed, errs)
	}

	for idx := uint32(1); idx < h.symOffset; idx++ {
		if err := t.validateSymbol(idx); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	for i := uint32(0); i < h.nbucket; i++ {
		start, err := h.bucketAt(i)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("bucket %d: %w", i, err))
			continue
		}
		if start == 0 {
			continue
		}
		if start < h.symOffset {
			errs = multierror.Append(errs, fmt.Errorf("bucket %d starts at symbol %d below symoffset %d", i, start, h.symOffset))
			continue
		}
		for idx := start; ; idx++ {
			chain, err := h.Chain(idx)
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("bucket %d: unterminated chain at symbol %d: %w", i, idx, err))
				break
			}
			if err := t.validateHashed(idx, i, chain); err != nil {
				errs = multierror.Append(errs, err)
			}
			if chain&1 != 0 {
				break
			}
		}
	}

	if err := errs.ErrorOrNil(); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return nil
}

func (t *Table) validateSymbol(idx uint32) error {
	sym, err := t.symbol(idx)
	if err != nil {
		return fmt.Errorf("symbol %d: %w", idx, err)
	}
	if _, err := t.strtab.Get(sym.NameOff()); err != nil {
		return fmt.Errorf("symbol %d name: %w", idx, err)
	}
	if t.versions != nil {
		if _, err := t.versions.versymAt(idx); err != nil {
			return fmt.Errorf("symbol %d version: %w", idx, err)
		}
	}
	return nil
}

// validateHashed also checks that the symbol sits in the bucket its name
// hashes to and that the bloom filter admits it; a violation would make the
// symbol unreachable through Lookup.
func (t *Table) validateHashed(idx, bucket, chain uint32) error {
	if err := t.validateSymbol(idx); err != nil {
		return err
	}
	sym, _ := t.symbol(idx)
	name, _ := t.strtab.Get(sym.NameOff())
	hash := GNUHashName(name)
	switch {
	case hash|1 != chain|1:
		return fmt.Errorf("symbol %d %q: chain value %#x does not match hash %#x", idx, name, chain, hash)
	case hash%t.hash.nbucket != bucket:
		return fmt.Errorf("symbol %d %q: found in bucket %d, hashes to %d", idx, name, bucket, hash%t.hash.nbucket)
	case !t.hash.MayContain(hash):
		return fmt.Errorf("symbol %d %q: rejected by bloom filter", idx, name)
	}
	return nil
}
