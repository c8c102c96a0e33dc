package reloc

import (
	"debug/elf"
	"fmt"

	pkgerrors "github.com/pkg/errors"

	"github.com/grafana/dynload/pkg/arch"
	"github.com/grafana/dynload/pkg/dynamic"
	"github.com/grafana/dynload/pkg/image"
)

// Record is one relocation from DT_RELA, DT_REL or DT_JMPREL.
type Record struct {
	arch.Rela
	PLT bool
}

// Records decodes every relocation the dynamic section points at, in the
// order a loader processes them: the data relocations, then the PLT ones.
func Records(img *image.Image, layout arch.Layout, s *dynamic.Summary) ([]Record, error) {
	var records []Record
	read := func(name string, addr, size, ent uint64, rel, plt bool) error {
		if addr == 0 || size == 0 {
			return nil
		}
		want := layout.RelaSize()
		if rel {
			want = layout.RelSize()
		}
		if ent == 0 {
			ent = want
		}
		if ent < want {
			return fmt.Errorf("%w: %s entry size %d, want at least %d", dynamic.ErrMalformed, name, ent, want)
		}
		for off := uint64(0); off+ent <= size; off += ent {
			b, err := img.Slice(addr+off, want)
			if err != nil {
				return pkgerrors.Wrapf(err, "%s record at %#x", name, addr+off)
			}
			var r arch.Rela
			if rel {
				r = layout.Rel(b, img.ByteOrder())
				if r, err = implicitAddend(img, layout, r); err != nil {
					return pkgerrors.Wrapf(err, "%s record at %#x", name, addr+off)
				}
			} else {
				r = layout.Rela(b, img.ByteOrder())
			}
			records = append(records, Record{Rela: r, PLT: plt})
		}
		return nil
	}

	if err := read("DT_RELA", s.Rela, s.RelaSz, s.RelaEnt, false, false); err != nil {
		return nil, err
	}
	if err := read("DT_REL", s.Rel, s.RelSz, s.RelEnt, true, false); err != nil {
		return nil, err
	}
	if err := read("DT_JMPREL", s.JmpRel, s.PltRelSz, 0, s.PltRel == elf.DT_REL, true); err != nil {
		return nil, err
	}
	return records, nil
}

// implicitAddend reads the addend of a REL record from the slot it patches.
// It is read once here: applying the record overwrites the slot.
func implicitAddend(img *image.Image, layout arch.Layout, r arch.Rela) (arch.Rela, error) {
	v, err := img.Word(r.Offset())
	if err != nil {
		return r, err
	}
	if layout.WordSize() == 4 {
		return r.WithAddend(int64(int32(v))), nil
	}
	return r.WithAddend(int64(v)), nil
}
