package image

import (
	"debug/elf"
	"fmt"
	"io"
	"math"
	"os"

	pkgerrors "github.com/pkg/errors"
)

const pageSize = 0x1000

// Segment is a PT_LOAD program header as laid out in the image.
type Segment struct {
	Vaddr  uint64
	Memsz  uint64
	Filesz uint64
	Off    uint64
	Flags  elf.ProgFlag
}

// Dynamic describes where PT_DYNAMIC landed in the image.
type Dynamic struct {
	Vaddr uint64
	Memsz uint64
}

// Layout is the result of Load: the image plus what the program headers said about it.
type Layout struct {
	Segments []Segment
	Dynamic  *Dynamic
	Type     elf.Type
	Entry    uint64
}

// Open maps the shared object at path.
func Open(path string) (*Image, *Layout, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	img, layout, err := Load(f)
	if err != nil {
		return nil, nil, fmt.Errorf("load %s: %w", path, err)
	}
	return img, layout, nil
}

// Load lays out the PT_LOAD segments of the ELF read from r into a single
// zeroed region addressed by virtual address. The lowest segment is expected
// to start at vaddr 0, which holds for shared objects produced by the usual
// static linkers.
func Load(r io.ReaderAt) (*Image, *Layout, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, nil, pkgerrors.Wrap(ErrNotELF, err.Error())
	}
	if f.Type != elf.ET_DYN {
		return nil, nil, pkgerrors.Wrapf(ErrNotELF, "unexpected type %s", f.Type)
	}

	layout := &Layout{Type: f.Type, Entry: f.Entry}
	var size uint64
	for _, p := range f.Progs {
		switch p.Type {
		case elf.PT_LOAD:
			if p.Filesz > p.Memsz {
				return nil, nil, pkgerrors.Wrapf(ErrNotELF, "segment at %#x: filesz %#x > memsz %#x", p.Vaddr, p.Filesz, p.Memsz)
			}
			if p.Vaddr+p.Memsz < p.Vaddr || p.Off+p.Filesz < p.Off {
				return nil, nil, pkgerrors.Wrapf(ErrNotELF, "segment at %#x: size %#x overflows", p.Vaddr, p.Memsz)
			}
			layout.Segments = append(layout.Segments, Segment{
				Vaddr:  p.Vaddr,
				Memsz:  p.Memsz,
				Filesz: p.Filesz,
				Off:    p.Off,
				Flags:  p.Flags,
			})
			if end := p.Vaddr + p.Memsz; end > size {
				size = end
			}
		case elf.PT_DYNAMIC:
			layout.Dynamic = &Dynamic{Vaddr: p.Vaddr, Memsz: p.Memsz}
		}
	}
	if len(layout.Segments) == 0 {
		return nil, nil, pkgerrors.Wrap(ErrNotELF, "no PT_LOAD segments")
	}
	aligned := alignUp(size, pageSize)
	if aligned < size || aligned > math.MaxInt {
		return nil, nil, pkgerrors.Wrapf(ErrNotELF, "image size %#x too large", size)
	}
	size = aligned

	data, release, err := allocate(size)
	if err != nil {
		return nil, nil, pkgerrors.Wrapf(err, "allocate %d bytes", size)
	}
	for _, s := range layout.Segments {
		if s.Filesz == 0 {
			continue
		}
		if s.Vaddr+s.Filesz > uint64(len(data)) {
			_ = release()
			return nil, nil, pkgerrors.Wrapf(ErrNotELF, "segment at %#x outside image of %#x bytes", s.Vaddr, len(data))
		}
		if _, err := r.ReadAt(data[s.Vaddr:s.Vaddr+s.Filesz], int64(s.Off)); err != nil {
			_ = release()
			return nil, nil, pkgerrors.Wrapf(err, "read segment at %#x", s.Vaddr)
		}
	}

	img := New(data, f.ByteOrder, f.Class, f.Machine)
	img.release = release
	return img, layout, nil
}

// Protect applies the permissions of each segment to the mapped pages.
// It is a no-op where the image is not backed by an anonymous mapping.
func (img *Image) Protect(segments []Segment) error {
	for _, s := range segments {
		start := alignDown(s.Vaddr, pageSize)
		end := alignUp(s.Vaddr+s.Memsz, pageSize)
		if end > uint64(len(img.data)) {
			return pkgerrors.Wrapf(ErrOutOfBounds, "segment [%#x, %#x)", start, end)
		}
		if img.release == nil {
			continue
		}
		if err := protect(img.data[start:end], s.Flags); err != nil {
			return pkgerrors.Wrapf(err, "protect segment [%#x, %#x)", start, end)
		}
	}
	return nil
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

func alignDown(v, align uint64) uint64 {
	return v &^ (align - 1)
}
