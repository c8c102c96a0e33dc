package symtab

import (
	pkgerrors "github.com/pkg/errors"

	"github.com/grafana/dynload/pkg/image"
)

// StringTable reads NUL terminated names out of .dynstr.
type StringTable struct {
	img  *image.Image
	base uint64
	size uint64 // 0 if unknown
}

func NewStringTable(img *image.Image, base, size uint64) *StringTable {
	return &StringTable{img: img, base: base, size: size}
}

func (s *StringTable) check(off uint32) error {
	if s.size != 0 && uint64(off) >= s.size {
		return pkgerrors.Wrapf(image.ErrOutOfBounds, "string offset %#x outside table of size %#x", off, s.size)
	}
	return nil
}

// Get returns a copy of the name at off.
func (s *StringTable) Get(off uint32) (string, error) {
	if err := s.check(off); err != nil {
		return "", err
	}
	return s.img.CString(s.base + uint64(off))
}

// Equal compares the name at off with name without allocating.
func (s *StringTable) Equal(off uint32, name string) (bool, error) {
	if err := s.check(off); err != nil {
		return false, err
	}
	return s.img.EqualCString(s.base+uint64(off), name)
}
