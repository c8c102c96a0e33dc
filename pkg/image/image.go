// Package image provides a bounds-checked view over a mapped ELF image.
//
// Every table reader in this module addresses the image through offsets
// (virtual addresses relative to the load base). Image turns each of those
// reads into a single comparison against the mapped length, so a malformed
// table surfaces as ErrOutOfBounds instead of reading foreign memory.
package image

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"

	pkgerrors "github.com/pkg/errors"
)

var (
	ErrOutOfBounds = errors.New("offset out of image bounds")
	ErrNotELF      = errors.New("not an ELF shared object")
)

type Image struct {
	data    []byte
	order   binary.ByteOrder
	class   elf.Class
	machine elf.Machine

	release func() error
}

func New(data []byte, order binary.ByteOrder, class elf.Class, machine elf.Machine) *Image {
	return &Image{
		data:    data,
		order:   order,
		class:   class,
		machine: machine,
	}
}

func (img *Image) Len() uint64 {
	return uint64(len(img.data))
}

func (img *Image) ByteOrder() binary.ByteOrder {
	return img.order
}

func (img *Image) Class() elf.Class {
	return img.class
}

func (img *Image) Machine() elf.Machine {
	return img.machine
}

// WordSize is the size of a native word of the image class in bytes.
func (img *Image) WordSize() uint64 {
	if img.class == elf.ELFCLASS32 {
		return 4
	}
	return 8
}

// Bytes returns the whole backing buffer. Callers must not retain it past Close.
func (img *Image) Bytes() []byte {
	return img.data
}

func (img *Image) check(off, n uint64) error {
	end := off + n
	if end < off || end > uint64(len(img.data)) {
		return pkgerrors.Wrapf(ErrOutOfBounds, "read [%#x, %#x) of %#x", off, end, len(img.data))
	}
	return nil
}

// Slice returns n bytes at off without copying.
func (img *Image) Slice(off, n uint64) ([]byte, error) {
	if err := img.check(off, n); err != nil {
		return nil, err
	}
	return img.data[off : off+n : off+n], nil
}

func (img *Image) Uint8(off uint64) (uint8, error) {
	if err := img.check(off, 1); err != nil {
		return 0, err
	}
	return img.data[off], nil
}

func (img *Image) Uint16(off uint64) (uint16, error) {
	if err := img.check(off, 2); err != nil {
		return 0, err
	}
	return img.order.Uint16(img.data[off:]), nil
}

func (img *Image) Uint32(off uint64) (uint32, error) {
	if err := img.check(off, 4); err != nil {
		return 0, err
	}
	return img.order.Uint32(img.data[off:]), nil
}

func (img *Image) Uint64(off uint64) (uint64, error) {
	if err := img.check(off, 8); err != nil {
		return 0, err
	}
	return img.order.Uint64(img.data[off:]), nil
}

// Word reads a value of the image's native word width.
func (img *Image) Word(off uint64) (uint64, error) {
	if img.class == elf.ELFCLASS32 {
		v, err := img.Uint32(off)
		return uint64(v), err
	}
	return img.Uint64(off)
}

// CString returns a copy of the NUL terminated string starting at off.
func (img *Image) CString(off uint64) (string, error) {
	if off >= uint64(len(img.data)) {
		return "", pkgerrors.Wrapf(ErrOutOfBounds, "string at %#x", off)
	}
	n := bytes.IndexByte(img.data[off:], 0)
	if n < 0 {
		return "", pkgerrors.Wrapf(ErrOutOfBounds, "unterminated string at %#x", off)
	}
	return string(img.data[off : off+uint64(n)]), nil
}

// EqualCString reports whether the NUL terminated string at off equals s.
// Unlike CString it does not allocate.
func (img *Image) EqualCString(off uint64, s string) (bool, error) {
	n := uint64(len(s))
	if err := img.check(off, n+1); err != nil {
		// the stored name may be shorter than s and sit at the end of the image
		stored, err := img.CString(off)
		if err != nil {
			return false, err
		}
		return stored == s, nil
	}
	if img.data[off+n] != 0 {
		return false, nil
	}
	return string(img.data[off:off+n]) == s, nil
}

func (img *Image) PutUint32(off uint64, v uint32) error {
	if err := img.check(off, 4); err != nil {
		return err
	}
	img.order.PutUint32(img.data[off:], v)
	return nil
}

func (img *Image) PutUint64(off uint64, v uint64) error {
	if err := img.check(off, 8); err != nil {
		return err
	}
	img.order.PutUint64(img.data[off:], v)
	return nil
}

// PutWord writes v truncated to the image's native word width.
func (img *Image) PutWord(off uint64, v uint64) error {
	if img.class == elf.ELFCLASS32 {
		return img.PutUint32(off, uint32(v))
	}
	return img.PutUint64(off, v)
}

// Close releases the backing memory if it was allocated by Load.
func (img *Image) Close() error {
	if img.release == nil {
		return nil
	}
	release := img.release
	img.release = nil
	img.data = nil
	return release()
}
