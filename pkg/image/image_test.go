package image

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grafana/dynload/pkg/elftest"
)

func TestBoundsChecks(t *testing.T) {
	img := New([]byte{1, 2, 3, 4, 5, 6, 7, 8, 'a', 'b', 0, 'c'}, binary.LittleEndian, elf.ELFCLASS64, elf.EM_X86_64)

	v32, err := img.Uint32(4)
	require.NoError(t, err)
	require.Equal(t, uint32(0x08070605), v32)

	v64, err := img.Word(0)
	require.NoError(t, err)
	require.Equal(t, uint64(0x0807060504030201), v64)

	for _, tc := range []struct {
		name string
		read func() error
	}{
		{"uint16 past end", func() error { _, err := img.Uint16(11); return err }},
		{"uint64 past end", func() error { _, err := img.Uint64(5); return err }},
		{"slice overflow", func() error { _, err := img.Slice(^uint64(0), 2); return err }},
		{"string past end", func() error { _, err := img.CString(12); return err }},
		{"unterminated string", func() error { _, err := img.CString(11); return err }},
		{"write past end", func() error { return img.PutUint32(10, 1) }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require.ErrorIs(t, tc.read(), ErrOutOfBounds)
		})
	}

	s, err := img.CString(8)
	require.NoError(t, err)
	require.Equal(t, "ab", s)

	ok, err := img.EqualCString(8, "ab")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = img.EqualCString(8, "a")
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = img.EqualCString(11, "cd")
	require.ErrorIs(t, err, ErrOutOfBounds)
	require.False(t, ok)
}

func TestWord32(t *testing.T) {
	img := New(make([]byte, 8), binary.BigEndian, elf.ELFCLASS32, elf.EM_PPC)
	require.Equal(t, uint64(4), img.WordSize())
	require.NoError(t, img.PutWord(4, 0x1_2345_6789))
	require.Equal(t, []byte{0, 0, 0, 0, 0x23, 0x45, 0x67, 0x89}, img.Bytes())
	v, err := img.Word(4)
	require.NoError(t, err)
	require.Equal(t, uint64(0x23456789), v)
}

func TestLoad(t *testing.T) {
	b := elftest.New64().Func("alpha", 0x10)
	b.BSS = 0x2000
	data, info, err := b.Build()
	require.NoError(t, err)

	img, layout, err := Load(bytes.NewReader(data))
	require.NoError(t, err)
	defer img.Close()

	require.Equal(t, elf.ELFCLASS64, img.Class())
	require.Equal(t, elf.EM_X86_64, img.Machine())
	require.Equal(t, elf.ET_DYN, layout.Type)
	require.Len(t, layout.Segments, 2)
	require.NotNil(t, layout.Dynamic)
	require.Equal(t, info.Dynamic, layout.Dynamic.Vaddr)
	require.Zero(t, img.Len()%pageSize)
	require.GreaterOrEqual(t, img.Len(), info.Size)

	// File contents land at their virtual addresses, bss stays zeroed.
	require.Equal(t, data, img.Bytes()[:len(data)])
	tail, err := img.Slice(uint64(len(data)), info.Size-uint64(len(data)))
	require.NoError(t, err)
	require.Equal(t, make([]byte, len(tail)), tail)

	require.NoError(t, img.Protect(layout.Segments))
	require.NoError(t, img.Close())
	require.NoError(t, img.Close())
}

func TestOpen(t *testing.T) {
	data, _, err := elftest.New32().Func("alpha", 0x10).Build()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "lib.so")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	img, _, err := Open(path)
	require.NoError(t, err)
	require.Equal(t, elf.ELFCLASS32, img.Class())
	require.NoError(t, img.Close())

	_, _, err = Open(filepath.Join(t.TempDir(), "missing.so"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadRejects(t *testing.T) {
	_, _, err := Load(bytes.NewReader([]byte("not an elf file at all")))
	require.ErrorIs(t, err, ErrNotELF)

	b := elftest.New64().Func("alpha", 0x10)
	data, _, err := b.Build()
	require.NoError(t, err)
	exec := bytes.Clone(data)
	binary.LittleEndian.PutUint16(exec[16:], uint16(elf.ET_EXEC))
	_, _, err = Load(bytes.NewReader(exec))
	require.ErrorIs(t, err, ErrNotELF)

	// Second PT_LOAD: Elf64_Phdr at ehsize + phentsize, vaddr at 16,
	// filesz at 32, memsz at 40.
	const phdr = 64 + 56
	for _, tc := range []struct {
		name                 string
		vaddr, filesz, memsz uint64
	}{
		{"wrapping end", 0xfffffffffffff000, 0x10, 0x2000},
		{"filesz above memsz", 0x1000, 0x2000, 0x10},
	} {
		t.Run(tc.name, func(t *testing.T) {
			bad := bytes.Clone(data)
			binary.LittleEndian.PutUint64(bad[phdr+16:], tc.vaddr)
			binary.LittleEndian.PutUint64(bad[phdr+32:], tc.filesz)
			binary.LittleEndian.PutUint64(bad[phdr+40:], tc.memsz)
			_, _, err := Load(bytes.NewReader(bad))
			require.ErrorIs(t, err, ErrNotELF)
		})
	}
}
