package dynamic

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/grafana/dynload/pkg/arch"
	"github.com/grafana/dynload/pkg/elftest"
	"github.com/grafana/dynload/pkg/image"
)

func load(t *testing.T, b *elftest.Builder) (*image.Image, *image.Layout, *elftest.Info) {
	t.Helper()
	data, info, err := b.Build()
	require.NoError(t, err)
	img, layout, err := image.Load(bytes.NewReader(data))
	require.NoError(t, err)
	t.Cleanup(func() { _ = img.Close() })
	return img, layout, info
}

func TestParseImage(t *testing.T) {
	for _, class := range []elf.Class{elf.ELFCLASS32, elf.ELFCLASS64} {
		t.Run(class.String(), func(t *testing.T) {
			b := elftest.New64()
			if class == elf.ELFCLASS32 {
				b = elftest.New32()
			}
			b.SOName = "libdemo.so.1"
			b.Needed = []string{"libc.so.6", "libm.so.6"}
			b.Import("puts").Func("demo", 0x1000)
			b.Add(elftest.Symbol{Name: "versioned", Bind: elf.STB_GLOBAL, Type: elf.STT_FUNC, Value: 0x1100, Version: "DEMO_1"})
			b.Reloc(
				elftest.Reloc{Slot: 0x00, Type: 8},
				elftest.Reloc{Slot: 0x10, Type: 7, Symbol: "puts", PLT: true},
			)
			img, layout, info := load(t, b)

			s, err := ParseImage(img, layout)
			require.NoError(t, err)

			word := uint64(8)
			symEnt := uint64(elf.Sym64Size)
			if class == elf.ELFCLASS32 {
				word, symEnt = 4, elf.Sym32Size
			}
			want := &Summary{
				GNUHash:    info.GNUHash,
				SymTab:     info.SymTab,
				SymEnt:     symEnt,
				StrTab:     info.StrTab,
				StrSz:      info.StrSz,
				Rela:       info.Rela,
				RelaSz:     info.RelaSz,
				RelaEnt:    3 * word,
				JmpRel:     info.JmpRel,
				PltRelSz:   info.PltRelSz,
				PltRel:     elf.DT_RELA,
				VerSym:     info.VerSym,
				VerDef:     info.VerDef,
				VerDefNum:  info.VerDefNum,
				VerNeed:    info.VerNeed,
				VerNeedNum: info.VerNeedNum,
			}
			// Offsets of names depend on string table layout; compare them by value.
			got := *s
			got.Needed, got.SOName = nil, 0
			if diff := cmp.Diff(want, &got); diff != "" {
				t.Fatalf("summary mismatch (-want +got):\n%s", diff)
			}

			strs := s.Strings(img)
			needed, err := s.NeededNames(strs)
			require.NoError(t, err)
			require.Equal(t, []string{"libc.so.6", "libm.so.6"}, needed)
			soname, err := s.SONameString(strs)
			require.NoError(t, err)
			require.Equal(t, "libdemo.so.1", soname)

			addrs, err := s.SymtabAddresses()
			require.NoError(t, err)
			require.Equal(t, info.GNUHash, addrs.GNUHash)
			require.False(t, addrs.Versions.Empty())
		})
	}
}

func TestParseRel(t *testing.T) {
	b := elftest.New32()
	b.UseRel = true
	b.Import("puts")
	b.Reloc(elftest.Reloc{Slot: 0, Type: uint32(elf.R_386_GLOB_DAT), Symbol: "puts"})
	img, layout, info := load(t, b)

	s, err := ParseImage(img, layout)
	require.NoError(t, err)
	require.Equal(t, info.Rela, s.Rel)
	require.Equal(t, uint64(8), s.RelEnt)
	require.Zero(t, s.Rela)

	soname, err := s.SONameString(s.Strings(img))
	require.NoError(t, err)
	require.Equal(t, "", soname)
}

func TestParseErrors(t *testing.T) {
	t.Run("no dynamic segment", func(t *testing.T) {
		b := elftest.New64().Func("demo", 0x1000)
		b.OmitDynamic = true
		img, layout, _ := load(t, b)
		_, err := ParseImage(img, layout)
		require.ErrorIs(t, err, ErrNoDynamic)
	})

	t.Run("no gnu hash", func(t *testing.T) {
		b := elftest.New64().Func("demo", 0x1000)
		b.OmitGNUHash = true
		img, layout, _ := load(t, b)
		s, err := ParseImage(img, layout)
		require.NoError(t, err)
		_, err = s.SymtabAddresses()
		require.ErrorIs(t, err, ErrNoGNUHash)
	})

	t.Run("missing symtab", func(t *testing.T) {
		dyn := make([]byte, 32)
		binary.LittleEndian.PutUint64(dyn[0:], uint64(elf.DT_STRTAB))
		binary.LittleEndian.PutUint64(dyn[8:], 0x100)
		img := image.New(dyn, binary.LittleEndian, elf.ELFCLASS64, elf.EM_X86_64)
		_, err := Parse(img, arch.Layout64, 0, 0)
		require.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("unterminated", func(t *testing.T) {
		dyn := make([]byte, 24)
		binary.LittleEndian.PutUint64(dyn[0:], uint64(elf.DT_SYMTAB))
		binary.LittleEndian.PutUint64(dyn[8:], 0x100)
		img := image.New(dyn, binary.LittleEndian, elf.ELFCLASS64, elf.EM_X86_64)
		_, err := Parse(img, arch.Layout64, 0, 0)
		require.ErrorIs(t, err, image.ErrOutOfBounds)
	})

	t.Run("bad pltrel", func(t *testing.T) {
		dyn := make([]byte, 80)
		put := func(i int, tag elf.DynTag, v uint64) {
			binary.LittleEndian.PutUint64(dyn[i*16:], uint64(tag))
			binary.LittleEndian.PutUint64(dyn[i*16+8:], v)
		}
		put(0, elf.DT_SYMTAB, 0x100)
		put(1, elf.DT_STRTAB, 0x200)
		put(2, elf.DT_PLTRELSZ, 24)
		put(3, elf.DT_PLTREL, 99)
		img := image.New(dyn, binary.LittleEndian, elf.ELFCLASS64, elf.EM_X86_64)
		_, err := Parse(img, arch.Layout64, 0, 0)
		require.ErrorIs(t, err, ErrMalformed)
	})
}
