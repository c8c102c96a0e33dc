package arch

import (
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRelocationInfoBits(t *testing.T) {
	require.Equal(t, uint32(4), RType64(0x0000000700000004))
	require.Equal(t, uint32(7), RSym64(0x0000000700000004))
	require.Equal(t, uint32(7), RType32(0x00000107))
	require.Equal(t, uint32(1), RSym32(0x00000107))

	require.Equal(t, uint64(0x0000000700000004), Info64(7, 4))
	require.Equal(t, uint32(0x00000107), Info32(1, 7))
	require.Equal(t, uint32(0xffffff), RSym32(Info32(0xffffff, 0xff)))
}

func TestRela64(t *testing.T) {
	b := make([]byte, 24)
	binary.LittleEndian.PutUint64(b[0:], 0x3fe0)
	binary.LittleEndian.PutUint64(b[8:], 0x0000000700000004)
	binary.LittleEndian.PutUint64(b[16:], uint64(0xfffffffffffffff8)) // -8

	r := Layout64.Rela(b, binary.LittleEndian)
	require.Equal(t, uint32(4), r.Type())
	require.Equal(t, uint32(7), r.Symbol())
	require.Equal(t, uint64(0x3fe0), r.Offset())
	require.Equal(t, int64(-8), r.Addend())
	require.False(t, r.Implicit())

	rel := Layout64.Rel(b[:16], binary.LittleEndian)
	require.Equal(t, uint32(4), rel.Type())
	require.Equal(t, uint32(7), rel.Symbol())
	require.Equal(t, int64(0), rel.Addend())
	require.True(t, rel.Implicit())
}

func TestRela32(t *testing.T) {
	b := make([]byte, 12)
	binary.BigEndian.PutUint32(b[0:], 0x2000)
	binary.BigEndian.PutUint32(b[4:], 0x00000107)
	binary.BigEndian.PutUint32(b[8:], 0xfffffffc) // -4

	r := Layout32.Rela(b, binary.BigEndian)
	require.Equal(t, uint32(7), r.Type())
	require.Equal(t, uint32(1), r.Symbol())
	require.Equal(t, uint64(0x2000), r.Offset())
	require.Equal(t, int64(-4), r.Addend())
}

func TestSymbolLayout(t *testing.T) {
	t.Run("elf64", func(t *testing.T) {
		b := make([]byte, elf.Sym64Size)
		binary.LittleEndian.PutUint32(b[0:], 0x11)
		b[4] = elf.ST_INFO(elf.STB_GLOBAL, elf.STT_FUNC)
		b[5] = byte(elf.STV_PROTECTED)
		binary.LittleEndian.PutUint16(b[6:], 12)
		binary.LittleEndian.PutUint64(b[8:], 0x1130)
		binary.LittleEndian.PutUint64(b[16:], 42)

		s := Layout64.Symbol(b, binary.LittleEndian)
		require.Equal(t, uint32(0x11), s.NameOff())
		require.Equal(t, elf.STB_GLOBAL, s.Bind())
		require.Equal(t, elf.STT_FUNC, s.Type())
		require.Equal(t, elf.STV_PROTECTED, s.Visibility())
		require.Equal(t, elf.SectionIndex(12), s.Shndx())
		require.Equal(t, uint64(0x1130), s.Value())
		require.Equal(t, uint64(42), s.Size())
	})
	t.Run("elf32", func(t *testing.T) {
		b := make([]byte, elf.Sym32Size)
		binary.LittleEndian.PutUint32(b[0:], 0x22)
		binary.LittleEndian.PutUint32(b[4:], 0x4010)
		binary.LittleEndian.PutUint32(b[8:], 8)
		b[12] = elf.ST_INFO(elf.STB_WEAK, elf.STT_OBJECT)
		b[13] = 0
		binary.LittleEndian.PutUint16(b[14:], uint16(elf.SHN_UNDEF))

		s := Layout32.Symbol(b, binary.LittleEndian)
		require.Equal(t, uint32(0x22), s.NameOff())
		require.Equal(t, uint64(0x4010), s.Value())
		require.Equal(t, uint64(8), s.Size())
		require.Equal(t, elf.STB_WEAK, s.Bind())
		require.Equal(t, elf.STT_OBJECT, s.Type())
		require.True(t, s.IsUndef())
	})
}

func TestSymbolClassification(t *testing.T) {
	testcases := []struct {
		name       string
		bind       elf.SymBind
		typ        elf.SymType
		shndx      elf.SectionIndex
		okBind     bool
		okType     bool
		local      bool
		exportable bool
	}{
		{"global func", elf.STB_GLOBAL, elf.STT_FUNC, 10, true, true, false, true},
		{"weak object", elf.STB_WEAK, elf.STT_OBJECT, 10, true, true, false, true},
		{"unique object", STB_GNU_UNIQUE, elf.STT_OBJECT, 10, true, true, false, true},
		{"ifunc", elf.STB_GLOBAL, STT_GNU_IFUNC, 10, true, true, false, true},
		{"tls", elf.STB_GLOBAL, elf.STT_TLS, 10, true, true, false, true},
		{"common", elf.STB_GLOBAL, elf.STT_COMMON, 10, true, true, false, true},
		{"notype", elf.STB_GLOBAL, elf.STT_NOTYPE, 10, true, true, false, true},
		{"local func", elf.STB_LOCAL, elf.STT_FUNC, 10, false, true, true, false},
		{"section", elf.STB_GLOBAL, elf.STT_SECTION, 10, true, false, false, false},
		{"file", elf.STB_GLOBAL, elf.STT_FILE, elf.SHN_ABS, true, false, false, false},
		{"undefined import", elf.STB_GLOBAL, elf.STT_FUNC, elf.SHN_UNDEF, true, true, false, false},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			s := NewSymbol(1, tc.bind, tc.typ, 0, tc.shndx, 0x1000, 0)
			require.Equal(t, tc.okBind, s.IsOKBind())
			require.Equal(t, tc.okType, s.IsOKType())
			require.Equal(t, tc.local, s.IsLocal())
			require.Equal(t, tc.exportable, s.IsExportable())
			require.Equal(t, tc.shndx == elf.SHN_UNDEF, s.IsUndef())
		})
	}
}

func TestForClass(t *testing.T) {
	l, err := ForClass(elf.ELFCLASS32)
	require.NoError(t, err)
	require.Equal(t, uint64(4), l.WordSize())
	require.Equal(t, uint64(16), l.SymSize())

	l, err = ForClass(elf.ELFCLASS64)
	require.NoError(t, err)
	require.Equal(t, uint64(8), l.WordSize())
	require.Equal(t, uint64(24), l.SymSize())

	_, err = ForClass(elf.ELFCLASSNONE)
	require.Error(t, err)
}

func TestClassify(t *testing.T) {
	require.Equal(t, KindRelative, Classify(elf.EM_X86_64, uint32(elf.R_X86_64_RELATIVE)))
	require.Equal(t, KindJumpSlot, Classify(elf.EM_AARCH64, uint32(elf.R_AARCH64_JUMP_SLOT)))
	require.Equal(t, KindAbsolute, Classify(elf.EM_RISCV, uint32(elf.R_RISCV_64)))
	require.Equal(t, KindGlobDat, Classify(elf.EM_386, uint32(elf.R_386_GLOB_DAT)))
	require.Equal(t, KindTLS, Classify(elf.EM_ARM, uint32(elf.R_ARM_TLS_DTPMOD32)))
	require.Equal(t, KindUnknown, Classify(elf.EM_X86_64, 0xffff))
	require.Equal(t, KindUnknown, Classify(elf.EM_MIPS, 1))
	require.False(t, Supported(elf.EM_MIPS))
	require.Equal(t, "R_X86_64_GLOB_DAT", TypeName(elf.EM_X86_64, uint32(elf.R_X86_64_GLOB_DAT)))
	require.Equal(t, "jump_slot", KindJumpSlot.String())
}
