package main

import (
	"bytes"
	"context"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/require"

	"github.com/grafana/dynload/pkg/elftest"
)

func writeObject(t *testing.T, b *elftest.Builder, patch func(data []byte, info *elftest.Info)) string {
	t.Helper()
	data, info, err := b.Build()
	require.NoError(t, err)
	if patch != nil {
		patch(data, info)
	}
	path := filepath.Join(t.TempDir(), "libtest.so")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func testObject() *elftest.Builder {
	b := elftest.New64()
	b.SOName = "libtest.so.1"
	b.Func("alpha", 0x1000).
		Func("_ZN3foo3barEv", 0x1100).
		Object("counter", 0x2000, 8).
		Import("puts").
		Add(elftest.Symbol{Name: "beta", Bind: elf.STB_GLOBAL, Type: elf.STT_FUNC, Value: 0x1200, Version: "V1"}).
		Reloc(
			elftest.Reloc{Slot: 0x00, Type: uint32(elf.R_X86_64_RELATIVE), Addend: 0x40},
			elftest.Reloc{Slot: 0x08, Type: uint32(elf.R_X86_64_GLOB_DAT), Symbol: "puts"},
			elftest.Reloc{Slot: 0x10, Type: uint32(elf.R_X86_64_JMP_SLOT), Symbol: "puts", PLT: true},
		)
	return b
}

func run(t *testing.T, fn func(ctx context.Context) error) (string, error) {
	t.Helper()
	color.NoColor = true
	var out bytes.Buffer
	err := fn(withOutput(context.Background(), &out))
	return out.String(), err
}

func TestSymbolsCommand(t *testing.T) {
	path := writeObject(t, testObject(), nil)

	out, err := run(t, func(ctx context.Context) error {
		return listSymbols(ctx, &symbolsParams{file: path, demangle: true})
	})
	require.NoError(t, err)
	require.Contains(t, out, "libtest.so.1")
	require.Contains(t, out, "foo::bar()")
	require.Contains(t, out, "beta")
	require.Contains(t, out, "@@V1")
	require.Contains(t, out, "UND")
	require.Contains(t, out, "4 defined, 1 undefined")

	out, err = run(t, func(ctx context.Context) error {
		return listSymbols(ctx, &symbolsParams{file: path, exported: true})
	})
	require.NoError(t, err)
	require.NotContains(t, out, "puts")
	require.Contains(t, out, "_ZN3foo3barEv")
}

func TestLookupCommand(t *testing.T) {
	path := writeObject(t, testObject(), nil)

	out, err := run(t, func(ctx context.Context) error {
		return lookup(ctx, &lookupParams{file: path, names: []string{"alpha", "beta@V1"}})
	})
	require.NoError(t, err)
	require.Contains(t, out, "alpha\t0x1000\tGLOBAL\tFUNC")
	require.Contains(t, out, "beta@V1\t0x1200")

	out, err = run(t, func(ctx context.Context) error {
		return lookup(ctx, &lookupParams{file: path, names: []string{"alpha", "missing", "puts"}})
	})
	require.ErrorIs(t, err, errNotFound)
	require.Contains(t, out, "missing\tnot found")
	require.Contains(t, out, "puts\tnot found")
}

func TestRelocsCommand(t *testing.T) {
	path := writeObject(t, testObject(), nil)

	out, err := run(t, func(ctx context.Context) error {
		return listRelocations(ctx, path)
	})
	require.NoError(t, err)
	require.Contains(t, out, "R_X86_64_GLOB_DAT")
	require.Contains(t, out, "R_X86_64_JMP_SLOT")
	require.Contains(t, out, "relative: 1")
	require.Contains(t, out, "glob_dat: 1")
	require.Contains(t, out, "jump_slot: 1")
}

func TestCheckCommand(t *testing.T) {
	path := writeObject(t, testObject(), nil)
	out, err := run(t, func(ctx context.Context) error {
		return check(ctx, path)
	})
	require.NoError(t, err)
	require.Contains(t, out, "ok")

	// The undefined import sits below the hashed range, so a bucket
	// starting at index 1 points outside of it.
	broken := writeObject(t, testObject(), func(data []byte, info *elftest.Info) {
		require.Greater(t, info.SymOffset, uint32(1))
		binary.LittleEndian.PutUint32(data[info.GNUHash+16+8:], 1)
	})
	out, err = run(t, func(ctx context.Context) error {
		return check(ctx, broken)
	})
	require.ErrorIs(t, err, errInvalid)
	require.Contains(t, out, "problems")
}

func TestHashCommand(t *testing.T) {
	out, err := run(t, func(ctx context.Context) error {
		return hash(ctx, []string{"printf", "exit"})
	})
	require.NoError(t, err)
	require.Equal(t, "printf\tgnu=0x156b2bb8\tsysv=0x077905a6\nexit\tgnu=0x7c967e3f\tsysv=0x0006cf04\n", out)
}

func TestLoaderConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("loader:\n  lookup_cache_size: 16\n  allow_unresolved: true\n"), 0o644))
	saved := config
	t.Cleanup(func() { config = saved })

	config.file = path
	config.overrides = []string{"lookup-cache-size=7", "validate=false"}
	c, err := loaderConfig()
	require.NoError(t, err)
	require.Equal(t, 7, c.LookupCacheSize)
	require.False(t, c.ValidateTables)
	require.True(t, c.AllowUnresolved)
	require.True(t, c.Versioning)
	require.False(t, c.BindNow)

	config.overrides = []string{"no-such-setting=1"}
	_, err = loaderConfig()
	require.Error(t, err)

	config.overrides = []string{"lookup-cache-size=-1"}
	_, err = loaderConfig()
	require.Error(t, err)
}
