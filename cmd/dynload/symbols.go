package main

import (
	"context"
	"debug/elf"
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/grafana/dynload/pkg/arch"
	"github.com/grafana/dynload/pkg/loader"
	"github.com/grafana/dynload/pkg/symtab"
)

type symbolsParams struct {
	file     string
	demangle bool
	exported bool
}

func addSymbolsParams(cmd *kingpin.CmdClause) *symbolsParams {
	p := &symbolsParams{}
	cmd.Arg("file", "shared object path").Required().ExistingFileVar(&p.file)
	cmd.Flag("demangle", "Demangle C++ and Rust symbol names.").Default("false").BoolVar(&p.demangle)
	cmd.Flag("exported", "Only list symbols other objects can bind to.").Default("false").BoolVar(&p.exported)
	return p
}

var undefinedColor = color.New(color.FgYellow)

func listSymbols(ctx context.Context, p *symbolsParams) error {
	lib, err := openLibrary(ctx, p.file)
	if err != nil {
		return err
	}
	defer lib.Close()

	entries, err := lib.Symbols(p.demangle)
	if err != nil {
		return err
	}
	if p.exported {
		entries = lo.Filter(entries, func(e loader.SymbolEntry, _ int) bool {
			return e.Symbol.IsExportable()
		})
	}

	out := output(ctx)
	fmt.Fprintf(out, "%s: %s, %s symbols, image %s\n",
		p.file, lib.SOName(), humanize.Comma(int64(lib.Table().Len()-1)), humanize.IBytes(lib.Image().Len()))

	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Index", "Value", "Size", "Bind", "Type", "Ndx", "Version", "Name"})
	for _, e := range entries {
		name := e.Name
		if e.Symbol.IsUndef() {
			name = undefinedColor.Sprint(name)
		}
		table.Append([]string{
			strconv.FormatUint(uint64(e.Index), 10),
			fmt.Sprintf("%#016x", e.Symbol.Value()),
			strconv.FormatUint(e.Symbol.Size(), 10),
			bindName(e.Symbol.Bind()),
			typeName(e.Symbol.Type()),
			shndxName(e.Symbol),
			versionName(e),
			name,
		})
	}
	table.Render()

	undefined := lo.CountBy(entries, func(e loader.SymbolEntry) bool { return e.Symbol.IsUndef() })
	fmt.Fprintf(out, "%d defined, %d undefined\n", len(entries)-undefined, undefined)
	return nil
}

type lookupParams struct {
	file  string
	names []string
}

func addLookupParams(cmd *kingpin.CmdClause) *lookupParams {
	p := &lookupParams{}
	cmd.Arg("file", "shared object path").Required().ExistingFileVar(&p.file)
	cmd.Arg("name", "symbol name, optionally name@VERSION").Required().StringsVar(&p.names)
	return p
}

func lookup(ctx context.Context, p *lookupParams) error {
	lib, err := openLibrary(ctx, p.file)
	if err != nil {
		return err
	}
	defer lib.Close()

	out := output(ctx)
	missing := 0
	for _, name := range p.names {
		info := symtab.ParseSymbolInfo(name)
		sym, ok := lib.LookupFilter(info)
		if !ok {
			missing++
			fmt.Fprintf(out, "%s\tnot found\n", info)
			continue
		}
		fmt.Fprintf(out, "%s\t%#x\t%s\t%s\n", info, sym.Value(), bindName(sym.Bind()), typeName(sym.Type()))
	}
	if missing > 0 {
		return errNotFound
	}
	return nil
}

func versionName(e loader.SymbolEntry) string {
	if e.Version == "" {
		return ""
	}
	if e.Hidden || e.Symbol.IsUndef() {
		return "@" + e.Version
	}
	return "@@" + e.Version
}

func bindName(b elf.SymBind) string {
	if b == arch.STB_GNU_UNIQUE {
		return "UNIQUE"
	}
	return strings.TrimPrefix(b.String(), "STB_")
}

func typeName(t elf.SymType) string {
	if t == arch.STT_GNU_IFUNC {
		return "IFUNC"
	}
	return strings.TrimPrefix(t.String(), "STT_")
}

func shndxName(s arch.Symbol) string {
	switch {
	case s.IsUndef():
		return "UND"
	case s.Shndx() == elf.SHN_ABS:
		return "ABS"
	}
	return strconv.Itoa(int(s.Shndx()))
}
