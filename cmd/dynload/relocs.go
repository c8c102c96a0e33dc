package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"

	"github.com/grafana/dynload/pkg/arch"
	"github.com/grafana/dynload/pkg/reloc"
)

func listRelocations(ctx context.Context, file string) error {
	lib, err := openLibrary(ctx, file)
	if err != nil {
		return err
	}
	defer lib.Close()

	machine := lib.Image().Machine()
	records := lib.Records()

	out := output(ctx)
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Offset", "Type", "Kind", "Symbol", "Addend", "PLT"})
	for _, r := range records {
		name := ""
		if r.Symbol() != 0 {
			_, info, err := lib.Table().SymbolByIndex(r.Symbol())
			if err != nil {
				return fmt.Errorf("relocation at %#x: %w", r.Offset(), err)
			}
			name = info.String()
		}
		addend := fmt.Sprintf("%#x", r.Addend())
		if r.Implicit() {
			addend += " (in slot)"
		}
		table.Append([]string{
			fmt.Sprintf("%#016x", r.Offset()),
			arch.TypeName(machine, r.Type()),
			arch.Classify(machine, r.Type()).String(),
			name,
			addend,
			fmt.Sprint(r.PLT),
		})
	}
	table.Render()

	counts := lo.CountValuesBy(records, func(r reloc.Record) arch.Kind {
		return arch.Classify(machine, r.Type())
	})
	kinds := lo.Keys(counts)
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	for _, k := range kinds {
		fmt.Fprintf(out, "%s: %d\n", k, counts[k])
	}
	return nil
}
