package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/fatih/color"
	"github.com/hashicorp/go-multierror"

	"github.com/grafana/dynload/pkg/arch"
	"github.com/grafana/dynload/pkg/dynamic"
	"github.com/grafana/dynload/pkg/image"
	"github.com/grafana/dynload/pkg/symtab"
)

var errInvalid = errors.New("invalid symbol tables")

// check validates the tables of file without going through the loader, so
// every problem is listed instead of only the first failing stage.
func check(ctx context.Context, file string) error {
	out := output(ctx)
	img, layout, err := image.Open(file)
	if err != nil {
		return err
	}
	defer img.Close()

	summary, err := dynamic.ParseImage(img, layout)
	if err != nil {
		return fmt.Errorf("%s: %w", file, err)
	}
	addrs, err := summary.SymtabAddresses()
	if err != nil {
		return fmt.Errorf("%s: %w", file, err)
	}
	l, err := arch.ForClass(img.Class())
	if err != nil {
		return err
	}

	err = symtab.Validate(img, l, addrs)
	if err == nil {
		fmt.Fprintf(out, "%s: %s\n", file, color.GreenString("ok"))
		return nil
	}
	var merr *multierror.Error
	if !errors.As(err, &merr) {
		return fmt.Errorf("%s: %w", file, err)
	}
	fmt.Fprintf(out, "%s: %s\n", file, color.RedString("%d problems", len(merr.Errors)))
	for _, e := range merr.Errors {
		fmt.Fprintf(out, "  %v\n", e)
	}
	return errInvalid
}
