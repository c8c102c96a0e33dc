package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/common/version"
	"github.com/samber/lo"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/grafana/dynload/pkg/cfg"
	"github.com/grafana/dynload/pkg/loader"
	"github.com/grafana/dynload/pkg/symtab"
)

var config struct {
	verbose   bool
	file      string
	expand    bool
	overrides []string
}

var (
	consoleOutput = os.Stderr
	logger        = log.NewLogfmtLogger(consoleOutput)
)

// fileConfig is the layout of the -config.file document.
type fileConfig struct {
	Loader loader.Config `yaml:"loader"`
}

func (c *fileConfig) RegisterFlags(f *flag.FlagSet) {
	c.Loader.RegisterFlags(f)
}

func main() {
	ctx := withOutput(context.Background(), os.Stdout)

	app := kingpin.New(filepath.Base(os.Args[0]), "Inspect ELF shared objects the way the dynload loader sees them.").UsageWriter(os.Stdout)
	app.Version(version.Print("dynload"))
	app.HelpFlag.Short('h')
	app.Flag("verbose", "Enable verbose logging.").Short('v').Default("0").BoolVar(&config.verbose)
	app.Flag("config.file", "Configuration file to load.").StringVar(&config.file)
	app.Flag("config.expand-env", "Expands ${var} or $var in config according to the values of the environment variables.").Default("false").BoolVar(&config.expand)
	app.Flag("set", "Override a loader setting as name=value, e.g. --set validate=false. Repeatable.").StringsVar(&config.overrides)

	symbolsCmd := app.Command("symbols", "List the dynamic symbols of a shared object.")
	symbolsParams := addSymbolsParams(symbolsCmd)

	lookupCmd := app.Command("lookup", "Look up exported symbols through the GNU hash table.")
	lookupParams := addLookupParams(lookupCmd)

	relocsCmd := app.Command("relocs", "List the dynamic relocations of a shared object.")
	relocsFile := relocsCmd.Arg("file", "shared object path").Required().ExistingFile()

	checkCmd := app.Command("check", "Validate the symbol tables of shared objects.")
	checkFiles := checkCmd.Arg("file", "shared object path").Required().ExistingFiles()

	hashCmd := app.Command("hash", "Print the GNU and SysV hashes of symbol names.")
	hashNames := hashCmd.Arg("name", "symbol name").Required().Strings()

	parsedCmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	if !config.verbose {
		logger = level.NewFilter(logger, level.AllowInfo())
	}

	switch parsedCmd {
	case symbolsCmd.FullCommand():
		os.Exit(checkError(listSymbols(ctx, symbolsParams)))
	case lookupCmd.FullCommand():
		os.Exit(checkError(lookup(ctx, lookupParams)))
	case relocsCmd.FullCommand():
		os.Exit(checkError(listRelocations(ctx, *relocsFile)))
	case checkCmd.FullCommand():
		code := 0
		for _, file := range *checkFiles {
			if c := checkError(check(ctx, file)); c != 0 {
				code = c
			}
		}
		os.Exit(code)
	case hashCmd.FullCommand():
		os.Exit(checkError(hash(ctx, *hashNames)))
	default:
		level.Error(logger).Log("msg", "unknown command", "cmd", parsedCmd)
	}
}

var errNotFound = errors.New("symbols not found")

func checkError(err error) int {
	switch err {
	case nil:
		return 0
	case errNotFound, errInvalid:
		// Already reported in the output.
	default:
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	return 1
}

type contextKey int

const outputKey contextKey = iota

func withOutput(ctx context.Context, w io.Writer) context.Context {
	return context.WithValue(ctx, outputKey, w)
}

func output(ctx context.Context) io.Writer {
	if w, ok := ctx.Value(outputKey).(io.Writer); ok {
		return w
	}
	return os.Stdout
}

// loaderConfig reads the loader section of -config.file, then applies --set
// overrides. Inspection never applies relocations: the host process usually
// cannot satisfy them.
func loaderConfig() (loader.Config, error) {
	var c fileConfig
	fs := flag.NewFlagSet("dynload", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	args := lo.Map(config.overrides, func(o string, _ int) string {
		return "-loader." + o
	})
	if err := cfg.Unmarshal(&c,
		cfg.Defaults(fs),
		cfg.YAML(config.file, config.expand),
		cfg.Flags(fs, args),
	); err != nil {
		return loader.Config{}, err
	}
	if err := c.Loader.Validate(); err != nil {
		return loader.Config{}, err
	}
	c.Loader.BindNow = false
	return c.Loader, nil
}

func openLibrary(ctx context.Context, path string) (*loader.Library, error) {
	c, err := loaderConfig()
	if err != nil {
		return nil, err
	}
	return loader.Open(ctx, logger, path, c)
}

func hash(ctx context.Context, names []string) error {
	out := output(ctx)
	for _, name := range names {
		fmt.Fprintf(out, "%s\tgnu=%#08x\tsysv=%#08x\n", name, symtab.GNUHashName(name), symtab.ELFHash(name))
	}
	return nil
}
