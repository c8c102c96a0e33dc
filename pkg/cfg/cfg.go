// Package cfg fills configuration structs from flag defaults, YAML files and
// command line flags, applied in that order.
package cfg

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/drone/envsubst"
	"gopkg.in/yaml.v3"
)

// Registerer is implemented by configs that declare their flags.
type Registerer interface {
	RegisterFlags(f *flag.FlagSet)
}

// Source fills dst.
type Source func(dst Registerer) error

// Unmarshal applies sources to dst in order.
func Unmarshal(dst Registerer, sources ...Source) error {
	for _, source := range sources {
		if err := source(dst); err != nil {
			return err
		}
	}
	return nil
}

// Defaults registers the flags of dst on fs, which stores their defaults.
func Defaults(fs *flag.FlagSet) Source {
	return func(dst Registerer) error {
		dst.RegisterFlags(fs)
		return nil
	}
}

// YAML decodes the file at path into dst. Fields missing from the file keep
// their current values and unknown fields are rejected. With expandEnv set,
// ${VAR} references are replaced from the environment first.
func YAML(path string, expandEnv bool) Source {
	return func(dst Registerer) error {
		if path == "" {
			return nil
		}
		buf, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read config file %s: %w", path, err)
		}
		return decode(buf, expandEnv, dst)
	}
}

// YAMLBytes is YAML over an in-memory document.
func YAMLBytes(buf []byte, expandEnv bool) Source {
	return func(dst Registerer) error {
		return decode(buf, expandEnv, dst)
	}
}

func decode(buf []byte, expandEnv bool, dst Registerer) error {
	if expandEnv {
		s, err := envsubst.EvalEnv(string(buf))
		if err != nil {
			return fmt.Errorf("expand environment: %w", err)
		}
		buf = []byte(s)
	}
	dec := yaml.NewDecoder(bytes.NewReader(buf))
	dec.KnownFields(true)
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// Flags parses args into fs. Only flags present in args override values set
// by earlier sources; fs must be the set passed to Defaults.
func Flags(fs *flag.FlagSet, args []string) Source {
	return func(Registerer) error {
		return fs.Parse(args)
	}
}
