package loader

import (
	"flag"
	"fmt"
)

type Config struct {
	ValidateTables  bool `yaml:"validate"`
	LookupCacheSize int  `yaml:"lookup_cache_size"`
	BindNow         bool `yaml:"bind_now"`
	AllowUnresolved bool `yaml:"allow_unresolved" category:"advanced"`
	Versioning      bool `yaml:"versioning" category:"advanced"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.BoolVar(&cfg.ValidateTables, "loader.validate", true, "Check every symbol table offset against the image bounds when a library is opened.")
	f.IntVar(&cfg.LookupCacheSize, "loader.lookup-cache-size", 1024, "Number of symbol lookups cached per library. 0 disables the cache.")
	f.BoolVar(&cfg.BindNow, "loader.bind-now", true, "Apply relocations when a library is opened.")
	f.BoolVar(&cfg.AllowUnresolved, "loader.allow-unresolved", false, "Leave relocations against unresolved symbols and unsupported relocation types unapplied instead of failing.")
	f.BoolVar(&cfg.Versioning, "loader.versioning", true, "Match GNU symbol versions during lookups.")
}

func (cfg *Config) Validate() error {
	if cfg.LookupCacheSize < 0 {
		return fmt.Errorf("invalid lookup-cache-size value %d, must not be negative", cfg.LookupCacheSize)
	}
	return nil
}

// DefaultConfig returns the flag defaults.
func DefaultConfig() Config {
	var cfg Config
	cfg.RegisterFlags(flag.NewFlagSet("", flag.PanicOnError))
	return cfg
}
