package cfg

import (
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type testConfig struct {
	Name  string `yaml:"name"`
	Size  int    `yaml:"size"`
	Debug bool   `yaml:"debug"`
}

func (c *testConfig) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&c.Name, "name", "default", "")
	f.IntVar(&c.Size, "size", 10, "")
	f.BoolVar(&c.Debug, "debug", false, "")
}

func TestUnmarshal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: ${CFG_TEST_NAME}\nsize: 20\n"), 0o644))
	t.Setenv("CFG_TEST_NAME", "from-env")

	testcases := []struct {
		name      string
		sources   func(fs *flag.FlagSet) []Source
		expected  testConfig
		expectErr bool
	}{
		{
			name: "defaults",
			sources: func(fs *flag.FlagSet) []Source {
				return []Source{Defaults(fs)}
			},
			expected: testConfig{Name: "default", Size: 10},
		},
		{
			name: "yaml without env expansion",
			sources: func(fs *flag.FlagSet) []Source {
				return []Source{Defaults(fs), YAML(path, false)}
			},
			expected: testConfig{Name: "${CFG_TEST_NAME}", Size: 20},
		},
		{
			name: "yaml with env expansion",
			sources: func(fs *flag.FlagSet) []Source {
				return []Source{Defaults(fs), YAML(path, true)}
			},
			expected: testConfig{Name: "from-env", Size: 20},
		},
		{
			name: "flags override yaml",
			sources: func(fs *flag.FlagSet) []Source {
				return []Source{Defaults(fs), YAML(path, true), Flags(fs, []string{"-size=30", "-debug"})}
			},
			expected: testConfig{Name: "from-env", Size: 30, Debug: true},
		},
		{
			name: "empty document",
			sources: func(fs *flag.FlagSet) []Source {
				return []Source{Defaults(fs), YAMLBytes(nil, false)}
			},
			expected: testConfig{Name: "default", Size: 10},
		},
		{
			name: "unknown field",
			sources: func(fs *flag.FlagSet) []Source {
				return []Source{Defaults(fs), YAMLBytes([]byte("colour: red\n"), false)}
			},
			expectErr: true,
		},
		{
			name: "missing file",
			sources: func(fs *flag.FlagSet) []Source {
				return []Source{Defaults(fs), YAML(filepath.Join(filepath.Dir(path), "missing.yaml"), false)}
			},
			expectErr: true,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			var c testConfig
			fs := flag.NewFlagSet("test", flag.ContinueOnError)
			err := Unmarshal(&c, tc.sources(fs)...)
			if tc.expectErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.expected, c)
		})
	}
}
