package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "remotevnc.conf")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func resolveArgs(t *testing.T, args ...string) (Settings, error) {
	t.Helper()
	var opts cliOptions
	fs := newFlagSet(&opts)
	require.NoError(t, fs.Parse(args))
	if !fs.Changed("config") {
		opts.configFile = filepath.Join(t.TempDir(), "absent.conf")
	}
	return resolveSettings(fs, &opts)
}

func TestParseConfig(t *testing.T) {
	input := `
# desktop defaults
geometry = "1280x1024"   # laptop screen

timelimit='08:00:00'
  # indented comment
n_cpu=12 # more cores
memory=32
`
	values, err := parseConfig(strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"geometry":  "1280x1024",
		"timelimit": "08:00:00",
		"n_cpu":     "12",
		"memory":    "32",
	}, values)
}

func TestParseConfigOnlyOverridesPresentKeys(t *testing.T) {
	values, err := parseConfig(strings.NewReader("memory=16\n"))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"memory": "16"}, values)
}

func TestParseConfigRejectsUnknownKey(t *testing.T) {
	_, err := parseConfig(strings.NewReader("geometry=800x600\npartition=gpu\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `line 2: unknown key "partition"`)
}

func TestParseConfigRejectsLineWithoutEquals(t *testing.T) {
	_, err := parseConfig(strings.NewReader("geometry\n"))
	require.Error(t, err)
}

func TestResolveSettingsDefaults(t *testing.T) {
	s, err := resolveArgs(t)
	require.NoError(t, err)
	def := defaultSettings()
	assert.Equal(t, def.Geometry, s.Geometry)
	assert.Equal(t, def.TimeLimit, s.TimeLimit)
	assert.Equal(t, def.CPUs, s.CPUs)
	assert.Equal(t, def.MemoryGB, s.MemoryGB)
}

func TestResolveSettingsFromFile(t *testing.T) {
	path := writeConfig(t, "geometry=1600x900\ntimelimit=01:30:00\nn_cpu=2\nmemory=4\n")
	s, err := resolveArgs(t, "-f", path)
	require.NoError(t, err)
	assert.Equal(t, Settings{
		Geometry:   "1600x900",
		TimeLimit:  "01:30:00",
		CPUs:       2,
		MemoryGB:   4,
		ConfigFile: path,
	}, s)
}

func TestResolveSettingsFlagsOverrideFile(t *testing.T) {
	path := writeConfig(t, "geometry=1600x900\ntimelimit=01:30:00\nn_cpu=2\nmemory=4\n")
	fromFile := Settings{Geometry: "1600x900", TimeLimit: "01:30:00", CPUs: 2, MemoryGB: 4, ConfigFile: path}

	tests := map[string]struct {
		args []string
		want func(s *Settings)
	}{
		"geometry": {
			args: []string{"-g", "800x600"},
			want: func(s *Settings) { s.Geometry = "800x600" },
		},
		"time": {
			args: []string{"-t", "12:00:00"},
			want: func(s *Settings) { s.TimeLimit = "12:00:00" },
		},
		"cpus": {
			args: []string{"-n", "16"},
			want: func(s *Settings) { s.CPUs = 16 },
		},
		"memory": {
			args: []string{"-m", "64"},
			want: func(s *Settings) { s.MemoryGB = 64 },
		},
		"long flags": {
			args: []string{"--geometry=1024x768", "--memory=2"},
			want: func(s *Settings) { s.Geometry = "1024x768"; s.MemoryGB = 2 },
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			s, err := resolveArgs(t, append([]string{"-f", path}, tc.args...)...)
			require.NoError(t, err)
			want := fromFile
			tc.want(&want)
			assert.Equal(t, want, s)
		})
	}
}

func TestResolveSettingsFlagEqualToDefaultStillWins(t *testing.T) {
	path := writeConfig(t, "n_cpu=2\n")
	s, err := resolveArgs(t, "-f", path, "-n", "4")
	require.NoError(t, err)
	assert.Equal(t, 4, s.CPUs)
}

func TestResolveSettingsVerbosity(t *testing.T) {
	s, err := resolveArgs(t, "-vv", "-v")
	require.NoError(t, err)
	assert.Equal(t, 3, s.Verbosity)
}

func TestResolveSettingsMissingExplicitFile(t *testing.T) {
	_, err := resolveArgs(t, "-f", filepath.Join(t.TempDir(), "nope.conf"))
	assert.ErrorIs(t, err, ErrConfig)
}

func TestResolveSettingsInvalid(t *testing.T) {
	tests := map[string]struct {
		config string
		args   []string
	}{
		"unknown key":       {config: "colour=blue\n"},
		"bad geometry":      {config: "geometry=wide\n"},
		"bad time limit":    {config: "timelimit=2h\n"},
		"minutes overflow":  {config: "timelimit=01:75:00\n"},
		"three digit hours": {config: "timelimit=100:00:00\n"},
		"zero cpus":         {config: "n_cpu=0\n"},
		"negative memory":   {config: "memory=-1\n"},
		"non numeric":       {config: "memory=lots\n"},
		"bad flag geometry": {config: "", args: []string{"-g", "1024"}},
		"bad flag cpus":     {config: "", args: []string{"-n", "0"}},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			path := writeConfig(t, tc.config)
			_, err := resolveArgs(t, append([]string{"-f", path}, tc.args...)...)
			assert.ErrorIs(t, err, ErrConfig)
		})
	}
}

func TestStripInlineCommentKeepsQuotedHash(t *testing.T) {
	assert.Equal(t, `geometry="80#0x600" `, stripInlineComment(`geometry="80#0x600" # note`))
}
