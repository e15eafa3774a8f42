package main

import (
	"bufio"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

const defaultConfigPath = "~/.remotevnc.conf"

// Config file keys. Anything else in the file is rejected.
const (
	keyGeometry  = "geometry"
	keyTimeLimit = "timelimit"
	keyCPUs      = "n_cpu"
	keyMemory    = "memory"
)

var (
	geometryPattern  = regexp.MustCompile(`^[1-9][0-9]*x[1-9][0-9]*$`)
	timeLimitPattern = regexp.MustCompile(`^([0-9]{1,2}):([0-5][0-9]):([0-5][0-9])$`)
)

// Settings is the effective configuration of one run.
type Settings struct {
	Geometry   string
	TimeLimit  string
	CPUs       int
	MemoryGB   int
	ConfigFile string
	Verbosity  int
}

func defaultSettings() Settings {
	return Settings{
		Geometry:   "1920x1080",
		TimeLimit:  "04:00:00",
		CPUs:       4,
		MemoryGB:   8,
		ConfigFile: defaultConfigPath,
	}
}

// cliOptions holds raw flag values before they are merged with the config file.
type cliOptions struct {
	configFile string
	geometry   string
	timeLimit  string
	cpus       int
	memory     int
	verbosity  int
	history    bool
	help       bool
}

func newFlagSet(opts *cliOptions) *pflag.FlagSet {
	def := defaultSettings()
	fs := pflag.NewFlagSet("remotevnc", pflag.ContinueOnError)
	fs.StringVarP(&opts.configFile, "config", "f", def.ConfigFile, "key=value config file")
	fs.StringVarP(&opts.geometry, "geometry", "g", def.Geometry, "desktop geometry WxH")
	fs.StringVarP(&opts.timeLimit, "time", "t", def.TimeLimit, "job time limit HH:MM:SS")
	fs.IntVarP(&opts.cpus, "cpus", "n", def.CPUs, "number of cores")
	fs.IntVarP(&opts.memory, "memory", "m", def.MemoryGB, "memory in GB")
	fs.CountVarP(&opts.verbosity, "verbose", "v", "increase verbosity (repeatable)")
	fs.BoolVar(&opts.history, "history", false, "list recorded sessions and exit")
	fs.BoolVarP(&opts.help, "help", "h", false, "show help")
	fs.SortFlags = false
	return fs
}

// resolveSettings merges defaults, the config file and flags that were set
// explicitly on the command line, in increasing order of precedence.
func resolveSettings(fs *pflag.FlagSet, opts *cliOptions) (Settings, error) {
	s := defaultSettings()
	s.Verbosity = opts.verbosity

	explicit := fs.Changed("config")
	path, err := homedir.Expand(opts.configFile)
	if err != nil {
		return Settings{}, withKind(ErrConfig, errors.Wrapf(err, "expand %s", opts.configFile))
	}
	s.ConfigFile = path

	values, err := readConfigFile(path, explicit)
	if err != nil {
		return Settings{}, err
	}
	if err := s.apply(values); err != nil {
		return Settings{}, withKind(ErrConfig, errors.Wrap(err, path))
	}

	overrides := map[string]string{}
	if fs.Changed("geometry") {
		overrides[keyGeometry] = opts.geometry
	}
	if fs.Changed("time") {
		overrides[keyTimeLimit] = opts.timeLimit
	}
	if fs.Changed("cpus") {
		overrides[keyCPUs] = strconv.Itoa(opts.cpus)
	}
	if fs.Changed("memory") {
		overrides[keyMemory] = strconv.Itoa(opts.memory)
	}
	if err := s.apply(overrides); err != nil {
		return Settings{}, withKind(ErrConfig, errors.Wrap(err, "command line"))
	}
	return s, nil
}

// readConfigFile returns the key/value pairs of path. A missing file is only an
// error when the user asked for it explicitly.
func readConfigFile(path string, explicit bool) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if !explicit && os.IsNotExist(err) {
			log.Debugf("no config file at %s, using defaults", path)
			return nil, nil
		}
		return nil, withKind(ErrConfig, errors.Wrapf(err, "read config %s", path))
	}
	defer f.Close()

	values, err := parseConfig(f)
	if err != nil {
		return nil, withKind(ErrConfig, errors.Wrapf(err, "parse config %s", path))
	}
	log.Debugf("read config file %s (%d keys)", path, len(values))
	return values, nil
}

// parseConfig reads key=value lines. Blank lines and # comments are skipped,
// trailing comments and quotes around values are stripped, and keys outside
// the known set are rejected.
func parseConfig(r io.Reader) (map[string]string, error) {
	values := map[string]string{}
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(stripInlineComment(scanner.Text()))
		if line == "" {
			continue
		}
		eq := strings.Index(line, "=")
		if eq < 0 {
			return nil, errors.Errorf("line %d: expected key=value", lineNo)
		}
		key := strings.TrimSpace(line[:eq])
		if !isKnownKey(key) {
			return nil, errors.Errorf("line %d: unknown key %q", lineNo, key)
		}
		values[key] = unquote(strings.TrimSpace(line[eq+1:]))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

func isKnownKey(key string) bool {
	switch key {
	case keyGeometry, keyTimeLimit, keyCPUs, keyMemory:
		return true
	}
	return false
}

func (s *Settings) apply(values map[string]string) error {
	for key, val := range values {
		switch key {
		case keyGeometry:
			if !geometryPattern.MatchString(val) {
				return errors.Errorf("invalid geometry %q, expected WxH", val)
			}
			s.Geometry = val
		case keyTimeLimit:
			if !timeLimitPattern.MatchString(val) {
				return errors.Errorf("invalid time limit %q, expected HH:MM:SS", val)
			}
			s.TimeLimit = val
		case keyCPUs:
			n, err := parsePositive(key, val)
			if err != nil {
				return err
			}
			s.CPUs = n
		case keyMemory:
			n, err := parsePositive(key, val)
			if err != nil {
				return err
			}
			s.MemoryGB = n
		default:
			return errors.Errorf("unknown key %q", key)
		}
	}
	return nil
}

func parsePositive(key, val string) (int, error) {
	n, err := strconv.Atoi(val)
	if err != nil || n <= 0 {
		return 0, errors.Errorf("invalid %s %q, expected a positive integer", key, val)
	}
	return n, nil
}

// stripInlineComment cuts line at the first # that is not inside quotes.
func stripInlineComment(line string) string {
	var inSingle, inDouble bool
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case '\'':
			if !inDouble {
				inSingle = !inSingle
			}
		case '"':
			if !inSingle {
				inDouble = !inDouble
			}
		case '#':
			if !inSingle && !inDouble {
				return line[:i]
			}
		}
	}
	return line
}

func unquote(val string) string {
	if len(val) >= 2 {
		first, last := val[0], val[len(val)-1]
		if (first == '"' || first == '\'') && first == last {
			return val[1 : len(val)-1]
		}
	}
	return val
}
