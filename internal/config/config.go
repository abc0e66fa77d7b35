// Package config builds jackgod's launch configuration from the CLI
// surface: -d/-R/-r/-P/-T/-n/-t/-p/-v, plus driver-specific "key=value"
// arguments. It follows the teacher's viper+mapstructure+validator
// pattern (api/integration-api/config/config.go), adapted from an env-
// file service config to a flag-driven daemon one: pflag replaces
// AutomaticEnv as the primary source, viper still holds the merged
// defaults/flags view, and mapstructure still decodes it into a typed
// struct that go-playground/validator checks before use.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ExitCode mirrors the launcher's process exit codes so callers that
// only have an error can still pick the right one.
type ExitCode int

const (
	ExitOK ExitCode = iota
	ExitBadArgs
	ExitNameInUse
	ExitRegistryAccess
)

// Config is the fully resolved set of launch parameters.
type Config struct {
	Driver    string `mapstructure:"driver" validate:"required"`
	DriverArg map[string]string

	Realtime   bool `mapstructure:"realtime"`
	RTPriority int  `mapstructure:"rt_priority" validate:"gte=0,lte=99"`

	Temporary bool `mapstructure:"temporary"`

	ServerName string `mapstructure:"name" validate:"required,max=63"`

	ClientTimeoutMsec int `mapstructure:"client_timeout_msec" validate:"gte=0"`

	PortMax int `mapstructure:"port_max" validate:"gte=0"`

	Verbose bool `mapstructure:"verbose"`
}

// BadArgsError wraps a flag-parsing or validation failure so main can
// map it to ExitBadArgs without string-sniffing.
type BadArgsError struct{ err error }

func (e *BadArgsError) Error() string { return e.err.Error() }
func (e *BadArgsError) Unwrap() error { return e.err }

// Parse builds a Config from argv (typically os.Args[1:]), following the
// external CLI surface:
//
//	-d <driver>     mandatory, the backend name ("dummy", "mem", ...)
//	-R / -r         realtime on/off (default on)
//	-P <priority>   realtime scheduling priority
//	-T              temporary: exit once the last client disconnects
//	-n <name>       server name (default "default")
//	-t <msec>       per-client process-callback timeout
//	-p <n>          port table size
//	-v              verbose logging
//
// Anything after the driver name on the command line is treated as
// driver-specific "key=value" arguments and returned unparsed in
// DriverArg, for the chosen backend's own DecodeArgs to interpret.
func Parse(argv []string) (*Config, []string, error) {
	fs := flag.NewFlagSet("jackgod", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	driver := fs.StringP("driver", "d", "", "backend driver name (mandatory)")
	realtime := fs.BoolP("realtime", "R", true, "run with realtime scheduling")
	noRealtime := fs.BoolP("no-realtime", "r", false, "run without realtime scheduling")
	rtPriority := fs.IntP("realtime-priority", "P", 10, "realtime scheduling priority")
	temporary := fs.BoolP("temporary", "T", false, "exit when the last client disconnects")
	name := fs.StringP("name", "n", "default", "server name")
	timeoutMsec := fs.IntP("timeout", "t", 0, "client process-callback timeout in milliseconds (0: derive from period)")
	portMax := fs.IntP("port-max", "p", 0, "port table size (0: component default)")
	verbose := fs.BoolP("verbose", "v", false, "verbose logging")

	if err := fs.Parse(argv); err != nil {
		return nil, nil, &BadArgsError{fmt.Errorf("config: parse flags: %w", err)}
	}

	v := viper.New()
	v.SetDefault("driver", *driver)
	v.SetDefault("realtime", *realtime && !*noRealtime)
	v.SetDefault("rt_priority", *rtPriority)
	v.SetDefault("temporary", *temporary)
	v.SetDefault("name", *name)
	v.SetDefault("client_timeout_msec", *timeoutMsec)
	v.SetDefault("port_max", *portMax)
	v.SetDefault("verbose", *verbose)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, &BadArgsError{fmt.Errorf("config: decode: %w", err)}
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, nil, &BadArgsError{fmt.Errorf("config: %w", err)}
	}

	cfg.DriverArg = parseDriverArgs(fs.Args())
	return &cfg, fs.Args(), nil
}

// parseDriverArgs turns trailing "key=value" positional arguments into a
// map, silently dropping malformed entries (a driver's own DecodeArgs —
// e.g. internal/driver/dummy.DecodeArgs — is responsible for rejecting
// missing required keys with a precise error).
func parseDriverArgs(args []string) map[string]string {
	out := make(map[string]string, len(args))
	for _, a := range args {
		k, val, ok := strings.Cut(a, "=")
		if !ok {
			continue
		}
		out[k] = val
	}
	return out
}
