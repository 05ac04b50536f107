// Package cli contains helpers for command-line parsing and logging setup.
package cli

import (
	"fmt"
	"os"
	"path"

	"github.com/jessevdk/go-flags"
	logging "gopkg.in/op/go-logging.v1"
)

// A Verbosity is used as a flag to define logging verbosity.
type Verbosity int

// UnmarshalFlag implements flag parsing for Verbosity.
// Accepts either numeric levels (0-4) or names (error, warning, notice, info, debug).
func (v *Verbosity) UnmarshalFlag(in string) error {
	switch in {
	case "0", "error":
		*v = Verbosity(logging.ERROR)
	case "1", "warning", "warn":
		*v = Verbosity(logging.WARNING)
	case "2", "notice":
		*v = Verbosity(logging.NOTICE)
	case "3", "info":
		*v = Verbosity(logging.INFO)
	case "4", "debug":
		*v = Verbosity(logging.DEBUG)
	default:
		return fmt.Errorf("invalid verbosity %s", in)
	}
	return nil
}

// A KeyValue is a NAME=PATH flag pair, as used for --cell_root.
type KeyValue struct {
	Key, Value string
}

// UnmarshalFlag implements flag parsing for KeyValue.
func (kv *KeyValue) UnmarshalFlag(in string) error {
	k, v, found := cutString(in, '=')
	if !found {
		return fmt.Errorf("expected argument to be in the form of NAME=PATH, got %s", in)
	}
	kv.Key = k
	kv.Value = v
	return nil
}

func cutString(s string, sep byte) (string, string, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			return s[:i], s[i+1:], true
		}
	}
	return s, "", false
}

// InitLogging initialises the logging backend. Everything goes to stderr;
// stdout belongs to the response protocol.
func InitLogging(verbosity Verbosity) {
	backend := logging.NewLogBackend(os.Stderr, "", 0)
	formatted := logging.NewBackendFormatter(backend, logging.MustStringFormatter(
		"%{time:15:04:05.000} %{level:7s}: %{message}"))
	leveled := logging.AddModuleLevel(formatted)
	leveled.SetLevel(logging.Level(verbosity), "")
	logging.SetBackend(leveled)
}

// ParseFlags parses the given flags into the given struct.
func ParseFlags(appname string, data interface{}, args []string) (*flags.Parser, []string, error) {
	parser := flags.NewNamedParser(path.Base(args[0]), flags.HelpFlag|flags.PassDoubleDash)
	if _, err := parser.AddGroup(appname+" options", "", data); err != nil {
		return nil, nil, err
	}
	extraArgs, err := parser.ParseArgs(args[1:])
	if err != nil {
		if ferr, ok := err.(*flags.Error); ok && ferr.Type == flags.ErrHelp {
			fmt.Printf("%s\n", err)
			os.Exit(0)
		}
	}
	return parser, extraArgs, err
}

// ParseFlagsOrDie parses the process' command line flags, dying on any error.
// It returns any positional arguments left over.
func ParseFlagsOrDie(appname string, data interface{}) []string {
	parser, extraArgs, err := ParseFlags(appname, data, os.Args)
	if err != nil {
		parser.WriteHelp(os.Stderr)
		fmt.Fprintf(os.Stderr, "\n%s\n", err)
		os.Exit(1)
	}
	return extraArgs
}
