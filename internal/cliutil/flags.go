// Package cliutil contains helper functions related to flag parsing,
// logging and process exit handling, shared by the sccached binary.
package cliutil

import (
	"fmt"
	"os"
	"path"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jessevdk/go-flags"
)

// ParseFlagsOrDie parses the app's flags and dies if unsuccessful, or if
// unexpected positional arguments are passed.
func ParseFlagsOrDie(appname, version string, data interface{}) *flags.Parser {
	return ParseFlagsFromArgsOrDie(appname, version, data, os.Args)
}

// ParseFlagsFromArgsOrDie is similar to ParseFlagsOrDie but allows control over the
// flags passed, which is handy for testing.
func ParseFlagsFromArgsOrDie(appname, version string, data interface{}, args []string) *flags.Parser {
	parser := flags.NewNamedParser(path.Base(args[0]), flags.HelpFlag|flags.PassDoubleDash)
	parser.AddGroup(appname+" options", "", data)
	extraArgs, err := parser.ParseArgs(args[1:])
	if err != nil {
		ferr := err.(*flags.Error)
		if ferr.Type == flags.ErrHelp {
			writeUsage(data)
			fmt.Printf("%s\n", err)
			os.Exit(0)
		}
		if ferr.Type == flags.ErrUnknownFlag && strings.Contains(ferr.Message, "`version'") {
			fmt.Printf("%s version %s\n", appname, version)
			os.Exit(0)
		}
		writeUsage(data)
		parser.WriteHelp(os.Stderr)
		fmt.Printf("\n%s\n", err)
		os.Exit(1)
	} else if len(extraArgs) > 0 {
		writeUsage(data)
		fmt.Printf("Unknown option %s\n", extraArgs)
		parser.WriteHelp(os.Stderr)
		os.Exit(1)
	}
	return parser
}

// writeUsage prints any usage specified on the flag struct, in a field
// named Usage.
func writeUsage(opts interface{}) {
	if field := reflect.ValueOf(opts).Elem().FieldByName("Usage"); field.IsValid() && field.String() != "" {
		fmt.Println(strings.TrimSpace(field.String()))
		fmt.Println("")
	}
}

// A ByteSize is used for flags or config values expressed as a human-readable
// quantity of bytes (e.g. "10G").
type ByteSize uint64

// UnmarshalFlag implements the flags.Unmarshaler interface.
func (b *ByteSize) UnmarshalFlag(in string) error {
	v, err := humanize.ParseBytes(in)
	*b = ByteSize(v)
	return flagsError(err)
}

// UnmarshalText implements the encoding.TextUnmarshaler interface.
func (b *ByteSize) UnmarshalText(text []byte) error {
	return b.UnmarshalFlag(string(text))
}

// A Duration wraps time.Duration, falling back to bare-integer-seconds
// parsing for backwards compatibility with older config formats.
type Duration time.Duration

// UnmarshalFlag implements the flags.Unmarshaler interface.
func (d *Duration) UnmarshalFlag(in string) error {
	parsed, err := time.ParseDuration(in)
	if err != nil {
		if secs, err2 := strconv.Atoi(in); err2 == nil {
			*d = Duration(time.Duration(secs) * time.Second)
			return nil
		}
	}
	*d = Duration(parsed)
	return flagsError(err)
}

// UnmarshalText implements the encoding.TextUnmarshaler interface.
func (d *Duration) UnmarshalText(text []byte) error {
	return d.UnmarshalFlag(string(text))
}

func flagsError(err error) error {
	if err == nil {
		return nil
	}
	return &flags.Error{Type: flags.ErrMarshal, Message: err.Error()}
}
