package cliutil

import (
	"os"

	logging "gopkg.in/op/go-logging.v1"
)

// Verbosity is used as a flag to define logging verbosity; it's a re-export
// of the underlying library's level type so callers don't need to import it
// directly.
type Verbosity logging.Level

// UnmarshalFlag implements the flags.Unmarshaler interface, accepting either
// a level name (warning, info, debug...) or a numeric level.
func (v *Verbosity) UnmarshalFlag(in string) error {
	l, err := logging.LogLevel(in)
	if err != nil {
		return err
	}
	*v = Verbosity(l)
	return nil
}

// InitLogging initialises the single process-wide logging backend, writing
// formatted records to stderr at the given verbosity.
func InitLogging(verbosity Verbosity) {
	backend := logging.NewLogBackend(os.Stderr, "", 0)
	formatted := logging.NewBackendFormatter(backend, logging.MustStringFormatter(
		"%{time:15:04:05.000} %{level:-7s} %{module}: %{message}"))
	leveled := logging.AddModuleLevel(formatted)
	leveled.SetLevel(logging.Level(verbosity), "")
	logging.SetBackend(leveled)
}
