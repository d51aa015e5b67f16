// Package config loads sccached's configuration: the environment variables
// spec.md §6 names, plus an optional on-disk file for the things that are
// cache-backend/cluster policy rather than per-invocation environment state.
package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/gcfg.v1"
	logging "gopkg.in/op/go-logging.v1"
)

var log = logging.MustGetLogger("config")

// DefaultIdleTimeout is used when SCCACHE_IDLE_TIMEOUT is unset, per §6.
const DefaultIdleTimeout = 600 * time.Second

// DefaultMaxFrameLength bounds inbound framed messages when
// SCCACHE_MAX_FRAME_LENGTH is unset or invalid.
const DefaultMaxFrameLength = 100 * 1024 * 1024

// Env holds the environment-derived configuration of §6. These are read
// fresh per server start; SCCACHE_RECACHE is additionally read per-request
// from the client's forwarded environment (see server.recacheRequested).
type Env struct {
	IdleTimeout    time.Duration
	StartupNotify  string
	MaxFrameLength int
}

// FromEnviron reads the Env fields from the process environment, applying
// the defaults and "ignore invalid values with a warning" rule of §6.
func FromEnviron() Env {
	e := Env{
		IdleTimeout:    DefaultIdleTimeout,
		MaxFrameLength: DefaultMaxFrameLength,
		StartupNotify:  os.Getenv("SCCACHE_STARTUP_NOTIFY"),
	}
	if v := os.Getenv("SCCACHE_IDLE_TIMEOUT"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			e.IdleTimeout = time.Duration(secs) * time.Second
		} else {
			log.Warningf("Invalid SCCACHE_IDLE_TIMEOUT %q, using default", v)
		}
	}
	if v := os.Getenv("SCCACHE_MAX_FRAME_LENGTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			e.MaxFrameLength = n
		} else {
			log.Warningf("Invalid SCCACHE_MAX_FRAME_LENGTH %q, using default", v)
		}
	}
	return e
}

// File is the on-disk sccached configuration, read with gcfg the way the
// teacher reads .plzconfig: INI-style sections mapped onto struct fields.
type File struct {
	Cache struct {
		Dir       string // local disk cache directory
		MaxSize   string // human-readable size, e.g. "10G"
		HTTPURL   string // optional layered remote cache
	}
	Dist struct {
		SchedulerURL string
		AuthToken    string
		AuthURL      string // OAuth token endpoint, if AuthToken is empty
		ToolchainDir string
	}
	Server struct {
		Port int
	}
}

// DefaultFile returns a File populated with sensible defaults.
func DefaultFile() *File {
	f := &File{}
	f.Cache.MaxSize = "10G"
	f.Server.Port = 0 // 0 == pick any free port
	return f
}

// ReadFile reads sccached's INI-style config file, if present. A missing
// file is not an error; a malformed one is.
func ReadFile(path string) (*File, error) {
	f := DefaultFile()
	if path == "" {
		return f, nil
	}
	if err := gcfg.ReadFileInto(f, path); err != nil {
		if os.IsNotExist(err) {
			return f, nil
		}
		return f, err
	}
	return f, nil
}
