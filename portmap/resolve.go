// Package portmap maps port service names to the Unix socket paths
// they listen on.
//
// Resolution order for a service name:
//
//  1. QUARZ_PORT_DIR, when set: <dir>/<service>.port
//  2. a [services] entry in the ports.toml overrides file
//  3. the per-user runtime directory: $XDG_RUNTIME_DIR/quarz/<service>.port
//
// The overrides file lives at <user config dir>/quarz/ports.toml unless
// QUARZ_PORTS_FILE points somewhere else:
//
//	[services]
//	display = "/run/quarz/display.port"
package portmap

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/quarzos/portkit/internal/logging"
)

const (
	// EnvPortDir overrides the directory all service sockets are
	// looked up in.
	EnvPortDir = "QUARZ_PORT_DIR"
	// EnvPortsFile overrides the location of the ports.toml file.
	EnvPortsFile = "QUARZ_PORTS_FILE"

	socketSuffix = ".port"
)

// ErrInvalidService tags rejected service names. Test with errors.Is.
var ErrInvalidService = errors.New("portmap: invalid service name")

var log = logging.Component("portmap")

type overridesFile struct {
	Services map[string]string `toml:"services"`
}

// Resolve returns the socket path for a service name. It only computes
// the path; the socket may not exist yet (see WaitForPort).
func Resolve(service string) (string, error) {
	if err := checkName(service); err != nil {
		return "", err
	}
	if dir := os.Getenv(EnvPortDir); dir != "" {
		return filepath.Join(dir, service+socketSuffix), nil
	}
	if path, ok := overrideFor(service); ok {
		return path, nil
	}
	return filepath.Join(runtimeDir(), service+socketSuffix), nil
}

func checkName(service string) error {
	if service == "" {
		return fmt.Errorf("%w: empty", ErrInvalidService)
	}
	if strings.ContainsAny(service, "/\x00") || service == "." || service == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidService, service)
	}
	return nil
}

// overrideFor consults ports.toml. A missing file is normal; a broken
// one is logged and skipped so a typo cannot take every service down.
func overrideFor(service string) (string, bool) {
	path := os.Getenv(EnvPortsFile)
	if path == "" {
		confDir, err := os.UserConfigDir()
		if err != nil {
			return "", false
		}
		path = filepath.Join(confDir, "quarz", "ports.toml")
	}
	if _, err := os.Stat(path); err != nil {
		return "", false
	}
	var raw overridesFile
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		log.Warn("ignoring unreadable overrides file %s: %v", path, err)
		return "", false
	}
	target, ok := raw.Services[service]
	if !ok || target == "" {
		return "", false
	}
	return target, true
}

func runtimeDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "quarz")
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("quarz-%d", os.Getuid()))
}
