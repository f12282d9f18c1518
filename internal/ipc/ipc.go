// Package ipc resolves the per-session socket and support file paths and
// provides the listen/dial primitives for clipstash's local channels.
//
// Each session owns two Unix domain sockets in the user's runtime directory:
// the command socket every CLI invocation talks to, and a separate socket
// reserved for the server's own clipboard monitor process. Sessions never
// share sockets, so several independent servers can coexist on one machine.
package ipc

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"time"
)

const dialTimeout = 2 * time.Second

var sessionRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,32}$`)

// ValidateSession checks a session name. The empty name selects the default
// session and is always valid.
func ValidateSession(session string) error {
	if session == "" || sessionRe.MatchString(session) {
		return nil
	}
	return fmt.Errorf("invalid session name %q (letters, digits, - and _ only, at most 32)", session)
}

func baseName(session string) string {
	if session == "" {
		return "clipstash"
	}
	return "clipstash-" + session
}

func runtimeDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return dir
	}
	return os.TempDir()
}

// SocketPath returns the command socket path for a session. The
// CLIPSTASH_SOCKET environment variable overrides it, which the tests use to
// point clients at throwaway servers.
func SocketPath(session string) string {
	if s := os.Getenv("CLIPSTASH_SOCKET"); s != "" {
		return s
	}
	return filepath.Join(runtimeDir(), baseName(session)+".sock")
}

// MonitorSocketPath returns the socket path the server's clipboard monitor
// connects back on.
func MonitorSocketPath(session string) string {
	return filepath.Join(runtimeDir(), baseName(session)+"-monitor.sock")
}

// LockPath returns the lock file guarding single-server-per-session.
func LockPath(session string) string {
	return filepath.Join(runtimeDir(), baseName(session)+".lock")
}

// DataDir returns (and creates) the directory holding a session's persistent
// state, such as the history database.
func DataDir(session string) (string, error) {
	cfg, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve config dir: %w", err)
	}
	dir := filepath.Join(cfg, baseName(session))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}
	return dir, nil
}

// Listen creates a listener on path, removing any stale socket file from a
// previous crashed run first.
func Listen(path string) (net.Listener, error) {
	_ = os.Remove(path)
	return net.Listen("unix", path)
}

// Dial connects to the socket at path.
func Dial(path string) (net.Conn, error) {
	return net.DialTimeout("unix", path, dialTimeout)
}

// ServerRunning reports whether something is listening on the session's
// command socket. It does a cheap dial-and-close; no data is exchanged.
func ServerRunning(session string) bool {
	c, err := Dial(SocketPath(session))
	if err != nil {
		return false
	}
	_ = c.Close()
	return true
}
