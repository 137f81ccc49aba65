package trigger

import (
	"fmt"
	"net"
	"os"
	"strconv"
)

const (
	listenPIDEnv     = "LISTEN_PID"
	listenFDsEnv     = "LISTEN_FDS"
	listenFDNamesEnv = "LISTEN_FDNAMES"

	// systemd passes sockets starting after stdin, stdout and stderr
	firstActivatedFD = 3
)

// activatedListener returns the socket passed by systemd socket activation,
// or nil when the process was not socket activated. hostcfg serves a single
// endpoint, so more than one socket is an error.
func activatedListener() (net.Listener, error) {
	pidStr := os.Getenv(listenPIDEnv)
	if pidStr == "" {
		return nil, nil
	}

	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q: %w", listenPIDEnv, pidStr, err)
	}
	if pid != os.Getpid() {
		return nil, nil
	}

	fdsStr := os.Getenv(listenFDsEnv)
	if fdsStr == "" {
		return nil, nil
	}

	n, err := strconv.Atoi(fdsStr)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q: %w", listenFDsEnv, fdsStr, err)
	}

	switch {
	case n < 1:
		return nil, nil
	case n > 1:
		return nil, fmt.Errorf("expected one activated socket, got %d", n)
	}

	file := os.NewFile(uintptr(firstActivatedFD), "systemd-socket")
	if file == nil {
		return nil, fmt.Errorf("failed to create file for fd %d", firstActivatedFD)
	}

	listener, err := net.FileListener(file)
	// the listener holds its own duplicate of the descriptor
	_ = file.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to create listener from fd %d: %w", firstActivatedFD, err)
	}

	// children must not inherit the activation
	_ = os.Unsetenv(listenPIDEnv)
	_ = os.Unsetenv(listenFDsEnv)
	_ = os.Unsetenv(listenFDNamesEnv)

	return listener, nil
}
