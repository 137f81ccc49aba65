// Package facts detects properties of the local machine.
package facts

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"runtime"
)

const (
	// OS is the key of the operating system fact.
	OS = "os"
	// Distro is the key of the linux distribution fact.
	Distro = "distro"
)

// Facts is a set of detected key/value properties.
type Facts map[string]string

var releaseFiles = []struct {
	path   string
	distro string
}{
	{"/etc/redhat-release", "fedora"},
	{"/etc/gentoo-release", "gentoo"},
	{"/etc/debian_version", "debian"},
}

// Load detects the facts of the running machine.
func Load() (Facts, error) {
	f := Facts{OS: runtime.GOOS}

	distro, err := detectDistro("")
	if err != nil {
		return nil, err
	}
	if distro != "" {
		f[Distro] = distro
	}

	return f, nil
}

// Get returns the fact named key.
func (f Facts) Get(key string) (string, bool) {
	v, ok := f[key]
	return v, ok
}

// detectDistro checks well-known release files below root.
func detectDistro(root string) (string, error) {
	for _, rf := range releaseFiles {
		info, err := os.Stat(root + rf.path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return "", fmt.Errorf("failed to load file metadata: %s: %w", rf.path, err)
		}

		if info.Mode().IsRegular() {
			return rf.distro, nil
		}
	}

	return "", nil
}
