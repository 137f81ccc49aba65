package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// FileName is the configuration file at the root.
	FileName = "hostcfg.yaml"
	// StateFileName is the persisted run state at the root.
	StateFileName = ".state.yaml"
	// StateDirName holds downloaded files at the root.
	StateDirName = ".state"
	// EnvFileName is the optional environment overlay at the root.
	EnvFileName = ".env"
	appName     = "hostcfg"
)

// Paths are the files hostcfg uses below a configuration root.
type Paths struct {
	Root      string
	Config    string
	StateFile string
	StateDir  string
	EnvFile   string
}

// NewPaths derives the paths below root.
func NewPaths(root string) Paths {
	return Paths{
		Root:      root,
		Config:    filepath.Join(root, FileName),
		StateFile: filepath.Join(root, StateFileName),
		StateDir:  filepath.Join(root, StateDirName),
		EnvFile:   filepath.Join(root, EnvFileName),
	}
}

// DefaultRoot returns the configuration root used when none is given.
func DefaultRoot() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("no base directories available: %w", err)
	}
	return filepath.Join(dir, appName), nil
}
