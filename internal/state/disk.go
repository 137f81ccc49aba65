package state

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Timestamp is a point in time stored as unix milliseconds.
type Timestamp struct {
	time.Time
}

// MarshalYAML implements yaml.Marshaler.
func (t Timestamp) MarshalYAML() (interface{}, error) {
	return t.UnixMilli(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (t *Timestamp) UnmarshalYAML(value *yaml.Node) error {
	var ms int64
	if err := value.Decode(&ms); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	t.Time = time.UnixMilli(ms)
	return nil
}

// Hashed is a stored hash with the time it was recorded.
type Hashed struct {
	Hash    uint64    `yaml:"hash"`
	Updated Timestamp `yaml:"updated"`
}

// DiskState is the persisted form of State.
type DiskState struct {
	LastUpdate map[string]Timestamp `yaml:"last_update,omitempty"`
	Once       map[string]Timestamp `yaml:"once,omitempty"`
	Hashes     map[string]Hashed    `yaml:"hashes,omitempty"`
}

// LoadDisk reads the state file at path. A missing file yields an empty state.
func LoadDisk(path string) (*DiskState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &DiskState{}, nil
		}
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	var d DiskState
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to parse state file: %w", err)
	}

	return &d, nil
}

// Save writes the state to path, replacing any existing file atomically.
func (d *DiskState) Save(path string) error {
	data, err := yaml.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(path), ".hostcfg-state-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}

	if err := tmpFile.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, path)
}

// Into converts the disk state into a clean in-memory State.
func (d *DiskState) Into(refresh Refresh, now time.Time) *State {
	s := New(refresh, now)

	for k, v := range d.LastUpdate {
		s.lastUpdate[k] = v.Time
	}
	for k, v := range d.Once {
		s.once[k] = v.Time
	}
	for k, v := range d.Hashes {
		s.hashes[k] = hashed{hash: v.Hash, updated: v.Updated.Time}
	}

	return s
}
