// Package state records what earlier runs did: update timestamps, run-once
// markers and content hashes. Units write into a private State that the
// driver merges into the shared one after each stage.
package state

import (
	"fmt"
	"time"

	"github.com/mitchellh/hashstructure/v2"
)

// Refresh holds the intervals after which recorded facts go stale.
type Refresh struct {
	Git       time.Duration
	Packages  time.Duration
	Templates time.Duration
}

type hashed struct {
	hash    uint64
	updated time.Time
}

// State is the mutable run state shared between runs.
//
// A State is not safe for concurrent use. During a stage every unit receives
// its own State which the driver merges back with Extend once the unit is done.
type State struct {
	dirty      bool
	lastUpdate map[string]time.Time
	once       map[string]time.Time
	hashes     map[string]hashed
	refresh    Refresh
	now        time.Time
}

// New creates an empty, clean state.
func New(refresh Refresh, now time.Time) *State {
	return &State{
		lastUpdate: make(map[string]time.Time),
		once:       make(map[string]time.Time),
		hashes:     make(map[string]hashed),
		refresh:    refresh,
		now:        now,
	}
}

// Dirty reports whether the state was modified since it was loaded.
func (s *State) Dirty() bool {
	return s.dirty
}

// Refresh returns the configured refresh intervals.
func (s *State) Refresh() Refresh {
	return s.refresh
}

// Touch records that name was updated now.
func (s *State) Touch(name string) {
	s.dirty = true
	s.lastUpdate[name] = s.now
}

// LastUpdate returns when name was last touched.
func (s *State) LastUpdate(name string) (time.Time, bool) {
	t, ok := s.lastUpdate[name]
	return t, ok
}

// IsTouchFresh reports whether name was touched less than within ago.
func (s *State) IsTouchFresh(name string, within time.Duration) bool {
	t, ok := s.lastUpdate[name]
	if !ok {
		return false
	}
	return s.now.Sub(t) < within
}

// TouchOnce marks id as having run.
func (s *State) TouchOnce(id string) {
	s.dirty = true
	s.once[id] = s.now
}

// HasRunOnce reports whether id has been marked by TouchOnce.
func (s *State) HasRunOnce(id string) bool {
	_, ok := s.once[id]
	return ok
}

// IsHashFresh reports whether the hash stored for id matches value and is
// younger than the package refresh interval.
func (s *State) IsHashFresh(id string, value any) (bool, error) {
	return s.IsHashFreshWithin(id, value, s.refresh.Packages)
}

// IsHashFreshWithin is IsHashFresh with an explicit freshness window.
func (s *State) IsHashFreshWithin(id string, value any, within time.Duration) (bool, error) {
	stored, ok := s.hashes[id]
	if !ok {
		return false, nil
	}

	h, err := Hash(value)
	if err != nil {
		return false, err
	}

	if stored.hash != h {
		return false, nil
	}

	return s.now.Sub(stored.updated) < within, nil
}

// TouchHash stores the hash of value for id.
func (s *State) TouchHash(id string, value any) error {
	h, err := Hash(value)
	if err != nil {
		return err
	}

	s.dirty = true
	s.hashes[id] = hashed{hash: h, updated: s.now}
	return nil
}

// Extend merges other into s. Entries from other win on conflicting keys.
// A clean other is ignored.
func (s *State) Extend(other *State) {
	if other == nil || !other.dirty {
		return
	}

	for k, v := range other.lastUpdate {
		s.lastUpdate[k] = v
	}
	for k, v := range other.once {
		s.once[k] = v
	}
	for k, v := range other.hashes {
		s.hashes[k] = v
	}

	s.dirty = true
}

// Serialize converts the state into its on-disk form. The second return value
// is false when nothing changed and no write is needed.
func (s *State) Serialize() (*DiskState, bool) {
	if !s.dirty {
		return nil, false
	}

	d := &DiskState{}

	if len(s.lastUpdate) > 0 {
		d.LastUpdate = make(map[string]Timestamp, len(s.lastUpdate))
		for k, v := range s.lastUpdate {
			d.LastUpdate[k] = Timestamp{v}
		}
	}

	if len(s.once) > 0 {
		d.Once = make(map[string]Timestamp, len(s.once))
		for k, v := range s.once {
			d.Once[k] = Timestamp{v}
		}
	}

	if len(s.hashes) > 0 {
		d.Hashes = make(map[string]Hashed, len(s.hashes))
		for k, v := range s.hashes {
			d.Hashes[k] = Hashed{Hash: v.hash, Updated: Timestamp{v.updated}}
		}
	}

	return d, true
}

// Hash computes the stable hash used for freshness checks.
func Hash(value any) (uint64, error) {
	h, err := hashstructure.Hash(value, hashstructure.FormatV2, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to hash value: %w", err)
	}
	return h, nil
}
