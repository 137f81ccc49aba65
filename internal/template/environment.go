package template

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
)

// Environment supplies values for $NAME placeholders.
type Environment interface {
	Lookup(key string) (string, bool)
}

// OSEnv reads the process environment.
type OSEnv struct{}

// Lookup implements Environment.
func (OSEnv) Lookup(key string) (string, bool) {
	return os.LookupEnv(key)
}

// MapEnv is a fixed environment.
type MapEnv map[string]string

// Lookup implements Environment.
func (m MapEnv) Lookup(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

// Overlay consults Primary first and falls back to Fallback.
type Overlay struct {
	Primary  Environment
	Fallback Environment
}

// Lookup implements Environment.
func (o Overlay) Lookup(key string) (string, bool) {
	if v, ok := o.Primary.Lookup(key); ok {
		return v, true
	}
	return o.Fallback.Lookup(key)
}

// LoadEnvironment returns the process environment extended with the
// variables of the dotenv file at path. Process variables take precedence.
// A missing file yields the process environment alone.
func LoadEnvironment(path string) (Environment, error) {
	values, err := godotenv.Read(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return OSEnv{}, nil
		}
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}

	return Overlay{Primary: OSEnv{}, Fallback: MapEnv(values)}, nil
}
