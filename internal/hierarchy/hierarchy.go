// Package hierarchy loads layered configuration data.
//
// The hierarchy is an ordered list of YAML mappings. Lookups walk the layers
// in order, so earlier layers take precedence for single values while array
// lookups concatenate all layers.
package hierarchy

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/schaermu/hostcfg/internal/template"
	"gopkg.in/yaml.v3"
)

// Header marks the line of a file template that selects hierarchy data.
const Header = "hostcfg:"

// specLines is the number of leading lines searched for the Header.
const specLines = 5

// Data is a loaded hierarchy.
type Data struct {
	// LastModified is the newest modification time among the loaded files.
	LastModified time.Time
	layers       []*yaml.Node
	env          template.Environment
}

// New creates hierarchy data from already parsed mapping nodes.
func New(lastModified time.Time, env template.Environment, layers ...*yaml.Node) *Data {
	if env == nil {
		env = template.OSEnv{}
	}
	return &Data{LastModified: lastModified, layers: layers, env: env}
}

// Parse creates hierarchy data from YAML documents, mainly for tests.
func Parse(env template.Environment, docs ...string) (*Data, error) {
	layers := make([]*yaml.Node, 0, len(docs))
	for i, doc := range docs {
		m, err := parseMapping([]byte(doc))
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		if m != nil {
			layers = append(layers, m)
		}
	}
	return New(time.Time{}, env, layers...), nil
}

// Load reads every file named by the hierarchy templates below root.
// Templates that do not render and files that do not exist are skipped.
func Load(hierarchy []template.Template, root string, vars template.Vars, env template.Environment, logger *slog.Logger) (*Data, error) {
	var (
		layers       []*yaml.Node
		lastModified time.Time
	)

	for _, h := range hierarchy {
		rel, ok, err := h.AsRelativePath(vars, env)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		path := filepath.Join(root, filepath.FromSlash(rel))

		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				logger.Debug("skipping missing hierarchy file", "path", path)
				continue
			}
			return nil, err
		}

		if info.ModTime().After(lastModified) {
			lastModified = info.ModTime()
		}

		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load: %s: %w", path, err)
		}

		m, err := parseMapping(content)
		if err != nil {
			return nil, fmt.Errorf("failed to load: %s: %w", path, err)
		}
		if m != nil {
			layers = append(layers, m)
		}
	}

	return New(lastModified, env, layers...), nil
}

func parseMapping(content []byte) (*yaml.Node, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, err
	}

	// empty document
	if len(doc.Content) == 0 {
		return nil, nil
	}

	m := resolve(doc.Content[0])
	if m.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("exists, but is not a mapping")
	}

	return m, nil
}

func resolve(n *yaml.Node) *yaml.Node {
	for n != nil && n.Kind == yaml.AliasNode {
		n = n.Alias
	}
	return n
}

func get(m *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return resolve(m.Content[i+1])
		}
	}
	return nil
}

// lookup calls found for the value of the dotted key in every layer that
// has it.
func (d *Data) lookup(key string, found func(*yaml.Node) error) error {
	steps := strings.Split(key, ".")

	for _, layer := range d.layers {
		current := layer

		for _, step := range steps[:len(steps)-1] {
			next := get(current, step)
			if next == nil || next.Kind != yaml.MappingNode {
				current = nil
				break
			}
			current = next
		}

		if current == nil {
			continue
		}

		if v := get(current, steps[len(steps)-1]); v != nil {
			if err := found(v); err != nil {
				return fmt.Errorf("key `%s`: %w", key, err)
			}
		}
	}

	return nil
}

// LoadFirst decodes the first value found for key.
func LoadFirst[T any](d *Data, key string) (T, bool, error) {
	var (
		out    T
		loaded bool
	)

	err := d.lookup(key, func(n *yaml.Node) error {
		if loaded {
			return nil
		}
		loaded = true
		return n.Decode(&out)
	})

	return out, loaded, err
}

// LoadFirstOrDefault is LoadFirst returning the zero value when key is absent.
func LoadFirstOrDefault[T any](d *Data, key string) (T, error) {
	v, _, err := LoadFirst[T](d, key)
	return v, err
}

// LoadArray decodes the values of key from every layer into one flat list.
// Sequences contribute their elements and scalars contribute themselves.
func LoadArray[T any](d *Data, key string) ([]T, error) {
	var all []T

	err := d.lookup(key, func(n *yaml.Node) error {
		if n.Kind == yaml.SequenceNode {
			for _, item := range n.Content {
				var v T
				if err := resolve(item).Decode(&v); err != nil {
					return err
				}
				all = append(all, v)
			}
			return nil
		}

		var v T
		if err := n.Decode(&v); err != nil {
			return err
		}
		all = append(all, v)
		return nil
	})

	return all, err
}

// LoadFromSpec builds the data for a file template from its header line,
// which is searched for in the first lines of content:
//
//	# hostcfg: name, packages:array, HOME:env, git.email
//
// A plain key loads the first value, key:array loads all values and KEY:env
// reads an environment variable. Dotted keys are nested in the result.
func (d *Data) LoadFromSpec(content string) (map[string]any, error) {
	out := make(map[string]any)

	lines := strings.SplitN(content, "\n", specLines+1)
	if len(lines) > specLines {
		lines = lines[:specLines]
	}

	for _, line := range lines {
		index := strings.Index(line, Header)
		if index < 0 {
			continue
		}

		spec := strings.TrimSpace(line[index+len(Header):])

		for _, p := range strings.Split(spec, ",") {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}

			key, kind, _ := strings.Cut(p, ":")

			var value any

			switch kind {
			case "":
				v, ok, err := LoadFirst[any](d, key)
				if err != nil {
					return nil, err
				}
				if !ok {
					return nil, fmt.Errorf("missing key `%s` in hierarchy", key)
				}
				value = v
			case "array":
				v, err := LoadArray[any](d, key)
				if err != nil {
					return nil, err
				}
				if v == nil {
					v = []any{}
				}
				value = v
			case "env":
				v, ok := d.env.Lookup(key)
				if !ok {
					return nil, fmt.Errorf("failed to load environment variable `%s`", key)
				}
				value = v
			default:
				return nil, fmt.Errorf("bad part in header `%s`: bad type `%s`", p, kind)
			}

			if err := insert(out, key, value); err != nil {
				return nil, err
			}
		}

		break
	}

	return out, nil
}

func insert(m map[string]any, key string, value any) error {
	steps := strings.Split(key, ".")
	current := m

	for _, step := range steps[:len(steps)-1] {
		next, ok := current[step]
		if !ok {
			nm := make(map[string]any)
			current[step] = nm
			current = nm
			continue
		}

		nm, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("expected mapping as defined by key `%s` but found %v", key, next)
		}
		current = nm
	}

	current[steps[len(steps)-1]] = value
	return nil
}
