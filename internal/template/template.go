// Package template implements path templates and file template rendering.
//
// A path template is a string such as "home://.config/{distro}/$USER.yaml".
// An optional protocol prefix selects the base directory, {name} is replaced
// with a fact and $NAME with an environment variable. When any variable is
// missing the template renders to nothing and callers skip the entry.
package template

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"
	texttemplate "text/template"

	"gopkg.in/yaml.v3"
)

// Vars supplies values for {name} placeholders.
type Vars interface {
	Get(key string) (string, bool)
}

type partKind int

const (
	partStatic partKind = iota
	partVariable
	partEnviron
)

type part struct {
	kind  partKind
	value string
}

// Template is a parsed path template.
type Template struct {
	protocol string
	parts    []part
}

// Parse parses a path template.
func Parse(input string) (Template, error) {
	var t Template

	if i := strings.Index(input, "://"); i >= 0 {
		t.protocol = input[:i]
		input = input[i+3:]
	}

	var static strings.Builder
	flush := func() {
		if static.Len() > 0 {
			t.parts = append(t.parts, part{kind: partStatic, value: static.String()})
			static.Reset()
		}
	}

	for i := 0; i < len(input); {
		c := input[i]

		switch {
		case c == '{':
			end := strings.IndexByte(input[i+1:], '}')
			if end < 0 {
				return Template{}, fmt.Errorf("missing closing '}' in %q", input)
			}
			flush()
			t.parts = append(t.parts, part{kind: partVariable, value: input[i+1 : i+1+end]})
			i += end + 2
		case c == '$' && i+1 < len(input) && isEnvChar(input[i+1]):
			j := i + 1
			for j < len(input) && isEnvChar(input[j]) {
				j++
			}
			flush()
			t.parts = append(t.parts, part{kind: partEnviron, value: input[i+1 : j]})
			i = j
		default:
			static.WriteByte(c)
			i++
		}
	}

	flush()
	return t, nil
}

// MustParse is like Parse but panics on error.
func MustParse(input string) Template {
	t, err := Parse(input)
	if err != nil {
		panic(err)
	}
	return t
}

func isEnvChar(c byte) bool {
	return c == '_' || (c >= 'A' && c <= 'Z')
}

// IsZero reports whether the template is empty.
func (t Template) IsZero() bool {
	return t.protocol == "" && len(t.parts) == 0
}

func (t Template) String() string {
	var b strings.Builder
	if t.protocol != "" {
		b.WriteString(t.protocol)
		b.WriteString("://")
	}
	for _, p := range t.parts {
		switch p.kind {
		case partStatic:
			b.WriteString(p.value)
		case partVariable:
			b.WriteString("{" + p.value + "}")
		case partEnviron:
			b.WriteString("$" + p.value)
		}
	}
	return b.String()
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (t *Template) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}

	parsed, err := Parse(s)
	if err != nil {
		return err
	}

	*t = parsed
	return nil
}

// AsString renders the template ignoring any protocol.
func (t Template) AsString(vars Vars, env Environment) (string, bool, error) {
	return t.render(vars, env)
}

// AsRelativePath renders the template as a path relative to the
// configuration root. Protocols are rejected.
func (t Template) AsRelativePath(vars Vars, env Environment) (string, bool, error) {
	if t.protocol != "" {
		return "", false, fmt.Errorf("relative paths do not support protocols: %s", t)
	}
	return t.render(vars, env)
}

// AsPath renders the template to an absolute path. Relative values resolve
// against root, or against home when the home:// protocol is used.
func (t Template) AsPath(root, home string, vars Vars, env Environment) (string, bool, error) {
	base := root

	switch t.protocol {
	case "":
	case "home":
		if home == "" {
			return "", false, fmt.Errorf("home directory is required for %s", t)
		}
		base = home
	default:
		return "", false, fmt.Errorf("unsupported protocol `%s`", t.protocol)
	}

	value, ok, err := t.render(vars, env)
	if err != nil || !ok {
		return "", ok, err
	}

	if filepath.IsAbs(value) {
		return filepath.Clean(value), true, nil
	}

	return filepath.Join(base, filepath.FromSlash(value)), true, nil
}

func (t Template) render(vars Vars, env Environment) (string, bool, error) {
	var b strings.Builder

	for _, p := range t.parts {
		switch p.kind {
		case partStatic:
			b.WriteString(p.value)
		case partVariable:
			v, ok := vars.Get(p.value)
			if !ok {
				return "", false, nil
			}
			b.WriteString(v)
		case partEnviron:
			v, ok := env.Lookup(p.value)
			if !ok {
				return "", false, nil
			}
			b.WriteString(v)
		}
	}

	return b.String(), true, nil
}

// Render renders the contents of a file template with data.
func Render(name, content string, data any) ([]byte, error) {
	tpl, err := texttemplate.New(name).Option("missingkey=error").Parse(content)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template %s: %w", name, err)
	}

	var buf bytes.Buffer
	if err := tpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("failed to render template %s: %w", name, err)
	}

	return buf.Bytes(), nil
}
