package model

import (
	"fmt"
	"sort"
	"strings"
)

type ParamKind string

const (
	KindText     ParamKind = "text"
	KindCheckbox ParamKind = "checkbox"
	KindPassword ParamKind = "password"
)

type Visibility string

const (
	VisibilityPlain    Visibility = "plain"
	VisibilityHidden   Visibility = "hidden"
	VisibilityPassword Visibility = "password"
)

// SecretPrefix marks a password value as a reference into the secrets store.
const SecretPrefix = "credentialsJSON:"

type Param struct {
	Name        string     `json:"name"`
	Value       string     `json:"value"`
	Kind        ParamKind  `json:"kind"`
	Visibility  Visibility `json:"visibility"`
	Label       string     `json:"label,omitempty"`
	Description string     `json:"description,omitempty"`
	AllowEmpty  bool       `json:"allowEmpty"`
	Checked     string     `json:"checked,omitempty"`
	Unchecked   string     `json:"unchecked,omitempty"`
}

// Bool reports the state of a checkbox param. Text params are accepted when
// they hold "true" or "false".
func (p Param) Bool() (bool, error) {
	return p.BoolOf(p.Value)
}

// BoolOf interprets v using p's checked/unchecked values.
func (p Param) BoolOf(v string) (bool, error) {
	if p.Kind == KindCheckbox {
		switch v {
		case p.Checked:
			return true, nil
		case p.Unchecked:
			return false, nil
		}
		return false, &ParamError{Name: p.Name, Reason: fmt.Sprintf("%q is neither %q nor %q", v, p.Checked, p.Unchecked)}
	}
	switch v {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	return false, &ParamError{Name: p.Name, Reason: fmt.Sprintf("%q is not a boolean", v)}
}

func (p Param) Secret() bool {
	return p.Kind == KindPassword
}

// IsReference reports whether v points into the secrets store.
func IsReference(v string) bool {
	return strings.HasPrefix(v, SecretPrefix)
}

func (p Param) check(value string) error {
	switch p.Kind {
	case KindCheckbox:
		if _, err := p.BoolOf(value); err != nil {
			return err
		}
	case KindPassword:
		if value != "" && !IsReference(value) {
			return &ParamError{Name: p.Name, Reason: "password values must be " + SecretPrefix + " references"}
		}
	default:
		if value == "" && !p.AllowEmpty {
			return &ParamError{Name: p.Name, Reason: "value is required"}
		}
	}
	return nil
}

// Params is keyed by parameter name.
type Params map[string]Param

func (ps Params) Clone() Params {
	out := make(Params, len(ps))
	for k, v := range ps {
		out[k] = v
	}
	return out
}

// Merge returns ps with every param of over layered on top.
func (ps Params) Merge(over Params) Params {
	out := ps.Clone()
	for k, v := range over {
		out[k] = v
	}
	return out
}

func (ps Params) Names() []string {
	names := make([]string, 0, len(ps))
	for k := range ps {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Values returns name -> raw value. Password params keep their reference.
func (ps Params) Values() map[string]string {
	out := make(map[string]string, len(ps))
	for k, v := range ps {
		out[k] = v.Value
	}
	return out
}

// Override applies submitted values. Unknown names become plain text params;
// declared params are checked against their kind.
func (ps Params) Override(values map[string]string) (Params, error) {
	out := ps.Clone()
	for _, name := range sortedKeys(values) {
		v := values[name]
		p, ok := out[name]
		if !ok {
			out[name] = Param{Name: name, Value: v, Kind: KindText, Visibility: VisibilityPlain, AllowEmpty: true}
			continue
		}
		if err := p.check(v); err != nil {
			return nil, err
		}
		p.Value = v
		out[name] = p
	}
	return out, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Expand replaces %NAME% references in s with values. Unknown references are
// left untouched and "%%" is an escaped percent sign.
func Expand(s string, values map[string]string) string {
	if !strings.Contains(s, "%") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.IndexByte(s, '%')
		if i < 0 {
			b.WriteString(s)
			break
		}
		b.WriteString(s[:i])
		rest := s[i+1:]
		j := strings.IndexByte(rest, '%')
		if j < 0 {
			b.WriteString(s[i:])
			break
		}
		name := rest[:j]
		switch {
		case name == "":
			b.WriteByte('%')
		case validRefName(name):
			if v, ok := values[name]; ok {
				b.WriteString(v)
			} else {
				b.WriteString("%" + name + "%")
			}
		default:
			// not a reference; keep the first % and rescan from the second.
			b.WriteByte('%')
			s = rest
			continue
		}
		s = rest[j+1:]
	}
	return b.String()
}

// ExpandAll resolves references between values, up to a fixed depth so that
// self-referencing params terminate.
func ExpandAll(values map[string]string) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		out[k] = v
	}
	for range 8 {
		changed := false
		for k, v := range out {
			nv := Expand(v, out)
			if nv != v {
				out[k] = nv
				changed = true
			}
		}
		if !changed {
			break
		}
	}
	return out
}

func validRefName(name string) bool {
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
		default:
			return false
		}
	}
	return true
}
