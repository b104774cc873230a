// Package serde implements the compact, indent-based textual form used to
// carry structured values in LLM prompts and inter-agent call envelopes. It
// is never used for persistent storage.
package serde

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/harborfield/agentengine/pkg/engineerr"
	"gopkg.in/yaml.v3"
)

// Map is an insertion-ordered string-keyed mapping. Key order is preserved
// across Encode so that prompts built from the same inputs are
// byte-for-byte deterministic.
type Map struct {
	keys []string
	vals map[string]any
}

// NewMap returns an empty ordered map.
func NewMap() *Map {
	return &Map{vals: map[string]any{}}
}

// Set inserts or overwrites key, preserving first-seen order, and returns m
// for chaining.
func (m *Map) Set(key string, v any) *Map {
	if _, exists := m.vals[key]; !exists {
		m.keys = append(m.keys, key)
	}
	m.vals[key] = v
	return m
}

// Get returns the value stored under key.
func (m *Map) Get(key string) (any, bool) {
	v, ok := m.vals[key]
	return v, ok
}

// Keys returns the keys in insertion order.
func (m *Map) Keys() []string {
	return append([]string(nil), m.keys...)
}

// Len reports the number of entries.
func (m *Map) Len() int { return len(m.keys) }

// Seq is an ordered sequence of values.
type Seq struct {
	Items []any
}

// NewSeq returns a sequence containing items in order.
func NewSeq(items ...any) *Seq {
	return &Seq{Items: append([]any(nil), items...)}
}

// Encode renders v in the compact textual form. Supported leaf types are
// nil, bool, int64 (any Go integer is accepted and normalised to int64),
// float64, string, *Map and *Seq. Cyclical *Map/*Seq graphs are rejected.
func Encode(v any) (string, error) {
	seen := map[any]bool{}
	suffix, extra, err := renderValue(normalize(v), seen)
	if err != nil {
		return "", err
	}
	if suffix != "" {
		return strings.TrimPrefix(suffix, " "), nil
	}
	return strings.Join(extra, "\n"), nil
}

// Decode parses the compact textual form back into nil / bool / int64 /
// float64 / string / *Map / *Seq, using a YAML block-style reader (the
// compact form is a constrained subset of YAML's block style).
func Decode(text string) (any, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(text), &doc); err != nil {
		return nil, engineerr.Wrap(engineerr.BadResponse, "decode compact form", err)
	}
	if len(doc.Content) == 0 {
		return nil, nil
	}
	return nodeToValue(doc.Content[0])
}

func nodeToValue(n *yaml.Node) (any, error) {
	switch n.Kind {
	case yaml.MappingNode:
		m := NewMap()
		for i := 0; i+1 < len(n.Content); i += 2 {
			val, err := nodeToValue(n.Content[i+1])
			if err != nil {
				return nil, err
			}
			m.Set(n.Content[i].Value, val)
		}
		return m, nil
	case yaml.SequenceNode:
		s := NewSeq()
		for _, c := range n.Content {
			val, err := nodeToValue(c)
			if err != nil {
				return nil, err
			}
			s.Items = append(s.Items, val)
		}
		return s, nil
	case yaml.ScalarNode:
		var raw any
		if err := n.Decode(&raw); err != nil {
			return nil, engineerr.Wrap(engineerr.BadResponse, "decode scalar", err)
		}
		return normalize(raw), nil
	case yaml.AliasNode:
		return nil, engineerr.New(engineerr.CycleDetected, "compact form contains an alias/cycle")
	default:
		return nil, nil
	}
}

func normalize(v any) any {
	switch t := v.(type) {
	case int:
		return int64(t)
	case int8:
		return int64(t)
	case int16:
		return int64(t)
	case int32:
		return int64(t)
	case uint:
		return int64(t)
	case uint8:
		return int64(t)
	case uint16:
		return int64(t)
	case uint32:
		return int64(t)
	case uint64:
		return int64(t)
	default:
		return t
	}
}

// renderValue returns either an inline suffix to append directly after
// "key:" or "-" (starting with a space, e.g. " 42"), or a set of
// self-contained extra lines to place on subsequent, more-indented lines.
// Exactly one of the two is non-empty.
func renderValue(v any, seen map[any]bool) (suffix string, extra []string, err error) {
	switch t := normalize(v).(type) {
	case nil:
		return " null", nil, nil
	case bool:
		if t {
			return " true", nil, nil
		}
		return " false", nil, nil
	case int64:
		return " " + strconv.FormatInt(t, 10), nil, nil
	case float64:
		return " " + strconv.FormatFloat(t, 'g', -1, 64), nil, nil
	case string:
		if strings.Contains(t, "\n") {
			lines := strings.Split(t, "\n")
			block := make([]string, 0, len(lines)+1)
			block = append(block, "|")
			for _, l := range lines {
				block = append(block, l)
			}
			return "", block, nil
		}
		return " " + scalarString(t), nil, nil
	case *Map:
		if seen[t] {
			return "", nil, engineerr.New(engineerr.CycleDetected, "serde: cyclical map")
		}
		seen[t] = true
		defer delete(seen, t)
		if t.Len() == 0 {
			return " {}", nil, nil
		}
		lines := make([]string, 0, t.Len())
		for _, key := range t.keys {
			childSuffix, childExtra, err := renderValue(t.vals[key], seen)
			if err != nil {
				return "", nil, err
			}
			lines = append(lines, key+":"+childSuffix)
			for _, l := range childExtra {
				lines = append(lines, "  "+l)
			}
		}
		return "", lines, nil
	case *Seq:
		if seen[t] {
			return "", nil, engineerr.New(engineerr.CycleDetected, "serde: cyclical sequence")
		}
		seen[t] = true
		defer delete(seen, t)
		if len(t.Items) == 0 {
			return " []", nil, nil
		}
		lines := make([]string, 0, len(t.Items))
		for _, item := range t.Items {
			childSuffix, childExtra, err := renderValue(item, seen)
			if err != nil {
				return "", nil, err
			}
			if childSuffix != "" {
				lines = append(lines, "-"+childSuffix)
				continue
			}
			if len(childExtra) == 0 {
				lines = append(lines, "-")
				continue
			}
			lines = append(lines, "- "+childExtra[0])
			for _, l := range childExtra[1:] {
				lines = append(lines, "  "+l)
			}
		}
		return "", lines, nil
	default:
		return "", nil, engineerr.New(engineerr.Internal, fmt.Sprintf("serde: unsupported type %T", v))
	}
}

// scalarString quotes s if it would otherwise be ambiguous with a YAML-ish
// structural token or another scalar type.
func scalarString(s string) string {
	if s == "" || needsQuoting(s) {
		return strconv.Quote(s)
	}
	return s
}

func needsQuoting(s string) bool {
	switch s {
	case "null", "true", "false", "~":
		return true
	}
	if strings.ContainsAny(s, ":#") || strings.HasPrefix(s, "- ") || strings.HasPrefix(s, "  ") {
		return true
	}
	if _, err := strconv.ParseFloat(s, 64); err == nil {
		return true
	}
	return strings.TrimSpace(s) != s
}
