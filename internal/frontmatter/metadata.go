package frontmatter

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"
)

// ErrUnencodable is returned when a value has no YAML form that parses back
// to the same value.
var ErrUnencodable = errors.New("value cannot be stored in frontmatter")

// Metadata is an ordered string-keyed YAML mapping.
type Metadata struct {
	node *yaml.Node
}

// NewMetadata returns empty metadata.
func NewMetadata() *Metadata {
	return &Metadata{node: &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}}
}

// FromMap builds metadata from m in the order given by keys. Keys missing
// from m are skipped.
func FromMap(keys []string, m map[string]any) (*Metadata, error) {
	md := NewMetadata()
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if err := md.Set(k, v); err != nil {
				return nil, err
			}
		}
	}
	return md, nil
}

// Len returns the number of keys.
func (m *Metadata) Len() int {
	return len(m.node.Content) / 2
}

// Keys returns keys in document order.
func (m *Metadata) Keys() []string {
	keys := make([]string, 0, m.Len())
	for i := 0; i+1 < len(m.node.Content); i += 2 {
		keys = append(keys, m.node.Content[i].Value)
	}
	return keys
}

// Has reports whether key is present.
func (m *Metadata) Has(key string) bool {
	return m.lookup(key) != nil
}

func (m *Metadata) lookup(key string) *yaml.Node {
	for i := 0; i+1 < len(m.node.Content); i += 2 {
		if m.node.Content[i].Value == key {
			return m.node.Content[i+1]
		}
	}
	return nil
}

// Set stores value under key. An existing key keeps its position; a new key
// is appended. When value cannot be encoded the metadata is left untouched
// and the error wraps ErrUnencodable.
func (m *Metadata) Set(key string, value any) error {
	var v yaml.Node
	if err := v.Encode(value); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnencodable, key, err)
	}
	for i := 0; i+1 < len(m.node.Content); i += 2 {
		if m.node.Content[i].Value == key {
			m.node.Content[i+1] = &v
			return nil
		}
	}
	m.node.Content = append(m.node.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
		&v,
	)
	return nil
}

// Delete removes key. It reports whether the key was present.
func (m *Metadata) Delete(key string) bool {
	for i := 0; i+1 < len(m.node.Content); i += 2 {
		if m.node.Content[i].Value == key {
			m.node.Content = append(m.node.Content[:i], m.node.Content[i+2:]...)
			return true
		}
	}
	return false
}

// Get decodes the value under key into a generic Go value.
func (m *Metadata) Get(key string) (any, bool) {
	n := m.lookup(key)
	if n == nil {
		return nil, false
	}
	var v any
	if err := n.Decode(&v); err != nil {
		return nil, false
	}
	return v, true
}

// String returns the scalar under key as text.
func (m *Metadata) String(key string) (string, bool) {
	n := m.lookup(key)
	if n == nil || n.Kind != yaml.ScalarNode || n.Tag == "!!null" {
		return "", false
	}
	return n.Value, true
}

// Int64 returns the integer under key. Numeric strings are accepted.
func (m *Metadata) Int64(key string) (int64, bool) {
	n := m.lookup(key)
	if n == nil || n.Kind != yaml.ScalarNode {
		return 0, false
	}
	return scalarInt(n.Value)
}

// Int is Int64 narrowed to int.
func (m *Metadata) Int(key string) (int, bool) {
	v, ok := m.Int64(key)
	return int(v), ok
}

// StringList returns the sequence under key. Non-scalar items are skipped.
func (m *Metadata) StringList(key string) []string {
	n := m.lookup(key)
	if n == nil || n.Kind != yaml.SequenceNode {
		return nil
	}
	out := make([]string, 0, len(n.Content))
	for _, item := range n.Content {
		if item.Kind == yaml.ScalarNode {
			out = append(out, item.Value)
		}
	}
	return out
}

// StringMap returns the mapping under key with scalar values as text.
func (m *Metadata) StringMap(key string) map[string]string {
	n := m.lookup(key)
	if n == nil || n.Kind != yaml.MappingNode {
		return map[string]string{}
	}
	out := make(map[string]string, len(n.Content)/2)
	for i := 0; i+1 < len(n.Content); i += 2 {
		if v := n.Content[i+1]; v.Kind == yaml.ScalarNode && v.Tag != "!!null" {
			out[n.Content[i].Value] = v.Value
		}
	}
	return out
}

// IntMap returns the mapping under key keeping only integer values.
func (m *Metadata) IntMap(key string) map[string]int {
	n := m.lookup(key)
	if n == nil || n.Kind != yaml.MappingNode {
		return map[string]int{}
	}
	out := make(map[string]int, len(n.Content)/2)
	for i := 0; i+1 < len(n.Content); i += 2 {
		v := n.Content[i+1]
		if v.Kind != yaml.ScalarNode {
			continue
		}
		if iv, ok := scalarInt(v.Value); ok {
			out[n.Content[i].Value] = int(iv)
		}
	}
	return out
}

// Map decodes the whole header into a Go map.
func (m *Metadata) Map() map[string]any {
	out := make(map[string]any, m.Len())
	for i := 0; i+1 < len(m.node.Content); i += 2 {
		var v any
		if err := m.node.Content[i+1].Decode(&v); err == nil {
			out[m.node.Content[i].Value] = v
		}
	}
	return out
}

// Clone returns a deep copy.
func (m *Metadata) Clone() *Metadata {
	return &Metadata{node: cloneNode(m.node)}
}

func cloneNode(n *yaml.Node) *yaml.Node {
	if n == nil {
		return nil
	}
	c := *n
	if len(n.Content) > 0 {
		c.Content = make([]*yaml.Node, len(n.Content))
		for i, child := range n.Content {
			c.Content[i] = cloneNode(child)
		}
	}
	if n.Alias != nil {
		c.Alias = cloneNode(n.Alias)
	}
	return &c
}

func scalarInt(s string) (int64, bool) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// ParseMetadata decodes a YAML or JSON object into metadata, keeping the key
// order of the input. Empty input and null yield empty metadata.
func ParseMetadata(raw []byte) (*Metadata, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return NewMetadata(), nil
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) != 1 {
		return NewMetadata(), nil
	}
	root := doc.Content[0]
	switch {
	case root.Kind == yaml.ScalarNode && root.Tag == "!!null":
		return NewMetadata(), nil
	case root.Kind != yaml.MappingNode:
		return nil, fmt.Errorf("metadata must be a mapping, got %s", kindName(root.Kind))
	}
	// JSON input arrives in flow style with quoted strings; store it block
	// style like the rest of the header.
	clearStyle(root)
	return &Metadata{node: root}, nil
}

func clearStyle(n *yaml.Node) {
	n.Style &^= yaml.FlowStyle
	if n.Kind == yaml.ScalarNode && n.Tag == "!!str" && plainSafe(n.Value) {
		// the encoder re-quotes values that would otherwise resolve to
		// another type, such as "123" or "true"
		n.Style &^= yaml.DoubleQuotedStyle | yaml.SingleQuotedStyle
	}
	for _, c := range n.Content {
		clearStyle(c)
	}
}

// plainSafe reports whether s is a single line of printable text without
// surrounding space.
func plainSafe(s string) bool {
	if s == "" || strings.TrimSpace(s) != s {
		return false
	}
	for _, r := range s {
		if !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}

func kindName(k yaml.Kind) string {
	switch k {
	case yaml.SequenceNode:
		return "sequence"
	case yaml.ScalarNode:
		return "scalar"
	case yaml.AliasNode:
		return "alias"
	}
	return "document"
}
