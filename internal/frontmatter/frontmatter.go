// Package frontmatter reads and writes Markdown documents that carry a YAML
// metadata header delimited by "---" lines.
//
// Parsing never fails: text without a well-formed header is returned as body
// with empty metadata. Metadata keeps the key order it was read with so a
// read-modify-write cycle only touches the keys it changes.
package frontmatter

import (
	"bytes"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

const delimiter = "---"

// Document is a parsed README: an ordered metadata header and a free-form body.
type Document struct {
	Metadata *Metadata
	Body     string
}

// Parse splits raw into metadata and body.
func Parse(raw []byte) *Document {
	text := string(raw)
	header, body, ok := split(text)
	if !ok {
		return &Document{Metadata: NewMetadata(), Body: text}
	}
	meta, ok := decode(header)
	if !ok {
		return &Document{Metadata: NewMetadata(), Body: text}
	}
	return &Document{Metadata: meta, Body: body}
}

// Bytes serializes the document.
func (d *Document) Bytes() ([]byte, error) {
	return Serialize(d.Body, d.Metadata)
}

// Serialize renders body and meta as a frontmatter document. The result
// parses back to the same keys, values and body; a header that would not
// parse back is an error wrapping ErrUnencodable.
func Serialize(body string, meta *Metadata) ([]byte, error) {
	var header bytes.Buffer
	if meta != nil && len(meta.node.Content) > 0 {
		enc := yaml.NewEncoder(&header)
		enc.SetIndent(2)
		if err := enc.Encode(meta.node); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnencodable, err)
		}
		if err := enc.Close(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnencodable, err)
		}
		var check yaml.Node
		if err := yaml.Unmarshal(header.Bytes(), &check); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnencodable, err)
		}
	}

	var buf bytes.Buffer
	buf.Grow(header.Len() + len(body) + 2*len(delimiter) + 2)
	buf.WriteString(delimiter)
	buf.WriteByte('\n')
	buf.Write(header.Bytes())
	buf.WriteString(delimiter)
	buf.WriteByte('\n')
	buf.WriteString(body)
	return buf.Bytes(), nil
}

// split locates the header between the opening and closing delimiter lines.
func split(text string) (header, body string, ok bool) {
	var rest string
	switch {
	case strings.HasPrefix(text, delimiter+"\r\n"):
		rest = text[len(delimiter)+2:]
	case strings.HasPrefix(text, delimiter+"\n"):
		rest = text[len(delimiter)+1:]
	default:
		return "", "", false
	}

	offset := 0
	for {
		line, next, found := strings.Cut(rest[offset:], "\n")
		if strings.TrimRight(line, "\r") == delimiter {
			header = rest[:offset]
			if found {
				return header, next, true
			}
			return header, "", true
		}
		if !found {
			return "", "", false
		}
		offset += len(line) + 1
	}
}

func decode(header string) (*Metadata, bool) {
	if strings.TrimSpace(header) == "" {
		return NewMetadata(), true
	}
	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(header), &doc); err != nil {
		return nil, false
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) != 1 {
		return NewMetadata(), true
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, false
	}
	return &Metadata{node: root}, true
}
