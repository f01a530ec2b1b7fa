package kv

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// YAMLFile keeps the whole document as a yaml.v3 node tree so that key order and
// comments written by operators survive a save.
type YAMLFile struct {
	path     string
	defaults []byte

	mu  sync.Mutex
	doc *yaml.Node
}

func OpenYAML(path string, defaults []byte) (*YAMLFile, error) {
	if path == "" {
		return nil, fmt.Errorf("empty config path")
	}
	f := &YAMLFile{path: path, defaults: defaults, doc: emptyDoc()}
	if err := f.Reload(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *YAMLFile) Path() string { return f.path }

func emptyDoc() *yaml.Node {
	return &yaml.Node{
		Kind:    yaml.DocumentNode,
		Content: []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}},
	}
}

func parseDoc(b []byte) (*yaml.Node, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	if doc.Kind == 0 || len(doc.Content) == 0 {
		return emptyDoc(), nil
	}
	root := doc.Content[0]
	if root.Kind == yaml.ScalarNode && root.ShortTag() == "!!null" {
		return emptyDoc(), nil
	}
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("config root must be a mapping")
	}
	return &doc, nil
}

func (f *YAMLFile) Reload() error {
	b, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		f.mu.Lock()
		f.doc = emptyDoc()
		f.mu.Unlock()
		return nil
	}
	if err != nil {
		return err
	}
	doc, err := parseDoc(b)
	if err != nil {
		return fmt.Errorf("parse %s: %w", f.path, err)
	}
	f.mu.Lock()
	f.doc = doc
	f.mu.Unlock()
	return nil
}

// LoadDefaults writes the bundled defaults when no config file exists yet.
func (f *YAMLFile) LoadDefaults() error {
	if len(f.defaults) == 0 {
		return nil
	}
	if _, err := os.Stat(f.path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if _, err := parseDoc(f.defaults); err != nil {
		return fmt.Errorf("parse defaults: %w", err)
	}
	return writeFileAtomic(f.path, f.defaults)
}

func (f *YAMLFile) Save() error {
	f.mu.Lock()
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	err := enc.Encode(f.doc)
	if err == nil {
		err = enc.Close()
	}
	f.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encode %s: %w", f.path, err)
	}
	return writeFileAtomic(f.path, buf.Bytes())
}

func (f *YAMLFile) Close() error { return nil }

func (f *YAMLFile) Lookup(path string) (Scalar, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.find(path)
	if n == nil {
		return Scalar{}, false
	}
	return scalarFromNode(n)
}

func (f *YAMLFile) Children(section string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.doc.Content[0]
	if section != "" {
		n = f.find(section)
	}
	if n == nil || n.Kind != yaml.MappingNode {
		return nil
	}
	out := make([]string, 0, len(n.Content)/2)
	for i := 0; i+1 < len(n.Content); i += 2 {
		out = append(out, n.Content[i].Value)
	}
	return out
}

func (f *YAMLFile) Put(path string, s *Scalar) error {
	parts := strings.Split(path, ".")
	for _, p := range parts {
		if p == "" {
			return fmt.Errorf("invalid path %q", path)
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	cur := f.doc.Content[0]
	last := len(parts) - 1
	for _, p := range parts[:last] {
		idx := mappingIndex(cur, p)
		if idx < 0 {
			if s == nil {
				return nil
			}
			child := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
			cur.Content = append(cur.Content, keyNode(p), child)
			cur = child
			continue
		}
		child := deref(cur.Content[idx+1])
		if child.Kind != yaml.MappingNode {
			if s == nil {
				return nil
			}
			child = &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
			cur.Content[idx+1] = child
		}
		cur = child
	}

	key := parts[last]
	idx := mappingIndex(cur, key)
	if s == nil {
		if idx >= 0 {
			cur.Content = append(cur.Content[:idx], cur.Content[idx+2:]...)
		}
		return nil
	}
	val := scalarNode(*s)
	if idx >= 0 {
		// Keep the comment attached to the old value.
		old := cur.Content[idx+1]
		val.LineComment = old.LineComment
		val.HeadComment = old.HeadComment
		cur.Content[idx+1] = val
		return nil
	}
	cur.Content = append(cur.Content, keyNode(key), val)
	return nil
}

func (f *YAMLFile) find(path string) *yaml.Node {
	cur := f.doc.Content[0]
	for _, p := range strings.Split(path, ".") {
		if cur.Kind != yaml.MappingNode {
			return nil
		}
		idx := mappingIndex(cur, p)
		if idx < 0 {
			return nil
		}
		cur = deref(cur.Content[idx+1])
	}
	return cur
}

func mappingIndex(m *yaml.Node, key string) int {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return i
		}
	}
	return -1
}

func deref(n *yaml.Node) *yaml.Node {
	for n != nil && n.Kind == yaml.AliasNode && n.Alias != nil {
		n = n.Alias
	}
	return n
}

func keyNode(k string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: k}
}

func scalarNode(s Scalar) *yaml.Node {
	n := &yaml.Node{Kind: yaml.ScalarNode, Value: s.Text}
	switch s.Kind {
	case KindBool:
		n.Tag = "!!bool"
	case KindInt:
		n.Tag = "!!int"
	case KindFloat:
		n.Tag = "!!float"
	default:
		// The encoder quotes strings that would otherwise resolve to another type.
		n.Tag = "!!str"
	}
	return n
}

func scalarFromNode(n *yaml.Node) (Scalar, bool) {
	n = deref(n)
	if n == nil || n.Kind != yaml.ScalarNode {
		return Scalar{}, false
	}
	switch n.ShortTag() {
	case "!!null":
		return Scalar{}, false
	case "!!bool":
		return Scalar{Kind: KindBool, Text: strings.ToLower(n.Value)}, true
	case "!!int":
		return Scalar{Kind: KindInt, Text: n.Value}, true
	case "!!float":
		return Scalar{Kind: KindFloat, Text: n.Value}, true
	default:
		return Scalar{Kind: KindString, Text: n.Value}, true
	}
}

// flatten returns the scalar leaves of a YAML document in document order.
func flatten(b []byte) ([]string, []Scalar, error) {
	doc, err := parseDoc(b)
	if err != nil {
		return nil, nil, err
	}
	var (
		paths []string
		vals  []Scalar
	)
	var walk func(prefix string, n *yaml.Node)
	walk = func(prefix string, n *yaml.Node) {
		n = deref(n)
		if n.Kind == yaml.MappingNode {
			for i := 0; i+1 < len(n.Content); i += 2 {
				p := n.Content[i].Value
				if prefix != "" {
					p = prefix + "." + p
				}
				walk(p, n.Content[i+1])
			}
			return
		}
		if sc, ok := scalarFromNode(n); ok && prefix != "" {
			paths = append(paths, prefix)
			vals = append(vals, sc)
		}
	}
	walk("", doc.Content[0])
	return paths, vals, nil
}

func writeFileAtomic(path string, b []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
