// ABOUTME: Declarative views described by JSON paths in a YAML file
// ABOUTME: Paths are evaluated with gjson against the document's JSON form

package view

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"

	"github.com/nainya/viewstore/pkg/collate"
	"github.com/nainya/viewstore/pkg/document"
)

// Path tokens understood besides plain gjson paths
const (
	pathID   = "@id"
	pathItem = "@item"
	// literalPrefix marks a JSON literal, e.g. "=1"
	literalPrefix = "="
)

// PathSpec describes a view without code. For every document of Class (all
// documents when empty) it emits one row, or one row per element of the
// ForEach array. Key and Value are gjson paths; "@id" is the document id and
// "@item" (optionally followed by ".path") the current ForEach element.
// Rows whose key paths do not resolve are not emitted.
type PathSpec struct {
	Name    string   `yaml:"name"`
	Class   string   `yaml:"class,omitempty"`
	ForEach string   `yaml:"for_each,omitempty"`
	Key     []string `yaml:"key"`
	Value   string   `yaml:"value,omitempty"`
	Reduce  string   `yaml:"reduce,omitempty"`
}

type pathFile struct {
	Views []PathSpec `yaml:"views"`
}

// ParsePathSpecs reads a YAML document with a top-level views list
func ParsePathSpecs(data []byte) ([]PathSpec, error) {
	var f pathFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: parse views: %v", ErrInvalidDefinition, err)
	}
	for _, spec := range f.Views {
		if err := spec.Validate(); err != nil {
			return nil, err
		}
	}
	return f.Views, nil
}

// LoadPathSpecs reads path views from a YAML file
func LoadPathSpecs(path string) ([]PathSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read views file: %w", err)
	}
	return ParsePathSpecs(data)
}

// Validate checks the path view without compiling it
func (s PathSpec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: path view without name", ErrInvalidDefinition)
	}
	if len(s.Key) == 0 {
		return fmt.Errorf("%w: path view %s has no key", ErrInvalidDefinition, s.Name)
	}
	if s.Reduce != "" && s.Reduce != "_sum" {
		return fmt.Errorf("%w: path view %s: unknown reducer %q", ErrInvalidDefinition, s.Name, s.Reduce)
	}
	for _, p := range slices.Concat(s.Key, []string{s.Value}) {
		if strings.HasPrefix(p, literalPrefix) && !json.Valid([]byte(p[len(literalPrefix):])) {
			return fmt.Errorf("%w: path view %s: bad literal %q", ErrInvalidDefinition, s.Name, p)
		}
	}
	return nil
}

// Fingerprint identifies the path view by content
func (s PathSpec) Fingerprint() string {
	h := xxhash.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s\x00%s", s.Name, s.Class, s.ForEach, s.Value, s.Reduce)
	for _, k := range s.Key {
		fmt.Fprintf(h, "\x00%s", k)
	}
	return strconv.FormatUint(h.Sum64(), 16)
}

// Definition compiles the path view
func (s PathSpec) Definition() (*Definition, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	def := &Definition{
		Name:    s.Name,
		Map:     s.mapFunc(),
		Version: "path-" + s.Fingerprint(),
	}
	if s.Reduce == "_sum" {
		def.Reduce = Sum
	}
	return def, nil
}

func (s PathSpec) mapFunc() MapFunc {
	return func(doc *document.Document, emit Emitter) error {
		if s.Class != "" && doc.Class() != s.Class {
			return nil
		}
		data, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		root := gjson.ParseBytes(data)

		if s.ForEach == "" {
			return s.emitRow(doc, root, gjson.Result{}, emit)
		}
		var rowErr error
		root.Get(s.ForEach).ForEach(func(_, item gjson.Result) bool {
			rowErr = s.emitRow(doc, root, item, emit)
			return rowErr == nil
		})
		return rowErr
	}
}

func (s PathSpec) emitRow(doc *document.Document, root, item gjson.Result, emit Emitter) error {
	key := make(collate.Key, 0, len(s.Key))
	for _, p := range s.Key {
		v, ok, err := resolve(p, doc, root, item)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		key = append(key, v)
	}

	var value any
	if s.Value != "" {
		v, _, err := resolve(s.Value, doc, root, item)
		if err != nil {
			return err
		}
		value = v
	}
	emit.Emit(key, value)
	return nil
}

// resolve evaluates one path token
func resolve(p string, doc *document.Document, root, item gjson.Result) (any, bool, error) {
	switch {
	case strings.HasPrefix(p, literalPrefix):
		var v any
		if err := json.Unmarshal([]byte(p[len(literalPrefix):]), &v); err != nil {
			return nil, false, err
		}
		return v, true, nil
	case p == pathID:
		return doc.ID, true, nil
	case p == pathItem:
		if !item.Exists() {
			return nil, false, fmt.Errorf("%s used without for_each", pathItem)
		}
		return item.Value(), true, nil
	case strings.HasPrefix(p, pathItem+"."):
		if !item.Exists() {
			return nil, false, fmt.Errorf("%s used without for_each", pathItem)
		}
		r := item.Get(p[len(pathItem)+1:])
		return r.Value(), r.Exists(), nil
	}
	r := root.Get(p)
	return r.Value(), r.Exists(), nil
}
