package datamodel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	toml "github.com/pelletier/go-toml/v2"
)

const (
	stateDirMode     = 0o755
	stateFileMode    = 0o600
	stateTempPattern = ".uspagent-state-*.toml.tmp"
)

// Document is the on-disk data model: supported objects and parameters
// plus the values present at first start.
type Document struct {
	Objects []ObjectDef       `toml:"object"`
	Params  []ParamDef        `toml:"param"`
	Values  map[string]string `toml:"values"`
}

type stateFile struct {
	Values map[string]string `toml:"values"`
}

func ParseDocument(data []byte) (Document, error) {
	var doc Document
	if err := toml.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("decode data model document: %w", err)
	}
	return doc, nil
}

func LoadDocument(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("read data model document: %w", err)
	}
	return ParseDocument(data)
}

func (d Document) Schema() (*Schema, error) {
	return NewSchema(d.Objects, d.Params)
}

// InitialValues seeds every single-instance parameter with its default and
// overlays the document's explicit values, which may also populate table
// instances.
func (d Document) InitialValues(schema *Schema) (map[string]string, error) {
	out := make(map[string]string)
	for _, p := range schema.Params() {
		if strings.Contains(p.Path, instanceMarker) {
			continue
		}
		out[p.Path] = p.Default
	}
	for path, val := range d.Values {
		if hidden(path) {
			out[path] = val
			continue
		}
		def, ok := schema.Param(SchemaForm(path))
		if !ok {
			return nil, fmt.Errorf("%w: value for unsupported parameter %s", ErrValidation, path)
		}
		if !isDynamic(val) {
			if err := ValidateValue(def.Type, val); err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
		}
		out[path] = val
	}
	return out, nil
}

// LoadState reads a state file written by FilePersister. A missing file
// yields a nil map.
func LoadState(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}
	var file stateFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode state file: %w", err)
	}
	return file.Values, nil
}

// FilePersister writes the full value set to a TOML state file after each
// mutation. Writes go through a temp file and rename.
type FilePersister struct {
	path string
	mu   sync.Mutex
}

func NewFilePersister(path string) *FilePersister {
	return &FilePersister{path: filepath.Clean(path)}
}

func (p *FilePersister) Path() string { return p.path }

func (p *FilePersister) Persist(_ context.Context, snapshot map[string]string, _ map[string]string, _ []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(p.path), stateDirMode); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	data, err := toml.Marshal(stateFile{Values: snapshot})
	if err != nil {
		return fmt.Errorf("encode state file: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(p.path), stateTempPattern)
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Chmod(stateFileMode); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, p.path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	cleanup = false
	return nil
}

// OpenFileStore loads the document at docPath, restores values from
// statePath when it exists and persists every mutation back to statePath.
func OpenFileStore(docPath, statePath string, opts ...Option) (*Store, error) {
	doc, err := LoadDocument(docPath)
	if err != nil {
		return nil, err
	}
	return OpenDocumentStore(doc, statePath, opts...)
}

// OpenDocumentStore is OpenFileStore for an already parsed document.
func OpenDocumentStore(doc Document, statePath string, opts ...Option) (*Store, error) {
	schema, err := doc.Schema()
	if err != nil {
		return nil, err
	}
	values, err := doc.InitialValues(schema)
	if err != nil {
		return nil, err
	}
	if statePath == "" {
		return NewStore(schema, values, opts...), nil
	}
	state, err := LoadState(statePath)
	if err != nil {
		return nil, err
	}
	if state != nil {
		values = state
	}
	opts = append([]Option{WithPersister(NewFilePersister(statePath))}, opts...)
	return NewStore(schema, values, opts...), nil
}
