package definition

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.yaml.in/yaml/v3"
)

// Loader loads pipeline definitions by code.
type Loader interface {
	Load(code string) (*Definition, error)
}

// FileLoader loads definitions from YAML or JSON files on disk.
type FileLoader struct {
	dirs []string
}

// NewFileLoader creates a loader that searches the given directories.
func NewFileLoader(dirs ...string) *FileLoader {
	return &FileLoader{dirs: dirs}
}

// Load searches each directory for {code}.yaml, {code}.yml or {code}.json.
func (l *FileLoader) Load(code string) (*Definition, error) {
	for _, dir := range l.dirs {
		for _, ext := range []string{".yaml", ".yml", ".json"} {
			path := filepath.Join(dir, code+ext)
			if _, err := os.Stat(path); err != nil {
				continue
			}
			return LoadFile(path)
		}
	}
	return nil, fmt.Errorf("definition: pipeline %q not found in %v", code, l.dirs)
}

// LoadFile reads one definition file and applies context defaults; the
// extension picks the format.
func LoadFile(path string) (*Definition, error) {
	d, err := DecodeFile(path)
	if err != nil {
		return nil, err
	}
	d.ApplyDefaults()
	return d, nil
}

// DecodeFile reads one definition file as written, without defaults.
func DecodeFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	format := FormatYAML
	if strings.EqualFold(filepath.Ext(path), ".json") {
		format = FormatJSON
	}
	d, err := Decode(data, format)
	if err != nil {
		return nil, fmt.Errorf("definition: parsing %s: %w", path, err)
	}
	return d, nil
}

// Format is a definition encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// Parse decodes a definition and applies context defaults.
func Parse(data []byte, format Format) (*Definition, error) {
	d, err := Decode(data, format)
	if err != nil {
		return nil, err
	}
	d.ApplyDefaults()
	return d, nil
}

// Decode decodes a definition without applying defaults. Unknown fields
// are rejected so typos in policy names surface early.
func Decode(data []byte, format Format) (*Definition, error) {
	var d Definition
	switch format {
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&d); err != nil {
			return nil, err
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&d); err != nil {
			return nil, err
		}
	}
	return &d, nil
}
