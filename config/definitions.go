package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cschleiden/go-automations/registry"
	"gopkg.in/yaml.v3"
)

// LoadDefinitions reads systems, rules and workflows from the given files and directories.
// Directories are read non-recursively, in name order, considering *.yaml and *.yml files. A file
// may hold several YAML documents.
func LoadDefinitions(paths ...string) (*registry.Definitions, error) {
	defs := &registry.Definitions{}

	for _, p := range paths {
		files, err := definitionFiles(p)
		if err != nil {
			return nil, err
		}

		for _, f := range files {
			if err := loadDefinitionFile(f, defs); err != nil {
				return nil, err
			}
		}
	}

	return defs, nil
}

// ParseDefinitions decodes definitions from a reader.
func ParseDefinitions(r io.Reader) (*registry.Definitions, error) {
	defs := &registry.Definitions{}
	if err := decode(r, defs); err != nil {
		return nil, err
	}

	return defs, nil
}

func definitionFiles(p string) ([]string, error) {
	info, err := os.Stat(p)
	if err != nil {
		return nil, fmt.Errorf("definitions: %w", err)
	}

	if !info.IsDir() {
		return []string{p}, nil
	}

	entries, err := os.ReadDir(p)
	if err != nil {
		return nil, fmt.Errorf("definitions: %w", err)
	}

	var files []string
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}

		files = append(files, filepath.Join(p, e.Name()))
	}
	sort.Strings(files)

	return files, nil
}

func loadDefinitionFile(path string, defs *registry.Definitions) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("definitions: read %s: %w", path, err)
	}
	defer f.Close()

	if err := decode(f, defs); err != nil {
		return fmt.Errorf("definitions: %s: %w", path, err)
	}

	return nil
}

func decode(r io.Reader, defs *registry.Definitions) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	for {
		var doc registry.Definitions
		if err := dec.Decode(&doc); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}

			return fmt.Errorf("decode definitions: %w", err)
		}

		defs.Systems = append(defs.Systems, doc.Systems...)
		defs.Rules = append(defs.Rules, doc.Rules...)
		defs.Workflows = append(defs.Workflows, doc.Workflows...)
	}
}
