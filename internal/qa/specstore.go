package qa

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/fairyhunter13/agent-scheduler/internal/domain"
)

// DirStore loads QASpecs from a directory of YAML files at construction.
// Specs are keyed by their `name` field, falling back to the file stem.
type DirStore struct {
	mu    sync.RWMutex
	specs map[string]domain.QASpec
}

// NewDirStore reads every .yaml/.yml file under dir. A missing directory
// yields an empty store rather than an error so deployments without QA specs
// boot cleanly.
func NewDirStore(dir string) (*DirStore, error) {
	s := &DirStore{specs: map[string]domain.QASpec{}}
	if dir == "" {
		return s, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("op=qa.specstore: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("op=qa.specstore: %s: %w", e.Name(), err)
		}
		var spec domain.QASpec
		dec := yaml.NewDecoder(strings.NewReader(string(raw)))
		dec.KnownFields(true)
		if err := dec.Decode(&spec); err != nil {
			return nil, fmt.Errorf("op=qa.specstore: %s: %w", e.Name(), err)
		}
		if spec.Name == "" {
			spec.Name = strings.TrimSuffix(e.Name(), ext)
		}
		if _, dup := s.specs[spec.Name]; dup {
			return nil, fmt.Errorf("op=qa.specstore: duplicate spec name %q", spec.Name)
		}
		s.specs[spec.Name] = spec
	}
	return s, nil
}

// Get resolves a spec by name.
func (s *DirStore) Get(name string) (domain.QASpec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	spec, ok := s.specs[name]
	if !ok {
		return domain.QASpec{}, fmt.Errorf("op=qa.specstore: %w: spec %q", domain.ErrNotFound, name)
	}
	return spec, nil
}

// Names lists loaded spec names.
func (s *DirStore) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.specs))
	for name := range s.specs {
		out = append(out, name)
	}
	return out
}

// StaticStore serves specs from a fixed map, used in tests and for the
// built-in default specs.
type StaticStore map[string]domain.QASpec

// Get resolves a spec by name.
func (s StaticStore) Get(name string) (domain.QASpec, error) {
	spec, ok := s[name]
	if !ok {
		return domain.QASpec{}, fmt.Errorf("op=qa.specstore: %w: spec %q", domain.ErrNotFound, name)
	}
	return spec, nil
}

var (
	_ domain.QASpecStore = (*DirStore)(nil)
	_ domain.QASpecStore = (StaticStore)(nil)
)
