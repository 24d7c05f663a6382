package registry

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/callcoach/internal/model"
)

// Bundle is the content of one or more spec definition files.
type Bundle struct {
	Parameters []model.Parameter    `yaml:"parameters"`
	Specs      []model.AnalysisSpec `yaml:"specs"`
	Curricula  []model.Curriculum   `yaml:"curricula"`
}

// Merge appends other's definitions to b.
func (b *Bundle) Merge(other Bundle) {
	b.Parameters = append(b.Parameters, other.Parameters...)
	b.Specs = append(b.Specs, other.Specs...)
	b.Curricula = append(b.Curricula, other.Curricula...)
}

// LoadFile reads a YAML bundle from path.
func LoadFile(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "registry: read %s", path)
	}

	var b Bundle
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, eris.Wrapf(err, "registry: parse %s", path)
	}

	for i := range b.Specs {
		b.Specs[i].OutputType = model.OutputType(strings.ToUpper(string(b.Specs[i].OutputType)))
		if b.Specs[i].Version == 0 {
			b.Specs[i].Version = 1
		}
		if b.Specs[i].Status == "" {
			b.Specs[i].Status = model.SpecStatusDraft
		}
	}
	for _, p := range b.Parameters {
		if p.ID == "" {
			return nil, eris.Errorf("registry: %s: parameter without id", path)
		}
	}
	for _, c := range b.Curricula {
		if c.SpecSlug == "" {
			return nil, eris.Errorf("registry: %s: curriculum without spec_slug", path)
		}
	}

	return &b, nil
}

// LoadDir reads every *.yaml and *.yml file in dir, in lexical order, and
// merges them into one bundle. Duplicate spec slugs or parameter ids are
// rejected.
func LoadDir(dir string) (*Bundle, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, eris.Wrapf(err, "registry: read dir %s", dir)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	out := &Bundle{}
	for _, name := range names {
		b, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		out.Merge(*b)
	}

	if err := out.checkDuplicates(); err != nil {
		return nil, err
	}
	return out, nil
}

func (b *Bundle) checkDuplicates() error {
	params := make(map[string]bool, len(b.Parameters))
	for _, p := range b.Parameters {
		if params[p.ID] {
			return eris.Errorf("registry: duplicate parameter %s", p.ID)
		}
		params[p.ID] = true
	}
	slugs := make(map[string]bool, len(b.Specs))
	for _, s := range b.Specs {
		if slugs[s.Slug] {
			return eris.Errorf("registry: duplicate spec %s", s.Slug)
		}
		slugs[s.Slug] = true
	}
	return nil
}
