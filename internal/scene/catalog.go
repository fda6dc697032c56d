package scene

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// yamlCatalogFile is the top-level YAML structure for scene catalogs.
type yamlCatalogFile struct {
	Scenes []yamlScene `yaml:"scenes"`
}

// yamlScene is the YAML representation of one scene.
type yamlScene struct {
	Name      string `yaml:"name"`
	Steps     int    `yaml:"steps"`
	StepDelay string `yaml:"step_delay"`
}

// Definition describes how a scene loads: the number of progress steps the
// loader reports and the delay between them.
type Definition struct {
	Name      string
	Steps     int
	StepDelay time.Duration
}

// Validate checks that the definition is loadable.
//
// Postcondition: Returns nil if valid, or an error describing the first violation.
func (d Definition) Validate() error {
	if d.Name == "" {
		return errors.New("scene name must not be empty")
	}
	if d.Steps < 1 {
		return fmt.Errorf("scene %q: steps must be >= 1, got %d", d.Name, d.Steps)
	}
	if d.StepDelay < 0 {
		return fmt.Errorf("scene %q: step_delay must not be negative", d.Name)
	}
	return nil
}

// Catalog is the set of scenes a loader can load.
type Catalog struct {
	scenes map[string]Definition
}

// NewCatalog builds a catalog from definitions.
//
// Postcondition: Returns a catalog or an error for an invalid or duplicate definition.
func NewCatalog(defs ...Definition) (*Catalog, error) {
	c := &Catalog{scenes: make(map[string]Definition, len(defs))}
	for _, d := range defs {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, dup := c.scenes[d.Name]; dup {
			return nil, fmt.Errorf("duplicate scene %q", d.Name)
		}
		c.scenes[d.Name] = d
	}
	return c, nil
}

// DefaultCatalog returns a catalog holding names, each loading in ten steps
// of stepDelay.
func DefaultCatalog(stepDelay time.Duration, names ...string) (*Catalog, error) {
	defs := make([]Definition, 0, len(names))
	for _, n := range names {
		defs = append(defs, Definition{Name: n, Steps: 10, StepDelay: stepDelay})
	}
	return NewCatalog(defs...)
}

// LoadCatalogFromFile reads and validates a scene catalog YAML file.
//
// Precondition: path must point to a valid YAML catalog file.
// Postcondition: Returns a validated Catalog or a non-nil error.
func LoadCatalogFromFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scene catalog %s: %w", path, err)
	}
	return LoadCatalogFromBytes(data)
}

// LoadCatalogFromBytes parses and validates a scene catalog from YAML bytes.
func LoadCatalogFromBytes(data []byte) (*Catalog, error) {
	var file yamlCatalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing scene catalog YAML: %w", err)
	}
	defs := make([]Definition, 0, len(file.Scenes))
	for _, s := range file.Scenes {
		var delay time.Duration
		if s.StepDelay != "" {
			d, err := time.ParseDuration(s.StepDelay)
			if err != nil {
				return nil, fmt.Errorf("scene %q: parsing step_delay: %w", s.Name, err)
			}
			delay = d
		}
		defs = append(defs, Definition{Name: s.Name, Steps: s.Steps, StepDelay: delay})
	}
	c, err := NewCatalog(defs...)
	if err != nil {
		return nil, fmt.Errorf("validating scene catalog: %w", err)
	}
	return c, nil
}

// Get returns the definition for name.
func (c *Catalog) Get(name string) (Definition, bool) {
	d, ok := c.scenes[name]
	return d, ok
}

// Names returns every scene name in sorted order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.scenes))
	for n := range c.scenes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
