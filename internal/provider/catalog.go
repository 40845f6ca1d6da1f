package provider

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Entry is one provider declared in the catalog file.
//
//	providers:
//	  - name: imagegen
//	    endpoint: https://imagegen.internal/v1/generate
//	    api_key_env: IMAGEGEN_API_KEY
//	    timeout: 90s
type Entry struct {
	Name      string        `yaml:"name"`
	Endpoint  string        `yaml:"endpoint"`
	APIKeyEnv string        `yaml:"api_key_env"`
	Timeout   time.Duration `yaml:"timeout"`
}

type catalogFile struct {
	Providers []Entry `yaml:"providers"`
}

// Catalog resolves provider names.
type Catalog struct {
	providers map[string]Provider
}

// NewCatalog builds a catalog from ready providers. Later duplicates win.
func NewCatalog(providers ...Provider) *Catalog {
	c := &Catalog{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		c.providers[p.Name()] = p
	}
	return c
}

// LoadCatalog reads a YAML catalog file. API keys are read from the
// environment variables the entries name.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read provider catalog: %w", err)
	}
	return ParseCatalog(data, os.Getenv)
}

// ParseCatalog parses catalog YAML.
func ParseCatalog(data []byte, getenv func(string) string) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse provider catalog: %w", err)
	}

	var errs []error
	seen := make(map[string]bool)
	providers := make([]Provider, 0, len(file.Providers))
	for i, e := range file.Providers {
		name := strings.TrimSpace(e.Name)
		switch {
		case name == "":
			errs = append(errs, fmt.Errorf("providers[%d]: name is required", i))
			continue
		case seen[name]:
			errs = append(errs, fmt.Errorf("providers[%d]: duplicate name %q", i, name))
			continue
		case e.Endpoint == "":
			errs = append(errs, fmt.Errorf("provider %s: endpoint is required", name))
			continue
		case e.Timeout < 0:
			errs = append(errs, fmt.Errorf("provider %s: timeout must not be negative", name))
			continue
		}
		seen[name] = true

		var apiKey string
		if e.APIKeyEnv != "" {
			apiKey = getenv(e.APIKeyEnv)
		}
		providers = append(providers, NewHTTP(name, e.Endpoint, apiKey, e.Timeout))
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return NewCatalog(providers...), nil
}

// Get returns the named provider or ErrUnknownProvider.
func (c *Catalog) Get(name string) (Provider, error) {
	p, ok := c.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return p, nil
}

// Names returns every provider name in sorted order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.providers))
	for name := range c.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
