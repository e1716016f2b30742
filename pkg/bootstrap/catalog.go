package bootstrap

import (
	_ "embed"
	"errors"
	"fmt"
	"os"

	"github.com/platinummonkey/campusgate/pkg/rbac"
	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// ErrInvalidCatalog is returned for catalogs that fail validation
var ErrInvalidCatalog = errors.New("invalid seed catalog")

// Catalog lists the models to seed permissions for and the built-in roles
type Catalog struct {
	Version     string     `yaml:"version"`
	Apps        []App      `yaml:"apps"`
	SystemRoles []RoleSeed `yaml:"system_roles"`
	TenantRoles []RoleSeed `yaml:"tenant_roles"`
}

// App is one permission domain and its models
type App struct {
	Domain string  `yaml:"domain"`
	Models []Model `yaml:"models"`
}

// Model is one resource. Plural is used in display names.
type Model struct {
	Name   string `yaml:"name"`
	Plural string `yaml:"plural"`
}

// RoleSeed describes a built-in role and the permissions it receives
type RoleSeed struct {
	Name        string   `yaml:"name"`
	DisplayName string   `yaml:"display_name"`
	Description string   `yaml:"description"`
	Grants      Selector `yaml:"grants"`
}

// Selector picks permissions from the catalog. Empty lists match everything.
type Selector struct {
	All            bool        `yaml:"all"`
	Domains        []string    `yaml:"domains"`
	ExcludeDomains []string    `yaml:"exclude_domains"`
	Verbs          []rbac.Verb `yaml:"verbs"`
}

// Matches reports whether p is selected
func (s Selector) Matches(p rbac.Permission) bool {
	if s.All {
		return true
	}
	if len(s.Domains) > 0 && !containsString(s.Domains, p.Domain) {
		return false
	}
	if containsString(s.ExcludeDomains, p.Domain) {
		return false
	}
	if len(s.Verbs) > 0 {
		for _, v := range s.Verbs {
			if v == p.Verb {
				return true
			}
		}
		return false
	}
	return true
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// DefaultCatalog returns the catalog compiled into the binary
func DefaultCatalog() (*Catalog, error) {
	return ParseCatalog(defaultCatalog)
}

// LoadCatalog reads a catalog file. An empty path returns the default catalog.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates a YAML catalog
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse seed catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks names and verbs before anything touches the database
func (c *Catalog) Validate() error {
	seen := make(map[string]bool)
	for _, app := range c.Apps {
		if app.Domain == "" {
			return fmt.Errorf("%w: app without domain", ErrInvalidCatalog)
		}
		for _, m := range app.Models {
			if m.Name == "" {
				return fmt.Errorf("%w: model without name in %s", ErrInvalidCatalog, app.Domain)
			}
			key := app.Domain + "." + m.Name
			if seen[key] {
				return fmt.Errorf("%w: duplicate model %s", ErrInvalidCatalog, key)
			}
			seen[key] = true
		}
	}

	for _, set := range [][]RoleSeed{c.SystemRoles, c.TenantRoles} {
		names := make(map[string]bool)
		for _, r := range set {
			if r.Name == "" {
				return fmt.Errorf("%w: role without name", ErrInvalidCatalog)
			}
			if names[r.Name] {
				return fmt.Errorf("%w: duplicate role %s", ErrInvalidCatalog, r.Name)
			}
			names[r.Name] = true
			for _, v := range r.Grants.Verbs {
				if !v.Valid() {
					return fmt.Errorf("%w: role %s grants unknown verb %q", ErrInvalidCatalog, r.Name, v)
				}
			}
		}
	}
	return nil
}

// PermissionSpecs expands the catalog to four permissions per model
func (c *Catalog) PermissionSpecs() []rbac.PermissionSpec {
	var specs []rbac.PermissionSpec
	for _, app := range c.Apps {
		for _, m := range app.Models {
			plural := m.Plural
			if plural == "" {
				plural = m.Name + "s"
			}
			for _, verb := range rbac.CRUDVerbs {
				specs = append(specs, rbac.PermissionSpec{
					Name:        rbac.PermissionName(app.Domain, verb, m.Name),
					DisplayName: fmt.Sprintf("Can %s %s", verb, plural),
					Verb:        verb,
					Domain:      app.Domain,
					Resource:    m.Name,
				})
			}
		}
	}
	return specs
}
