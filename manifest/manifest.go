// Package manifest models the declarative descriptor of a loadable module.
package manifest

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// CapabilityPrefix marks permissions that name capability objects.
const CapabilityPrefix = "core."

type Manifest struct {
	Name         string                `yaml:"name" json:"name"`
	Description  string                `yaml:"description,omitempty" json:"description,omitempty"`
	Icon         string                `yaml:"icon,omitempty" json:"icon,omitempty"`
	App          App                   `yaml:"app,omitempty" json:"app,omitempty"`
	API          map[string]any        `yaml:"api,omitempty" json:"api,omitempty"`
	Permissions  []string              `yaml:"permissions,omitempty" json:"permissions,omitempty"`
	Dependencies map[string]Dependency `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
	Provides     []string              `yaml:"provides,omitempty" json:"provides,omitempty"`
	Quiet        bool                  `yaml:"quiet,omitempty" json:"quiet,omitempty"`
}

type App struct {
	Script string `yaml:"script" json:"script"`
}

type Dependency struct {
	URL string         `yaml:"url" json:"url"`
	API map[string]any `yaml:"api,omitempty" json:"api,omitempty"`
}

// Parse decodes a manifest document. JSON documents are accepted as well,
// since they are valid YAML.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if m.Name == "" {
		return nil, fmt.Errorf("parse manifest: missing name")
	}
	return &m, nil
}

// Metadata is the reduced projection of a manifest that is shared with a
// dependant module's internal environment.
func (m *Manifest) Metadata() map[string]any {
	return map[string]any{
		"name":        m.Name,
		"icon":        m.Icon,
		"description": m.Description,
		"api":         m.API,
	}
}

// CapabilityPermissions returns the permissions naming capability objects,
// in declaration order, without duplicates.
func (m *Manifest) CapabilityPermissions() []string {
	var out []string
	seen := make(map[string]bool)
	for _, p := range m.Permissions {
		if !strings.HasPrefix(p, CapabilityPrefix) || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

// DependencyNames returns the declared dependency names in sorted order.
func (m *Manifest) DependencyNames() []string {
	names := make([]string, 0, len(m.Dependencies))
	for name := range m.Dependencies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DependencyAPI returns the api declared for a dependency, if any.
func (m *Manifest) DependencyAPI(name string) (map[string]any, bool) {
	dep, ok := m.Dependencies[name]
	if !ok || dep.API == nil {
		return nil, false
	}
	return dep.API, true
}

// Provider reports whether the module declares capabilities it provides to
// incoming connections.
func (m *Manifest) Provider() bool {
	return len(m.Provides) > 0
}

// ToMap returns the manifest as a plain value tree suitable for routing in
// a message.
func (m *Manifest) ToMap() map[string]any {
	out := map[string]any{"name": m.Name}
	if m.Description != "" {
		out["description"] = m.Description
	}
	if m.Icon != "" {
		out["icon"] = m.Icon
	}
	if m.App.Script != "" {
		out["app"] = map[string]any{"script": m.App.Script}
	}
	if m.API != nil {
		out["api"] = m.API
	}
	if len(m.Permissions) > 0 {
		perms := make([]any, len(m.Permissions))
		for i, p := range m.Permissions {
			perms[i] = p
		}
		out["permissions"] = perms
	}
	if len(m.Dependencies) > 0 {
		deps := make(map[string]any, len(m.Dependencies))
		for name, d := range m.Dependencies {
			entry := map[string]any{"url": d.URL}
			if d.API != nil {
				entry["api"] = d.API
			}
			deps[name] = entry
		}
		out["dependencies"] = deps
	}
	if len(m.Provides) > 0 {
		provides := make([]any, len(m.Provides))
		for i, p := range m.Provides {
			provides[i] = p
		}
		out["provides"] = provides
	}
	if m.Quiet {
		out["quiet"] = true
	}
	return out
}

// FromMap is the inverse of ToMap.
func FromMap(v map[string]any) (*Manifest, error) {
	data, err := yaml.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	return Parse(data)
}
