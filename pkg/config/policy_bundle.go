package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const defaultBundleSizeLimit = 8 << 20 // 8 MiB

// Bundle is the on-disk policy bundle: Rego modules keyed by file name plus
// the named policies they export.
type Bundle struct {
	Modules  map[string]string  `json:"modules" yaml:"modules"`
	Policies []PolicyDescriptor `json:"policies" yaml:"policies"`
}

// PolicyDescriptor binds a policy name to a Rego entrypoint.
type PolicyDescriptor struct {
	Name        string `json:"name" yaml:"name"`
	Entrypoint  string `json:"entrypoint" yaml:"entrypoint"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// LoadBundle reads and validates a policy bundle file.
func LoadBundle(path string) (*Bundle, error) {
	// #nosec G304 -- Bundle path is configured by the operator
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat policy bundle %s: %w", path, err)
	}
	if info.Size() > defaultBundleSizeLimit {
		return nil, fmt.Errorf("policy bundle %s exceeds size limit of %d bytes", path, defaultBundleSizeLimit)
	}

	// #nosec G304 -- Bundle path is configured by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy bundle %s: %w", path, err)
	}
	return ParseBundle(data)
}

// ParseBundle decodes a YAML (or JSON) bundle document and validates it.
func ParseBundle(data []byte) (*Bundle, error) {
	var bundle Bundle
	if err := yaml.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("parse policy bundle: %w", err)
	}
	if err := bundle.Validate(); err != nil {
		return nil, err
	}
	return &bundle, nil
}

// Validate ensures the bundle is well formed before compilation.
func (b Bundle) Validate() error {
	if len(b.Modules) == 0 {
		return errors.New("policy bundle defines no modules")
	}
	for name, src := range b.Modules {
		if strings.TrimSpace(name) == "" {
			return errors.New("policy bundle: module name is required")
		}
		if strings.TrimSpace(src) == "" {
			return fmt.Errorf("policy bundle: module %s is empty", name)
		}
	}

	seen := make(map[string]struct{}, len(b.Policies))
	for i, p := range b.Policies {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			return fmt.Errorf("policy bundle: policy %d requires name", i)
		}
		if strings.TrimSpace(p.Entrypoint) == "" {
			return fmt.Errorf("policy bundle: policy %s requires entrypoint", p.Name)
		}
		if _, exists := seen[name]; exists {
			return fmt.Errorf("policy bundle: duplicate policy name %s", p.Name)
		}
		seen[name] = struct{}{}
	}
	return nil
}

// PolicyNames returns the declared policy names in sorted order.
func (b Bundle) PolicyNames() []string {
	names := make([]string, 0, len(b.Policies))
	for _, p := range b.Policies {
		names = append(names, p.Name)
	}
	sort.Strings(names)
	return names
}
