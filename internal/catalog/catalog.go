// Package catalog holds the service types requests can be booked for.
package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"sacristy.org/internal/booking"
)

//go:embed default.yaml
var defaultYAML []byte

// ServiceType is one bookable service.
type ServiceType struct {
	Key   string `yaml:"key" json:"key"`
	Label string `yaml:"label" json:"label"`
	// SelfTerminating services close on creation and are never assigned.
	// They cannot be combined with other services on one request.
	SelfTerminating bool `yaml:"self_terminating" json:"self_terminating,omitempty"`
}

type document struct {
	Services []ServiceType `yaml:"services"`
}

// Catalog is an immutable, ordered set of service types.
type Catalog struct {
	types []ServiceType
	byKey map[string]ServiceType
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c, err := Parse(defaultYAML)
	if err != nil {
		panic(fmt.Sprintf("catalog: bad default catalog: %v", err))
	}
	return c
}

// Load reads a catalog file. An empty path yields the default catalog.
func Load(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML catalog document.
func Parse(data []byte) (*Catalog, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if len(doc.Services) == 0 {
		return nil, fmt.Errorf("parse catalog: no services defined")
	}
	c := &Catalog{byKey: make(map[string]ServiceType, len(doc.Services))}
	for _, st := range doc.Services {
		st.Key = normalizeKey(st.Key)
		if st.Key == "" {
			return nil, fmt.Errorf("parse catalog: service without key")
		}
		if strings.Contains(st.Key, ",") {
			return nil, fmt.Errorf("parse catalog: key %q contains a comma", st.Key)
		}
		if _, dup := c.byKey[st.Key]; dup {
			return nil, fmt.Errorf("parse catalog: duplicate key %q", st.Key)
		}
		if st.Label == "" {
			st.Label = st.Key
		}
		c.types = append(c.types, st)
		c.byKey[st.Key] = st
	}
	return c, nil
}

// Types returns the service types in catalog order.
func (c *Catalog) Types() []ServiceType {
	return append([]ServiceType(nil), c.types...)
}

func (c *Catalog) Lookup(key string) (ServiceType, bool) {
	st, ok := c.byKey[normalizeKey(key)]
	return st, ok
}

// Label returns the display label for key, or key itself when unknown.
func (c *Catalog) Label(key string) string {
	if st, ok := c.Lookup(key); ok {
		return st.Label
	}
	return key
}

// Labels joins the labels of tags for display.
func (c *Catalog) Labels(tags []string) string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		out = append(out, c.Label(t))
	}
	return strings.Join(out, ", ")
}

// Normalize validates a requested tag set. It lower-cases and
// de-duplicates tags, keeping first-seen order, and reports whether the
// set is a single self-terminating service.
func (c *Catalog) Normalize(tags []string) ([]string, bool, error) {
	seen := make(map[string]bool, len(tags))
	var out []string
	selfTerminating := false
	for _, raw := range tags {
		key := normalizeKey(raw)
		if key == "" {
			continue
		}
		st, ok := c.byKey[key]
		if !ok {
			return nil, false, fmt.Errorf("%w: unknown service %q", booking.ErrInvalidInput, raw)
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		if st.SelfTerminating {
			selfTerminating = true
		}
		out = append(out, key)
	}
	if len(out) == 0 {
		return nil, false, fmt.Errorf("%w: at least one service is required", booking.ErrInvalidInput)
	}
	if selfTerminating && len(out) > 1 {
		return nil, false, fmt.Errorf("%w: service cannot be combined with others", booking.ErrInvalidInput)
	}
	return out, selfTerminating, nil
}

func normalizeKey(k string) string {
	return strings.ToLower(strings.TrimSpace(k))
}
