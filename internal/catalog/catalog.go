// Package catalog loads the static description of backend services and the
// feature recipes (ordered step lists) that jobs are submitted against.
package catalog

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// AuthType selects how the orchestrator authenticates outbound calls to a
// backend service.
type AuthType string

const (
	AuthAPIKeyHeader AuthType = "api_key_header"
	AuthBearer       AuthType = "bearer"
	AuthNone         AuthType = "none"
)

// ServiceAuth describes the credential a step call must attach.
type ServiceAuth struct {
	Type   AuthType `yaml:"type"`
	Header string   `yaml:"header"`
}

// Service is the static configuration of one backend AI service: its
// concurrency limit, timeouts, and how to reach it.
type Service struct {
	Name            string      `yaml:"name"`
	Limit           int         `yaml:"limit"`
	Queue           string      `yaml:"queue"`
	TimeoutSeconds  int         `yaml:"timeout"`
	LeaseTTLSeconds int         `yaml:"lease_ttl"`
	MaxStepAttempts int         `yaml:"max_step_attempts"`
	BaseURL         string      `yaml:"base_url"`
	ExecutePath     string      `yaml:"execute_path"`
	HealthPath      string      `yaml:"health_path"`
	Auth            ServiceAuth `yaml:"auth"`
}

// Timeout returns the per-call HTTP timeout as a time.Duration.
func (s Service) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// LeaseTTL returns the Redis lease key TTL as a time.Duration.
func (s Service) LeaseTTL() time.Duration {
	return time.Duration(s.LeaseTTLSeconds) * time.Second
}

// Feature is a named recipe: the ordered list of services a job of this
// feature type will step through.
type Feature struct {
	Name  string   `yaml:"name"`
	Steps []string `yaml:"steps"`
}

// Catalog is the fully validated, immutable set of services and features
// loaded at process start.
type Catalog struct {
	services map[string]Service
	features map[string]Feature
}

type document struct {
	Services []Service `yaml:"services"`
	Features []Feature `yaml:"features"`
}

// Load reads and validates a catalog YAML file at path.
func Load(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog file: %w", err)
	}

	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parsing catalog file: %w", err)
	}

	c := &Catalog{
		services: make(map[string]Service, len(doc.Services)),
		features: make(map[string]Feature, len(doc.Features)),
	}

	for _, svc := range doc.Services {
		if svc.Name == "" {
			return nil, fmt.Errorf("catalog: service entry missing name")
		}
		if svc.Limit <= 0 {
			return nil, fmt.Errorf("catalog: service %q has non-positive limit", svc.Name)
		}
		if _, exists := c.services[svc.Name]; exists {
			return nil, fmt.Errorf("catalog: duplicate service %q", svc.Name)
		}
		c.services[svc.Name] = svc
	}

	for _, feat := range doc.Features {
		if feat.Name == "" {
			return nil, fmt.Errorf("catalog: feature entry missing name")
		}
		if len(feat.Steps) == 0 {
			return nil, fmt.Errorf("catalog: feature %q has no steps", feat.Name)
		}
		for _, step := range feat.Steps {
			if _, ok := c.services[step]; !ok {
				return nil, fmt.Errorf("catalog: feature %q references unknown service %q", feat.Name, step)
			}
		}
		if _, exists := c.features[feat.Name]; exists {
			return nil, fmt.Errorf("catalog: duplicate feature %q", feat.Name)
		}
		c.features[feat.Name] = feat
	}

	return c, nil
}

// Service looks up a backend service by name.
func (c *Catalog) Service(name string) (Service, bool) {
	svc, ok := c.services[name]
	return svc, ok
}

// Feature looks up a feature recipe by name.
func (c *Catalog) Feature(name string) (Feature, bool) {
	f, ok := c.features[name]
	return f, ok
}

// Features returns the names of every configured feature, for validation
// and listing endpoints.
func (c *Catalog) Features() []string {
	names := make([]string, 0, len(c.features))
	for name := range c.features {
		names = append(names, name)
	}
	return names
}

// Services returns every configured backend service, for components that
// must act on the full set (the lease reaper, health checks).
func (c *Catalog) Services() []Service {
	svcs := make([]Service, 0, len(c.services))
	for _, svc := range c.services {
		svcs = append(svcs, svc)
	}
	return svcs
}
