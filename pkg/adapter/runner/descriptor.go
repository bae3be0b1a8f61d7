// Package runner interprets adapter descriptors: declarative YAML documents
// describing how each AGP verb maps onto a platform's HTTP API. Descriptors
// are what the registry hot-swaps and what the generation pipeline produces.
package runner

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/agenr-ai/agenr/pkg/manifest"
)

// Ext is the file extension of descriptor files on disk.
const Ext = ".yaml"

var validate = validator.New()

var platformPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// Descriptor is one adapter: manifest plus an operation per verb.
type Descriptor struct {
	Platform   string               `yaml:"platform" validate:"required"`
	Version    string               `yaml:"version,omitempty"`
	Meta       map[string]any       `yaml:"meta,omitempty"`
	Manifest   manifest.Manifest    `yaml:"manifest"`
	Operations map[string]Operation `yaml:"operations" validate:"required,min=1,dive"`
}

// Operation is either a static payload or a templated HTTP call with
// optional extraction and transform stages.
type Operation struct {
	Static    map[string]any   `yaml:"static,omitempty"`
	Request   *RequestTemplate `yaml:"request,omitempty"`
	Extract   string           `yaml:"extract,omitempty"`
	Transform string           `yaml:"transform,omitempty"`
}

// RequestTemplate renders against {{.input ...}} and {{.business ...}}.
type RequestTemplate struct {
	Method  string            `yaml:"method" validate:"required"`
	URL     string            `yaml:"url" validate:"required"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Body    string            `yaml:"body,omitempty"`
}

// Parse decodes, validates and normalizes a descriptor document.
func Parse(src []byte) (*Descriptor, error) {
	var d Descriptor
	if err := yaml.Unmarshal(src, &d); err != nil {
		return nil, fmt.Errorf("parsing descriptor: %w", err)
	}

	if err := validate.Struct(&d); err != nil {
		return nil, fmt.Errorf("invalid descriptor: %w", err)
	}

	d.Platform = strings.ToLower(strings.TrimSpace(d.Platform))
	if !platformPattern.MatchString(d.Platform) {
		return nil, fmt.Errorf("invalid descriptor: platform %q is not a slug", d.Platform)
	}

	for verb, op := range d.Operations {
		switch verb {
		case "discover", "query", "execute":
		default:
			return nil, fmt.Errorf("invalid descriptor: unknown operation %q", verb)
		}
		if op.Static == nil && op.Request == nil {
			return nil, fmt.Errorf("invalid descriptor: operation %q needs static or request", verb)
		}
		if op.Static != nil && op.Request != nil {
			return nil, fmt.Errorf("invalid descriptor: operation %q has both static and request", verb)
		}
		if op.Request != nil {
			if err := validate.Struct(op.Request); err != nil {
				return nil, fmt.Errorf("invalid descriptor: operation %q: %w", verb, err)
			}
		}
	}

	// Manifests generated without an explicit platform inherit the
	// descriptor's.
	if d.Manifest.Platform == "" {
		d.Manifest.Platform = d.Platform
	}

	norm, err := manifest.New(d.Manifest)
	if err != nil {
		return nil, err
	}
	d.Manifest = *norm

	return &d, nil
}

// ScanPlatformVersion extracts the top-level platform and version keys with a
// textual scan, without parsing the whole document. The bundled seeder uses
// this to compare shipped descriptors against database rows cheaply.
func ScanPlatformVersion(src []byte) (platform, version string) {
	for _, line := range strings.Split(string(src), "\n") {
		if strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t") {
			continue
		}
		if v, ok := strings.CutPrefix(line, "platform:"); ok && platform == "" {
			platform = strings.Trim(strings.TrimSpace(v), `"'`)
		}
		if v, ok := strings.CutPrefix(line, "version:"); ok && version == "" {
			version = strings.Trim(strings.TrimSpace(v), `"'`)
		}
	}
	return strings.ToLower(strings.TrimSpace(platform)), version
}
