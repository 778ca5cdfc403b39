package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	yaml "gopkg.in/yaml.v2"
)

// LoadFile reads, normalizes and validates a configuration file,
// choosing the format by extension: .hcl, .json, .yaml or .yml.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg *Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".hcl":
		cfg, err = ParseHCL(path, data)
	case ".json":
		cfg, err = ParseJSON(data)
	case ".yaml", ".yml":
		cfg, err = ParseYAML(data)
	default:
		return nil, fmt.Errorf("config: %s: unsupported extension (want .hcl, .json, .yaml)", path)
	}
	if err != nil {
		return nil, err
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseHCL decodes HCL bytes. The filename feeds diagnostics only.
func ParseHCL(filename string, data []byte) (*Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("config: parse %s: %s", filename, diagSummary(diags))
	}

	var cfg Config
	if diags := gohcl.DecodeBody(file.Body, nil, &cfg); diags.HasErrors() {
		return nil, fmt.Errorf("config: decode %s: %s", filename, diagSummary(diags))
	}
	return &cfg, nil
}

// ParseJSON decodes JSON bytes. Unknown keys are rejected so typos
// fail loudly instead of silently configuring nothing.
func ParseJSON(data []byte) (*Config, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode json: %w", err)
	}
	return &cfg, nil
}

// ParseYAML decodes YAML bytes.
func ParseYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return &cfg, nil
}

func diagSummary(diags hcl.Diagnostics) string {
	msgs := make([]string, 0, len(diags))
	for _, d := range diags {
		if d.Severity == hcl.DiagError {
			msgs = append(msgs, d.Error())
		}
	}
	return strings.Join(msgs, "; ")
}
