// Package planfile loads deployment plans and environments from JSON, YAML
// and HCL files. All three formats decode through the same generic document
// shape, so field names match the JSON API.
package planfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/lattiam/rollout/internal/interfaces"
)

// Format is a plan file syntax
type Format string

// Supported formats
const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatHCL  Format = "hcl"
)

// FormatForPath picks the format from a file extension
func FormatForPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".hcl":
		return FormatHCL, nil
	default:
		return "", fmt.Errorf("unsupported plan file extension %q (use .json, .yaml, .yml or .hcl)", filepath.Ext(path))
	}
}

// Document is the content of a plan file. Either half may be absent; a file
// without plan or environment sections is read as a bare plan.
type Document struct {
	Plan        *interfaces.DeploymentPlan `json:"plan"`
	Environment *interfaces.Environment    `json:"environment"`
}

// Load reads and decodes the file at path
func Load(path string) (*Document, error) {
	format, err := FormatForPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path) //nolint:gosec // operator supplied path
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file: %w", err)
	}
	doc, err := Parse(data, format, filepath.Base(path))
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	return doc, nil
}

// LoadEnvironment reads a file that holds only an environment, either at the
// top level or under an environment section
func LoadEnvironment(path string) (*interfaces.Environment, error) {
	format, err := FormatForPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path) //nolint:gosec // operator supplied path
	if err != nil {
		return nil, fmt.Errorf("failed to read environment file: %w", err)
	}
	raw, err := generic(data, format, filepath.Base(path))
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	if nested, ok := raw["environment"].(map[string]interface{}); ok && len(raw) == 1 {
		raw = nested
	}
	var env interfaces.Environment
	if err := decode(raw, &env); err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	return &env, nil
}

// Parse decodes data in the given format. name is used in HCL diagnostics.
func Parse(data []byte, format Format, name string) (*Document, error) {
	raw, err := generic(data, format, name)
	if err != nil {
		return nil, err
	}

	_, hasPlan := raw["plan"]
	_, hasEnv := raw["environment"]
	doc := &Document{}
	if !hasPlan && !hasEnv {
		doc.Plan = &interfaces.DeploymentPlan{}
		if err := decode(raw, doc.Plan); err != nil {
			return nil, err
		}
		return doc, nil
	}
	if err := decode(raw, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func generic(data []byte, format Format, name string) (map[string]interface{}, error) {
	var raw map[string]interface{}
	switch format {
	case FormatJSON:
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("invalid JSON: %w", err)
		}
	case FormatYAML:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("invalid YAML: %w", err)
		}
	case FormatHCL:
		var err error
		if raw, err = decodeHCL(data, name); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported format %q", format)
	}
	if raw == nil {
		return nil, fmt.Errorf("plan file is empty")
	}
	return raw, nil
}

// decode maps a generic document onto a typed value. Unknown keys are
// rejected and durations may be written as strings like "30s".
func decode(raw map[string]interface{}, out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "json",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
		),
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}
	if err := decoder.Decode(raw); err != nil {
		return interfaces.WrapError(interfaces.KindValidation, err, "invalid plan file")
	}
	return nil
}
