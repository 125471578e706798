package stitching

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"tomostitch/internal/models"
	"tomostitch/internal/version"
	"tomostitch/pkg/config"
	"tomostitch/pkg/tomo"
)

const provenanceSuffix = ".provenance.yaml"

// Provenance records how a stitched output was produced.
type Provenance struct {
	Program string    `yaml:"program"`
	Version string    `yaml:"version"`
	GitSHA  string    `yaml:"git_sha,omitempty"`
	Date    time.Time `yaml:"date"`

	Output string   `yaml:"output"`
	Inputs []string `yaml:"inputs,omitempty"`

	// Shifts are the final per-junction shifts, top junction first
	Shifts []models.RelativeShift `yaml:"shifts,omitempty"`

	// Configuration is the effective configuration after normalization
	Configuration map[string]interface{} `yaml:"configuration,omitempty"`
}

// NewProvenance builds a record for output from the effective
// configuration, which may be nil.
func NewProvenance(cfg *config.StitchingConfiguration, output string) (*Provenance, error) {
	record := &Provenance{
		Program: version.Program,
		Version: version.Version,
		GitSHA:  version.GitSHA,
		Date:    time.Now().UTC(),
		Output:  output,
	}
	if cfg != nil {
		m, err := cfg.ToMap()
		if err != nil {
			return nil, fmt.Errorf("error serializing configuration: %w", err)
		}
		record.Configuration = m
	}
	return record, nil
}

// ProvenancePath returns where the record of an output identifier is stored.
func ProvenancePath(output string) (string, error) {
	_, path, err := tomo.ParseIdentifier(output)
	if err != nil {
		return "", err
	}
	return path + provenanceSuffix, nil
}

// WriteProvenance stores the record next to the output and returns its path.
func WriteProvenance(output string, record *Provenance) (string, error) {
	path, err := ProvenancePath(output)
	if err != nil {
		return "", err
	}
	data, err := yaml.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("error marshaling provenance: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("error writing provenance: %w", err)
	}
	return path, nil
}

// ReadProvenance loads the record of an output identifier.
func ReadProvenance(output string) (*Provenance, error) {
	path, err := ProvenancePath(output)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading provenance: %w", err)
	}
	var record Provenance
	if err := yaml.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("error parsing provenance: %w", err)
	}
	return &record, nil
}
