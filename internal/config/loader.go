package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/audiolith/featforge/pkg/batch"
	"github.com/audiolith/featforge/pkg/encode"
	"github.com/audiolith/featforge/pkg/pack"
	"github.com/audiolith/featforge/pkg/spectral"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = LogInfo
	}
	if cfg.Dataset.SampleRate == 0 {
		cfg.Dataset.SampleRate = 16000
	}
	if cfg.Extraction.Policy == "" {
		cfg.Extraction.Policy = string(batch.PolicyOrdered)
	}
	if cfg.Extraction.Padding == "" {
		cfg.Extraction.Padding = pack.Zero.Name()
	}
	if cfg.Extraction.Aggregation == "" {
		cfg.Extraction.Aggregation = string(encode.AggregationFlat)
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Log.Level.IsValid() {
		errs = append(errs, fmt.Errorf("log.level %q is invalid; valid values: debug, info, warn, error", cfg.Log.Level))
	}

	// Dataset
	if cfg.Dataset.Path == "" {
		errs = append(errs, errors.New("dataset.path is required"))
	}
	if _, err := spectral.ProfileByRate(cfg.Dataset.SampleRate); err != nil {
		errs = append(errs, fmt.Errorf("dataset.sample_rate: %w", err))
	}

	// Extraction
	ext := &cfg.Extraction
	if ext.Feature == "" {
		errs = append(errs, errors.New("extraction.feature is required"))
	}
	if ext.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("extraction.batch_size must be positive, got %d", ext.BatchSize))
	}
	if ext.ReferenceLength <= 0 {
		errs = append(errs, fmt.Errorf("extraction.reference_length must be positive, got %d", ext.ReferenceLength))
	}
	if !batch.Policy(ext.Policy).IsValid() {
		errs = append(errs, fmt.Errorf("extraction.policy %q is invalid; valid values: ordered, length-sorted", ext.Policy))
	}
	if ext.ShuffleSeed != nil && batch.Policy(ext.Policy) == batch.PolicyLengthSorted {
		errs = append(errs, errors.New("extraction.shuffle_seed cannot be combined with policy length-sorted"))
	}
	if ext.Itemize && ext.UnitLen <= 0 {
		errs = append(errs, fmt.Errorf("extraction.unit_len must be positive when itemize is set, got %d", ext.UnitLen))
	}
	if !ext.Itemize && ext.UnitLen > 0 {
		errs = append(errs, fmt.Errorf("extraction.unit_len %d is set but itemize is false; enable itemize or drop unit_len", ext.UnitLen))
	}
	if _, err := pack.PolicyByName(ext.Padding); err != nil {
		errs = append(errs, fmt.Errorf("extraction.padding: %w", err))
	}
	if !encode.Aggregation(ext.Aggregation).IsValid() {
		errs = append(errs, fmt.Errorf("extraction.aggregation %q is invalid; valid values: flat, stacked", ext.Aggregation))
	}
	if ext.Workers < 0 {
		errs = append(errs, fmt.Errorf("extraction.workers must not be negative, got %d", ext.Workers))
	}

	// Backbone and store selection
	if cfg.Backbone.Name == "" {
		errs = append(errs, errors.New("backbone.name is required"))
	}
	if cfg.Store.Name == "" {
		errs = append(errs, errors.New("store.name is required"))
	}

	return errors.Join(errs...)
}
