// Package config provides the configuration schema, loader, and backend
// registry for the featforge extraction pipeline.
package config

// LogLevel controls log verbosity for the featforge CLI.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for featforge.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Log        LogConfig        `yaml:"log"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Dataset    DatasetConfig    `yaml:"dataset"`
	Extraction ExtractionConfig `yaml:"extraction"`
	Backbone   BackboneEntry    `yaml:"backbone"`
	Store      StoreEntry       `yaml:"store"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level controls verbosity. Default: info.
	Level LogLevel `yaml:"level"`

	// JSON switches output from human-readable text to JSON lines.
	JSON bool `yaml:"json"`
}

// MetricsConfig configures the Prometheus scrape endpoint.
type MetricsConfig struct {
	// ListenAddr is the TCP address to serve /metrics on (e.g., ":9090").
	// Empty disables the endpoint; metrics are still recorded.
	ListenAddr string `yaml:"listen_addr"`
}

// DatasetConfig locates the input audio.
type DatasetConfig struct {
	// Path is the directory containing WAV files.
	Path string `yaml:"path"`

	// SampleRate is the rate items are delivered at. It selects the
	// spectral profile and must be one the front end supports. Default: 16000.
	SampleRate int `yaml:"sample_rate"`
}

// ExtractionConfig holds the knobs of the extraction pipeline itself.
type ExtractionConfig struct {
	// Feature names the output records and keys the cache
	// (e.g., "m2d-flat"). Required.
	Feature string `yaml:"feature"`

	// BatchSize is the planner's nominal batch size. Required.
	BatchSize int `yaml:"batch_size"`

	// ReferenceLength is the item length, in samples, that BatchSize is
	// calibrated against. Required.
	ReferenceLength int `yaml:"reference_length"`

	// Policy orders items before batching: "ordered" or "length-sorted".
	// Default: ordered.
	Policy string `yaml:"policy"`

	// ShuffleSeed, when set, shuffles item order deterministically before
	// planning. Mutually exclusive with policy "length-sorted".
	ShuffleSeed *int64 `yaml:"shuffle_seed"`

	// Itemize splits each item into fixed sub-items of UnitLen samples
	// instead of padding the batch to its longest member.
	Itemize bool `yaml:"itemize"`

	// UnitLen is the sub-item length in samples. Required when Itemize is
	// set, rejected otherwise.
	UnitLen int `yaml:"unit_len"`

	// Padding selects the fill policy for padded tails:
	// "zero", "repeat" or "reflect". Default: zero.
	Padding string `yaml:"padding"`

	// Aggregation selects the output layout: "flat" or "stacked".
	// Default: flat.
	Aggregation string `yaml:"aggregation"`

	// Workers is the number of batches processed concurrently.
	// 0 or 1 means sequential.
	Workers int `yaml:"workers"`
}

// BackboneEntry selects and configures the backbone model. The Name field is
// used to look up the constructor in the [Registry].
type BackboneEntry struct {
	// Name selects the registered backbone implementation (e.g., "remote").
	Name string `yaml:"name"`

	// URL is the endpoint address for network-backed backbones.
	URL string `yaml:"url"`

	// AuthToken is sent as a Bearer token on the handshake if set.
	AuthToken string `yaml:"auth_token"`

	// Options holds implementation-specific values not covered by the
	// standard fields above.
	Options map[string]any `yaml:"options"`
}

// StoreEntry selects and configures the feature cache. The Name field is
// used to look up the constructor in the [Registry].
type StoreEntry struct {
	// Name selects the registered cache backend (e.g., "fs", "badger",
	// "postgres").
	Name string `yaml:"name"`

	// Path is the cache directory for file-backed stores.
	Path string `yaml:"path"`

	// DSN is the connection string for database-backed stores.
	DSN string `yaml:"dsn"`

	// EmbeddingDim sizes the similarity vector column for stores that
	// support nearest-neighbour queries. Must match the output dimension
	// of the configured feature.
	EmbeddingDim int `yaml:"embedding_dim"`

	// Options holds backend-specific values not covered by the standard
	// fields above.
	Options map[string]any `yaml:"options"`
}
