package prepost

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/born-ml/graphlower/internal/graph"
	"gopkg.in/yaml.v3"
)

// Config lists the adapters to splice into a graph, in order.
type Config struct {
	// PreProcess entries address logical graph inputs.
	PreProcess []PreProcessEntry `yaml:"preprocess,omitempty"`

	// PostProcess entries address declared graph outputs.
	PostProcess []PostProcessEntry `yaml:"postprocess,omitempty"`
}

// PreProcessEntry configures the adapter of one graph input.
type PreProcessEntry struct {
	Input            int `yaml:"input"`
	PreProcessConfig `yaml:",inline"`
}

// PostProcessEntry configures the adapter of one graph output.
type PostProcessEntry struct {
	Output            int `yaml:"output"`
	PostProcessConfig `yaml:",inline"`
}

// LoadConfig reads and parses an adapter YAML file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read adapter config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses adapter YAML. Unknown fields are rejected.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: failed to parse YAML: %w", graph.ErrConfig, err)
	}
	return &cfg, nil
}

// Apply splices every configured adapter into g. It stops at the first
// failure; adapters spliced before it stay in place.
func (c *Config) Apply(g *graph.Graph) error {
	for i, e := range c.PreProcess {
		if _, err := AddPreProcess(g, e.Input, e.PreProcessConfig); err != nil {
			return fmt.Errorf("preprocess[%d]: %w", i, err)
		}
	}
	for i, e := range c.PostProcess {
		if _, err := AddPostProcess(g, e.Output, e.PostProcessConfig); err != nil {
			return fmt.Errorf("postprocess[%d]: %w", i, err)
		}
	}
	return nil
}
