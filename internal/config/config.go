package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mountebank-testing/mbengine/internal/models"
	"gopkg.in/yaml.v3"
)

// Config represents the structure of the configuration file
type Config struct {
	Imposters []models.ImposterConfig `json:"imposters"`
}

// Load loads imposters from a JSON or YAML file. YAML is chosen by the .yaml or
// .yml extension; anything else is parsed as JSON.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	return Parse(data, isYAML(path))
}

// Parse decodes configuration data
func Parse(data []byte, asYAML bool) (*Config, error) {
	if asYAML {
		var generic interface{}
		if err := yaml.Unmarshal(data, &generic); err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
		converted, err := json.Marshal(generic)
		if err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
		data = converted
	}

	var config Config
	decoder := json.NewDecoder(bytes.NewReader(data))
	if err := decoder.Decode(&config); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}
	return &config, nil
}

// Save writes imposters to path, as YAML when the extension asks for it
func Save(path string, imposters []models.ImposterConfig) error {
	config := Config{Imposters: imposters}
	if imposters == nil {
		config.Imposters = []models.ImposterConfig{}
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config file: %w", err)
	}
	if isYAML(path) {
		var generic interface{}
		if err := json.Unmarshal(data, &generic); err != nil {
			return fmt.Errorf("failed to encode config file: %w", err)
		}
		if data, err = yaml.Marshal(generic); err != nil {
			return fmt.Errorf("failed to encode config file: %w", err)
		}
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	return nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}
