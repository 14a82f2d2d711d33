package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// ApplyRCFile merges a run commands file into v. The file holds CLI options keyed
// by flag name, as JSON by default or YAML by extension; values already set on
// the command line keep precedence because flags bind above config in viper.
func ApplyRCFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if isYAML(path) {
		v.SetConfigType("yaml")
	} else {
		v.SetConfigType("json")
	}
	if err := v.MergeInConfig(); err != nil {
		return fmt.Errorf("failed to read rcfile %s: %w", filepath.Base(path), err)
	}
	return nil
}

// SplitList parses pipe- or comma-delimited option values such as --ipWhitelist
func SplitList(value string) []string {
	fields := strings.FieldsFunc(value, func(r rune) bool {
		return r == '|' || r == ','
	})
	result := make([]string, 0, len(fields))
	for _, field := range fields {
		if field = strings.TrimSpace(field); field != "" {
			result = append(result, field)
		}
	}
	return result
}
