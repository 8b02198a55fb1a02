// Package cmdutil provides shared utilities for CLI command implementations.
package cmdutil

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// GetStringConfig returns flagValue if set, otherwise the config value for key.
func GetStringConfig(key, flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return viper.GetString(key)
}

// GetStringSliceConfig returns flagValue if non-empty, otherwise the config
// value for key.
func GetStringSliceConfig(key string, flagValue []string) []string {
	if len(flagValue) > 0 {
		return flagValue
	}
	// viper.IsSet reports bound flags as set even when the file lacks them
	if configValue := viper.GetStringSlice(key); len(configValue) > 0 {
		return configValue
	}
	return flagValue
}

// GetIntConfig returns the config value for key, or flagValue if the key is not set.
func GetIntConfig(key string, flagValue int) int {
	if viper.IsSet(key) {
		return viper.GetInt(key)
	}
	return flagValue
}

// GetBoolConfig returns flagValue when true, otherwise the config value for
// key. A config file can switch a boolean on but not off.
func GetBoolConfig(key string, flagValue bool) bool {
	if flagValue {
		return true
	}
	return viper.GetBool(key)
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
