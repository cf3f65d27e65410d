package config

import (
	"os"
	"strings"
)

// KeySource represents where an API key was loaded from.
type KeySource string

const (
	KeySourceEnv    KeySource = "environment"
	KeySourceConfig KeySource = "config_file"
	KeySourceNone   KeySource = "none"
)

// APIKey returns the Anthropic API key and where it came from. The
// environment wins over the config file. An unexpanded ${VAR} reference
// counts as unset.
func APIKey(cfg *Config) (string, KeySource) {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		return key, KeySourceEnv
	}
	if cfg != nil {
		key := os.ExpandEnv(cfg.Anthropic.APIKey)
		if key != "" && !strings.HasPrefix(key, "${") {
			return key, KeySourceConfig
		}
	}
	return "", KeySourceNone
}

// MaskAPIKey returns a masked version of the API key for display.
func MaskAPIKey(key string) string {
	if key == "" {
		return "(not set)"
	}
	if len(key) <= 15 {
		return "***"
	}
	return key[:7] + "..." + key[len(key)-4:]
}

// Mask hides secret values when printing a key/value pair.
func Mask(key string, value any) any {
	if strings.HasSuffix(key, "api_key") {
		s, _ := value.(string)
		return MaskAPIKey(s)
	}
	return value
}
