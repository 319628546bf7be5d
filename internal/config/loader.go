package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// envPrefix namespaces docqd environment overrides.
const envPrefix = "DOCQD_"

// Load loads configuration from the given YAML file (if it exists), then
// overrides with DOCQD_* environment variables, applies defaults, and
// validates.
//
// Precedence (highest to lowest):
//  1. Environment variables (DOCQD_SERVER_PORT, DOCQD_EMBEDDING_MODEL, ...)
//  2. YAML config file
//  3. Defaults
//
// Environment variables map to config keys by stripping the prefix,
// lowercasing, and splitting on the first underscore:
//
//	DOCQD_SERVER_PORT          -> server.port
//	DOCQD_EMBEDDING_BASE_URL   -> embedding.base_url
//	DOCQD_INDEX_PROVIDER       -> index.provider
//
// Nested subsections use a double underscore:
//
//	DOCQD_INDEX__QDRANT_HOST   -> index.qdrant.host
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath != "" {
		content, err := os.ReadFile(configPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
			}
		} else {
			if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
			}
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", transformEnvKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// transformEnvKey maps DOCQD_SECTION_FIELD_NAME to section.field_name.
// A double underscore marks a nested section boundary.
func transformEnvKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, envPrefix))

	// Nested sections first: index__qdrant_host -> index.qdrant.host
	if head, tail, ok := strings.Cut(lower, "__"); ok {
		sub, field, found := strings.Cut(tail, "_")
		if !found {
			return head + "." + tail
		}
		return head + "." + sub + "." + field
	}

	section, field, ok := strings.Cut(lower, "_")
	if !ok {
		return lower
	}
	return section + "." + field
}
