package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024

	// EnvPrefix prefixes every environment override.
	EnvPrefix = "RECALLD_"
)

// nestedSections lists multi-level sections so env keys can be split
// unambiguously: RECALLD_VECTORSTORE_QDRANT_API_KEY -> vectorstore.qdrant.api_key.
var nestedSections = []string{
	"vectorstore_qdrant",
	"vectorstore_pinecone",
	"vectorstore_turbopuffer",
	"vectorstore_embedded",
	"reranker_cohere",
}

func init() {
	// longest first so a section never shadows a deeper one
	sort.Slice(nestedSections, func(i, j int) bool {
		return len(nestedSections[i]) > len(nestedSections[j])
	})
}

// DefaultPath returns ~/.config/recalld/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "recalld", "config.yaml"), nil
}

// Load reads configuration with precedence env > YAML file > defaults.
//
// An empty path uses DefaultPath. A missing file is not an error. An existing
// file must be owner-only (0600 or 0400) and at most 1MB.
//
// Environment variables carry the RECALLD_ prefix and map to keys by
// splitting off the section:
//
//	RECALLD_SERVER_PORT                -> server.port
//	RECALLD_EMBEDDINGS_BASE_URL        -> embeddings.base_url
//	RECALLD_VECTORSTORE_QDRANT_API_KEY -> vectorstore.qdrant.api_key
func Load(path string) (*Config, error) {
	if path == "" {
		var err error
		if path, err = DefaultPath(); err != nil {
			return nil, err
		}
	}

	k := koanf.New(".")

	content, err := readConfigFile(path)
	if err != nil {
		return nil, err
	}
	if content != nil {
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// envKey maps RECALLD_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))

	for _, section := range nestedSections {
		if strings.HasPrefix(key, section+"_") {
			field := strings.TrimPrefix(key, section+"_")
			return strings.ReplaceAll(section, "_", ".") + "." + field
		}
	}

	section, field, ok := strings.Cut(key, "_")
	if !ok {
		return key
	}
	return section + "." + field
}

// readConfigFile returns nil content when the file does not exist. The file
// is opened once and validated through the descriptor.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := validateConfigFileProperties(info); err != nil {
		return nil, fmt.Errorf("config file validation failed: %w", err)
	}

	content, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

// validateConfigFileProperties checks permissions and size. Config files
// hold API keys, so group or world access is refused.
func validateConfigFileProperties(info os.FileInfo) error {
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", info.Name())
	}
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}
