package config

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// Fingerprint returns a short BLAKE3 digest of the effective configuration with
// secrets blanked, so two daemons can be compared without exposing keys.
func Fingerprint(cfg *Config) (string, error) {
	if cfg == nil {
		return "", fmt.Errorf("config is nil")
	}
	redacted := *cfg
	redacted.Backend.APIKey = ""
	redacted.API.Auth = APIAuthConfig{}

	data, err := yaml.Marshal(&redacted)
	if err != nil {
		return "", fmt.Errorf("marshal config: %w", err)
	}
	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:8]), nil
}
