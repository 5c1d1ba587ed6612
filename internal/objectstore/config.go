package objectstore

import (
	"strings"

	"github.com/pkg/errors"
)

// Config addresses an S3-compatible endpoint holding the raw log and song
// data.
type Config struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// Enabled reports whether an endpoint was configured at all.
func (c Config) Enabled() bool {
	return strings.TrimSpace(c.Endpoint) != ""
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return errors.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}
