package secrets

import (
	"fmt"
	"os"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/spigell/opportunity-radar/internal/radar"
)

// Source describes where a secret may come from. File wins over Env, and Env wins over Value.
type Source struct {
	// Name is used in error messages to give more context about the secret.
	Name string
	// Value is an inline secret value provided via configuration.
	Value string
	// File points to a file containing the secret value. "~" is expanded.
	File string
	// Env names an environment variable holding the secret.
	Env string
}

// Load returns the trimmed secret. A missing secret is a configuration error.
func Load(src Source) (string, error) {
	name := strings.TrimSpace(src.Name)
	if name == "" {
		name = "secret"
	}

	if file := strings.TrimSpace(src.File); file != "" {
		path, err := homedir.Expand(file)
		if err != nil {
			return "", fmt.Errorf("expanding %s file path %q: %w", name, file, err)
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("reading %s from file %q: %w", name, path, err)
		}

		secret := strings.TrimSpace(string(data))
		if secret == "" {
			return "", fmt.Errorf("%s file %q is empty: %w", name, path, radar.ErrConfiguration)
		}
		return secret, nil
	}

	if env := strings.TrimSpace(src.Env); env != "" {
		if secret := strings.TrimSpace(os.Getenv(env)); secret != "" {
			return secret, nil
		}
	}

	secret := strings.TrimSpace(src.Value)
	if secret == "" {
		return "", fmt.Errorf("%s is not configured: %w", name, radar.ErrConfiguration)
	}

	return secret, nil
}
