package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	bofryconfig "github.com/Bofry/config"
)

// BofryLoader loads configuration with Bofry/config from a YAML file, a .env file, the
// environment and optionally --name=value command arguments. The SimpleLoader env overlay
// runs afterwards so nested fields resolve the same way under both loaders.
type BofryLoader struct {
	yamlFile   string
	dotEnvFile string
	envPrefix  string
	args       []string
}

// NewBofryLoader creates a new Bofry configuration loader
func NewBofryLoader() *BofryLoader {
	return &BofryLoader{envPrefix: DefaultEnvPrefix}
}

// WithCommandArguments maps --cache-ttl=1m style arguments onto prefixed variables.
func (l *BofryLoader) WithCommandArguments(args []string) *BofryLoader {
	l.args = args
	return l
}

// WithYAMLFile sets the YAML configuration file path
func (l *BofryLoader) WithYAMLFile(path string) *BofryLoader {
	l.yamlFile = path
	return l
}

// WithDotEnvFile sets the .env file path
func (l *BofryLoader) WithDotEnvFile(path string) *BofryLoader {
	l.dotEnvFile = path
	return l
}

// WithEnvPrefix sets the environment variable prefix
func (l *BofryLoader) WithEnvPrefix(prefix string) *BofryLoader {
	l.envPrefix = prefix
	return l
}

// Load loads configuration from various sources
func (l *BofryLoader) Load(cfg *Config) error {
	*cfg = *DefaultConfig()

	l.applyCommandArgs()

	if err := l.loadBofry(cfg); err != nil {
		return err
	}

	overlay := &SimpleLoader{envPrefix: l.envPrefix}
	if err := overlay.loadFromEnv(cfg); err != nil {
		return fmt.Errorf("failed to load environment variables: %w", err)
	}
	return cfg.Validate()
}

// loadBofry runs the Bofry pipeline. Bofry/config panics on errors, so we recover.
func (l *BofryLoader) loadBofry(cfg *Config) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = fmt.Errorf("configuration loading: %w", e)
			} else {
				err = fmt.Errorf("configuration loading panic: %v", r)
			}
		}
	}()

	svc := bofryconfig.NewConfigurationService(cfg)

	if ok, err := exists(l.yamlFile); err != nil {
		return fmt.Errorf("failed to check YAML file: %w", err)
	} else if ok {
		svc.LoadYamlFile(l.yamlFile)
	}

	if ok, err := exists(l.dotEnvFile); err != nil {
		return fmt.Errorf("failed to check .env file: %w", err)
	} else if ok {
		svc.LoadDotEnvFile(l.dotEnvFile)
	}

	svc.LoadEnvironmentVariables(strings.TrimSuffix(l.envPrefix, "_"))
	return nil
}

// exists reports whether path names an existing file. An empty path does not exist.
func exists(path string) (bool, error) {
	if path == "" {
		return false, nil
	}
	_, err := os.Stat(path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

func (l *BofryLoader) applyCommandArgs() {
	for _, arg := range l.args {
		name, value, ok := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		if !ok || !strings.HasPrefix(arg, "--") {
			continue
		}
		name = strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
		os.Setenv(l.envPrefix+name, value)
	}
}

// Load reads configuration from yamlFile, a .env file next to it, and the environment.
func Load(yamlFile, envPrefix string) (*Config, error) {
	if envPrefix == "" {
		envPrefix = DefaultEnvPrefix
	}

	dotEnv := ""
	if yamlFile != "" {
		candidate := filepath.Join(filepath.Dir(yamlFile), ".env")
		if ok, _ := exists(candidate); ok {
			dotEnv = candidate
		}
	}

	cfg := &Config{}
	err := NewBofryLoader().
		WithYAMLFile(yamlFile).
		WithDotEnvFile(dotEnv).
		WithEnvPrefix(envPrefix).
		Load(cfg)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}
