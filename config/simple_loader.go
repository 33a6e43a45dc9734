package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var durationType = reflect.TypeOf(time.Duration(0))

// SimpleLoader reads an optional YAML file and then overlays environment variables.
// Variable names are the prefix followed by the env tags of the nested fields joined
// by '_', e.g. HASHNAV_CACHE_TTL.
type SimpleLoader struct {
	yamlFile  string
	envPrefix string
	lookup    func(string) (string, bool)
}

// NewSimpleLoader creates a new simple configuration loader
func NewSimpleLoader() *SimpleLoader {
	return &SimpleLoader{
		envPrefix: DefaultEnvPrefix,
		lookup:    os.LookupEnv,
	}
}

// WithYAMLFile sets the YAML configuration file path. A missing file is not an error.
func (l *SimpleLoader) WithYAMLFile(path string) *SimpleLoader {
	l.yamlFile = path
	return l
}

// WithEnvPrefix sets the environment variable prefix
func (l *SimpleLoader) WithEnvPrefix(prefix string) *SimpleLoader {
	l.envPrefix = prefix
	return l
}

// Load fills cfg from defaults, the YAML file and the environment, then validates it.
func (l *SimpleLoader) Load(cfg *Config) error {
	*cfg = *DefaultConfig()

	if l.yamlFile != "" {
		if err := l.loadFromYAML(cfg); err != nil {
			return fmt.Errorf("failed to load YAML config: %w", err)
		}
	}
	if err := l.loadFromEnv(cfg); err != nil {
		return fmt.Errorf("failed to load env config: %w", err)
	}
	return cfg.Validate()
}

func (l *SimpleLoader) loadFromYAML(cfg *Config) error {
	data, err := os.ReadFile(l.yamlFile)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func (l *SimpleLoader) loadFromEnv(cfg *Config) error {
	lookup := l.lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	return overlayEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix, lookup)
}

// overlayEnv walks the struct by its env tags and assigns every non-empty variable found.
func overlayEnv(v reflect.Value, prefix string, lookup func(string) (string, bool)) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		sf := t.Field(i)

		tag, _, _ := strings.Cut(sf.Tag.Get("env"), ",")
		if tag == "" {
			continue
		}
		name := prefix + tag

		if field.Kind() == reflect.Struct {
			if err := overlayEnv(field, name+"_", lookup); err != nil {
				return err
			}
			continue
		}

		raw, ok := lookup(name)
		if !ok || raw == "" {
			continue
		}
		if err := setField(field, raw); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func setField(field reflect.Value, raw string) error {
	if !field.CanSet() {
		return errors.New("field cannot be set")
	}

	switch {
	case field.Type() == durationType:
		d, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		field.SetInt(int64(d))
	case field.Kind() == reflect.String:
		field.SetString(raw)
	case field.CanInt():
		n, err := strconv.ParseInt(raw, 10, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetInt(n)
	case field.Kind() == reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case field.Kind() == reflect.Slice && field.Type().Elem().Kind() == reflect.String:
		parts := strings.Split(raw, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		field.Set(reflect.ValueOf(parts))
	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}
	return nil
}

// Marshal encodes cfg as YAML with secrets masked.
func Marshal(cfg *Config) ([]byte, error) {
	c := *cfg
	if c.Auth.SecretKey != "" {
		c.Auth.SecretKey = "********"
	}
	if c.HTTP.BearerToken != "" {
		c.HTTP.BearerToken = "********"
	}
	if c.Cache.DatabaseURL != "" {
		c.Cache.DatabaseURL = "********"
	}
	return yaml.Marshal(&c)
}
