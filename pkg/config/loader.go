package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// Loader handles loading configuration from a YAML file overlaid with
// environment variables.
type Loader struct {
	envPrefix string
}

// NewLoader creates a new configuration loader
func NewLoader(envPrefix string) *Loader {
	return &Loader{envPrefix: envPrefix}
}

// LoadFromFile loads configuration from a YAML file into config.
func (l *Loader) LoadFromFile(configPath string, config interface{}) error {
	if configPath == "" {
		return nil // No config file specified
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	ext := strings.ToLower(filepath.Ext(configPath))
	if ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml)", ext)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	return nil
}

// LoadFromEnv overlays environment variables onto config. Variable names are
// derived from the yaml tags, uppercased and joined with underscores under
// the loader's prefix.
func (l *Loader) LoadFromEnv(config interface{}) error {
	return l.loadFromEnvRecursive(reflect.ValueOf(config).Elem(), "")
}

func (l *Loader) loadFromEnvRecursive(value reflect.Value, prefix string) error {
	if !value.IsValid() || !value.CanSet() {
		return nil
	}

	if value.Kind() != reflect.Struct {
		return nil
	}

	structType := value.Type()
	for i := 0; i < value.NumField(); i++ {
		field := value.Field(i)
		fieldType := structType.Field(i)

		if !field.CanSet() {
			continue
		}

		name := fieldType.Tag.Get("yaml")
		if idx := strings.Index(name, ","); idx >= 0 {
			name = name[:idx]
		}
		if name == "" || name == "-" {
			name = strings.ToLower(fieldType.Name)
		}

		key := name
		if prefix != "" {
			key = prefix + "_" + name
		}

		if field.Kind() == reflect.Struct && fieldType.Type != reflect.TypeOf(time.Time{}) {
			if err := l.loadFromEnvRecursive(field, key); err != nil {
				return err
			}
			continue
		}
		if field.Kind() == reflect.Ptr && field.Elem().Kind() == reflect.Struct {
			if err := l.loadFromEnvRecursive(field.Elem(), key); err != nil {
				return err
			}
			continue
		}

		envName := l.envName(key)
		raw, ok := os.LookupEnv(envName)
		if !ok {
			continue
		}
		if err := setFieldValue(field, raw); err != nil {
			return fmt.Errorf("invalid value for %s: %w", envName, err)
		}
	}

	return nil
}

func (l *Loader) envName(key string) string {
	name := strings.ToUpper(key)
	if l.envPrefix != "" {
		name = strings.ToUpper(l.envPrefix) + "_" + name
	}
	return name
}

func setFieldValue(field reflect.Value, raw string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
	case reflect.Bool:
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		field.SetBool(v)
	case reflect.Int, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(raw)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(v)
	case reflect.Float64:
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}
		field.SetFloat(v)
	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(raw, ",")
			out := make([]string, 0, len(parts))
			for _, p := range parts {
				if p = strings.TrimSpace(p); p != "" {
					out = append(out, p)
				}
			}
			field.Set(reflect.ValueOf(out))
			return nil
		}
		return fmt.Errorf("unsupported slice type %s", field.Type())
	default:
		return fmt.Errorf("unsupported field type %s", field.Type())
	}
	return nil
}
