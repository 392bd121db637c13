package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/mappaturasmd/mappatura/internal/fsutil"
)

const schemaURL = "mappaturasmd.schema.json"

//go:embed schema.json
var schemaDocument []byte

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

var ErrInvalidConfig = errors.New("invalid config")

func configSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaDocument))
		if err != nil {
			schemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(schemaURL, doc); err != nil {
			schemaErr = err
			return
		}
		compiledSchema, schemaErr = compiler.Compile(schemaURL)
	})
	return compiledSchema, schemaErr
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}

// Read decodes, validates and migrates the file at path without touching
// it. Decode and schema failures wrap ErrInvalidConfig.
func Read(path string) (AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return AppConfig{}, err
	}
	return Parse(data, isYAML(path))
}

// Parse decodes one settings document. YAML is converted to JSON first so
// both formats go through the same schema and decoder.
func Parse(data []byte, yamlInput bool) (AppConfig, error) {
	if yamlInput {
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return AppConfig{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		converted, err := json.Marshal(doc)
		if err != nil {
			return AppConfig{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		data = converted
	}

	schema, err := configSchema()
	if err != nil {
		return AppConfig{}, err
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return AppConfig{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := schema.Validate(instance); err != nil {
		return AppConfig{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	cfg := Defaults()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	cfg.Migrate()
	return cfg, nil
}

// Load never fails on a bad file: a missing file is created with defaults
// and an unreadable one is replaced by them, with a warning.
func Load(path string, logger *zap.Logger) (AppConfig, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg, err := Read(path)
	switch {
	case err == nil:
		return cfg, nil
	case errors.Is(err, os.ErrNotExist):
		cfg = Defaults()
		if saveErr := Save(path, cfg); saveErr != nil {
			return cfg, saveErr
		}
		logger.Info("wrote default config", zap.String("path", path))
		return cfg, nil
	case errors.Is(err, ErrInvalidConfig):
		logger.Warn("config unreadable, resetting to defaults", zap.String("path", path), zap.Error(err))
		cfg = Defaults()
		return cfg, Save(path, cfg)
	default:
		return AppConfig{}, err
	}
}

func Save(path string, cfg AppConfig) error {
	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
		data = append(data, '\n')
	}
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, data, 0o600)
}
