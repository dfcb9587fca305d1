package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/amoylab/cfgstream/internal/common/cnst"
	"github.com/amoylab/cfgstream/internal/connection"
)

// extensions in lookup order
var extensions = []string{".yaml", ".yml", ".json", ".toml"}

// File reads documents from <dir>/<label>/<app>-<profile>.<ext>, falling
// back to <dir>/<app>-<profile>.<ext>. The version is the content hash, so
// an unchanged file always reports the same version.
type File struct {
	logger *zap.Logger
	dir    string
}

var _ ConfigSource = (*File)(nil)

func NewFile(logger *zap.Logger, dir string) (*File, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("config directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("config directory: %s is not a directory", dir)
	}
	logger = logger.Named("source.file")
	logger.Info("Using configuration directory", zap.String("path", dir))
	return &File{logger: logger, dir: dir}, nil
}

func (f *File) GetConfig(_ context.Context, app, profile, label string) (*Document, error) {
	path, ok := f.lookup(app, profile, label)
	if !ok {
		return nil, fmt.Errorf("%w: %s", cnst.ErrConfigNotFound, connection.Key(app, profile, label))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	raw, err := decodeFile(filepath.Ext(path), data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	doc, err := NewDocument(raw, "")
	if err != nil {
		return nil, fmt.Errorf("failed to normalize %s: %w", path, err)
	}
	f.logger.Debug("loaded config",
		zap.String("path", path),
		zap.String("version", doc.Version))
	return doc, nil
}

func (f *File) lookup(app, profile, label string) (string, bool) {
	name := app + "-" + profile
	for _, dir := range []string{filepath.Join(f.dir, label), f.dir} {
		for _, ext := range extensions {
			path := filepath.Join(dir, name+ext)
			if info, err := os.Stat(path); err == nil && !info.IsDir() {
				return path, true
			}
		}
	}
	return "", false
}

func decodeFile(ext string, data []byte) (any, error) {
	var out any
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &out); err != nil {
			return nil, err
		}
	case ".json":
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, err
		}
	case ".toml":
		m := map[string]any{}
		if err := toml.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		out = m
	default:
		return nil, errors.New("unsupported file extension " + ext)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// ReadFile decodes a single document file, picking the format by extension
func ReadFile(path string) (any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	out, err := decodeFile(strings.ToLower(filepath.Ext(path)), data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return out, nil
}
