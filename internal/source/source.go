// Package source provides the configuration documents a connection receives
// as its initial snapshot.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/amoylab/cfgstream/internal/common/config"
	"github.com/amoylab/cfgstream/pkg/jsondiff"
)

// Document is one version of an app:profile:label configuration
type Document struct {
	Config  any    `json:"config"`
	Version string `json:"version"`
}

// ConfigSource returns the current document for a key. Unknown keys return
// an error wrapping cnst.ErrConfigNotFound.
type ConfigSource interface {
	GetConfig(ctx context.Context, app, profile, label string) (*Document, error)
}

// Updater is implemented by sources that accept new documents at runtime.
// Put returns the document it replaced, or nil for a new key.
type Updater interface {
	Put(ctx context.Context, app, profile, label string, doc *Document) (previous *Document, err error)
}

// NewDocument normalizes cfg to the JSON data model. An empty version is
// replaced by the content hash.
func NewDocument(cfg any, version string) (*Document, error) {
	normalized, err := jsondiff.Normalize(cfg)
	if err != nil {
		return nil, err
	}
	if version == "" {
		version, err = VersionOf(normalized)
		if err != nil {
			return nil, err
		}
	}
	return &Document{Config: normalized, Version: version}, nil
}

// VersionOf hashes the canonical JSON encoding of cfg. Object keys are
// sorted by encoding/json, so equal documents share a version.
func VersionOf(cfg any) (string, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("failed to encode document: %w", err)
	}
	return strconv.FormatUint(xxhash.Sum64(data), 16), nil
}

// New creates the source selected by cfg.Type
func New(logger *zap.Logger, cfg *config.SourceConfig) (ConfigSource, error) {
	logger.Info("Initializing config source", zap.String("type", cfg.Type))
	switch cfg.Type {
	case config.SourceMemory:
		return NewMemory(), nil
	case config.SourceFile:
		return NewFile(logger, cfg.File.Dir)
	default:
		return nil, fmt.Errorf("unsupported source type: %s", cfg.Type)
	}
}
