package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/public-register-crawler/internal/crawler"
)

// Format selects the artifact encoding.
type Format string

// Supported artifact formats.
const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// DefaultArtifactPath is used when ArtifactConfig.Path is empty.
const DefaultArtifactPath = "records.json"

// ArtifactConfig locates the artifact inside its BlobStore.
type ArtifactConfig struct {
	Path string `mapstructure:"path"`
	// Format overrides detection from the path extension.
	Format Format `mapstructure:"format"`
}

// ArtifactWriter encodes the full record list and stores it as one object.
type ArtifactWriter struct {
	store  crawler.BlobStore
	path   string
	format Format
}

// NewArtifactWriter validates cfg and binds it to store.
func NewArtifactWriter(store crawler.BlobStore, cfg ArtifactConfig) (*ArtifactWriter, error) {
	if store == nil {
		return nil, fmt.Errorf("artifact blob store is required")
	}
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = DefaultArtifactPath
	}
	format := cfg.Format
	if format == "" {
		format = FormatFromPath(path)
	}
	if format != FormatJSON && format != FormatYAML {
		return nil, fmt.Errorf("unsupported artifact format %q", format)
	}
	return &ArtifactWriter{store: store, path: path, format: format}, nil
}

// FormatFromPath picks YAML for .yaml and .yml paths and JSON otherwise.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// Write encodes records in the order given and returns the stored URI.
func (w *ArtifactWriter) Write(ctx context.Context, records []crawler.DetailRecord) (string, error) {
	if records == nil {
		records = []crawler.DetailRecord{}
	}
	payload, contentType, err := w.encode(records)
	if err != nil {
		return "", err
	}
	uri, err := w.store.PutObject(ctx, w.path, contentType, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("store artifact %s: %w", w.path, err)
	}
	return uri, nil
}

func (w *ArtifactWriter) encode(records []crawler.DetailRecord) ([]byte, string, error) {
	switch w.format {
	case FormatYAML:
		payload, err := yaml.Marshal(records)
		if err != nil {
			return nil, "", fmt.Errorf("encode yaml artifact: %w", err)
		}
		return payload, "application/yaml", nil
	default:
		payload, err := json.MarshalIndent(records, "", "  ")
		if err != nil {
			return nil, "", fmt.Errorf("encode json artifact: %w", err)
		}
		return append(payload, '\n'), "application/json", nil
	}
}
