package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/eliteGoblin/focusd/apppack/internal/domain"
)

// LoadManifest reads build options from a .yaml/.yml or .json/.jsonc file.
// Unknown keys are rejected. Relative paths resolve against the manifest's
// directory.
func LoadManifest(path string) (*Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &domain.ResourceNotFound{Kind: "manifest", Path: path}
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	opts, err := ParseManifest(data, filepath.Ext(path))
	if err != nil {
		return nil, err
	}

	abs, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve manifest directory: %w", err)
	}
	opts.BaseDir = abs
	return opts, nil
}

// ParseManifest decodes manifest bytes. ext selects the syntax.
func ParseManifest(data []byte, ext string) (*Options, error) {
	var opts Options
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&opts); err != nil && !errors.Is(err, io.EOF) {
			return nil, fail("manifest", err.Error())
		}
	case ".json", ".jsonc":
		dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&opts); err != nil {
			return nil, fail("manifest", err.Error())
		}
	default:
		return nil, fail("manifest", "unsupported manifest extension "+displayExt(ext))
	}
	return &opts, nil
}

func displayExt(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
