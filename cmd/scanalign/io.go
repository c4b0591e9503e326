package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/banshee-data/scanalign/internal/raster"
	"github.com/banshee-data/scanalign/internal/security"
)

func readRaster(path string) (*raster.Raster, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r, err := raster.Decode(f, raster.FormatFromPath(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return r, nil
}

func validateOutput(path string) error {
	if err := security.ValidateOutputPath(path); err != nil {
		return fmt.Errorf("refusing to write %s: %w", path, err)
	}
	return nil
}

// writeRaster encodes r to path, choosing TIFF or PNG from the extension.
func writeRaster(path string, r *raster.Raster) error {
	if err := validateOutput(path); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := raster.Encode(&buf, r, raster.FormatFromPath(path)); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}
