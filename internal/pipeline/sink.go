package pipeline

import (
	"fmt"
	"path"
	"sync"

	"github.com/banshee-data/scanalign/internal/fsutil"
	"github.com/banshee-data/scanalign/internal/raster"
)

// DirSink writes each output as a numbered image file.
type DirSink struct {
	FS     fsutil.FileSystem
	Dir    string
	Prefix string
	Format raster.Format

	mu   sync.Mutex
	sent int
}

// NewDirSink creates dir if needed and returns a TIFF sink writing into it.
func NewDirSink(fsys fsutil.FileSystem, dir string) (*DirSink, error) {
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &DirSink{FS: fsys, Dir: dir, Prefix: "warped", Format: raster.FormatTIFF}, nil
}

// Ready reports whether the output directory is present.
func (s *DirSink) Ready() bool {
	return s.FS.Exists(s.Dir)
}

func (s *DirSink) Send(r *raster.Raster) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ext := ".tif"
	if s.Format == raster.FormatPNG {
		ext = ".png"
	}
	name := path.Join(s.Dir, fmt.Sprintf("%s_%04d%s", s.Prefix, s.sent+1, ext))
	w, err := s.FS.Create(name)
	if err != nil {
		return err
	}
	if err := raster.Encode(w, r, s.Format); err != nil {
		w.Close()
		return fmt.Errorf("encode %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return err
	}
	s.sent++
	return nil
}

// Sent is the number of files written.
func (s *DirSink) Sent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}
