package security

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestValidatePathWithinDirectory(t *testing.T) {
	tmp := t.TempDir()
	outDir := filepath.Join(tmp, "out")
	elsewhere := filepath.Join(tmp, "elsewhere")
	for _, d := range []string{outDir, elsewhere} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	link := filepath.Join(outDir, "escape")
	if err := os.Symlink(elsewhere, link); err != nil {
		t.Fatalf("failed to create symlink: %v", err)
	}

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"root itself", outDir, false},
		{"new file", filepath.Join(outDir, "warped_0001.tif"), false},
		{"new nested file", filepath.Join(outDir, "run", "cycle", "warped.tif"), false},
		{"dot dot", filepath.Join(outDir, "..", "warped.tif"), true},
		{"sibling", filepath.Join(elsewhere, "warped.tif"), true},
		{"through symlink", filepath.Join(link, "warped.tif"), true},
		{"through symlink nested", filepath.Join(link, "a", "b.tif"), true},
		{"absolute system path", "/etc/passwd", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePathWithinDirectory(tt.path, outDir)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidatePathWithinDirectory(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrPathEscape) {
				t.Errorf("expected ErrPathEscape, got %v", err)
			}
		})
	}
}

func TestValidatePathWithinDirectory_MissingRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "missing")
	if err := ValidatePathWithinDirectory(filepath.Join(root, "x"), root); err == nil {
		t.Error("expected error for a root that does not exist")
	}
}

func TestValidatePathWithinAllowedDirs(t *testing.T) {
	a, b := t.TempDir(), t.TempDir()

	if err := ValidatePathWithinAllowedDirs(filepath.Join(b, "report.png"), []string{a, b}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidatePathWithinAllowedDirs("/etc/report.png", []string{a, b}); !errors.Is(err, ErrPathEscape) {
		t.Errorf("expected ErrPathEscape, got %v", err)
	}
	if err := ValidatePathWithinAllowedDirs(a, nil); err == nil {
		t.Error("expected error for empty root list")
	}
}

func TestValidateOutputPath(t *testing.T) {
	if err := ValidateOutputPath(filepath.Join(os.TempDir(), "scan.tif")); err != nil {
		t.Errorf("temp dir path rejected: %v", err)
	}
	if err := ValidateOutputPath("composite.tif"); err != nil {
		t.Errorf("relative path rejected: %v", err)
	}
	if err := ValidateOutputPath("/etc/scan.tif"); err == nil {
		t.Error("expected /etc to be rejected")
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"warped", "warped"},
		{"run 2026/03/01", "run_2026_03_01"},
		{"a::b", "a_b"},
		{"../../etc", "etc"},
		{"__x__", "x"},
		{"", "unknown"},
		{"///", "unknown"},
		{"0b2f-uuid.v1", "0b2f-uuid.v1"},
	}
	for _, tt := range tests {
		if got := SanitizeFilename(tt.in); got != tt.want {
			t.Errorf("SanitizeFilename(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if got := SanitizeFilename(strings.Repeat("x", 300)); len(got) != 128 {
		t.Errorf("length = %d, want 128", len(got))
	}
}
