package install

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDetectBuildSystem(t *testing.T) {
	tests := []struct {
		marker string
		want   BuildSystem
	}{
		{"CMakeLists.txt", BuildSystemCMake},
		{"meson.build", BuildSystemMeson},
		{"configure", BuildSystemAutotools},
		{"configure.ac", BuildSystemAutotools},
		{"Makefile", BuildSystemMake},
		{"GNUmakefile", BuildSystemMake},
	}
	for _, tt := range tests {
		t.Run(tt.marker, func(t *testing.T) {
			dir := t.TempDir()
			if err := os.WriteFile(filepath.Join(dir, tt.marker), nil, 0o644); err != nil {
				t.Fatalf("write marker: %v", err)
			}
			if got := DetectBuildSystem(dir); got != tt.want {
				t.Errorf("DetectBuildSystem = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDetectBuildSystemPrefersCMakeOverMakefile(t *testing.T) {
	dir := t.TempDir()
	for _, marker := range []string{"CMakeLists.txt", "Makefile"} {
		if err := os.WriteFile(filepath.Join(dir, marker), nil, 0o644); err != nil {
			t.Fatalf("write marker: %v", err)
		}
	}
	if got := DetectBuildSystem(dir); got != BuildSystemCMake {
		t.Errorf("DetectBuildSystem = %v, want cmake", got)
	}
}

func TestDetectBuildSystemUnknownOnEmptyTree(t *testing.T) {
	if got := DetectBuildSystem(t.TempDir()); got != BuildSystemUnknown {
		t.Errorf("DetectBuildSystem = %v, want unknown", got)
	}
}

func TestSourceStoreKey(t *testing.T) {
	if got := SourceStoreKey("wget", "1.21"); got != "source:wget@1.21" {
		t.Errorf("SourceStoreKey = %q", got)
	}
}
