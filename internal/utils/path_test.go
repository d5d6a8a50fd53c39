package utils

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolvePath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Fatal(err)
	}
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{
			name:    "empty path",
			in:      "",
			wantErr: true,
		},
		{
			name: "tilde expansion",
			in:   "~/data",
			want: filepath.Join(home, "data"),
		},
		{
			name: "relative path",
			in:   "some/dir",
			want: filepath.Join(cwd, "some", "dir"),
		},
		{
			name: "absolute unchanged",
			in:   "/var/data",
			want: "/var/data",
		},
		{
			name: "cleans dot segments",
			in:   "/var/./data/../data",
			want: "/var/data",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolvePath(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ResolvePath(%q) expected error, got %q", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ResolvePath(%q) unexpected error: %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ResolvePath(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestEnsureDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b", "c")

	if err := EnsureDir(dir); err != nil {
		t.Fatal(err)
	}
	if !DirExists(dir) {
		t.Fatalf("expected %s to exist", dir)
	}

	// already existing is fine
	if err := EnsureDir(dir); err != nil {
		t.Fatal(err)
	}
}

func TestFileAndDirExists(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "f.txt")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	if !FileExists(file) || DirExists(file) {
		t.Errorf("FileExists/DirExists wrong for file %s", file)
	}
	if !DirExists(dir) || FileExists(dir) {
		t.Errorf("FileExists/DirExists wrong for dir %s", dir)
	}
	if FileExists(filepath.Join(dir, "missing")) {
		t.Error("FileExists true for missing path")
	}
}
