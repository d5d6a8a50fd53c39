package store

import (
	"testing"
)

func TestCleanPath(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"already clean", "/a/b.txt", "/a/b.txt"},
		{"missing leading slash", "a/b.txt", "/a/b.txt"},
		{"trailing slash", "/a/b/", "/a/b"},
		{"dot segments", "/a/./b/../c.txt", "/a/c.txt"},
		{"backslashes", "a\\b\\c.txt", "/a/b/c.txt"},
		{"empty", "", "/"},
		{"root", "/", "/"},
		{"escape attempt", "/../../etc/passwd", "/etc/passwd"},
		{"double slashes", "//a//b.txt", "/a/b.txt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CleanPath(tt.in); got != tt.want {
				t.Errorf("CleanPath(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestIsRoot(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"/", true},
		{"", true},
		{"/a", false},
		{"/a/..", true},
	}

	for _, tt := range tests {
		if got := IsRoot(tt.in); got != tt.want {
			t.Errorf("IsRoot(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestWithin(t *testing.T) {
	tests := []struct {
		name    string
		p       string
		subtree string
		want    bool
	}{
		{"root contains all", "/a/b.txt", "/", true},
		{"equal paths", "/a/b", "/a/b", true},
		{"direct child", "/a/b/c.txt", "/a/b", true},
		{"deep descendant", "/a/b/c/d/e.txt", "/a/b", true},
		{"sibling", "/a/c.txt", "/a/b", false},
		{"name prefix is not containment", "/a/bc.txt", "/a/b", false},
		{"parent not within child", "/a", "/a/b", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Within(tt.p, tt.subtree); got != tt.want {
				t.Errorf("Within(%q, %q) = %v, want %v", tt.p, tt.subtree, got, tt.want)
			}
		})
	}
}
