package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestIsURL(t *testing.T) {
	tests := map[string]bool{
		"https://cdn.example.com/dua.jpg": true,
		"HTTP://host/a.png":               true,
		"./photos/dua.jpg":                false,
		"/tmp/http-file.png":              false,
	}
	for in, want := range tests {
		if got := isURL(in); got != want {
			t.Errorf("isURL(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestRequestFlagsPayload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dua.png")
	if err := os.WriteFile(path, []byte{0x89, 'P', 'N', 'G'}, 0o644); err != nil {
		t.Fatal(err)
	}

	f := requestFlags{userID: "u1", translate: true}
	p, err := f.payload("job", path)
	if err != nil {
		t.Fatalf("payload() error = %v", err)
	}
	if len(p.ImageBuffer) != 4 || p.ImageURL != "" || !p.Translate || p.UserID != "u1" {
		t.Errorf("payload = %+v", p)
	}

	p, err = f.payload("job", "https://example.com/a.jpg")
	if err != nil || p.ImageURL == "" || p.ImageBuffer != nil {
		t.Errorf("url payload = %+v, %v", p, err)
	}

	page := requestFlags{page: true}
	p, err = page.payload("job", "https://duas.example/morning")
	if err != nil || p.PageURL == "" || p.ImageURL != "" {
		t.Errorf("page payload = %+v, %v", p, err)
	}
	if _, err := page.payload("job", path); err == nil {
		t.Error("--page with a file path should be rejected")
	}

	anon := requestFlags{translate: true}
	if _, err := anon.payload("job", "https://example.com/a.jpg"); err == nil {
		t.Error("translation without a user should be rejected")
	}
}

func TestRootRegistersCommands(t *testing.T) {
	want := []string{"serve", "extract", "enqueue", "status", "migrate", "reset-usage"}
	root := rootCmd()
	for _, name := range want {
		if cmd, _, err := root.Find([]string{name}); err != nil || cmd.Name() != name {
			t.Errorf("command %q not registered", name)
		}
	}
}
