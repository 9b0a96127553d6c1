package attach

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTemp(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestPreflight_MissingFile(t *testing.T) {
	res, err := Preflight(filepath.Join(t.TempDir(), "absent.txt"))
	if err == nil {
		t.Fatal("want error for missing file")
	}
	if res != nil {
		t.Fatalf("result: got %+v, want nil", res)
	}
}

func TestPreflight_EmptyFile(t *testing.T) {
	path := writeTemp(t, "empty.txt", nil)
	res, err := Preflight(path)
	if err == nil {
		t.Fatal("want error for empty file")
	}
	if res == nil || res.Class != ClassEmpty {
		t.Fatalf("class: got %+v, want %s", res, ClassEmpty)
	}
}

func TestPreflight_Directory(t *testing.T) {
	if _, err := Preflight(t.TempDir()); err == nil {
		t.Fatal("want error for directory")
	}
}

func TestPreflight_TextFile(t *testing.T) {
	path := writeTemp(t, "notes.txt", []byte("meeting notes for tuesday\n"))
	res, err := Preflight(path)
	if err != nil {
		t.Fatal(err)
	}
	if res.Class != ClassText {
		t.Fatalf("class: got %s, want %s", res.Class, ClassText)
	}
	if !strings.HasPrefix(res.MIME, "text/plain") {
		t.Fatalf("mime: got %s, want text/plain prefix", res.MIME)
	}
	if res.Size != 26 {
		t.Fatalf("size: got %d, want 26", res.Size)
	}
}

func TestPreflight_PNGByMagic(t *testing.T) {
	png := append([]byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}, make([]byte, 32)...)
	path := writeTemp(t, "shot.png", png)
	res, err := Preflight(path)
	if err != nil {
		t.Fatal(err)
	}
	if res.Class != ClassImage {
		t.Fatalf("class: got %s, want %s", res.Class, ClassImage)
	}
	if res.MIME != "image/png" {
		t.Fatalf("mime: got %s, want image/png", res.MIME)
	}
}

// JSON sniffs as plain text; the extension table resolves it.
func TestPreflight_JSONByExtension(t *testing.T) {
	path := writeTemp(t, "payload.json", []byte(`{"a": 1}`))
	res, err := Preflight(path)
	if err != nil {
		t.Fatal(err)
	}
	if res.MIME != "application/json" {
		t.Fatalf("mime: got %s, want application/json", res.MIME)
	}
	if res.Class != ClassText {
		t.Fatalf("class: got %s, want %s", res.Class, ClassText)
	}
}

// A file that announces itself as PDF but fails structural validation is
// rejected before any injection would run.
func TestPreflight_MalformedPDF(t *testing.T) {
	path := writeTemp(t, "broken.pdf", []byte("%PDF-1.4\nnot a real document"))
	res, err := Preflight(path)
	if err == nil {
		t.Fatal("want validation error for malformed pdf")
	}
	if res == nil || res.Class != ClassPDF {
		t.Fatalf("class: got %+v, want %s", res, ClassPDF)
	}
}

func TestIsImage(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"shot.png", true},
		{"photo.JPEG", true},
		{"/uploads/diagram.webp", true},
		{"notes.txt", false},
		{"report.pdf", false},
		{"archive", false},
	}
	for _, tt := range tests {
		if got := IsImage(tt.path); got != tt.want {
			t.Fatalf("IsImage(%q): got %v, want %v", tt.path, got, tt.want)
		}
	}
}
