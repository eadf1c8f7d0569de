package main

import (
	"archive/tar"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
)

func TestSplitAreaPath(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantLabel string
		wantRel   string
	}{
		{"simple file", "store/conclave.db", "store", "conclave.db"},
		{"nested path", "nats/jetstream/stream/msgs", "nats", "jetstream/stream/msgs"},
		{"leading dot-slash", "./archive/run.json.zst", "archive", "run.json.zst"},
		{"leading slash", "/store/conclave.db", "store", "conclave.db"},
		{"bare label", "store", "store", ""},
		{"empty string", "", "", ""},
		{"dot only", ".", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			label, rel := splitAreaPath(tt.input)
			if label != tt.wantLabel || rel != tt.wantRel {
				t.Errorf("splitAreaPath(%q) = (%q, %q), want (%q, %q)",
					tt.input, label, rel, tt.wantLabel, tt.wantRel)
			}
		})
	}
}

func TestSecureJoin(t *testing.T) {
	dir := t.TempDir()

	got, err := secureJoin(dir, "sub/file.txt")
	if err != nil {
		t.Fatalf("secureJoin: %v", err)
	}
	if got != filepath.Join(dir, "sub", "file.txt") {
		t.Errorf("got %q", got)
	}

	if _, err := secureJoin(dir, "../escape"); err == nil {
		t.Error("expected rejection of path escaping the destination")
	}
	if _, err := secureJoin(dir, "sub/../../escape"); err == nil {
		t.Error("expected rejection of nested path escape")
	}
}

func TestFormatSize(t *testing.T) {
	tests := []struct {
		bytes int64
		want  string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1024, "1.0 KiB"},
		{1536, "1.5 KiB"},
		{1 << 20, "1.0 MiB"},
		{1 << 30, "1.0 GiB"},
	}
	for _, tt := range tests {
		if got := formatSize(tt.bytes); got != tt.want {
			t.Errorf("formatSize(%d) = %q, want %q", tt.bytes, got, tt.want)
		}
	}
}

func TestBackupAreaRoundTrip(t *testing.T) {
	src := t.TempDir()
	if err := os.MkdirAll(filepath.Join(src, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "conclave.db"), []byte("db-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "sub", "extra"), []byte("more"), 0o644); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatal(err)
	}
	tw := tar.NewWriter(zw)
	if err := backupArea(tw, "store", src); err != nil {
		t.Fatalf("backupArea: %v", err)
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}

	zr, err := zstd.NewReader(&buf)
	if err != nil {
		t.Fatal(err)
	}
	defer zr.Close()

	files := make(map[string]string)
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("read entry: %v", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			t.Fatalf("read data: %v", err)
		}
		files[hdr.Name] = string(data)
	}

	if files["store/conclave.db"] != "db-bytes" {
		t.Errorf("store/conclave.db = %q", files["store/conclave.db"])
	}
	if files["store/sub/extra"] != "more" {
		t.Errorf("store/sub/extra = %q", files["store/sub/extra"])
	}
}
