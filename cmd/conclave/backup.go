package main

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	goarchive "github.com/moby/go-archive"

	"github.com/conclavehq/conclave/internal/config"
)

// Backup archives are zstd-compressed tars with one top-level directory
// per data area: store/ (the SQLite database), nats/ (JetStream state),
// and archive/ (archived run snapshots).

func runBackup(args []string) error {
	var outputPath string
	for i := 0; i < len(args); i++ {
		if args[i] == "-f" {
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for -f")
			}
			i++
			outputPath = args[i]
		}
	}
	if outputPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: conclave backup -f <output.tar.zst>\n")
		return fmt.Errorf("missing -f flag")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	f, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	defer zw.Close()

	tw := tar.NewWriter(zw)
	defer tw.Close()

	areas := 0
	for label, dir := range dataAreas(cfg) {
		if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := backupArea(tw, label, dir); err != nil {
			return fmt.Errorf("backup %s: %w", label, err)
		}
		areas++
	}

	// Close everything explicitly to catch write errors
	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close zstd: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}

	info, _ := os.Stat(outputPath)
	size := int64(0)
	if info != nil {
		size = info.Size()
	}
	fmt.Printf("Backup complete: %d areas, %s\n", areas, formatSize(size))
	return nil
}

// dataAreas maps archive labels to the directories they cover.
func dataAreas(cfg *config.Config) map[string]string {
	return map[string]string{
		"store":   filepath.Dir(cfg.Store.Path),
		"nats":    cfg.NATS.DataDir,
		"archive": cfg.Archive.Dir,
	}
}

// backupArea streams dir into tw with every entry prefixed by label.
func backupArea(tw *tar.Writer, label, dir string) error {
	rc, err := goarchive.TarWithOptions(dir, &goarchive.TarOptions{})
	if err != nil {
		return fmt.Errorf("tar %s: %w", dir, err)
	}
	defer rc.Close()

	src := tar.NewReader(rc)
	for {
		hdr, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}

		hdr.Name = path.Join(label, hdr.Name)
		if hdr.Typeflag == tar.TypeDir && !strings.HasSuffix(hdr.Name, "/") {
			hdr.Name += "/"
		}

		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("write tar header: %w", err)
		}
		if hdr.Size > 0 {
			if _, err := io.Copy(tw, src); err != nil {
				return fmt.Errorf("write tar data: %w", err)
			}
		}
	}
	return nil
}

func runRestore(args []string) error {
	var inputPath string
	overwrite := false
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-f":
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for -f")
			}
			i++
			inputPath = args[i]
		case "-overwrite":
			overwrite = true
		}
	}
	if inputPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: conclave restore -f <backup.tar.zst> [-overwrite]\n")
		return fmt.Errorf("missing -f flag")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	areas := dataAreas(cfg)

	if !overwrite {
		for label, dir := range areas {
			entries, err := os.ReadDir(dir)
			if err == nil && len(entries) > 0 {
				return fmt.Errorf("%s data exists at %s, pass -overwrite to replace it", label, dir)
			}
		}
	}

	f, err := os.Open(inputPath)
	if err != nil {
		return fmt.Errorf("open backup: %w", err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	restored := 0
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}

		label, rel := splitAreaPath(hdr.Name)
		dest, ok := areas[label]
		if !ok || rel == "" {
			continue
		}
		target, err := secureJoin(dest, rel)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, hdr.FileInfo().Mode()); err != nil {
				return fmt.Errorf("create dir: %w", err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("create parent dir: %w", err)
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, hdr.FileInfo().Mode())
			if err != nil {
				return fmt.Errorf("create file: %w", err)
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return fmt.Errorf("write file: %w", err)
			}
			if err := out.Close(); err != nil {
				return fmt.Errorf("close file: %w", err)
			}
			restored++
		}
	}

	fmt.Printf("Restore complete: %d files\n", restored)
	return nil
}

// splitAreaPath splits an archive entry name into its area label and the
// path relative to that area.
func splitAreaPath(name string) (label, rel string) {
	// Rooting before Clean normalizes "./x" and "/x" alike.
	name = path.Clean("/" + name)[1:]
	label, rel, _ = strings.Cut(name, "/")
	return label, rel
}

// secureJoin joins rel onto dest and rejects entries that escape it.
func secureJoin(dest, rel string) (string, error) {
	target := filepath.Join(dest, filepath.FromSlash(rel))
	cleanDest := filepath.Clean(dest) + string(os.PathSeparator)
	if !strings.HasPrefix(target, cleanDest) {
		return "", fmt.Errorf("archive entry escapes %s: %s", dest, rel)
	}
	return target, nil
}

func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
