// Package archive packs a job's output folder into <root>/<folder>.zip.
package archive

import (
	"archive/zip"
	"compress/flate"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/registry-scraper/internal/logbus"
)

var (
	// ErrFolderRequired reports an empty folder name.
	ErrFolderRequired = errors.New("folder name is required")
	// ErrInvalidFolder reports a folder name that escapes the output root.
	ErrInvalidFolder = errors.New("invalid folder name")
	// ErrFolderNotFound reports a folder that does not exist.
	ErrFolderNotFound = errors.New("folder not found")
	// ErrNotDirectory reports a path that exists but is not a directory.
	ErrNotDirectory = errors.New("path is not a directory")
	// ErrArchive wraps failures while writing the archive.
	ErrArchive = errors.New("create zip")
)

// Resolver maps a folder name to a path under the output root.
type Resolver interface {
	Resolve(rel string) (string, error)
}

// Result describes a written archive.
type Result struct {
	Path  string `json:"path"`
	Files int    `json:"files"`
	Bytes int64  `json:"bytes"`
}

// Archiver zips output folders and reports progress on the log bus.
type Archiver struct {
	resolver Resolver
	bus      *logbus.Bus
	logger   *zap.Logger
}

// New builds an Archiver.
func New(resolver Resolver, bus *logbus.Bus, logger *zap.Logger) *Archiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{resolver: resolver, bus: bus, logger: logger}
}

// CreateZip replaces <root>/<folder>.zip with a best-compression archive of
// every regular file below <root>/<folder>, stored by relative path.
func (a *Archiver) CreateZip(ctx context.Context, folder string) (Result, error) {
	folder = strings.TrimSpace(folder)
	if folder == "" {
		a.bus.Error("No folder name provided")
		return Result{}, ErrFolderRequired
	}
	folderPath, err := a.resolver.Resolve(folder)
	if err != nil {
		a.bus.Error("Invalid folder name: %s", folder)
		return Result{}, fmt.Errorf("%w: %q", ErrInvalidFolder, folder)
	}

	a.bus.Info("Checking folder path: %s", folderPath)
	info, err := os.Stat(folderPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			a.bus.Error("Folder not found: %s", folderPath)
			return Result{}, fmt.Errorf("%w: %s", ErrFolderNotFound, folderPath)
		}
		a.bus.Error("Unexpected error creating ZIP file: %v", err)
		return Result{}, fmt.Errorf("%w: %w", ErrArchive, err)
	}
	if !info.IsDir() {
		a.bus.Error("Path exists but is not a directory: %s", folderPath)
		return Result{}, fmt.Errorf("%w: %s", ErrNotDirectory, folderPath)
	}

	files, err := collectFiles(folderPath)
	if err != nil {
		a.bus.Error("Unexpected error creating ZIP file: %v", err)
		return Result{}, fmt.Errorf("%w: %w", ErrArchive, err)
	}
	a.bus.Info("Found %d files in the folder", len(files))

	zipPath := filepath.Clean(folderPath) + ".zip"
	a.bus.Info("Creating zip at: %s", zipPath)
	if _, err := os.Stat(zipPath); err == nil {
		if err := os.Remove(zipPath); err != nil {
			a.bus.Error("Error removing existing zip: %v", err)
			return Result{}, fmt.Errorf("%w: remove existing: %w", ErrArchive, err)
		}
		a.bus.Info("Removed existing zip file")
	}

	size, err := writeZip(ctx, zipPath, folderPath, files)
	if err != nil {
		a.bus.Error("Error during zip creation: %v", err)
		return Result{}, fmt.Errorf("%w: %w", ErrArchive, err)
	}
	a.bus.Success("ZIP file created successfully")
	a.logger.Info("archive written", zap.String("path", zipPath), zap.Int("files", len(files)), zap.Int64("bytes", size))
	return Result{Path: zipPath, Files: len(files), Bytes: size}, nil
}

func collectFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			rel, relErr := filepath.Rel(dir, path)
			if relErr != nil {
				return relErr
			}
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", dir, err)
	}
	return files, nil
}

// writeZip writes to a temporary file next to zipPath and renames it into
// place once the archive is complete.
func writeZip(ctx context.Context, zipPath, dir string, files []string) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(zipPath), ".archive-*.zip")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	zw := zip.NewWriter(tmp)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.BestCompression)
	})
	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if err := addFile(zw, dir, rel); err != nil {
			return 0, err
		}
	}
	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("finalize zip: %w", err)
	}
	info, err := tmp.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat zip: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("close zip: %w", err)
	}
	if err := os.Rename(tmpName, zipPath); err != nil {
		return 0, fmt.Errorf("rename zip: %w", err)
	}
	committed = true
	return info.Size(), nil
}

func addFile(zw *zip.Writer, dir, rel string) error {
	full := filepath.Join(dir, rel)
	info, err := os.Stat(full)
	if err != nil {
		return fmt.Errorf("stat %s: %w", rel, err)
	}
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("header %s: %w", rel, err)
	}
	header.Name = filepath.ToSlash(rel)
	header.Method = zip.Deflate
	w, err := zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("add %s: %w", rel, err)
	}
	// #nosec G304 -- rel comes from walking the resolved output folder.
	f, err := os.Open(full)
	if err != nil {
		return fmt.Errorf("open %s: %w", rel, err)
	}
	defer f.Close()
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("copy %s: %w", rel, err)
	}
	return nil
}
