// Package staging persists uploaded files to a local directory for the
// duration of a single request and removes them afterwards.
package staging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime/multipart"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/medrelay/internal/media"
	"github.com/medrelay/internal/metrics"
)

// StagedFile describes an upload written to the staging directory.
type StagedFile struct {
	OriginalName string    `json:"originalName"`
	StoredPath   string    `json:"storedPath"`
	Size         int64     `json:"size"`
	CreatedAt    time.Time `json:"createdAt"`
}

type Stager struct {
	dir         string
	scrubImages bool
	logger      *slog.Logger
	now         func() time.Time
}

// New creates dir if needed and returns a Stager writing into it. With
// scrubImages set, JPEG and PNG uploads are re-encoded without metadata;
// otherwise uploads are stored byte for byte.
func New(dir string, scrubImages bool, logger *slog.Logger) (*Stager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve upload dir: %w", err)
	}
	return &Stager{dir: abs, scrubImages: scrubImages, logger: logger, now: time.Now}, nil
}

// Dir returns the absolute staging directory.
func (s *Stager) Dir() string {
	return s.dir
}

// Stage copies the uploaded file into the staging directory under
// "<unix millis>-<original name>".
func (s *Stager) Stage(fh *multipart.FileHeader) (StagedFile, error) {
	src, err := fh.Open()
	if err != nil {
		return StagedFile{}, fmt.Errorf("open upload: %w", err)
	}
	defer src.Close()

	name := sanitizeFilename(fh.Filename)
	created := s.now()

	var (
		dst  *os.File
		path string
	)
	// O_EXCL guards against two uploads of the same name in the same millisecond
	for ms := created.UnixMilli(); ; ms++ {
		path = filepath.Join(s.dir, strconv.FormatInt(ms, 10)+"-"+name)
		dst, err = os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			break
		}
		if !errors.Is(err, fs.ErrExist) {
			return StagedFile{}, fmt.Errorf("create staged file: %w", err)
		}
	}

	n, err := io.Copy(dst, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return StagedFile{}, fmt.Errorf("write staged file: %w", err)
	}

	if s.scrubImages {
		rewritten, err := media.ScrubFile(path)
		switch {
		case err != nil:
			s.logger.Warn("attachment metadata not stripped", "path", path, "error", err)
		case rewritten:
			if fi, err := os.Stat(path); err == nil {
				n = fi.Size()
			}
			s.logger.Debug("attachment metadata stripped", "path", path)
		}
	}

	return StagedFile{
		OriginalName: fh.Filename,
		StoredPath:   path,
		Size:         n,
		CreatedAt:    created,
	}, nil
}

// Unstage deletes the staged file. A file that is already gone is not an error.
func (s *Stager) Unstage(f StagedFile) error {
	if err := os.Remove(f.StoredPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove staged file: %w", err)
	}
	metrics.AddStagedRemoved("sent", 1)
	s.logger.Debug("staged file removed", "path", f.StoredPath)
	return nil
}

// Sweep removes staged files last modified before cutoff and returns how
// many were removed.
func (s *Stager) Sweep(cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("read upload dir: %w", err)
	}

	removed := 0
	var errs []error
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	metrics.AddStagedRemoved("expired", removed)
	return removed, errors.Join(errs...)
}

// StartJanitor sweeps files older than ttl every interval until ctx is done.
func (s *Stager) StartJanitor(ctx context.Context, interval, ttl time.Duration) {
	if interval <= 0 || ttl <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := s.Sweep(s.now().Add(-ttl))
				if err != nil {
					s.logger.Warn("staging sweep incomplete", "error", err)
				}
				if n > 0 {
					s.logger.Info("expired staged files removed", "count", n)
				}
			}
		}
	}()
}

const maxNameBytes = 100

// sanitizeFilename removes path components and dangerous characters
func sanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.ReplaceAll(name, "\x00", "")
	if len(name) > maxNameBytes {
		start := len(name) - maxNameBytes
		for start < len(name) && !utf8.RuneStart(name[start]) {
			start++
		}
		name = name[start:]
	}
	if name == "" || name == "." || name == "/" {
		name = "attachment"
	}
	return name
}
