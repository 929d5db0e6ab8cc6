package filestore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

const fileScheme = "file://"

// Local keeps files under a base directory
type Local struct {
	dir string
}

func NewLocal(dir string) (*Local, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &Local{dir: abs}, nil
}

// path resolves location against the base directory. Neither relative nor
// absolute locations may point outside of it.
func (l *Local) path(location string) (string, error) {
	p := strings.TrimPrefix(location, fileScheme)
	full := filepath.Join(l.dir, p)
	if filepath.IsAbs(p) {
		full = filepath.Clean(p)
	}
	rel, err := filepath.Rel(l.dir, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("location %q escapes %s", location, l.dir)
	}
	return full, nil
}

func (l *Local) Open(_ context.Context, location string) (io.ReadCloser, error) {
	p, err := l.path(location)
	if err != nil {
		return nil, err
	}
	// os errors for missing files wrap fs.ErrNotExist
	return os.Open(p)
}

// Upload writes to a temporary file and renames it into place so readers
// never observe a partial artifact
func (l *Local) Upload(_ context.Context, name string, r io.Reader, _ string) (string, error) {
	p, err := l.path(name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".upload-*")
	if err != nil {
		return "", err
	}
	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), p)
	}
	if err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write %s: %w", p, err)
	}

	log.Debug().Str("path", p).Int64("bytes", n).Msg("Stored file")
	return fileScheme + p, nil
}

func (l *Local) TestConnection(context.Context) error {
	info, err := os.Stat(l.dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", l.dir)
	}
	return nil
}
