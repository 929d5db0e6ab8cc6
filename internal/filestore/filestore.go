// Package filestore opens import sources and stores export artifacts on S3 or
// on local disk.
package filestore

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// FileService reads and writes whole files by location
type FileService interface {
	// Open returns the content at location. Missing files yield an error
	// wrapping fs.ErrNotExist.
	Open(ctx context.Context, location string) (io.ReadCloser, error)

	// Upload stores r under name and returns the resulting location
	Upload(ctx context.Context, name string, r io.Reader, contentType string) (string, error)

	TestConnection(ctx context.Context) error
}

// Mux serves s3:// locations from S3 and everything else from local disk.
// Uploads go to the artifact backend.
type Mux struct {
	S3        FileService
	Local     FileService
	Artifacts FileService
}

func (m *Mux) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	if strings.HasPrefix(location, s3Scheme) {
		if m.S3 == nil {
			return nil, fmt.Errorf("open %s: s3 is not configured", location)
		}
		return m.S3.Open(ctx, location)
	}
	if m.Local == nil {
		return nil, fmt.Errorf("open %s: local storage is not configured", location)
	}
	return m.Local.Open(ctx, location)
}

func (m *Mux) Upload(ctx context.Context, name string, r io.Reader, contentType string) (string, error) {
	if m.Artifacts == nil {
		return "", fmt.Errorf("upload %s: no artifact store configured", name)
	}
	return m.Artifacts.Upload(ctx, name, r, contentType)
}

// TestConnection checks every configured backend
func (m *Mux) TestConnection(ctx context.Context) error {
	for _, svc := range []FileService{m.S3, m.Local} {
		if svc == nil {
			continue
		}
		if err := svc.TestConnection(ctx); err != nil {
			return err
		}
	}
	return nil
}
