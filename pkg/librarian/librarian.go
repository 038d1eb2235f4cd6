// Package librarian stores build logs. Logs are kept gzip-compressed and
// addressed by a name the caller picks.
package librarian

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// Librarian persists a build log and returns where it can be found.
type Librarian interface {
	Store(ctx context.Context, name string, r io.Reader) (string, error)
	Open(ctx context.Context, name string) (io.ReadCloser, error)
}

// CompressedName is the stored object name for a log called name.
func CompressedName(name string) string {
	return name + ".gz"
}

// Local keeps logs in a directory.
type Local struct {
	dir string
}

func NewLocal(dir string) (*Local, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	return &Local{dir: dir}, nil
}

// Store compresses r into the directory and returns a file URL.
func (l *Local) Store(_ context.Context, name string, r io.Reader) (string, error) {
	if err := checkName(name); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(l.dir, ".log-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	if err := compress(tmp, r); err != nil {
		tmp.Close()
		return "", fmt.Errorf("store log %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	dst := filepath.Join(l.dir, CompressedName(name))
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", err
	}
	return (&url.URL{Scheme: "file", Path: dst}).String(), nil
}

// Open returns the decompressed log.
func (l *Local) Open(_ context.Context, name string) (io.ReadCloser, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(l.dir, CompressedName(name)))
	if err != nil {
		return nil, err
	}
	return newGzipReadCloser(f)
}

func compress(w io.Writer, r io.Reader) error {
	zw := gzip.NewWriter(w)
	if _, err := io.Copy(zw, r); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

type gzipReadCloser struct {
	*gzip.Reader
	underlying io.Closer
}

func newGzipReadCloser(rc io.ReadCloser) (io.ReadCloser, error) {
	zr, err := gzip.NewReader(rc)
	if err != nil {
		rc.Close()
		return nil, fmt.Errorf("open compressed log: %w", err)
	}
	return &gzipReadCloser{Reader: zr, underlying: rc}, nil
}

func (g *gzipReadCloser) Close() error {
	zerr := g.Reader.Close()
	if err := g.underlying.Close(); err != nil {
		return err
	}
	return zerr
}

func checkName(name string) error {
	if name == "" || strings.Contains(name, "/") || strings.Contains(name, "..") {
		return fmt.Errorf("invalid log name %q", name)
	}
	return nil
}
