package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"github.com/vyvo/buildfarm/pkg/protocol"
)

// ErrNotCached is returned for a hash the cache does not hold.
var ErrNotCached = errors.New("not in cache")

// Cache is a content-addressed file store keyed by BLAKE3 hash. Entries are
// written to a temporary name and renamed into place only after the content
// matched its hash, so a present entry is always complete.
type Cache struct {
	dir    string
	client *http.Client
}

// NewCache opens (creating if needed) a cache rooted at dir.
func NewCache(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &Cache{dir: dir, client: &http.Client{}}, nil
}

// Path returns where the entry for hash lives.
func (c *Cache) Path(hash string) string {
	return filepath.Join(c.dir, hash)
}

// Has reports whether hash is cached.
func (c *Cache) Has(hash string) bool {
	if !protocol.ValidHash(hash) {
		return false
	}
	_, err := os.Stat(c.Path(hash))
	return err == nil
}

// Fetch ensures the content with the given hash is cached, downloading it
// from rawURL if absent. It reports whether the entry was already present.
// Fetching the same hash twice is harmless.
func (c *Cache) Fetch(ctx context.Context, rawURL, hash string) (bool, error) {
	if !protocol.ValidHash(hash) {
		return false, fmt.Errorf("invalid hash %q", hash)
	}
	if c.Has(hash) {
		return true, nil
	}

	src, err := c.open(ctx, rawURL)
	if err != nil {
		return false, err
	}
	defer src.Close()

	if err := c.store(src, hash); err != nil {
		return false, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	return false, nil
}

// AddFile copies a local file into the cache and returns its hash.
func (c *Cache) AddFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	hash, err := protocol.HashReader(f)
	f.Close()
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	if c.Has(hash) {
		return hash, nil
	}

	f, err = os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if err := c.store(f, hash); err != nil {
		return "", fmt.Errorf("cache %s: %w", path, err)
	}
	return hash, nil
}

// Open returns a reader for a cached entry.
func (c *Cache) Open(hash string) (*os.File, error) {
	if !protocol.ValidHash(hash) {
		return nil, ErrNotCached
	}
	f, err := os.Open(c.Path(hash))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotCached
	}
	return f, err
}

// Link places the cached entry at dst, falling back to a copy when a hard
// link is not possible. An existing dst is replaced, never written through,
// since it may share its inode with the cache.
func (c *Cache) Link(hash, dst string) error {
	if !c.Has(hash) {
		return ErrNotCached
	}
	if err := os.Remove(dst); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("replace %s: %w", dst, err)
	}
	if err := os.Link(c.Path(hash), dst); err == nil {
		return nil
	}
	src, err := c.Open(hash)
	if err != nil {
		return err
	}
	defer src.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func (c *Cache) store(src io.Reader, hash string) error {
	tmp, err := os.CreateTemp(c.dir, ".partial-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	vw := protocol.NewVerifyingWriter(tmp, hash)
	if _, err := io.Copy(vw, src); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := vw.Verify(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), c.Path(hash))
}

func (c *Cache) open(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme == "file" {
		return os.Open(u.Path)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", rawURL, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("download %s: status %d", rawURL, resp.StatusCode)
	}
	return resp.Body, nil
}
