package worker

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ParseManifest reads a changes-style manifest and returns the file names
// it lists. Names come from the Files field, or from Checksums-Sha256 when
// Files is absent.
func ParseManifest(r io.Reader) ([]string, error) {
	fields := map[string][]string{}
	var current string

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.TrimSpace(line) == "":
			current = ""
		case line[0] == ' ' || line[0] == '\t':
			if current != "" {
				fields[current] = append(fields[current], strings.TrimSpace(line))
			}
		default:
			name, _, ok := strings.Cut(line, ":")
			if !ok {
				return nil, fmt.Errorf("manifest: malformed line %q", line)
			}
			current = strings.ToLower(name)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("manifest: %w", err)
	}

	entries, ok := fields["files"]
	if !ok {
		entries = fields["checksums-sha256"]
	}
	var names []string
	for _, entry := range entries {
		parts := strings.Fields(entry)
		if len(parts) == 0 {
			continue
		}
		name := parts[len(parts)-1]
		if name != filepath.Base(name) || name == "." || name == ".." {
			return nil, fmt.Errorf("manifest: refusing path %q", name)
		}
		names = append(names, name)
	}
	return names, nil
}

// gatherArtifacts finds the manifest in dir and adds it and every file it
// lists to the cache, returning name to hash.
func gatherArtifacts(cache *Cache, dir string) (map[string]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.changes"))
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no manifest in %s", dir)
	}
	manifest := matches[0]

	f, err := os.Open(manifest)
	if err != nil {
		return nil, err
	}
	names, err := ParseManifest(f)
	f.Close()
	if err != nil {
		return nil, err
	}

	files := make(map[string]string, len(names)+1)
	for _, name := range append([]string{filepath.Base(manifest)}, names...) {
		hash, err := cache.AddFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("gather %s: %w", name, err)
		}
		files[name] = hash
	}
	return files, nil
}
