// Package chroots maps processors to the chroot image a build for that
// processor unpacks.
package chroots

import (
	"fmt"
	"sort"
	"sync"

	"github.com/vyvo/buildfarm/pkg/protocol"
)

// Entry locates one chroot tarball. Workers fetch it from URL and verify it
// against Hash.
type Entry struct {
	Processor string `mapstructure:"processor" json:"processor"`
	URL       string `mapstructure:"url" json:"url"`
	Hash      string `mapstructure:"hash" json:"hash"`
}

// Registry offers a threadsafe in-memory lookup, populated from configuration.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{entries: map[string]Entry{}}
}

// Set stores or replaces the chroot for entry.Processor.
func (r *Registry) Set(entry Entry) error {
	if entry.Processor == "" {
		return fmt.Errorf("chroot entry needs a processor")
	}
	if entry.URL == "" || !protocol.ValidHash(entry.Hash) {
		return fmt.Errorf("chroot for %s: url and a valid hash are required", entry.Processor)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[entry.Processor] = entry
	return nil
}

// Get retrieves the chroot for processor and a boolean indicating its presence.
func (r *Registry) Get(processor string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[processor]
	return entry, ok
}

// List returns every entry ordered by processor.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Processor < out[j].Processor })
	return out
}
