package cache

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"

	"github.com/yourorg/vidlens/pkg/types"
)

// ensureLoadedLocked merges the sidecar into memory once per process.
// Keys already written in memory win over the file.
func (r *Registry) ensureLoadedLocked() {
	if r.loaded {
		return
	}
	r.loaded = true
	if r.path == "" {
		return
	}
	data, err := os.ReadFile(r.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			r.logger.Warn("read cache registry, continuing in memory", "path", r.path, "err", err)
		}
		return
	}
	var onDisk map[string]string
	if err := json.Unmarshal(data, &onDisk); err != nil {
		r.logger.Warn("parse cache registry, continuing in memory", "path", r.path, "err", err)
		return
	}
	for key, handle := range onDisk {
		if _, ok := r.entries[key]; ok {
			continue
		}
		r.entries[key] = entry{handle: types.CacheHandle(handle)}
	}
}

// persist writes a snapshot of the registry. Failures are logged only.
func (r *Registry) persist() {
	if r.path == "" {
		return
	}
	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	r.mu.Lock()
	snapshot := make(map[string]string, len(r.entries))
	for key, e := range r.entries {
		snapshot[key] = string(e.handle)
	}
	r.mu.Unlock()

	if err := writeFileAtomic(r.path, snapshot); err != nil {
		r.logger.Warn("persist cache registry, continuing in memory", "path", r.path, "err", err)
	}
}

func (r *Registry) removeSidecar() {
	if r.path == "" {
		return
	}
	r.persistMu.Lock()
	defer r.persistMu.Unlock()
	if err := os.Remove(r.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		r.logger.Warn("remove cache registry", "path", r.path, "err", err)
	}
}

func writeFileAtomic(path string, v map[string]string) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".registry-*.json")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return err
	}
	return os.Rename(name, path)
}

func sortEntries(entries []types.CacheEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].ContentID != entries[j].ContentID {
			return entries[i].ContentID < entries[j].ContentID
		}
		return entries[i].Model < entries[j].Model
	})
}
