// Package filter selects batch inputs and scrubs secrets from text that
// leaves the process.
package filter

import (
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/yourorg/vidlens/internal/config"
	"github.com/yourorg/vidlens/pkg/types"
)

// BatchConfig is an alias of config.BatchConfig.
type BatchConfig = config.BatchConfig

// MediaFiles walks dir and returns the media files accepted by cfg, sorted
// by path. Files are accepted by extension or, failing that, by the content
// type their extension maps to.
func MediaFiles(dir string, cfg BatchConfig) ([]string, error) {
	var out []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(dir, p)
		if relErr != nil {
			rel = p
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if rel != "." && hasIgnoredPath(rel+"/", cfg.IgnorePaths) {
				return filepath.SkipDir
			}
			return nil
		}
		if hasIgnoredPath(rel, cfg.IgnorePaths) {
			return nil
		}
		if accepted(p, cfg) {
			out = append(out, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// Sources expands inputs into batch sources. Remote refs and files are kept
// as given, directories are walked with MediaFiles. Inputs resolving to the
// same content are kept once, first occurrence wins.
func Sources(inputs []string, cfg BatchConfig) ([]types.Source, error) {
	out := make([]types.Source, 0, len(inputs))
	seen := make(map[string]struct{}, len(inputs))
	add := func(src types.Source) {
		if _, ok := seen[src.ContentID]; ok {
			return
		}
		seen[src.ContentID] = struct{}{}
		out = append(out, src)
	}
	for _, in := range inputs {
		in = strings.TrimSpace(in)
		if in == "" {
			continue
		}
		src := types.NewSource(in)
		if src.Kind == types.SourceRemote {
			add(src)
			continue
		}
		info, err := os.Stat(in)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			add(src)
			continue
		}
		files, err := MediaFiles(in, cfg)
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			add(types.NewSource(f))
		}
	}
	return out, nil
}

func accepted(p string, cfg BatchConfig) bool {
	if hasExtension(p, cfg.Extensions) {
		return true
	}
	return matchesContentType(mime.TypeByExtension(strings.ToLower(path.Ext(p))), cfg.ContentTypes)
}

func hasExtension(p string, exts []string) bool {
	ext := strings.ToLower(filepath.Ext(p))
	if ext == "" {
		return false
	}
	for _, e := range exts {
		if strings.ToLower(strings.TrimSpace(e)) == ext {
			return true
		}
	}
	return false
}

func hasIgnoredPath(rel string, patterns []string) bool {
	for _, pat := range patterns {
		pat = strings.TrimSpace(pat)
		if pat == "" {
			continue
		}
		if strings.HasPrefix(rel, pat) || strings.Contains(rel, "/"+pat) {
			return true
		}
	}
	return false
}

func matchesContentType(ct string, accepts []string) bool {
	if strings.TrimSpace(ct) == "" {
		return false
	}
	base := strings.ToLower(strings.TrimSpace(strings.Split(ct, ";")[0]))
	for _, p := range accepts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if strings.HasSuffix(p, "/*") {
			prefix := strings.TrimSuffix(p, "*")
			if strings.HasPrefix(base, prefix) {
				return true
			}
			continue
		}
		if base == p {
			return true
		}
	}
	return false
}
