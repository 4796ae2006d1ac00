package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// A config file may list overlays under "includes": paths or globs relative
// to that file, each YAML or TOML by extension. A relay deployment keeps
// e.g. its cluster or store section in a separate, differently permissioned
// file. Overlays apply in order and the including file is applied again
// after them, so at every level the includer wins.
const maxOverlayDepth = 10

type overlayWalker struct {
	cfg     *Config
	chain   []string // files being expanded, outermost first
	applied []string // overlays merged, in order
}

func (w *overlayWalker) expand(dir string, patterns []string) error {
	if len(w.chain) > maxOverlayDepth {
		return fmt.Errorf("config includes: max depth %d exceeded at %s", maxOverlayDepth, w.chain[len(w.chain)-1])
	}
	for _, pattern := range patterns {
		files, err := overlayFiles(dir, pattern)
		if err != nil {
			return err
		}
		for _, f := range files {
			if err := w.apply(f); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *overlayWalker) apply(path string) error {
	if slices.Contains(w.chain, path) {
		return fmt.Errorf("config includes: circular include %s", strings.Join(append(w.chain, path), " -> "))
	}
	if err := validatePermissions(path); err != nil {
		return fmt.Errorf("config includes: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config includes: %w", err)
	}

	w.chain = append(w.chain, path)
	defer func() { w.chain = w.chain[:len(w.chain)-1] }()

	w.cfg.Includes = nil
	if err := decode(path, data, w.cfg); err != nil {
		return fmt.Errorf("config includes: parse %s: %w", path, err)
	}
	nested := w.cfg.Includes
	w.cfg.Includes = nil
	if len(nested) > 0 {
		if err := w.expand(filepath.Dir(path), nested); err != nil {
			return err
		}
		if err := decode(path, data, w.cfg); err != nil {
			return fmt.Errorf("config includes: parse %s: %w", path, err)
		}
		w.cfg.Includes = nil
	}
	w.applied = append(w.applied, path)
	return nil
}

// overlayFiles resolves one include entry against dir. A literal path is
// returned as is so a missing file is reported; a glob may match nothing.
func overlayFiles(dir, pattern string) ([]string, error) {
	p := pattern
	if !filepath.IsAbs(p) {
		p = filepath.Join(dir, p)
	}
	p = filepath.Clean(p)
	if rel, err := filepath.Rel(dir, p); err == nil && (rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator))) {
		return nil, fmt.Errorf("config includes: %q escapes %s", pattern, dir)
	}
	if !strings.ContainsAny(p, "*?[") {
		return []string{p}, nil
	}
	matches, err := filepath.Glob(p)
	if err != nil {
		return nil, fmt.Errorf("config includes: glob %q: %w", pattern, err)
	}
	return matches, nil
}
