// Package wallets serves and fetches the wallet registry exposed by relays.
package wallets

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"nightly-connect/internal/domain"
)

// registryFile is the on-disk layout of a registry file.
type registryFile struct {
	Wallets []domain.WalletMetadata `yaml:"wallets" toml:"wallets"`
}

// Registry is an immutable, validated list of wallets.
type Registry struct {
	wallets []domain.WalletMetadata
}

// NewRegistry validates wallets and returns them sorted by slug.
func NewRegistry(wallets []domain.WalletMetadata) (*Registry, error) {
	seen := make(map[string]bool, len(wallets))
	out := make([]domain.WalletMetadata, 0, len(wallets))
	for i, w := range wallets {
		if w.Slug == "" {
			return nil, fmt.Errorf("wallet %d: %w: slug is required", i, domain.ErrInvalidInput)
		}
		if w.Name == "" {
			return nil, fmt.Errorf("wallet %q: %w: name is required", w.Slug, domain.ErrInvalidInput)
		}
		if seen[w.Slug] {
			return nil, fmt.Errorf("wallet %q: %w: duplicate slug", w.Slug, domain.ErrInvalidInput)
		}
		seen[w.Slug] = true
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return &Registry{wallets: out}, nil
}

// Load reads a registry file. Files ending in .toml are parsed as TOML,
// anything else as YAML. An empty path yields an empty registry.
func Load(path string) (*Registry, error) {
	if path == "" {
		return &Registry{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read wallets file: %w", err)
	}

	var f registryFile
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		err = toml.Unmarshal(data, &f)
	} else {
		err = yaml.Unmarshal(data, &f)
	}
	if err != nil {
		return nil, fmt.Errorf("parse wallets file %s: %w", path, err)
	}
	return NewRegistry(f.Wallets)
}

// List returns every wallet. When network is non-empty only wallets that
// support it are returned; the match is case-insensitive.
func (r *Registry) List(network string) []domain.WalletMetadata {
	out := make([]domain.WalletMetadata, 0, len(r.wallets))
	for _, w := range r.wallets {
		if network == "" || supports(w, network) {
			out = append(out, w)
		}
	}
	return out
}

// Len returns the number of registered wallets.
func (r *Registry) Len() int { return len(r.wallets) }

func supports(w domain.WalletMetadata, network string) bool {
	for _, c := range w.Chains {
		if strings.EqualFold(c, network) {
			return true
		}
	}
	return false
}
