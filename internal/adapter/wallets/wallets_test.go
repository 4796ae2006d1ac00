package wallets

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nightly-connect/internal/domain"
)

const yamlRegistry = `
wallets:
  - slug: nightly
    name: Nightly
    homepage: https://nightly.app
    chains: [SOLANA, SUI]
    wallet_type: hybrid
    image:
      default: https://nightly.app/icon.png
    mobile:
      native: nightly://
      universal: https://nightly.app/link
  - slug: backpack
    name: Backpack
    chains: [solana]
    image:
      default: https://backpack.app/icon.png
`

const tomlRegistry = `
[[wallets]]
slug = "nightly"
name = "Nightly"
chains = ["SUI"]

[wallets.image]
default = "https://nightly.app/icon.png"
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadYAML(t *testing.T) {
	reg, err := Load(writeFile(t, "wallets.yaml", yamlRegistry))
	require.NoError(t, err)
	require.Equal(t, 2, reg.Len())

	all := reg.List("")
	assert.Equal(t, "backpack", all[0].Slug, "sorted by slug")
	assert.Equal(t, "nightly", all[1].Slug)
	require.NotNil(t, all[1].Mobile)
	assert.Equal(t, "nightly://", all[1].Mobile.Native)
	assert.Equal(t, "hybrid", all[1].WalletType)

	sui := reg.List("sui")
	require.Len(t, sui, 1)
	assert.Equal(t, "nightly", sui[0].Slug)

	assert.Len(t, reg.List("SOLANA"), 2)
	assert.Empty(t, reg.List("APTOS"))
}

func TestLoadTOML(t *testing.T) {
	reg, err := Load(writeFile(t, "wallets.toml", tomlRegistry))
	require.NoError(t, err)
	got := reg.List("SUI")
	require.Len(t, got, 1)
	assert.Equal(t, "https://nightly.app/icon.png", got[0].Image.Default)
}

func TestLoadEmptyPath(t *testing.T) {
	reg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 0, reg.Len())
	assert.NotNil(t, reg.List(""))
}

func TestNewRegistryRejectsInvalid(t *testing.T) {
	_, err := NewRegistry([]domain.WalletMetadata{{Name: "x"}})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = NewRegistry([]domain.WalletMetadata{{Slug: "x"}})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = NewRegistry([]domain.WalletMetadata{{Slug: "x", Name: "X"}, {Slug: "x", Name: "Y"}})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestFetch(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, MetadataPath, r.URL.Path)
		gotQuery = r.URL.Query().Get("network")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode([]domain.WalletMetadata{{Slug: "nightly", Name: "Nightly", Chains: []string{"SOLANA"}}})
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	got, err := Fetch(context.Background(), srv.Client(), wsURL, "SOLANA")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Nightly", got[0].Name)
	assert.Equal(t, "SOLANA", gotQuery)
}

func TestFetchErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := Fetch(context.Background(), srv.Client(), srv.URL, "")
	assert.ErrorIs(t, err, domain.ErrRelayUnavailable)
}

func TestMetadataURL(t *testing.T) {
	tests := []struct {
		base, network, want string
	}{
		{"ws://localhost:6969", "", "http://localhost:6969/get_wallets_metadata"},
		{"wss://relay.example/", "SUI", "https://relay.example/get_wallets_metadata?network=SUI"},
		{"https://relay.example/base", "", "https://relay.example/base/get_wallets_metadata"},
	}
	for _, tt := range tests {
		got, err := metadataURL(tt.base, tt.network)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := metadataURL("ftp://x", "")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}
