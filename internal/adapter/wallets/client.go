package wallets

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"nightly-connect/internal/domain"
)

// MetadataPath is the relay route serving the registry.
const MetadataPath = "/get_wallets_metadata"

const maxMetadataBody = 4 << 20

// Fetch downloads the registry from a relay. baseURL may use the ws/wss
// scheme of the relay websocket; it is mapped to http/https.
func Fetch(ctx context.Context, client *http.Client, baseURL, network string) ([]domain.WalletMetadata, error) {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	endpoint, err := metadataURL(baseURL, network)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch wallets: %v", domain.ErrRelayUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: fetch wallets: status %d: %s",
			domain.ErrRelayUnavailable, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var wallets []domain.WalletMetadata
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxMetadataBody)).Decode(&wallets); err != nil {
		return nil, fmt.Errorf("decode wallets: %w", err)
	}
	return wallets, nil
}

func metadataURL(baseURL, network string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("%w: relay url: %v", domain.ErrInvalidInput, err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("%w: relay url scheme %q", domain.ErrInvalidInput, u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + MetadataPath
	u.RawQuery = ""
	if network != "" {
		u.RawQuery = url.Values{"network": {network}}.Encode()
	}
	return u.String(), nil
}
