// Package discovery advertises relays on the local network and finds them
// again via mDNS/DNS-SD.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	ServiceType = "_nconnect._tcp"
	Domain      = "local."

	defaultScanTimeout = 3 * time.Second
)

// Relay is one relay found on the local network.
type Relay struct {
	Instance string
	Address  string // host:port
	URL      string // websocket base URL, from the "url" TXT record when present
	Version  string
	Metadata map[string]string
}

// Discoverer browses and advertises relays.
type Discoverer struct {
	logger *slog.Logger
}

// New creates a Discoverer.
func New(logger *slog.Logger) *Discoverer {
	return &Discoverer{logger: logger.With("component", "discovery")}
}

// Scan browses for relays until timeout elapses or ctx ends. Results are
// sorted by instance name.
func (d *Discoverer) Scan(ctx context.Context, timeout time.Duration) ([]Relay, error) {
	if timeout <= 0 {
		timeout = defaultScanTimeout
	}
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	var mu sync.Mutex
	seen := make(map[string]Relay)
	var wg sync.WaitGroup

	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			r := entryToRelay(entry)
			mu.Lock()
			seen[r.Instance] = r
			mu.Unlock()
			d.logger.Debug("mdns discovered relay", "instance", r.Instance, "address", r.Address)
		}
	}()

	if err := resolver.Browse(scanCtx, ServiceType, Domain, entries); err != nil {
		cancel()
		wg.Wait()
		return nil, fmt.Errorf("mdns browse: %w", err)
	}

	<-scanCtx.Done()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	relays := make([]Relay, 0, len(seen))
	for _, r := range seen {
		relays = append(relays, r)
	}
	sort.Slice(relays, func(i, j int) bool { return relays[i].Instance < relays[j].Instance })
	return relays, nil
}

// Advertise registers the relay on the local network and blocks until ctx
// is cancelled.
func (d *Discoverer) Advertise(ctx context.Context, instance string, port int, metadata map[string]string) error {
	txt := make([]string, 0, len(metadata))
	for k, v := range metadata {
		txt = append(txt, k+"="+v)
	}
	sort.Strings(txt)

	server, err := zeroconf.Register(instance, ServiceType, Domain, port, txt, nil)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}
	defer server.Shutdown()

	d.logger.Info("mdns advertising", "instance", instance, "port", port)
	<-ctx.Done()
	return nil
}

func entryToRelay(entry *zeroconf.ServiceEntry) Relay {
	var address string
	if len(entry.AddrIPv4) > 0 {
		address = fmt.Sprintf("%s:%d", entry.AddrIPv4[0], entry.Port)
	} else if len(entry.AddrIPv6) > 0 {
		address = fmt.Sprintf("[%s]:%d", entry.AddrIPv6[0], entry.Port)
	}

	metadata := parseTXTRecords(entry.Text)
	url := metadata["url"]
	if url == "" && address != "" {
		url = "ws://" + address
	}
	return Relay{
		Instance: entry.ServiceRecord.Instance,
		Address:  address,
		URL:      url,
		Version:  metadata["version"],
		Metadata: metadata,
	}
}

func parseTXTRecords(txt []string) map[string]string {
	m := make(map[string]string, len(txt))
	for _, t := range txt {
		k, v, ok := strings.Cut(t, "=")
		if ok {
			m[k] = v
		}
	}
	return m
}
