package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"nightly-connect/internal/adapter/discovery"
	"nightly-connect/internal/adapter/gateway"
	"nightly-connect/internal/adapter/redisclient"
	"nightly-connect/internal/adapter/wallets"
	"nightly-connect/internal/infra/config"
	"nightly-connect/internal/infra/tracer"
	"nightly-connect/internal/usecase/cluster"
)

func newRelayCmd(c *cli) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the session relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				c.cfg.Relay.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runRelay(ctx, c.cfg, c.log)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides relay.addr)")
	return cmd
}

func runRelay(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer(context.Background())

	registry, err := wallets.Load(cfg.Relay.WalletsFile)
	if err != nil {
		return fmt.Errorf("wallets: %w", err)
	}

	opts := gateway.Options{
		Config:  cfg.Relay,
		Wallets: registry,
		Logger:  log,
		Version: version,
	}
	if cfg.Cluster.Enabled {
		coord, closeCoord, err := initCluster(ctx, cfg.Cluster, log)
		if err != nil {
			return fmt.Errorf("cluster: %w", err)
		}
		defer closeCoord()
		opts.Coordinator = coord
	}

	srv := gateway.NewServer(opts)
	if cfg.Relay.MDNS.Enabled {
		go advertise(ctx, srv, cfg.Relay, log)
	}

	log.Info("relay starting",
		"addr", cfg.Relay.Addr,
		"wallets", registry.Len(),
		"cluster", cfg.Cluster.Enabled,
		"version", version,
	)
	return srv.Start(ctx)
}

func initCluster(ctx context.Context, cfg config.ClusterConfig, log *slog.Logger) (*cluster.Coordinator, func() error, error) {
	rc, err := redisclient.Open(ctx, cfg.RedisURL, cfg.RedisPassword)
	if err != nil {
		return nil, nil, err
	}
	nodeID := cfg.NodeID
	if nodeID == "" {
		if nodeID, err = os.Hostname(); err != nil {
			rc.Close()
			return nil, nil, fmt.Errorf("node id: %w", err)
		}
	}
	coord := cluster.New(rc, cluster.Config{NodeID: nodeID, LockTTL: cfg.LockTTL}, log)
	return coord, coord.Stop, nil
}

// advertise publishes the relay over mDNS once it is listening.
func advertise(ctx context.Context, srv *gateway.Server, cfg config.RelayConfig, log *slog.Logger) {
	select {
	case <-srv.Ready():
	case <-ctx.Done():
		return
	}
	_, portStr, err := net.SplitHostPort(srv.BoundAddr())
	if err != nil {
		log.Warn("mdns disabled: bad listen address", "addr", srv.BoundAddr(), "error", err)
		return
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		log.Warn("mdns disabled: bad port", "port", portStr, "error", err)
		return
	}
	meta := map[string]string{
		"version":     version,
		"app_path":    cfg.AppPath,
		"client_path": cfg.ClientPath,
	}
	if err := discovery.New(log).Advertise(ctx, cfg.MDNS.Instance, port, meta); err != nil {
		log.Warn("mdns advertise failed", "error", err)
	}
}
