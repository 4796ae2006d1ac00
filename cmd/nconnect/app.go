package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"nightly-connect/internal/adapter/store"
	"nightly-connect/internal/infra/config"
	"nightly-connect/pkg/connect"
)

func newAppCmd(c *cli) *cobra.Command {
	var (
		relayURL   string
		name       string
		network    string
		persistent bool
		resume     string
	)
	cmd := &cobra.Command{
		Use:   "app",
		Short: "Open a session as an app and log what clients do",
		RunE: func(cmd *cobra.Command, args []string) error {
			sdk := c.cfg.SDK
			if relayURL != "" {
				sdk.RelayURL = relayURL
			}
			if name != "" {
				sdk.AppName = name
			}
			if network != "" {
				sdk.Network = network
			}
			if cmd.Flags().Changed("persistent") {
				sdk.Persistent = persistent
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runApp(ctx, cmd, sdk, c.cfg.Store, resume, c.log)
		},
	}
	cmd.Flags().StringVar(&relayURL, "relay", "", "relay URL (overrides sdk.relay_url)")
	cmd.Flags().StringVar(&name, "name", "", "app name (overrides sdk.app_name)")
	cmd.Flags().StringVar(&network, "network", "", "network (overrides sdk.network)")
	cmd.Flags().BoolVar(&persistent, "persistent", false, "keep the session across reconnects and restarts")
	cmd.Flags().StringVar(&resume, "session", "", "resume this persistent session id")
	return cmd
}

func runApp(ctx context.Context, cmd *cobra.Command, sdk config.SDKConfig, storeCfg config.StoreConfig, resume string, log *slog.Logger) error {
	opts := sdkOptions(sdk, log)
	if sdk.Persistent {
		st, err := store.Open(ctx, storeCfg)
		if err != nil {
			return fmt.Errorf("session store: %w", err)
		}
		defer st.Close()
		opts = append(opts, connect.WithStore(st))
	}

	app, err := connect.BuildApp(ctx, connect.AppConfig{
		RelayURL:            sdk.RelayURL,
		AppMetadata:         connect.AppMetadata{Name: sdk.AppName},
		Network:             sdk.Network,
		Persistent:          sdk.Persistent,
		PersistentSessionID: resume,
	}, opts...)
	if err != nil {
		return err
	}
	defer app.Close()

	for _, t := range []connect.EventType{
		connect.EventUserConnected,
		connect.EventUserDisconnected,
		connect.EventServerDisconnected,
		connect.EventServerReconnected,
		connect.EventSessionEnded,
		connect.EventRelayError,
	} {
		app.On(t, logEvent(log))
	}

	fmt.Fprintln(cmd.OutOrStdout(), app.SessionID())
	select {
	case <-ctx.Done():
	case <-app.Done():
		return fmt.Errorf("session %s closed", app.SessionID())
	}
	return nil
}

// sdkOptions maps the sdk config section onto connect options.
func sdkOptions(sdk config.SDKConfig, log *slog.Logger) []connect.Option {
	return []connect.Option{
		connect.WithLogger(log),
		connect.WithSignTimeout(sdk.RequestTimeout),
		connect.WithHandshakeTimeout(sdk.HandshakeTimeout),
		connect.WithBackoff(connect.BackoffConfig{
			InitialDelay: sdk.Backoff.InitialDelay,
			Multiplier:   sdk.Backoff.Multiplier,
			MaxDelay:     sdk.Backoff.MaxDelay,
			Jitter:       sdk.Backoff.Jitter,
			MaxAttempts:  sdk.Backoff.MaxAttempts,
		}),
	}
}

func logEvent(log *slog.Logger) connect.EventHandler {
	return func(_ context.Context, ev connect.Event) error {
		attrs := []any{"session_id", ev.SessionID}
		if ev.PublicKeys != nil {
			attrs = append(attrs, "public_keys", ev.PublicKeys)
		}
		if ev.Reason != "" {
			attrs = append(attrs, "reason", ev.Reason)
		}
		if ev.Err != nil {
			attrs = append(attrs, "error", ev.Err)
		}
		log.Info(string(ev.Type), attrs...)
		return nil
	}
}
