package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"nightly-connect/internal/infra/config"
	"nightly-connect/pkg/connect"
)

type walletFlags struct {
	relayURL   string
	sessionID  string
	keys       string
	approve    bool
	persistent bool
	clientID   string
}

func newWalletCmd(c *cli) *cobra.Command {
	var f walletFlags
	cmd := &cobra.Command{
		Use:   "wallet",
		Short: "Join a session as a wallet and answer its sign requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			sdk := c.cfg.SDK
			if f.relayURL != "" {
				sdk.RelayURL = f.relayURL
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWallet(ctx, cmd.OutOrStdout(), sdk, f, c.log)
		},
	}
	cmd.Flags().StringVar(&f.relayURL, "relay", "", "relay URL (overrides sdk.relay_url)")
	cmd.Flags().StringVar(&f.sessionID, "session", "", "session id to join")
	cmd.Flags().StringVar(&f.keys, "keys", "", "comma-separated public keys to announce")
	cmd.Flags().BoolVar(&f.approve, "approve", false, "answer requests by echoing the payload instead of rejecting")
	cmd.Flags().BoolVar(&f.persistent, "persistent", false, "reconnect and rejoin after transport loss")
	cmd.Flags().StringVar(&f.clientID, "client-id", "", "stable client id (default: generated)")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func runWallet(ctx context.Context, out io.Writer, sdk config.SDKConfig, f walletFlags, log *slog.Logger) error {
	opts := sdkOptions(sdk, log)
	w, err := connect.BuildClient(ctx, connect.ClientConfig{
		RelayURL:   sdk.RelayURL,
		Persistent: f.persistent,
		ClientID:   f.clientID,
	}, opts...)
	if err != nil {
		return err
	}
	defer w.Close()

	info, err := w.GetInfo(ctx, f.sessionID)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "joining %s (%s on %s)\n", f.sessionID, info.AppMetadata.Name, info.Network)

	// A request sent while we join can arrive both live and in the pending
	// list below; handle answers each id once.
	handle := answerRequest(w, f.approve, out)
	w.On(connect.EventRequestReceived, handle)
	w.On(connect.EventAppDisconnected, logEvent(log))
	w.On(connect.EventRelayError, logEvent(log))

	if err := w.Connect(ctx, connect.ConnectMessage{PublicKeys: splitKeys(f.keys), SessionID: f.sessionID}); err != nil {
		return err
	}

	// Requests sent before we joined are still waiting.
	pending, err := w.GetPendingRequests(ctx, f.sessionID)
	if err != nil {
		return err
	}
	for i := range pending {
		ev := connect.Event{Type: connect.EventRequestReceived, SessionID: f.sessionID, Request: &pending[i]}
		if err := handle(ctx, ev); err != nil {
			log.Warn("failed to answer pending request", "request_id", pending[i].RequestID, "error", err)
		}
	}

	select {
	case <-ctx.Done():
	case <-w.Done():
	}
	return nil
}

// responder answers sign requests; *connect.Client in production.
type responder interface {
	ResolveSignTransactions(ctx context.Context, requestID string, signed []string) error
	ResolveSignMessages(ctx context.Context, requestID string, signed []string) error
	RejectRequest(ctx context.Context, requestID, reason string) error
}

// answerRequest echoes the payload back as its own signature when approve is
// set, and rejects otherwise. Each request id is answered once; a failed
// answer may be retried.
func answerRequest(w responder, approve bool, out io.Writer) connect.EventHandler {
	var mu sync.Mutex
	answered := make(map[string]struct{})
	return func(ctx context.Context, ev connect.Event) error {
		req := ev.Request
		mu.Lock()
		_, dup := answered[req.RequestID]
		answered[req.RequestID] = struct{}{}
		mu.Unlock()
		if dup {
			return nil
		}

		err := answer(ctx, w, approve, out, req)
		if err != nil {
			mu.Lock()
			delete(answered, req.RequestID)
			mu.Unlock()
		}
		return err
	}
}

func answer(ctx context.Context, w responder, approve bool, out io.Writer, req *connect.NewPayloadEvent) error {
	fmt.Fprintf(out, "request %s: %s\n", req.RequestID, req.Payload.Kind)
	if !approve {
		return w.RejectRequest(ctx, req.RequestID, "rejected by wallet")
	}
	switch req.Payload.Kind {
	case connect.PayloadSignTransactions:
		return w.ResolveSignTransactions(ctx, req.RequestID, req.Payload.Transactions)
	case connect.PayloadSignMessages:
		signed := make([]string, len(req.Payload.Messages))
		for i, m := range req.Payload.Messages {
			signed[i] = m.Message
		}
		return w.ResolveSignMessages(ctx, req.RequestID, signed)
	default:
		return w.RejectRequest(ctx, req.RequestID, "unsupported request "+req.Payload.Kind)
	}
}

func splitKeys(s string) []string {
	keys := []string{}
	for _, k := range strings.Split(s, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}
