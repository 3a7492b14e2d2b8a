package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/magi-network/brainproxy/internal/config"
	"github.com/magi-network/brainproxy/pkg/connector"
	"github.com/magi-network/brainproxy/pkg/protocol"
)

// newConnectCmd runs a minimal brain that answers every request by echoing
// it back. It is meant for checking a deployment end to end.
func newConnectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Connect a test brain that echoes requests",
		RunE:  runConnect,
	}
	cmd.Flags().String("url", "ws://localhost:8080", "proxy base URL")
	cmd.Flags().String("route", "", "route to register")
	cmd.Flags().String("secret", "", "brain secret (or BRAIN_PROXY_SECRET)")
	cmd.Flags().String("origin", "local", "local or remote")
	cmd.Flags().Bool("insecure", false, "skip TLS certificate verification")
	cmd.Flags().String("log-level", "info", "debug, info, warn or error")
	return cmd
}

func runConnect(cmd *cobra.Command, args []string) error {
	url, _ := cmd.Flags().GetString("url")
	route, _ := cmd.Flags().GetString("route")
	secret, _ := cmd.Flags().GetString("secret")
	origin, _ := cmd.Flags().GetString("origin")
	insecure, _ := cmd.Flags().GetBool("insecure")
	level, _ := cmd.Flags().GetString("log-level")

	if secret == "" {
		secret = os.Getenv("BRAIN_PROXY_SECRET")
	}
	logger := newLogger(config.LoggingConfig{Level: level, Format: "text"}, os.Stderr)

	client, err := connector.New(connector.Options{
		URL:           url,
		Route:         route,
		Secret:        secret,
		Origin:        origin,
		TLSSkipVerify: insecure,
		OnConnected: func(route string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "connected as %q\n", route)
		},
	}, echoHandler, logger)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "daily code: %s\n", client.DailyCode(time.Now()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func echoHandler(_ context.Context, req protocol.Request) (any, error) {
	if req.Method == "ping" {
		return "pong", nil
	}
	var params any
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, &protocol.Error{Code: protocol.CodeInvalidRequest, Message: "params must be JSON"}
		}
	}
	return map[string]any{"method": req.Method, "params": params}, nil
}
