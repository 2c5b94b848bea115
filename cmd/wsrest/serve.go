package main

import (
	"context"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"wsrest/internal/engine"
	"wsrest/internal/listener"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept WebSocket connections and answer requests",
		Long: `Start a listener that negotiates a sub-protocol with each client and
answers inbound requests. The built-in handler echoes the request body,
which is enough for smoke tests and benchmarks; embedders supply their
own handler through the listener package.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}

	cmd.Flags().String("addr", ":8888", "listen address")
	cmd.Flags().Int("max-connections", 0, "max concurrent connections (0 = unlimited)")
	cmd.Flags().Duration("heartbeat", 20*time.Second, "idle interval before a ping is sent")
	cmd.Flags().Int64("max-frame-size", 0, "max inbound message size in bytes (0 = default)")
	addProtoFlags(cmd)

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	logLevel, _ := cmd.Flags().GetString("log-level")
	logger := newLogger(logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	m, err := resolveMetrics(ctx, cmd, logger)
	if err != nil {
		return err
	}
	reg, err := buildRegistry(cmd)
	if err != nil {
		return err
	}

	addr, _ := cmd.Flags().GetString("addr")
	maxConn, _ := cmd.Flags().GetInt("max-connections")
	heartbeat, _ := cmd.Flags().GetDuration("heartbeat")
	maxFrame, _ := cmd.Flags().GetInt64("max-frame-size")

	cfg := listener.Config{
		Addr:           addr,
		Registry:       reg,
		Handler:        echoHandler,
		MaxConnections: maxConn,
		Heartbeat:      heartbeat,
		MaxFrameSize:   maxFrame,
		Logger:         logger,
		Metrics:        m,
	}
	return listener.ListenAndServe(ctx, cfg)
}

// echoHandler answers every request with its own body.
func echoHandler(req *engine.Request) *engine.Response {
	return &engine.Response{
		Status:      200,
		ContentType: req.ContentType,
		Body:        req.Body,
	}
}
