package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"wsrest/internal/dialer"
	"wsrest/internal/engine"
)

func callCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "call <url> <method>",
		Short: "Issue one request over a WebSocket connection",
		Long: `Connect to a wsrest server, send one request, and print the answer
body to stdout. The request body is read from stdin unless --body is
given. The exit code is non-zero when the answer status is not 2xx.`,
		Args: cobra.ExactArgs(2),
		RunE: runCall,
	}

	cmd.Flags().String("body", "", "request body (default: read from stdin)")
	cmd.Flags().String("content-type", "text/plain", "request body content type")
	cmd.Flags().Duration("timeout", 30*time.Second, "answer wait timeout")
	addProtoFlags(cmd)

	return cmd
}

func runCall(cmd *cobra.Command, args []string) error {
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

	body, _ := cmd.Flags().GetString("body")
	payload := []byte(body)
	if body == "" {
		if payload, err = io.ReadAll(os.Stdin); err != nil {
			return err
		}
	}
	contentType, _ := cmd.Flags().GetString("content-type")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	eng, err := dialer.Dial(ctx, dialer.Config{
		URL:           args[0],
		Registry:      reg,
		AnswerTimeout: timeout,
		Logger:        logger,
		Metrics:       m,
	})
	if err != nil {
		return err
	}
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = eng.Run(ctx)
	}()
	defer func() {
		eng.Shutdown()
		<-runDone
	}()

	resp, err := eng.Notify(&engine.Request{
		Method:      args[1],
		ContentType: contentType,
		Body:        payload,
	}, engine.SendAndWait)
	if err != nil {
		return err
	}

	if len(resp.Body) > 0 {
		if _, err := os.Stdout.Write(resp.Body); err != nil {
			return err
		}
	}
	if resp.Status < 200 || resp.Status > 299 {
		return fmt.Errorf("answer status %d", resp.Status)
	}
	return nil
}
