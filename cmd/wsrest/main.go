package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"

	// Automatically set GOMEMLIMIT based on cgroup memory limits (container
	// or systemd MemoryMax=). If no cgroup limit is detected, GOMEMLIMIT is
	// left at the Go default.
	"github.com/KimMachineGun/automemlimit/memlimit"

	"github.com/spf13/cobra"

	"wsrest/internal/metrics"
	"wsrest/internal/subproto"
)

var version = "dev"

func init() {
	_, _ = memlimit.SetGoMemLimitWithOpts(memlimit.WithLogger(nil))
}

func main() {
	rootCmd := &cobra.Command{
		Use:          "wsrest",
		Short:        "WebSocket REST protocol engine",
		Long:         "Run REST-style request/answer exchanges over WebSocket connections.",
		SilenceUsage: true,
	}

	// Global flags.
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("metrics-addr", "", "address for Prometheus metrics server (e.g. :9090); disabled if empty")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(callCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

// addProtoFlags adds the sub-protocol and cipher flags to a command.
func addProtoFlags(cmd *cobra.Command) {
	cmd.Flags().String("key", "", "shared secret enabling binary frame encryption")
	cmd.Flags().String("salt", "wsrest", "key-derivation salt")
	cmd.Flags().Int("key-rounds", 0, "PBKDF2 iteration count (0 = default)")
	cmd.Flags().Int("key-bits", 0, "cipher key size in bits (0 = suite default)")
	cmd.Flags().String("cipher", "", "cipher suite: aes-gcm or chacha20-poly1305")
	cmd.Flags().Bool("no-compress", false, "disable binary frame compression")
}

// buildRegistry constructs the negotiable protocol set from the flags:
// the JSON protocol plus the binary protocol, the latter encrypted when
// --key is set.
func buildRegistry(cmd *cobra.Command) (*subproto.Registry, error) {
	opts := subproto.BinaryOptions{}
	if v, _ := cmd.Flags().GetBool("no-compress"); v {
		opts.NoCompress = true
	}
	if key, _ := cmd.Flags().GetString("key"); key != "" {
		salt, _ := cmd.Flags().GetString("salt")
		rounds, _ := cmd.Flags().GetInt("key-rounds")
		bits, _ := cmd.Flags().GetInt("key-bits")
		suite, _ := cmd.Flags().GetString("cipher")
		cipher, err := subproto.NewCipher(key, subproto.KeyParams{
			Salt:   salt,
			Rounds: rounds,
			Bits:   bits,
			Suite:  subproto.CipherSuite(suite),
		})
		if err != nil {
			return nil, err
		}
		opts.Cipher = cipher
	}

	reg := subproto.NewRegistry()
	reg.Register(subproto.NewJSON(""))
	reg.Register(subproto.NewBinary("", opts))
	return reg, nil
}

// resolveMetrics creates a Metrics instance and starts the HTTP server if
// --metrics-addr or WSREST_METRICS_ADDR is set. Returns nil if metrics are
// disabled. The provided context controls the server's lifetime.
func resolveMetrics(ctx context.Context, cmd *cobra.Command, logger *slog.Logger) (*metrics.Metrics, error) {
	addr, _ := cmd.Flags().GetString("metrics-addr")
	if addr == "" {
		addr = os.Getenv("WSREST_METRICS_ADDR")
	}
	if addr == "" {
		return nil, nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen on %s: %w", addr, err)
	}
	m := metrics.New()
	go func() {
		if err := m.Serve(ctx, ln, logger); err != nil {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return m, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
