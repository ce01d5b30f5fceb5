package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/nattun/relay/internal/audit"
	"github.com/nattun/relay/internal/auditqueue"
	"github.com/nattun/relay/internal/config"
	"github.com/nattun/relay/internal/server"
)

// flag overrides, applied on top of the environment-loaded config when set.
var (
	flagBindAddr string
	flagPort     int
	flagCert     string
	flagKey      string
	flagTokens   []string
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relayd",
		Short: "Relay server: accepts client control connections and exposes their tunnels",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}

	cmd.Flags().StringVar(&flagBindAddr, "bind-addr", "", "override RELAY_BIND_ADDR")
	cmd.Flags().IntVar(&flagPort, "port", 0, "override RELAY_PORT")
	cmd.Flags().StringVar(&flagCert, "cert", "", "override RELAY_TLS_CERT")
	cmd.Flags().StringVar(&flagKey, "key", "", "override RELAY_TLS_KEY")
	cmd.Flags().StringSliceVar(&flagTokens, "token", nil, "accepted client token, repeatable; overrides RELAY_TOKENS")

	return cmd
}

func run() error {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyFlagOverrides(cfg)

	srv, err := server.NewServer(cfg)
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	// The Sink built into srv only enqueues onto Redis; a Worker has to run
	// somewhere to drain it, or audit entries pile up unread.
	var worker *auditqueue.Worker
	if cfg.RedisAddr != "" {
		worker = auditqueue.NewWorker(cfg.RedisAddr, audit.LogSink{})
		worker.Start()
	}

	printBanner(cfg)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen and serve: %w", err)
		}
		return nil
	case s := <-sig:
		log.Printf("[relayd] received %s, shutting down", s)
	}

	if err := srv.Close(); err != nil {
		log.Printf("[relayd] close listener: %v", err)
	}
	if worker != nil {
		worker.Shutdown()
	}

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, net.ErrClosed) {
			log.Printf("[relayd] server error during shutdown: %v", err)
		}
	case <-time.After(30 * time.Second):
		log.Printf("[relayd] shutdown timed out waiting for accept loop to exit")
	}

	log.Println("[relayd] stopped")
	return nil
}

func applyFlagOverrides(cfg *config.ServerConfig) {
	if flagBindAddr != "" {
		cfg.Network.BindAddr = flagBindAddr
	}
	if flagPort != 0 {
		cfg.Network.Port = flagPort
	}
	if flagCert != "" {
		cfg.TLS.CertPath = flagCert
	}
	if flagKey != "" {
		cfg.TLS.KeyPath = flagKey
	}
	if len(flagTokens) > 0 {
		cfg.Auth.Tokens = flagTokens
	}
}

func printBanner(cfg *config.ServerConfig) {
	bold := color.New(color.Bold).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()

	fmt.Println(bold("relayd"))
	fmt.Printf("  listening    %s\n", green(fmt.Sprintf("%s:%d", cfg.Network.BindAddr, cfg.Network.Port)))
	fmt.Printf("  max clients  %d per token\n", cfg.Auth.MaxClientsPerToken)
	fmt.Printf("  tunnels      %d per client, %d connections per tunnel\n", cfg.Limits.MaxTunnelsPerClient, cfg.Limits.MaxConnectionsPerTunnel)
	if cfg.RedisAddr != "" {
		fmt.Printf("  audit queue  %s\n", cfg.RedisAddr)
	} else {
		fmt.Println("  audit queue  disabled (logging only)")
	}
}
