package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/nattun/relay/internal/client"
	"github.com/nattun/relay/internal/config"
	"github.com/nattun/relay/internal/protocol"
)

var (
	flagServerAddr string
	flagServerPort int
	flagToken      string
	flagClientID   string
	flagTunnels    []string
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
		Use:   "relay-client",
		Short: "Relay client: exposes local TCP/UDP services through a relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}

	cmd.Flags().StringVar(&flagServerAddr, "server-addr", "", "override RELAY_SERVER_ADDR")
	cmd.Flags().IntVar(&flagServerPort, "server-port", 0, "override RELAY_SERVER_PORT")
	cmd.Flags().StringVar(&flagToken, "token", "", "override RELAY_TOKEN")
	cmd.Flags().StringVar(&flagClientID, "client-id", "", "override RELAY_CLIENT_ID")
	cmd.Flags().StringArrayVar(&flagTunnels, "tunnel", nil,
		"tunnel to auto-start, repeatable; format name:local_port:protocol[:remote_port] (protocol is tcp or udp)")

	return cmd
}

func run() error {
	cfg, err := config.LoadClientConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := applyFlagOverrides(cfg); err != nil {
		return err
	}

	c := client.New(cfg)
	printBanner(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sig
		log.Printf("[relay-client] received %s, shutting down", s)
		cancel()
	}()

	if err := c.RunWithReconnect(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("run: %w", err)
	}
	log.Println("[relay-client] stopped")
	return nil
}

func applyFlagOverrides(cfg *config.ClientConfig) error {
	if flagServerAddr != "" {
		cfg.Server.Addr = flagServerAddr
	}
	if flagServerPort != 0 {
		cfg.Server.Port = flagServerPort
	}
	if flagToken != "" {
		cfg.Server.Token = flagToken
	}
	if flagClientID != "" {
		cfg.Server.ClientID = flagClientID
	}

	for _, spec := range flagTunnels {
		tc, err := parseTunnelFlag(spec)
		if err != nil {
			return fmt.Errorf("--tunnel %q: %w", spec, err)
		}
		cfg.Tunnels = append(cfg.Tunnels, tc)
	}

	return nil
}

// parseTunnelFlag parses "name:local_port:protocol[:remote_port]" into a
// TunnelConfig with AutoStart set, the only way this binary's CLI can
// request a tunnel (config.ClientConfig.Tunnels is never populated from the
// environment).
func parseTunnelFlag(spec string) (config.TunnelConfig, error) {
	parts := strings.Split(spec, ":")
	if len(parts) < 3 || len(parts) > 4 {
		return config.TunnelConfig{}, fmt.Errorf("expected name:local_port:protocol[:remote_port]")
	}

	localPort, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil {
		return config.TunnelConfig{}, fmt.Errorf("invalid local_port %q: %w", parts[1], err)
	}

	var proto protocol.TunnelProtocol
	switch strings.ToLower(parts[2]) {
	case "tcp":
		proto = protocol.ProtocolTCP
	case "udp":
		proto = protocol.ProtocolUDP
	default:
		return config.TunnelConfig{}, fmt.Errorf("protocol must be tcp or udp, got %q", parts[2])
	}

	tc := config.TunnelConfig{
		Name:      parts[0],
		LocalPort: uint16(localPort),
		Protocol:  proto,
		AutoStart: true,
	}

	if len(parts) == 4 {
		remotePort, err := strconv.ParseUint(parts[3], 10, 16)
		if err != nil {
			return config.TunnelConfig{}, fmt.Errorf("invalid remote_port %q: %w", parts[3], err)
		}
		rp := uint16(remotePort)
		tc.RemotePort = &rp
	}

	return tc, nil
}

func printBanner(cfg *config.ClientConfig) {
	bold := color.New(color.Bold).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()

	fmt.Println(bold("relay-client"))
	fmt.Printf("  server      %s\n", green(fmt.Sprintf("%s:%d", cfg.Server.Addr, cfg.Server.Port)))
	fmt.Printf("  client id   %s\n", cfg.Server.ClientID)
	fmt.Printf("  auto tunnels %d\n", countAutoStart(cfg.Tunnels))
}

func countAutoStart(tunnels []config.TunnelConfig) int {
	n := 0
	for _, t := range tunnels {
		if t.AutoStart {
			n++
		}
	}
	return n
}
