// Command sshbridge is a TLS-fronted SSH/WebSocket gateway: browsers log in
// with real OS credentials, verified by dialing the host's own sshd, and
// are handed off to a short-lived per-session worker process spawned over
// that authenticated SSH connection.
//
// Invoked with --client, the same binary instead runs as that worker.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"sshbridge/internal/auth"
	"sshbridge/internal/config"
	"sshbridge/internal/gateway"
	"sshbridge/internal/peer"
	"sshbridge/internal/worker"
	"sshbridge/pkg/certgen"
)

func main() {
	cli, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, closeLogger, err := config.SetupLogger(cli)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer closeLogger()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cli.Client != "" {
		if err := worker.Run(ctx, worker.Config{
			Token:        cli.Client,
			CallbackAddr: cli.ListenAddress,
			Logger:       logger,
		}); err != nil {
			logger.Printf("worker: exiting: %v", err)
			os.Exit(1)
		}
		return
	}

	if err := runGateway(ctx, cli, logger); err != nil {
		logger.Printf("gateway: fatal: %v", err)
		os.Exit(1)
	}
}

func runGateway(ctx context.Context, cli *config.CLI, logger *log.Logger) error {
	fallbackCert, fallbackKey, err := config.GetDefaultCertPaths()
	if err != nil {
		return fmt.Errorf("resolving default cert paths: %w", err)
	}
	cert, err := certgen.LoadOrGenerate(cli.Certificate, cli.PrivateKey, fallbackCert, fallbackKey)
	if err != nil {
		return err
	}
	tlsConfig := &tls.Config{Certificates: []tls.Certificate{cert}}

	_, portStr, err := net.SplitHostPort(cli.ListenAddress)
	if err != nil {
		return fmt.Errorf("parsing --listen-address: %w", err)
	}
	callbackPort, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("parsing --listen-address port: %w", err)
	}

	registry := peer.NewRegistry()
	machine := auth.NewMachine(registry, cli.LocalSSHPort, os.Args[0], callbackPort)

	var assetHandler http.Handler
	if cli.AssetsPath != "" {
		assetHandler = gateway.NewAssetServer(cli.AssetsPath)
	}

	srv := gateway.NewServer(cli.ListenAddress, tlsConfig, logger, machine, registry, assetHandler)
	return srv.ListenAndServe(ctx)
}
