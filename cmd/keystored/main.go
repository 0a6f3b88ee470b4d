// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-keychain.
//
// go-keychain is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Command keystored runs the credential-service daemon: it constructs a
// single dispatcher.Service and blocks until terminated. It does not itself
// speak a wire protocol (spec.md §1 explicitly leaves transport/IPC
// marshalling out of scope); a process embedding this daemon's Service value
// is the intended integration point for a gRPC/REST front end.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-keychain/internal/config"
	"github.com/jeremyhahn/go-keychain/internal/keystored"
	"github.com/jeremyhahn/go-keychain/pkg/adapters/logger"
)

var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "keystored",
		Short:         "Hardware-backed, multi-user credential service daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "",
		"path to keystored config file (defaults built in if absent)")

	root.AddCommand(serveCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the credential-service daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logger.NewSlogAdapter(&logger.SlogConfig{Level: logger.LevelInfo})

			cfg, err := config.LoadKeystore(configPath)
			if err != nil {
				return fmt.Errorf("loading configuration: %w", err)
			}
			log.Info("configuration loaded",
				logger.String("primary_device", cfg.PrimaryDevice),
				logger.Int("max_operations", cfg.MaxOperations))

			svc, err := keystored.New(cfg, log)
			if err != nil {
				return fmt.Errorf("constructing service: %w", err)
			}
			_ = svc // held alive for the lifetime of the process by an embedding front end

			log.Info("keystored ready")

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()

			log.Info("keystored shutting down")
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("keystored\n  version: %s\n  commit:  %s\n  built:   %s\n", version, gitCommit, buildDate)
		},
	}
}
