// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command vmark-noded is the carrier Ethernet demarcation device's
// control-plane daemon: it owns the forwarding table, reconciles it into
// the kernel's XDP forwarding program, and serves the Rule Engine and
// TWAMP Light APIs over HTTP.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"vmark-noded/internal/forwarding"
	"vmark-noded/internal/httpapi"
	"vmark-noded/internal/logging"
	"vmark-noded/internal/metrics"
	"vmark-noded/internal/ruleapi"
)

func main() {
	listenAddr := flag.String("listen", ":8787", "command API listen address")
	stateDir := os.Getenv("XDG_STATE_HOME")
	if stateDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			stateDir = filepath.Join(home, ".local", "state")
		}
	}
	persistPath := flag.String("state", filepath.Join(stateDir, "vmark-noded", "forwarding.json"), "forwarding table persistence path")
	bootstrapPath := flag.String("bootstrap", "/etc/vmark-noded/rules.hcl", "declarative bootstrap rule file (HCL), applied only if state is absent")
	xdpProgramPath := flag.String("xdp-program", "/usr/lib/vmark-noded/xdp_forward.o", "compiled XDP forwarding program object")
	flag.Parse()

	logger := logging.WithComponent("main")

	binding, err := newBinding(*xdpProgramPath)
	if err != nil {
		logger.Error("failed to initialize kernel binding", "error", err)
		os.Exit(1)
	}

	table := forwarding.NewTable(binding)
	engine := ruleapi.NewEngine(table, binding, *persistPath)

	m := metrics.New()
	engine.SetMetrics(m)

	if _, statErr := os.Stat(*persistPath); os.IsNotExist(statErr) {
		logger.Info("no persisted state found, applying bootstrap rules", "bootstrap", *bootstrapPath)
		if err := engine.LoadBootstrap(*bootstrapPath); err != nil {
			logger.Error("failed to apply bootstrap rules", "error", err)
			os.Exit(1)
		}
	} else if err := engine.StartupReconcile(); err != nil {
		logger.Error("failed to reconcile forwarding state at startup", "error", err)
		os.Exit(1)
	}

	server := httpapi.NewServer(engine, m)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe(*listenAddr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			logger.Error("command API server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("error during shutdown", "error", err)
	}
}
