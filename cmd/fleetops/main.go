// Copyright (C) 2025 fleetops contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// fleetops is the control-plane daemon: it samples the fleet, predicts
// failures, manages alerts, and runs self-healing workflows.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"fleetops/config"
	"fleetops/coordinator"
	"fleetops/healing"
	"fleetops/logger"
	"fleetops/telemetry"
	"fleetops/telemetry/sources"
)

// set via -ldflags at build time
var (
	version   = "dev"
	buildDate = "unknown"
)

var (
	configPath string
	sourceName string
	nodeCount  int
	kubeconfig string
)

func main() {
	root := &cobra.Command{
		Use:   "fleetops",
		Short: "Fleet telemetry, prediction, and self-healing control plane",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML configuration file")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the control plane",
		RunE:  run,
	}
	runCmd.Flags().StringVar(&sourceName, "source", "simulated", "telemetry source: simulated or kubernetes")
	runCmd.Flags().IntVar(&nodeCount, "nodes", 5, "node count for the simulated source")
	runCmd.Flags().StringVar(&kubeconfig, "kubeconfig", "", "kubeconfig path for the kubernetes source (in-cluster config when empty)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("fleetops %s (built %s)\n", version, buildDate)
		},
	}

	root.AddCommand(runCmd, versionCmd)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger.Init(cfg.LogLevel)
	logger.Info("fleetops %s starting", version)

	coord, err := coordinator.New(cfg, coordinator.Options{
		Effector: healing.NewSimulatedEffector(cfg.UpdateInterval() / 2),
	})
	if err != nil {
		return err
	}

	src, err := buildSource(cfg)
	if err != nil {
		return err
	}
	coord.AddSource(src)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if err := coord.Start(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received %s, shutting down", sig)

	cancel()
	coord.Stop()
	return nil
}

func buildSource(cfg *config.Config) (telemetry.SampleSource, error) {
	switch sourceName {
	case "simulated":
		profiles := make([]sources.NodeProfile, 0, nodeCount)
		for i := 0; i < nodeCount; i++ {
			profiles = append(profiles, sources.HealthyProfile(fmt.Sprintf("node-%d", i+1)))
		}
		return sources.NewSimulatedFleet(42, nil, profiles...), nil
	case "kubernetes":
		return buildKubernetesSource(kubeconfig)
	default:
		return nil, fmt.Errorf("unknown source %q (want simulated or kubernetes)", sourceName)
	}
}
