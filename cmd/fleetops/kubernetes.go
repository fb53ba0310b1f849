// Copyright (C) 2025 fleetops contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package main

import (
	"fmt"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	metricsv "k8s.io/metrics/pkg/client/clientset/versioned"

	"fleetops/telemetry"
	"fleetops/telemetry/sources"
)

// buildKubernetesSource creates the cluster-backed sample source. An empty
// kubeconfig path falls back to in-cluster configuration.
func buildKubernetesSource(kubeconfigPath string) (telemetry.SampleSource, error) {
	var (
		restCfg *rest.Config
		err     error
	)
	if kubeconfigPath != "" {
		restCfg, err = clientcmd.BuildConfigFromFlags("", kubeconfigPath)
	} else {
		restCfg, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("building kubernetes config: %w", err)
	}

	client, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("creating kubernetes client: %w", err)
	}
	metricsClient, err := metricsv.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("creating metrics client: %w", err)
	}
	return sources.NewKubernetesNodes(client, metricsClient), nil
}
