// Copyright (C) 2025 fleetops contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package sources

import (
	"context"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	metricsv "k8s.io/metrics/pkg/client/clientset/versioned"

	"fleetops/model"
)

// KubernetesNodes samples a Kubernetes cluster: node metrics from the
// metrics API combined with node conditions from the core API.
type KubernetesNodes struct {
	client  kubernetes.Interface
	metrics metricsv.Interface
}

// NewKubernetesNodes creates the Kubernetes sample source
func NewKubernetesNodes(client kubernetes.Interface, metricsClient metricsv.Interface) *KubernetesNodes {
	return &KubernetesNodes{client: client, metrics: metricsClient}
}

func (k *KubernetesNodes) Name() string { return "kubernetes-nodes" }

// Collect produces one sample per cluster node. Fields the metrics API does
// not expose (latency, throughput, error rate) are left zero; the rollup
// treats missing fields as zero.
func (k *KubernetesNodes) Collect(ctx context.Context) ([]model.Sample, error) {
	nodeList, err := k.client.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("listing nodes: %w", err)
	}
	metricList, err := k.metrics.MetricsV1beta1().NodeMetricses().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("listing node metrics: %w", err)
	}

	usage := make(map[string]corev1.ResourceList, len(metricList.Items))
	for _, m := range metricList.Items {
		usage[m.Name] = m.Usage
	}

	now := time.Now()
	out := make([]model.Sample, 0, len(nodeList.Items))
	for i := range nodeList.Items {
		node := &nodeList.Items[i]
		s := model.Sample{
			NodeID:    node.Name,
			Timestamp: now,
		}

		if u, ok := usage[node.Name]; ok {
			s.Performance.CPUPct = usagePercent(u.Cpu().MilliValue(), node.Status.Allocatable.Cpu().MilliValue())
			s.Performance.MemoryPct = usagePercent(u.Memory().Value(), node.Status.Allocatable.Memory().Value())
			if eph, ok := u[corev1.ResourceEphemeralStorage]; ok {
				alloc := node.Status.Allocatable[corev1.ResourceEphemeralStorage]
				s.Performance.DiskPct = usagePercent(eph.Value(), alloc.Value())
			}
		}

		s.Health = nodeHealth(node, now)
		s.Utilization = model.Utilization{
			OverallPct: (s.Performance.CPUPct + s.Performance.MemoryPct + s.Performance.DiskPct) / 3,
			PerResource: map[string]float64{
				"cpu":    s.Performance.CPUPct,
				"memory": s.Performance.MemoryPct,
				"disk":   s.Performance.DiskPct,
			},
		}
		out = append(out, s)
	}
	return out, nil
}

func usagePercent(used, allocatable int64) float64 {
	if allocatable <= 0 {
		return 0
	}
	pct := float64(used) / float64(allocatable) * 100
	return clampPct(pct)
}

// nodeHealth maps node conditions onto the health block
func nodeHealth(node *corev1.Node, now time.Time) model.Health {
	h := model.Health{
		Status:          model.StatusHealthy,
		AvailabilityPct: 100,
		UptimeMs:        now.Sub(node.CreationTimestamp.Time).Milliseconds(),
	}
	for _, cond := range node.Status.Conditions {
		switch cond.Type {
		case corev1.NodeReady:
			if cond.Status != corev1.ConditionTrue {
				h.Status = model.StatusUnhealthy
				h.AvailabilityPct = 0
			}
		case corev1.NodeMemoryPressure, corev1.NodeDiskPressure, corev1.NodePIDPressure:
			if cond.Status == corev1.ConditionTrue && h.Status == model.StatusHealthy {
				h.Status = model.StatusDegraded
			}
		}
	}
	if h.UptimeMs < 0 {
		h.UptimeMs = 0
	}
	return h
}
