// Copyright (C) 2025 Cloudstrate Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package scanner

import (
	"context"
	"fmt"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/cloudstrate/cloudstrate/pkg/logging"
)

// KubernetesScannerOptions configures a cluster scan.
type KubernetesScannerOptions struct {
	// Context selects a kubeconfig context. Empty means the current
	// context.
	Context string
	// Namespaces restricts the scan. Empty means all visible
	// namespaces.
	Namespaces []string
}

// KubernetesScanner inventories namespaces and their workload counts
// from the cluster the kubeconfig points at.
type KubernetesScanner struct {
	client      kubernetes.Interface
	contextName string
	opts        KubernetesScannerOptions
	logger      *logging.Logger
}

// NewKubernetesScanner resolves the kubeconfig (honoring KUBECONFIG and
// the default loading rules) and connects to the selected context.
func NewKubernetesScanner(opts KubernetesScannerOptions, logger *logging.Logger) (*KubernetesScanner, error) {
	loader := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
		clientcmd.NewDefaultClientConfigLoadingRules(),
		&clientcmd.ConfigOverrides{CurrentContext: opts.Context},
	)

	restConfig, err := loader.ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load kubeconfig: %w", err)
	}
	client, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kubernetes client: %w", err)
	}

	contextName := opts.Context
	if contextName == "" {
		if raw, err := loader.RawConfig(); err == nil {
			contextName = raw.CurrentContext
		}
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &KubernetesScanner{client: client, contextName: contextName, opts: opts, logger: logger}, nil
}

// newKubernetesScannerWithClient is the test seam for fake clientsets.
func newKubernetesScannerWithClient(client kubernetes.Interface, contextName string, opts KubernetesScannerOptions, logger *logging.Logger) *KubernetesScanner {
	if logger == nil {
		logger = logging.Default()
	}
	return &KubernetesScanner{client: client, contextName: contextName, opts: opts, logger: logger}
}

// Scan lists namespaces and counts deployments, services, and pods in
// each. Unreadable namespaces are recorded and skipped.
func (s *KubernetesScanner) Scan(ctx context.Context) (*ScanResult, error) {
	result := &ScanResult{
		Metadata: ScanMetadata{
			ScanTime: time.Now().UTC().Format(time.RFC3339),
			Source:   "kubernetes",
		},
		Kubernetes: &KubernetesResources{Context: s.contextName},
	}

	names, statuses, err := s.namespaceNames(ctx, result)
	if err != nil {
		return nil, err
	}

	for _, name := range names {
		entry := KubernetesNamespace{Name: name, Status: statuses[name]}

		if deps, err := s.client.AppsV1().Deployments(name).List(ctx, metav1.ListOptions{}); err != nil {
			s.recordNamespaceError(result, name, "deployments", err)
		} else {
			entry.Deployments = len(deps.Items)
		}
		if svcs, err := s.client.CoreV1().Services(name).List(ctx, metav1.ListOptions{}); err != nil {
			s.recordNamespaceError(result, name, "services", err)
		} else {
			entry.Services = len(svcs.Items)
		}
		if pods, err := s.client.CoreV1().Pods(name).List(ctx, metav1.ListOptions{}); err != nil {
			s.recordNamespaceError(result, name, "pods", err)
		} else {
			entry.Pods = len(pods.Items)
		}

		result.Kubernetes.Namespaces = append(result.Kubernetes.Namespaces, entry)
	}

	s.logger.Info("Kubernetes scan complete",
		"context", s.contextName,
		"namespaces", len(result.Kubernetes.Namespaces),
		"errors", len(result.Metadata.Errors),
	)
	return result, nil
}

// namespaceNames returns the namespaces to scan. With an explicit list
// each namespace is fetched individually so a missing one is a recorded
// error, not a fatal one.
func (s *KubernetesScanner) namespaceNames(ctx context.Context, result *ScanResult) ([]string, map[string]string, error) {
	statuses := map[string]string{}

	if len(s.opts.Namespaces) > 0 {
		var names []string
		for _, name := range s.opts.Namespaces {
			ns, err := s.client.CoreV1().Namespaces().Get(ctx, name, metav1.GetOptions{})
			if err != nil {
				s.recordNamespaceError(result, name, "namespace", err)
				continue
			}
			names = append(names, ns.Name)
			statuses[ns.Name] = string(ns.Status.Phase)
		}
		return names, statuses, nil
	}

	list, err := s.client.CoreV1().Namespaces().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list namespaces: %w", err)
	}
	names := make([]string, 0, len(list.Items))
	for _, ns := range list.Items {
		names = append(names, ns.Name)
		statuses[ns.Name] = string(ns.Status.Phase)
	}
	return names, statuses, nil
}

func (s *KubernetesScanner) recordNamespaceError(result *ScanResult, namespace, kind string, err error) {
	result.Metadata.Errors = append(result.Metadata.Errors, ScanError{
		Scope:   "kubernetes/" + namespace + "/" + kind,
		Message: err.Error(),
	})
	s.logger.Warn("namespace scan step failed, continuing",
		"namespace", namespace, "kind", kind, "error", err)
}
