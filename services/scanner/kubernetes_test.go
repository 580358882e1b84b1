// Copyright (C) 2025 Cloudstrate Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package scanner

import (
	"context"
	"testing"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
)

func clusterFixture() []runtime.Object {
	return []runtime.Object{
		&corev1.Namespace{
			ObjectMeta: metav1.ObjectMeta{Name: "prod"},
			Status:     corev1.NamespaceStatus{Phase: corev1.NamespaceActive},
		},
		&corev1.Namespace{
			ObjectMeta: metav1.ObjectMeta{Name: "dev"},
			Status:     corev1.NamespaceStatus{Phase: corev1.NamespaceActive},
		},
		&appsv1.Deployment{ObjectMeta: metav1.ObjectMeta{Name: "web", Namespace: "prod"}},
		&appsv1.Deployment{ObjectMeta: metav1.ObjectMeta{Name: "worker", Namespace: "prod"}},
		&corev1.Service{ObjectMeta: metav1.ObjectMeta{Name: "web", Namespace: "prod"}},
		&corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "web-abc", Namespace: "prod"}},
		&corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "web-def", Namespace: "prod"}},
		&corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "worker-xyz", Namespace: "prod"}},
	}
}

func TestKubernetesScanner_Scan_AllNamespaces(t *testing.T) {
	client := fake.NewSimpleClientset(clusterFixture()...)
	scanner := newKubernetesScannerWithClient(client, "kind-local", KubernetesScannerOptions{}, nil)

	result, err := scanner.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}

	if result.Kubernetes == nil {
		t.Fatal("Kubernetes section missing from result")
	}
	if result.Kubernetes.Context != "kind-local" {
		t.Errorf("Context = %q, want kind-local", result.Kubernetes.Context)
	}
	if result.Metadata.Source != "kubernetes" {
		t.Errorf("Metadata.Source = %q, want kubernetes", result.Metadata.Source)
	}
	if len(result.Kubernetes.Namespaces) != 2 {
		t.Fatalf("len(Namespaces) = %d, want 2", len(result.Kubernetes.Namespaces))
	}

	byName := map[string]KubernetesNamespace{}
	for _, ns := range result.Kubernetes.Namespaces {
		byName[ns.Name] = ns
	}

	prod := byName["prod"]
	if prod.Deployments != 2 {
		t.Errorf("prod.Deployments = %d, want 2", prod.Deployments)
	}
	if prod.Services != 1 {
		t.Errorf("prod.Services = %d, want 1", prod.Services)
	}
	if prod.Pods != 3 {
		t.Errorf("prod.Pods = %d, want 3", prod.Pods)
	}
	if prod.Status != "Active" {
		t.Errorf("prod.Status = %q, want Active", prod.Status)
	}

	dev := byName["dev"]
	if dev.Deployments != 0 || dev.Services != 0 || dev.Pods != 0 {
		t.Errorf("dev counts = %+v, want all zero", dev)
	}
}

func TestKubernetesScanner_Scan_NamespaceFilter(t *testing.T) {
	client := fake.NewSimpleClientset(clusterFixture()...)
	scanner := newKubernetesScannerWithClient(client, "kind-local", KubernetesScannerOptions{
		Namespaces: []string{"prod", "missing"},
	}, nil)

	result, err := scanner.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}

	if len(result.Kubernetes.Namespaces) != 1 || result.Kubernetes.Namespaces[0].Name != "prod" {
		t.Fatalf("Namespaces = %+v, want prod only", result.Kubernetes.Namespaces)
	}
	if len(result.Metadata.Errors) != 1 {
		t.Fatalf("Metadata.Errors = %+v, want one entry for the missing namespace", result.Metadata.Errors)
	}
	if result.Metadata.Errors[0].Scope != "kubernetes/missing/namespace" {
		t.Errorf("error scope = %q, want kubernetes/missing/namespace", result.Metadata.Errors[0].Scope)
	}
}

func TestKubernetesScanner_Scan_EmptyCluster(t *testing.T) {
	client := fake.NewSimpleClientset()
	scanner := newKubernetesScannerWithClient(client, "", KubernetesScannerOptions{}, nil)

	result, err := scanner.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if len(result.Kubernetes.Namespaces) != 0 {
		t.Errorf("Namespaces = %+v, want none", result.Kubernetes.Namespaces)
	}
}
