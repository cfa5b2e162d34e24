/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package k8s provides utilities for creating Kubernetes clients.
package k8s

import (
	"errors"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

var ErrNilRestConfig = errors.New("rest config must not be nil")

const (
	// InClusterConfig is the string value that indicates in-cluster config should be used.
	InClusterConfig = "in-cluster"

	// ServiceAccountConfig is an alternative string value that indicates in-cluster config.
	ServiceAccountConfig = ">>> Kubeconfig From Service Account"
)

// NewKubeRestConfig creates a Kubernetes REST config from the given kubeconfig path.
// If kubeconfigPath is "in-cluster" or ">>> Kubeconfig From Service Account", it uses the in-cluster config.
// If kubeconfigPath is empty, the default loading rules apply ($KUBECONFIG,
// then ~/.kube/config).
// Otherwise, it loads the kubeconfig from the specified file path.
func NewKubeRestConfig(kubeconfigPath string) (*rest.Config, error) {
	// Check for in-cluster config indicators
	if kubeconfigPath == InClusterConfig || kubeconfigPath == ServiceAccountConfig {
		return rest.InClusterConfig()
	}

	if kubeconfigPath == "" {
		return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
			clientcmd.NewDefaultClientConfigLoadingRules(),
			&clientcmd.ConfigOverrides{}, //nolint:exhaustruct
		).ClientConfig()
	}

	// Load from kubeconfig file
	return clientcmd.BuildConfigFromFlags("", kubeconfigPath)
}

// NewClientset creates the typed clientset used to stream pod exec sessions.
func NewClientset(restConfig *rest.Config) (kubernetes.Interface, error) { //nolint:ireturn
	if restConfig == nil {
		return nil, ErrNilRestConfig
	}

	cs, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("creating clientset: %w", err)
	}
	return cs, nil
}

// NewKubeClient creates a Kubernetes client able to read core/v1 objects, used
// to inspect the pods devices run in.
func NewKubeClient(restConfig *rest.Config) (client.Client, error) { //nolint:ireturn
	if restConfig == nil {
		return nil, ErrNilRestConfig
	}

	// Create scheme
	scheme := runtime.NewScheme()

	// Add core/v1
	if err := corev1.AddToScheme(scheme); err != nil {
		return nil, err
	}

	// Create and return client
	return client.New(restConfig, client.Options{Scheme: scheme}) //nolint:exhaustruct
}
