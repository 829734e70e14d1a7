// Package kube holds the cluster-facing helpers shared by the transport, the
// session manager and the orphan sweep: well-known labels and annotations,
// last-access bookkeeping and the stdio attacher.
package kube

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

const (
	// ManagedByLabel marks every Pod this gateway provisions.
	ManagedByLabel = "app.kubernetes.io/managed-by"
	// ManagedByValue is the value of ManagedByLabel on gateway Pods.
	ManagedByValue = "mcp-pod-gateway"
	// TemplateLabel carries the name of the Template a session Pod was
	// rendered from.
	TemplateLabel = "mcp-pod-gateway/template"
	// LastAccessAnnotation holds the RFC 3339 UTC time a live relay last
	// touched the session.
	LastAccessAnnotation = "mcp-pod-gateway/last-access"
	// ContainerName is the name of the single container in a session Pod.
	ContainerName = "mcp"
)

// ManagedSelector returns the label selector matching every gateway Pod.
func ManagedSelector() string {
	return labels.SelectorFromSet(labels.Set{ManagedByLabel: ManagedByValue}).String()
}

// FormatLastAccess renders t in the annotation's wire format.
func FormatLastAccess(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// ParseLastAccess parses the last-access annotation value.
func ParseLastAccess(v string) (time.Time, error) {
	return time.Parse(time.RFC3339, v)
}

// PatchLastAccess stamps the last-access annotation on a Pod with a JSON merge
// patch. Nothing else on the Pod is touched.
func PatchLastAccess(ctx context.Context, client kubernetes.Interface, namespace, name string, at time.Time) error {
	patch := map[string]any{
		"metadata": map[string]any{
			"annotations": map[string]string{
				LastAccessAnnotation: FormatLastAccess(at),
			},
		},
	}
	data, err := json.Marshal(patch)
	if err != nil {
		return err
	}
	if _, err := client.CoreV1().Pods(namespace).Patch(ctx, name, types.MergePatchType, data, metav1.PatchOptions{}); err != nil {
		return fmt.Errorf("patch %s/%s last-access: %w", namespace, name, err)
	}
	return nil
}

// LoadConfig returns a REST config from the given kubeconfig path, or from
// the in-cluster environment when the path is empty and the process runs in a
// Pod. Otherwise the default loading rules ($KUBECONFIG, ~/.kube/config) apply.
func LoadConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig == "" {
		if cfg, err := rest.InClusterConfig(); err == nil {
			return cfg, nil
		}
	}
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	if kubeconfig != "" {
		rules.ExplicitPath = kubeconfig
	}
	cfg, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, &clientcmd.ConfigOverrides{}).ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("load kubeconfig: %w", err)
	}
	return cfg, nil
}
