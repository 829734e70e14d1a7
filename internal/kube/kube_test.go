package kube

import (
	"context"
	"testing"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func TestPatchLastAccess(t *testing.T) {
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:        "mcp-1",
			Namespace:   "team-a",
			Labels:      map[string]string{ManagedByLabel: ManagedByValue},
			Annotations: map[string]string{"keep": "me"},
		},
	}
	client := fake.NewSimpleClientset(pod)
	at := time.Date(2025, 3, 4, 5, 6, 7, 0, time.FixedZone("x", 3600))

	if err := PatchLastAccess(context.Background(), client, "team-a", "mcp-1", at); err != nil {
		t.Fatalf("patch: %v", err)
	}

	got, err := client.CoreV1().Pods("team-a").Get(context.Background(), "mcp-1", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if want := "2025-03-04T04:06:07Z"; got.Annotations[LastAccessAnnotation] != want {
		t.Fatalf("annotation: want %q got %q", want, got.Annotations[LastAccessAnnotation])
	}
	if got.Annotations["keep"] != "me" {
		t.Fatalf("unrelated annotation lost: %v", got.Annotations)
	}
	if got.Labels[ManagedByLabel] != ManagedByValue {
		t.Fatalf("labels changed: %v", got.Labels)
	}
}

func TestPatchLastAccess_MissingPod(t *testing.T) {
	client := fake.NewSimpleClientset()
	if err := PatchLastAccess(context.Background(), client, "ns", "gone", time.Now()); err == nil {
		t.Fatal("want error for missing pod")
	}
}

func TestLastAccessRoundTrip(t *testing.T) {
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	got, err := ParseLastAccess(FormatLastAccess(at))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !got.Equal(at) {
		t.Fatalf("want %v got %v", at, got)
	}
	if _, err := ParseLastAccess("yesterday"); err == nil {
		t.Fatal("want parse error")
	}
}

func TestManagedSelector(t *testing.T) {
	if got, want := ManagedSelector(), "app.kubernetes.io/managed-by=mcp-pod-gateway"; got != want {
		t.Fatalf("want %q got %q", want, got)
	}
}
