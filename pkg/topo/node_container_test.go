package topo

import (
	"context"
	"os/exec"
	"testing"
)

func TestContainerBackend_ContainerName(t *testing.T) {
	n := &Node{Name: "h1"}
	b := newContainerBackend("run-1", n)
	if got := b.containerName(); got != "munet-run-1-h1" {
		t.Errorf("containerName() = %q, want munet-run-1-h1", got)
	}
}

func TestContainerBackend_Prepare_BackendUnavailableWithoutPodman(t *testing.T) {
	if _, err := exec.LookPath("podman"); err == nil {
		t.Skip("podman is installed; this test only exercises the missing-binary path")
	}

	n := &Node{Name: "h1", Image: "busybox"}
	b := newContainerBackend("run-1", n)

	err := b.Prepare(context.Background())
	if err == nil {
		t.Fatal("expected an error when podman is not installed")
	}
	te, ok := err.(*Error)
	if !ok || te.Kind != BackendUnavailable {
		t.Errorf("expected BackendUnavailable, got %v", err)
	}
}
