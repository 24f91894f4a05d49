//go:build integration

package firestore

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	pconfig "github.com/hanko-field/checkout/internal/platform/config"
	pfirestore "github.com/hanko-field/checkout/internal/platform/firestore"
)

const emulatorImage = "gcr.io/google.com/cloudsdktool/cloud-sdk:emulators"

// startProvider binds a provider to FIRESTORE_EMULATOR_HOST when the emulator
// already runs (make emulators), otherwise to a throwaway docker container.
// Each test passes its own project id so data never leaks between tests.
func startProvider(t *testing.T, projectID string) *pfirestore.Provider {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test skipped in short mode")
	}

	endpoint := strings.TrimSpace(os.Getenv("FIRESTORE_EMULATOR_HOST"))
	if endpoint == "" {
		endpoint = runEmulatorContainer(t)
	}
	awaitTCP(t, endpoint, 30*time.Second)

	provider := pfirestore.NewProvider(pconfig.FirestoreConfig{ProjectID: projectID, EmulatorHost: endpoint})
	t.Cleanup(func() { _ = provider.Close(context.Background()) })
	return provider
}

func runEmulatorContainer(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skipf("docker not available: %v", err)
	}
	dockerCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := exec.CommandContext(dockerCtx, "docker", "info").Run(); err != nil {
		t.Skipf("docker daemon not available: %v", err)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("allocate port: %v", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	_ = listener.Close()

	out, err := exec.Command("docker", "run", "-d", "--rm",
		"-p", fmt.Sprintf("%d:8080", port),
		emulatorImage,
		"gcloud", "beta", "emulators", "firestore", "start", "--host-port=0.0.0.0:8080", "--quiet",
	).CombinedOutput()
	container := strings.TrimSpace(string(out))
	if err != nil || container == "" {
		t.Fatalf("start firestore emulator: %v %s", err, container)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = exec.CommandContext(ctx, "docker", "stop", container).Run()
	})
	return fmt.Sprintf("127.0.0.1:%d", port)
}

func awaitTCP(t *testing.T, endpoint string, within time.Duration) {
	t.Helper()
	for deadline := time.Now().Add(within); time.Now().Before(deadline); time.Sleep(200 * time.Millisecond) {
		if conn, err := net.DialTimeout("tcp", endpoint, 500*time.Millisecond); err == nil {
			_ = conn.Close()
			return
		}
	}
	t.Fatalf("firestore emulator at %s not reachable within %s", endpoint, within)
}
