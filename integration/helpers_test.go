//go:build integration

package integration

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	originOnce sync.Once
	originURL  string
	originErr  error
	originBody []byte
)

const originFileName = "video.bin"

// getOrigin returns the shared range-serving origin's base URL, starting
// the container and seeding its document root on first use.
func getOrigin(tb testing.TB) (string, []byte) {
	tb.Helper()
	if os.Getenv("SKIP_DOCKER_TESTS") == "1" {
		tb.Skip("SKIP_DOCKER_TESTS is set")
	}

	originOnce.Do(func() {
		ctx := context.Background()
		originBody = randomBody(2 << 20) // 2MiB, large enough to exercise multiple chunks
		originURL, originErr = startOriginContainer(ctx, originBody)
	})
	if originErr != nil {
		tb.Fatalf("start origin container: %v", originErr)
	}
	return originURL, originBody
}

func randomBody(n int) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(1)).Read(b) //nolint:gosec // deterministic fixture content, not security sensitive
	return b
}

// startOriginContainer starts an nginx container serving originBody as a
// byte-range-capable static file, returning its base URL.
func startOriginContainer(ctx context.Context, body []byte) (string, error) {
	req := testcontainers.ContainerRequest{
		Image:        "nginx:1.27-alpine",
		ExposedPorts: []string{"80/tcp"},
		WaitingFor:   wait.ForHTTP("/" + originFileName).WithPort("80/tcp"),
		Files: []testcontainers.ContainerFile{
			{
				Reader:            bytes.NewReader(body),
				ContainerFilePath: "/usr/share/nginx/html/" + originFileName,
				FileMode:          0o644,
			},
		},
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return "", fmt.Errorf("start nginx container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve origin host: %w", err)
	}
	port, err := container.MappedPort(ctx, "80/tcp")
	if err != nil {
		return "", fmt.Errorf("resolve origin port: %w", err)
	}
	return fmt.Sprintf("http://%s:%s/%s", host, port.Port(), originFileName), nil
}
