package studytesting

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"

	"github.com/malbeclabs/studydata/utils/pkg/retry"
)

// DockerAvailable reports whether a healthy container provider is reachable.
// Integration suites exit early without one.
func DockerAvailable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	provider, err := testcontainers.NewDockerProvider()
	if err != nil {
		return false
	}
	defer provider.Close()
	return provider.Health(ctx) == nil
}

var containerStartRetry = retry.Config{
	MaxAttempts: 3,
	BaseBackoff: 750 * time.Millisecond,
	MaxBackoff:  3 * time.Second,
	Retryable:   isFlakyContainerStart,
}

// startContainer runs start, retrying the failures a busy Docker daemon
// produces.
func startContainer[C testcontainers.Container](ctx context.Context, name string, start func() (C, error)) (C, error) {
	var c C
	err := retry.Do(ctx, containerStartRetry, func() error {
		var err error
		c, err = start()
		return err
	})
	if err != nil {
		var zero C
		return zero, fmt.Errorf("failed to start %s container: %w", name, err)
	}
	return c, nil
}

func terminate(log *slog.Logger, name string, c testcontainers.Container) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.Terminate(ctx); err != nil {
		log.Error("failed to terminate container", "container", name, "error", err)
	}
}

func isFlakyContainerStart(err error) bool {
	s := err.Error()
	for _, pattern := range []string{"wait until ready", "mapped port", "timeout", "context deadline exceeded", "docker.sock"} {
		if strings.Contains(s, pattern) {
			return true
		}
	}
	return false
}

// testDatabaseName returns a fresh database name valid in both PostgreSQL
// and ClickHouse.
func testDatabaseName() string {
	return "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
