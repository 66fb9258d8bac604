package natsclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const natsImage = "nats:2.11.7-alpine"

// TestClient is a Client connected to a disposable NATS container.
type TestClient struct {
	Client *Client
	URL    string
}

// TestOption adjusts the container NewTestClient starts.
type TestOption func(*testcontainers.ContainerRequest)

// WithJetStream enables JetStream on the server.
func WithJetStream() TestOption {
	return func(req *testcontainers.ContainerRequest) {
		req.Cmd = append(req.Cmd, "--js")
	}
}

// WithNATSVersion replaces the image tag.
func WithNATSVersion(version string) TestOption {
	return func(req *testcontainers.ContainerRequest) {
		req.Image = "nats:" + version
	}
}

// NewTestClient starts a NATS container and returns a connected Client that
// does not redial on its own. Container and client go away with the test.
func NewTestClient(t testing.TB, opts ...TestOption) *TestClient {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        natsImage,
		ExposedPorts: []string{"4222/tcp", "8222/tcp"},
		Cmd:          []string{"-p", "4222", "-m", "8222"},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("4222/tcp"),
			wait.ForHTTP("/healthz").WithPort("8222/tcp"),
		).WithDeadline(30 * time.Second),
	}
	for _, opt := range opts {
		opt(&req)
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err, "start %s", req.Image)

	url, err := container.PortEndpoint(ctx, "4222/tcp", "nats")
	require.NoError(t, err)

	client, err := NewClient(url, WithMaxReconnects(0), WithName(t.Name()))
	require.NoError(t, err)

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, client.Connect(dialCtx))
	t.Cleanup(func() { _ = client.Close(context.Background()) })

	return &TestClient{Client: client, URL: url}
}
