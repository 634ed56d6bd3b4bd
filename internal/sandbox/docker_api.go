package sandbox

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// dockerSocket is the default Docker engine API socket path.
const dockerSocket = "/var/run/docker.sock"

// apiClient talks to the Docker engine's HTTP API directly over its unix
// socket, used only for the one operation that actually needs the raw,
// multiplexed attach/logs stream format (see demuxDockerStream in
// runner.go and SPEC_FULL.md §4.10): reading a still-running container's
// combined logs for diagnostics. Every other operation in this package
// goes through the `docker` CLI.
type apiClient struct {
	httpClient *http.Client
}

func newAPIClient(socketPath string) *apiClient {
	if socketPath == "" {
		socketPath = dockerSocket
	}
	return &apiClient{
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					d := net.Dialer{}
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		},
	}
}

// ContainerLogs fetches up-to-`tail` lines of combined stdout+stderr from
// a running container and demultiplexes them. Used by GET /api/system
// diagnostics; returns an error wrapping types.ErrRuntimeUnavailable's
// underlying cause when the socket is unreachable.
func (c *apiClient) ContainerLogs(ctx context.Context, containerName string, tail int) (stdout, stderr []byte, err error) {
	url := fmt.Sprintf("http://unix/containers/%s/logs?stdout=1&stderr=1&tail=%d", containerName, tail)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("docker engine API unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, nil, fmt.Errorf("docker engine API returned %d: %s", resp.StatusCode, body)
	}

	return demuxDockerStream(resp.Body)
}

// SystemInfo reports a coarse summary of the runtime for GET /api/system
// and the docker-status field of GET /health.
type SystemInfo struct {
	RuntimeAvailable bool   `json:"runtime_available"`
	ActiveContainers int    `json:"active_containers"`
	Detail           string `json:"detail,omitempty"`
}

// Info reports the runner's current view of the container runtime.
func (r *Runner) Info(ctx context.Context) SystemInfo {
	r.mu.Lock()
	active := len(r.active)
	r.mu.Unlock()

	if err := r.Probe(ctx); err != nil {
		return SystemInfo{RuntimeAvailable: false, ActiveContainers: active, Detail: err.Error()}
	}
	return SystemInfo{RuntimeAvailable: true, ActiveContainers: active}
}
