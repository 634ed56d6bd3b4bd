package sandbox

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentrelay/sandboxgate/internal/pool"
)

// containerPrefix names every container this runner starts, so a crash
// recovery sweep (or `docker ps --filter name=...`) can find and reap them.
const containerPrefix = "sandboxgate_"

var sanitizeIDRe = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

func sanitizeID(id string) string {
	s := sanitizeIDRe.ReplaceAllString(id, "")
	if len(s) > 32 {
		s = s[:32]
	}
	if s == "" {
		s = "anon"
	}
	return s
}

// Runner is the one-shot SandboxRunner (C10): it builds a hardened
// container, writes source (and stdin) into it, runs it under a timeout,
// and parses the resulting output.
//
// Grounded on agent/execution/docker_exec.go's RealDockerBackend: CLI
// `docker run` via os/exec (not the Docker HTTP/SDK client — see
// SPEC_FULL.md §4.10 for why), security flags, temp-dir code mount,
// active-container bookkeeping for forced cleanup.
type Runner struct {
	catalog *Catalog
	logger  *zap.Logger

	mu        sync.Mutex
	active    map[string]string // container name -> request id
	dockerBin string

	// runPool bounds concurrent `docker run` invocations against the
	// shared, potentially slow container runtime socket (spec.md §5's
	// shared-resource policy) independent of any HTTP-level rate limit.
	runPool *pool.GoroutinePool

	// per-call backoff state against the shared, slow container-runtime
	// socket (spec.md §5): exponential up to 10s, cooldown log every 15s.
	backoffMu     sync.Mutex
	lastProbeFail time.Time
	lastCooldown  time.Time

	api *apiClient
}

// maxConcurrentRuns caps how many `docker run` processes this runner will
// have in flight at once, regardless of how many HTTP requests arrive.
const maxConcurrentRuns = 20

// NewRunner builds a Runner. dockerBin defaults to "docker" on PATH.
func NewRunner(catalog *Catalog, logger *zap.Logger, dockerBin string) *Runner {
	if dockerBin == "" {
		dockerBin = "docker"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	poolCfg := pool.DefaultGoroutinePoolConfig()
	poolCfg.MaxWorkers = maxConcurrentRuns
	return &Runner{
		catalog:   catalog,
		logger:    logger.With(zap.String("component", "sandbox_runner")),
		active:    make(map[string]string),
		dockerBin: dockerBin,
		runPool:   pool.NewGoroutinePool(poolCfg),
		api:       newAPIClient(""),
	}
}

// ContainerLogs fetches recent combined stdout+stderr from a still-running
// container by name (e.g. an interactive terminal's
// "sandboxgate_term_<id>"), for GET /api/system diagnostics.
func (r *Runner) ContainerLogs(ctx context.Context, containerName string, tail int) (stdout, stderr []byte, err error) {
	return r.api.ContainerLogs(ctx, containerName, tail)
}

// Probe checks the container runtime is reachable, backing off
// exponentially (capped at 10s) across repeated failures and logging the
// cooldown state at most once per 15s, per spec.md §5's shared-resource
// policy for the runtime socket.
func (r *Runner) Probe(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, r.dockerBin, "version", "--format", "{{.Server.Version}}")
	if err := cmd.Run(); err != nil {
		r.backoffMu.Lock()
		r.lastProbeFail = time.Now()
		shouldLog := time.Since(r.lastCooldown) > 15*time.Second
		if shouldLog {
			r.lastCooldown = time.Now()
		}
		r.backoffMu.Unlock()
		if shouldLog {
			r.logger.Warn("container runtime probe failed", zap.Error(err))
		}
		return fmt.Errorf("container runtime unavailable: %w", err)
	}
	return nil
}

// backoffDelay returns the exponential backoff for repeated probe
// failures, capped at 10s.
func (r *Runner) backoffDelay(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt)) * 250 * time.Millisecond
	if d > 10*time.Second {
		d = 10 * time.Second
	}
	return d
}

// Run executes req in a fresh hardened container and returns its result.
// It always force-removes the container, even on timeout or internal
// error, per spec.md §4.10 step 7.
func (r *Runner) Run(ctx context.Context, req *ExecutionRequest) (*ExecutionResult, error) {
	cfg, ok := r.catalog.Get(req.Language)
	if !ok {
		return nil, fmt.Errorf("unsupported language: %s", req.Language)
	}

	for attempt := 0; ; attempt++ {
		if err := r.Probe(ctx); err != nil {
			if attempt >= 3 {
				return nil, err
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(r.backoffDelay(attempt)):
				continue
			}
		}
		break
	}

	tempDir, err := os.MkdirTemp("", "sandboxgate-")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	if err := os.WriteFile(filepath.Join(tempDir, cfg.FileName), []byte(req.Code), 0o644); err != nil {
		return nil, fmt.Errorf("write source: %w", err)
	}

	hasStdin := req.Stdin != ""
	if hasStdin {
		if err := os.WriteFile(filepath.Join(tempDir, "input.txt"), []byte(req.Stdin), 0o644); err != nil {
			return nil, fmt.Errorf("write stdin: %w", err)
		}
	}

	containerName := fmt.Sprintf("%s%s_%d", containerPrefix, sanitizeID(req.ID), time.Now().UnixNano())
	args := buildDockerArgs(containerName, tempDir, cfg, req, hasStdin)

	r.mu.Lock()
	r.active[containerName] = req.ID
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.active, containerName)
		r.mu.Unlock()
	}()

	runCtx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(runCtx, r.dockerBin, args...)
	stdout := pool.ByteBufferPool.Get()
	stderr := pool.ByteBufferPool.Get()
	defer pool.ByteBufferPool.Put(stdout)
	defer pool.ByteBufferPool.Put(stderr)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	runErr := r.runPool.SubmitWait(runCtx, func(context.Context) error {
		return cmd.Run()
	})
	duration := time.Since(start)

	result := &ExecutionResult{
		ID:         req.ID,
		DurationMs: duration.Milliseconds(),
		Duration:   duration,
		Timestamp:  start,
	}

	if runCtx.Err() == context.DeadlineExceeded {
		r.forceRemove(containerName)
		result.Success = false
		result.ExitCode = ExitCodeTimeout
		result.Error = "execution timeout"
		result.Stdout = sanitizeOutput(stdout.Bytes())
		result.Stderr = sanitizeOutput(stderr.Bytes())
		return result, nil
	}

	r.forceRemove(containerName)

	exitCode := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			result.Success = false
			result.Error = runErr.Error()
			result.Stdout = sanitizeOutput(stdout.Bytes())
			result.Stderr = sanitizeOutput(stderr.Bytes())
			return result, nil
		}
	}

	out, truncated := truncate(sanitizeBytes(stdout.Bytes()))
	errOut, errTruncated := truncate(sanitizeBytes(stderr.Bytes()))

	result.Success = exitCode == 0
	result.ExitCode = exitCode
	result.Stdout = string(out)
	result.Stderr = string(errOut)
	result.Truncated = truncated || errTruncated
	return result, nil
}

// buildDockerArgs assembles the `docker run` argument list: security
// flags, resource limits, read-only source mount, and an inline script
// that compiles (if needed) and runs the submission, piping stdin through
// `cat` when present — grounded on docker_exec.go's buildRealDockerArgs
// and buildRealCommand, generalized across the full language catalog.
func buildDockerArgs(containerName, tempDir string, cfg LanguageConfig, req *ExecutionRequest, hasStdin bool) []string {
	args := []string{"run", "--name", containerName, "--rm"}

	if cfg.MemoryLimit != "" {
		args = append(args, "--memory", cfg.MemoryLimit, "--memory-swap", cfg.MemoryLimit)
	}
	if cfg.CPUQuota > 0 {
		args = append(args, "--cpus", strconv.FormatFloat(cfg.CPUQuota, 'f', -1, 64))
	}

	args = append(args,
		"--network", "none",
		"--security-opt", "no-new-privileges",
		"--cap-drop", "ALL",
		"--pids-limit", strconv.Itoa(cfg.PIDsLimit),
		"--ulimit", fmt.Sprintf("nofile=%d:%d", cfg.NoFileUlimit, cfg.NoFileUlimit),
		"--ulimit", fmt.Sprintf("nproc=%d:%d", cfg.NProcUlimit, cfg.NProcUlimit),
		"--user", "nobody",
		"--tmpfs", "/tmp:rw,exec,nosuid,size=100m",
		"--tmpfs", "/var/tmp:rw,noexec,nosuid,size=10m",
		"-v", fmt.Sprintf("%s:/code:ro", tempDir),
		"-w", "/code",
		"-e", "HOME=/tmp",
	)

	for k, v := range cfg_EnvVarsMerge(req.EnvVars) {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}

	args = append(args, cfg.Image, "sh", "-c", buildScript(cfg, hasStdin))
	return args
}

func cfg_EnvVarsMerge(req map[string]string) map[string]string {
	out := map[string]string{"PATH": "/usr/local/bin:/usr/bin:/bin"}
	for k, v := range req {
		out[k] = v
	}
	return out
}

// buildScript assembles the in-container shell script: the source (and,
// when present, input.txt) is bind-mounted read-only at /code, so the
// script copies the whole tree to a writable /tmp/build — for every
// language kind, not just compiled ones, since interpreters need a
// writable cwd too — then (optionally) compiles and runs from there.
// stdin is additionally copied to the stable path /tmp/input.txt per
// spec.md §4.10 step 3/§8 property 3, independent of where the source
// itself landed, so `cat /tmp/input.txt | …` always resolves.
func buildScript(cfg LanguageConfig, hasStdin bool) string {
	parts := []string{"cp -r /code/. /tmp/build && cd /tmp/build"}
	if hasStdin {
		parts = append(parts, "cp /code/input.txt /tmp/input.txt")
	}
	if len(cfg.CompileCmd) > 0 {
		parts = append(parts, shJoin(cfg.CompileCmd))
	}

	runCmd := shJoin(cfg.RunCmd)
	if hasStdin && !strings.Contains(runCmd, "/tmp") {
		runCmd = "cat /tmp/input.txt | " + runCmd
	}
	parts = append(parts, runCmd)
	return strings.Join(parts, " && ")
}

func shJoin(parts []string) string {
	quoted := make([]string, len(parts))
	for i, p := range parts {
		quoted[i] = "'" + strings.ReplaceAll(p, "'", `'\''`) + "'"
	}
	return strings.Join(quoted, " ")
}

func (r *Runner) forceRemove(name string) {
	killCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = exec.CommandContext(killCtx, r.dockerBin, "kill", name).Run()
	_ = exec.CommandContext(killCtx, r.dockerBin, "rm", "-f", name).Run()
}

// Cleanup force-removes every container this runner currently tracks as
// active — called on shutdown.
func (r *Runner) Cleanup() error {
	r.mu.Lock()
	names := make([]string, 0, len(r.active))
	for name := range r.active {
		names = append(names, name)
	}
	r.mu.Unlock()

	for _, name := range names {
		r.forceRemove(name)
	}
	r.runPool.Close()
	return nil
}

// sanitizeBytes strips non-printable control bytes outside the allowed
// set (tab/newline survive), per spec.md §4.10 step 6.
func sanitizeBytes(b []byte) []byte {
	out := make([]byte, 0, len(b))
	for _, c := range b {
		if c == '\x00' || (c >= 0x01 && c <= 0x08) || c == 0x0B || c == 0x0C || (c >= 0x0E && c <= 0x1F) || c == 0x7F {
			continue
		}
		out = append(out, c)
	}
	return out
}

func sanitizeOutput(b []byte) string {
	out, _ := truncate(sanitizeBytes(b))
	return string(out)
}

func truncate(b []byte) ([]byte, bool) {
	if len(b) <= MaxOutputBytes {
		return b, false
	}
	return b[:MaxOutputBytes], true
}

// demuxDockerStream parses the Docker engine's multiplexed attach/logs
// stream format: repeated frames of an 8-byte header (1-byte stream type,
// 3 reserved bytes, 4-byte big-endian payload size) followed by that many
// payload bytes. Stream type 1 is stdout, type 2 is stderr.
//
// This is the one place in this package that actually needs to demux —
// `docker run` via os/exec (the primary path, see SPEC_FULL.md §4.10)
// gets stdout/stderr as separate OS pipes and never produces this format.
// It is exercised by the `docker logs`-based diagnostics path and by the
// non-PTY branch of interactive attach (internal/terminal).
func demuxDockerStream(r io.Reader) (stdout, stderr []byte, err error) {
	header := make([]byte, 8)
	for {
		_, err := io.ReadFull(r, header)
		if err == io.EOF {
			return stdout, stderr, nil
		}
		if err != nil {
			return stdout, stderr, err
		}

		streamType := header[0]
		size := binary.BigEndian.Uint32(header[4:8])

		payload := make([]byte, size)
		if _, err := io.ReadFull(r, payload); err != nil {
			return stdout, stderr, err
		}

		switch streamType {
		case 1:
			stdout = append(stdout, payload...)
		case 2:
			stderr = append(stderr, payload...)
		}
	}
}

// DecodeBase64Payload is a small helper used by callers (e.g. socket
// handlers) that receive base64-wrapped source/stdin, per spec.md §4.10
// step 2's "base64-decode source to /tmp/<filename>" framing — this
// runner itself writes plain bytes since req.Code/Stdin already arrive
// decoded from the HTTP JSON layer, but the helper is kept for transports
// that still carry the encoding.
func DecodeBase64Payload(s string) (string, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
