package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentrelay/sandboxgate/internal/sandbox"
)

// DefaultIdleTimeout matches SPEC_FULL.md's idle-reap window for sessions
// nobody is typing into.
const DefaultIdleTimeout = 30 * time.Minute

// reapInterval is how often the manager sweeps for idle sessions.
const reapInterval = time.Minute

var (
	ErrSessionNotFound  = errors.New("terminal session not found")
	ErrSessionNotActive = errors.New("terminal session is not active")
)

// State is the lifecycle stage of an InteractiveSession.
type State int

const (
	StateStarting State = iota
	StateReady
	StateExited
	StateError
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateExited:
		return "exited"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// OutputSink receives normalized PTY output chunks and terminal exit
// notifications for a single session. The socket layer implements this.
type OutputSink interface {
	OnOutput(sessionID string, chunk []byte)
	OnExit(sessionID string, exitCode int, reason string, emitExit bool)
	OnError(sessionID string, err error)
}

// InteractiveSession is a single long-lived REPL (or, for languages with
// none, a plain shell) running inside a container, its stdin attached via
// `docker run -i`. Input is written to the container's stdin as it
// arrives; output is normalized by a PTYStreamProcessor and forwarded to
// an OutputSink.
//
// Grounded on agent/streaming/bidirectional.go's BidirectionalStream
// lifecycle (Connecting/Connected/Streaming/Closed state machine, a done
// channel, a background pump goroutine) generalized from audio/text
// chunks to raw terminal bytes, and on agent/execution/docker_exec.go's
// container lifecycle management (sanitized container names, context
// cancellation, forced removal on teardown).
type InteractiveSession struct {
	ID          string
	SocketID    string
	ContainerID string

	cfg      sandbox.LanguageConfig
	proc     *PTYStreamProcessor
	sink     OutputSink
	logger   *zap.Logger

	mu           sync.Mutex
	state        State
	lastActivity time.Time
	cleaning     bool

	cmd         *exec.Cmd
	stdinWriter io.WriteCloser
	cancel      context.CancelFunc
}

// NewInteractiveSession starts a container running cfg.InteractiveCmd (or a
// plain shell when the language has none) and begins pumping its combined
// output through proc to sink. The returned session is in StateReady once
// the process has started successfully.
func NewInteractiveSession(ctx context.Context, id, socketID string, cfg sandbox.LanguageConfig, sink OutputSink, logger *zap.Logger) (*InteractiveSession, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	containerName := fmt.Sprintf("sandboxgate_term_%s", sanitizeForContainer(id))
	runCtx, cancel := context.WithCancel(context.Background())

	s := &InteractiveSession{
		ID:           id,
		SocketID:     socketID,
		ContainerID:  containerName,
		cfg:          cfg,
		proc:         NewPTYStreamProcessor(DefaultPTYConfig()),
		sink:         sink,
		logger:       logger.With(zap.String("session_id", id)),
		state:        StateStarting,
		lastActivity: time.Now(),
		cancel:       cancel,
	}

	interactiveCmd := cfg.InteractiveCmd
	if len(interactiveCmd) == 0 {
		interactiveCmd = []string{"sh"}
	}

	args := []string{
		"run", "--rm", "-i",
		"--name", containerName,
		"--network", "none",
		"--memory", cfg.MemoryLimit,
		"--cpus", fmt.Sprintf("%g", cfg.CPUQuota),
		"--security-opt", "no-new-privileges",
		"--cap-drop", "ALL",
		"--user", "nobody",
	}
	args = append(args, cfg.Image)
	args = append(args, interactiveCmd...)

	cmd := exec.CommandContext(runCtx, "docker", args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("terminal session: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("terminal session: stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout // combined stream, matches a real attached TTY

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("terminal session: start container: %w", err)
	}

	s.cmd = cmd
	s.stdinWriter = stdin

	go s.pump(stdout)
	go s.wait(cmd)

	s.mu.Lock()
	s.state = StateReady
	s.mu.Unlock()

	return s, nil
}

func (s *InteractiveSession) pump(stdout io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			s.touch()
			for _, piece := range s.proc.Process(buf[:n]) {
				s.sink.OnOutput(s.ID, piece)
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *InteractiveSession) wait(cmd *exec.Cmd) {
	err := cmd.Wait()
	s.mu.Lock()
	alreadyCleaning := s.cleaning
	s.cleaning = true
	s.state = StateExited
	s.mu.Unlock()

	if alreadyCleaning {
		return
	}

	exitCode := 0
	if err != nil {
		exitCode = 1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
	}
	s.sink.OnExit(s.ID, exitCode, "exited", true)
}

// Input writes bytes to the session's container stdin. Ctrl-C (0x03) is
// forwarded as-is rather than special-cased: the shell inside the
// container interprets it, same as a real attached terminal would.
func (s *InteractiveSession) Input(data []byte) error {
	s.mu.Lock()
	active := s.state == StateReady
	s.mu.Unlock()
	if !active {
		return ErrSessionNotActive
	}
	s.touch()

	if s.stdinWriter == nil {
		return ErrSessionNotActive
	}
	_, err := s.stdinWriter.Write(data)
	return err
}

// Resize rejects non-positive dimensions with an error and otherwise does
// nothing: containers started without a PTY allocation (the `docker run -i`
// mode used here) have no window size to set.
func (s *InteractiveSession) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return fmt.Errorf("terminal session: invalid dimensions %dx%d", cols, rows)
	}
	return nil
}

func (s *InteractiveSession) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *InteractiveSession) idleFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActivity)
}

// Stop tears down the session's container and reports the exit to the sink
// with emitExit passed through — a socket disconnect cascade passes false so
// the sink does not re-emit an exit event back to the now-closed socket.
func (s *InteractiveSession) Stop(emitExit bool) {
	s.mu.Lock()
	if s.cleaning {
		s.mu.Unlock()
		return
	}
	s.cleaning = true
	s.state = StateExited
	s.mu.Unlock()

	s.cancel()

	killCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = exec.CommandContext(killCtx, "docker", "rm", "-f", s.ContainerID).Run()

	s.sink.OnExit(s.ID, 0, "stopped", emitExit)
}

func sanitizeForContainer(id string) string {
	out := make([]byte, 0, len(id))
	for _, c := range []byte(id) {
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' || c == '-' {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return "anon"
	}
	if len(out) > 32 {
		out = out[:32]
	}
	return string(out)
}
