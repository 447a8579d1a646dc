package acp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/shlex"
)

// readResult holds the result of a line read for cancellation handling.
type readResult struct {
	line string
	err  error
}

// ProcessManagerInterface defines the contract for managing the agent
// subprocess. The interface enables dependency injection in tests.
type ProcessManagerInterface interface {
	// Start starts the agent subprocess. Starting an already running
	// process is a no-op.
	Start() error

	// Stop stops the subprocess gracefully, force-killing after a short
	// timeout. Safe to call multiple times.
	Stop()

	// IsRunning reports whether the subprocess is currently running.
	IsRunning() bool

	// WriteMessage writes one line to the subprocess stdin.
	WriteMessage(data []byte) error
}

// ProcessConfig holds the configuration for spawning the agent.
type ProcessConfig struct {
	// Command is the full agent command line, e.g. "copilot --acp".
	// It is split shell-style before spawning.
	Command string

	// WorkingDir is the subprocess working directory. Empty means the
	// current directory.
	WorkingDir string
}

// ProcessCallbacks defines callbacks the ProcessManager invokes from its
// internal goroutines. Implementations must be safe for concurrent use
// and must not block.
type ProcessCallbacks struct {
	// OnLine is called synchronously from the output reader goroutine for
	// each line read from stdout, trailing newline included.
	OnLine func(line string)

	// OnProcessExit is called when the process exits. The error is the
	// exit reason (nil for clean exit); stderrContent is captured stderr.
	// Not called when the exit was requested via Stop.
	OnProcessExit func(err error, stderrContent string)
}

// ProcessManager owns the agent subprocess: spawning, stdio pipes, stderr
// capture, exit monitoring, and shutdown.
type ProcessManager struct {
	config    ProcessConfig
	callbacks ProcessCallbacks
	log       *slog.Logger

	mu            sync.Mutex
	cmd           *exec.Cmd
	stdin         io.WriteCloser
	stdout        *bufio.Reader
	stderr        io.ReadCloser
	stderrContent string
	stderrDone    chan struct{}
	running       bool

	// waitDone is closed by monitorExit when cmd.Wait() completes.
	// Stop() selects on this channel instead of calling cmd.Wait()
	// itself, so Wait is only ever called once.
	waitDone chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	wg sync.WaitGroup
}

// NewProcessManager creates a ProcessManager for the given agent command.
func NewProcessManager(config ProcessConfig, callbacks ProcessCallbacks, log *slog.Logger) *ProcessManager {
	return &ProcessManager{
		config:    config,
		callbacks: callbacks,
		log:       log,
	}
}

// SplitCommand splits an agent command string into argv shell-style,
// honoring quotes (e.g. `copilot --acp --log "debug mode"`).
func SplitCommand(command string) ([]string, error) {
	argv, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("invalid agent command %q: %w", command, err)
	}
	return argv, nil
}

// Start starts the agent subprocess.
func (pm *ProcessManager) Start() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pm.running {
		return nil
	}

	argv, err := SplitCommand(pm.config.Command)
	if err != nil {
		return err
	}
	if len(argv) == 0 {
		return fmt.Errorf("agent command is empty")
	}
	if _, err := exec.LookPath(argv[0]); err != nil {
		return fmt.Errorf("agent executable %q not found in PATH: %w", argv[0], err)
	}

	pm.log.Info("starting agent process", "command", pm.config.Command)
	startTime := time.Now()

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = pm.config.WorkingDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		pm.log.Error("failed to start agent process", "error", err)
		return fmt.Errorf("failed to start agent process: %w", err)
	}

	pm.cmd = cmd
	pm.stdin = stdin
	pm.stdout = bufio.NewReader(stdout)
	pm.stderr = stderr
	pm.stderrContent = ""
	pm.stderrDone = make(chan struct{})
	pm.waitDone = make(chan struct{})
	pm.running = true

	if pm.cancel != nil {
		pm.cancel()
	}
	pm.ctx, pm.cancel = context.WithCancel(context.Background())

	pm.log.Info("agent process started", "elapsed", time.Since(startTime), "pid", cmd.Process.Pid)

	pm.wg.Add(3)
	go func() {
		defer pm.wg.Done()
		pm.readOutput()
	}()
	go func() {
		defer pm.wg.Done()
		pm.drainStderr()
	}()
	go func() {
		defer pm.wg.Done()
		pm.monitorExit()
	}()

	return nil
}

// Stop stops the subprocess gracefully. It waits for the process to exit
// and for all internal goroutines to finish before returning. Safe to
// call multiple times.
func (pm *ProcessManager) Stop() {
	pm.mu.Lock()
	wasRunning := pm.running

	if pm.cancel != nil {
		pm.cancel()
		pm.cancel = nil
	}

	if !wasRunning {
		pm.mu.Unlock()
		return
	}

	pm.log.Debug("stopping agent process")
	pm.running = false

	// Close stdin to signal EOF; well-behaved agents exit on it.
	if pm.stdin != nil {
		pm.stdin.Close()
		pm.stdin = nil
	}

	cmd := pm.cmd
	waitDone := pm.waitDone
	pm.mu.Unlock()

	if cmd != nil && cmd.Process != nil && waitDone != nil {
		select {
		case <-waitDone:
			pm.log.Debug("agent process exited gracefully")
		case <-time.After(2 * time.Second):
			pm.log.Debug("force killing agent process")
			cmd.Process.Kill()
			<-waitDone
		}
	}

	pm.wg.Wait()

	pm.mu.Lock()
	if pm.stderr != nil {
		pm.stderr.Close()
		pm.stderr = nil
	}
	pm.cmd = nil
	pm.stdout = nil
	pm.mu.Unlock()
}

// IsRunning reports whether the subprocess is currently running.
func (pm *ProcessManager) IsRunning() bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.running
}

// WriteMessage writes one line to the subprocess stdin.
func (pm *ProcessManager) WriteMessage(data []byte) error {
	pm.mu.Lock()
	stdin := pm.stdin
	running := pm.running
	pm.mu.Unlock()

	if !running || stdin == nil {
		return ErrAgentNotConnected
	}
	if _, err := stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write to agent: %w", err)
	}
	return nil
}

// readOutput continuously reads stdout lines and invokes OnLine.
func (pm *ProcessManager) readOutput() {
	pm.log.Debug("output reader started")

	for {
		select {
		case <-pm.ctx.Done():
			pm.log.Debug("output reader exiting, context cancelled")
			return
		default:
		}

		pm.mu.Lock()
		running := pm.running
		reader := pm.stdout
		pm.mu.Unlock()

		if !running || reader == nil {
			pm.log.Debug("output reader exiting, process not running")
			return
		}

		line, err := pm.readLine(reader)
		if err != nil {
			select {
			case <-pm.ctx.Done():
				pm.log.Debug("output reader exiting, context cancelled during read")
				return
			default:
			}

			if err == io.EOF {
				pm.log.Debug("EOF on agent stdout")
			} else {
				pm.log.Debug("error reading agent stdout", "error", err)
			}
			// Process exit is handled by monitorExit.
			return
		}

		if len(line) == 0 {
			continue
		}
		if pm.callbacks.OnLine != nil {
			pm.callbacks.OnLine(line)
		}
	}
}

// readLine reads one line, blocking until data is available.
//
// The spawned goroutine doing ReadString cannot be cancelled (blocking
// I/O), but Stop() closes stdin and kills the process, which unblocks the
// read with EOF. The channel is buffered so the goroutine can always send
// its result even after we returned due to cancel.
func (pm *ProcessManager) readLine(reader *bufio.Reader) (string, error) {
	resultCh := make(chan readResult, 1)

	go func() {
		line, err := reader.ReadString('\n')
		resultCh <- readResult{line: line, err: err}
	}()

	select {
	case <-pm.ctx.Done():
		return "", pm.ctx.Err()
	case result := <-resultCh:
		return result.line, result.err
	}
}

// drainStderr reads all stderr content so it can be reported on exit.
// It must run concurrently with the process so the pipe is drained before
// cmd.Wait() closes it.
func (pm *ProcessManager) drainStderr() {
	defer close(pm.stderrDone)

	pm.mu.Lock()
	stderr := pm.stderr
	pm.mu.Unlock()

	if stderr == nil {
		return
	}

	stderrBytes, err := io.ReadAll(stderr)
	if err != nil {
		pm.log.Debug("error reading agent stderr", "error", err)
		return
	}
	if len(stderrBytes) > 0 {
		pm.mu.Lock()
		pm.stderrContent = strings.TrimSpace(string(stderrBytes))
		pm.mu.Unlock()
	}
}

// monitorExit waits for the process to exit and reports it. It is the
// sole caller of cmd.Wait(); Stop() coordinates via waitDone.
func (pm *ProcessManager) monitorExit() {
	pm.mu.Lock()
	cmd := pm.cmd
	waitDone := pm.waitDone
	pm.mu.Unlock()

	if cmd == nil {
		if waitDone != nil {
			close(waitDone)
		}
		return
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case err := <-done:
		pm.log.Debug("agent process exited", "error", err)
		if waitDone != nil {
			close(waitDone)
		}
		pm.handleExit(err)
	case <-pm.ctx.Done():
		// Stop() was called. Consume cmd.Wait() so the goroutine exits;
		// Stop() closes stdin and kills the process, which unblocks Wait.
		<-done
		if waitDone != nil {
			close(waitDone)
		}
	}
}

// handleExit cleans up after an unexpected exit and notifies the session.
func (pm *ProcessManager) handleExit(err error) {
	pm.mu.Lock()
	if !pm.running {
		pm.mu.Unlock()
		return
	}

	stderrDone := pm.stderrDone
	ctxCancelled := pm.ctx != nil && pm.ctx.Err() != nil
	pm.mu.Unlock()

	// Wait for stderr to be fully drained before reporting it.
	if stderrDone != nil {
		<-stderrDone
	}

	pm.mu.Lock()
	stderrContent := pm.stderrContent
	if pm.stdin != nil {
		pm.stdin.Close()
		pm.stdin = nil
	}
	if pm.stderr != nil {
		pm.stderr.Close()
		pm.stderr = nil
	}
	pm.cmd = nil
	pm.stdout = nil
	pm.stderrDone = nil
	pm.waitDone = nil
	pm.running = false
	pm.mu.Unlock()

	if stderrContent != "" {
		pm.log.Debug("agent stderr on exit", "content", stderrContent)
	}

	if ctxCancelled {
		pm.log.Debug("agent exit during stop, not reporting")
		return
	}

	if pm.callbacks.OnProcessExit != nil {
		pm.callbacks.OnProcessExit(err, stderrContent)
	}
}

// Ensure ProcessManager implements ProcessManagerInterface at compile time.
var _ ProcessManagerInterface = (*ProcessManager)(nil)
