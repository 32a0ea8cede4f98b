// Package supervisor owns the worker child processes: it launches each worker
// from its manifest spec with piped stdio and guarantees every process it
// started is eventually terminated.
package supervisor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/reppolabs/orchestra/internal/config"
)

// DefaultGrace is how long a worker gets after SIGTERM before SIGKILL.
const DefaultGrace = 2 * time.Second

// WorkerProcess is a live worker child process with piped stdin/stdout.
type WorkerProcess struct {
	Spec config.WorkerSpec

	// Stdin is the worker's input (the session manager writes requests here).
	Stdin io.WriteCloser
	// Stdout is the worker's output (the session manager reads responses here).
	Stdout io.ReadCloser

	cmd  *exec.Cmd
	done chan struct{}

	mu      sync.Mutex
	waitErr error
}

// PID returns the worker's OS process ID.
func (p *WorkerProcess) PID() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Alive reports whether the process has not yet been reaped.
func (p *WorkerProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Done is closed once the process has exited and been reaped.
func (p *WorkerProcess) Done() <-chan struct{} { return p.done }

// Supervisor launches and terminates worker processes.
type Supervisor struct {
	grace  time.Duration
	logger *log.Logger

	mu    sync.Mutex
	procs map[string]*WorkerProcess
}

// New creates a Supervisor. grace <= 0 uses DefaultGrace.
func New(grace time.Duration, logger *log.Logger) *Supervisor {
	if grace <= 0 {
		grace = DefaultGrace
	}
	return &Supervisor{
		grace:  grace,
		logger: logger,
		procs:  make(map[string]*WorkerProcess),
	}
}

// StartAll launches every spec. Startup is all-or-nothing: the first spawn
// failure stops the remaining launches, tears down workers already started,
// and returns an error naming the worker that failed.
func (s *Supervisor) StartAll(specs []config.WorkerSpec) error {
	for _, spec := range specs {
		if _, err := s.Start(spec); err != nil {
			stopErr := s.StopAll()
			if stopErr != nil {
				s.logger.Printf("Supervisor: teardown after failed startup: %v", stopErr)
			}
			return fmt.Errorf("start worker %q: %w", spec.Name, err)
		}
	}
	return nil
}

// Start launches a single worker with piped stdio and begins reaping it.
func (s *Supervisor) Start(spec config.WorkerSpec) (*WorkerProcess, error) {
	s.mu.Lock()
	if _, exists := s.procs[spec.Name]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("worker %q already running", spec.Name)
	}
	s.mu.Unlock()

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Env = buildEnv(spec)
	// Own process group so termination reaches worker-spawned children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", spec.Command, err)
	}

	p := &WorkerProcess{
		Spec:   spec,
		Stdin:  stdin,
		Stdout: stdout,
		cmd:    cmd,
		done:   make(chan struct{}),
	}

	go s.relayStderr(spec.Name, stderr)
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.waitErr = err
		p.mu.Unlock()
		close(p.done)
	}()

	s.mu.Lock()
	s.procs[spec.Name] = p
	s.mu.Unlock()

	s.logger.Printf("Supervisor: launched %s (pid %d): %s", spec.Name, p.PID(), strings.Join(spec.CommandLine(), " "))
	return p, nil
}

// Process returns the live process for a worker name.
func (s *Supervisor) Process(name string) (*WorkerProcess, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[name]
	return p, ok
}

// Stop terminates one worker: SIGTERM to its process group, a bounded wait,
// then SIGKILL. The process entry is removed regardless of the outcome.
func (s *Supervisor) Stop(name string) error {
	s.mu.Lock()
	p, ok := s.procs[name]
	delete(s.procs, name)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.terminate(p)
}

// StopAll terminates every worker. Each worker is attempted even when an
// earlier one fails; errors are aggregated.
func (s *Supervisor) StopAll() error {
	s.mu.Lock()
	procs := make([]*WorkerProcess, 0, len(s.procs))
	for _, p := range s.procs {
		procs = append(procs, p)
	}
	s.procs = make(map[string]*WorkerProcess)
	s.mu.Unlock()

	var errs []error
	for _, p := range procs {
		if err := s.terminate(p); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", p.Spec.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Supervisor) terminate(p *WorkerProcess) error {
	if !p.Alive() {
		return nil
	}
	s.logger.Printf("Supervisor: terminating %s (pid %d)", p.Spec.Name, p.PID())

	// Closing stdin is the polite signal for stdio workers; ignore errors,
	// the session manager may already have closed it.
	_ = p.Stdin.Close()

	if err := signalGroup(p.PID(), syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		s.logger.Printf("Supervisor: SIGTERM %s: %v", p.Spec.Name, err)
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(s.grace):
	}

	s.logger.Printf("Supervisor: %s did not exit within %s, killing", p.Spec.Name, s.grace)
	if err := signalGroup(p.PID(), syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("kill: %w", err)
	}
	<-p.done
	return nil
}

// signalGroup signals the whole process group so grandchildren die too.
func signalGroup(pid int, sig syscall.Signal) error {
	return syscall.Kill(-pid, sig)
}

// relayStderr forwards worker stderr lines into the orchestrator log so
// worker diagnostics are not lost.
func (s *Supervisor) relayStderr(name string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		s.logger.Printf("[%s] %s", name, line)
	}
}

// buildEnv constructs the worker environment: the inherited parent env,
// ORCHESTRA_WORKER injected, and the spec's env merged on top with ${VAR}
// expansion against the parent env.
func buildEnv(spec config.WorkerSpec) []string {
	parentEnv := os.Environ()
	parentMap := make(map[string]string, len(parentEnv))
	for _, e := range parentEnv {
		if k, v, ok := strings.Cut(e, "="); ok {
			parentMap[k] = v
		}
	}

	env := append([]string(nil), parentEnv...)
	env = setEnvVar(env, "ORCHESTRA_WORKER", spec.Name)

	for k, v := range spec.Env {
		expanded := os.Expand(v, func(key string) string {
			return parentMap[key]
		})
		env = setEnvVar(env, k, expanded)
	}
	return env
}

// setEnvVar sets or replaces an env var in a []string env slice.
func setEnvVar(env []string, key, value string) []string {
	prefix := key + "="
	for i, e := range env {
		if strings.HasPrefix(e, prefix) {
			env[i] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}
