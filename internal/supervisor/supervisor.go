// Package supervisor owns the worker process: it spawns it with credentials
// in its environment, classifies its output, tracks liveness and readiness,
// and stops, kills or restarts it on request.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ilocn/mcpman/internal/classify"
	"github.com/ilocn/mcpman/internal/correlator"
	"github.com/ilocn/mcpman/internal/logbuf"
	"github.com/ilocn/mcpman/internal/tracing"
)

var (
	// ErrAlreadyRunning is returned by Start while a worker is tracked or a
	// restart is scheduled.
	ErrAlreadyRunning = errors.New("mcp server is already running")
	// ErrNotRunning is returned by Stop when there is nothing to stop.
	ErrNotRunning = errors.New("no mcp server process to stop")
	// ErrProcessExited fails requests still pending when the worker exits.
	ErrProcessExited = errors.New("mcp server process terminated")
	// ErrClosed is returned by Start and Restart after Shutdown.
	ErrClosed = errors.New("supervisor is shut down")
)

// pipeDrain bounds how long exit handling waits for the worker's pipes to
// close after the process itself is gone (a grandchild may hold them).
const pipeDrain = time.Second

// Config describes the worker command and the supervision timings.
type Config struct {
	Command string
	Args    []string
	Dir     string

	// TokenEnv and LogLevelEnv name the environment variables the worker
	// reads its credentials and verbosity from.
	TokenEnv    string
	LogLevelEnv string
	LogLevel    string
	ExtraEnv    map[string]string

	// Tag marks the worker's own log lines; ReadyPhrase in a tagged line
	// means the worker accepts calls.
	Tag         string
	ReadyPhrase string

	GracePeriod    time.Duration
	RestartDelay   time.Duration
	RequestTimeout time.Duration
}

// DefaultConfig returns the timings and string contract of the LIFX worker.
// Command is left empty.
func DefaultConfig() Config {
	return Config{
		TokenEnv:       "CONFIG_API_TOKEN",
		LogLevelEnv:    "CONFIG_LOG_LEVEL",
		LogLevel:       "verbose",
		Tag:            "[LIFX MCP]",
		ReadyPhrase:    "LIFX API MCP Server running",
		GracePeriod:    5 * time.Second,
		RestartDelay:   2 * time.Second,
		RequestTimeout: correlator.DefaultTimeout,
	}
}

// Credentials are injected into the worker's environment at spawn.
type Credentials struct {
	Token string
}

// Status is a snapshot of the worker's state. Connected implies Running.
type Status struct {
	Running   bool       `json:"running"`
	Connected bool       `json:"connected"`
	PID       *int       `json:"pid"`
	StartTime *time.Time `json:"startTime"`
	RunID     string     `json:"runId,omitempty"`
}

type process struct {
	cmd    *exec.Cmd
	runID  string
	pid    int
	stdout *streamWriter
	stderr *streamWriter

	wmu   sync.Mutex
	stdin *os.File
	// werr is set once a write fails; the stream may hold a partial line.
	werr error

	// done is closed once exit handling has finished.
	done chan struct{}
}

// Supervisor manages at most one worker process at a time.
type Supervisor struct {
	cfg        Config
	logs       *logbuf.Buffer
	corr       *correlator.Correlator
	classifier classify.Classifier
	now        func() time.Time

	mu        sync.Mutex
	proc      *process
	status    Status
	restartCh chan struct{}
	closed    bool
}

// Option configures a Supervisor.
type Option func(*options)

type options struct {
	tracer trace.Tracer
}

// WithTracer records a span per tool call.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// New returns a Supervisor with no worker running. Zero-valued timings in
// cfg take their defaults.
func New(cfg Config, logs *logbuf.Buffer, opts ...Option) *Supervisor {
	def := DefaultConfig()
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = def.GracePeriod
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = def.RestartDelay
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if logs == nil {
		logs = logbuf.New(logbuf.DefaultCapacity)
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	s := &Supervisor{
		cfg:        cfg,
		logs:       logs,
		classifier: classify.Classifier{Tag: cfg.Tag, ReadyPhrase: cfg.ReadyPhrase},
		now:        time.Now,
	}
	copts := []correlator.Option{
		correlator.WithLog(logs),
		correlator.WithTimeout(cfg.RequestTimeout),
		correlator.WithSpanAttributes(s.spanAttrs),
	}
	if o.tracer != nil {
		copts = append(copts, correlator.WithTracer(o.tracer))
	}
	s.corr = correlator.New(s, copts...)
	return s
}

// Start spawns the worker. It fails with ErrAlreadyRunning if one is
// already tracked or a restart is pending.
func (s *Supervisor) Start(creds Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.proc != nil || s.restartCh != nil {
		s.logs.Warn("MCP server is already running")
		return ErrAlreadyRunning
	}
	return s.startLocked(creds)
}

func (s *Supervisor) startLocked(creds Credentials) error {
	s.logs.Info(fmt.Sprintf("Starting MCP server: %s", strings.TrimSpace(s.cfg.Command+" "+strings.Join(s.cfg.Args, " "))))

	cmd := exec.Command(s.cfg.Command, s.cfg.Args...)
	cmd.Dir = s.cfg.Dir
	cmd.Env = s.env(creds)
	cmd.WaitDelay = pipeDrain

	p := &process{cmd: cmd, runID: uuid.NewString(), done: make(chan struct{})}
	p.stdout = newStreamWriter(classify.Stdout, func(st classify.Stream, line string) { s.handleLine(p, st, line) })
	p.stderr = newStreamWriter(classify.Stderr, func(st classify.Stream, line string) { s.handleLine(p, st, line) })
	cmd.Stdout = p.stdout
	cmd.Stderr = p.stderr

	// os.Pipe rather than cmd.StdinPipe: the write end must support
	// deadlines.
	pr, pw, err := os.Pipe()
	if err != nil {
		s.status = Status{}
		s.logs.Error(fmt.Sprintf("Failed to start MCP server: %v", err))
		return fmt.Errorf("stdin pipe: %w", err)
	}
	cmd.Stdin = pr
	p.stdin = pw

	err = cmd.Start()
	pr.Close()
	if err != nil {
		pw.Close()
		s.status = Status{}
		s.logs.Error(fmt.Sprintf("Failed to start MCP server: %v", err))
		return fmt.Errorf("start %s: %w", s.cfg.Command, err)
	}

	p.pid = cmd.Process.Pid
	started := s.now().UTC()
	pid := p.pid
	s.proc = p
	s.status = Status{Running: true, PID: &pid, StartTime: &started, RunID: p.runID}
	s.logs.Info(fmt.Sprintf("MCP server started with PID: %d", pid))

	go s.wait(p)
	return nil
}

// env is the parent environment with the worker's variables replaced.
func (s *Supervisor) env(creds Credentials) []string {
	extra := make([]string, 0, len(s.cfg.ExtraEnv))
	for k := range s.cfg.ExtraEnv {
		extra = append(extra, k)
	}
	sort.Strings(extra)

	remove := append([]string{s.cfg.TokenEnv, s.cfg.LogLevelEnv}, extra...)
	env := filteredEnv(remove...)
	if s.cfg.TokenEnv != "" {
		env = append(env, s.cfg.TokenEnv+"="+creds.Token)
	}
	if s.cfg.LogLevelEnv != "" {
		env = append(env, s.cfg.LogLevelEnv+"="+s.cfg.LogLevel)
	}
	for _, k := range extra {
		env = append(env, k+"="+s.cfg.ExtraEnv[k])
	}
	return env
}

// filteredEnv returns os.Environ() with the named keys removed.
func filteredEnv(remove ...string) []string {
	skip := make(map[string]bool, len(remove))
	for _, k := range remove {
		skip[k] = true
	}
	env := os.Environ()
	out := make([]string, 0, len(env))
	for _, e := range env {
		if idx := strings.IndexByte(e, '='); idx > 0 && skip[e[:idx]] {
			continue
		}
		out = append(out, e)
	}
	return out
}

func (s *Supervisor) handleLine(p *process, stream classify.Stream, raw string) {
	line := s.classifier.Classify(stream, raw)
	switch line.Kind {
	case classify.KindBlank:
	case classify.KindReady:
		s.logs.Append(line.Level, line.Text)
		s.mu.Lock()
		current := s.proc == p
		if current {
			s.status.Connected = true
		}
		s.mu.Unlock()
		if current {
			s.logs.Success("MCP server connected and ready!")
		}
	case classify.KindResponse:
		s.logs.Info("Received JSON-RPC response: " + line.Text)
		s.corr.Deliver(line.Raw)
	case classify.KindMalformed:
		s.logs.Append(line.Level, line.Text)
		s.logs.Error(fmt.Sprintf("Failed to parse JSON from MCP server %s: %v", stream, line.Err))
	default:
		s.logs.Append(line.Level, line.Text)
	}
}

// wait runs until the worker exits, then resets status and fails every
// pending request.
func (s *Supervisor) wait(p *process) {
	err := p.cmd.Wait()
	p.stdin.Close()
	p.stdout.flush()
	p.stderr.flush()

	msg := "MCP server process exited"
	if st := p.cmd.ProcessState; st != nil {
		if code := st.ExitCode(); code >= 0 {
			msg = fmt.Sprintf("%s with code %d", msg, code)
		} else {
			msg = fmt.Sprintf("%s (%s)", msg, st)
		}
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) && !errors.Is(err, exec.ErrWaitDelay) {
		s.logs.Error(fmt.Sprintf("MCP server error: %v", err))
	}

	s.mu.Lock()
	if s.proc == p {
		s.proc = nil
		s.status = Status{}
	}
	s.logs.Info(msg)
	s.corr.FailAll(ErrProcessExited)
	s.mu.Unlock()

	close(p.done)
}

// Running reports whether a worker is tracked. It is part of the link the
// correlator writes through.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc != nil
}

// WriteLine writes one request line to the worker's stdin. A write that
// makes no progress for RequestTimeout fails, and so does every later write
// to the same process.
func (s *Supervisor) WriteLine(b []byte) error {
	s.mu.Lock()
	p := s.proc
	s.mu.Unlock()
	if p == nil {
		return correlator.ErrNotRunning
	}
	line := make([]byte, 0, len(b)+1)
	line = append(append(line, b...), '\n')
	p.wmu.Lock()
	defer p.wmu.Unlock()
	if p.werr != nil {
		return p.werr
	}
	if err := p.stdin.SetWriteDeadline(time.Now().Add(s.cfg.RequestTimeout)); err != nil {
		return fmt.Errorf("write to pid %d: %w", p.pid, err)
	}
	if _, err := p.stdin.Write(line); err != nil {
		if errors.Is(err, syscall.EPIPE) || errors.Is(err, os.ErrClosed) {
			err = fmt.Errorf("%w: %w", ErrProcessExited, err)
		}
		p.werr = fmt.Errorf("write to pid %d: %w", p.pid, err)
		if errors.Is(err, os.ErrDeadlineExceeded) {
			s.logs.Error(fmt.Sprintf("MCP server (PID: %d) is not reading its input", p.pid))
		}
		return p.werr
	}
	return nil
}

// spanAttrs identifies the process a request is written to.
func (s *Supervisor) spanAttrs() []attribute.KeyValue {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return nil
	}
	return []attribute.KeyValue{
		attribute.Int(tracing.AttrProcessPID, s.proc.pid),
		attribute.String(tracing.AttrRunID, s.proc.runID),
	}
}

// Stop sends SIGTERM and schedules SIGKILL after the grace period if that
// same process is still alive. It does not wait for the exit.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	p := s.proc
	s.mu.Unlock()
	if p == nil {
		s.logs.Warn("No MCP server process to stop")
		return ErrNotRunning
	}
	return s.terminate(p)
}

func (s *Supervisor) terminate(p *process) error {
	s.logs.Info("Stopping MCP server...")
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		s.logs.Error(fmt.Sprintf("Error stopping MCP server: %v", err))
		return fmt.Errorf("signal pid %d: %w", p.pid, err)
	}
	time.AfterFunc(s.cfg.GracePeriod, func() {
		select {
		case <-p.done:
			return
		default:
		}
		s.logs.Warn("Force killing MCP server process...")
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			s.logs.Error(fmt.Sprintf("Error killing MCP server: %v", err))
		}
	})
	return nil
}

// Restart stops the current worker, if any, and starts a new one after the
// restart delay. The new start also waits for the old process to exit.
// Start calls made in the meantime fail with ErrAlreadyRunning.
func (s *Supervisor) Restart(creds Credentials) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.restartCh != nil {
		s.mu.Unlock()
		s.logs.Warn("MCP server restart already scheduled")
		return ErrAlreadyRunning
	}
	old := s.proc
	cancel := make(chan struct{})
	s.restartCh = cancel
	s.mu.Unlock()

	s.logs.Info("Restarting MCP server...")
	if old != nil {
		if err := s.terminate(old); err != nil {
			s.logs.Warn(fmt.Sprintf("Restart continuing after stop error: %v", err))
		}
	}

	go func() {
		timer := time.NewTimer(s.cfg.RestartDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-cancel:
			return
		}
		if old != nil {
			select {
			case <-old.done:
			case <-cancel:
				return
			}
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.restartCh != cancel {
			return
		}
		s.restartCh = nil
		if s.proc != nil {
			s.logs.Warn("MCP server is already running")
			return
		}
		_ = s.startLocked(creds)
	}()
	return nil
}

// RestartPending reports whether a restart is waiting to start the worker.
func (s *Supervisor) RestartPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restartCh != nil
}

// Status returns a copy of the current state.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status
	if st.PID != nil {
		pid := *st.PID
		st.PID = &pid
	}
	if st.StartTime != nil {
		t := *st.StartTime
		st.StartTime = &t
	}
	return st
}

// Logs returns the shared log buffer.
func (s *Supervisor) Logs() *logbuf.Buffer {
	return s.logs
}

// RecentLogs returns the newest n entries, oldest first.
func (s *Supervisor) RecentLogs(n int) []logbuf.Entry {
	return s.logs.Last(n)
}

// ClearLogs empties the buffer and records that it was cleared.
func (s *Supervisor) ClearLogs() {
	s.logs.Clear()
	s.logs.Info("Server logs cleared by user")
}

// SendToolCall sends a tools/call request to the worker and waits for the
// outcome. timeout <= 0 uses the configured request timeout.
func (s *Supervisor) SendToolCall(ctx context.Context, tool string, args map[string]any, timeout time.Duration) (*correlator.Result, error) {
	return s.corr.CallTimeout(ctx, tool, args, timeout)
}

// PendingCalls returns the number of requests awaiting a response.
func (s *Supervisor) PendingCalls() int {
	return s.corr.Pending()
}

// Shutdown cancels any scheduled restart, stops the worker and waits for it
// to exit. If ctx ends first the worker is killed.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	if s.restartCh != nil {
		close(s.restartCh)
		s.restartCh = nil
	}
	p := s.proc
	s.mu.Unlock()
	if p == nil {
		return nil
	}

	_ = s.terminate(p)
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			s.logs.Error(fmt.Sprintf("Error killing MCP server: %v", err))
		}
		<-p.done
		return ctx.Err()
	}
}
