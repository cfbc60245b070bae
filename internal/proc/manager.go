// ABOUTME: Subprocess manager that spawns agent CLI processes, streams their
// ABOUTME: stdout lines to callbacks, and tracks lifecycle state.

package proc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// stdinThreshold is the prompt length above which the message is piped
	// via stdin instead of passed as a --print argument.
	stdinThreshold = 4000
	// killGrace is how long terminate is given before escalating to kill.
	killGrace = 5 * time.Second
	// cleanupDelay keeps finished processes queryable before they are
	// dropped from tracking.
	cleanupDelay = 5 * time.Minute
	// scannerBuffer sizes the stdout line scanner; stream-json lines with
	// embedded tool results can run to megabytes.
	scannerBuffer = 10 * 1024 * 1024
)

// Status is a process lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusKilled    Status = "killed"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusKilled
}

// OutputCallback receives one stdout line from a process.
type OutputCallback func(processID, line string)

type process struct {
	id          string
	sessionID   string
	projectPath string
	model       string
	persistent  bool

	cmd       *exec.Cmd
	stdin     io.WriteCloser
	startedAt time.Time
	waitDone  chan struct{}

	mu              sync.Mutex
	status          Status
	outputLines     []string
	resultSessionID string
}

// setStatus advances the lifecycle; killed is sticky so a racing stdout
// close cannot relabel a killed process as completed.
func (p *process) setStatus(s Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status == StatusKilled {
		return
	}
	p.status = s
}

func (p *process) currentStatus() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Info is a point-in-time view of one process.
type Info struct {
	ID              string
	SessionID       string
	ResultSessionID string
	ProjectPath     string
	Model           string
	Persistent      bool
	Status          Status
	StartedAt       time.Time
	OutputLines     []string
}

// EffectiveSessionID prefers the session id reported by the CLI's result
// event over the one the process was started with.
func (i Info) EffectiveSessionID() string {
	if i.ResultSessionID != "" {
		return i.ResultSessionID
	}
	if i.SessionID != "" {
		return i.SessionID
	}
	return "default"
}

func (p *process) info() Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	lines := make([]string, len(p.outputLines))
	copy(lines, p.outputLines)
	return Info{
		ID:              p.id,
		SessionID:       p.sessionID,
		ResultSessionID: p.resultSessionID,
		ProjectPath:     p.projectPath,
		Model:           p.model,
		Persistent:      p.persistent,
		Status:          p.status,
		StartedAt:       p.startedAt,
		OutputLines:     lines,
	}
}

// SpawnOptions configures a new agent subprocess.
type SpawnOptions struct {
	Message        string
	SessionID      string
	ProjectPath    string
	Model          string
	PermissionMode string
}

// Manager spawns and tracks agent CLI subprocesses.
type Manager struct {
	cliPath string
	logger  *slog.Logger

	mu            sync.Mutex
	processes     map[string]*process
	onOutput      OutputCallback
	procCallbacks map[string]OutputCallback

	// removalDelay is cleanupDelay unless shortened for tests.
	removalDelay time.Duration
	environ      func() []string
}

// NewManager creates a manager that launches the given CLI binary.
func NewManager(cliPath string, logger *slog.Logger) *Manager {
	if cliPath == "" {
		cliPath = "claude"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cliPath:       cliPath,
		logger:        logger.With("component", "process-manager"),
		processes:     make(map[string]*process),
		procCallbacks: make(map[string]OutputCallback),
		removalDelay:  cleanupDelay,
		environ:       os.Environ,
	}
}

// SetOutputCallback installs the fallback callback for processes without a
// per-process callback.
func (m *Manager) SetOutputCallback(cb OutputCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOutput = cb
}

// SetProcessCallback routes one process's output to a dedicated callback,
// overriding the global one.
func (m *Manager) SetProcessCallback(processID string, cb OutputCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.procCallbacks[processID] = cb
}

// RemoveProcessCallback drops a per-process callback.
func (m *Manager) RemoveProcessCallback(processID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.procCallbacks, processID)
}

// Spawn launches a one-shot task process that prints a prompt and exits
// when the turn finishes. Returns the process id.
func (m *Manager) Spawn(ctx context.Context, opts SpawnOptions) (string, error) {
	args := []string{"--output-format", "stream-json", "--verbose"}
	args = m.appendCommonArgs(args, opts, "default")

	// Long prompts go through stdin: --print with no argument reads it.
	useStdin := len(opts.Message) > stdinThreshold
	if useStdin {
		args = append(args, "--print")
	} else {
		args = append(args, "--print", opts.Message)
	}

	p, err := m.launch(ctx, args, opts, false, useStdin)
	if err != nil {
		return "", err
	}

	if useStdin {
		if _, err := io.WriteString(p.stdin, opts.Message); err != nil {
			m.logger.Error("stdin write failed", "process_id", p.id, "error", err)
			p.setStatus(StatusError)
		}
		p.stdin.Close()
		p.stdin = nil
	}
	return p.id, nil
}

// SpawnPersistent launches an interactive process whose stdin stays open
// for stream-json user frames.
func (m *Manager) SpawnPersistent(ctx context.Context, opts SpawnOptions) (string, error) {
	args := []string{"--output-format", "stream-json", "--input-format", "stream-json", "--verbose"}
	args = m.appendCommonArgs(args, opts, "bypassPermissions")

	p, err := m.launch(ctx, args, opts, true, true)
	if err != nil {
		return "", err
	}
	return p.id, nil
}

func (m *Manager) appendCommonArgs(args []string, opts SpawnOptions, defaultMode string) []string {
	if opts.SessionID != "" {
		args = append(args, "--resume", opts.SessionID)
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	mode := opts.PermissionMode
	if mode == "" {
		mode = defaultMode
	}
	if resolved := ResolvePermissionMode(mode, m.logger); resolved != "default" {
		args = append(args, "--permission-mode", resolved)
	}
	return args
}

func (m *Manager) launch(ctx context.Context, args []string, opts SpawnOptions, persistent, wantStdin bool) (*process, error) {
	p := &process{
		id:          uuid.NewString(),
		sessionID:   opts.SessionID,
		projectPath: opts.ProjectPath,
		model:       opts.Model,
		persistent:  persistent,
		status:      StatusPending,
		waitDone:    make(chan struct{}),
	}

	cmd := exec.CommandContext(ctx, m.cliPath, args...)
	cmd.Dir = opts.ProjectPath
	cmd.Env = WhitelistEnv(m.environ())
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if wantStdin {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("stdin pipe: %w", err)
		}
		p.stdin = stdin
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", m.cliPath, err)
	}
	p.cmd = cmd
	p.startedAt = time.Now()
	p.setStatus(StatusRunning)

	m.mu.Lock()
	m.processes[p.id] = p
	m.mu.Unlock()

	go m.streamOutput(p, stdout, stderr)
	m.logger.Info("spawned agent process",
		"process_id", p.id, "session_id", opts.SessionID, "persistent", persistent)
	return p, nil
}

// SendMessage writes a stream-json user frame to a persistent process's
// stdin. Returns false when the process is gone or its pipe is closed.
func (m *Manager) SendMessage(processID, message string) bool {
	m.mu.Lock()
	p := m.processes[processID]
	m.mu.Unlock()
	if p == nil || p.stdin == nil {
		return false
	}

	p.mu.Lock()
	sid := p.resultSessionID
	p.mu.Unlock()
	if sid == "" {
		sid = p.sessionID
	}
	if sid == "" {
		sid = "default"
	}

	frame, err := json.Marshal(map[string]any{
		"type":       "user",
		"message":    map[string]any{"role": "user", "content": message},
		"session_id": sid,
	})
	if err != nil {
		return false
	}
	if _, err := p.stdin.Write(append(frame, '\n')); err != nil {
		m.logger.Error("sending to process failed", "process_id", processID, "error", err)
		p.setStatus(StatusError)
		return false
	}
	return true
}

// Kill terminates a process, escalating to SIGKILL after the grace period.
// Returns false when the process is not tracked.
func (m *Manager) Kill(processID string) bool {
	m.mu.Lock()
	p := m.processes[processID]
	m.mu.Unlock()
	if p == nil || p.cmd == nil || p.cmd.Process == nil {
		return false
	}

	// Mark killed first so the stream goroutine's exit classification
	// cannot override it.
	p.setStatus(StatusKilled)
	if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
		p.cmd.Process.Kill()
	}

	select {
	case <-p.waitDone:
	case <-time.After(killGrace):
		p.cmd.Process.Kill()
	}
	m.logger.Info("killed agent process", "process_id", processID)
	return true
}

// Get returns a snapshot of one tracked process.
func (m *Manager) Get(processID string) (Info, bool) {
	m.mu.Lock()
	p := m.processes[processID]
	m.mu.Unlock()
	if p == nil {
		return Info{}, false
	}
	return p.info(), true
}

// List returns snapshots of every tracked process.
func (m *Manager) List() []Info {
	m.mu.Lock()
	procs := make([]*process, 0, len(m.processes))
	for _, p := range m.processes {
		procs = append(procs, p)
	}
	m.mu.Unlock()

	out := make([]Info, len(procs))
	for i, p := range procs {
		out[i] = p.info()
	}
	return out
}

// RemoveCompleted drops a process from tracking if it reached a terminal
// state. The stream goroutine schedules this automatically after the
// cleanup delay; callers may invoke it early.
func (m *Manager) RemoveCompleted(processID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.processes[processID]
	if p == nil || !p.currentStatus().Terminal() {
		return
	}
	delete(m.processes, processID)
	delete(m.procCallbacks, processID)
}

// Shutdown kills every tracked process and clears tracking.
func (m *Manager) Shutdown() {
	for _, info := range m.List() {
		m.Kill(info.ID)
	}
	m.mu.Lock()
	m.processes = make(map[string]*process)
	m.procCallbacks = make(map[string]OutputCallback)
	m.mu.Unlock()
}

func (m *Manager) streamOutput(p *process, stdout, stderr io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), scannerBuffer)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		p.mu.Lock()
		p.outputLines = append(p.outputLines, line)
		p.mu.Unlock()
		m.captureResultSession(p, line)

		m.mu.Lock()
		cb := m.procCallbacks[p.id]
		if cb == nil {
			cb = m.onOutput
		}
		m.mu.Unlock()
		if cb != nil {
			m.invokeCallback(cb, p.id, line)
		}
	}

	stderrText, _ := io.ReadAll(io.LimitReader(stderr, 64*1024))
	err := p.cmd.Wait()
	close(p.waitDone)
	switch {
	case p.persistent:
		p.setStatus(StatusCompleted)
	case err == nil:
		p.setStatus(StatusCompleted)
	default:
		p.setStatus(StatusError)
	}
	if err != nil && len(stderrText) > 0 {
		m.logger.Error("agent process stderr",
			"process_id", p.id, "stderr", truncate(string(stderrText), 500))
	}
	m.logger.Info("agent process finished",
		"process_id", p.id, "status", string(p.currentStatus()))

	m.mu.Lock()
	delete(m.procCallbacks, p.id)
	m.mu.Unlock()
	time.AfterFunc(m.removalDelay, func() { m.RemoveCompleted(p.id) })
}

// captureResultSession records the session id from a result event so later
// sends and resumes target the session the CLI actually created.
func (m *Manager) captureResultSession(p *process, line string) {
	var parsed struct {
		Type      string `json:"type"`
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal([]byte(line), &parsed); err != nil {
		return
	}
	if parsed.Type == "result" && parsed.SessionID != "" {
		p.mu.Lock()
		p.resultSessionID = parsed.SessionID
		p.mu.Unlock()
	}
}

func (m *Manager) invokeCallback(cb OutputCallback, id, line string) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("output callback panicked", "process_id", id, "panic", r)
		}
	}()
	cb(id, line)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
