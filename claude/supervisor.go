package claude

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/xiaoyuanzhu-com/claude-console/log"
	"golang.org/x/sync/errgroup"
)

var (
	ErrSpawnFailed        = errors.New("failed to spawn claude process")
	ErrExecutableNotFound = errors.New("claude executable not found")
)

const (
	// Staged stop: close stdin, then SIGINT after the soft delay, then
	// SIGKILL after the hard delay. Claude CLI is a Node.js program: it
	// responds to SIGINT but ignores SIGTERM.
	stopSoftDelay = 100 * time.Millisecond
	stopHardDelay = 5 * time.Second

	// Upper bound on a single stdout read. Records may be far larger than
	// this; the line parser reassembles them across reads.
	stdoutChunkSize = 32 * 1024

	// PermissionPromptTool is the MCP tool the CLI calls for permission
	// decisions when an MCP config is attached.
	PermissionPromptTool = "mcp__permissions__approval_prompt"
)

// StreamEventKind discriminates supervisor events.
type StreamEventKind int

const (
	// EventMessage carries one parsed stdout record.
	EventMessage StreamEventKind = iota
	// EventError is a non-fatal stream condition: a stderr line, an I/O
	// error, or a malformed stdout line. It does not close the stream.
	EventError
	// EventClosed fires exactly once per established conversation, after
	// the subprocess has exited and its output is fully drained.
	EventClosed
)

// StreamEvent is one entry in a conversation's event sequence. All events
// travel on a single channel so that, per stream, the closed event can never
// overtake a buffered message.
type StreamEvent struct {
	Kind     StreamEventKind
	StreamID string

	Record   json.RawMessage // EventMessage
	Reason   string          // EventError
	ExitCode int             // EventClosed
}

// StartConfig describes a conversation to launch.
type StartConfig struct {
	WorkingDirectory string
	InitialPrompt    string
	Model            string
	AllowedTools     []string
	DisallowedTools  []string
	SystemPrompt     string
	PermissionMode   string
	MaxTurns         int
	AddDirs          []string

	// ResumeSessionID switches the spawn into resume mode.
	ResumeSessionID string
}

// streamState is the per-stream record in the process table. It fuses the
// process handles, the output parser, and the staged-stop timers so there is
// a single owner for everything keyed by StreamID.
type streamState struct {
	id     string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
	parser *LineParser

	// established flips when the system/init record is observed. Until
	// then no message/closed events leave the supervisor: a process that
	// dies before init is a spawn failure, not a stream.
	established atomic.Bool
	pending     []json.RawMessage // pre-init records, reader-goroutine only
	initCh      chan json.RawMessage

	readers  sync.WaitGroup
	exited   chan struct{}
	exitCode int

	timersMu  sync.Mutex
	softTimer *time.Timer
	hardTimer *time.Timer
}

func (st *streamState) beginShutdown() {
	if st.stdin != nil {
		st.stdin.Close()
	}

	st.timersMu.Lock()
	if st.softTimer == nil {
		st.softTimer = time.AfterFunc(stopSoftDelay, func() {
			st.signal(syscall.SIGINT)
		})
		st.hardTimer = time.AfterFunc(stopHardDelay, func() {
			st.signal(syscall.SIGKILL)
		})
	}
	st.timersMu.Unlock()

	// Process may have exited before the timers were armed.
	select {
	case <-st.exited:
		st.cancelKillTimers()
	default:
	}
}

func (st *streamState) signal(sig syscall.Signal) {
	if st.cmd.Process == nil {
		return
	}
	if err := st.cmd.Process.Signal(sig); err != nil {
		log.Debug().Err(err).Str("streamingId", st.id).Str("signal", sig.String()).Msg("signal delivery failed")
	}
}

func (st *streamState) cancelKillTimers() {
	st.timersMu.Lock()
	defer st.timersMu.Unlock()
	if st.softTimer != nil {
		st.softTimer.Stop()
	}
	if st.hardTimer != nil {
		st.hardTimer.Stop()
	}
}

// Supervisor owns the set of live conversation subprocesses. It parses their
// stdout into records and publishes events on a single channel, ordered per
// stream: every message, errors as they happen, then exactly one closed once
// the process is gone and drained. The closed event is emitted only after the
// reader goroutines finish, so it sits behind every message in channel order.
type Supervisor struct {
	binary string

	mu            sync.RWMutex
	procs         map[string]*streamState
	mcpConfigPath string

	events chan StreamEvent

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSupervisor creates a supervisor that spawns the given executable.
func NewSupervisor(binary string) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		binary: binary,
		procs:  make(map[string]*streamState),
		events: make(chan StreamEvent, 256),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Events returns the ordered event sequence of every live conversation.
// Consume it from a single goroutine to preserve per-stream order.
func (s *Supervisor) Events() <-chan StreamEvent { return s.events }

// SetMCPConfigPath points the next spawn at an MCP config file.
// An empty path disables the permission-prompt wiring.
func (s *Supervisor) SetMCPConfigPath(path string) {
	s.mu.Lock()
	s.mcpConfigPath = path
	s.mu.Unlock()
}

// StartConversation spawns a subprocess for the config, waits for its
// system/init record, and returns the minted StreamID together with that
// record. Spawn failures are returned synchronously and produce no events.
func (s *Supervisor) StartConversation(ctx context.Context, cfg StartConfig) (string, json.RawMessage, error) {
	args := s.buildArgs(cfg)

	cmd := exec.Command(s.binary, args...)
	cmd.Dir = cfg.WorkingDirectory
	cmd.Env = append(os.Environ(), "CLAUDE_CODE_ENTRYPOINT=claude-console")

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return "", nil, fmt.Errorf("%w: stdin pipe: %v", ErrSpawnFailed, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", nil, fmt.Errorf("%w: stdout pipe: %v", ErrSpawnFailed, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", nil, fmt.Errorf("%w: stderr pipe: %v", ErrSpawnFailed, err)
	}

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return "", nil, fmt.Errorf("%w: %s", ErrExecutableNotFound, s.binary)
		}
		return "", nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	st := &streamState{
		id:     uuid.New().String(),
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		parser: NewLineParser(),
		initCh: make(chan json.RawMessage, 1),
		exited: make(chan struct{}),
	}

	s.mu.Lock()
	s.procs[st.id] = st
	s.mu.Unlock()

	log.Info().
		Str("streamingId", st.id).
		Int("pid", cmd.Process.Pid).
		Str("workingDir", cfg.WorkingDirectory).
		Bool("resume", cfg.ResumeSessionID != "").
		Msg("started claude subprocess")

	st.readers.Add(2)
	s.wg.Add(3)
	go s.readStdout(st)
	go s.readStderr(st)
	go s.waitProcess(st)

	// Startup barrier: init record, early exit, or caller cancellation.
	select {
	case record := <-st.initCh:
		return st.id, record, nil

	case <-st.exited:
		s.deregister(st.id)
		return "", nil, fmt.Errorf("%w: process exited with code %d before init", ErrSpawnFailed, st.exitCode)

	case <-ctx.Done():
		s.StopConversation(st.id)
		return "", nil, ctx.Err()

	case <-s.ctx.Done():
		s.StopConversation(st.id)
		return "", nil, fmt.Errorf("%w: supervisor shutting down", ErrSpawnFailed)
	}
}

// ResumeConversation spawns a subprocess that continues a previous session.
func (s *Supervisor) ResumeConversation(ctx context.Context, previousSessionID, message string, cfg StartConfig) (string, json.RawMessage, error) {
	cfg.ResumeSessionID = previousSessionID
	cfg.InitialPrompt = message
	return s.StartConversation(ctx, cfg)
}

// StopConversation begins the staged shutdown of a stream. Returns false for
// unknown streams, including streams already being stopped.
func (s *Supervisor) StopConversation(streamID string) bool {
	s.mu.Lock()
	st, ok := s.procs[streamID]
	if ok {
		delete(s.procs, streamID)
	}
	s.mu.Unlock()

	if !ok {
		return false
	}

	log.Info().Str("streamingId", streamID).Msg("stopping conversation")
	st.beginShutdown()
	return true
}

// ActiveStreamIDs returns the StreamIDs of every live subprocess.
func (s *Supervisor) ActiveStreamIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.procs))
	for id := range s.procs {
		ids = append(ids, id)
	}
	return ids
}

// IsActive reports whether a StreamID has a live subprocess.
func (s *Supervisor) IsActive(streamID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.procs[streamID]
	return ok
}

// Shutdown stops every live conversation with bounded concurrency, waits for
// the processes to exit, then tears down the event channels.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	states := make([]*streamState, 0, len(s.procs))
	for _, st := range s.procs {
		states = append(states, st)
	}
	s.procs = make(map[string]*streamState)
	s.mu.Unlock()

	if len(states) > 0 {
		log.Info().Int("count", len(states)).Msg("stopping active conversations")

		g := new(errgroup.Group)
		g.SetLimit(4)
		for _, st := range states {
			st := st
			g.Go(func() error {
				st.beginShutdown()
				select {
				case <-st.exited:
					return nil
				case <-ctx.Done():
					st.signal(syscall.SIGKILL)
					return ctx.Err()
				}
			})
		}
		if err := g.Wait(); err != nil {
			log.Warn().Err(err).Msg("timeout stopping conversations")
		}
	}

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().Msg("supervisor goroutines did not finish in time")
		return ctx.Err()
	}

	close(s.events)

	log.Info().Msg("supervisor shutdown complete")
	return nil
}

// buildArgs constructs the CLI argv for a conversation.
func (s *Supervisor) buildArgs(cfg StartConfig) []string {
	args := []string{"-p", cfg.InitialPrompt, "--output-format", "stream-json", "--verbose"}

	if cfg.ResumeSessionID != "" {
		args = append(args, "--resume", cfg.ResumeSessionID)
	}
	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}
	if len(cfg.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(cfg.AllowedTools, ","))
	}
	if len(cfg.DisallowedTools) > 0 {
		args = append(args, "--disallowedTools", strings.Join(cfg.DisallowedTools, ","))
	}
	if cfg.SystemPrompt != "" {
		args = append(args, "--system-prompt", cfg.SystemPrompt)
	}
	if cfg.PermissionMode != "" {
		args = append(args, "--permission-mode", cfg.PermissionMode)
	}
	if cfg.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(cfg.MaxTurns))
	}
	for _, dir := range cfg.AddDirs {
		args = append(args, "--add-dir", dir)
	}

	s.mu.RLock()
	mcpPath := s.mcpConfigPath
	s.mu.RUnlock()
	if mcpPath != "" {
		args = append(args, "--mcp-config", mcpPath, "--permission-prompt-tool", PermissionPromptTool)
	}

	return args
}

// readStdout feeds stdout chunks through the line parser and delivers
// records. Parse errors become error events; the stream keeps going.
func (s *Supervisor) readStdout(st *streamState) {
	defer s.wg.Done()
	defer st.readers.Done()

	buf := make([]byte, stdoutChunkSize)
	for {
		n, err := st.stdout.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			for {
				records, perr := st.parser.Feed(chunk)
				for _, record := range records {
					s.deliver(st, record)
				}
				if perr == nil {
					break
				}
				s.emitError(st.id, perr.Error())
				chunk = nil
			}
		}
		if err != nil {
			if err != io.EOF {
				s.emitError(st.id, fmt.Sprintf("stdout read error: %v", err))
			}
			record, ferr := st.parser.Flush()
			if ferr != nil {
				s.emitError(st.id, ferr.Error())
			} else if record != nil {
				s.deliver(st, record)
			}
			return
		}
	}
}

// readStderr forwards stderr lines as error events.
func (s *Supervisor) readStderr(st *streamState) {
	defer s.wg.Done()
	defer st.readers.Done()

	scanner := bufio.NewScanner(st.stderr)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		s.emitError(st.id, line)
	}
}

// waitProcess reaps the subprocess after its output is drained, cancels any
// pending kill timers, and emits the terminal closed event.
func (s *Supervisor) waitProcess(st *streamState) {
	defer s.wg.Done()

	st.readers.Wait()
	err := st.cmd.Wait()

	st.exitCode = 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			st.exitCode = exitErr.ExitCode()
		} else {
			st.exitCode = -1
		}
	}
	close(st.exited)

	st.cancelKillTimers()
	s.deregister(st.id)

	if st.established.Load() {
		log.Info().Str("streamingId", st.id).Int("exitCode", st.exitCode).Msg("claude subprocess exited")
		s.emitClosed(st.id, st.exitCode)
	} else {
		log.Warn().Str("streamingId", st.id).Int("exitCode", st.exitCode).Msg("claude subprocess exited before init")
	}
}

// deliver routes one parsed record. Until the init record arrives, non-init
// records are held back so that a spawn failure emits nothing.
func (s *Supervisor) deliver(st *streamState, record json.RawMessage) {
	if !st.established.Load() {
		if !isSystemInit(record) {
			st.pending = append(st.pending, record)
			return
		}
		st.established.Store(true)
		select {
		case st.initCh <- record:
		default:
		}
		s.emitMessage(st.id, record)
		for _, held := range st.pending {
			s.emitMessage(st.id, held)
		}
		st.pending = nil
		return
	}
	s.emitMessage(st.id, record)
}

func (s *Supervisor) emitMessage(streamID string, record json.RawMessage) {
	s.emit(StreamEvent{Kind: EventMessage, StreamID: streamID, Record: record})
}

func (s *Supervisor) emitClosed(streamID string, exitCode int) {
	s.emit(StreamEvent{Kind: EventClosed, StreamID: streamID, ExitCode: exitCode})
}

func (s *Supervisor) emitError(streamID, reason string) {
	s.emit(StreamEvent{Kind: EventError, StreamID: streamID, Reason: reason})
}

func (s *Supervisor) emit(event StreamEvent) {
	select {
	case s.events <- event:
	case <-s.ctx.Done():
	}
}

func (s *Supervisor) deregister(streamID string) {
	s.mu.Lock()
	delete(s.procs, streamID)
	s.mu.Unlock()
}
