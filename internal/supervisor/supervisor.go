package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/Masterminds/semver/v3"

	"rally/internal/event"
	"rally/pkg/logger"
)

const (
	// EnvSessionID is set on every spawned child.
	EnvSessionID = "RALLY_SESSION_ID"
	// EnvTargetTabID is set only when the spawn is bound to a specific tab.
	EnvTargetTabID = "RALLY_TARGET_TAB_ID"
)

// Supervisor spawns and supervises child coding-assistant processes on
// behalf of tabs, emitting typed events onto a shared channel the
// Router consumes.
type Supervisor struct {
	AssistantBinary string
	MCPConfigPath   string
	Events          chan<- event.Event

	// VersionConstraint is not read by Spawn or CheckVersion. The
	// orchestrator checks the configured constraint string once at
	// startup (not per spawn) via CheckVersion; mismatches are logged,
	// not fatal.
	VersionConstraint *semver.Constraints
}

// New creates a Supervisor. events must not be closed while any Job is
// still running.
func New(assistantBinary, mcpConfigPath string, events chan<- event.Event) *Supervisor {
	return &Supervisor{AssistantBinary: assistantBinary, MCPConfigPath: mcpConfigPath, Events: events}
}

// buildArgs constructs the child invocation: an optional
// --resume flag, then -p <prompt>, then the fixed streaming flags.
func (s *Supervisor) buildArgs(req SpawnRequest) []string {
	var args []string
	if req.ResumeSessionID != "" {
		args = append(args, "--resume", req.ResumeSessionID)
	}
	args = append(args, "-p", req.Prompt,
		"--output-format", "stream-json", "--verbose")
	if s.MCPConfigPath != "" {
		args = append(args, "--mcp-config", s.MCPConfigPath)
	}
	return args
}

func (s *Supervisor) buildEnv(req SpawnRequest, sessionID string) []string {
	env := append([]string{}, os.Environ()...)
	env = append(env, req.EnvOverrides...)
	env = append(env, fmt.Sprintf("%s=%s", EnvSessionID, sessionID))
	if req.TargetTabID != "" {
		env = append(env, fmt.Sprintf("%s=%s", EnvTargetTabID, req.TargetTabID))
	}
	return env
}

// Spawn implements the Child Supervisor's spawn contract.
func (s *Supervisor) Spawn(ctx context.Context, req SpawnRequest) (*Job, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	args := s.buildArgs(req)
	cmd := exec.CommandContext(ctx, s.AssistantBinary, args...)
	cmd.Env = s.buildEnv(req, req.ResumeSessionID)
	if req.WorkingDirectory != "" {
		cmd.Dir = req.WorkingDirectory
	}
	configurePlatformProcess(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errSpawn(req.TabID, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errSpawn(req.TabID, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, errSpawn(req.TabID, err)
	}

	handle := req.Handle
	if handle == nil {
		handle = NewProcessHandle()
	}
	handle.set(cmd)

	job := &Job{
		TabID:  req.TabID,
		Args:   args,
		Env:    cmd.Env,
		Handle: handle,
		Done:   make(chan struct{}),
	}

	// Effect 3: announce stream start before any reader goroutine runs,
	// so the Router can pre-bind a target tab if one was supplied.
	s.emit(event.Event{Kind: event.KindStreamStart, TabID: req.TabID, SessionID: req.ResumeSessionID, TargetTabID: req.TargetTabID})

	go s.readStdout(req.TabID, req.TargetTabID, stdout)
	go s.readStderr(req.TabID, req.TargetTabID, stderr)
	go s.waitExit(job, cmd)

	logger.Infof("supervisor: spawned tab=%s pid=%d", req.TabID, cmd.Process.Pid)
	return job, nil
}

func (s *Supervisor) emit(ev event.Event) {
	select {
	case s.Events <- ev:
	default:
		// The events channel is expected to be buffered/drained
		// promptly by the orchestrator's dispatch loop; a full channel
		// here would mean the Router itself stalled, which the Stall
		// Detector is designed to surface, not this goroutine.
		s.Events <- ev
	}
}

func (s *Supervisor) readStdout(tabID, targetTabID string, pipe io.Reader) {
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		raw, err := event.Decode(line)
		if err != nil {
			logger.Warnf("supervisor: malformed NDJSON line from tab %s: %v", tabID, err)
			continue
		}
		evs, ok := event.Translate(tabID, raw)
		if !ok {
			continue
		}
		for _, ev := range evs {
			ev.TargetTabID = targetTabID
			s.emit(ev)
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Warnf("supervisor: stdout read error for tab %s: %v", tabID, err)
	}
}

func (s *Supervisor) readStderr(tabID, targetTabID string, pipe io.Reader) {
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if event.ClassifyStderrLine(line) {
			s.emit(event.Event{Kind: event.KindError, TabID: tabID, TargetTabID: targetTabID, Text: line})
		} else {
			logger.Debugf("supervisor: tab %s stderr: %s", tabID, line)
		}
	}
}

func (s *Supervisor) waitExit(job *Job, cmd *exec.Cmd) {
	defer close(job.Done)
	err := cmd.Wait()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code := exitErr.ExitCode()
			s.emit(event.Event{Kind: event.KindExited, TabID: job.TabID, ExitCode: code, Err: err})
			return
		}
		s.emit(event.Event{Kind: event.KindError, TabID: job.TabID, Err: err, Text: err.Error()})
		s.emit(event.Event{Kind: event.KindExited, TabID: job.TabID, ExitCode: -1, Err: err})
		return
	}
	s.emit(event.Event{Kind: event.KindExited, TabID: job.TabID, ExitCode: 0})
}

// CheckVersion runs "<binary> --version" and validates it against
// constraint, logging a warning (never a hard failure — there's no
// indication this should block startup) on mismatch or parse failure.
func CheckVersion(ctx context.Context, binary, constraint string) {
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		logger.Warnf("supervisor: invalid version constraint %q: %v", constraint, err)
		return
	}
	out, err := exec.CommandContext(ctx, binary, "--version").Output()
	if err != nil {
		logger.Warnf("supervisor: could not determine %s version: %v", binary, err)
		return
	}
	v, err := semver.NewVersion(extractVersionToken(string(out)))
	if err != nil {
		logger.Warnf("supervisor: could not parse %s version output %q: %v", binary, out, err)
		return
	}
	if !c.Check(v) {
		logger.Warnf("supervisor: %s version %s does not satisfy constraint %s", binary, v, constraint)
	}
}

func extractVersionToken(s string) string {
	for _, field := range splitFields(s) {
		if len(field) > 0 && (field[0] == 'v' || field[0] >= '0' && field[0] <= '9') {
			if field[0] == 'v' {
				field = field[1:]
			}
			return field
		}
	}
	return s
}

func splitFields(s string) []string {
	var fields []string
	start := -1
	for i, r := range s {
		if r == ' ' || r == '\n' || r == '\t' {
			if start >= 0 {
				fields = append(fields, s[start:i])
				start = -1
			}
		} else if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		fields = append(fields, s[start:])
	}
	return fields
}
