// Package process runs local subprocesses on the engine's behalf: spec
// §4.5's local Execution API implementation stages a working directory and
// calls into here to actually run the command.
//
// Grounded on the teacher's src/process/process.go (timeout handling,
// process-group SIGTERM-then-SIGKILL, Pdeathsig), generalised from the
// teacher's BuildTarget-shaped progress callback onto a plain Action run.
package process

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/forgebuild/forge/internal/clog"
)

var log = clog.NewLogger("process")

// termSignalBit is added to the exit code the spec records when a command
// was killed for exceeding its timeout (spec §5: "TERM_SIGNAL + bit-128
// encoded in the recorded exit code").
const termSignalBit = 128

// A Result is what Run reports back about a finished (or killed) command.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	// TimedOut is true when the command was killed for exceeding its
	// deadline; ExitCode in that case is 128+signal.
	TimedOut bool
}

// An Executor runs commands in their own process group so a timeout can
// kill the whole tree, and tracks in-flight commands so Shutdown can
// terminate them all.
type Executor struct {
	mu        sync.Mutex
	processes map[*exec.Cmd]chan error
}

// New returns a ready-to-use Executor.
func New() *Executor {
	return &Executor{processes: map[*exec.Cmd]chan error{}}
}

// Run executes argv in dir with the given environment and timeout,
// capturing stdout/stderr separately. stdin, if non-nil, is attached as
// the command's standard input (spec §4.5: "a dedicated stdin, anonymous
// temp file").
func (e *Executor) Run(ctx context.Context, dir string, env []string, timeout time.Duration, stdin []byte, argv []string) (*Result, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("process: empty argument vector")
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true, Pdeathsig: syscall.SIGHUP}
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("process: starting %s: %w", argv[0], err)
	}
	ch := make(chan error, 1)
	e.register(cmd, ch)
	defer e.unregister(cmd)
	go func() { ch <- cmd.Wait() }()

	select {
	case err := <-ch:
		return e.resultFrom(&stdout, &stderr, err, false), nil
	case <-rctx.Done():
		sig := e.kill(cmd, ch)
		// kill may already have taken Wait's only result from ch; ch has
		// room for that result, so the Wait goroutine never blocks either.
		return &Result{
			ExitCode: termSignalBit + int(sig),
			Stdout:   stdout.Bytes(),
			Stderr:   stderr.Bytes(),
			TimedOut: true,
		}, nil
	}
}

func (e *Executor) resultFrom(stdout, stderr *bytes.Buffer, err error, timedOut bool) *Result {
	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}
	return &Result{ExitCode: code, Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), TimedOut: timedOut}
}

// kill sends SIGTERM to the command's process group, escalating to
// SIGKILL if it hasn't exited within 30ms and then waiting up to 1s more
// for it to exit (mirroring the teacher's sendSignal timings), and returns
// the signal that actually stopped it.
func (e *Executor) kill(cmd *exec.Cmd, ch <-chan error) syscall.Signal {
	if cmd.Process == nil {
		return syscall.SIGKILL
	}
	pgid := -cmd.Process.Pid
	syscall.Kill(pgid, syscall.SIGTERM)
	select {
	case <-ch:
		return syscall.SIGTERM
	case <-time.After(30 * time.Millisecond):
	}
	syscall.Kill(pgid, syscall.SIGKILL)
	select {
	case <-ch:
	case <-time.After(time.Second):
		log.Error("process: failed to kill process group %d", -pgid)
	}
	return syscall.SIGKILL
}

func (e *Executor) register(cmd *exec.Cmd, ch chan error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.processes[cmd] = ch
}

func (e *Executor) unregister(cmd *exec.Cmd) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.processes, cmd)
}

// Shutdown attempts to terminate every in-flight command. No other package
// in this module calls it.
func (e *Executor) Shutdown() {
	e.mu.Lock()
	cmds := make(map[*exec.Cmd]chan error, len(e.processes))
	for c, ch := range e.processes {
		cmds[c] = ch
	}
	e.mu.Unlock()
	for c, ch := range cmds {
		e.kill(c, ch)
	}
}
