// Package proc supervises the lifecycle of one spawned process: start it
// with handed-over stream descriptors, deliver signals, wait for
// termination, and force-kill on demand.
package proc

import (
	"errors"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/reiver-dev/sidecar/wire"
)

// maxSignal bounds acceptable wire values: the standard signals plus
// the realtime range.
const maxSignal = 64

// Handle owns one running process. Wait must be called exactly once;
// Signal and Kill are best-effort and become no-ops once the process has
// been reaped.
type Handle struct {
	cmd   *exec.Cmd
	pid   int
	group bool

	reaped chan struct{}
	once   sync.Once
}

// Spawn starts the requested program with the three stream files bound
// to its stdin, stdout and stderr. The child's environment is exactly
// req.Env; nothing is inherited. The caller keeps ownership of the
// stream files and closes them after Spawn returns, whatever the
// outcome; the child holds its own duplicates by then.
func Spawn(req wire.LaunchRequest, stdin, stdout, stderr *os.File) (*Handle, error) {
	if len(req.Argv) == 0 {
		return nil, errors.New("empty argv")
	}

	cmd := exec.Command(req.Argv[0], req.Argv[1:]...)
	cmd.Dir = req.Dir
	cmd.Env = req.Env
	if cmd.Env == nil {
		cmd.Env = []string{}
	}
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	attr := &syscall.SysProcAttr{}
	group := false
	switch {
	case req.Flags&wire.FlagSession != 0:
		attr.Setsid = true
		group = true
	case req.Flags&wire.FlagProcessGroup != 0:
		attr.Setpgid = true
		group = true
	}
	cmd.SysProcAttr = attr

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &Handle{
		cmd:    cmd,
		pid:    cmd.Process.Pid,
		group:  group,
		reaped: make(chan struct{}),
	}, nil
}

// PID is the process id of the spawned process.
func (h *Handle) PID() int {
	return h.pid
}

// Signal delivers one signal to the process. A negative value addresses
// the whole process group, which only has an effect when the process was
// started as a group leader. Unknown values and delivery to an already
// reaped process are silently ignored.
func (h *Handle) Signal(value int32) {
	group := false
	if value < 0 {
		value = -value
		group = true
	}
	if value == 0 || value > maxSignal {
		return
	}
	if h.exited() {
		return
	}
	sig := syscall.Signal(value)
	if group && h.group {
		_ = unix.Kill(-h.pid, sig)
	} else {
		_ = h.cmd.Process.Signal(sig)
	}
}

// Kill delivers SIGKILL to the process, or to its whole group when it
// leads one. Idempotent, and a no-op after the process was reaped.
func (h *Handle) Kill() {
	if h.exited() {
		return
	}
	if h.group {
		_ = unix.Kill(-h.pid, unix.SIGKILL)
	} else {
		_ = h.cmd.Process.Kill()
	}
}

// Wait blocks until the process terminates and reports how. Call it
// exactly once.
func (h *Handle) Wait() wire.ExitStatus {
	err := h.cmd.Wait()
	h.once.Do(func() { close(h.reaped) })

	if err == nil {
		return wire.ExitStatus{Code: 0}
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok {
			if ws.Signaled() {
				return wire.ExitStatus{Signal: int32(ws.Signal())}
			}
			return wire.ExitStatus{Code: int32(ws.ExitStatus())}
		}
		return wire.ExitStatus{Code: int32(ee.ExitCode())}
	}
	// Stream descriptors are plain files, so Wait has no copy errors to
	// report; anything else is a wait failure with no status to decode.
	return wire.ExitStatus{Code: -1}
}

func (h *Handle) exited() bool {
	select {
	case <-h.reaped:
		return true
	default:
		return false
	}
}

// SpawnErrno extracts the OS error number behind a spawn failure for the
// launch result message, -1 when there is none.
func SpawnErrno(err error) int32 {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return int32(errno)
	}
	if errors.Is(err, exec.ErrNotFound) {
		return int32(syscall.ENOENT)
	}
	return -1
}
