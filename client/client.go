// Package client drives one remote execution: connect to the serving
// socket, hand over the caller's standard streams with the launch
// request, relay signals delivered to this process, and surface the
// remote exit status.
package client

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/reiver-dev/sidecar/socket"
	"github.com/reiver-dev/sidecar/wire"
)

// ErrLostConnection reports that the server went away before delivering
// an exit status. It is deliberately distinct from a non-zero exit: the
// plumbing failed, not the remote command.
var ErrLostConnection = errors.New("connection to server lost")

// LaunchError is the server's refusal to start the process.
type LaunchError struct {
	Reason string
	Errno  int32
}

func (e *LaunchError) Error() string {
	return e.Reason
}

// Request describes one remote execution. Stdin, Stdout and Stderr
// default to this process's own standard streams when nil; the open
// descriptors themselves are transferred, so the remote process writes
// straight into them.
type Request struct {
	Argv []string
	Env  []string
	Dir  string

	NewProcessGroup bool
	NewSession      bool

	Stdin  *os.File
	Stdout *os.File
	Stderr *os.File
}

// Connector runs commands against one serving socket.
type Connector struct {
	Path   string
	Logger *zap.SugaredLogger
}

// forwardable are the signals relayed to the remote process. The
// uncatchable (KILL, STOP) and the synchronous fault signals stay local.
var forwardable = []os.Signal{
	syscall.SIGHUP,
	syscall.SIGINT,
	syscall.SIGQUIT,
	syscall.SIGTERM,
	syscall.SIGUSR1,
	syscall.SIGUSR2,
	syscall.SIGALRM,
	syscall.SIGTSTP,
	syscall.SIGCONT,
	syscall.SIGTTIN,
	syscall.SIGTTOU,
	syscall.SIGWINCH,
}

// Run executes one command to completion. The returned status is the
// remote process's own; a *LaunchError means the process never started,
// ErrLostConnection means the server vanished mid-run.
func (c *Connector) Run(ctx context.Context, req Request) (wire.ExitStatus, error) {
	log := c.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	conn, err := socket.Dial(c.Path)
	if err != nil {
		return wire.ExitStatus{}, err
	}
	defer conn.Close()

	stdin, stdout, stderr := req.Stdin, req.Stdout, req.Stderr
	if stdin == nil {
		stdin = os.Stdin
	}
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}

	var flags wire.StartFlags
	if req.NewProcessGroup {
		flags |= wire.FlagProcessGroup
	}
	if req.NewSession {
		flags |= wire.FlagSession
	}

	b, err := wire.EncodeLaunchRequest(wire.LaunchRequest{
		Argv:  req.Argv,
		Env:   req.Env,
		Dir:   req.Dir,
		Flags: flags,
	})
	if err != nil {
		return wire.ExitStatus{}, err
	}

	log.Debugw("sending launch request", "Argv", req.Argv, "Dir", req.Dir)
	err = conn.Send(b, []int{int(stdin.Fd()), int(stdout.Fd()), int(stderr.Fd())})
	if err != nil {
		return wire.ExitStatus{}, fmt.Errorf("sending launch request: %w", err)
	}

	buf := make([]byte, wire.MaxMessageSize)
	n, fds, err := conn.Recv(buf)
	closeAll(fds)
	if err != nil {
		if errors.Is(err, socket.ErrPeerClosed) {
			return wire.ExitStatus{}, ErrLostConnection
		}
		return wire.ExitStatus{}, fmt.Errorf("receiving launch result: %w", err)
	}
	res, err := wire.DecodeLaunchResult(buf[:n])
	if err != nil {
		return wire.ExitStatus{}, err
	}
	if !res.OK {
		log.Debugw("launch refused", "Reason", res.Reason, "Errno", res.Errno)
		return wire.ExitStatus{}, &LaunchError{Reason: res.Reason, Errno: res.Errno}
	}
	log.Debugf("remote process %d started", res.PID)

	return c.stream(ctx, log, conn)
}

// stream is the running state: forward locally delivered signals and
// wait for the exit message, whichever terminal event comes first.
func (c *Connector) stream(ctx context.Context, log *zap.SugaredLogger, conn *socket.Conn) (wire.ExitStatus, error) {
	sigCh := make(chan os.Signal, 16)
	signal.Notify(sigCh, forwardable...)
	defer signal.Stop(sigCh)

	type exitResult struct {
		status wire.ExitStatus
		err    error
	}
	exitCh := make(chan exitResult, 1)
	go func() {
		buf := make([]byte, 64)
		for {
			n, fds, err := conn.Recv(buf)
			closeAll(fds)
			if err != nil {
				exitCh <- exitResult{err: err}
				return
			}
			st, err := wire.DecodeExitStatus(buf[:n])
			if err != nil {
				log.Debugf("ignoring message: %s", err)
				continue
			}
			exitCh <- exitResult{status: st}
			return
		}
	}()

	for {
		select {
		case sig := <-sigCh:
			val := signalValue(sig)
			if val == 0 {
				continue
			}
			log.Debugf("forwarding signal %d", val)
			b, err := wire.EncodeSignal(wire.Signal{Value: val})
			if err != nil {
				log.Debugf("encoding signal: %s", err)
				continue
			}
			if err := conn.Send(b, nil); err != nil {
				log.Debugf("forwarding signal: %s", err)
			}
			stopSelf(log, sig)
		case res := <-exitCh:
			if res.err != nil {
				if errors.Is(res.err, socket.ErrPeerClosed) {
					return wire.ExitStatus{}, ErrLostConnection
				}
				return wire.ExitStatus{}, fmt.Errorf("receiving exit status: %w", res.err)
			}
			log.Debugw("remote process finished",
				"Code", res.status.Code, "Signal", res.status.Signal)
			return res.status, nil
		case <-ctx.Done():
			return wire.ExitStatus{}, ctx.Err()
		}
	}
}

// signalValue maps a delivered signal to its wire value. Job-control
// signals are negated so the server addresses the whole process group.
func signalValue(sig os.Signal) int32 {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return 0
	}
	switch s {
	case syscall.SIGTSTP, syscall.SIGCONT, syscall.SIGTTIN, syscall.SIGTTOU:
		return -int32(s)
	default:
		return int32(s)
	}
}

// stopSelf suspends this process after a forwarded stop request, so
// terminal job control sees the local command stop like the remote one.
func stopSelf(log *zap.SugaredLogger, sig os.Signal) {
	if sig != syscall.SIGTSTP {
		return
	}
	log.Debug("stopping self")
	if err := unix.Kill(unix.Getpid(), unix.SIGSTOP); err != nil {
		log.Warnf("raising stop: %s", err)
	}
}

// Stop asks the server listening at path to shut down.
func Stop(path string) error {
	conn, err := socket.Dial(path)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := conn.Send(wire.EncodeShutdown(), nil); err != nil {
		return fmt.Errorf("sending shutdown: %w", err)
	}
	return nil
}

func closeAll(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}
