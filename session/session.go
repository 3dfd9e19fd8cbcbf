package session

import (
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/reiver-dev/sidecar/proc"
	"github.com/reiver-dev/sidecar/socket"
	"github.com/reiver-dev/sidecar/wire"
)

// session supervises one connection and at most one spawned process.
//
// Lifecycle: receive the launch request with its three stream
// descriptors, spawn, answer with a launch result, then relay signals
// and wait for the exit, whichever source completes first deciding the
// terminal state. A client that disconnects mid-run gets its process
// killed and reaped; a process that exits first gets its status sent
// before the connection closes. Either way the child is reaped exactly
// once and the received descriptors never outlive the session.
type session struct {
	log  *zap.SugaredLogger
	conn *socket.Conn
	stop func() error
}

func (s *session) run() {
	defer s.conn.Close()

	buf := make([]byte, wire.MaxMessageSize)
	n, fds, err := s.conn.Recv(buf)
	if err != nil {
		if errors.Is(err, socket.ErrPeerClosed) {
			s.log.Debug("client went away before sending a request")
		} else {
			s.log.Warnf("receiving request: %s", err)
		}
		return
	}

	switch wire.MessageKind(buf[:n]) {
	case wire.KindShutdown:
		closeAll(fds)
		s.log.Info("shutdown requested")
		if err := s.stop(); err != nil {
			s.log.Warnf("stopping server: %s", err)
		}
		return
	case wire.KindLaunch:
	default:
		closeAll(fds)
		s.reject(fmt.Sprintf("unexpected %s message", wire.MessageKind(buf[:n])), -1)
		return
	}

	req, err := wire.DecodeLaunchRequest(buf[:n])
	if err != nil {
		closeAll(fds)
		s.log.Warnf("bad request: %s", err)
		s.reject(err.Error(), -1)
		return
	}
	if len(fds) != wire.StreamCount {
		closeAll(fds)
		s.reject(fmt.Sprintf("expected %d stream descriptors, got %d", wire.StreamCount, len(fds)), -1)
		return
	}

	stdin := os.NewFile(uintptr(fds[0]), "stdin")
	stdout := os.NewFile(uintptr(fds[1]), "stdout")
	stderr := os.NewFile(uintptr(fds[2]), "stderr")

	s.log.Infow("starting process",
		"Argv", req.Argv, "Dir", req.Dir, "Flags", req.Flags)
	handle, err := proc.Spawn(req, stdin, stdout, stderr)
	// The child holds duplicates now (or was never created); the
	// session's copies are done either way.
	stdin.Close()
	stdout.Close()
	stderr.Close()

	if err != nil {
		s.log.Warnf("process failed to start: %s", err)
		s.reject(err.Error(), proc.SpawnErrno(err))
		return
	}

	log := s.log.With("pid", handle.PID())
	log.Info("process started")
	if err := s.sendResult(wire.LaunchResult{OK: true, PID: int32(handle.PID())}); err != nil {
		// Never leave the child running with nobody attached to it.
		log.Warnf("client lost before result was sent: %s", err)
		handle.Kill()
		handle.Wait()
		return
	}

	s.supervise(log, handle)
}

// supervise runs the two concurrent activities of a live session:
// receiving further client messages and waiting for the process. The
// first terminal event wins; the loser is cleaned up behind it.
func (s *session) supervise(log *zap.SugaredLogger, handle *proc.Handle) {
	exited := make(chan wire.ExitStatus, 1)
	go func() {
		exited <- handle.Wait()
	}()

	gone := make(chan struct{})
	go s.relaySignals(log, handle, gone)

	select {
	case st := <-exited:
		// Discard any signal racing with the exit so the send below is
		// the last traffic on the connection.
		if err := s.conn.CloseRead(); err != nil {
			log.Debugf("shutting down read side: %s", err)
		}
		if st.Signal != 0 {
			log.Infof("process terminated by signal %d", st.Signal)
		} else {
			log.Infof("process exited with code %d", st.Code)
		}
		b, err := wire.EncodeExitStatus(st)
		if err != nil {
			log.Errorf("encoding exit status: %s", err)
			return
		}
		if err := s.conn.Send(b, nil); err != nil {
			log.Warnf("sending exit status: %s", err)
		}
	case <-gone:
		log.Warn("client disconnected, killing process")
		handle.Kill()
		<-exited
		log.Info("process reaped")
	}
}

// relaySignals receives messages for the lifetime of the connection,
// forwarding signal messages to the process. It closes gone when the
// peer is no longer there, which includes transport faults.
func (s *session) relaySignals(log *zap.SugaredLogger, handle *proc.Handle, gone chan<- struct{}) {
	defer close(gone)
	buf := make([]byte, 64)
	for {
		n, fds, err := s.conn.Recv(buf)
		if err != nil {
			if errors.Is(err, socket.ErrPeerClosed) {
				log.Debug("client closed the connection")
			} else if !errors.Is(err, os.ErrClosed) && !errors.Is(err, unix.ESHUTDOWN) {
				log.Warnf("receiving from client: %s", err)
			}
			return
		}
		// Only the launch message may carry descriptors.
		closeAll(fds)
		sig, err := wire.DecodeSignal(buf[:n])
		if err != nil {
			log.Debugf("ignoring message: %s", err)
			continue
		}
		log.Debugf("forwarding signal %d", sig.Value)
		handle.Signal(sig.Value)
	}
}

func (s *session) reject(reason string, errno int32) {
	err := s.sendResult(wire.LaunchResult{OK: false, Reason: reason, Errno: errno, PID: -1})
	if err != nil {
		s.log.Debugf("sending failure result: %s", err)
	}
}

func (s *session) sendResult(res wire.LaunchResult) error {
	b, err := wire.EncodeLaunchResult(res)
	if err != nil {
		return err
	}
	return s.conn.Send(b, nil)
}

func closeAll(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}
