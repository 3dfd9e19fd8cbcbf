// Package socket provides the connection-oriented packet transport the
// protocol rides on: an AF_UNIX SOCK_SEQPACKET socket bound to a
// filesystem path. Every send is one datagram matched by exactly one
// receive, and a message may carry open file descriptors as SCM_RIGHTS
// ancillary data.
package socket

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// ErrPeerClosed reports that the other end of the connection terminated,
// gracefully or not. Callers use errors.Is to tell a vanished peer from
// an unexpected I/O fault.
var ErrPeerClosed = errors.New("peer closed connection")

// MaxFds is the most descriptors a single message can carry.
const MaxFds = 3

const network = "unixpacket"

// dial timeout used only for the stale-socket probe in Listen.
const probeTimeout = 250 * time.Millisecond

// Listener accepts connections on a bound socket path.
type Listener struct {
	ul   *net.UnixListener
	path string
}

// Listen binds a packet socket at path. A leftover socket file from a
// dead server is removed first; a path with a live listener, or a path
// occupied by something that is not a socket, is a bind error.
func Listen(path string) (*Listener, error) {
	if err := reclaimStale(path); err != nil {
		return nil, err
	}
	ul, err := net.ListenUnix(network, &net.UnixAddr{Name: path, Net: network})
	if err != nil {
		return nil, fmt.Errorf("binding %s: %w", path, err)
	}
	return &Listener{ul: ul, path: path}, nil
}

func reclaimStale(path string) error {
	fi, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("checking %s: %w", path, err)
	}
	if fi.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("binding %s: path exists and is not a socket", path)
	}
	conn, err := net.DialTimeout(network, path, probeTimeout)
	if err == nil {
		conn.Close()
		return fmt.Errorf("binding %s: address already in use", path)
	}
	if !errors.Is(err, syscall.ECONNREFUSED) && !errors.Is(err, syscall.ENOENT) {
		return fmt.Errorf("probing %s: %w", path, err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", path, err)
	}
	return nil
}

// Accept blocks until a peer connects. It returns net.ErrClosed after
// the listener is closed.
func (l *Listener) Accept() (*Conn, error) {
	uc, err := l.ul.AcceptUnix()
	if err != nil {
		return nil, err
	}
	return &Conn{uc: uc}, nil
}

// Addr returns the bound socket path.
func (l *Listener) Addr() string {
	return l.path
}

// Close stops accepting and unlinks the socket file.
func (l *Listener) Close() error {
	return l.ul.Close()
}

// Dial connects to the listener bound at path.
func Dial(path string) (*Conn, error) {
	uc, err := net.DialUnix(network, nil, &net.UnixAddr{Name: path, Net: network})
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", path, err)
	}
	return &Conn{uc: uc}, nil
}

// Conn is one accepted or dialed connection.
type Conn struct {
	uc        *net.UnixConn
	closeOnce sync.Once
	closeErr  error
}

// Send transmits one message with the given descriptors attached.
// Payload and descriptors arrive together in a single datagram.
func (c *Conn) Send(b []byte, fds []int) error {
	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}
	if _, _, err := c.uc.WriteMsgUnix(b, oob, nil); err != nil {
		return mapPeerErr(err)
	}
	return nil
}

// Recv blocks for one message. It returns the payload length and any
// descriptors that arrived with it; received descriptors are marked
// close-on-exec so they cannot leak into unrelated children. Peer
// termination is reported as ErrPeerClosed.
func (c *Conn) Recv(buf []byte) (int, []int, error) {
	oob := make([]byte, unix.CmsgSpace(MaxFds*4))
	n, oobn, _, _, err := c.uc.ReadMsgUnix(buf, oob)
	if err != nil {
		return 0, nil, mapPeerErr(err)
	}
	if n == 0 && oobn == 0 {
		return 0, nil, ErrPeerClosed
	}
	fds, err := parseRights(oob[:oobn])
	if err != nil {
		return n, nil, err
	}
	return n, fds, nil
}

func parseRights(oob []byte) ([]int, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	cmsgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("parsing control message: %w", err)
	}
	var fds []int
	for i := range cmsgs {
		got, err := unix.ParseUnixRights(&cmsgs[i])
		if err != nil {
			continue
		}
		fds = append(fds, got...)
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
	}
	return fds, nil
}

func mapPeerErr(err error) error {
	if errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return ErrPeerClosed
	}
	return err
}

// CloseRead shuts down the receiving side so late messages from the
// peer are discarded while the final send still goes out.
func (c *Conn) CloseRead() error {
	return c.uc.CloseRead()
}

// Close is idempotent.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.uc.Close()
	})
	return c.closeErr
}
