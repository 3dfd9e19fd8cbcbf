package socket

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func listenTemp(t *testing.T) (*Listener, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sidecar.sock")
	l, err := Listen(path)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l, path
}

func acceptOne(t *testing.T, l *Listener) <-chan *Conn {
	t.Helper()
	ch := make(chan *Conn, 1)
	go func() {
		conn, err := l.Accept()
		if err == nil {
			ch <- conn
		}
	}()
	return ch
}

func TestSendRecvPayload(t *testing.T) {
	l, path := listenTemp(t)
	accepted := acceptOne(t, l)

	client, err := Dial(path)
	require.NoError(t, err)
	defer client.Close()
	server := <-accepted
	defer server.Close()

	require.NoError(t, client.Send([]byte("hello"), nil))

	buf := make([]byte, 64)
	n, fds, err := server.Recv(buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))
	require.Empty(t, fds)
}

func TestMessageBoundariesPreserved(t *testing.T) {
	l, path := listenTemp(t)
	accepted := acceptOne(t, l)

	client, err := Dial(path)
	require.NoError(t, err)
	defer client.Close()
	server := <-accepted
	defer server.Close()

	require.NoError(t, client.Send([]byte("first"), nil))
	require.NoError(t, client.Send([]byte("second"), nil))

	buf := make([]byte, 64)
	n, _, err := server.Recv(buf)
	require.NoError(t, err)
	require.Equal(t, "first", string(buf[:n]))
	n, _, err = server.Recv(buf)
	require.NoError(t, err)
	require.Equal(t, "second", string(buf[:n]))
}

func TestSendRecvWithDescriptors(t *testing.T) {
	l, path := listenTemp(t)
	accepted := acceptOne(t, l)

	client, err := Dial(path)
	require.NoError(t, err)
	defer client.Close()
	server := <-accepted
	defer server.Close()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	require.NoError(t, client.Send([]byte("streams"), []int{
		int(r.Fd()), int(w.Fd()), int(w.Fd()),
	}))

	buf := make([]byte, 64)
	n, fds, err := server.Recv(buf)
	require.NoError(t, err)
	require.Equal(t, "streams", string(buf[:n]))
	require.Len(t, fds, 3)

	// The transferred write end must reach the local read end.
	wcopy := os.NewFile(uintptr(fds[1]), "w")
	defer wcopy.Close()
	defer unix.Close(fds[0])
	defer unix.Close(fds[2])
	_, err = wcopy.WriteString("through")
	require.NoError(t, err)

	out := make([]byte, 16)
	nn, err := r.Read(out)
	require.NoError(t, err)
	require.Equal(t, "through", string(out[:nn]))
}

func TestRecvPeerClosed(t *testing.T) {
	l, path := listenTemp(t)
	accepted := acceptOne(t, l)

	client, err := Dial(path)
	require.NoError(t, err)
	server := <-accepted
	defer server.Close()

	require.NoError(t, client.Close())

	buf := make([]byte, 16)
	_, _, err = server.Recv(buf)
	require.ErrorIs(t, err, ErrPeerClosed)
}

func TestDialNoListener(t *testing.T) {
	_, err := Dial(filepath.Join(t.TempDir(), "nobody.sock"))
	require.Error(t, err)
}

func TestListenPathBusy(t *testing.T) {
	_, path := listenTemp(t)
	_, err := Listen(path)
	require.ErrorContains(t, err, "address already in use")
}

func TestListenPathNotASocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	_, err := Listen(path)
	require.ErrorContains(t, err, "not a socket")
}

func TestListenReclaimsStaleSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stale.sock")

	// Bind without ever accepting, then abandon the socket file.
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	require.NoError(t, unix.Bind(fd, &unix.SockaddrUnix{Name: path}))
	require.NoError(t, unix.Close(fd))
	_, err = os.Lstat(path)
	require.NoError(t, err)

	l, err := Listen(path)
	require.NoError(t, err)
	defer l.Close()
}

func TestCloseIdempotent(t *testing.T) {
	l, path := listenTemp(t)
	accepted := acceptOne(t, l)
	client, err := Dial(path)
	require.NoError(t, err)
	<-accepted

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())
}

func TestAcceptAfterClose(t *testing.T) {
	l, path := listenTemp(t)
	require.NoError(t, l.Close())

	done := make(chan error, 1)
	go func() {
		_, err := l.Accept()
		done <- err
	}()
	select {
	case err := <-done:
		require.ErrorIs(t, err, net.ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("accept did not return after close")
	}

	// Closing the listener removes the socket file.
	_, err := os.Lstat(path)
	require.True(t, os.IsNotExist(err))
}
