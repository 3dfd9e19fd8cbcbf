// Package wire defines the messages exchanged between the exec client and
// the serving side, and their encoding.
//
// Every message is one datagram: a single kind byte followed by a
// MessagePack-encoded body. The kind byte lets both peers tell apart the
// message types that share a connection (result, signal, exit status)
// without any framing beyond what the packet socket already provides.
package wire

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// ErrMalformedMessage reports a message that could not be decoded:
// wrong kind byte, truncated or corrupt body, or invalid field values.
var ErrMalformedMessage = errors.New("malformed message")

// Kind discriminates message types on the wire.
type Kind byte

const (
	KindInvalid Kind = iota
	KindLaunch
	KindResult
	KindSignal
	KindExit
	KindShutdown
)

func (k Kind) String() string {
	switch k {
	case KindLaunch:
		return "launch"
	case KindResult:
		return "result"
	case KindSignal:
		return "signal"
	case KindExit:
		return "exit"
	case KindShutdown:
		return "shutdown"
	}
	return fmt.Sprintf("invalid(%d)", byte(k))
}

// MaxMessageSize is the receive buffer size both peers use. A launch
// request carrying a full client environment is the largest message.
const MaxMessageSize = 256 * 1024

// StreamCount is the number of stream descriptors that must accompany a
// launch request: stdin, stdout, stderr, in that order.
const StreamCount = 3

// StartFlags selects how the spawned process is detached from the server.
type StartFlags uint32

const (
	// FlagProcessGroup starts the process as a process-group leader.
	FlagProcessGroup StartFlags = 1 << iota
	// FlagSession starts the process in a new session (implies leading a
	// new process group).
	FlagSession
)

// LaunchRequest asks the server to spawn a process. The three stream
// descriptors ride alongside this message as ancillary data; no other
// message kind carries descriptors.
type LaunchRequest struct {
	// Argv is the program name followed by its arguments. Never empty.
	Argv []string
	// Env is the complete child environment as "KEY=VALUE" entries. It
	// replaces the server's environment rather than extending it.
	Env []string
	// Dir is the working directory for the process, empty for the
	// server's own.
	Dir string
	// Flags are the process detachment options.
	Flags StartFlags
}

// LaunchResult is the server's single reply to a launch request, sent
// before any signal or exit traffic.
type LaunchResult struct {
	OK     bool
	Reason string
	Errno  int32
	PID    int32
}

// Signal relays one signal from the client to the spawned process.
// Value is the raw POSIX signal number; a negative value requests
// delivery to the process group instead of the single process.
type Signal struct {
	Value int32
}

// ExitStatus is the terminal message of a session. Signal is non-zero
// when the process was terminated by that signal, in which case Code is
// meaningless.
type ExitStatus struct {
	Code   int32
	Signal int32
}

// MessageKind peeks the discriminant of an encoded message.
func MessageKind(b []byte) Kind {
	if len(b) == 0 {
		return KindInvalid
	}
	k := Kind(b[0])
	if k > KindShutdown {
		return KindInvalid
	}
	return k
}

func encode(k Kind, v any) ([]byte, error) {
	body, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding %s message: %w", k, err)
	}
	out := make([]byte, 1, 1+len(body))
	out[0] = byte(k)
	return append(out, body...), nil
}

func decode(k Kind, b []byte, v any) error {
	if len(b) == 0 || Kind(b[0]) != k {
		return fmt.Errorf("%w: want %s, got %s", ErrMalformedMessage, k, MessageKind(b))
	}
	if err := msgpack.Unmarshal(b[1:], v); err != nil {
		return fmt.Errorf("%w: %s body: %s", ErrMalformedMessage, k, err)
	}
	return nil
}

func EncodeLaunchRequest(req LaunchRequest) ([]byte, error) {
	if len(req.Argv) == 0 {
		return nil, fmt.Errorf("%w: empty argv", ErrMalformedMessage)
	}
	return encode(KindLaunch, &req)
}

func DecodeLaunchRequest(b []byte) (LaunchRequest, error) {
	var req LaunchRequest
	if err := decode(KindLaunch, b, &req); err != nil {
		return LaunchRequest{}, err
	}
	if len(req.Argv) == 0 {
		return LaunchRequest{}, fmt.Errorf("%w: empty argv", ErrMalformedMessage)
	}
	return req, nil
}

func EncodeLaunchResult(res LaunchResult) ([]byte, error) {
	return encode(KindResult, &res)
}

func DecodeLaunchResult(b []byte) (LaunchResult, error) {
	var res LaunchResult
	if err := decode(KindResult, b, &res); err != nil {
		return LaunchResult{}, err
	}
	return res, nil
}

func EncodeSignal(sig Signal) ([]byte, error) {
	return encode(KindSignal, &sig)
}

func DecodeSignal(b []byte) (Signal, error) {
	var sig Signal
	if err := decode(KindSignal, b, &sig); err != nil {
		return Signal{}, err
	}
	return sig, nil
}

func EncodeExitStatus(st ExitStatus) ([]byte, error) {
	return encode(KindExit, &st)
}

func DecodeExitStatus(b []byte) (ExitStatus, error) {
	var st ExitStatus
	if err := decode(KindExit, b, &st); err != nil {
		return ExitStatus{}, err
	}
	return st, nil
}

// EncodeShutdown builds the bodyless message that asks the server to
// stop accepting connections and exit.
func EncodeShutdown() []byte {
	return []byte{byte(KindShutdown)}
}
