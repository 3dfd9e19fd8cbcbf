package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/reiver-dev/sidecar/client"
	"github.com/reiver-dev/sidecar/session"
	"github.com/reiver-dev/sidecar/wire"
)

// plumbingExitCode distinguishes a failed launch or lost connection from
// the remote command's own exit code; signal-terminated commands map to
// plumbingExitCode+signal per shell convention.
const plumbingExitCode = 128

func main() {
	var verbosity int
	app := &cli.App{
		Name:  "sidecar",
		Usage: "run commands in a peer environment over a shared unix socket",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Enable debug messages (repeat for more).",
				Count:   &verbosity,
			},
		},
		Commands: []*cli.Command{
			serveCommand(&verbosity),
			execCommand(&verbosity),
			stopCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func buildLogger(verbosity int) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	switch verbosity {
	case 0:
		cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	case 1:
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger, nil
}

func serveCommand(verbosity *int) *cli.Command {
	return &cli.Command{
		Name:      "serve",
		Usage:     "Listen on a socket path and execute commands for connecting clients.",
		ArgsUsage: "PATH",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "parents",
				Usage: "Make parent directories of the socket path as needed.",
			},
		},
		Action: func(ctx *cli.Context) error {
			path := ctx.Args().First()
			if path == "" {
				return cli.Exit("serve: missing socket path", 2)
			}
			logger, err := buildLogger(*verbosity)
			if err != nil {
				return err
			}
			defer logger.Sync()

			if ctx.Bool("parents") {
				if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
					return fmt.Errorf("creating socket directory: %w", err)
				}
			}

			srv, err := session.NewServer(path, session.WithLogger(logger))
			if err != nil {
				return err
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)
			go func() {
				sig := <-sigCh
				logger.Sugar().Infof("received %s, shutting down", sig)
				srv.Stop()
			}()

			return srv.Serve()
		},
	}
}

func execCommand(verbosity *int) *cli.Command {
	return &cli.Command{
		Name:      "exec",
		Usage:     "Execute a command on the serving side of a socket.",
		ArgsUsage: "-- PROGRAM [ARG...]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "connect",
				Usage:    "Socket path the server is listening on.",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "workdir",
				Usage: "Working directory for the command.",
			},
			&cli.StringSliceFlag{
				Name:    "env",
				Aliases: []string{"e"},
				Usage:   "Set NAME=VALUE in the command's environment (repeatable).",
			},
			&cli.BoolFlag{
				Name:  "setpgid",
				Usage: "Start the command as a process-group leader.",
			},
			&cli.BoolFlag{
				Name:  "setsid",
				Usage: "Start the command in a new session.",
			},
		},
		Action: func(ctx *cli.Context) error {
			argv := ctx.Args().Slice()
			if len(argv) == 0 {
				return nil
			}
			logger, err := buildLogger(*verbosity)
			if err != nil {
				return err
			}
			defer logger.Sync()

			// The command runs with the caller's environment, as if it
			// ran locally; later entries win, so overrides go last.
			env := append(os.Environ(), ctx.StringSlice("env")...)

			c := &client.Connector{
				Path:   ctx.String("connect"),
				Logger: logger.Named("exec").Sugar(),
			}
			st, err := c.Run(ctx.Context, client.Request{
				Argv:            argv,
				Env:             env,
				Dir:             ctx.String("workdir"),
				NewProcessGroup: ctx.Bool("setpgid"),
				NewSession:      ctx.Bool("setsid"),
			})
			if err != nil {
				var le *client.LaunchError
				if errors.As(err, &le) {
					msg := fmt.Sprintf("sidecar: cannot execute %q: %s", argv[0], le.Reason)
					return cli.Exit(msg, plumbingExitCode)
				}
				return cli.Exit("sidecar: "+err.Error(), plumbingExitCode)
			}
			if code := exitCode(st); code != 0 {
				return cli.Exit("", code)
			}
			return nil
		},
	}
}

func exitCode(st wire.ExitStatus) int {
	if st.Signal != 0 {
		return plumbingExitCode + int(st.Signal)
	}
	return int(st.Code)
}

func stopCommand() *cli.Command {
	return &cli.Command{
		Name:      "stop",
		Usage:     "Stop the server listening on a socket path.",
		ArgsUsage: "PATH",
		Action: func(ctx *cli.Context) error {
			path := ctx.Args().First()
			if path == "" {
				return cli.Exit("stop: missing socket path", 2)
			}
			return client.Stop(path)
		},
	}
}
