package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/oklog/run"
	"github.com/sirupsen/logrus"

	"github.com/ShayCichocki/colony/internal/config"
	"github.com/ShayCichocki/colony/internal/log"
	loglogrus "github.com/ShayCichocki/colony/internal/log/logrus"
	"github.com/ShayCichocki/colony/internal/version"
)

// Exit codes.
const (
	exitOK            = 0
	exitFailure       = 1
	exitNotConfigured = 2
)

// exitError carries a process exit code. An empty message prints nothing.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

// Run runs the main application.
func Run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	root, a := newRootCommand(stdin, stdout, stderr)
	root.SetArgs(args[1:])

	var g run.Group

	// OS signals.
	{
		signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
		defer signalCancel()

		g.Add(
			func() error {
				<-signalCtx.Done()
				return nil
			},
			func(_ error) {
				signalCancel()
			},
		)
	}

	// Execute command.
	{
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		g.Add(
			func() error {
				err := root.ExecuteContext(ctx)
				if cerr := a.close(); err == nil {
					err = cerr
				}
				return err
			},
			func(_ error) {
				cancel()
			},
		)
	}

	return g.Run()
}

// getLogger returns the application logger.
func getLogger(opts *rootOptions, stderr io.Writer) log.Logger {
	logrusLog := logrus.New()
	logrusLog.Out = stderr // stdout is kept for command output.
	logrusLogEntry := logrus.NewEntry(logrusLog)

	level, err := logrus.ParseLevel(opts.logLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	if opts.debug {
		level = logrus.DebugLevel
	}
	logrusLogEntry.Logger.SetLevel(level)

	switch opts.logFormat {
	case "json":
		logrusLogEntry.Logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		logrusLogEntry.Logger.SetFormatter(&logrus.TextFormatter{
			DisableColors: opts.noColor,
		})
	}

	logger := loglogrus.NewLogrus(logrusLogEntry).WithValues(log.Kv{
		"version": version.Get(),
	})
	logger.Debugf("Debug level is enabled")
	return logger
}

// exitCode maps a command error to the process exit code.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	if errors.Is(err, config.ErrNotConfigured) {
		return exitNotConfigured
	}
	return exitFailure
}

func main() {
	ctx := context.Background()
	err := Run(ctx, os.Args, os.Stdin, os.Stdout, os.Stderr)
	if err != nil && err.Error() != "" {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
	}
	os.Exit(exitCode(err))
}
