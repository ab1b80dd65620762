// Command envrun loads env files, runs an optional install command and then
// launches an entry point in the resulting environment.
//
// Usage:
//
//	envrun [-env-file .env] [-install "go mod download"] [-dir path] -- unnest -config pipeline.json
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"

	"unnest/internal/bootstrap"
	"unnest/internal/logging"
)

type launcher interface {
	Run(ctx context.Context, p bootstrap.Plan) error
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := runMain(ctx, os.Args[1:], os.Stdout, os.Stderr, &bootstrap.Launcher{})
	stop()
	os.Exit(code)
}

// runMain returns 2 on usage errors, the entry's exit code when it fails with
// one, and 1 on any other failure.
func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, l launcher) int {
	fs := flag.NewFlagSet("envrun", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		envFiles string
		install  string
		dir      string
		override bool
		optional bool
		logLevel string
		logDir   string
		logFile  string
	)
	fs.StringVar(&envFiles, "env-file", ".env", "comma-separated env files")
	fs.StringVar(&install, "install", "", "install command run before the entry point")
	fs.StringVar(&dir, "dir", "", "working directory for install and entry")
	fs.BoolVar(&override, "override", false, "env file values replace existing variables")
	fs.BoolVar(&optional, "optional-env", false, "skip env files that do not exist")
	fs.StringVar(&logLevel, "log-level", "info", "log level: debug|info|warn|error")
	fs.StringVar(&logDir, "log-dir", "", "also write logs to a timestamped file in this directory")
	fs.StringVar(&logFile, "log-file", "", "log file name without extension (default envrun when -log-dir is set)")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	entry := fs.Args()
	if len(entry) == 0 {
		fmt.Fprintln(stderr, "usage: envrun [flags] -- command [args...]")
		return 2
	}

	if logDir != "" && logFile == "" {
		logFile = "envrun"
	}
	logger, closeLog, err := logging.Open(stderr, logging.FileOptions{Dir: logDir, Name: logFile, Level: logLevel})
	if err != nil {
		fmt.Fprintf(stderr, "envrun: open log: %v\n", err)
		return 1
	}
	defer closeLog()

	err = l.Run(ctx, bootstrap.Plan{
		EnvFiles:    splitList(envFiles),
		OptionalEnv: optional,
		Override:    override,
		Install:     strings.Fields(install),
		Entry:       entry,
		Dir:         dir,
		Stdout:      stdout,
		Stderr:      stderr,
		Logger:      logger,
	})
	if err == nil {
		return 0
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() > 0 && !strings.HasPrefix(err.Error(), "bootstrap: install:") {
		return exitErr.ExitCode()
	}
	fmt.Fprintf(stderr, "envrun: %v\n", err)
	return 1
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
