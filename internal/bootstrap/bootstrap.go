// Package bootstrap prepares a process environment and launches a command in
// it: load a key=value env file, run an install step, then start the entry
// point.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/joho/godotenv"
)

// Plan describes one launch.
type Plan struct {
	// EnvFiles are loaded in order. Missing files are an error unless
	// OptionalEnv is set.
	EnvFiles    []string
	OptionalEnv bool

	// Override lets env file values replace variables already set.
	Override bool

	// Install runs before Entry, e.g. ["go", "mod", "download"]. Empty skips
	// the step.
	Install []string

	// Entry is the command to launch.
	Entry []string

	// Dir is the working directory of both commands.
	Dir string

	Stdout io.Writer
	Stderr io.Writer
	Logger *slog.Logger
}

// ErrNoEntry is returned when a plan has no entry command.
var ErrNoEntry = errors.New("bootstrap: entry command is required")

// Launcher runs plans. The zero value uses os/exec.
type Launcher struct {
	// run is a seam for tests.
	run func(ctx context.Context, c command) error
}

type command struct {
	argv   []string
	dir    string
	env    []string
	stdout io.Writer
	stderr io.Writer
}

// Run loads env files, runs the install step and launches the entry point.
// The entry's exit error is returned unchanged so callers can read its exit
// code with errors.As(*exec.ExitError).
func (l *Launcher) Run(ctx context.Context, p Plan) error {
	if len(p.Entry) == 0 || strings.TrimSpace(p.Entry[0]) == "" {
		return ErrNoEntry
	}
	log := p.Logger
	if log == nil {
		log = slog.Default()
	}

	if err := LoadEnv(p.EnvFiles, p.Override, p.OptionalEnv); err != nil {
		log.Error("bootstrap: env load failed", "files", p.EnvFiles, "err", err)
		return err
	}
	log.Debug("bootstrap: env loaded", "files", p.EnvFiles)

	run := l.run
	if run == nil {
		run = execCommand
	}
	env := os.Environ()

	if len(p.Install) > 0 {
		log.Info("bootstrap: install", "cmd", strings.Join(p.Install, " "))
		if err := run(ctx, command{argv: p.Install, dir: p.Dir, env: env, stdout: p.Stdout, stderr: p.Stderr}); err != nil {
			log.Error("bootstrap: install failed", "err", err)
			return fmt.Errorf("bootstrap: install: %w", err)
		}
	}

	log.Info("bootstrap: launch", "cmd", strings.Join(p.Entry, " "))
	if err := run(ctx, command{argv: p.Entry, dir: p.Dir, env: env, stdout: p.Stdout, stderr: p.Stderr}); err != nil {
		log.Error("bootstrap: entry failed", "err", err)
		return err
	}
	return nil
}

// LoadEnv loads key=value files into the process environment. Existing
// variables win unless override is set.
func LoadEnv(files []string, override, optional bool) error {
	for _, f := range files {
		if optional {
			if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
				continue
			}
		}
		var err error
		if override {
			err = godotenv.Overload(f)
		} else {
			err = godotenv.Load(f)
		}
		if err != nil {
			return fmt.Errorf("bootstrap: load env %s: %w", f, err)
		}
	}
	return nil
}

func execCommand(ctx context.Context, c command) error {
	cmd := exec.CommandContext(ctx, c.argv[0], c.argv[1:]...)
	cmd.Dir = c.dir
	cmd.Env = c.env
	cmd.Stdout = c.stdout
	cmd.Stderr = c.stderr
	return cmd.Run()
}
