package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"testing"

	"unnest/internal/bootstrap"
)

type fakeLauncher struct {
	err  error
	plan bootstrap.Plan
	runs int
}

func (f *fakeLauncher) Run(_ context.Context, p bootstrap.Plan) error {
	f.runs++
	f.plan = p
	return f.err
}

func TestRunMain_BuildsPlan(t *testing.T) {
	fl := &fakeLauncher{}
	var stdout, stderr bytes.Buffer
	code := runMain(context.Background(),
		[]string{"-env-file", ".env,prod.env", "-install", "go mod download", "-dir", "/app", "-optional-env", "--", "unnest", "-config", "p.json"},
		&stdout, &stderr, fl)
	if code != 0 {
		t.Fatalf("code=%d stderr=%q", code, stderr.String())
	}
	p := fl.plan
	if !reflect.DeepEqual(p.EnvFiles, []string{".env", "prod.env"}) || !p.OptionalEnv || p.Override {
		t.Fatalf("env settings=%+v", p)
	}
	if !reflect.DeepEqual(p.Install, []string{"go", "mod", "download"}) {
		t.Fatalf("Install=%q", p.Install)
	}
	if !reflect.DeepEqual(p.Entry, []string{"unnest", "-config", "p.json"}) || p.Dir != "/app" {
		t.Fatalf("Entry=%q Dir=%q", p.Entry, p.Dir)
	}
}

type loggingLauncher struct{}

func (loggingLauncher) Run(_ context.Context, p bootstrap.Plan) error {
	p.Logger.Info("bootstrap: entry started")
	return nil
}

func TestRunMain_LogDirWritesLogFile(t *testing.T) {
	dir := t.TempDir()
	var stdout, stderr bytes.Buffer
	code := runMain(context.Background(), []string{"-log-dir", dir, "--", "app"}, &stdout, &stderr, loggingLauncher{})
	if code != 0 {
		t.Fatalf("code=%d stderr=%q", code, stderr.String())
	}
	matches, _ := filepath.Glob(filepath.Join(dir, "envrun*.log"))
	if len(matches) != 1 {
		t.Fatalf("log files=%v", matches)
	}
	raw, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(raw), "bootstrap: entry started") || !strings.Contains(stderr.String(), "bootstrap: entry started") {
		t.Fatalf("log=%q stderr=%q", raw, stderr.String())
	}
}

func TestRunMain_UsageErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{name: "no_entry", args: nil, want: "usage: envrun"},
		{name: "unknown_flag", args: []string{"-nope"}, want: "flag provided but not defined"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fl := &fakeLauncher{}
			var stdout, stderr bytes.Buffer
			if code := runMain(context.Background(), tc.args, &stdout, &stderr, fl); code != 2 {
				t.Fatalf("code=%d, want 2", code)
			}
			if fl.runs != 0 || !strings.Contains(stderr.String(), tc.want) {
				t.Fatalf("runs=%d stderr=%q", fl.runs, stderr.String())
			}
		})
	}
}

func TestRunMain_Failures(t *testing.T) {
	fl := &fakeLauncher{err: errors.New("bootstrap: load env .env: open .env: no such file")}
	var stdout, stderr bytes.Buffer
	if code := runMain(context.Background(), []string{"app"}, &stdout, &stderr, fl); code != 1 {
		t.Fatalf("code=%d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "envrun: bootstrap: load env") {
		t.Fatalf("stderr=%q", stderr.String())
	}
}

// TestRunMain_PropagatesEntryExitCode runs a real child that exits 3.
func TestRunMain_PropagatesEntryExitCode(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs /bin/sh")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("no sh")
	}
	var stdout, stderr bytes.Buffer
	code := runMain(context.Background(),
		[]string{"-optional-env", "-env-file", "does-not-exist.env", "--", "sh", "-c", "exit 3"},
		&stdout, &stderr, &bootstrap.Launcher{})
	if code != 3 {
		t.Fatalf("code=%d, want 3; stderr=%q", code, stderr.String())
	}
}
