package bootstrap

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeEnv(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadEnv_RespectsExistingUnlessOverride(t *testing.T) {
	p := writeEnv(t, "UNNEST_BOOT_A=file\nUNNEST_BOOT_B=\"quoted value\"\n# comment\n")

	t.Setenv("UNNEST_BOOT_A", "process")
	t.Setenv("UNNEST_BOOT_B", "")
	os.Unsetenv("UNNEST_BOOT_B")

	require.NoError(t, LoadEnv([]string{p}, false, false))
	require.Equal(t, "process", os.Getenv("UNNEST_BOOT_A"))
	require.Equal(t, "quoted value", os.Getenv("UNNEST_BOOT_B"))

	require.NoError(t, LoadEnv([]string{p}, true, false))
	require.Equal(t, "file", os.Getenv("UNNEST_BOOT_A"))
}

func TestLoadEnv_MissingFile(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.env")

	err := LoadEnv([]string{missing}, false, false)
	require.Error(t, err)
	require.Contains(t, err.Error(), "bootstrap: load env")

	require.NoError(t, LoadEnv([]string{missing}, false, true))
}

// TestLauncher_RunsInstallThenEntry verifies ordering, shared working
// directory and that env file values reach the child environment.
func TestLauncher_RunsInstallThenEntry(t *testing.T) {
	p := writeEnv(t, "UNNEST_BOOT_C=42\n")
	t.Setenv("UNNEST_BOOT_C", "")
	os.Unsetenv("UNNEST_BOOT_C")

	var got []command
	l := &Launcher{run: func(_ context.Context, c command) error {
		got = append(got, c)
		return nil
	}}

	err := l.Run(context.Background(), Plan{
		EnvFiles: []string{p},
		Install:  []string{"go", "mod", "download"},
		Entry:    []string{"unnest", "-config", "p.json"},
		Dir:      "/work",
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.True(t, reflect.DeepEqual(got[0].argv, []string{"go", "mod", "download"}))
	require.True(t, reflect.DeepEqual(got[1].argv, []string{"unnest", "-config", "p.json"}))
	require.Equal(t, "/work", got[1].dir)

	found := false
	for _, kv := range got[1].env {
		if kv == "UNNEST_BOOT_C=42" {
			found = true
		}
	}
	require.True(t, found, "child env missing UNNEST_BOOT_C")
}

func TestLauncher_Failures(t *testing.T) {
	boom := errors.New("exit status 3")

	t.Run("no_entry", func(t *testing.T) {
		err := (&Launcher{}).Run(context.Background(), Plan{})
		require.ErrorIs(t, err, ErrNoEntry)
	})

	t.Run("install_failure_skips_entry", func(t *testing.T) {
		calls := 0
		l := &Launcher{run: func(context.Context, command) error {
			calls++
			return boom
		}}
		err := l.Run(context.Background(), Plan{Install: []string{"make"}, Entry: []string{"app"}})
		require.ErrorIs(t, err, boom)
		require.True(t, strings.HasPrefix(err.Error(), "bootstrap: install:"))
		require.Equal(t, 1, calls)
	})

	t.Run("entry_error_unwrapped", func(t *testing.T) {
		l := &Launcher{run: func(context.Context, command) error { return boom }}
		err := l.Run(context.Background(), Plan{Entry: []string{"app"}})
		require.Same(t, boom, err)
	})
}

func TestExecCommand_CapturesOutput(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	var out bytes.Buffer
	err := execCommand(context.Background(), command{
		argv:   []string{"/bin/sh", "-c", "printf %s \"$GREETING\""},
		env:    []string{"GREETING=hi"},
		stdout: &out,
	})
	require.NoError(t, err)
	require.Equal(t, "hi", out.String())
}
