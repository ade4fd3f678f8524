package integration

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildRelaybot compiles ./cmd/relaybot and copies it into a directory
// outside the repository so no repo-relative config is found.
func buildRelaybot(t *testing.T) (binary, workdir string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("standalone binary test is unix-focused")
	}

	goMod, err := exec.Command("go", "env", "GOMOD").Output()
	require.NoError(t, err)
	repoRoot := filepath.Dir(strings.TrimSpace(string(goMod)))
	require.NotEqual(t, ".", repoRoot, "go env GOMOD returned empty")

	built := filepath.Join(t.TempDir(), "relaybot")
	build := exec.Command("go", "build", "-o", built, "./cmd/relaybot")
	build.Dir = repoRoot
	out, err := build.CombinedOutput()
	require.NoError(t, err, "go build: %s", out)

	workdir = t.TempDir()
	binary = filepath.Join(workdir, "relaybot")
	data, err := os.ReadFile(built)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(binary, data, 0o755))
	return binary, workdir
}

// cleanEnv drops RELAYBOT_ variables and points HOME at an empty directory.
func cleanEnv(t *testing.T) []string {
	var env []string
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "RELAYBOT_") || strings.HasPrefix(kv, "HOME=") || strings.HasPrefix(kv, "XDG_CONFIG_HOME=") {
			continue
		}
		env = append(env, kv)
	}
	return append(env, "HOME="+t.TempDir())
}

func TestStandaloneBinaryOutsideRepo(t *testing.T) {
	binary, workdir := buildRelaybot(t)
	env := cleanEnv(t)

	run := func(args ...string) (string, error) {
		cmd := exec.Command(binary, args...)
		cmd.Dir = workdir
		cmd.Env = env
		out, err := cmd.CombinedOutput()
		return string(out), err
	}

	t.Run("version", func(t *testing.T) {
		out, err := run("version")
		require.NoError(t, err, out)
		assert.Contains(t, out, "dev")
	})

	t.Run("help lists the bot commands", func(t *testing.T) {
		out, err := run("--help")
		require.NoError(t, err, out)
		for _, sub := range []string{"serve", "webhook", "backup"} {
			assert.Contains(t, out, sub)
		}
	})

	t.Run("serve without a bot token is a config error", func(t *testing.T) {
		out, err := run("serve", "--port", "0")
		var exitErr *exec.ExitError
		require.True(t, errors.As(err, &exitErr), "expected non-zero exit, got %v: %s", err, out)
		assert.Equal(t, int(foundry.ExitConfigInvalid), exitErr.ExitCode())
		assert.Contains(t, out, "telegram.token is required")
	})
}
