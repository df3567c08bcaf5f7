package cli

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// run executes the root command in-process. Flag variables are package
// state, so tests in this package must not run in parallel.
func run(ctx context.Context, args ...string) (string, error) {
	resetFlags()
	var out bytes.Buffer
	rootCmd.SetArgs(args)
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	err := rootCmd.ExecuteContext(ctx)
	return out.String(), err
}

func resetFlags() {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	rootCmd.PersistentFlags().VisitAll(reset)
	for _, c := range rootCmd.Commands() {
		c.Flags().VisitAll(reset)
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "portmux.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestServe(t *testing.T) {
	cfgPath := writeConfig(t, `
protocols:
  mqtt: false
  binary: false
routes:
  - pattern: /status
    group: GET
    response:
      body: up
`)
	addrPath := filepath.Join(t.TempDir(), "addr")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := run(ctx, "serve", "-c", cfgPath, "--listen", "127.0.0.1:0", "--log-level", "error", "--addr-file", addrPath)
		done <- err
	}()

	var addr string
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(addrPath)
		if err != nil {
			return false
		}
		addr = strings.TrimSpace(string(data))
		return addr != ""
	}, 5*time.Second, 20*time.Millisecond)

	resp, err := http.Get("http://" + addr + "/status")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "up", string(body))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func TestServe_InvalidOverride(t *testing.T) {
	_, err := run(context.Background(), "serve", "-c", "", "--listen", "nowhere")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"nowhere" is not a host:port address`)
}

func TestLoadConfig_Overrides(t *testing.T) {
	resetFlags()
	t.Cleanup(resetFlags)
	configPath = writeConfig(t, "listen: 127.0.0.1:7701\n")
	require.NoError(t, serveCmd.Flags().Parse([]string{"--log-format", "json", "--tls"}))

	cfg, err := loadConfig(serveCmd)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7701", cfg.Listen, "unset flags keep the file value")
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.True(t, cfg.TLS.Enabled)
	assert.True(t, cfg.TLS.AutoGenerateCert)
}

func TestSplitErrors(t *testing.T) {
	err := errors.Join(errors.New("a"), errors.Join(errors.New("b"), errors.New("c")))
	assert.Equal(t, []string{"a", "b", "c"}, splitErrors(err))
	assert.Equal(t, []string{"d"}, splitErrors(errors.New("d")))
}

func TestBuildInfo(t *testing.T) {
	out := buildInfo()
	assert.Equal(t, "dev", out.Version)
	assert.NotEmpty(t, out.Go)
}
