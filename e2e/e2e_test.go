//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"
)

// mcpmanBin is the path to the compiled mcpman binary, set once in TestMain.
var mcpmanBin string

// ─── TestMain: build mcpman binary once ──────────────────────────────────────

func TestMain(m *testing.M) {
	bin, cleanup, err := buildMcpman()
	if err != nil {
		log.Fatalf("build mcpman: %v", err)
	}
	mcpmanBin = bin
	code := m.Run()
	cleanup()
	os.Exit(code)
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// buildMcpman compiles cmd/mcpman to a temp dir; returns (binPath, cleanup, err).
func buildMcpman() (string, func(), error) {
	dir, err := os.MkdirTemp("", "mcpman-bin-*")
	if err != nil {
		return "", nil, err
	}
	cleanup := func() { os.RemoveAll(dir) }

	bin := filepath.Join(dir, "mcpman")

	moduleRoot, err := findModuleRoot()
	if err != nil {
		cleanup()
		return "", nil, fmt.Errorf("find module root: %w", err)
	}

	cmd := exec.Command("go", "build", "-o", bin, "./cmd/mcpman")
	cmd.Dir = moduleRoot
	if out, err := cmd.CombinedOutput(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("go build: %w\n%s", err, out)
	}
	return bin, cleanup, nil
}

// findModuleRoot asks the go tool for the directory containing go.mod.
func findModuleRoot() (string, error) {
	out, err := exec.Command("go", "env", "GOMOD").Output()
	if err != nil {
		return "", err
	}
	gomod := strings.TrimSpace(string(out))
	if gomod == "" || gomod == os.DevNull {
		return "", fmt.Errorf("not inside a Go module")
	}
	return filepath.Dir(gomod), nil
}

// runMcpman runs mcpman in dir and returns its combined output and exit code.
func runMcpman(t *testing.T, dir string, args ...string) (string, int) {
	t.Helper()
	cmd := exec.Command(mcpmanBin, args...)
	cmd.Dir = dir
	cmd.Env = filterEnv(os.Environ(), "MCPMAN_SERVER", "LIFX_TOKEN")
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		}
	}
	return strings.TrimSpace(out.String()), code
}

// mustMcpman runs mcpman and fatals on non-zero exit.
func mustMcpman(t *testing.T, dir string, args ...string) string {
	t.Helper()
	out, code := runMcpman(t, dir, args...)
	if code != 0 {
		t.Fatalf("mcpman %s failed (exit %d):\n%s", strings.Join(args, " "), code, out)
	}
	return out
}

// filterEnv returns a copy of env with entries matching any of the given keys removed.
func filterEnv(env []string, removeKeys ...string) []string {
	remove := make(map[string]bool, len(removeKeys))
	for _, k := range removeKeys {
		remove[k] = true
	}
	result := make([]string, 0, len(env))
	for _, entry := range env {
		key := entry
		if i := strings.Index(entry, "="); i >= 0 {
			key = entry[:i]
		}
		if !remove[key] {
			result = append(result, entry)
		}
	}
	return result
}

// fakeWorker answers every tools/call with one text item naming the tool.
const fakeWorker = `#!/bin/sh
echo "[LIFX MCP] LIFX API MCP Server running on stdio" >&2
while IFS= read -r line; do
  id=$(printf '%s\n' "$line" | sed -n 's/.*"id":\([0-9][0-9]*\).*/\1/p')
  name=$(printf '%s\n' "$line" | sed -n 's/.*"name":"\([^"]*\)".*/\1/p')
  printf '{"jsonrpc":"2.0","id":%s,"result":{"content":[{"type":"text","text":"handled %s"}]}}\n' "$id" "$name"
done
`

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// startServe writes a config pointing at the fake worker and starts
// "mcpman serve" in the background. The process is interrupted on cleanup.
func startServe(t *testing.T, extra ...string) (dir, addr string) {
	t.Helper()
	dir = t.TempDir()
	addr = freeAddr(t)

	worker := filepath.Join(dir, "worker.sh")
	if err := os.WriteFile(worker, []byte(fakeWorker), 0o755); err != nil {
		t.Fatalf("write worker: %v", err)
	}
	cfgPath := filepath.Join(dir, "mcpman.yaml")
	cfg := fmt.Sprintf("addr: %s\nworker:\n  command: %s\n  args: []\n  dir: %s\n  grace_period: 500ms\n", addr, worker, dir)
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	logFile, err := os.Create(filepath.Join(dir, "serve.log"))
	if err != nil {
		t.Fatalf("create serve log: %v", err)
	}
	t.Cleanup(func() { logFile.Close() })

	cmd := exec.Command(mcpmanBin, append([]string{"serve", "--config", cfgPath}, extra...)...)
	cmd.Dir = dir
	cmd.Env = filterEnv(os.Environ(), "LIFX_TOKEN")
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if err := cmd.Start(); err != nil {
		t.Fatalf("start serve: %v", err)
	}
	t.Logf("mcpman serve started (pid=%d)", cmd.Process.Pid)

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()
	t.Cleanup(func() {
		_ = cmd.Process.Signal(syscall.SIGINT)
		select {
		case err := <-exited:
			if err != nil {
				t.Errorf("serve exited with error: %v", err)
			}
		case <-time.After(15 * time.Second):
			_ = cmd.Process.Kill()
			t.Error("serve did not exit after SIGINT")
		}
	})

	waitFor(t, 10*time.Second, func() bool {
		resp, err := http.Get("http://" + addr + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, "manager never became healthy")
	return dir, addr
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal(msg)
}

func connected(addr string) bool {
	resp, err := http.Get("http://" + addr + "/api/status")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	var body struct {
		Status struct {
			Connected bool `json:"connected"`
		} `json:"status"`
	}
	return json.NewDecoder(resp.Body).Decode(&body) == nil && body.Status.Connected
}

// ─── Tests ───────────────────────────────────────────────────────────────────

func TestVersion(t *testing.T) {
	out := mustMcpman(t, t.TempDir(), "version")
	if !strings.HasPrefix(out, "mcpman ") {
		t.Fatalf("version output = %q", out)
	}
}

func TestConfigInitRefusesOverwrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	mustMcpman(t, dir, "config", "init", "--path", path)

	out, code := runMcpman(t, dir, "config", "init", "--path", path)
	if code == 0 {
		t.Fatalf("second config init should fail:\n%s", out)
	}
	if !strings.Contains(out, "--force") {
		t.Errorf("error should mention --force:\n%s", out)
	}
	mustMcpman(t, dir, "config", "init", "--path", path, "--force")
}

func TestCallWithoutWorker(t *testing.T) {
	dir, addr := startServe(t)

	out, code := runMcpman(t, dir, "call", "list-lights", "--server", addr)
	if code == 0 {
		t.Fatalf("call should fail with no worker running:\n%s", out)
	}
	if !strings.Contains(out, "MCP server is not running") {
		t.Errorf("unexpected error output:\n%s", out)
	}
}

func TestAutostartCallAndStatus(t *testing.T) {
	dir, addr := startServe(t, "--autostart", "--token", "e2e-token")
	waitFor(t, 10*time.Second, func() bool { return connected(addr) }, "worker never connected")

	out := mustMcpman(t, dir, "call", "set-state", "selector:all", "power:on", "--server", addr)
	if !strings.Contains(out, "set-state executed successfully") || !strings.Contains(out, "handled set-state") {
		t.Errorf("call output = %q", out)
	}

	out = mustMcpman(t, dir, "call", "list-lights", "--server", addr)
	if !strings.Contains(out, "list-lights completed") {
		t.Errorf("call output = %q", out)
	}

	out = mustMcpman(t, dir, "status", "--server", addr, "--logs", "50")
	for _, want := range []string{"connected", "pid:", "MCP server connected and ready!"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}
}

func TestRestartOverHTTP(t *testing.T) {
	_, addr := startServe(t, "--autostart", "--token", "e2e-token")
	waitFor(t, 10*time.Second, func() bool { return connected(addr) }, "worker never connected")

	resp, err := http.Post("http://"+addr+"/api/restart", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("POST /api/restart: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("restart status = %d", resp.StatusCode)
	}

	// The worker goes away and comes back.
	waitFor(t, 10*time.Second, func() bool { return !connected(addr) }, "worker never stopped")
	waitFor(t, 10*time.Second, func() bool { return connected(addr) }, "worker never came back")
}

func TestServeStopsWorkerOnInterrupt(t *testing.T) {
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "worker.pid")
	addr := freeAddr(t)

	worker := filepath.Join(dir, "worker.sh")
	script := "#!/bin/sh\necho $$ > " + pidFile + "\necho \"[LIFX MCP] LIFX API MCP Server running\" >&2\nwhile IFS= read -r line; do :; done\n"
	if err := os.WriteFile(worker, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, mcpmanBin, "serve", "--addr", addr, "--autostart", "--token", "x")
	cmd.Dir = dir
	cmd.Env = append(filterEnv(os.Environ(), "LIFX_TOKEN"), "MCPMAN_WORKER_COMMAND="+worker, "MCPMAN_WORKER_DIR="+dir)
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 10*time.Second, func() bool { return connected(addr) }, "worker never connected")
	data, err := os.ReadFile(pidFile)
	if err != nil {
		t.Fatalf("read worker pid: %v", err)
	}
	var pid int
	fmt.Sscanf(strings.TrimSpace(string(data)), "%d", &pid)

	_ = cmd.Process.Signal(syscall.SIGINT)
	if err := cmd.Wait(); err != nil {
		t.Fatalf("serve exit: %v", err)
	}
	if err := syscall.Kill(pid, 0); err == nil {
		t.Errorf("worker pid %d still alive after serve exited", pid)
	}
}
