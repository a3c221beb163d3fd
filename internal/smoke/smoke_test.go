package smoke

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

const smokeToken = "smoke-token"

func moduleRoot(t *testing.T) string {
	t.Helper()

	cmd := exec.Command("go", "env", "GOMOD")
	out, err := cmd.Output()
	if err != nil {
		t.Fatalf("go env GOMOD: %v", err)
	}
	gomod := strings.TrimSpace(string(out))
	if gomod == "" || gomod == os.DevNull {
		t.Fatalf("go env GOMOD returned %q; expected path to go.mod", gomod)
	}
	return filepath.Dir(gomod)
}

func buildBinary(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("smoke tests build the binary; skipped with -short")
	}
	outPath := filepath.Join(t.TempDir(), "missionctl")
	cmd := exec.Command("go", "build", "-o", outPath, "./cmd/missionctl")
	cmd.Dir = moduleRoot(t)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	if err := cmd.Run(); err != nil {
		t.Fatalf("build binary: %v\n%s", err, buf.String())
	}
	return outPath
}

func pickFreeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("pick free addr: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

// syncBuffer collects daemon output written from two pipes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type daemon struct {
	bin  string
	home string
	addr string
	out  *syncBuffer
}

func (d *daemon) env() []string {
	return append(os.Environ(),
		"MISSIONCTL_HOME="+d.home,
		"MISSIONCTL_BIND_ADDR="+d.addr,
		"MISSIONCTL_AUTH_TOKEN="+smokeToken,
		"MISSIONCTL_NO_TUI=1",
	)
}

// startDaemon runs the binary with configYAML and waits for /healthz.
func startDaemon(t *testing.T, bin, configYAML string) *daemon {
	t.Helper()
	d := &daemon{bin: bin, home: t.TempDir(), addr: pickFreeAddr(t), out: &syncBuffer{}}
	if configYAML != "" {
		if err := os.WriteFile(filepath.Join(d.home, "config.yaml"), []byte(configYAML), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}

	cmd := exec.Command(bin, "-daemon")
	cmd.Env = d.env()
	cmd.Stdout = d.out
	cmd.Stderr = d.out
	if err := cmd.Start(); err != nil {
		t.Fatalf("start daemon: %v", err)
	}
	t.Cleanup(func() {
		_ = cmd.Process.Signal(os.Interrupt)
		done := make(chan struct{})
		go func() {
			_ = cmd.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(4 * time.Second):
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
		}
	})

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get("http://" + d.addr + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return d
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("daemon did not become healthy\noutput=%s", d.out.String())
	return nil
}

func (d *daemon) api(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, "http://"+d.addr+path, rdr)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+smokeToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, raw
}

// phases returns startup phase names in the order they were logged.
func phases(output string) []string {
	var out []string
	sc := bufio.NewScanner(strings.NewReader(output))
	for sc.Scan() {
		var rec map[string]any
		if json.Unmarshal(sc.Bytes(), &rec) != nil || rec["msg"] != "startup phase" {
			continue
		}
		if p, ok := rec["phase"].(string); ok {
			out = append(out, p)
		}
	}
	return out
}

func TestSmoke_StatusVersionAndStartupOrder(t *testing.T) {
	bin := buildBinary(t)
	d := startDaemon(t, bin, "")

	s := exec.Command(bin, "status")
	s.Env = d.env()
	out, err := s.Output()
	if err != nil {
		t.Fatalf("status: %v\n%s", err, out)
	}
	var body map[string]any
	if err := json.Unmarshal(out, &body); err != nil {
		t.Fatalf("status output not JSON: %v\n%s", err, out)
	}
	if body["healthy"] != true {
		t.Fatalf("expected healthy, got %v", body)
	}

	v, err := exec.Command(bin, "version").Output()
	if err != nil || !strings.HasPrefix(string(v), "missionctl ") {
		t.Fatalf("version: %q %v", v, err)
	}

	want := []string{"config_loaded", "store_ready", "monitor_started"}
	got := phases(d.out.String())
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("startup phases = %v, want %v\noutput=%s", got, want, d.out.String())
	}
}

func TestSmoke_DoctorJSON(t *testing.T) {
	bin := buildBinary(t)
	home := t.TempDir()
	cmd := exec.Command(bin, "doctor", "-json")
	cmd.Env = append(os.Environ(), "MISSIONCTL_HOME="+home, "MISSIONCTL_BIND_ADDR="+pickFreeAddr(t))
	out, err := cmd.Output()
	if err != nil {
		t.Fatalf("doctor: %v\n%s", err, out)
	}
	var diag struct {
		Results []struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"results"`
	}
	if err := json.Unmarshal(out, &diag); err != nil {
		t.Fatalf("doctor output not JSON: %v\n%s", err, out)
	}
	if len(diag.Results) == 0 {
		t.Fatal("expected doctor results")
	}
	for _, r := range diag.Results {
		if r.Status == "FAIL" {
			t.Fatalf("unexpected failing check %s", r.Name)
		}
	}
}
