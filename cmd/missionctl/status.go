package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/basket/missionctl/internal/config"
)

const statusTimeout = 3 * time.Second

// runStatusCommand asks a running daemon for /healthz and, with -stats, the
// authenticated /api/stats counters. Output is JSON; the exit code is 0
// only when the daemon reports healthy.
func runStatusCommand(ctx context.Context, args []string, out io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	withStats := fs.Bool("stats", false, "include agent and task counters")
	addr := fs.String("addr", "", "daemon address (default: bind_addr from config)")
	if err := fs.Parse(args); err != nil || fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "usage: missionctl status [-stats] [-addr host:port]")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	if *addr == "" {
		*addr = cfg.BindAddr
	}
	base := daemonURL(*addr)

	if !*withStats {
		return probeHealth(ctx, base+"/healthz", out)
	}

	health, healthy, err := getJSON(ctx, base+"/healthz", "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	stats, ok, err := getJSON(ctx, base+"/api/stats", cfg.AuthToken)
	if err != nil || !ok {
		fmt.Fprintf(os.Stderr, "stats: %v %s\n", err, stats)
		return 1
	}
	enc := json.NewEncoder(out)
	_ = enc.Encode(struct {
		Health json.RawMessage `json:"health"`
		Stats  json.RawMessage `json:"stats"`
	}{health, stats})
	if !healthy {
		return 1
	}
	return 0
}

// daemonURL turns a listen address into a URL a local client can dial.
// Wildcard hosts become loopback.
func daemonURL(addr string) string {
	addr = strings.TrimSpace(addr)
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		switch host {
		case "", "0.0.0.0", "::":
			host = "127.0.0.1"
		}
		addr = net.JoinHostPort(host, port)
	}
	return "http://" + addr
}

func probeHealth(ctx context.Context, url string, out io.Writer) int {
	body, ok, err := getJSON(ctx, url, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	fmt.Fprintf(out, "%s\n", body)
	if !ok {
		return 1
	}
	return 0
}

// getJSON fetches url and reports whether the response was 200.
func getJSON(ctx context.Context, url, token string) (json.RawMessage, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, false, err
	}
	return json.RawMessage(strings.TrimSpace(string(body))), resp.StatusCode == http.StatusOK, nil
}
