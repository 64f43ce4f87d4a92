package runner

import (
	"context"
	"net"
	"net/http"
	"os/exec"
	"strings"
	"time"
)

// Probe runs one health check. Checks take the forms http://..., tcp://...
// or cmd:<shell>. A timeout is treated identically to an explicit failure,
// never as a separate state. An empty check passes.
func Probe(ctx context.Context, check string, timeout time.Duration) bool {
	if check == "" {
		return true
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	switch {
	case strings.HasPrefix(check, "http://"), strings.HasPrefix(check, "https://"):
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, check, nil)
		if err != nil {
			return false
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode >= 200 && resp.StatusCode < 300
	case strings.HasPrefix(check, "tcp://"):
		d := net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, "tcp", strings.TrimPrefix(check, "tcp://"))
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	case strings.HasPrefix(check, "cmd:"):
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return exec.CommandContext(ctx, "/bin/sh", "-c", strings.TrimPrefix(check, "cmd:")).Run() == nil
	}
	return false
}
