// Package testutil provides shared test helpers and log file fixtures.
package testutil

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t testing.TB, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// LocalHostRequest creates a request that appears to come from localhost,
// which tsweb debug handlers require.
func LocalHostRequest(method, target string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, target, body)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

// LogLine formats one "<timestamp>:<payload>" record.
func LogLine(tsMs int64, payload string) string {
	return fmt.Sprintf("%d:%s", tsMs, payload)
}

// JSONLog returns text records every step ms over [from, to], stamped
// base+offset. Each payload is {"topic":topic,"ts":offset}.
func JSONLog(base, from, to, step int64, topic string) []string {
	var lines []string
	for ts := from; ts <= to; ts += step {
		lines = append(lines, LogLine(base+ts, fmt.Sprintf(`{"topic":%q,"ts":%d}`, topic, ts)))
	}
	return lines
}

// WriteLog writes lines to dir/name, creating parent directories, and
// returns the path.
func WriteLog(t testing.TB, dir, name string, lines []string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("create log dir: %v", err)
	}
	var body string
	if len(lines) > 0 {
		body = strings.Join(lines, "\n") + "\n"
	}
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write log: %v", err)
	}
	return path
}
