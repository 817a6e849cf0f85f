package livechannel

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/banshee-data/telemetry.relay/internal/codec"
)

// localHostRequest creates an httptest request that appears to come from localhost.
// This bypasses tsweb.AllowDebugAccess which checks for loopback IPs.
func localHostRequest(method, path string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, path, body)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

func TestAttachAdminRoutes_Status(t *testing.T) {
	c, _, _ := newTestChannel(t)
	c.Subscribe("localization_position", func(codec.Envelope) {})

	mux := http.NewServeMux()
	c.AttachAdminRoutes(mux)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, localHostRequest(http.MethodGet, "/debug/livechannel", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}

	var stats Stats
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.URL != c.URL() {
		t.Errorf("URL = %q, want %q", stats.URL, c.URL())
	}
	if len(stats.Topics) != 1 || stats.Topics[0] != "localization_position" {
		t.Errorf("Topics = %v", stats.Topics)
	}
}

func TestAttachAdminRoutes_TailValidation(t *testing.T) {
	c, _, _ := newTestChannel(t)
	mux := http.NewServeMux()
	c.AttachAdminRoutes(mux)

	tests := []struct {
		name   string
		method string
		path   string
		want   int
	}{
		{"post rejected", http.MethodPost, "/debug/livechannel-tail?topic=t", http.StatusMethodNotAllowed},
		{"missing topic", http.MethodGet, "/debug/livechannel-tail", http.StatusBadRequest},
		{"blank topic", http.MethodGet, "/debug/livechannel-tail?topic=%20", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, localHostRequest(tt.method, tt.path, nil))
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestAttachAdminRoutes_TailStreamsEnvelopes(t *testing.T) {
	c, _, _ := newTestChannel(t)
	mux := http.NewServeMux()
	c.AttachAdminRoutes(mux)

	ctx, cancel := context.WithCancel(context.Background())
	req := localHostRequest(http.MethodGet, "/debug/livechannel-tail?topic=t", nil).WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		mux.ServeHTTP(w, req)
	}()

	deadline := time.Now().Add(waitFor)
	for c.registry.HandlerCount("t") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("tail handler never subscribed")
		}
		time.Sleep(tick)
	}
	c.Publish("t", codec.Envelope{Topic: "t", Data: "hello"})
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	body := w.Body.String()
	if !strings.Contains(body, `data: {"topic":"t","data":"hello"}`) {
		t.Errorf("body missing event: %q", body)
	}
	if c.registry.HandlerCount("t") != 0 {
		t.Error("tail handler not unregistered after disconnect")
	}
}
