package livechannel

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"tailscale.com/tsweb"

	"github.com/banshee-data/telemetry.relay/internal/codec"
)

// AttachAdminRoutes attaches live channel debugging endpoints to the given
// HTTP mux served at /debug/.
func (c *Channel) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("livechannel", "live channel status (JSON)", c.handleStatus)

	// Server-Sent Events stream of envelopes published on ?topic=.
	debug.HandleSilentFunc("livechannel-tail", c.handleTail)
}

func (c *Channel) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(c.Stats()); err != nil {
		http.Error(w, "failed to encode stats", http.StatusInternalServerError)
	}
}

func (c *Channel) handleTail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	topic := strings.TrimSpace(r.URL.Query().Get("topic"))
	if topic == "" {
		http.Error(w, "Missing topic", http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// Handlers run on the read goroutine; drop rather than block it.
	ch := make(chan codec.Envelope, 64)
	id := c.Subscribe(topic, func(env codec.Envelope) {
		select {
		case ch <- env:
		default:
		}
	})
	defer c.Unregister(id)

	w.Write([]byte(": ping\n\n"))
	flusher.Flush()

	for {
		select {
		case env := <-ch:
			payload, err := json.Marshal(env)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
