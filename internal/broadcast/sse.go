package broadcast

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// ServeSSE streams runID as server-sent events until the client goes away.
// keepAlive sends a comment line at that interval so proxies keep the stream
// open; zero disables it.
func (h *Hub) ServeSSE(w http.ResponseWriter, r *http.Request, runID string, keepAlive time.Duration) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	sub := h.Subscribe(runID, 0)
	defer sub.Close()

	var tick <-chan time.Time
	if keepAlive > 0 {
		ticker := time.NewTicker(keepAlive)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-tick:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case env, ok := <-sub.C:
			if !ok {
				return
			}
			data, err := json.Marshal(env.Payload)
			if err != nil {
				log.Printf("[broadcast] marshal %s: %v", env.Type, err)
				continue
			}
			fmt.Fprintf(w, "event: %s\n", env.Type)
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}
