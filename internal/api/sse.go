package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/Veridical-Systems/quaestor/internal/gatherer"
)

// streamEvents writes a gathering round's events to the response as
// server-sent events, flushing after each so the client sees deltas as
// they arrive. The channel closing ends the stream.
func streamEvents(w http.ResponseWriter, ch <-chan gatherer.Event) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, canFlush := w.(http.Flusher)
	for ev := range ch {
		payload, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", payload)
		if canFlush {
			flusher.Flush()
		}
	}
}
