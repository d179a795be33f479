package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jmcleod/ledgervault/vault"
)

const (
	eventBuffer       = 32
	eventKeepAlive    = 30 * time.Second
	eventStreamHeader = "text/event-stream"
)

// Events handles GET /v1/events as a server-sent event stream of vault
// notifications. Slow readers lose events rather than block the vault.
// Streams end when the client goes away or on Shutdown.
func (a *API) Events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, CodeInternal, "streaming unsupported")
		return
	}

	ch := make(chan vault.Event, eventBuffer)
	cancel := a.vault.Subscribe(func(e vault.Event) {
		select {
		case ch <- e:
		default:
		}
	})
	defer cancel()

	w.Header().Set("Content-Type", eventStreamHeader)
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	keepAlive := time.NewTicker(eventKeepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-a.done:
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case e := <-ch:
			data, err := json.Marshal(e)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data)
			flusher.Flush()
		}
	}
}
