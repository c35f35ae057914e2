package pushfanout

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// ServeHTTP implements the SSE contract of spec §4.7: the server
// assigns an opaque client ID, emits a `connected` event carrying it,
// then periodic `update` events carrying the latest snapshot. A
// heartbeat comment line defeats proxy idle timeouts every
// HeartbeatPeriod.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	if origin := r.Header.Get("Origin"); origin != "" {
		w.Header().Set("Access-Control-Allow-Origin", origin)
	}

	clientID := b.newClientID()
	ch := make(chan Snapshot, 4)
	unsubscribe := b.subscribe(ch)
	defer unsubscribe()

	if !writeEvent(w, "connected", map[string]uint64{"client_id": clientID}) {
		return
	}
	flusher.Flush()

	heartbeat := time.NewTicker(b.cfg.HeartbeatPeriod)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case snap, open := <-ch:
			if !open {
				return
			}
			if !writeEvent(w, "update", snap) {
				return // send failure: client removed silently (unsubscribe via defer)
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, event string, payload interface{}) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err == nil
}
