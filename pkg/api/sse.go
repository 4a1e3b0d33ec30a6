package api

import (
	"encoding/json"
	"fmt"
	"net/http"
)

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

func writeSSEEvent(w http.ResponseWriter, id, event, data string) {
	fmt.Fprintf(w, "id: %s\n", id)
	if event != "" {
		fmt.Fprintf(w, "event: %s\n", event)
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// upcallStreamHandler streams upcalls as they arrive. The event name is
// the upcall type. Takes the same filters as /api/v1/upcalls.
func (s *Server) upcallStreamHandler(w http.ResponseWriter, r *http.Request) {
	if s.upcalls == nil {
		writeError(w, http.StatusServiceUnavailable, "upcall log not available")
		return
	}
	filter := filterFromQuery(r)
	sub := s.upcalls.Subscribe(128)
	defer sub.Close()

	setSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	var seq uint64
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-sub.C:
			if !filter.Matches(&rec) {
				continue
			}
			seq++
			data, err := json.Marshal(upcallEntryFromRecord(rec))
			if err != nil {
				continue
			}
			writeSSEEvent(w, fmt.Sprint(seq), rec.Type, string(data))
		}
	}
}
