package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/psaab/ovsdp/pkg/logging"
)

const defaultUpcallCount = 100

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, Response{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, Response{Success: false, Error: msg})
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, map[string]string{"status": "ok"})
}

func (s *Server) statusHandler(w http.ResponseWriter, _ *http.Request) {
	stats, err := s.dp.Stats()
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	resp := StatusResponse{
		Datapath: s.dp.Name(),
		Uptime:   time.Since(s.startTime).Truncate(time.Second).String(),
		Stats: DatapathStats{
			Hit:    stats.Hit,
			Missed: stats.Missed,
			Lost:   stats.Lost,
			Frags:  stats.Frags,
			Flows:  stats.Flows,
		},
	}
	if s.upcalls != nil {
		resp.Upcalls = s.upcalls.Total()
	}
	writeOK(w, resp)
}

func (s *Server) portsHandler(w http.ResponseWriter, _ *http.Request) {
	ports, err := s.dp.Ports()
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	entries := make([]PortEntry, 0, len(ports))
	for _, p := range ports {
		entries = append(entries, PortEntry{
			Name:      p.Name,
			Type:      p.Type.String(),
			PortNo:    p.PortNo,
			RxPackets: p.Stats.RxPackets,
			TxPackets: p.Stats.TxPackets,
			RxBytes:   p.Stats.RxBytes,
			TxBytes:   p.Stats.TxBytes,
			RxDropped: p.Stats.RxDropped,
			TxDropped: p.Stats.TxDropped,
		})
	}
	writeOK(w, entries)
}

// upcallsHandler returns the newest upcalls, newest first. Supports
// ?type=, ?datapath= and ?n= (default 100).
func (s *Server) upcallsHandler(w http.ResponseWriter, r *http.Request) {
	if s.upcalls == nil {
		writeError(w, http.StatusServiceUnavailable, "upcall log not available")
		return
	}
	n := defaultUpcallCount
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "n must be a positive integer")
			return
		}
		n = parsed
	}
	recs := s.upcalls.LatestFiltered(n, filterFromQuery(r))
	entries := make([]UpcallEntry, 0, len(recs))
	for _, rec := range recs {
		entries = append(entries, upcallEntryFromRecord(rec))
	}
	writeOK(w, entries)
}

func filterFromQuery(r *http.Request) logging.UpcallFilter {
	q := r.URL.Query()
	return logging.UpcallFilter{Datapath: q.Get("datapath"), Type: q.Get("type")}
}

func upcallEntryFromRecord(rec logging.UpcallRecord) UpcallEntry {
	e := UpcallEntry{
		Time:      rec.Time.Format(time.RFC3339Nano),
		Datapath:  rec.Datapath,
		Type:      rec.Type,
		PacketLen: rec.PacketLen,
		KeyLen:    rec.KeyLen,
	}
	if rec.HasUser {
		u := rec.Userdata
		e.Userdata = &u
	}
	return e
}
