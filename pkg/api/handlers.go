package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/psaab/bpfpp/pkg/bounce"
	"github.com/psaab/bpfpp/pkg/stats"
)

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
	resp := StatusResponse{
		Uptime:          time.Since(s.startTime).Truncate(time.Second).String(),
		DataplaneLoaded: s.loaded,
		RingDriver:      s.ring != nil,
	}
	if s.src != nil {
		resp.Mode = s.src.Mode().String()
	}
	writeOK(w, resp)
}

func (s *Server) snapshot() (StatsResponse, error) {
	g, err := s.src.Global()
	if err != nil {
		return StatsResponse{}, err
	}
	c, err := s.src.Counters()
	if err != nil {
		return StatsResponse{}, err
	}
	resp := StatsResponse{
		Mode:   s.src.Mode().String(),
		Global: globalStatsFrom(g),
		Engine: c,
	}
	if s.ring != nil {
		resp.Ring = &RingStats{
			Counters:  s.ring.Stats(),
			Occupancy: s.ring.Occupancy(),
		}
	}
	return resp, nil
}

func (s *Server) statsHandler(w http.ResponseWriter, _ *http.Request) {
	if s.src == nil {
		writeError(w, http.StatusServiceUnavailable, "statistics not available")
		return
	}
	resp, err := s.snapshot()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w, resp)
}

// histogramHandler returns the non-empty buckets. ?all=true includes
// empty ones.
func (s *Server) histogramHandler(w http.ResponseWriter, r *http.Request) {
	if s.src == nil {
		writeError(w, http.StatusServiceUnavailable, "statistics not available")
		return
	}
	if s.src.Mode() != stats.ModeHistogram {
		writeError(w, http.StatusConflict, "histogram not recorded in "+s.src.Mode().String()+" mode")
		return
	}
	counts, err := s.src.Histogram()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	all := r.URL.Query().Get("all") == "true"
	writeOK(w, s.histogram(counts, all))
}

func (s *Server) histogram(counts []uint64, all bool) HistogramResponse {
	resp := HistogramResponse{
		BucketWidthNs: s.bucketWidth,
		Buckets:       []Bucket{},
	}
	if len(counts) > 0 {
		resp.NumBuckets = len(counts) - 1
	}
	for i, n := range counts {
		resp.Total += n
		if n == 0 && !all {
			continue
		}
		resp.Buckets = append(resp.Buckets, Bucket{
			Index:    i,
			LowNs:    uint64(i) * s.bucketWidth,
			Count:    n,
			Overflow: i == len(counts)-1,
		})
	}
	return resp
}

func (s *Server) timestampHandler(w http.ResponseWriter, r *http.Request) {
	if s.src == nil {
		writeError(w, http.StatusServiceUnavailable, "statistics not available")
		return
	}
	round, err := strconv.ParseUint(r.PathValue("round"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid round")
		return
	}
	if s.src.Mode() != stats.ModeRawLog {
		writeError(w, http.StatusConflict, "timestamps not recorded in "+s.src.Mode().String()+" mode")
		return
	}
	ts, ok, err := s.src.Timestamp(round)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "round "+strconv.FormatUint(round, 10)+" not recorded")
		return
	}
	writeOK(w, TimestampEntry{
		Round:     ts.Round,
		T1:        ts.T1,
		T2:        ts.T2,
		T3:        ts.T3,
		T4:        ts.T4,
		LatencyNs: bounce.Latency(ts.T1, ts.T2, ts.T3, ts.T4, s.clockHz),
	})
}
