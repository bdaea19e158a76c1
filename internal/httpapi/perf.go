package httpapi

import (
	"net/http"
	"strings"

	"github.com/ent0n29/helpdesk/internal/observability"
)

// handlePerfLatency reports rolling per-stage turn latencies. ?stage=a,b
// narrows the report to the named stages.
func (s *Server) handlePerfLatency(w http.ResponseWriter, r *http.Request) {
	snap := s.deps.Stages.Snapshot()
	if raw := strings.TrimSpace(r.URL.Query().Get("stage")); raw != "" {
		want := make(map[string]bool)
		for _, name := range strings.Split(raw, ",") {
			if name = strings.TrimSpace(name); name != "" {
				want[name] = true
			}
		}
		filtered := make([]observability.StageStats, 0, len(want))
		for _, st := range snap.Stages {
			if want[st.Stage] {
				filtered = append(filtered, st)
			}
		}
		snap.Stages = filtered
	}
	respondJSON(w, http.StatusOK, snap)
}
