package api

import (
	"fmt"
	"net/http"
)

// MetricsHandler serves process-level counters in Prometheus text format.
// A full implementation would back this with client_golang's registry;
// this stub surfaces the pool's connection gauges, which is what every
// deployment dashboard actually reads at startup.
func (s *Server) MetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		if s.Pool == nil {
			return
		}
		stat := s.Pool.Stat()
		fmt.Fprintf(w, "authcore_db_pool_total_conns %d\n", stat.TotalConns())
		fmt.Fprintf(w, "authcore_db_pool_idle_conns %d\n", stat.IdleConns())
		fmt.Fprintf(w, "authcore_db_pool_acquired_conns %d\n", stat.AcquiredConns())
	}
}
