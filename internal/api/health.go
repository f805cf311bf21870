package api

import (
	"net/http"

	"github.com/arcforge/authcore/internal/api/helpers"
)

// HealthHandler checks process liveness, database connectivity and the
// ephemeral store.
func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		unhealthy := map[string]string{
			"status": "unhealthy",
			"error":  "service temporarily unavailable",
		}

		if s.Pool != nil {
			if err := s.Pool.Ping(r.Context()); err != nil {
				s.Logger.Error("health_check_failed", "error", err, "detail", "database_unreachable")
				helpers.RespondJSON(w, http.StatusServiceUnavailable, unhealthy)
				return
			}
		}

		if s.Pending != nil {
			if _, err := s.Pending.Exists(r.Context(), "health:probe"); err != nil {
				s.Logger.Error("health_check_failed", "error", err, "detail", "ephemeral_store_unreachable")
				helpers.RespondJSON(w, http.StatusServiceUnavailable, unhealthy)
				return
			}
		}

		helpers.RespondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	}
}
