package main

import (
	"encoding/json"
	"net/http"

	"deskrelay/internal/metrics"
	"deskrelay/internal/service"
	"deskrelay/internal/tracing"

	"github.com/sirupsen/logrus"
)

// handleMetrics serves a JSON snapshot of the in-memory metrics registry.
func (s *Server) handleMetrics() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snapshot := metrics.GetAllMetrics()

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")

		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(snapshot); err != nil {
			// Headers are already written, so the failure can only be logged.
			info := tracing.GetRequestInfo(r.Context())
			s.logger.WithError(err).WithFields(logrus.Fields{
				service.LogFieldRequestID: info.RequestID,
				service.LogFieldTraceID:   info.TraceID,
			}).Error("Failed to encode metrics snapshot")
		}
	}
}
