package server

import (
	"net/http"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// Application status
	mux.HandleFunc("/api/status", s.app.StatusHandler.GetStatusHandler)

	// Search pipeline
	mux.HandleFunc("/api/search", s.app.SearchHandler.StartHandler)

	// Batch operator surface
	mux.HandleFunc("/api/batch/register", s.app.BatchHandler.RegisterHandler)
	mux.HandleFunc("/api/batch/register/all", s.app.BatchHandler.RegisterAllHandler)
	mux.HandleFunc("/api/batch/submit", s.app.BatchHandler.SubmitHandler)
	mux.HandleFunc("/api/batch/poll", s.app.BatchHandler.PollHandler)
	mux.HandleFunc("/api/batch/complete", s.app.BatchHandler.CompleteHandler)
	mux.HandleFunc("/api/batch/reset", s.app.BatchHandler.ResetHandler)
	mux.HandleFunc("/api/batch/stats", s.app.BatchHandler.StatsHandler)

	return mux
}
